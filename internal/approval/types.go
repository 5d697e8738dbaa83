package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"aprovo.app/internal/ids"
)

// Type selects how required signers record their consent.
type Type string

const (
	TypeESign    Type = "e_sign"
	TypeCheckbox Type = "checkbox"
)

// Valid reports whether t is a known approval type.
func (t Type) Valid() bool { return t == TypeESign || t == TypeCheckbox }

// Order selects signer activation: one-at-a-time or all-at-once.
type Order string

const (
	OrderSequential Order = "sequential"
	OrderParallel   Order = "parallel"
)

// Valid reports whether o is a known approval order.
func (o Order) Valid() bool { return o == OrderSequential || o == OrderParallel }

// SignerStatus is the stored state of one required signer. Reminder and
// overdue are display states derived from a pending signer's due date and
// reminder timestamp; they never replace the stored pending state.
type SignerStatus string

const (
	// SignerWaiting: not yet activated (sequential queues only).
	SignerWaiting  SignerStatus = "waiting"
	SignerPending  SignerStatus = "pending"
	SignerReminder SignerStatus = "reminder"
	SignerOverdue  SignerStatus = "overdue"
	SignerSigned   SignerStatus = "signed"
)

// CaptureType distinguishes the stored signature payload.
type CaptureType string

const (
	CaptureDrawn    CaptureType = "drawn"
	CaptureTyped    CaptureType = "typed"
	CaptureCheckbox CaptureType = "checkbox"
)

// WorkflowConfig is the per-approval signing configuration. Saving it is an
// idempotent upsert keyed by ApprovalID.
type WorkflowConfig struct {
	ApprovalID string   `json:"approval_id"`
	DecisionID string   `json:"decision_id,omitempty"`
	Signers    []string `json:"require_signers"`
	Type       Type     `json:"approval_type"`
	Order      Order    `json:"approval_order"`
	LegalText  string   `json:"legal_text,omitempty"`
}

// SignerState tracks one required signer's progress through the queue.
type SignerState struct {
	ApprovalID     string       `json:"approval_id"`
	SignerID       string       `json:"signer_id"`
	Position       int          `json:"position"`
	Status         SignerStatus `json:"status"`
	ActivatedAt    *time.Time   `json:"activated_at,omitempty"`
	DueAt          *time.Time   `json:"due_at,omitempty"`
	ReminderSentAt *time.Time   `json:"reminder_sent_at,omitempty"`
	SignedAt       *time.Time   `json:"signed_at,omitempty"`
}

// EffectiveStatus is the display status for the given instant. A pending
// signer with a reminder on record shows as reminder; a pending signer past
// due shows as overdue.
func (s SignerState) EffectiveStatus(now time.Time) SignerStatus {
	if s.Status != SignerPending {
		return s.Status
	}
	if s.ReminderSentAt != nil {
		return SignerReminder
	}
	if s.DueAt != nil && now.After(*s.DueAt) {
		return SignerOverdue
	}
	return SignerPending
}

// SignatureCapture is the write-once record of a captured signature or
// checkbox consent. SignedAt is always server-assigned.
type SignatureCapture struct {
	ID                string      `json:"id"`
	ApprovalID        string      `json:"approval_id"`
	SignerID          string      `json:"signer_id"`
	Type              CaptureType `json:"type"`
	Payload           string      `json:"payload,omitempty"`
	SignedAt          time.Time   `json:"signed_at"`
	IPAddress         string      `json:"ip_address,omitempty"`
	LegalTextAccepted bool        `json:"legal_text_accepted"`
}

// Approval is the signable unit: its configuration plus derived signer and
// capture state.
type Approval struct {
	Config      WorkflowConfig     `json:"config"`
	ActivatedAt *time.Time         `json:"activated_at,omitempty"`
	DueAt       *time.Time         `json:"due_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Signers     []SignerState      `json:"signers"`
	Captures    []SignatureCapture `json:"captures,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Normalize trims the config and checks it is well formed. It does not look
// at stored state; ErrConflict checks stay with the stores.
func (cfg WorkflowConfig) Normalize() (WorkflowConfig, error) {
	cfg.ApprovalID = strings.TrimSpace(cfg.ApprovalID)
	if cfg.ApprovalID == "" {
		return WorkflowConfig{}, fmt.Errorf("%w: approval_id is required", ErrValidation)
	}
	if len(cfg.Signers) == 0 {
		return WorkflowConfig{}, fmt.Errorf("%w: at least one signer is required", ErrValidation)
	}
	signers := make([]string, len(cfg.Signers))
	seen := make(map[string]struct{}, len(cfg.Signers))
	for i, signer := range cfg.Signers {
		signer = strings.TrimSpace(signer)
		if signer == "" {
			return WorkflowConfig{}, fmt.Errorf("%w: signer ids cannot be blank", ErrValidation)
		}
		if _, dup := seen[signer]; dup {
			return WorkflowConfig{}, fmt.Errorf("%w: duplicate signer %q", ErrValidation, signer)
		}
		seen[signer] = struct{}{}
		signers[i] = signer
	}
	cfg.Signers = signers
	if !cfg.Type.Valid() {
		return WorkflowConfig{}, fmt.Errorf("%w: unknown approval_type %q", ErrValidation, cfg.Type)
	}
	if !cfg.Order.Valid() {
		return WorkflowConfig{}, fmt.Errorf("%w: unknown approval_order %q", ErrValidation, cfg.Order)
	}
	return cfg, nil
}

// Validate checks the payload against the capture type rules.
func (in SignatureInput) Validate() error {
	switch in.Type {
	case CaptureDrawn:
		if len(in.Payload) < minDrawnPayloadBytes {
			return fmt.Errorf("%w: drawn signature payload too small", ErrValidation)
		}
	case CaptureTyped:
		if strings.TrimSpace(in.Payload) == "" {
			return fmt.Errorf("%w: typed signature cannot be blank", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: signature type must be drawn or typed", ErrValidation)
	}
	return nil
}

// Completed reports whether every required signer has signed.
func (a Approval) Completed() bool { return a.CompletedAt != nil }

// Signer returns the state for the given signer id.
func (a Approval) Signer(signerID string) (SignerState, bool) {
	for _, s := range a.Signers {
		if s.SignerID == signerID {
			return s, true
		}
	}
	return SignerState{}, false
}

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrNotYourTurn = errors.New("not your turn to sign")
	ErrConflict    = errors.New("conflicting submission")
)

// Drawn signatures arrive as data-URL canvas exports; anything below this is
// an empty stroke.
const minDrawnPayloadBytes = 100

func newID() string {
	return ids.New()
}
