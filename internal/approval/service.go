package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SignatureInput carries one e-signature submission. IPAddress is supplied
// by the request boundary, never derived here.
type SignatureInput struct {
	Type              CaptureType `json:"type"`
	Payload           string      `json:"payload"`
	LegalTextAccepted bool        `json:"legal_text_accepted"`
	IPAddress         string      `json:"ip_address"`
}

// SignerRef identifies one signer of one approval in sweep results.
type SignerRef struct {
	ApprovalID string `json:"approval_id"`
	SignerID   string `json:"signer_id"`
}

// SweepResult reports what an overdue/reminder sweep found and did.
type SweepResult struct {
	Overdue  []SignerRef `json:"overdue"`
	Reminded []SignerRef `json:"reminded"`
}

// Service defines the approval workflow operations.
type Service interface {
	SaveWorkflow(ctx context.Context, cfg WorkflowConfig) (WorkflowConfig, error)
	Activate(ctx context.Context, approvalID string, dueAt *time.Time) (Approval, error)
	Get(ctx context.Context, approvalID string) (Approval, error)
	SubmitSignature(ctx context.Context, approvalID, signerID string, in SignatureInput) (SignatureCapture, Approval, error)
	SubmitCheckbox(ctx context.Context, approvalID, signerID string, legalTextAccepted bool, ipAddress string) (Approval, error)
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu        sync.RWMutex
	approvals map[string]*Approval
}

// NewInMemory creates an empty approval store.
func NewInMemory() *InMemory {
	return &InMemory{approvals: make(map[string]*Approval)}
}

func (s *InMemory) SaveWorkflow(ctx context.Context, cfg WorkflowConfig) (WorkflowConfig, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return WorkflowConfig{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	a, ok := s.approvals[cfg.ApprovalID]
	if !ok {
		a = &Approval{Config: cfg, CreatedAt: now, UpdatedAt: now}
		s.approvals[cfg.ApprovalID] = a
		return a.Config, nil
	}
	// Upsert. Once signatures exist the signer list is part of the legal
	// record and can no longer change.
	if len(a.Captures) > 0 {
		return WorkflowConfig{}, fmt.Errorf("%w: workflow already has captured signatures", ErrConflict)
	}
	a.Config = cfg
	a.UpdatedAt = now
	if a.ActivatedAt != nil {
		// Re-saving an activated workflow rebuilds the queue.
		a.Signers = buildSigners(a.Config, *a.ActivatedAt, a.DueAt)
	}
	return a.Config, nil
}

func (s *InMemory) Activate(ctx context.Context, approvalID string, dueAt *time.Time) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	if a.ActivatedAt != nil {
		return cloneApproval(a), nil
	}
	now := time.Now().UTC()
	a.ActivatedAt = &now
	a.DueAt = dueAt
	a.Signers = buildSigners(a.Config, now, dueAt)
	a.UpdatedAt = now
	return cloneApproval(a), nil
}

func (s *InMemory) Get(ctx context.Context, approvalID string) (Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return cloneApproval(a), nil
}

func (s *InMemory) SubmitSignature(ctx context.Context, approvalID, signerID string, in SignatureInput) (SignatureCapture, Approval, error) {
	if err := in.Validate(); err != nil {
		return SignatureCapture{}, Approval{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, signer, err := s.activeSignerLocked(approvalID, signerID)
	if err != nil {
		return SignatureCapture{}, Approval{}, err
	}
	if a.Config.Type != TypeESign {
		return SignatureCapture{}, Approval{}, fmt.Errorf("%w: workflow captures checkbox approvals, not signatures", ErrValidation)
	}
	if a.Config.LegalText != "" && !in.LegalTextAccepted {
		return SignatureCapture{}, Approval{}, fmt.Errorf("%w: legal text must be accepted", ErrValidation)
	}

	capture := SignatureCapture{
		ID:                newID(),
		ApprovalID:        approvalID,
		SignerID:          signerID,
		Type:              in.Type,
		Payload:           in.Payload,
		SignedAt:          time.Now().UTC(),
		IPAddress:         in.IPAddress,
		LegalTextAccepted: in.LegalTextAccepted,
	}
	a.Captures = append(a.Captures, capture)
	s.markSignedLocked(a, signer, capture.SignedAt)
	return capture, cloneApproval(a), nil
}

func (s *InMemory) SubmitCheckbox(ctx context.Context, approvalID, signerID string, legalTextAccepted bool, ipAddress string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, signer, err := s.activeSignerLocked(approvalID, signerID)
	if err != nil {
		return Approval{}, err
	}
	if a.Config.Type != TypeCheckbox {
		return Approval{}, fmt.Errorf("%w: workflow captures e-signatures, not checkbox approvals", ErrValidation)
	}
	if a.Config.LegalText != "" && !legalTextAccepted {
		return Approval{}, fmt.Errorf("%w: legal text must be accepted", ErrValidation)
	}

	capture := SignatureCapture{
		ID:                newID(),
		ApprovalID:        approvalID,
		SignerID:          signerID,
		Type:              CaptureCheckbox,
		SignedAt:          time.Now().UTC(),
		IPAddress:         ipAddress,
		LegalTextAccepted: legalTextAccepted,
	}
	a.Captures = append(a.Captures, capture)
	s.markSignedLocked(a, signer, capture.SignedAt)
	return cloneApproval(a), nil
}

// Sweep walks every active approval and reports pending signers past their
// due date, issuing at most one reminder each. Repeating the sweep is
// harmless: it only ever sets reminder_sent_at once and never touches the
// underlying pending state.
func (s *InMemory) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	for _, a := range s.approvals {
		if a.ActivatedAt == nil || a.Completed() {
			continue
		}
		for i := range a.Signers {
			signer := &a.Signers[i]
			if signer.Status != SignerPending || signer.DueAt == nil || !now.After(*signer.DueAt) {
				continue
			}
			ref := SignerRef{ApprovalID: a.Config.ApprovalID, SignerID: signer.SignerID}
			res.Overdue = append(res.Overdue, ref)
			if signer.ReminderSentAt == nil {
				at := now
				signer.ReminderSentAt = &at
				a.UpdatedAt = now
				res.Reminded = append(res.Reminded, ref)
			}
		}
	}
	return res, nil
}

// --- internals ---

// activeSignerLocked resolves the approval and checks that signerID is
// allowed to submit right now. Callers must hold the write lock.
func (s *InMemory) activeSignerLocked(approvalID, signerID string) (*Approval, *SignerState, error) {
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if a.ActivatedAt == nil {
		return nil, nil, fmt.Errorf("%w: workflow is not activated", ErrValidation)
	}
	if a.Completed() {
		return nil, nil, fmt.Errorf("%w: approval is already complete", ErrConflict)
	}
	var signer *SignerState
	for i := range a.Signers {
		if a.Signers[i].SignerID == signerID {
			signer = &a.Signers[i]
			break
		}
	}
	if signer == nil {
		return nil, nil, fmt.Errorf("%w: signer %s", ErrNotFound, signerID)
	}
	switch signer.Status {
	case SignerSigned:
		return nil, nil, fmt.Errorf("%w: signer %s has already signed", ErrConflict, signerID)
	case SignerWaiting:
		return nil, nil, fmt.Errorf("%w: signer %s is not yet active", ErrNotYourTurn, signerID)
	}
	return a, signer, nil
}

// markSignedLocked records the signature on the queue and advances it:
// sequential order activates the next signer atomically with this write;
// the last signature completes the approval.
func (s *InMemory) markSignedLocked(a *Approval, signer *SignerState, at time.Time) {
	signer.Status = SignerSigned
	signer.SignedAt = &at
	a.UpdatedAt = at

	if a.Config.Order == OrderSequential {
		for i := range a.Signers {
			if a.Signers[i].Position == signer.Position+1 {
				next := &a.Signers[i]
				next.Status = SignerPending
				activated := at
				next.ActivatedAt = &activated
				next.DueAt = a.DueAt
				break
			}
		}
	}

	for _, st := range a.Signers {
		if st.Status != SignerSigned {
			return
		}
	}
	done := at
	a.CompletedAt = &done
}

func buildSigners(cfg WorkflowConfig, activatedAt time.Time, dueAt *time.Time) []SignerState {
	signers := make([]SignerState, len(cfg.Signers))
	for i, id := range cfg.Signers {
		st := SignerState{
			ApprovalID: cfg.ApprovalID,
			SignerID:   strings.TrimSpace(id),
			Position:   i,
			Status:     SignerWaiting,
		}
		if cfg.Order == OrderParallel || i == 0 {
			at := activatedAt
			st.Status = SignerPending
			st.ActivatedAt = &at
			st.DueAt = dueAt
		}
		signers[i] = st
	}
	return signers
}

func cloneApproval(a *Approval) Approval {
	out := *a
	out.Config.Signers = append([]string(nil), a.Config.Signers...)
	out.Signers = make([]SignerState, len(a.Signers))
	for i, st := range a.Signers {
		c := st
		c.ActivatedAt = cloneTime(st.ActivatedAt)
		c.DueAt = cloneTime(st.DueAt)
		c.ReminderSentAt = cloneTime(st.ReminderSentAt)
		c.SignedAt = cloneTime(st.SignedAt)
		out.Signers[i] = c
	}
	out.Captures = append([]SignatureCapture(nil), a.Captures...)
	out.ActivatedAt = cloneTime(a.ActivatedAt)
	out.DueAt = cloneTime(a.DueAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
