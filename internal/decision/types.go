package decision

import (
	"errors"
	"time"

	"aprovo.app/internal/ids"
)

// Status is the lifecycle state of a decision.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusPending          Status = "pending"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusChangesRequested Status = "changes_requested"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusChangesRequested:
		return true
	}
	return false
}

// AuditAction identifies the kind of an audit entry.
type AuditAction string

const (
	ActionCreated           AuditAction = "created"
	ActionUpdated           AuditAction = "updated"
	ActionPublished         AuditAction = "published"
	ActionApproved          AuditAction = "approved"
	ActionRejected          AuditAction = "rejected"
	ActionChangesRequested  AuditAction = "changes_requested"
	ActionSigned            AuditAction = "signed"
	ActionPhaseChanged      AuditAction = "phase_changed"
	ActionReminderSent      AuditAction = "reminder_sent"
	ActionApprovalCompleted AuditAction = "approval_completed"
)

// Decision is a client-facing choice tracked through an approval lifecycle.
// Child records reference it by id; it never embeds back-pointers.
type Decision struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Summary             string     `json:"summary,omitempty"`
	Status              Status     `json:"status"`
	Phase               string     `json:"phase,omitempty"`
	Approver            string     `json:"approver,omitempty"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	RecommendedOptionID string     `json:"recommended_option_id,omitempty"`
	SelectedOptionID    string     `json:"selected_option_id,omitempty"`
	SignedAt            *time.Time `json:"signed_at,omitempty"`
	SignedBy            string     `json:"signed_by,omitempty"`
	// Version is the optimistic-concurrency token. Every committed write
	// increments it; callers echo the value they last read.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Options  []Option     `json:"options"`
	Comments []Comment    `json:"comments,omitempty"`
	AuditLog []AuditEntry `json:"audit_log,omitempty"`
}

// OptionByID returns the option with the given id, if it belongs to d.
func (d Decision) OptionByID(id string) (Option, bool) {
	for _, opt := range d.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// Option is one alternative within a decision.
type Option struct {
	ID          string       `json:"id"`
	DecisionID  string       `json:"decision_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	MediaURLs   []string     `json:"media_urls,omitempty"`
	CostImpacts []CostImpact `json:"cost_impacts,omitempty"`
	SortOrder   int          `json:"sort_order"`
}

// TotalCostMinor sums the option's cost impacts in minor units. Mixed
// currencies are summed as-is; presentation concerns live with the caller.
func (o Option) TotalCostMinor() int64 {
	var total int64
	for _, c := range o.CostImpacts {
		total += c.AmountMinor
	}
	return total
}

// CostImpact is a labelled cost line on an option. Amounts are minor units
// (cents); no floats.
type CostImpact struct {
	ID          string `json:"id"`
	OptionID    string `json:"option_id"`
	Label       string `json:"label"`
	AmountMinor int64  `json:"amount_minor_units"`
	Currency    string `json:"currency"`
}

// Comment is an append-only note on a decision, immutable once created.
type Comment struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEntry records a single action taken on a decision. Entries are
// append-only and self-contained: actor, action, detail and timestamp are
// enough to reconstruct the history without consulting other records.
type AuditEntry struct {
	ID         string      `json:"id"`
	DecisionID string      `json:"decision_id"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"`
	Detail     string      `json:"detail,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Version is an immutable full-state capture of a decision. VersionNumber is
// strictly increasing per decision with no gaps. Never mutated or deleted.
type Version struct {
	ID            string            `json:"id"`
	DecisionID    string            `json:"decision_id"`
	VersionNumber int               `json:"version_number"`
	Snapshot      map[string]string `json:"snapshot"`
	CreatedAt     time.Time         `json:"created_at"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
)

func newID() string {
	return ids.New()
}
