// Package export assembles the compliance export for decisions: the full
// audit trail plus version history, as a structured blob. Rendering to
// PDF/DOCX and blob delivery are external collaborators; this package only
// produces the data they consume.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aprovo.app/internal/decision"
)

// History is the export document for one decision. It is self-contained:
// every audit entry carries who did what and when, so the document needs no
// other record to reconstruct the timeline.
type History struct {
	DecisionID string                `json:"decision_id"`
	ProjectID  string                `json:"project_id,omitempty"`
	Title      string                `json:"title"`
	Status     decision.Status       `json:"status"`
	Phase      string                `json:"phase,omitempty"`
	SignedAt   *time.Time            `json:"signed_at,omitempty"`
	SignedBy   string                `json:"signed_by,omitempty"`
	AuditTrail []decision.AuditEntry `json:"audit_trail"`
	Comments   []decision.Comment    `json:"comments,omitempty"`
	Versions   []decision.Version    `json:"versions"`
	ExportedAt time.Time             `json:"exported_at"`
}

// Archive bundles the histories of a bulk export.
type Archive struct {
	Items      []History `json:"items"`
	ExportedAt time.Time `json:"exported_at"`
}

// Blob serialises the archive for the delivery collaborator.
func (a Archive) Blob() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// Builder reads export data out of the decision store.
type Builder struct {
	decisions decision.Service
}

// NewBuilder creates a Builder over the given store.
func NewBuilder(decisions decision.Service) *Builder {
	return &Builder{decisions: decisions}
}

// History builds the export document for one decision.
func (b *Builder) History(ctx context.Context, id string) (History, error) {
	d, err := b.decisions.Get(ctx, id)
	if err != nil {
		return History{}, fmt.Errorf("load decision %s: %w", id, err)
	}
	versions, err := b.decisions.Versions(ctx, id)
	if err != nil {
		return History{}, fmt.Errorf("load versions %s: %w", id, err)
	}
	return History{
		DecisionID: d.ID,
		ProjectID:  d.ProjectID,
		Title:      d.Title,
		Status:     d.Status,
		Phase:      d.Phase,
		SignedAt:   d.SignedAt,
		SignedBy:   d.SignedBy,
		AuditTrail: d.AuditLog,
		Comments:   d.Comments,
		Versions:   versions,
		ExportedAt: time.Now().UTC(),
	}, nil
}
