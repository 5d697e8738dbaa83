package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// CostImpactInput describes one cost line when creating or replacing options.
type CostImpactInput struct {
	Label       string `json:"label"`
	AmountMinor int64  `json:"amount_minor_units"`
	Currency    string `json:"currency"`
}

// OptionInput describes one option when creating or replacing options.
type OptionInput struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	MediaURLs   []string          `json:"media_urls"`
	CostImpacts []CostImpactInput `json:"cost_impacts"`
}

// CreateInput carries the fields accepted when creating a decision.
type CreateInput struct {
	ProjectID   string
	Title       string
	Description string
	Summary     string
	Phase       string
	Approver    string
	DueDate     *time.Time
	Options     []OptionInput
	// RecommendedOption indexes into Options; nil means no recommendation.
	RecommendedOption *int
}

// UpdateInput carries a partial content edit. Nil fields are left untouched.
// Replacing Options re-issues option ids; edits are only legal while the
// decision is still editable, before any option has been selected.
type UpdateInput struct {
	Title       *string
	Description *string
	Summary     *string
	DueDate     *time.Time
	Options     *[]OptionInput
}

// Service defines the decision workflow operations. Mutating operations take
// the version the caller last observed and fail with ErrConflict when it no
// longer matches; callers re-read and retry.
type Service interface {
	Create(ctx context.Context, in CreateInput, actor string) (Decision, error)
	Get(ctx context.Context, id string) (Decision, error)
	ListByProject(ctx context.Context, projectID string) ([]Decision, error)
	Update(ctx context.Context, id string, expectedVersion int64, in UpdateInput, actor string) (Decision, error)
	Publish(ctx context.Context, id string, expectedVersion int64, actor string) (Decision, error)
	Approve(ctx context.Context, id, optionID string, expectedVersion int64, actor string) (Decision, error)
	Reject(ctx context.Context, id, reason string, expectedVersion int64, actor string) (Decision, error)
	RequestChanges(ctx context.Context, id, comment string, expectedVersion int64, actor string) (Decision, error)
	Sign(ctx context.Context, id string, expectedVersion int64, signerName, actor string) (Decision, error)
	ChangePhase(ctx context.Context, id, phase, actor string) (Decision, error)
	Remind(ctx context.Context, id, actor string) (Decision, error)
	RecordApprovalCompleted(ctx context.Context, id, approvalID, actor string) (Decision, error)
	Versions(ctx context.Context, id string) ([]Version, error)
	DiffVersion(ctx context.Context, id string, versionNumber int) ([]FieldChange, error)
}

// InMemory implements Service with in-process concurrency safety. The
// Postgres store in internal/store/pg implements the same interface for
// durable deployments.
type InMemory struct {
	mu        sync.RWMutex
	decisions map[string]*Decision
	versions  map[string][]Version
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		decisions: make(map[string]*Decision),
		versions:  make(map[string][]Version),
	}
}

func (s *InMemory) Create(ctx context.Context, in CreateInput, actor string) (Decision, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Decision{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if in.RecommendedOption != nil && (*in.RecommendedOption < 0 || *in.RecommendedOption >= len(in.Options)) {
		return Decision{}, fmt.Errorf("%w: recommended option index out of range", ErrValidation)
	}

	now := time.Now().UTC()
	d := &Decision{
		ID:          newID(),
		ProjectID:   in.ProjectID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Summary:     in.Summary,
		Status:      StatusDraft,
		Phase:       in.Phase,
		Approver:    in.Approver,
		DueDate:     in.DueDate,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	opts, err := buildOptions(d.ID, in.Options)
	if err != nil {
		return Decision{}, err
	}
	d.Options = opts
	if in.RecommendedOption != nil {
		d.RecommendedOptionID = d.Options[*in.RecommendedOption].ID
	}
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     ActionCreated,
		Actor:      actor,
		CreatedAt:  now,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ID] = d
	s.appendVersionLocked(d, now)
	return cloneDecision(d), nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	return cloneDecision(d), nil
}

func (s *InMemory) ListByProject(ctx context.Context, projectID string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Decision
	for _, d := range s.decisions {
		if projectID == "" || d.ProjectID == projectID {
			out = append(out, cloneDecision(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, id string, expectedVersion int64, in UpdateInput, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lockedForWrite(id, expectedVersion)
	if err != nil {
		return Decision{}, err
	}
	if d.Status != StatusDraft && d.Status != StatusChangesRequested {
		return Decision{}, fmt.Errorf("%w: cannot edit decision in status %q", ErrInvalidTransition, d.Status)
	}

	// Validate the whole edit before mutating the stored decision, so a
	// rejected request leaves no partial state behind.
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return Decision{}, fmt.Errorf("%w: title cannot be blank", ErrValidation)
	}
	var newOpts []Option
	if in.Options != nil {
		opts, err := buildOptions(d.ID, *in.Options)
		if err != nil {
			return Decision{}, err
		}
		newOpts = opts
	}

	before := Snapshot(*d)
	if in.Title != nil {
		d.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		d.Description = *in.Description
	}
	if in.Summary != nil {
		d.Summary = *in.Summary
	}
	if in.DueDate != nil {
		due := *in.DueDate
		d.DueDate = &due
	}
	if in.Options != nil {
		d.Options = newOpts
		d.RecommendedOptionID = ""
		d.SelectedOptionID = ""
	}

	now := time.Now().UTC()
	d.Version++
	d.UpdatedAt = now
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     ActionUpdated,
		Actor:      actor,
		CreatedAt:  now,
	})
	if len(DiffSnapshots(before, Snapshot(*d))) > 0 {
		s.appendVersionLocked(d, now)
	}
	return cloneDecision(d), nil
}

func (s *InMemory) Publish(ctx context.Context, id string, expectedVersion int64, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lockedForWrite(id, expectedVersion)
	if err != nil {
		return Decision{}, err
	}
	if d.Status != StatusDraft && d.Status != StatusChangesRequested {
		return Decision{}, fmt.Errorf("%w: publish requires draft or changes_requested, got %q", ErrInvalidTransition, d.Status)
	}
	if len(d.Options) == 0 {
		return Decision{}, fmt.Errorf("%w: publish requires at least one option", ErrInvalidTransition)
	}
	s.transitionLocked(d, StatusPending, ActionPublished, actor, "")
	return cloneDecision(d), nil
}

func (s *InMemory) Approve(ctx context.Context, id, optionID string, expectedVersion int64, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lockedForWrite(id, expectedVersion)
	if err != nil {
		return Decision{}, err
	}
	if d.Status != StatusPending {
		return Decision{}, fmt.Errorf("%w: approve requires pending, got %q", ErrInvalidTransition, d.Status)
	}
	opt, ok := d.OptionByID(optionID)
	if !ok {
		return Decision{}, fmt.Errorf("%w: option %s does not belong to decision %s", ErrValidation, optionID, id)
	}
	d.SelectedOptionID = opt.ID
	s.transitionLocked(d, StatusApproved, ActionApproved, actor, "selected option: "+opt.Title)
	return cloneDecision(d), nil
}

func (s *InMemory) Reject(ctx context.Context, id, reason string, expectedVersion int64, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lockedForWrite(id, expectedVersion)
	if err != nil {
		return Decision{}, err
	}
	if d.Status != StatusPending {
		return Decision{}, fmt.Errorf("%w: reject requires pending, got %q", ErrInvalidTransition, d.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason != "" {
		d.Comments = append(d.Comments, Comment{
			ID:         newID(),
			DecisionID: d.ID,
			Author:     actor,
			Body:       reason,
			CreatedAt:  time.Now().UTC(),
		})
	}
	s.transitionLocked(d, StatusRejected, ActionRejected, actor, reason)
	return cloneDecision(d), nil
}

func (s *InMemory) RequestChanges(ctx context.Context, id, comment string, expectedVersion int64, actor string) (Decision, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return Decision{}, fmt.Errorf("%w: comment is required when requesting changes", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lockedForWrite(id, expectedVersion)
	if err != nil {
		return Decision{}, err
	}
	if d.Status != StatusPending {
		return Decision{}, fmt.Errorf("%w: request-changes requires pending, got %q", ErrInvalidTransition, d.Status)
	}
	now := time.Now().UTC()
	d.Comments = append(d.Comments, Comment{
		ID:         newID(),
		DecisionID: d.ID,
		Author:     actor,
		Body:       comment,
		CreatedAt:  now,
	})
	s.transitionLocked(d, StatusChangesRequested, ActionChangesRequested, actor, comment)
	return cloneDecision(d), nil
}

func (s *InMemory) Sign(ctx context.Context, id string, expectedVersion int64, signerName, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lockedForWrite(id, expectedVersion)
	if err != nil {
		return Decision{}, err
	}
	if d.Status != StatusApproved {
		return Decision{}, fmt.Errorf("%w: sign requires approved, got %q", ErrInvalidTransition, d.Status)
	}
	if d.SignedAt != nil {
		return Decision{}, fmt.Errorf("%w: decision is already signed", ErrInvalidTransition)
	}
	now := time.Now().UTC()
	d.SignedAt = &now
	d.SignedBy = signerName
	if d.SignedBy == "" {
		d.SignedBy = actor
	}
	d.Version++
	d.UpdatedAt = now
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     ActionSigned,
		Actor:      actor,
		Detail:     "signed by " + d.SignedBy,
		CreatedAt:  now,
	})
	return cloneDecision(d), nil
}

func (s *InMemory) ChangePhase(ctx context.Context, id, phase, actor string) (Decision, error) {
	phase = strings.TrimSpace(phase)
	if phase == "" {
		return Decision{}, fmt.Errorf("%w: phase is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	if d.Phase == phase {
		return cloneDecision(d), nil
	}
	before := Snapshot(*d)
	old := d.Phase
	d.Phase = phase
	now := time.Now().UTC()
	d.Version++
	d.UpdatedAt = now
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     ActionPhaseChanged,
		Actor:      actor,
		Detail:     fmt.Sprintf("%s -> %s", old, phase),
		CreatedAt:  now,
	})
	if len(DiffSnapshots(before, Snapshot(*d))) > 0 {
		s.appendVersionLocked(d, now)
	}
	return cloneDecision(d), nil
}

func (s *InMemory) Remind(ctx context.Context, id, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	if d.Status != StatusPending {
		return Decision{}, fmt.Errorf("%w: remind requires pending, got %q", ErrInvalidTransition, d.Status)
	}
	now := time.Now().UTC()
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     ActionReminderSent,
		Actor:      actor,
		Detail:     "reminder sent to " + d.Approver,
		CreatedAt:  now,
	})
	return cloneDecision(d), nil
}

// RecordApprovalCompleted appends an audit entry when an e-signature
// workflow bound to this decision finishes its queue. Audit-only, like
// Remind: no version bump, no snapshot.
func (s *InMemory) RecordApprovalCompleted(ctx context.Context, id, approvalID, actor string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     ActionApprovalCompleted,
		Actor:      actor,
		Detail:     "approval " + approvalID + " completed",
		CreatedAt:  time.Now().UTC(),
	})
	return cloneDecision(d), nil
}

func (s *InMemory) Versions(ctx context.Context, id string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.decisions[id]; !ok {
		return nil, ErrNotFound
	}
	src := s.versions[id]
	out := make([]Version, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemory) DiffVersion(ctx context.Context, id string, versionNumber int) ([]FieldChange, error) {
	versions, err := s.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	return diffAgainstPrevious(versions, versionNumber)
}

// diffAgainstPrevious locates versionNumber and its predecessor and diffs
// their snapshots. Version 1 diffs against an empty snapshot.
func diffAgainstPrevious(versions []Version, versionNumber int) ([]FieldChange, error) {
	var cur, prev *Version
	for i := range versions {
		switch versions[i].VersionNumber {
		case versionNumber:
			cur = &versions[i]
		case versionNumber - 1:
			prev = &versions[i]
		}
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: version %d", ErrNotFound, versionNumber)
	}
	prevSnap := map[string]string{}
	if prev != nil {
		prevSnap = prev.Snapshot
	}
	return DiffSnapshots(prevSnap, cur.Snapshot), nil
}

// --- internals ---

// lockedForWrite resolves the decision and enforces the optimistic
// concurrency check. Callers must hold the write lock.
func (s *InMemory) lockedForWrite(id string, expectedVersion int64) (*Decision, error) {
	d, ok := s.decisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d", ErrConflict, expectedVersion, d.Version)
	}
	return d, nil
}

func (s *InMemory) transitionLocked(d *Decision, to Status, action AuditAction, actor, detail string) {
	now := time.Now().UTC()
	d.Status = to
	d.Version++
	d.UpdatedAt = now
	d.AuditLog = append(d.AuditLog, AuditEntry{
		ID:         newID(),
		DecisionID: d.ID,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  now,
	})
}

func (s *InMemory) appendVersionLocked(d *Decision, now time.Time) {
	next := len(s.versions[d.ID]) + 1
	s.versions[d.ID] = append(s.versions[d.ID], Version{
		ID:            newID(),
		DecisionID:    d.ID,
		VersionNumber: next,
		Snapshot:      Snapshot(*d),
		CreatedAt:     now,
	})
}

func buildOptions(decisionID string, inputs []OptionInput) ([]Option, error) {
	opts := make([]Option, 0, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return nil, fmt.Errorf("%w: option %d title is required", ErrValidation, i+1)
		}
		opt := Option{
			ID:          newID(),
			DecisionID:  decisionID,
			Title:       strings.TrimSpace(in.Title),
			Description: in.Description,
			MediaURLs:   append([]string(nil), in.MediaURLs...),
			SortOrder:   i,
		}
		for _, c := range in.CostImpacts {
			if c.AmountMinor < 0 {
				return nil, fmt.Errorf("%w: cost amount must be >= 0", ErrValidation)
			}
			currency := strings.ToUpper(strings.TrimSpace(c.Currency))
			if currency == "" {
				currency = "USD"
			}
			opt.CostImpacts = append(opt.CostImpacts, CostImpact{
				ID:          newID(),
				OptionID:    opt.ID,
				Label:       c.Label,
				AmountMinor: c.AmountMinor,
				Currency:    currency,
			})
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func cloneDecision(d *Decision) Decision {
	out := *d
	out.Options = make([]Option, len(d.Options))
	for i, opt := range d.Options {
		c := opt
		c.MediaURLs = append([]string(nil), opt.MediaURLs...)
		c.CostImpacts = append([]CostImpact(nil), opt.CostImpacts...)
		out.Options[i] = c
	}
	out.Comments = append([]Comment(nil), d.Comments...)
	out.AuditLog = append([]AuditEntry(nil), d.AuditLog...)
	if d.DueDate != nil {
		due := *d.DueDate
		out.DueDate = &due
	}
	if d.SignedAt != nil {
		at := *d.SignedAt
		out.SignedAt = &at
	}
	return out
}
