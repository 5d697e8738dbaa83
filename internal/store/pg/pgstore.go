// Package pg is the durable implementation of the decision and approval
// stores over PostgreSQL. It mirrors the in-memory semantics exactly; tests
// run against either implementation.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"aprovo.app/internal/decision"
	"aprovo.app/internal/ids"
)

// Store bundles the decision and approval stores over one pool. The two
// services return different aggregates, so each gets its own type; both
// share the pool and commit within single transactions on it.
type Store struct {
	db        *sql.DB
	Decisions *DecisionStore
	Approvals *ApprovalStore
}

// DecisionStore implements decision.Service.
type DecisionStore struct {
	db *sql.DB
}

var _ decision.Service = (*DecisionStore)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db), nil
}

// NewWithDB wraps an existing pool; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return newStore(db) }

func newStore(db *sql.DB) *Store {
	return &Store{
		db:        db,
		Decisions: &DecisionStore{db: db},
		Approvals: &ApprovalStore{db: db},
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *DecisionStore) Create(ctx context.Context, in decision.CreateInput, actor string) (decision.Decision, error) {
	if strings.TrimSpace(in.Title) == "" {
		return decision.Decision{}, fmt.Errorf("%w: title is required", decision.ErrValidation)
	}
	if in.RecommendedOption != nil && (*in.RecommendedOption < 0 || *in.RecommendedOption >= len(in.Options)) {
		return decision.Decision{}, fmt.Errorf("%w: recommended option index out of range", decision.ErrValidation)
	}
	for _, opt := range in.Options {
		if strings.TrimSpace(opt.Title) == "" {
			return decision.Decision{}, fmt.Errorf("%w: option title is required", decision.ErrValidation)
		}
		for _, c := range opt.CostImpacts {
			if c.AmountMinor < 0 {
				return decision.Decision{}, fmt.Errorf("%w: cost amount must be >= 0", decision.ErrValidation)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decision.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into decisions(id, project_id, title, description, summary, status, phase, approver, due_date, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10)
	`, id, in.ProjectID, strings.TrimSpace(in.Title), in.Description, in.Summary, decision.StatusDraft, in.Phase, in.Approver, in.DueDate, now); err != nil {
		return decision.Decision{}, err
	}

	var recommendedID string
	for i, opt := range in.Options {
		optID := ids.New()
		if in.RecommendedOption != nil && *in.RecommendedOption == i {
			recommendedID = optID
		}
		media, err := json.Marshal(append([]string{}, opt.MediaURLs...))
		if err != nil {
			return decision.Decision{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into decision_options(id, decision_id, title, description, media_urls, sort_order)
			values ($1,$2,$3,$4,$5,$6)
		`, optID, id, strings.TrimSpace(opt.Title), opt.Description, media, i); err != nil {
			return decision.Decision{}, err
		}
		for _, c := range opt.CostImpacts {
			currency := strings.ToUpper(strings.TrimSpace(c.Currency))
			if currency == "" {
				currency = "USD"
			}
			if _, err := tx.ExecContext(ctx, `
				insert into cost_impacts(id, option_id, label, amount_minor, currency)
				values ($1,$2,$3,$4,$5)
			`, ids.New(), optID, c.Label, c.AmountMinor, currency); err != nil {
				return decision.Decision{}, err
			}
		}
	}
	if recommendedID != "" {
		if _, err := tx.ExecContext(ctx, `update decisions set recommended_option_id=$2 where id=$1`, id, recommendedID); err != nil {
			return decision.Decision{}, err
		}
	}
	if err := insertAudit(ctx, tx, id, decision.ActionCreated, actor, "", now); err != nil {
		return decision.Decision{}, err
	}
	d, err := loadDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if err := insertSnapshot(ctx, tx, d, now); err != nil {
		return decision.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return decision.Decision{}, err
	}
	return d, nil
}

func (s *DecisionStore) Get(ctx context.Context, id string) (decision.Decision, error) {
	return loadDecision(ctx, s.db, id)
}

func (s *DecisionStore) ListByProject(ctx context.Context, projectID string) ([]decision.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `select id from decisions where ($1 = '' or project_id = $1) order by id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idsOut []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		idsOut = append(idsOut, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]decision.Decision, 0, len(idsOut))
	for _, id := range idsOut {
		d, err := loadDecision(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *DecisionStore) Update(ctx context.Context, id string, expectedVersion int64, in decision.UpdateInput, actor string) (decision.Decision, error) {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return decision.Decision{}, fmt.Errorf("%w: title cannot be blank", decision.ErrValidation)
	}
	return s.mutate(ctx, id, expectedVersion, actor, func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error) {
		if d.Status != decision.StatusDraft && d.Status != decision.StatusChangesRequested {
			return "", "", false, fmt.Errorf("%w: cannot edit decision in status %q", decision.ErrInvalidTransition, d.Status)
		}
		title, description, summary, due := d.Title, d.Description, d.Summary, d.DueDate
		if in.Title != nil {
			title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			description = *in.Description
		}
		if in.Summary != nil {
			summary = *in.Summary
		}
		if in.DueDate != nil {
			due = in.DueDate
		}
		if _, err := tx.ExecContext(ctx, `
			update decisions set title=$2, description=$3, summary=$4, due_date=$5 where id=$1
		`, id, title, description, summary, due); err != nil {
			return "", "", false, err
		}
		if in.Options != nil {
			for _, opt := range *in.Options {
				if strings.TrimSpace(opt.Title) == "" {
					return "", "", false, fmt.Errorf("%w: option title is required", decision.ErrValidation)
				}
				for _, c := range opt.CostImpacts {
					if c.AmountMinor < 0 {
						return "", "", false, fmt.Errorf("%w: cost amount must be >= 0", decision.ErrValidation)
					}
				}
			}
			if _, err := tx.ExecContext(ctx, `delete from decision_options where decision_id=$1`, id); err != nil {
				return "", "", false, err
			}
			for i, opt := range *in.Options {
				optID := ids.New()
				media, err := json.Marshal(append([]string{}, opt.MediaURLs...))
				if err != nil {
					return "", "", false, err
				}
				if _, err := tx.ExecContext(ctx, `
					insert into decision_options(id, decision_id, title, description, media_urls, sort_order)
					values ($1,$2,$3,$4,$5,$6)
				`, optID, id, strings.TrimSpace(opt.Title), opt.Description, media, i); err != nil {
					return "", "", false, err
				}
				for _, c := range opt.CostImpacts {
					currency := strings.ToUpper(strings.TrimSpace(c.Currency))
					if currency == "" {
						currency = "USD"
					}
					if _, err := tx.ExecContext(ctx, `
						insert into cost_impacts(id, option_id, label, amount_minor, currency)
						values ($1,$2,$3,$4,$5)
					`, ids.New(), optID, c.Label, c.AmountMinor, currency); err != nil {
						return "", "", false, err
					}
				}
			}
			if _, err := tx.ExecContext(ctx, `
				update decisions set recommended_option_id=null, selected_option_id=null where id=$1
			`, id); err != nil {
				return "", "", false, err
			}
		}
		return decision.ActionUpdated, "", true, nil
	})
}

func (s *DecisionStore) Publish(ctx context.Context, id string, expectedVersion int64, actor string) (decision.Decision, error) {
	return s.transition(ctx, id, expectedVersion, actor, func(d decision.Decision) (decision.Status, decision.AuditAction, string, error) {
		if d.Status != decision.StatusDraft && d.Status != decision.StatusChangesRequested {
			return "", "", "", fmt.Errorf("%w: publish requires draft or changes_requested, got %q", decision.ErrInvalidTransition, d.Status)
		}
		if len(d.Options) == 0 {
			return "", "", "", fmt.Errorf("%w: publish requires at least one option", decision.ErrInvalidTransition)
		}
		return decision.StatusPending, decision.ActionPublished, "", nil
	})
}

func (s *DecisionStore) Approve(ctx context.Context, id, optionID string, expectedVersion int64, actor string) (decision.Decision, error) {
	return s.mutate(ctx, id, expectedVersion, actor, func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error) {
		if d.Status != decision.StatusPending {
			return "", "", false, fmt.Errorf("%w: approve requires pending, got %q", decision.ErrInvalidTransition, d.Status)
		}
		opt, ok := d.OptionByID(optionID)
		if !ok {
			return "", "", false, fmt.Errorf("%w: option %s does not belong to decision %s", decision.ErrValidation, optionID, id)
		}
		if _, err := tx.ExecContext(ctx, `
			update decisions set status=$2, selected_option_id=$3 where id=$1
		`, id, decision.StatusApproved, opt.ID); err != nil {
			return "", "", false, err
		}
		return decision.ActionApproved, "selected option: " + opt.Title, false, nil
	})
}

func (s *DecisionStore) Reject(ctx context.Context, id, reason string, expectedVersion int64, actor string) (decision.Decision, error) {
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, id, expectedVersion, actor, func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error) {
		if d.Status != decision.StatusPending {
			return "", "", false, fmt.Errorf("%w: reject requires pending, got %q", decision.ErrInvalidTransition, d.Status)
		}
		if _, err := tx.ExecContext(ctx, `update decisions set status=$2 where id=$1`, id, decision.StatusRejected); err != nil {
			return "", "", false, err
		}
		if reason != "" {
			if _, err := tx.ExecContext(ctx, `
				insert into decision_comments(id, decision_id, author, body, created_at)
				values ($1,$2,$3,$4,$5)
			`, ids.New(), id, actor, reason, now); err != nil {
				return "", "", false, err
			}
		}
		return decision.ActionRejected, reason, false, nil
	})
}

func (s *DecisionStore) RequestChanges(ctx context.Context, id, comment string, expectedVersion int64, actor string) (decision.Decision, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return decision.Decision{}, fmt.Errorf("%w: comment is required when requesting changes", decision.ErrValidation)
	}
	return s.mutate(ctx, id, expectedVersion, actor, func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error) {
		if d.Status != decision.StatusPending {
			return "", "", false, fmt.Errorf("%w: request-changes requires pending, got %q", decision.ErrInvalidTransition, d.Status)
		}
		if _, err := tx.ExecContext(ctx, `update decisions set status=$2 where id=$1`, id, decision.StatusChangesRequested); err != nil {
			return "", "", false, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into decision_comments(id, decision_id, author, body, created_at)
			values ($1,$2,$3,$4,$5)
		`, ids.New(), id, actor, comment, now); err != nil {
			return "", "", false, err
		}
		return decision.ActionChangesRequested, comment, false, nil
	})
}

func (s *DecisionStore) Sign(ctx context.Context, id string, expectedVersion int64, signerName, actor string) (decision.Decision, error) {
	return s.mutate(ctx, id, expectedVersion, actor, func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error) {
		if d.Status != decision.StatusApproved {
			return "", "", false, fmt.Errorf("%w: sign requires approved, got %q", decision.ErrInvalidTransition, d.Status)
		}
		if d.SignedAt != nil {
			return "", "", false, fmt.Errorf("%w: decision is already signed", decision.ErrInvalidTransition)
		}
		signedBy := signerName
		if signedBy == "" {
			signedBy = actor
		}
		if _, err := tx.ExecContext(ctx, `
			update decisions set signed_at=$2, signed_by=$3 where id=$1
		`, id, now, signedBy); err != nil {
			return "", "", false, err
		}
		return decision.ActionSigned, "signed by " + signedBy, false, nil
	})
}

func (s *DecisionStore) ChangePhase(ctx context.Context, id, phase, actor string) (decision.Decision, error) {
	phase = strings.TrimSpace(phase)
	if phase == "" {
		return decision.Decision{}, fmt.Errorf("%w: phase is required", decision.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return decision.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if d.Phase == phase {
		if err := tx.Commit(); err != nil {
			return decision.Decision{}, err
		}
		return d, nil
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update decisions set phase=$2, version=version+1, updated_at=$3 where id=$1
	`, id, phase, now); err != nil {
		return decision.Decision{}, err
	}
	if err := insertAudit(ctx, tx, id, decision.ActionPhaseChanged, actor, fmt.Sprintf("%s -> %s", d.Phase, phase), now); err != nil {
		return decision.Decision{}, err
	}
	updated, err := loadDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if err := insertSnapshot(ctx, tx, updated, now); err != nil {
		return decision.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return decision.Decision{}, err
	}
	return updated, nil
}

func (s *DecisionStore) Remind(ctx context.Context, id, actor string) (decision.Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decision.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if d.Status != decision.StatusPending {
		return decision.Decision{}, fmt.Errorf("%w: remind requires pending, got %q", decision.ErrInvalidTransition, d.Status)
	}
	now := time.Now().UTC()
	if err := insertAudit(ctx, tx, id, decision.ActionReminderSent, actor, "reminder sent to "+d.Approver, now); err != nil {
		return decision.Decision{}, err
	}
	updated, err := loadDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return decision.Decision{}, err
	}
	return updated, nil
}

func (s *DecisionStore) RecordApprovalCompleted(ctx context.Context, id, approvalID, actor string) (decision.Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decision.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDecision(ctx, tx, id); err != nil {
		return decision.Decision{}, err
	}
	now := time.Now().UTC()
	if err := insertAudit(ctx, tx, id, decision.ActionApprovalCompleted, actor, "approval "+approvalID+" completed", now); err != nil {
		return decision.Decision{}, err
	}
	updated, err := loadDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return decision.Decision{}, err
	}
	return updated, nil
}

func (s *DecisionStore) Versions(ctx context.Context, id string) ([]decision.Version, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `select 1 from decisions where id=$1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, decision.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return loadVersions(ctx, s.db, id)
}

func (s *DecisionStore) DiffVersion(ctx context.Context, id string, versionNumber int) ([]decision.FieldChange, error) {
	versions, err := s.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	var cur, prev *decision.Version
	for i := range versions {
		switch versions[i].VersionNumber {
		case versionNumber:
			cur = &versions[i]
		case versionNumber - 1:
			prev = &versions[i]
		}
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: version %d", decision.ErrNotFound, versionNumber)
	}
	prevSnap := map[string]string{}
	if prev != nil {
		prevSnap = prev.Snapshot
	}
	return decision.DiffSnapshots(prevSnap, cur.Snapshot), nil
}

// --- shared write paths ---

// mutate runs one version-checked write. op applies its updates through tx
// and returns the audit action, audit detail and whether the change is a
// content edit (snapshot-worthy). The version bump, audit entry and optional
// snapshot are handled here so no write path can skip them.
func (s *DecisionStore) mutate(ctx context.Context, id string, expectedVersion int64, actor string, op func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error)) (decision.Decision, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return decision.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if d.Version != expectedVersion {
		return decision.Decision{}, fmt.Errorf("%w: expected version %d, have %d", decision.ErrConflict, expectedVersion, d.Version)
	}

	now := time.Now().UTC()
	action, detail, contentEdit, err := op(tx, d, now)
	if err != nil {
		return decision.Decision{}, err
	}
	if _, err := tx.ExecContext(ctx, `update decisions set version=version+1, updated_at=$2 where id=$1`, id, now); err != nil {
		return decision.Decision{}, err
	}
	if err := insertAudit(ctx, tx, id, action, actor, detail, now); err != nil {
		return decision.Decision{}, err
	}

	updated, err := loadDecision(ctx, tx, id)
	if err != nil {
		return decision.Decision{}, err
	}
	if contentEdit {
		before := decision.Snapshot(d)
		after := decision.Snapshot(updated)
		if len(decision.DiffSnapshots(before, after)) > 0 {
			if err := insertSnapshot(ctx, tx, updated, now); err != nil {
				return decision.Decision{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return decision.Decision{}, err
	}
	return updated, nil
}

// transition is mutate specialised for pure status changes.
func (s *DecisionStore) transition(ctx context.Context, id string, expectedVersion int64, actor string, check func(decision.Decision) (decision.Status, decision.AuditAction, string, error)) (decision.Decision, error) {
	return s.mutate(ctx, id, expectedVersion, actor, func(tx *sql.Tx, d decision.Decision, now time.Time) (decision.AuditAction, string, bool, error) {
		to, action, detail, err := check(d)
		if err != nil {
			return "", "", false, err
		}
		if _, err := tx.ExecContext(ctx, `update decisions set status=$2 where id=$1`, id, to); err != nil {
			return "", "", false, err
		}
		return action, detail, false, nil
	})
}

// --- loaders ---

func lockDecision(ctx context.Context, tx *sql.Tx, id string) (decision.Decision, error) {
	var dummy int
	err := tx.QueryRowContext(ctx, `select 1 from decisions where id=$1 for update`, id).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Decision{}, decision.ErrNotFound
	}
	if err != nil {
		return decision.Decision{}, err
	}
	return loadDecision(ctx, tx, id)
}

func loadDecision(ctx context.Context, q querier, id string) (decision.Decision, error) {
	var (
		d           decision.Decision
		dueDate     sql.NullTime
		recommended sql.NullString
		selected    sql.NullString
		signedAt    sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		select id, project_id, title, description, summary, status, phase, approver,
		       due_date, recommended_option_id, selected_option_id, signed_at, signed_by,
		       version, created_at, updated_at
		from decisions where id=$1
	`, id).Scan(&d.ID, &d.ProjectID, &d.Title, &d.Description, &d.Summary, &d.Status, &d.Phase, &d.Approver,
		&dueDate, &recommended, &selected, &signedAt, &d.SignedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Decision{}, decision.ErrNotFound
	}
	if err != nil {
		return decision.Decision{}, err
	}
	if dueDate.Valid {
		t := dueDate.Time.UTC()
		d.DueDate = &t
	}
	if recommended.Valid {
		d.RecommendedOptionID = recommended.String
	}
	if selected.Valid {
		d.SelectedOptionID = selected.String
	}
	if signedAt.Valid {
		t := signedAt.Time.UTC()
		d.SignedAt = &t
	}

	opts, err := loadOptions(ctx, q, id)
	if err != nil {
		return decision.Decision{}, err
	}
	d.Options = opts

	d.Comments, err = loadComments(ctx, q, id)
	if err != nil {
		return decision.Decision{}, err
	}
	d.AuditLog, err = loadAudit(ctx, q, id)
	if err != nil {
		return decision.Decision{}, err
	}
	return d, nil
}

func loadOptions(ctx context.Context, q querier, decisionID string) ([]decision.Option, error) {
	rows, err := q.QueryContext(ctx, `
		select id, title, description, media_urls, sort_order
		from decision_options where decision_id=$1 order by sort_order
	`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opts []decision.Option
	for rows.Next() {
		var (
			opt   decision.Option
			media []byte
		)
		if err := rows.Scan(&opt.ID, &opt.Title, &opt.Description, &media, &opt.SortOrder); err != nil {
			return nil, err
		}
		opt.DecisionID = decisionID
		if len(media) > 0 {
			if err := json.Unmarshal(media, &opt.MediaURLs); err != nil {
				return nil, fmt.Errorf("decode media urls: %w", err)
			}
		}
		opts = append(opts, opt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range opts {
		costRows, err := q.QueryContext(ctx, `
			select id, label, amount_minor, currency
			from cost_impacts where option_id=$1 order by id
		`, opts[i].ID)
		if err != nil {
			return nil, err
		}
		for costRows.Next() {
			var c decision.CostImpact
			if err := costRows.Scan(&c.ID, &c.Label, &c.AmountMinor, &c.Currency); err != nil {
				costRows.Close()
				return nil, err
			}
			c.OptionID = opts[i].ID
			opts[i].CostImpacts = append(opts[i].CostImpacts, c)
		}
		if err := costRows.Err(); err != nil {
			costRows.Close()
			return nil, err
		}
		costRows.Close()
	}
	return opts, nil
}

func loadComments(ctx context.Context, q querier, decisionID string) ([]decision.Comment, error) {
	rows, err := q.QueryContext(ctx, `
		select id, author, body, created_at
		from decision_comments where decision_id=$1 order by id
	`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []decision.Comment
	for rows.Next() {
		var c decision.Comment
		if err := rows.Scan(&c.ID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.DecisionID = decisionID
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadAudit(ctx context.Context, q querier, decisionID string) ([]decision.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		select id, action, actor, detail, created_at
		from decision_audit where decision_id=$1 order by id
	`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []decision.AuditEntry
	for rows.Next() {
		var e decision.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DecisionID = decisionID
		out = append(out, e)
	}
	return out, rows.Err()
}

func loadVersions(ctx context.Context, q querier, decisionID string) ([]decision.Version, error) {
	rows, err := q.QueryContext(ctx, `
		select id, version_number, snapshot, created_at
		from decision_versions where decision_id=$1 order by version_number
	`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []decision.Version
	for rows.Next() {
		var (
			v    decision.Version
			snap []byte
		)
		if err := rows.Scan(&v.ID, &v.VersionNumber, &snap, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.DecisionID = decisionID
		if err := json.Unmarshal(snap, &v.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- writers ---

func insertAudit(ctx context.Context, tx *sql.Tx, decisionID string, action decision.AuditAction, actor, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		insert into decision_audit(id, decision_id, action, actor, detail, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, ids.New(), decisionID, action, actor, detail, at)
	return err
}

// insertSnapshot appends the next version row. The unique constraint on
// (decision_id, version_number) turns a racing writer into an error instead
// of a gap or repeat.
func insertSnapshot(ctx context.Context, tx *sql.Tx, d decision.Decision, at time.Time) error {
	snap, err := json.Marshal(decision.Snapshot(d))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into decision_versions(id, decision_id, version_number, snapshot, created_at)
		values ($1, $2, (select coalesce(max(version_number),0)+1 from decision_versions where decision_id=$2), $3, $4)
	`, ids.New(), d.ID, snap, at)
	return err
}
