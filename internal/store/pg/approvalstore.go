package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aprovo.app/internal/approval"
	"aprovo.app/internal/ids"
)

// ApprovalStore implements approval.Service.
type ApprovalStore struct {
	db *sql.DB
}

var _ approval.Service = (*ApprovalStore)(nil)

func (s *ApprovalStore) SaveWorkflow(ctx context.Context, cfg approval.WorkflowConfig) (approval.WorkflowConfig, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return approval.WorkflowConfig{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return approval.WorkflowConfig{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var captures int
	err = tx.QueryRowContext(ctx, `
		select count(*) from signature_captures where approval_id=$1
	`, cfg.ApprovalID).Scan(&captures)
	if err != nil {
		return approval.WorkflowConfig{}, err
	}
	if captures > 0 {
		return approval.WorkflowConfig{}, fmt.Errorf("%w: workflow already has captured signatures", approval.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into approvals(id, decision_id, approval_type, approval_order, legal_text, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$6)
		on conflict (id) do update
		set decision_id=excluded.decision_id,
		    approval_type=excluded.approval_type,
		    approval_order=excluded.approval_order,
		    legal_text=excluded.legal_text,
		    updated_at=excluded.updated_at
	`, cfg.ApprovalID, nullIfEmpty(cfg.DecisionID), cfg.Type, cfg.Order, cfg.LegalText, now); err != nil {
		return approval.WorkflowConfig{}, err
	}

	if _, err := tx.ExecContext(ctx, `delete from approval_config_signers where approval_id=$1`, cfg.ApprovalID); err != nil {
		return approval.WorkflowConfig{}, err
	}
	for i, signer := range cfg.Signers {
		if _, err := tx.ExecContext(ctx, `
			insert into approval_config_signers(approval_id, position, signer_id) values ($1,$2,$3)
		`, cfg.ApprovalID, i, signer); err != nil {
			return approval.WorkflowConfig{}, err
		}
	}

	var activatedAt sql.NullTime
	var dueAt sql.NullTime
	if err := tx.QueryRowContext(ctx, `select activated_at, due_at from approvals where id=$1`, cfg.ApprovalID).Scan(&activatedAt, &dueAt); err != nil {
		return approval.WorkflowConfig{}, err
	}
	if activatedAt.Valid {
		// Re-saving an activated workflow rebuilds the queue.
		var due *time.Time
		if dueAt.Valid {
			t := dueAt.Time.UTC()
			due = &t
		}
		if err := insertSigners(ctx, tx, cfg, activatedAt.Time.UTC(), due); err != nil {
			return approval.WorkflowConfig{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return approval.WorkflowConfig{}, err
	}
	return cfg, nil
}

func (s *ApprovalStore) Activate(ctx context.Context, approvalID string, dueAt *time.Time) (approval.Approval, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return approval.Approval{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := loadApproval(ctx, tx, approvalID, true)
	if err != nil {
		return approval.Approval{}, err
	}
	if a.ActivatedAt != nil {
		if err := tx.Commit(); err != nil {
			return approval.Approval{}, err
		}
		return a, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update approvals set activated_at=$2, due_at=$3, updated_at=$2 where id=$1
	`, approvalID, now, dueAt); err != nil {
		return approval.Approval{}, err
	}
	if err := insertSigners(ctx, tx, a.Config, now, dueAt); err != nil {
		return approval.Approval{}, err
	}
	out, err := loadApproval(ctx, tx, approvalID, false)
	if err != nil {
		return approval.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return approval.Approval{}, err
	}
	return out, nil
}

func (s *ApprovalStore) Get(ctx context.Context, approvalID string) (approval.Approval, error) {
	return loadApprovalDB(ctx, s.db, approvalID)
}

func (s *ApprovalStore) SubmitSignature(ctx context.Context, approvalID, signerID string, in approval.SignatureInput) (approval.SignatureCapture, approval.Approval, error) {
	if err := in.Validate(); err != nil {
		return approval.SignatureCapture{}, approval.Approval{}, err
	}

	var capture approval.SignatureCapture
	out, err := s.submit(ctx, approvalID, signerID, approval.TypeESign, in.LegalTextAccepted, func(tx *sql.Tx, now time.Time) error {
		capture = approval.SignatureCapture{
			ID:                ids.New(),
			ApprovalID:        approvalID,
			SignerID:          signerID,
			Type:              in.Type,
			Payload:           in.Payload,
			SignedAt:          now,
			IPAddress:         in.IPAddress,
			LegalTextAccepted: in.LegalTextAccepted,
		}
		_, err := tx.ExecContext(ctx, `
			insert into signature_captures(id, approval_id, signer_id, capture_type, payload, signed_at, ip_address, legal_text_accepted)
			values ($1,$2,$3,$4,$5,$6,$7,$8)
		`, capture.ID, approvalID, signerID, capture.Type, capture.Payload, now, capture.IPAddress, capture.LegalTextAccepted)
		return err
	})
	if err != nil {
		return approval.SignatureCapture{}, approval.Approval{}, err
	}
	return capture, out, nil
}

func (s *ApprovalStore) SubmitCheckbox(ctx context.Context, approvalID, signerID string, legalTextAccepted bool, ipAddress string) (approval.Approval, error) {
	return s.submit(ctx, approvalID, signerID, approval.TypeCheckbox, legalTextAccepted, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			insert into signature_captures(id, approval_id, signer_id, capture_type, payload, signed_at, ip_address, legal_text_accepted)
			values ($1,$2,$3,$4,'',$5,$6,$7)
		`, ids.New(), approvalID, signerID, approval.CaptureCheckbox, now, ipAddress, legalTextAccepted)
		return err
	})
}

func (s *ApprovalStore) Sweep(ctx context.Context, now time.Time) (approval.SweepResult, error) {
	var res approval.SweepResult

	rows, err := s.db.QueryContext(ctx, `
		select s.approval_id, s.signer_id, s.reminder_sent_at
		from approval_signers s
		join approvals a on a.id = s.approval_id
		where a.activated_at is not null
		  and a.completed_at is null
		  and s.status = 'pending'
		  and s.due_at is not null
		  and s.due_at < $1
		order by s.approval_id, s.position
	`, now)
	if err != nil {
		return approval.SweepResult{}, err
	}
	defer rows.Close()

	var toRemind []approval.SignerRef
	for rows.Next() {
		var (
			ref      approval.SignerRef
			reminded sql.NullTime
		)
		if err := rows.Scan(&ref.ApprovalID, &ref.SignerID, &reminded); err != nil {
			return approval.SweepResult{}, err
		}
		res.Overdue = append(res.Overdue, ref)
		if !reminded.Valid {
			toRemind = append(toRemind, ref)
		}
	}
	if err := rows.Err(); err != nil {
		return approval.SweepResult{}, err
	}

	for _, ref := range toRemind {
		// reminder_sent_at is written at most once; the guard keeps a
		// racing sweep idempotent.
		r, err := s.db.ExecContext(ctx, `
			update approval_signers set reminder_sent_at=$3
			where approval_id=$1 and signer_id=$2 and reminder_sent_at is null
		`, ref.ApprovalID, ref.SignerID, now)
		if err != nil {
			return approval.SweepResult{}, err
		}
		if n, err := r.RowsAffected(); err == nil && n > 0 {
			res.Reminded = append(res.Reminded, ref)
		}
	}
	return res, nil
}

// --- internals ---

// submit runs the shared activation/ordering/legal-text checks, records the
// capture through write, then advances the queue, all in one transaction.
func (s *ApprovalStore) submit(ctx context.Context, approvalID, signerID string, wantType approval.Type, legalAccepted bool, write func(tx *sql.Tx, now time.Time) error) (approval.Approval, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return approval.Approval{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := loadApproval(ctx, tx, approvalID, true)
	if err != nil {
		return approval.Approval{}, err
	}
	if a.ActivatedAt == nil {
		return approval.Approval{}, fmt.Errorf("%w: workflow is not activated", approval.ErrValidation)
	}
	if a.Completed() {
		return approval.Approval{}, fmt.Errorf("%w: approval is already complete", approval.ErrConflict)
	}
	if a.Config.Type != wantType {
		if wantType == approval.TypeESign {
			return approval.Approval{}, fmt.Errorf("%w: workflow captures checkbox approvals, not signatures", approval.ErrValidation)
		}
		return approval.Approval{}, fmt.Errorf("%w: workflow captures e-signatures, not checkbox approvals", approval.ErrValidation)
	}
	if a.Config.LegalText != "" && !legalAccepted {
		return approval.Approval{}, fmt.Errorf("%w: legal text must be accepted", approval.ErrValidation)
	}

	signer, ok := a.Signer(signerID)
	if !ok {
		return approval.Approval{}, fmt.Errorf("%w: signer %s", approval.ErrNotFound, signerID)
	}
	switch signer.Status {
	case approval.SignerSigned:
		return approval.Approval{}, fmt.Errorf("%w: signer %s has already signed", approval.ErrConflict, signerID)
	case approval.SignerWaiting:
		return approval.Approval{}, fmt.Errorf("%w: signer %s is not yet active", approval.ErrNotYourTurn, signerID)
	}

	now := time.Now().UTC()
	if err := write(tx, now); err != nil {
		return approval.Approval{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update approval_signers set status='signed', signed_at=$3
		where approval_id=$1 and signer_id=$2
	`, approvalID, signerID, now); err != nil {
		return approval.Approval{}, err
	}

	if a.Config.Order == approval.OrderSequential {
		// Signing position k activates position k+1 in the same transaction.
		if _, err := tx.ExecContext(ctx, `
			update approval_signers set status='pending', activated_at=$3,
			       due_at=(select due_at from approvals where id=$1)
			where approval_id=$1 and position=$2
		`, approvalID, signer.Position+1, now); err != nil {
			return approval.Approval{}, err
		}
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from approval_signers where approval_id=$1 and status != 'signed'
	`, approvalID).Scan(&remaining); err != nil {
		return approval.Approval{}, err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `
			update approvals set completed_at=$2, updated_at=$2 where id=$1
		`, approvalID, now); err != nil {
			return approval.Approval{}, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `update approvals set updated_at=$2 where id=$1`, approvalID, now); err != nil {
			return approval.Approval{}, err
		}
	}

	out, err := loadApproval(ctx, tx, approvalID, false)
	if err != nil {
		return approval.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return approval.Approval{}, err
	}
	return out, nil
}

func insertSigners(ctx context.Context, tx *sql.Tx, cfg approval.WorkflowConfig, activatedAt time.Time, dueAt *time.Time) error {
	if _, err := tx.ExecContext(ctx, `delete from approval_signers where approval_id=$1`, cfg.ApprovalID); err != nil {
		return err
	}
	for i, signer := range cfg.Signers {
		status := approval.SignerWaiting
		var at *time.Time
		var due *time.Time
		if cfg.Order == approval.OrderParallel || i == 0 {
			status = approval.SignerPending
			t := activatedAt
			at = &t
			due = dueAt
		}
		if _, err := tx.ExecContext(ctx, `
			insert into approval_signers(approval_id, signer_id, position, status, activated_at, due_at)
			values ($1,$2,$3,$4,$5,$6)
		`, cfg.ApprovalID, signer, i, status, at, due); err != nil {
			return err
		}
	}
	return nil
}

func loadApprovalDB(ctx context.Context, q querier, approvalID string) (approval.Approval, error) {
	return loadApprovalQ(ctx, q, approvalID, false)
}

func loadApproval(ctx context.Context, tx *sql.Tx, approvalID string, forUpdate bool) (approval.Approval, error) {
	return loadApprovalQ(ctx, tx, approvalID, forUpdate)
}

func loadApprovalQ(ctx context.Context, q querier, approvalID string, forUpdate bool) (approval.Approval, error) {
	query := `
		select id, decision_id, approval_type, approval_order, legal_text,
		       activated_at, due_at, completed_at, created_at, updated_at
		from approvals where id=$1`
	if forUpdate {
		query += ` for update`
	}

	var (
		a           approval.Approval
		decisionID  sql.NullString
		activatedAt sql.NullTime
		dueAt       sql.NullTime
		completedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, approvalID).Scan(
		&a.Config.ApprovalID, &decisionID, &a.Config.Type, &a.Config.Order, &a.Config.LegalText,
		&activatedAt, &dueAt, &completedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Approval{}, approval.ErrNotFound
	}
	if err != nil {
		return approval.Approval{}, err
	}
	if decisionID.Valid {
		a.Config.DecisionID = decisionID.String
	}
	a.ActivatedAt = nullTimePtr(activatedAt)
	a.DueAt = nullTimePtr(dueAt)
	a.CompletedAt = nullTimePtr(completedAt)

	rows, err := q.QueryContext(ctx, `
		select signer_id, position, status, activated_at, due_at, reminder_sent_at, signed_at
		from approval_signers where approval_id=$1 order by position
	`, approvalID)
	if err != nil {
		return approval.Approval{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st                              approval.SignerState
			sActivated, sDue, sRem, sSigned sql.NullTime
		)
		if err := rows.Scan(&st.SignerID, &st.Position, &st.Status, &sActivated, &sDue, &sRem, &sSigned); err != nil {
			return approval.Approval{}, err
		}
		st.ApprovalID = approvalID
		st.ActivatedAt = nullTimePtr(sActivated)
		st.DueAt = nullTimePtr(sDue)
		st.ReminderSentAt = nullTimePtr(sRem)
		st.SignedAt = nullTimePtr(sSigned)
		a.Signers = append(a.Signers, st)
		a.Config.Signers = append(a.Config.Signers, st.SignerID)
	}
	if err := rows.Err(); err != nil {
		return approval.Approval{}, err
	}
	if len(a.Config.Signers) == 0 {
		// Not yet activated: the signer list lives only in the config rows.
		sRows, err := q.QueryContext(ctx, `
			select signer_id from approval_config_signers where approval_id=$1 order by position
		`, approvalID)
		if err != nil {
			return approval.Approval{}, err
		}
		defer sRows.Close()
		for sRows.Next() {
			var id string
			if err := sRows.Scan(&id); err != nil {
				return approval.Approval{}, err
			}
			a.Config.Signers = append(a.Config.Signers, id)
		}
		if err := sRows.Err(); err != nil {
			return approval.Approval{}, err
		}
	}

	capRows, err := q.QueryContext(ctx, `
		select id, signer_id, capture_type, payload, signed_at, ip_address, legal_text_accepted
		from signature_captures where approval_id=$1 order by id
	`, approvalID)
	if err != nil {
		return approval.Approval{}, err
	}
	defer capRows.Close()
	for capRows.Next() {
		var c approval.SignatureCapture
		if err := capRows.Scan(&c.ID, &c.SignerID, &c.Type, &c.Payload, &c.SignedAt, &c.IPAddress, &c.LegalTextAccepted); err != nil {
			return approval.Approval{}, err
		}
		c.ApprovalID = approvalID
		a.Captures = append(a.Captures, c)
	}
	return a, capRows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
