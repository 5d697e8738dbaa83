package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"aprovo.app/internal/approval"
	"aprovo.app/internal/decision"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func decisionColumns() []string {
	return []string{
		"id", "project_id", "title", "description", "summary", "status", "phase", "approver",
		"due_date", "recommended_option_id", "selected_option_id", "signed_at", "signed_by",
		"version", "created_at", "updated_at",
	}
}

func decisionRow(id string, status decision.Status, version int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(decisionColumns()).
		AddRow(id, "p1", "Fixture package A", "", "", status, "design", "lead@example.com",
			nil, nil, nil, nil, "", version, now, now)
}

// expectLoad queues the queries loadDecision issues for a decision with no
// options, comments or audit rows.
func expectLoad(mock sqlmock.Sqlmock, id string, status decision.Status, version int64) {
	mock.ExpectQuery(`select id, project_id, title`).
		WithArgs(id).
		WillReturnRows(decisionRow(id, status, version))
	mock.ExpectQuery(`select id, title, description, media_urls, sort_order`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "description", "media_urls", "sort_order"}))
	mock.ExpectQuery(`select id, author, body, created_at`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author", "body", "created_at"}))
	mock.ExpectQuery(`select id, action, actor, detail, created_at`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "actor", "detail", "created_at"}))
}

func TestStoreServesBothServices(t *testing.T) {
	store, _ := newMockStore(t)
	var decisions decision.Service = store.Decisions
	var approvals approval.Service = store.Approvals
	require.NotNil(t, decisions)
	require.NotNil(t, approvals)
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select id, project_id, title`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(decisionColumns()))

	_, err := store.Decisions.Get(context.Background(), "missing")
	require.ErrorIs(t, err, decision.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select 1 from decisions where id=\$1 for update`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	expectLoad(mock, "d1", decision.StatusPending, 4)
	mock.ExpectRollback()

	_, err := store.Decisions.Approve(context.Background(), "d1", "opt1", 3, "reviewer")
	require.ErrorIs(t, err, decision.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemindRequiresPending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select 1 from decisions where id=\$1 for update`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	expectLoad(mock, "d1", decision.StatusDraft, 1)
	mock.ExpectRollback()

	_, err := store.Decisions.Remind(context.Background(), "d1", "pm")
	require.ErrorIs(t, err, decision.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionsUnknownDecision(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select 1 from decisions where id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	_, err := store.Decisions.Versions(context.Background(), "missing")
	require.ErrorIs(t, err, decision.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select id, decision_id, approval_type`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Approvals.Get(context.Background(), "missing")
	require.ErrorIs(t, err, approval.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepRemindsOnce(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`select s.approval_id, s.signer_id, s.reminder_sent_at`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"approval_id", "signer_id", "reminder_sent_at"}).
			AddRow("ap1", "alice", nil).
			AddRow("ap1", "bob", now.Add(-time.Hour)))
	mock.ExpectExec(`update approval_signers set reminder_sent_at=\$3`).
		WithArgs("ap1", "alice", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := store.Approvals.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, res.Overdue, 2)
	require.Equal(t, []approval.SignerRef{{ApprovalID: "ap1", SignerID: "alice"}}, res.Reminded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWorkflowLockedAfterCapture(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select count\(\*\) from signature_captures`).
		WithArgs("ap1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := store.Approvals.SaveWorkflow(context.Background(), approval.WorkflowConfig{
		ApprovalID: "ap1",
		Signers:    []string{"alice"},
		Type:       approval.TypeESign,
		Order:      approval.OrderSequential,
	})
	require.ErrorIs(t, err, approval.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
