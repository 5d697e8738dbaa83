package approval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drawnPayload() string {
	return "data:image/png;base64," + strings.Repeat("iVBORw0KGgo", 20)
}

func seedWorkflow(t *testing.T, s *InMemory, cfg WorkflowConfig) Approval {
	t.Helper()
	_, err := s.SaveWorkflow(context.Background(), cfg)
	require.NoError(t, err)
	a, err := s.Activate(context.Background(), cfg.ApprovalID, nil)
	require.NoError(t, err)
	return a
}

func TestSaveWorkflowValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_, err := s.SaveWorkflow(ctx, WorkflowConfig{ApprovalID: "ap-1", Type: TypeESign, Order: OrderSequential})
	require.ErrorIs(t, err, ErrValidation, "no signers")

	_, err = s.SaveWorkflow(ctx, WorkflowConfig{ApprovalID: "ap-1", Signers: []string{"a", "a"}, Type: TypeESign, Order: OrderSequential})
	require.ErrorIs(t, err, ErrValidation, "duplicate signer")

	_, err = s.SaveWorkflow(ctx, WorkflowConfig{ApprovalID: "ap-1", Signers: []string{"a"}, Type: "wet_ink", Order: OrderSequential})
	require.ErrorIs(t, err, ErrValidation, "unknown type")

	cfg := WorkflowConfig{ApprovalID: "ap-1", Signers: []string{"a", "b"}, Type: TypeESign, Order: OrderSequential}
	saved, err := s.SaveWorkflow(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, saved.Signers)

	// Upsert is idempotent before any signature exists.
	cfg.Order = OrderParallel
	saved, err = s.SaveWorkflow(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, OrderParallel, saved.Order)
}

func TestSequentialQueueEnforcesTurnOrder(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-seq", Signers: []string{"A", "B", "C"},
		Type: TypeESign, Order: OrderSequential,
	})

	require.Equal(t, SignerPending, a.Signers[0].Status)
	require.Equal(t, SignerWaiting, a.Signers[1].Status)
	require.Equal(t, SignerWaiting, a.Signers[2].Status)

	in := SignatureInput{Type: CaptureTyped, Payload: "B. Signer"}
	_, _, err := s.SubmitSignature(ctx, "ap-seq", "B", in)
	require.ErrorIs(t, err, ErrNotYourTurn)

	_, a, err = s.SubmitSignature(ctx, "ap-seq", "A", SignatureInput{Type: CaptureTyped, Payload: "A. Signer"})
	require.NoError(t, err)
	require.Equal(t, SignerSigned, a.Signers[0].Status)
	require.Equal(t, SignerPending, a.Signers[1].Status, "signing A must atomically activate B")
	require.Equal(t, SignerWaiting, a.Signers[2].Status)
	require.False(t, a.Completed())

	_, a, err = s.SubmitSignature(ctx, "ap-seq", "B", in)
	require.NoError(t, err)
	_, a, err = s.SubmitSignature(ctx, "ap-seq", "C", SignatureInput{Type: CaptureTyped, Payload: "C. Signer"})
	require.NoError(t, err)
	require.True(t, a.Completed())

	// A correct signer re-submitting after completion is a conflict, not a replay.
	_, _, err = s.SubmitSignature(ctx, "ap-seq", "C", SignatureInput{Type: CaptureTyped, Payload: "C. Signer"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestParallelQueueCompletesInEitherOrder(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-par", Signers: []string{"A", "B"},
		Type: TypeESign, Order: OrderParallel,
	})
	for _, st := range a.Signers {
		require.Equal(t, SignerPending, st.Status, "parallel activation is simultaneous")
	}

	_, a, err := s.SubmitSignature(ctx, "ap-par", "B", SignatureInput{Type: CaptureDrawn, Payload: drawnPayload()})
	require.NoError(t, err)
	require.False(t, a.Completed(), "one of two signatures is not completion")

	_, a, err = s.SubmitSignature(ctx, "ap-par", "A", SignatureInput{Type: CaptureTyped, Payload: "A. Signer"})
	require.NoError(t, err)
	require.True(t, a.Completed())
	require.NotNil(t, a.CompletedAt)
}

func TestLegalTextAcceptanceBoundary(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-legal", Signers: []string{"A"},
		Type: TypeESign, Order: OrderSequential,
		LegalText: "I have authority to sign for the client.",
	})

	_, _, err := s.SubmitSignature(ctx, "ap-legal", "A", SignatureInput{Type: CaptureTyped, Payload: "A", LegalTextAccepted: false})
	require.ErrorIs(t, err, ErrValidation)

	// Without legal text the flag is irrelevant.
	seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-nolegal", Signers: []string{"A"},
		Type: TypeESign, Order: OrderSequential,
	})
	_, _, err = s.SubmitSignature(ctx, "ap-nolegal", "A", SignatureInput{Type: CaptureTyped, Payload: "A", LegalTextAccepted: false})
	require.NoError(t, err)
}

func TestSignaturePayloadValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-pay", Signers: []string{"A"},
		Type: TypeESign, Order: OrderSequential,
	})

	_, _, err := s.SubmitSignature(ctx, "ap-pay", "A", SignatureInput{Type: CaptureDrawn, Payload: "data:,"})
	require.ErrorIs(t, err, ErrValidation, "tiny drawn payload")

	_, _, err = s.SubmitSignature(ctx, "ap-pay", "A", SignatureInput{Type: CaptureTyped, Payload: "   "})
	require.ErrorIs(t, err, ErrValidation, "blank typed payload")

	_, _, err = s.SubmitSignature(ctx, "ap-pay", "A", SignatureInput{Type: "stamp", Payload: "x"})
	require.ErrorIs(t, err, ErrValidation, "unknown capture type")

	capture, _, err := s.SubmitSignature(ctx, "ap-pay", "A", SignatureInput{Type: CaptureDrawn, Payload: drawnPayload(), IPAddress: "203.0.113.9"})
	require.NoError(t, err)
	require.False(t, capture.SignedAt.IsZero(), "signed_at is server-assigned")
	require.Equal(t, "203.0.113.9", capture.IPAddress)
}

func TestCheckboxAndESignAreMutuallyExclusive(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-cb", Signers: []string{"A"},
		Type: TypeCheckbox, Order: OrderSequential,
	})

	_, _, err := s.SubmitSignature(ctx, "ap-cb", "A", SignatureInput{Type: CaptureTyped, Payload: "A"})
	require.ErrorIs(t, err, ErrValidation, "e-sign capture on checkbox workflow")

	a, err := s.SubmitCheckbox(ctx, "ap-cb", "A", true, "203.0.113.9")
	require.NoError(t, err)
	require.True(t, a.Completed())
	require.Equal(t, CaptureCheckbox, a.Captures[0].Type)

	seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-es", Signers: []string{"A"},
		Type: TypeESign, Order: OrderSequential,
	})
	_, err = s.SubmitCheckbox(ctx, "ap-es", "A", true, "")
	require.ErrorIs(t, err, ErrValidation, "checkbox on e-sign workflow")
}

func TestWorkflowLockedAfterFirstSignature(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedWorkflow(t, s, WorkflowConfig{
		ApprovalID: "ap-lock", Signers: []string{"A", "B"},
		Type: TypeESign, Order: OrderParallel,
	})
	_, _, err := s.SubmitSignature(ctx, "ap-lock", "A", SignatureInput{Type: CaptureTyped, Payload: "A"})
	require.NoError(t, err)

	_, err = s.SaveWorkflow(ctx, WorkflowConfig{
		ApprovalID: "ap-lock", Signers: []string{"A"},
		Type: TypeESign, Order: OrderParallel,
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSweepIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Hour)
	_, err := s.SaveWorkflow(ctx, WorkflowConfig{
		ApprovalID: "ap-due", Signers: []string{"A"},
		Type: TypeESign, Order: OrderSequential,
	})
	require.NoError(t, err)
	_, err = s.Activate(ctx, "ap-due", &due)
	require.NoError(t, err)

	now := time.Now().UTC()
	res, err := s.Sweep(ctx, now)
	require.NoError(t, err)
	require.Len(t, res.Overdue, 1)
	require.Len(t, res.Reminded, 1)

	a, _ := s.Get(ctx, "ap-due")
	signer, _ := a.Signer("A")
	require.Equal(t, SignerPending, signer.Status, "sweep must not change the stored state")
	require.Equal(t, SignerReminder, signer.EffectiveStatus(now))
	first := *signer.ReminderSentAt

	// Second sweep reports overdue again but issues no second reminder.
	res, err = s.Sweep(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Overdue, 1)
	require.Empty(t, res.Reminded)

	a, _ = s.Get(ctx, "ap-due")
	signer, _ = a.Signer("A")
	require.Equal(t, first, *signer.ReminderSentAt)
}

func TestActivateIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, err := s.SaveWorkflow(ctx, WorkflowConfig{
		ApprovalID: "ap-act", Signers: []string{"A", "B"},
		Type: TypeESign, Order: OrderSequential,
	})
	require.NoError(t, err)

	first, err := s.Activate(ctx, "ap-act", nil)
	require.NoError(t, err)
	second, err := s.Activate(ctx, "ap-act", nil)
	require.NoError(t, err)
	require.Equal(t, first.ActivatedAt, second.ActivatedAt)

	_, err = s.Activate(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEffectiveStatusPrecedence(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	st := SignerState{Status: SignerPending, DueAt: &past}
	require.Equal(t, SignerOverdue, st.EffectiveStatus(now))

	st.ReminderSentAt = &now
	require.Equal(t, SignerReminder, st.EffectiveStatus(now))

	st.Status = SignerSigned
	require.Equal(t, SignerSigned, st.EffectiveStatus(now))
}
