package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestWebhookRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.Remind(context.Background(), Reminder{Kind: "decision", DecisionID: "d1", Recipient: "client@example.com"})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestWebhookDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.Remind(context.Background(), Reminder{Kind: "signer", ApprovalID: "ap1", Recipient: "a"})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestWebhookGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	wh.MaxRetries = 2
	err := wh.Remind(context.Background(), Reminder{Kind: "decision", DecisionID: "d1", Recipient: "a"})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial try + 2 retries, got %d", calls.Load())
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := (Log{}).Remind(context.Background(), Reminder{Kind: "decision", Recipient: "x"}); err != nil {
		t.Fatal(err)
	}
}
