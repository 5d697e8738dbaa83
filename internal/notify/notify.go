// Package notify is the boundary to the out-of-process notification
// collaborator. Delivery happens after a state change has committed; a
// delivery failure is reported but never rolls the state change back.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"aprovo.app/internal/obs"
)

// ErrExternalService marks a failure of the notification collaborator.
var ErrExternalService = errors.New("external service failure")

// Reminder is one reminder to deliver.
type Reminder struct {
	Kind       string `json:"kind"` // "decision" or "signer"
	DecisionID string `json:"decision_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
}

// Notifier dispatches reminders to the external delivery service.
type Notifier interface {
	Remind(ctx context.Context, r Reminder) error
}

// Webhook posts reminders as JSON to a configured endpoint, retrying
// transient failures with exponential backoff.
type Webhook struct {
	URL        string
	Client     *http.Client
	MaxRetries uint64
}

// NewWebhook creates a webhook notifier with sane defaults.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:        url,
		Client:     &http.Client{Timeout: 10 * time.Second},
		MaxRetries: 3,
	}
}

func (w *Webhook) Remind(ctx context.Context, r Reminder) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode reminder: %v", ErrExternalService, err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("notification endpoint rejected reminder: %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	return nil
}

// Log writes reminders to the structured log instead of delivering them.
// Used in dev and as the fallback when no webhook is configured.
type Log struct{}

func (Log) Remind(ctx context.Context, r Reminder) error {
	obs.LogRequest(map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"type":      "reminder",
		"kind":      r.Kind,
		"decision":  r.DecisionID,
		"approval":  r.ApprovalID,
		"recipient": r.Recipient,
		"subject":   r.Subject,
	})
	return nil
}
