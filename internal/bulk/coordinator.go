// Package bulk fans one action out over many decisions. Items are logically
// unrelated, so each is processed in isolation: one failure never aborts the
// batch and there is no cross-item transaction.
package bulk

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aprovo.app/internal/decision"
	"aprovo.app/internal/export"
	"aprovo.app/internal/notify"
	"aprovo.app/internal/obs"
	"aprovo.app/internal/stream"
)

const defaultFanOut = 8

// ItemError reports the failure of one decision in a batch.
type ItemError struct {
	DecisionID string `json:"decision_id"`
	Error      string `json:"error"`
}

// Result aggregates a bulk run. Partial success is the expected shape.
type Result struct {
	Requested int         `json:"requested"`
	Updated   int         `json:"updated,omitempty"`
	Sent      int         `json:"sent,omitempty"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Coordinator runs bulk actions with bounded concurrency.
type Coordinator struct {
	decisions decision.Service
	exporter  *export.Builder
	notifier  notify.Notifier
	events    *stream.Stream
	fanOut    int
}

// New creates a Coordinator. events may be nil when no subscriber exists.
func New(decisions decision.Service, notifier notify.Notifier, events *stream.Stream) *Coordinator {
	return &Coordinator{
		decisions: decisions,
		exporter:  export.NewBuilder(decisions),
		notifier:  notifier,
		events:    events,
		fanOut:    defaultFanOut,
	}
}

// SetFanOut overrides the per-batch concurrency bound.
func (c *Coordinator) SetFanOut(n int) {
	if n > 0 {
		c.fanOut = n
	}
}

// ChangePhase moves each decision to the given phase through the normal
// field-update and version-snapshot path.
func (c *Coordinator) ChangePhase(ctx context.Context, ids []string, phase, actor string) Result {
	return c.run(ctx, "change_phase", ids, func(ctx context.Context, id string) error {
		d, err := c.decisions.ChangePhase(ctx, id, phase, actor)
		if err != nil {
			return err
		}
		c.publish(stream.DecisionEvent{
			Kind:       stream.EventPhaseChanged,
			DecisionID: d.ID,
			Status:     string(d.Status),
			Phase:      d.Phase,
			Actor:      actor,
		})
		return nil
	})
}

// Remind records a reminder on each pending decision and hands it to the
// delivery collaborator. A delivery failure is reported per item but never
// rolls back the recorded reminder.
func (c *Coordinator) Remind(ctx context.Context, ids []string, actor string) Result {
	return c.run(ctx, "remind", ids, func(ctx context.Context, id string) error {
		d, err := c.decisions.Remind(ctx, id, actor)
		if err != nil {
			return err
		}
		return c.notifier.Remind(ctx, notify.Reminder{
			Kind:       "decision",
			DecisionID: d.ID,
			Recipient:  d.Approver,
			Subject:    "Decision awaiting your approval: " + d.Title,
		})
	})
}

// ExportHistory builds the compliance archive for the given decisions.
// Missing ids surface as item errors alongside the successfully exported
// histories.
func (c *Coordinator) ExportHistory(ctx context.Context, ids []string) (export.Archive, Result) {
	histories := make([]*export.History, len(ids))
	res := c.runIndexed(ctx, "export_history", ids, func(ctx context.Context, i int, id string) error {
		h, err := c.exporter.History(ctx, id)
		if err != nil {
			return err
		}
		histories[i] = &h
		return nil
	})

	archive := export.Archive{ExportedAt: time.Now().UTC()}
	for _, h := range histories {
		if h != nil {
			archive.Items = append(archive.Items, *h)
		}
	}
	return archive, res
}

func (c *Coordinator) run(ctx context.Context, action string, ids []string, op func(context.Context, string) error) Result {
	return c.runIndexed(ctx, action, ids, func(ctx context.Context, _ int, id string) error {
		return op(ctx, id)
	})
}

func (c *Coordinator) runIndexed(ctx context.Context, action string, ids []string, op func(context.Context, int, string) error) Result {
	res := Result{Requested: len(ids)}
	itemErrs := make([]*ItemError, len(ids))

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOut)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := op(ctx, i, id); err != nil {
				itemErrs[i] = &ItemError{DecisionID: id, Error: err.Error()}
				obs.CountBulkItem(action, "error")
				return nil // per-item isolation: never cancel the batch
			}
			obs.CountBulkItem(action, "ok")
			mu.Lock()
			switch action {
			case "remind":
				res.Sent++
			default:
				res.Updated++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range itemErrs {
		if e != nil {
			res.Errors = append(res.Errors, *e)
		}
	}
	return res
}

func (c *Coordinator) publish(evt stream.DecisionEvent) {
	if c.events != nil {
		c.events.Publish(evt)
	}
}
