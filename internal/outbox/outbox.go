// Package outbox provides durable at-least-once delivery of external
// notifications. Writers enqueue through the store in the same breath as the
// task work that produced the message; a background worker drains due items
// and retries with bounded exponential backoff.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milla-ai/dispatch/internal/otel"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

// Worker drains the outbox table. Delivery passes are serialized by an
// internal mutex, so overlapping ticks never double-send an item.
type Worker struct {
	Store  store.Store
	Sender Sender
	Policy Policy
	Logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu sync.Mutex // serializes delivery passes

	attempted atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func NewWorker(st store.Store, sender Sender, policy Policy) *Worker {
	return &Worker{Store: st, Sender: sender, Policy: policy, now: time.Now}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// Enqueue persists one message for later delivery. The item becomes due
// immediately.
func (w *Worker) Enqueue(ctx context.Context, to, subject, body string) (int64, error) {
	return w.Store.EnqueueOutbox(ctx, store.OutboxItem{
		To:            to,
		Subject:       subject,
		Body:          body,
		NextAttemptAt: w.clock(),
	})
}

// DeliverOnce runs a single delivery pass over the due items and returns how
// many were delivered and how many attempts failed. Send errors are recorded
// on the items, not returned; only store errors surface.
func (w *Worker) DeliverOnce(ctx context.Context) (delivered, failed int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	due, err := w.Store.DueOutbox(ctx, w.clock(), models.DefaultOutboxBatchLimit)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range due {
		w.attempted.Add(1)
		sendErr := w.Sender.Send(ctx, item)
		otel.RecordOutboxAttempt(ctx, sendErr == nil)
		if sendErr == nil {
			if err := w.Store.MarkOutboxSent(ctx, item.ItemID); err != nil {
				return delivered, failed, err
			}
			w.delivered.Add(1)
			delivered++
			continue
		}

		attempts := item.Attempts + 1
		exhausted := w.Policy.Exhausted(attempts)
		next := w.clock().Add(w.Policy.NextDelay(attempts))
		if err := w.Store.RecordOutboxFailure(ctx, item.ItemID, attempts, next, exhausted, sendErr.Error()); err != nil {
			return delivered, failed, err
		}
		failed++
		if exhausted {
			w.failed.Add(1)
			otel.RecordOutboxDead(ctx)
			w.logger().Error("outbox item permanently failed",
				"item_id", item.ItemID, "to", item.To, "attempts", attempts, "err", sendErr)
		} else {
			w.logger().Warn("outbox delivery failed, will retry",
				"item_id", item.ItemID, "to", item.To, "attempts", attempts,
				"next_attempt_at", next, "err", sendErr)
		}

		if ctx.Err() != nil {
			return delivered, failed, ctx.Err()
		}
	}
	return delivered, failed, nil
}

// Run drains the outbox on the given interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := w.DeliverOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger().Error("outbox pass failed", "err", err)
			}
		}
	}
}

// Resend puts an item (sent, failed, or still pending) back in the queue
// with a fresh retry budget. It becomes due immediately.
func (w *Worker) Resend(ctx context.Context, id int64) error {
	return w.Store.ResetOutboxItem(ctx, id)
}

// Metrics returns process-lifetime delivery counters.
func (w *Worker) Metrics() models.OutboxMetrics {
	return models.OutboxMetrics{
		Attempted: w.attempted.Load(),
		Delivered: w.delivered.Load(),
		Failed:    w.failed.Load(),
	}
}
