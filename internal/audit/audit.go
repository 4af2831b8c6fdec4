// Package audit records immutable task lifecycle events. Write failures are
// surfaced to the caller but never abort the task execution they describe;
// the worker logs them to the operational channel and carries on.
package audit

import (
	"context"
	"log/slog"

	"github.com/milla-ai/dispatch/internal/store"
)

// Recorder appends lifecycle events through the store.
type Recorder struct {
	Store  store.Store
	Logger *slog.Logger // nil uses slog.Default
}

func New(st store.Store) *Recorder {
	return &Recorder{Store: st}
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Record appends one event and returns the store error, if any.
func (r *Recorder) Record(ctx context.Context, taskID, agent, action, eventType, detail string) error {
	_, err := r.Store.AppendAuditEvent(ctx, store.AuditEvent{
		TaskID:    taskID,
		Agent:     agent,
		Action:    action,
		EventType: eventType,
		Detail:    detail,
	})
	return err
}

// MustRecord appends one event; a write failure is logged and swallowed so
// task state is never rolled back over an audit problem.
func (r *Recorder) MustRecord(ctx context.Context, taskID, agent, action, eventType, detail string) {
	if err := r.Record(ctx, taskID, agent, action, eventType, detail); err != nil {
		r.logger().Error("audit write failed",
			"task_id", taskID,
			"event_type", eventType,
			"err", err)
	}
}

// Trail returns all events for taskID in append order.
func (r *Recorder) Trail(ctx context.Context, taskID string) ([]store.AuditEvent, error) {
	return r.Store.ListAuditEvents(ctx, taskID)
}
