// Package worker drives tasks through their lifecycle: approval gating,
// handler dispatch, and terminal-state bookkeeping. All state transitions go
// through the store, and every transition leaves an audit event behind.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/milla-ai/dispatch/internal/audit"
	"github.com/milla-ai/dispatch/internal/registry"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

// Worker executes tasks against the handler registry.
type Worker struct {
	Store    store.Store
	Registry *registry.Registry
	Audit    *audit.Recorder
	Logger   *slog.Logger

	// OnUpdate, when set, is called after every persisted state change.
	// Used by the HTTP layer to push updates over SSE.
	OnUpdate func(task store.Task)
}

func New(st store.Store, reg *registry.Registry, rec *audit.Recorder) *Worker {
	return &Worker{Store: st, Registry: reg, Audit: rec}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) notify(t *store.Task) {
	if w.OnUpdate != nil && t != nil {
		w.OnUpdate(*t)
	}
}

// Run executes the task with the given ID. A task may be run from pending or
// failed; completed and cancelled tasks are permanently immutable and an
// in-progress task cannot be started a second time. The approval gate fires
// before any handler code runs: a gated, unapproved task is marked failed
// without the handler ever being invoked.
func (w *Worker) Run(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := w.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case models.StatusCompleted, models.StatusCancelled:
		return nil, fmt.Errorf("run %s: %w", taskID, store.ErrTaskTerminal)
	case models.StatusInProgress:
		return nil, fmt.Errorf("run %s: %w", taskID, ErrAlreadyRunning)
	}

	if t.RequireApproval && !t.Approved {
		msg := "requires user approval"
		t, err = w.Store.UpdateTask(ctx, taskID, store.TaskUpdate{
			Status: strPtr(models.StatusFailed),
			Error:  &msg,
		})
		if err != nil {
			return nil, err
		}
		w.Audit.MustRecord(ctx, taskID, t.Agent, t.Action, models.EventFailed, msg)
		w.notify(t)
		return t, fmt.Errorf("run %s: %w", taskID, ErrApprovalRequired)
	}

	empty := ""
	t, err = w.Store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status: strPtr(models.StatusInProgress),
		Error:  &empty,
	})
	if err != nil {
		return nil, err
	}
	w.Audit.MustRecord(ctx, taskID, t.Agent, t.Action, models.EventStarted, "")
	w.notify(t)

	h, ok := w.Registry.Get(t.Agent)
	if !ok {
		msg := fmt.Sprintf("unknown agent: %s", t.Agent)
		return w.fail(ctx, t, msg, fmt.Errorf("run %s: %w %q", taskID, ErrUnknownAgent, t.Agent))
	}

	res, herr := invoke(ctx, h, *t)
	if herr != nil {
		return w.fail(ctx, t, herr.Error(), herr)
	}

	upd := store.TaskUpdate{Status: strPtr(models.StatusCompleted)}
	if res.Output != nil {
		out := res.Output
		upd.Result = &out
	}
	t, err = w.Store.UpdateTask(ctx, taskID, upd)
	if err != nil {
		return nil, err
	}
	w.Audit.MustRecord(ctx, taskID, t.Agent, t.Action, models.EventCompleted, res.Detail)
	w.notify(t)
	w.logger().Info("task completed", "task_id", taskID, "agent", t.Agent, "action", t.Action)
	return t, nil
}

// invoke runs the handler, converting a panic into an error so a misbehaving
// handler marks its task failed instead of taking the daemon down.
func invoke(ctx context.Context, h registry.Handler, t store.Task) (res registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}

// fail records the handler error verbatim on the task and in the audit
// trail, then returns the original error alongside the updated task.
func (w *Worker) fail(ctx context.Context, t *store.Task, msg string, cause error) (*store.Task, error) {
	updated, uerr := w.Store.UpdateTask(ctx, t.TaskID, store.TaskUpdate{
		Status: strPtr(models.StatusFailed),
		Error:  &msg,
	})
	if uerr != nil {
		w.logger().Error("failed to record task failure", "task_id", t.TaskID, "err", uerr)
		return nil, cause
	}
	w.Audit.MustRecord(ctx, t.TaskID, t.Agent, t.Action, models.EventFailed, msg)
	w.notify(updated)
	w.logger().Warn("task failed", "task_id", t.TaskID, "agent", t.Agent, "err", msg)
	return updated, cause
}

// Approve marks a gated task as approved. Approving an already-approved task
// is a no-op; approving a completed or cancelled task is an error.
func (w *Worker) Approve(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := w.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusCompleted || t.Status == models.StatusCancelled {
		return nil, fmt.Errorf("approve %s: %w", taskID, store.ErrTaskTerminal)
	}
	if t.Approved {
		return t, nil
	}
	approved := true
	t, err = w.Store.UpdateTask(ctx, taskID, store.TaskUpdate{Approved: &approved})
	if err != nil {
		return nil, err
	}
	w.Audit.MustRecord(ctx, taskID, t.Agent, t.Action, models.EventCreated, "task approved")
	w.notify(t)
	return t, nil
}

// Reject declines a gated task and cancels it, recording the reason.
// Rejecting an already-cancelled task is a no-op.
func (w *Worker) Reject(ctx context.Context, taskID, reason string) (*store.Task, error) {
	t, err := w.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusCancelled {
		return t, nil
	}
	if t.Status == models.StatusCompleted {
		return nil, fmt.Errorf("reject %s: %w", taskID, store.ErrTaskTerminal)
	}
	approved := false
	t, err = w.Store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:       strPtr(models.StatusCancelled),
		Approved:     &approved,
		RejectReason: &reason,
	})
	if err != nil {
		return nil, err
	}
	w.Audit.MustRecord(ctx, taskID, t.Agent, t.Action, models.EventCancelled, "task rejected: "+reason)
	w.notify(t)
	return t, nil
}

// Cancel stops a pending or in-progress task. Anything else is not
// cancellable.
func (w *Worker) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := w.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusPending && t.Status != models.StatusInProgress {
		return nil, fmt.Errorf("cancel %s (status %s): %w", taskID, t.Status, ErrNotCancellable)
	}
	t, err = w.Store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: strPtr(models.StatusCancelled)})
	if err != nil {
		return nil, err
	}
	w.Audit.MustRecord(ctx, taskID, t.Agent, t.Action, models.EventCancelled, "task cancelled")
	w.notify(t)
	return t, nil
}

func strPtr(s string) *string { return &s }
