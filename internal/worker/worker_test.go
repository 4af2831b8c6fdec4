package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/milla-ai/dispatch/internal/audit"
	"github.com/milla-ai/dispatch/internal/registry"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

func newTestWorker(t *testing.T) (*Worker, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New()
	return New(st, reg, audit.New(st)), st
}

func addTask(t *testing.T, st store.Store, task store.Task) store.Task {
	t.Helper()
	added, err := st.AddTask(context.Background(), task)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	return added
}

func TestRun_happyPath(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	var calls atomic.Int64
	w.Registry.Register("echo", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		calls.Add(1)
		return registry.Result{Output: json.RawMessage(`{"echo":true}`), Detail: "echoed"}, nil
	}))

	task := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "echo", Action: "say"})

	got, err := w.Run(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if string(got.Result) != `{"echo":true}` {
		t.Fatalf("result = %s", got.Result)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}

	events, err := st.ListAuditEvents(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d audit events, want 2", len(events))
	}
	if events[0].EventType != models.EventStarted || events[1].EventType != models.EventCompleted {
		t.Fatalf("event types = %q, %q", events[0].EventType, events[1].EventType)
	}
	if events[1].Detail != "echoed" {
		t.Fatalf("completed detail = %q", events[1].Detail)
	}
}

func TestRun_unknownAgent(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	task := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "nope", Action: "x"})

	got, err := w.Run(ctx, task.TaskID)
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error != "unknown agent: nope" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestRun_approvalGateBlocksHandler(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	var calls atomic.Int64
	w.Registry.Register("risky", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		calls.Add(1)
		return registry.Result{}, nil
	}))

	task := addTask(t, st, store.Task{
		TaskID: "t1", Supervisor: "alex", Agent: "risky", Action: "delete",
		SafetyLevel: models.SafetyHigh, RequireApproval: true,
	})

	got, err := w.Run(ctx, task.TaskID)
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("err = %v, want ErrApprovalRequired", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler called %d times, want 0", n)
	}

	events, err := st.ListAuditEvents(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.EventFailed {
		t.Fatalf("events = %+v, want single failed event", events)
	}
}

func TestApproveThenRun(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	var calls atomic.Int64
	w.Registry.Register("risky", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		calls.Add(1)
		return registry.Result{}, nil
	}))

	task := addTask(t, st, store.Task{
		TaskID: "t1", Supervisor: "alex", Agent: "risky", Action: "delete",
		RequireApproval: true,
	})

	// First run fails at the gate.
	if _, err := w.Run(ctx, task.TaskID); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("gate err = %v", err)
	}

	approved, err := w.Approve(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !approved.Approved {
		t.Fatal("task not marked approved")
	}
	// Approval is idempotent.
	if _, err := w.Approve(ctx, task.TaskID); err != nil {
		t.Fatalf("second approve: %v", err)
	}

	// Runs from failed with approval present.
	got, err := w.Run(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("run after approve: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("stale error on rerun: %q", got.Error)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want exactly 1", n)
	}
}

func TestRun_terminalAndRunningGuards(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	w.Registry.Register("echo", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		return registry.Result{}, nil
	}))

	task := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "echo", Action: "x"})
	if _, err := w.Run(ctx, task.TaskID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := w.Run(ctx, task.TaskID); !errors.Is(err, store.ErrTaskTerminal) {
		t.Fatalf("rerun of completed task err = %v, want ErrTaskTerminal", err)
	}

	running := models.StatusInProgress
	other := addTask(t, st, store.Task{TaskID: "t2", Supervisor: "alex", Agent: "echo", Action: "x"})
	if _, err := st.UpdateTask(ctx, other.TaskID, store.TaskUpdate{Status: &running}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := w.Run(ctx, other.TaskID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("run of in-progress task err = %v, want ErrAlreadyRunning", err)
	}
}

func TestRun_handlerErrorRecordedVerbatim(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	w.Registry.Register("flaky", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		return registry.Result{}, errors.New("smtp: connection refused")
	}))

	task := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "flaky", Action: "send"})

	got, err := w.Run(ctx, task.TaskID)
	if err == nil || err.Error() != "smtp: connection refused" {
		t.Fatalf("err = %v", err)
	}
	if got.Status != models.StatusFailed || got.Error != "smtp: connection refused" {
		t.Fatalf("task = %+v", got)
	}
}

func TestRun_handlerPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	w.Registry.Register("boom", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		panic("nil map write")
	}))

	task := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "boom", Action: "x"})

	got, err := w.Run(ctx, task.TaskID)
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error != "handler panic: nil map write" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestRejectCancelsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	task := addTask(t, st, store.Task{
		TaskID: "t1", Supervisor: "alex", Agent: "risky", Action: "delete",
		RequireApproval: true,
	})

	got, err := w.Reject(ctx, task.TaskID, "too risky")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != models.StatusCancelled || got.RejectReason != "too risky" {
		t.Fatalf("task = %+v", got)
	}

	// Rejecting again is a no-op.
	again, err := w.Reject(ctx, task.TaskID, "still too risky")
	if err != nil {
		t.Fatalf("second reject: %v", err)
	}
	if again.RejectReason != "too risky" {
		t.Fatalf("reason overwritten: %q", again.RejectReason)
	}
}

func TestCancelGuards(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	w.Registry.Register("echo", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		return registry.Result{}, nil
	}))

	pending := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "echo", Action: "x"})
	got, err := w.Cancel(ctx, pending.TaskID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %q", got.Status)
	}

	done := addTask(t, st, store.Task{TaskID: "t2", Supervisor: "alex", Agent: "echo", Action: "x"})
	if _, err := w.Run(ctx, done.TaskID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := w.Cancel(ctx, done.TaskID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel completed err = %v, want ErrNotCancellable", err)
	}
}

func TestApprove_terminalRejected(t *testing.T) {
	t.Parallel()
	w, st := newTestWorker(t)
	ctx := context.Background()

	w.Registry.Register("echo", registry.HandlerFunc(func(_ context.Context, task store.Task) (registry.Result, error) {
		return registry.Result{}, nil
	}))

	task := addTask(t, st, store.Task{TaskID: "t1", Supervisor: "alex", Agent: "echo", Action: "x"})
	if _, err := w.Run(ctx, task.TaskID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := w.Approve(ctx, task.TaskID); !errors.Is(err, store.ErrTaskTerminal) {
		t.Fatalf("approve completed err = %v, want ErrTaskTerminal", err)
	}
}
