package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/milla-ai/dispatch/internal/httpapi"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStatus_notRunning(t *testing.T) {
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatalf("status = %+v, want not running", st)
	}
}

func TestStop_notRunning(t *testing.T) {
	stopped, err := Stop(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Fatal("Stop on empty home reported a stopped daemon")
	}
}

func TestAcquireLock_conflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protected", "daemon.lock")
	l1, err := acquireLock(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.release()

	if _, err := acquireLock(path); err == nil {
		t.Fatal("second acquire should fail while lock is held")
	}

	l1.release()
	l2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.release()
}

func testApp(t *testing.T) *httpapi.App {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	app, err := httpapi.NewApp(httpapi.ServerOptions{Home: home, Addr: ":0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Store.Close() })
	return app
}

func TestSweepOnce_runsReadyTasks(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()

	ready, err := app.Store.AddTask(ctx, store.Task{
		TaskID: "ready", Agent: "reminder", Action: "create",
		Payload: json.RawMessage(`{"note":"sweep me"}`),
	})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	sweepOnce(ctx, app)

	got, err := app.Store.GetTask(ctx, ready.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
}

func TestSweepOnce_skipsGatedAndFailedTasks(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()

	gated, err := app.Store.AddTask(ctx, store.Task{
		TaskID: "gated", Agent: "reminder", Action: "create",
		Payload:         json.RawMessage(`{"note":"needs approval"}`),
		RequireApproval: true,
	})
	if err != nil {
		t.Fatalf("add gated task: %v", err)
	}

	failedStatus := models.StatusFailed
	if _, err := app.Store.AddTask(ctx, store.Task{
		TaskID: "failed", Agent: "reminder", Action: "create",
		Payload: json.RawMessage(`{"note":"previously failed"}`),
	}); err != nil {
		t.Fatalf("add failed task: %v", err)
	}
	if _, err := app.Store.UpdateTask(ctx, "failed", store.TaskUpdate{Status: &failedStatus}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	sweepOnce(ctx, app)

	g, _ := app.Store.GetTask(ctx, gated.TaskID)
	if g.Status != models.StatusPending {
		t.Fatalf("gated task status = %q, want pending (never swept)", g.Status)
	}
	f, _ := app.Store.GetTask(ctx, "failed")
	if f.Status != models.StatusFailed {
		t.Fatalf("failed task status = %q, want failed (never auto-retried)", f.Status)
	}
}

func TestBackgroundArgs_forwardsAllOptions(t *testing.T) {
	args := backgroundArgs(StartOptions{
		Home:        "/tmp/dispatch-home",
		Port:        9000,
		IntervalSec: 2.5,
		Dev:         true,
		AutoRun:     true,
		PprofAddr:   "127.0.0.1:6060",
		DBDriver:    "postgres",
		DBURL:       "postgres://localhost/dispatch",
		EnableOtel:  false,
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--home /tmp/dispatch-home",
		"--port 9000",
		"--interval 2.5",
		"--dev",
		"--auto-run",
		"--pprof 127.0.0.1:6060",
		"--db-driver postgres",
		"--db-url postgres://localhost/dispatch",
		"--otel=false",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestBackgroundArgs_defaults(t *testing.T) {
	args := backgroundArgs(StartOptions{
		Home:        "/tmp/dispatch-home",
		Port:        4810,
		IntervalSec: 5,
		DBDriver:    "sqlite",
		EnableOtel:  true,
	})
	joined := strings.Join(args, " ")
	for _, reject := range []string{"--db-url", "--otel", "--dev", "--auto-run", "--pprof"} {
		if strings.Contains(joined, reject) {
			t.Errorf("args should not carry %q when unset: %s", reject, joined)
		}
	}
}
