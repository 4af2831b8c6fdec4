package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/milla-ai/dispatch/internal/httpapi"
	"github.com/milla-ai/dispatch/pkg/models"
)

// runSweep periodically runs pending tasks whose approval gate is satisfied.
// Failed tasks are never picked up again: re-running those is a deliberate
// operator action.
func runSweep(ctx context.Context, interval time.Duration, app *httpapi.App) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, app)
		}
	}
}

// sweepOnce runs every ready pending task once, sequentially. Handler errors
// are already recorded on the task and audited by the worker; the sweep just
// logs and moves on.
func sweepOnce(ctx context.Context, app *httpapi.App) {
	tasks, err := app.Store.ListTasks(ctx, 0)
	if err != nil {
		slog.Error("sweep list tasks failed", "err", err)
		return
	}
	for _, t := range tasks {
		if t.Status != models.StatusPending {
			continue
		}
		if t.RequireApproval && !t.Approved {
			continue
		}
		if _, err := app.Worker.Run(ctx, t.TaskID); err != nil {
			slog.Warn("sweep task run failed", "task_id", t.TaskID, "agent", t.Agent, "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
