// Package httpapi is the thin HTTP front door over the orchestration core:
// a JSON API on net/http plus an SSE hub for live task and outbox updates.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/milla-ai/dispatch/internal/agents"
	"github.com/milla-ai/dispatch/internal/audit"
	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/otel"
	"github.com/milla-ai/dispatch/internal/outbox"
	"github.com/milla-ai/dispatch/internal/registry"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/internal/store/postgres"
	"github.com/milla-ai/dispatch/internal/worker"
	"github.com/milla-ai/dispatch/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (admin UI on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string         // if set, require X-API-Key header or query api_key
	DBDriver       string         // "sqlite" (default) or "postgres"
	DBURL          string         // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler http.Handler   // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool           // if true, wrap handler with otelhttp for request metrics
	Config         *config.Config // if nil, loaded from Home
	Sender         outbox.Sender  // if nil, webhook from config or the log sender
}

// App holds the HTTP server and the orchestration core behind it.
type App struct {
	Server   *http.Server
	Hub      *SSEHub
	Store    store.Store
	Registry *registry.Registry
	Worker   *worker.Worker
	Outbox   *outbox.Worker
	Home     string
}

// NewApp opens the store, assembles the worker, registry, and outbox, and
// registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	} else if opts.Home != "" {
		loaded, err := config.Load(opts.Home)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	hub := NewSSEHub()

	sender := opts.Sender
	if sender == nil {
		if url := webhookURL(cfg); url != "" {
			sender = outbox.WebhookSender{URL: url}
		} else {
			sender = outbox.LogSender{}
		}
	}
	ob := outbox.NewWorker(st, sender, outbox.Policy{
		BaseDelay:   cfg.Outbox.BaseDelay,
		MaxDelay:    cfg.Outbox.MaxDelay,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})

	reg := registry.New()
	agents.Register(reg, ob)

	wk := worker.New(st, reg, audit.New(st))
	wk.OnUpdate = func(t store.Task) {
		hub.PublishJSON(map[string]any{"type": "task_update", "task_id": t.TaskID, "status": t.Status})
	}

	app := &App{Hub: hub, Store: st, Registry: reg, Worker: wk, Outbox: ob, Home: opts.Home}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handleMetricsFallback)
	}

	mux.HandleFunc("/stream", hub.Handler())
	mux.HandleFunc("/tasks", app.handleTasks)
	mux.HandleFunc("/tasks/", app.handleTaskByID)
	mux.HandleFunc("/agents", app.handleAgents)
	mux.HandleFunc("/outbox", app.handleOutbox)
	mux.HandleFunc("/outbox/metrics", app.handleOutboxMetrics)
	mux.HandleFunc("/outbox/", app.handleOutboxItem)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "dispatch")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

func webhookURL(cfg config.Config) string {
	if cfg.WebhookURL != "" {
		return cfg.WebhookURL
	}
	return os.Getenv("DISPATCH_WEBHOOK_URL")
}

// handleMetricsFallback serves plain-text task gauges when OTel is not wired.
func (a *App) handleMetricsFallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	tasks, _ := a.Store.ListTasks(r.Context(), 0)
	counts := map[string]int64{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	_, _ = fmt.Fprintf(w, "# TYPE dispatch_tasks_total gauge\n")
	for _, status := range []string{
		models.StatusPending, models.StatusInProgress, models.StatusCompleted,
		models.StatusFailed, models.StatusCancelled,
	} {
		_, _ = fmt.Fprintf(w, "dispatch_tasks_total{status=%q} %d\n", status, counts[status])
	}
	m := a.Outbox.Metrics()
	_, _ = fmt.Fprintf(w, "# TYPE dispatch_outbox_attempts_total counter\n")
	_, _ = fmt.Fprintf(w, "dispatch_outbox_attempts_total %d\n", m.Attempted)
	_, _ = fmt.Fprintf(w, "# TYPE dispatch_outbox_delivered_total counter\n")
	_, _ = fmt.Fprintf(w, "dispatch_outbox_delivered_total %d\n", m.Delivered)
	_, _ = fmt.Fprintf(w, "# TYPE dispatch_outbox_failed_total counter\n")
	_, _ = fmt.Fprintf(w, "dispatch_outbox_failed_total %d\n", m.Failed)
}

// handleTasks serves GET /tasks (list) and POST /tasks (create, optionally run).
func (a *App) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				limit = n
				if limit > models.DefaultTaskListLimit {
					limit = models.DefaultTaskListLimit
				}
			}
		}
		tasks, err := a.Store.ListTasks(r.Context(), limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, toModelTasks(tasks))

	case http.MethodPost:
		var body models.CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Agent == "" || body.Action == "" {
			writeJSONError(w, http.StatusBadRequest, "agent and action required")
			return
		}
		if body.SafetyLevel != "" && body.SafetyLevel != models.SafetyLow && body.SafetyLevel != models.SafetyHigh {
			writeJSONError(w, http.StatusBadRequest, "safety_level must be low or high")
			return
		}
		if _, ok := a.Registry.Get(body.Agent); !ok {
			writeJSONError(w, http.StatusBadRequest, "unknown agent: "+body.Agent)
			return
		}
		task, err := a.Store.AddTask(r.Context(), store.Task{
			TaskID:          uuid.NewString(),
			Supervisor:      body.Supervisor,
			Agent:           body.Agent,
			Action:          body.Action,
			Payload:         body.Payload,
			SafetyLevel:     body.SafetyLevel,
			RequireApproval: body.RequireApproval,
		})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Worker.Audit.MustRecord(r.Context(), task.TaskID, task.Agent, task.Action, models.EventCreated, "")
		otel.RecordTaskOp(r.Context(), "create", task.Agent, task.Status)
		a.Hub.PublishJSON(map[string]any{"type": "task_update", "task_id": task.TaskID, "status": task.Status})

		if body.Run {
			if updated, runErr := a.runTask(r.Context(), task.TaskID); updated != nil {
				task = *updated
				_ = runErr // surfaced via task.Status / task.Error
			}
		}
		writeJSONStatus(w, http.StatusCreated, toModelTask(task))

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskByID serves /tasks/{id} and /tasks/{id}/{run|approve|reject|cancel|audit}.
func (a *App) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	taskID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := a.Store.GetTask(r.Context(), taskID)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, toModelTask(*task))
		return
	}

	switch parts[1] {
	case "audit":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := a.Store.GetTask(r.Context(), taskID); err != nil {
			writeTaskError(w, err)
			return
		}
		events, err := a.Store.ListAuditEvents(r.Context(), taskID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, toModelEvents(events))

	case "run":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := a.runTask(r.Context(), taskID)
		switch {
		case err == nil:
			otel.RecordTaskOp(r.Context(), "run", task.Agent, task.Status)
			writeJSON(w, toModelTask(*task))
		case errors.Is(err, store.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrTaskTerminal),
			errors.Is(err, worker.ErrAlreadyRunning),
			errors.Is(err, worker.ErrApprovalRequired):
			writeJSONError(w, http.StatusConflict, err.Error())
		case task != nil:
			// Handler-level failure: the request itself succeeded and the
			// task carries the error verbatim.
			otel.RecordTaskOp(r.Context(), "run", task.Agent, task.Status)
			writeJSON(w, toModelTask(*task))
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}

	case "approve":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := a.Worker.Approve(r.Context(), taskID)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		otel.RecordTaskOp(r.Context(), "approve", task.Agent, task.Status)
		writeJSON(w, toModelTask(*task))

	case "reject":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		task, err := a.Worker.Reject(r.Context(), taskID, body.Reason)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		otel.RecordTaskOp(r.Context(), "reject", task.Agent, task.Status)
		writeJSON(w, toModelTask(*task))

	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := a.Worker.Cancel(r.Context(), taskID)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		otel.RecordTaskOp(r.Context(), "cancel", task.Agent, task.Status)
		writeJSON(w, toModelTask(*task))

	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// runTask times the execution so the duration histogram reflects handler work.
func (a *App) runTask(ctx context.Context, taskID string) (*store.Task, error) {
	start := time.Now()
	task, err := a.Worker.Run(ctx, taskID)
	if task != nil {
		otel.RecordTaskRun(ctx, task.Agent, task.Status, time.Since(start))
	}
	return task, err
}

func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, a.Registry.List())
}

func (a *App) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	items, err := a.Store.ListOutbox(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, toModelOutboxItems(items))
}

func (a *App) handleOutboxMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, a.Outbox.Metrics())
}

// handleOutboxItem serves POST /outbox/{id}/resend and DELETE /outbox/{id}.
func (a *App) handleOutboxItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/outbox/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid outbox item id")
		return
	}

	if len(parts) >= 2 && parts[1] == "resend" {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.Outbox.Resend(r.Context(), id); err != nil {
			writeTaskError(w, err)
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "outbox_update", "item_id": id})
		writeJSON(w, map[string]any{"ok": true})
		return
	}

	if r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := a.Store.DeleteOutboxItem(r.Context(), id); err != nil {
		writeTaskError(w, err)
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "outbox_update", "item_id": id})
	writeJSON(w, map[string]any{"ok": true})
}

// writeTaskError maps core sentinel errors to HTTP status codes.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrTaskTerminal), errors.Is(err, worker.ErrNotCancellable):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
