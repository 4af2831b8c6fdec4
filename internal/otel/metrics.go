package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	taskRunsCounter     metric.Int64Counter
	taskRunDuration     metric.Float64Histogram
	outboxAttempts      metric.Int64Counter
	outboxDelivered     metric.Int64Counter
	outboxDead          metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("dispatch_task_operations_total", metric.WithDescription("Total task operations (create, run, approve, reject, cancel)"))
		if err != nil {
			return
		}
		taskRunsCounter, err = m.Int64Counter("dispatch_task_runs_total", metric.WithDescription("Total task executions by agent and outcome"))
		if err != nil {
			return
		}
		taskRunDuration, err = m.Float64Histogram("dispatch_task_run_duration_seconds", metric.WithDescription("Task execution duration in seconds"))
		if err != nil {
			return
		}
		outboxAttempts, err = m.Int64Counter("dispatch_outbox_attempts_total", metric.WithDescription("Total outbox delivery attempts"))
		if err != nil {
			return
		}
		outboxDelivered, err = m.Int64Counter("dispatch_outbox_delivered_total", metric.WithDescription("Total outbox items delivered"))
		if err != nil {
			return
		}
		outboxDead, err = m.Int64Counter("dispatch_outbox_failed_total", metric.WithDescription("Total outbox items that exhausted their retry budget"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("dispatch_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("dispatch_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (create, run, approve, reject, cancel).
func RecordTaskOp(ctx context.Context, op, agent, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrAgent.String(agent),
		AttrStatus.String(status),
	))
}

// RecordTaskRun records one task execution and its duration.
func RecordTaskRun(ctx context.Context, agent, status string, duration time.Duration) {
	attrs := metric.WithAttributes(AttrAgent.String(agent), AttrStatus.String(status))
	if taskRunsCounter != nil {
		taskRunsCounter.Add(ctx, 1, attrs)
	}
	if taskRunDuration != nil {
		taskRunDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordOutboxAttempt records one delivery attempt and its outcome.
func RecordOutboxAttempt(ctx context.Context, delivered bool) {
	if outboxAttempts != nil {
		outboxAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delivered", delivered)))
	}
	if delivered && outboxDelivered != nil {
		outboxDelivered.Add(ctx, 1)
	}
}

// RecordOutboxDead records an item exhausting its retry budget.
func RecordOutboxDead(ctx context.Context) {
	if outboxDead != nil {
		outboxDead.Add(ctx, 1)
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns per-status task counts for the dispatch_tasks_total gauge.
type TaskCountFunc func() (pending, inProgress, completed, failed, cancelled int64)

// InitMetricsWithTaskCount creates instruments and optionally registers a callback for task gauges.
// Call after InitMeterProvider. If taskCount is nil, task gauges are not reported.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	tasksGauge, err := m.Float64ObservableGauge("dispatch_tasks_total", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pending, inProgress, completed, failed, cancelled := taskCount()
		for _, v := range []struct {
			status string
			n      int64
		}{
			{"pending", pending},
			{"in_progress", inProgress},
			{"completed", completed},
			{"failed", failed},
			{"cancelled", cancelled},
		} {
			o.ObserveFloat64(tasksGauge, float64(v.n), metric.WithAttributes(AttrStatus.String(v.status)))
		}
		return nil
	}, tasksGauge)
	return err
}
