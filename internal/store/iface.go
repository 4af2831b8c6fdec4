package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all Store implementations.
var (
	// ErrNotFound indicates the requested task or outbox item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTask indicates AddTask was called with an existing task id.
	ErrDuplicateTask = errors.New("task id already exists")

	// ErrTaskTerminal indicates an update would mutate a completed or
	// cancelled task, which the data model forbids.
	ErrTaskTerminal = errors.New("task is in a terminal state")
)

// Store is the persistence interface for tasks, audit events, and outbox items.
// Implementations: the SQLite store in this package and *postgres.Store.
// All mutations to a given record are serialized by the implementation;
// UpdateTask applies its read-modify-write inside one transaction.
type Store interface {
	// Tasks
	AddTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, limit int) ([]Task, error)
	UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error)

	// Audit log: append-only, no update or delete.
	AppendAuditEvent(ctx context.Context, ev AuditEvent) (int64, error)
	ListAuditEvents(ctx context.Context, taskID string) ([]AuditEvent, error)

	// Outbox
	EnqueueOutbox(ctx context.Context, item OutboxItem) (int64, error)
	GetOutboxItem(ctx context.Context, id int64) (*OutboxItem, error)
	ListOutbox(ctx context.Context) ([]OutboxItem, error)
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxItem, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	RecordOutboxFailure(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, failed bool, errMsg string) error
	ResetOutboxItem(ctx context.Context, id int64) error
	DeleteOutboxItem(ctx context.Context, id int64) error

	// Lifecycle
	Close() error
}
