// Package store defines the persistence interface and shared models for
// tasks, audit events, and outbox items.
package store

import (
	"encoding/json"
	"time"
)

// Task is the unit of work handed off by a supervisor to an agent handler.
// Payload is opaque to the core; only the handler validates it.
type Task struct {
	TaskID          string
	Supervisor      string
	Agent           string
	Action          string
	Payload         json.RawMessage
	SafetyLevel     string // "low" or "high"; informational classification
	RequireApproval bool
	Approved        bool // set only via the explicit approval operation
	RejectReason    string
	Status          string
	Result          json.RawMessage // present only when status = completed
	Error           string          // present only when status = failed
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskUpdate is a partial update; nil fields are left unchanged.
// The store refreshes UpdatedAt on every applied update.
type TaskUpdate struct {
	Status       *string
	Result       *json.RawMessage
	Error        *string
	Approved     *bool
	RejectReason *string
}

// AuditEvent is one append-only lifecycle record. EventID is assigned by the
// store in append order and is the per-task total order.
type AuditEvent struct {
	EventID   int64
	TaskID    string
	Agent     string
	Action    string
	EventType string
	Detail    string
	CreatedAt time.Time
}

// OutboxItem is a durable record for one pending external delivery.
// An item is eligible for delivery when !Sent && !Failed && now >= NextAttemptAt.
type OutboxItem struct {
	ItemID        int64
	To            string
	Subject       string
	Body          string
	Attempts      int
	NextAttemptAt time.Time
	Sent          bool
	Failed        bool // terminal; retry budget exhausted
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
