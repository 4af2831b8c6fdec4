// Package models provides shared types for the Dispatch HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import (
	"encoding/json"
	"time"
)

// Task is one unit of requested work routed through the orchestration core.
type Task struct {
	TaskID          string          `json:"task_id"`
	Supervisor      string          `json:"supervisor,omitempty"`
	Agent           string          `json:"agent"`
	Action          string          `json:"action"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SafetyLevel     string          `json:"safety_level,omitempty"`
	RequireApproval bool            `json:"require_user_approval,omitempty"`
	Approved        bool            `json:"approved,omitempty"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// AuditEvent is one immutable lifecycle record for a task.
type AuditEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent,omitempty"`
	Action    string    `json:"action,omitempty"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// OutboxItem is one pending (or settled) external delivery.
type OutboxItem struct {
	ItemID        int64     `json:"item_id"`
	To            string    `json:"to"`
	Subject       string    `json:"subject,omitempty"`
	Body          string    `json:"body,omitempty"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	Sent          bool      `json:"sent"`
	Failed        bool      `json:"failed"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// OutboxMetrics is the read-only delivery counter snapshot.
type OutboxMetrics struct {
	Attempted int64 `json:"attempted"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// AgentInfo is one registered capability for introspection.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateTaskRequest is the POST /tasks body.
type CreateTaskRequest struct {
	Supervisor      string          `json:"supervisor,omitempty"`
	Agent           string          `json:"agent"`
	Action          string          `json:"action"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SafetyLevel     string          `json:"safety_level,omitempty"`
	RequireApproval bool            `json:"require_user_approval,omitempty"`
	Run             bool            `json:"run,omitempty"`
}
