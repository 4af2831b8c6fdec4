package models

// Task statuses used throughout the codebase.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminalStatus reports whether no further status change is permitted.
// A failed task may still be re-run manually (after approval, for instance),
// so failed is not terminal here.
func IsTerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Audit event types.
const (
	EventCreated   = "created"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Safety levels carried in task metadata. Informational classification only;
// enforcement happens through the approval gate.
const (
	SafetyLow  = "low"
	SafetyHigh = "high"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultOutboxBatchLimit    = 100
	DefaultSSEChannelBuffer    = 256
)
