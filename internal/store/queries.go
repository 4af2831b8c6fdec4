package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *sqliteStore) AddTask(ctx context.Context, t Task) (Task, error) {
	if t.TaskID == "" {
		return Task{}, errors.New("task id required")
	}
	if t.Agent == "" {
		return Task{}, errors.New("agent required")
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.SafetyLevel == "" {
		t.SafetyLevel = "low"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.stmtAddTask.ExecContext(ctx,
		t.TaskID, t.Supervisor, t.Agent, t.Action, rawToString(t.Payload),
		t.SafetyLevel, boolToInt(t.RequireApproval), boolToInt(t.Approved), t.RejectReason,
		t.Status, rawToString(t.Result), t.Error, now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.TaskID)
		}
		return Task{}, err
	}
	t.CreatedAt = time.Unix(now.Unix(), 0).UTC()
	t.UpdatedAt = t.CreatedAt
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.stmtGetTask.QueryRowContext(ctx, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil, err
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, task_id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask merges the non-nil fields of upd into the stored task inside one
// transaction, so concurrent read-modify-write callers never interleave.
// Completed and cancelled tasks reject any further mutation.
// The write mutex keeps concurrent read-modify-write transactions from
// hitting SQLITE_BUSY_SNAPSHOT lock upgrades in WAL mode.
func (s *sqliteStore) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	cur, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil, err
	}
	if cur.Status == "completed" || cur.Status == "cancelled" {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskTerminal, id, cur.Status)
	}

	if upd.Status != nil {
		cur.Status = *upd.Status
	}
	if upd.Result != nil {
		cur.Result = *upd.Result
	}
	if upd.Error != nil {
		cur.Error = *upd.Error
	}
	if upd.Approved != nil {
		cur.Approved = *upd.Approved
	}
	if upd.RejectReason != nil {
		cur.RejectReason = *upd.RejectReason
	}
	cur.UpdatedAt = time.Unix(time.Now().UTC().Unix(), 0).UTC()

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, result=?, error=?, approved=?, reject_reason=?, updated_at=? WHERE task_id=?`,
		cur.Status, rawToString(cur.Result), cur.Error, boolToInt(cur.Approved), cur.RejectReason, cur.UpdatedAt.Unix(), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, ev AuditEvent) (int64, error) {
	if ev.TaskID == "" {
		return 0, errors.New("audit event task id required")
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.stmtAppendAudit.ExecContext(ctx, ev.TaskID, ev.Agent, ev.Action, ev.EventType, ev.Detail, createdAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListAuditEvents(ctx context.Context, taskID string) ([]AuditEvent, error) {
	rows, err := s.stmtListAudit.QueryContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev        AuditEvent
			createdAt int64
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.Agent, &ev.Action, &ev.EventType, &ev.Detail, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnqueueOutbox(ctx context.Context, item OutboxItem) (int64, error) {
	if item.To == "" {
		return 0, errors.New("outbox recipient required")
	}
	now := time.Now().UTC()
	next := item.NextAttemptAt
	if next.IsZero() {
		next = now
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO outbox(recipient, subject, body, attempts, next_attempt_at, sent, failed, error, created_at, updated_at) VALUES(?, ?, ?, 0, ?, 0, 0, '', ?, ?)`,
		item.To, item.Subject, item.Body, next.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetOutboxItem(ctx context.Context, id int64) (*OutboxItem, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE item_id = ?`, id)
	item, err := scanOutboxRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: outbox item %d", ErrNotFound, id)
		}
		return nil, err
	}
	return item, nil
}

func (s *sqliteStore) ListOutbox(ctx context.Context) ([]OutboxItem, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY item_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOutboxRows(rows)
}

func (s *sqliteStore) DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtDueOutbox.QueryContext(ctx, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOutboxRows(rows)
}

// MarkOutboxSent records a successful delivery. The delivery itself counts as
// an attempt, so the stored attempts reflect the total tries made.
func (s *sqliteStore) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.execOutboxUpdate(ctx, id,
		`UPDATE outbox SET sent=1, attempts=attempts+1, error='', updated_at=? WHERE item_id=?`,
		time.Now().UTC().Unix(), id)
}

func (s *sqliteStore) RecordOutboxFailure(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, failed bool, errMsg string) error {
	return s.execOutboxUpdate(ctx, id,
		`UPDATE outbox SET attempts=?, next_attempt_at=?, failed=?, error=?, updated_at=? WHERE item_id=?`,
		attempts, nextAttemptAt.Unix(), boolToInt(failed), errMsg, time.Now().UTC().Unix(), id)
}

// ResetOutboxItem re-admits an item to the eligible set: attempts back to 0,
// next attempt now, sent/failed/error cleared. Operator resend path.
func (s *sqliteStore) ResetOutboxItem(ctx context.Context, id int64) error {
	now := time.Now().UTC().Unix()
	return s.execOutboxUpdate(ctx, id,
		`UPDATE outbox SET attempts=0, next_attempt_at=?, sent=0, failed=0, error='', updated_at=? WHERE item_id=?`,
		now, now, id)
}

func (s *sqliteStore) DeleteOutboxItem(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM outbox WHERE item_id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: outbox item %d", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) execOutboxUpdate(ctx context.Context, id int64, q string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: outbox item %d", ErrNotFound, id)
	}
	return nil
}

// scanTaskRow scans the current row (task columns in taskColumns order).
func scanTaskRow(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		t               Task
		payload         string
		result          string
		requireApproval int
		approved        int
		createdAt       int64
		updatedAt       int64
	)
	if err := row.Scan(&t.TaskID, &t.Supervisor, &t.Agent, &t.Action, &payload,
		&t.SafetyLevel, &requireApproval, &approved, &t.RejectReason,
		&t.Status, &result, &t.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Payload = stringToRaw(payload)
	t.Result = stringToRaw(result)
	t.RequireApproval = requireApproval != 0
	t.Approved = approved != 0
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanOutboxRow(row interface{ Scan(dest ...any) error }) (*OutboxItem, error) {
	var (
		item      OutboxItem
		next      int64
		sent      int
		failed    int
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&item.ItemID, &item.To, &item.Subject, &item.Body, &item.Attempts,
		&next, &sent, &failed, &item.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item.NextAttemptAt = time.Unix(next, 0).UTC()
	item.Sent = sent != 0
	item.Failed = failed != 0
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &item, nil
}

func collectOutboxRows(rows *sql.Rows) ([]OutboxItem, error) {
	var out []OutboxItem
	for rows.Next() {
		item, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func rawToString(r json.RawMessage) string {
	return string(r)
}

func stringToRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_PRIMARYKEY in the message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
