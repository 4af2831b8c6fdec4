package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/milla-ai/dispatch/internal/store"
)

const taskColumns = `task_id, supervisor, agent, action, payload, safety_level, require_approval, approved, reject_reason, status, result, error, created_at, updated_at`

const outboxColumns = `item_id, recipient, subject, body, attempts, next_attempt_at, sent, failed, error, created_at, updated_at`

func (s *Store) AddTask(ctx context.Context, t store.Task) (store.Task, error) {
	if t.TaskID == "" {
		return store.Task{}, errors.New("task id required")
	}
	if t.Agent == "" {
		return store.Task{}, errors.New("agent required")
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.SafetyLevel == "" {
		t.SafetyLevel = "low"
	}
	now := time.Now().UTC()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.TaskID, t.Supervisor, t.Agent, t.Action, string(t.Payload),
		t.SafetyLevel, t.RequireApproval, t.Approved, t.RejectReason,
		t.Status, string(t.Result), t.Error, now.Unix(), now.Unix())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.Task{}, fmt.Errorf("%w: %s", store.ErrDuplicateTask, t.TaskID)
		}
		return store.Task{}, err
	}
	t.CreatedAt = time.Unix(now.Unix(), 0).UTC()
	t.UpdatedAt = t.CreatedAt
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]store.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, task_id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask locks the row (SELECT ... FOR UPDATE) so concurrent
// read-modify-write callers serialize on the database.
func (s *Store) UpdateTask(ctx context.Context, id string, upd store.TaskUpdate) (*store.Task, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 FOR UPDATE`, id)
	cur, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	if cur.Status == "completed" || cur.Status == "cancelled" {
		return nil, fmt.Errorf("%w: task %s is %s", store.ErrTaskTerminal, id, cur.Status)
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

	_, err = tx.Exec(ctx, `UPDATE tasks SET status=$1, result=$2, error=$3, approved=$4, reject_reason=$5, updated_at=$6 WHERE task_id=$7`,
		cur.Status, string(cur.Result), cur.Error, cur.Approved, cur.RejectReason, cur.UpdatedAt.Unix(), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *Store) AppendAuditEvent(ctx context.Context, ev store.AuditEvent) (int64, error) {
	if ev.TaskID == "" {
		return 0, errors.New("audit event task id required")
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO audit_events(task_id, agent, action, event_type, detail, created_at) VALUES($1, $2, $3, $4, $5, $6) RETURNING event_id`,
		ev.TaskID, ev.Agent, ev.Action, ev.EventType, ev.Detail, createdAt.Unix()).Scan(&id)
	return id, err
}

func (s *Store) ListAuditEvents(ctx context.Context, taskID string) ([]store.AuditEvent, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT event_id, task_id, agent, action, event_type, detail, created_at FROM audit_events WHERE task_id = $1 ORDER BY event_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuditEvent
	for rows.Next() {
		var (
			ev        store.AuditEvent
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

func (s *Store) EnqueueOutbox(ctx context.Context, item store.OutboxItem) (int64, error) {
	if item.To == "" {
		return 0, errors.New("outbox recipient required")
	}
	now := time.Now().UTC()
	next := item.NextAttemptAt
	if next.IsZero() {
		next = now
	}
	var id int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO outbox(recipient, subject, body, attempts, next_attempt_at, sent, failed, error, created_at, updated_at) VALUES($1, $2, $3, 0, $4, FALSE, FALSE, '', $5, $6) RETURNING item_id`,
		item.To, item.Subject, item.Body, next.Unix(), now.Unix(), now.Unix()).Scan(&id)
	return id, err
}

func (s *Store) GetOutboxItem(ctx context.Context, id int64) (*store.OutboxItem, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE item_id = $1`, id)
	item, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: outbox item %d", store.ErrNotFound, id)
		}
		return nil, err
	}
	return item, nil
}

func (s *Store) ListOutbox(ctx context.Context) ([]store.OutboxItem, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY item_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]store.OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE sent = FALSE AND failed = FALSE AND next_attempt_at <= $1 ORDER BY next_attempt_at ASC LIMIT $2`,
		now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.execOutbox(ctx, id,
		`UPDATE outbox SET sent=TRUE, attempts=attempts+1, error='', updated_at=$1 WHERE item_id=$2`,
		time.Now().UTC().Unix(), id)
}

func (s *Store) RecordOutboxFailure(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, failed bool, errMsg string) error {
	return s.execOutbox(ctx, id,
		`UPDATE outbox SET attempts=$1, next_attempt_at=$2, failed=$3, error=$4, updated_at=$5 WHERE item_id=$6`,
		attempts, nextAttemptAt.Unix(), failed, errMsg, time.Now().UTC().Unix(), id)
}

func (s *Store) ResetOutboxItem(ctx context.Context, id int64) error {
	now := time.Now().UTC().Unix()
	return s.execOutbox(ctx, id,
		`UPDATE outbox SET attempts=0, next_attempt_at=$1, sent=FALSE, failed=FALSE, error='', updated_at=$2 WHERE item_id=$3`,
		now, now, id)
}

func (s *Store) DeleteOutboxItem(ctx context.Context, id int64) error {
	return s.execOutbox(ctx, id, `DELETE FROM outbox WHERE item_id=$1`, id)
}

func (s *Store) execOutbox(ctx context.Context, id int64, q string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: outbox item %d", store.ErrNotFound, id)
	}
	return nil
}

func scanTask(row pgx.Row) (*store.Task, error) {
	var (
		t         store.Task
		payload   string
		result    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&t.TaskID, &t.Supervisor, &t.Agent, &t.Action, &payload,
		&t.SafetyLevel, &t.RequireApproval, &t.Approved, &t.RejectReason,
		&t.Status, &result, &t.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if payload != "" {
		t.Payload = json.RawMessage(payload)
	}
	if result != "" {
		t.Result = json.RawMessage(result)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanOutbox(row pgx.Row) (*store.OutboxItem, error) {
	var (
		item      store.OutboxItem
		next      int64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&item.ItemID, &item.To, &item.Subject, &item.Body, &item.Attempts,
		&next, &item.Sent, &item.Failed, &item.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item.NextAttemptAt = time.Unix(next, 0).UTC()
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &item, nil
}

func collectOutbox(rows pgx.Rows) ([]store.OutboxItem, error) {
	var out []store.OutboxItem
	for rows.Next() {
		item, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
