// Package pgstore is the PostgreSQL backend of store.Store.
package pgstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
)

const taskColumns = `task_id, owner_id, title, description, priority, tags, completed, due_date,
       is_recurring, recurrence_interval, completed_at, created_at, updated_at`

const selectTaskSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`

const selectOwnerTasksSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = $1 ORDER BY created_at, task_id`

const insertTaskSQL = `
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (task_id) DO NOTHING
`

const upsertTaskSQL = `
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (task_id) DO UPDATE
SET owner_id = EXCLUDED.owner_id,
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    priority = EXCLUDED.priority,
    tags = EXCLUDED.tags,
    completed = EXCLUDED.completed,
    due_date = EXCLUDED.due_date,
    is_recurring = EXCLUDED.is_recurring,
    recurrence_interval = EXCLUDED.recurrence_interval,
    completed_at = EXCLUDED.completed_at,
    updated_at = EXCLUDED.updated_at
`

const upsertReminderSQL = `
INSERT INTO reminder_schedules (task_id, owner_id, due_at, status, updated_at)
VALUES ($1, $2, $3, 'pending', $4)
ON CONFLICT (task_id) DO UPDATE
SET owner_id = EXCLUDED.owner_id,
    due_at = EXCLUDED.due_at,
    status = 'pending',
    fired_at = NULL,
    updated_at = EXCLUDED.updated_at
WHERE reminder_schedules.status <> 'cancelled'
  AND NOT (reminder_schedules.status = 'fired' AND reminder_schedules.due_at = EXCLUDED.due_at)
`

const cancelReminderSQL = `
UPDATE reminder_schedules
SET status = 'cancelled', updated_at = $2
WHERE task_id = $1 AND status = 'pending'
`

const fireDueRemindersSQL = `
UPDATE reminder_schedules
SET status = 'fired', fired_at = $1, updated_at = $1
WHERE status = 'pending' AND due_at <= $1
RETURNING task_id, owner_id, due_at, status, updated_at, fired_at
`

const selectReminderSQL = `
SELECT task_id, owner_id, due_at, status, updated_at, fired_at
FROM reminder_schedules
WHERE task_id = $1
`

const markProcessedSQL = `
INSERT INTO processed_events (event_id, handler_name, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO NOTHING
`

const insertDeadLetterSQL = `
INSERT INTO dead_letters (id, event_id, event_type, owner_id, task_id, payload, reason, attempts, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`

const listDeadLettersSQL = `
SELECT id, event_id, event_type, owner_id, task_id, payload, reason, attempts, recorded_at
FROM dead_letters
ORDER BY recorded_at DESC
LIMIT $1
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

var _ store.Store = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Transient(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Transient(err)
	}
	return nil
}

func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var marker int
	err := s.Pool.QueryRow(ctx, `SELECT 1 FROM processed_events WHERE event_id = $1`, eventID).Scan(&marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, store.Transient(err)
	}
	return true, nil
}

func (s *Store) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before.UTC())
	if err != nil {
		return 0, store.Transient(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FireDueReminders(ctx context.Context, now time.Time) ([]store.ReminderSchedule, error) {
	rows, err := s.Pool.Query(ctx, fireDueRemindersSQL, now.UTC())
	if err != nil {
		return nil, store.Transient(err)
	}
	defer rows.Close()

	var fired []store.ReminderSchedule
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, store.Transient(err)
		}
		fired = append(fired, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Transient(err)
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].DueAt.Before(fired[j].DueAt) })
	return fired, nil
}

func (s *Store) GetReminder(ctx context.Context, taskID string) (store.ReminderSchedule, error) {
	r, err := scanReminder(s.Pool.QueryRow(ctx, selectReminderSQL, taskID))
	if err != nil {
		return store.ReminderSchedule{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) InsertDeadLetter(ctx context.Context, l store.DeadLetter) error {
	_, err := s.Pool.Exec(ctx, insertDeadLetterSQL,
		l.ID, l.EventID, l.EventType, l.OwnerID, l.TaskID, l.Payload, l.Reason, l.Attempts, l.RecordedAt.UTC(),
	)
	if err != nil {
		return store.Transient(err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	rows, err := s.Pool.Query(ctx, listDeadLettersSQL, limit)
	if err != nil {
		return nil, store.Transient(err)
	}
	defer rows.Close()

	letters := make([]store.DeadLetter, 0, limit)
	for rows.Next() {
		var l store.DeadLetter
		if err := rows.Scan(&l.ID, &l.EventID, &l.EventType, &l.OwnerID, &l.TaskID, &l.Payload, &l.Reason, &l.Attempts, &l.RecordedAt); err != nil {
			return nil, store.Transient(err)
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Transient(err)
	}
	return letters, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	return getTask(ctx, s.Pool, taskID)
}

func (s *Store) UpsertTask(ctx context.Context, task contracts.Task) error {
	if _, err := s.Pool.Exec(ctx, upsertTaskSQL, taskArgs(task)...); err != nil {
		return store.Transient(err)
	}
	return nil
}

func (s *Store) ListTasksByOwner(ctx context.Context, ownerID string) ([]contracts.Task, error) {
	rows, err := s.Pool.Query(ctx, selectOwnerTasksSQL, ownerID)
	if err != nil {
		return nil, store.Transient(err)
	}
	defer rows.Close()

	var tasks []contracts.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, store.Transient(err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Transient(err)
	}
	return tasks, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	return getTask(ctx, t.q, taskID)
}

func (t *pgTx) InsertTask(ctx context.Context, task contracts.Task) error {
	if _, err := t.q.Exec(ctx, insertTaskSQL, taskArgs(task)...); err != nil {
		return store.Transient(err)
	}
	return nil
}

func (t *pgTx) UpsertReminder(ctx context.Context, r store.ReminderSchedule) error {
	if _, err := t.q.Exec(ctx, upsertReminderSQL, r.TaskID, r.OwnerID, r.DueAt.UTC(), r.UpdatedAt.UTC()); err != nil {
		return store.Transient(err)
	}
	return nil
}

func (t *pgTx) CancelReminder(ctx context.Context, taskID string, at time.Time) error {
	if _, err := t.q.Exec(ctx, cancelReminderSQL, taskID, at.UTC()); err != nil {
		return store.Transient(err)
	}
	return nil
}

func (t *pgTx) MarkProcessed(ctx context.Context, rec store.ProcessedEventRecord) error {
	tag, err := t.q.Exec(ctx, markProcessedSQL, rec.EventID, rec.HandlerName, rec.ProcessedAt.UTC())
	if err != nil {
		return store.Transient(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyProcessed
	}
	return nil
}

func getTask(ctx context.Context, q querier, taskID string) (contracts.Task, error) {
	t, err := scanTask(q.QueryRow(ctx, selectTaskSQL, taskID))
	if err != nil {
		return contracts.Task{}, mapErr(err)
	}
	return t, nil
}

func taskArgs(t contracts.Task) []any {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		t.ID, t.OwnerID, t.Title, t.Description, t.Priority, tags, t.Completed, utcPtr(t.DueDate),
		t.Recurrence.IsRecurring, string(t.Recurrence.Interval), utcPtr(t.CompletedAt), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	}
}

func scanTask(row pgx.Row) (contracts.Task, error) {
	var t contracts.Task
	var interval string
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Title,
		&t.Description,
		&t.Priority,
		&t.Tags,
		&t.Completed,
		&t.DueDate,
		&t.Recurrence.IsRecurring,
		&interval,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return contracts.Task{}, err
	}
	t.Recurrence.Interval = contracts.Interval(interval)
	return t, nil
}

func scanReminder(row pgx.Row) (store.ReminderSchedule, error) {
	var r store.ReminderSchedule
	var status string
	if err := row.Scan(&r.TaskID, &r.OwnerID, &r.DueAt, &status, &r.UpdatedAt, &r.FiredAt); err != nil {
		return store.ReminderSchedule{}, err
	}
	r.Status = store.ReminderStatus(status)
	return r, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Transient(err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
