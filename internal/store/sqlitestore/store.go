// Package sqlitestore is the embedded SQLite backend of store.Store, used for
// single-node deployments and tests.
//
// Timestamps are stored as fixed-width UTC text so that string comparison orders
// them correctly. The pool is limited to one connection; handlers must only use
// the Tx they are given while a transaction is open.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  priority TEXT NOT NULL DEFAULT '',
  tags TEXT NOT NULL DEFAULT '[]',
  completed INTEGER NOT NULL DEFAULT 0,
  due_date TEXT,
  is_recurring INTEGER NOT NULL DEFAULT 0,
  recurrence_interval TEXT NOT NULL DEFAULT '',
  completed_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  CONSTRAINT tasks_recurrence_chk CHECK (
    (is_recurring = 1 AND recurrence_interval IN ('daily','weekly','monthly'))
    OR (is_recurring = 0 AND recurrence_interval = '')
  )
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);
CREATE TABLE IF NOT EXISTS processed_events (
  event_id TEXT PRIMARY KEY,
  handler_name TEXT NOT NULL,
  processed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at);
CREATE TABLE IF NOT EXISTS reminder_schedules (
  task_id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  due_at TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','fired','cancelled')),
  updated_at TEXT NOT NULL,
  fired_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_reminder_schedules_due ON reminder_schedules(status, due_at);
CREATE TABLE IF NOT EXISTS dead_letters (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL DEFAULT '',
  event_type TEXT NOT NULL DEFAULT '',
  owner_id TEXT NOT NULL DEFAULT '',
  task_id TEXT NOT NULL DEFAULT '',
  payload BLOB NOT NULL,
  reason TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_recorded ON dead_letters(recorded_at);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens the database at dsn and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

type Store struct{ db *sql.DB }

var _ store.Store = (*Store)(nil)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Transient(err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Transient(err)
	}
	return nil
}

func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var marker int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, store.Transient(err)
	}
	return true, nil
}

func (s *Store) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, formatTime(before))
	if err != nil {
		return 0, store.Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Transient(err)
	}
	return n, nil
}

func (s *Store) FireDueReminders(ctx context.Context, now time.Time) ([]store.ReminderSchedule, error) {
	at := formatTime(now)
	rows, err := s.db.QueryContext(ctx, `
UPDATE reminder_schedules
SET status = 'fired', fired_at = ?, updated_at = ?
WHERE status = 'pending' AND due_at <= ?
RETURNING task_id, owner_id, due_at, status, updated_at, fired_at`, at, at, at)
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
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, owner_id, due_at, status, updated_at, fired_at
FROM reminder_schedules WHERE task_id = ?`, taskID)
	r, err := scanReminder(row)
	if err != nil {
		return store.ReminderSchedule{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) InsertDeadLetter(ctx context.Context, l store.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters (id, event_id, event_type, owner_id, task_id, payload, reason, attempts, recorded_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		l.ID, l.EventID, l.EventType, l.OwnerID, l.TaskID, l.Payload, l.Reason, l.Attempts, formatTime(l.RecordedAt))
	if err != nil {
		return store.Transient(err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_id, event_type, owner_id, task_id, payload, reason, attempts, recorded_at
FROM dead_letters ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, store.Transient(err)
	}
	defer rows.Close()

	letters := make([]store.DeadLetter, 0, limit)
	for rows.Next() {
		var l store.DeadLetter
		var recordedAt string
		if err := rows.Scan(&l.ID, &l.EventID, &l.EventType, &l.OwnerID, &l.TaskID, &l.Payload, &l.Reason, &l.Attempts, &recordedAt); err != nil {
			return nil, store.Transient(err)
		}
		if l.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Transient(err)
	}
	return letters, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	return getTask(ctx, s.db, taskID)
}

func (s *Store) UpsertTask(ctx context.Context, task contracts.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
  owner_id = excluded.owner_id,
  title = excluded.title,
  description = excluded.description,
  priority = excluded.priority,
  tags = excluded.tags,
  completed = excluded.completed,
  due_date = excluded.due_date,
  is_recurring = excluded.is_recurring,
  recurrence_interval = excluded.recurrence_interval,
  completed_at = excluded.completed_at,
  updated_at = excluded.updated_at`, args...)
	if err != nil {
		return store.Transient(err)
	}
	return nil
}

func (s *Store) ListTasksByOwner(ctx context.Context, ownerID string) ([]contracts.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at, task_id`, ownerID)
	if err != nil {
		return nil, store.Transient(err)
	}
	defer rows.Close()

	var tasks []contracts.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Transient(err)
	}
	return tasks, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type sqliteTx struct{ q execer }

func (t *sqliteTx) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	return getTask(ctx, t.q, taskID)
}

func (t *sqliteTx) InsertTask(ctx context.Context, task contracts.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO NOTHING`, args...)
	if err != nil {
		return store.Transient(err)
	}
	return nil
}

func (t *sqliteTx) UpsertReminder(ctx context.Context, r store.ReminderSchedule) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO reminder_schedules (task_id, owner_id, due_at, status, updated_at)
VALUES (?, ?, ?, 'pending', ?)
ON CONFLICT(task_id) DO UPDATE SET
  owner_id = excluded.owner_id,
  due_at = excluded.due_at,
  status = 'pending',
  fired_at = NULL,
  updated_at = excluded.updated_at
WHERE reminder_schedules.status <> 'cancelled'
  AND NOT (reminder_schedules.status = 'fired' AND reminder_schedules.due_at = excluded.due_at)`,
		r.TaskID, r.OwnerID, formatTime(r.DueAt), formatTime(r.UpdatedAt))
	if err != nil {
		return store.Transient(err)
	}
	return nil
}

func (t *sqliteTx) CancelReminder(ctx context.Context, taskID string, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
UPDATE reminder_schedules SET status = 'cancelled', updated_at = ?
WHERE task_id = ? AND status = 'pending'`, formatTime(at), taskID)
	if err != nil {
		return store.Transient(err)
	}
	return nil
}

func (t *sqliteTx) MarkProcessed(ctx context.Context, rec store.ProcessedEventRecord) error {
	res, err := t.q.ExecContext(ctx, `
INSERT INTO processed_events (event_id, handler_name, processed_at)
VALUES (?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`, rec.EventID, rec.HandlerName, formatTime(rec.ProcessedAt))
	if err != nil {
		return store.Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Transient(err)
	}
	if n == 0 {
		return store.ErrAlreadyProcessed
	}
	return nil
}

const taskColumns = `task_id, owner_id, title, description, priority, tags, completed, due_date,
  is_recurring, recurrence_interval, completed_at, created_at, updated_at`

func getTask(ctx context.Context, q execer, taskID string) (contracts.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return contracts.Task{}, mapErr(err)
	}
	return t, nil
}

func taskArgs(t contracts.Task) ([]any, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return []any{
		t.ID, t.OwnerID, t.Title, t.Description, t.Priority, string(encodedTags), t.Completed, formatTimePtr(t.DueDate),
		t.Recurrence.IsRecurring, string(t.Recurrence.Interval), formatTimePtr(t.CompletedAt),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	}, nil
}

func scanTask(row scanner) (contracts.Task, error) {
	var (
		t                    contracts.Task
		tags, interval       string
		due, completedAt     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.Priority, &tags, &t.Completed, &due,
		&t.Recurrence.IsRecurring, &interval, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return contracts.Task{}, err
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return contracts.Task{}, fmt.Errorf("decode tags for task %s: %w", t.ID, err)
	}
	t.Recurrence.Interval = contracts.Interval(interval)
	if t.DueDate, err = parseNullTime(due); err != nil {
		return contracts.Task{}, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return contracts.Task{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return contracts.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return contracts.Task{}, err
	}
	return t, nil
}

func scanReminder(row scanner) (store.ReminderSchedule, error) {
	var (
		r                    store.ReminderSchedule
		status, due, updated string
		firedAt              sql.NullString
	)
	if err := row.Scan(&r.TaskID, &r.OwnerID, &due, &status, &updated, &firedAt); err != nil {
		return store.ReminderSchedule{}, err
	}
	r.Status = store.ReminderStatus(status)
	var err error
	if r.DueAt, err = parseTime(due); err != nil {
		return store.ReminderSchedule{}, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return store.ReminderSchedule{}, err
	}
	if r.FiredAt, err = parseNullTime(firedAt); err != nil {
		return store.ReminderSchedule{}, err
	}
	return r, nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Transient(err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
