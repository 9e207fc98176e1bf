// Package store defines the durable state the task-automation engine works against:
// the idempotency ledger, reminder schedules, dead letters, and the task rows it
// reads and derives. Backends live in pgstore and sqlitestore.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/todo-1m/automation/internal/contracts"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyProcessed is returned by Tx.MarkProcessed when the event id is already
	// in the ledger. The surrounding transaction must be rolled back.
	ErrAlreadyProcessed = errors.New("store: event already processed")

	// ErrTransient wraps backend failures that may succeed on retry.
	ErrTransient = errors.New("store: transient failure")
)

// Transient wraps err as a retryable storage failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// ReminderStatus is the lifecycle state of a ReminderSchedule.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderFired     ReminderStatus = "fired"
	ReminderCancelled ReminderStatus = "cancelled"
)

// ReminderSchedule is keyed by task id; there is at most one per task.
type ReminderSchedule struct {
	TaskID    string         `json:"task_id"`
	OwnerID   string         `json:"owner_id"`
	DueAt     time.Time      `json:"due_at"`
	Status    ReminderStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	FiredAt   *time.Time     `json:"fired_at,omitempty"`
}

// ProcessedEventRecord is one row of the idempotency ledger.
type ProcessedEventRecord struct {
	EventID     string    `json:"event_id"`
	HandlerName string    `json:"handler_name"`
	ProcessedAt time.Time `json:"processed_at"`
}

// DeadLetter is an event removed from the retry path, kept for manual review.
// EventID and the other envelope fields are empty when the input could not be decoded.
type DeadLetter struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OwnerID    string    `json:"owner_id"`
	TaskID     string    `json:"task_id"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Tx is the unit of work handed to event handlers. Everything done through it,
// including the ledger mark, commits or rolls back together.
type Tx interface {
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
	// InsertTask creates a task row; an existing row with the same id is left unchanged.
	InsertTask(ctx context.Context, task contracts.Task) error
	// UpsertReminder replaces the schedule for the task. A fired schedule whose due
	// time is unchanged stays fired, and a cancelled schedule stays cancelled.
	UpsertReminder(ctx context.Context, reminder ReminderSchedule) error
	// CancelReminder moves a pending schedule to cancelled. Missing or non-pending
	// schedules are left alone.
	CancelReminder(ctx context.Context, taskID string, at time.Time) error
	MarkProcessed(ctx context.Context, record ProcessedEventRecord) error
}

// Store is implemented by every backend.
type Store interface {
	// WithinTx runs fn in a transaction, committing when it returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	IsProcessed(ctx context.Context, eventID string) (bool, error)
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)

	// FireDueReminders atomically flips pending schedules due at or before now to fired
	// and returns them.
	FireDueReminders(ctx context.Context, now time.Time) ([]ReminderSchedule, error)
	GetReminder(ctx context.Context, taskID string) (ReminderSchedule, error)

	InsertDeadLetter(ctx context.Context, letter DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
	// UpsertTask writes a task row the way the CRUD layer would.
	UpsertTask(ctx context.Context, task contracts.Task) error
	ListTasksByOwner(ctx context.Context, ownerID string) ([]contracts.Task, error)

	Ping(ctx context.Context) error
	Close() error
}
