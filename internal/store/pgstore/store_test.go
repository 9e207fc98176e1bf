//go:build integration

package pgstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
	"github.com/todo-1m/automation/internal/store/pgstore"
)

func setupStore(t *testing.T) *pgstore.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("taskengine_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := pgstore.New(pool)
	require.NoError(t, s.Migrate(ctx, zerolog.Nop()))
	return s
}

func TestStore_MarkProcessedTwiceRollsBack(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	rec := store.ProcessedEventRecord{EventID: "e1", HandlerName: "reminder-scheduler", ProcessedAt: now}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.MarkProcessed(ctx, rec)
	}))

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertReminder(ctx, store.ReminderSchedule{TaskID: "t1", OwnerID: "u1", DueAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, rec)
	})
	assert.ErrorIs(t, err, store.ErrAlreadyProcessed)

	_, err = s.GetReminder(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := s.IsProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ReminderLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	due := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	upsert := func(at time.Time) {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.UpsertReminder(ctx, store.ReminderSchedule{TaskID: "t1", OwnerID: "u1", DueAt: at, UpdatedAt: due})
		}))
	}
	upsert(due)

	fired, err := s.FireDueReminders(ctx, due.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, store.ReminderFired, fired[0].Status)

	// Same due time keeps it fired; a new due time re-arms it.
	upsert(due)
	r, err := s.GetReminder(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.ReminderFired, r.Status)

	upsert(due.Add(24 * time.Hour))
	r, err = s.GetReminder(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.ReminderPending, r.Status)
	assert.Nil(t, r.FiredAt)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CancelReminder(ctx, "t1", due)
	}))
	r, err = s.GetReminder(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.ReminderCancelled, r.Status)

	// A later event carrying a due date does not revive a cancelled schedule.
	upsert(due.Add(24 * time.Hour))
	upsert(due.Add(30 * time.Hour))
	r, err = s.GetReminder(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.ReminderCancelled, r.Status)

	fired, err = s.FireDueReminders(ctx, due.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestStore_TasksAndDeadLetters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	task := contracts.Task{
		ID: "t1", OwnerID: "u1", Title: "Water plants", Tags: []string{"home"},
		DueDate: &now, Recurrence: contracts.RecurrenceRule{IsRecurring: true, Interval: contracts.IntervalWeekly},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertTask(ctx, task))

	// InsertTask on an existing id leaves the row unchanged.
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		dup := task
		dup.Title = "other"
		return tx.InsertTask(ctx, dup)
	}))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Water plants", got.Title)
	assert.Equal(t, contracts.IntervalWeekly, got.Recurrence.Interval)

	tasks, err := s.ListTasksByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	require.NoError(t, s.InsertDeadLetter(ctx, store.DeadLetter{ID: "dl1", Payload: []byte("{bad"), Reason: "malformed", RecordedAt: now}))
	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, []byte("{bad"), letters[0].Payload)

	n, err := s.PurgeProcessed(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
