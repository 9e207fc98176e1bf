package recurrence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/automation/internal/app/deadletter"
	"github.com/todo-1m/automation/internal/app/dispatcher"
	"github.com/todo-1m/automation/internal/app/idempotency"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
	"github.com/todo-1m/automation/internal/store/sqlitestore"
)

var completedAt = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

type capturePublisher struct {
	events []contracts.DomainEvent
}

func (c *capturePublisher) Publish(_ context.Context, event contracts.DomainEvent) error {
	c.events = append(c.events, event)
	return nil
}

type fixture struct {
	store *sqlitestore.Store
	gen   *Generator
	disp  *dispatcher.Dispatcher
	pub   *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gen := NewGenerator(zerolog.Nop())
	gen.Now = func() time.Time { return completedAt }
	pub := &capturePublisher{}
	d := dispatcher.New(s, idempotency.New(s, 0), dispatcher.Routes{TaskCompleted: gen},
		deadletter.NewSink(s, zerolog.Nop()), pub, zerolog.Nop(), nil)
	return &fixture{store: s, gen: gen, disp: d, pub: pub}
}

func completedEvent(t *testing.T, id string, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := contracts.Encode(contracts.DomainEvent{
		EventID: id, EventType: contracts.TaskCompleted, OwnerID: "u1", TaskID: "t1",
		OccurredAt: completedAt, Source: contracts.SourceAPI, Payload: raw,
	})
	require.NoError(t, err)
	return data
}

func TestGenerator_WeeklyScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.UpsertTask(ctx, contracts.Task{
		ID: "t1", OwnerID: "u1", Title: "Water plants", Tags: []string{"home"}, Completed: true,
		DueDate: &due, Recurrence: contracts.RecurrenceRule{IsRecurring: true, Interval: contracts.IntervalWeekly},
		CreatedAt: due, UpdatedAt: completedAt,
	}))

	data := completedEvent(t, "evt-complete-1", map[string]any{
		"completed": true, "is_recurring": true, "interval": "weekly", "due_date": "2025-01-01",
	})
	outcome := f.disp.Handle(ctx, dispatcher.Delivery{Data: data, Attempt: 1})
	require.Equal(t, dispatcher.Ack, outcome)

	tasks, err := f.store.ListTasksByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	next := tasks[1]
	assert.NotEqual(t, "t1", next.ID)
	assert.False(t, next.Completed)
	require.NotNil(t, next.DueDate)
	assert.Equal(t, "2025-01-08", next.DueDate.Format("2006-01-02"))
	assert.Equal(t, "Water plants", next.Title)
	assert.Equal(t, []string{"home"}, next.Tags)
	assert.Equal(t, contracts.RecurrenceRule{IsRecurring: true, Interval: contracts.IntervalWeekly}, next.Recurrence)

	ok, err := f.store.IsProcessed(ctx, "evt-complete-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.pub.events, 1)
	created := f.pub.events[0]
	assert.Equal(t, contracts.TaskCreated, created.EventType)
	assert.Equal(t, next.ID, created.TaskID)
	p, err := created.TaskPayload()
	require.NoError(t, err)
	require.True(t, p.DueDate.Present())
	assert.True(t, p.DueDate.Time.Equal(*next.DueDate))

	// Redelivery creates nothing new.
	assert.Equal(t, dispatcher.Ack, f.disp.Handle(ctx, dispatcher.Delivery{Data: data, Attempt: 2}))
	tasks, err = f.store.ListTasksByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Len(t, f.pub.events, 1)
}

func TestGenerator_FallsBackToPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := completedEvent(t, "evt-2", map[string]any{
		"title": "Pay rent", "completed": true, "is_recurring": true, "interval": "monthly", "due_date": "2025-01-31",
	})
	require.Equal(t, dispatcher.Ack, f.disp.Handle(ctx, dispatcher.Delivery{Data: data, Attempt: 1}))

	tasks, err := f.store.ListTasksByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Pay rent", tasks[0].Title)
	assert.Equal(t, "2025-02-28", tasks[0].DueDate.Format("2006-01-02"))
}

func TestGenerator_NoDueDateUsesCompletionTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := completedEvent(t, "evt-3", map[string]any{"is_recurring": true, "interval": "daily"})
	require.Equal(t, dispatcher.Ack, f.disp.Handle(ctx, dispatcher.Delivery{Data: data, Attempt: 1}))

	tasks, err := f.store.ListTasksByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].DueDate.Equal(completedAt.AddDate(0, 0, 1)))
}

func TestGenerator_NonRecurringIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := completedEvent(t, "evt-4", map[string]any{"completed": true})
	require.Equal(t, dispatcher.Ack, f.disp.Handle(ctx, dispatcher.Delivery{Data: data, Attempt: 1}))

	tasks, err := f.store.ListTasksByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, f.pub.events)

	ok, err := f.store.IsProcessed(ctx, "evt-4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerator_OwnOutputDoesNotRetrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.disp.Routes.TaskCreated = f.gen

	data := completedEvent(t, "evt-5", map[string]any{"is_recurring": true, "interval": "weekly", "due_date": "2025-01-01"})
	require.Equal(t, dispatcher.Ack, f.disp.Handle(ctx, dispatcher.Delivery{Data: data, Attempt: 1}))
	require.Len(t, f.pub.events, 1)

	created := f.pub.events[0]
	created.Source = contracts.SourceHandler
	encoded, err := contracts.Encode(created)
	require.NoError(t, err)
	require.Equal(t, dispatcher.Ack, f.disp.Handle(ctx, dispatcher.Delivery{Data: encoded, Attempt: 1}))

	assert.Len(t, f.pub.events, 1)
	ok, err := f.store.IsProcessed(ctx, created.EventID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerator_InvalidStoredRuleIsPermanent(t *testing.T) {
	gen := NewGenerator(zerolog.Nop())
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := gen.Handle(ctx, tx, contracts.DomainEvent{
			EventID: "e", EventType: contracts.TaskCompleted, OwnerID: "u1", TaskID: "t1",
			OccurredAt: completedAt, Source: contracts.SourceAPI, Payload: []byte(`{"is_recurring":true,"interval":"yearly"}`),
		})
		return err
	})
	assert.ErrorIs(t, err, contracts.ErrInvalidPayload)
}
