package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/automation/internal/app/deadletter"
	"github.com/todo-1m/automation/internal/app/idempotency"
	"github.com/todo-1m/automation/internal/app/publisher"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/platform/metrics"
	"github.com/todo-1m/automation/internal/store"
	"github.com/todo-1m/automation/internal/store/sqlitestore"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeHandler struct {
	name  string
	emits []contracts.EventType
	fn    func(ctx context.Context, tx store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error)
	calls atomic.Int32
}

func (h *fakeHandler) Name() string                 { return h.name }
func (h *fakeHandler) Emits() []contracts.EventType { return h.emits }

func (h *fakeHandler) Handle(ctx context.Context, tx store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error) {
	h.calls.Add(1)
	if h.fn == nil {
		return nil, nil
	}
	return h.fn(ctx, tx, event)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []contracts.DomainEvent
	origin []bool
}

func (p *recordingPublisher) Publish(ctx context.Context, event contracts.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.origin = append(p.origin, publisher.HandlerOrigin(ctx))
	return nil
}

type harness struct {
	d       *Dispatcher
	store   *sqlitestore.Store
	pub     *recordingPublisher
	metrics *metrics.Engine
}

func newHarness(t *testing.T, routes Routes) *harness {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m := metrics.NewEngine(metrics.NewRegistry())
	pub := &recordingPublisher{}
	d := New(s, idempotency.New(s, 0), routes, deadletter.NewSink(s, zerolog.Nop()), pub, zerolog.Nop(), m)
	d.MaxAttempts = 3
	return &harness{d: d, store: s, pub: pub, metrics: m}
}

func encode(t *testing.T, event contracts.DomainEvent) []byte {
	t.Helper()
	data, err := contracts.Encode(event)
	require.NoError(t, err)
	return data
}

func event(id string, eventType contracts.EventType, source contracts.Source) contracts.DomainEvent {
	return contracts.DomainEvent{
		EventID: id, EventType: eventType, OwnerID: "u1", TaskID: "t1",
		OccurredAt: t0, Source: source, Payload: json.RawMessage(`{}`),
	}
}

func (h *harness) deliver(t *testing.T, ev contracts.DomainEvent, attempt int) Outcome {
	t.Helper()
	return h.d.Handle(context.Background(), Delivery{Data: encode(t, ev), Attempt: attempt, Topic: contracts.TopicFor(ev.EventType)})
}

func (h *harness) deadLetters(t *testing.T) []store.DeadLetter {
	t.Helper()
	letters, err := h.store.ListDeadLetters(context.Background(), 100)
	require.NoError(t, err)
	return letters
}

func TestHandle_MalformedIsDeadLetteredWithoutHandlerCall(t *testing.T) {
	handler := &fakeHandler{name: "reminder-scheduler"}
	h := newHarness(t, Routes{TaskCreated: handler})

	raw := []byte(`{"event_type":"task.created","owner_id":"u1","task_id":"t1","occurred_at":"2025-01-01T00:00:00Z","source":"api"}`)
	outcome := h.d.Handle(context.Background(), Delivery{Data: raw, Attempt: 1})

	assert.Equal(t, DeadLettered, outcome)
	assert.True(t, outcome.Acknowledge())
	assert.Zero(t, handler.calls.Load())
	letters := h.deadLetters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, raw, letters[0].Payload)
	assert.Contains(t, letters[0].Reason, "event_id")
	assert.Equal(t, 1.0, h.metrics.DeadLetterCount("malformed"))
}

func TestHandle_HandlerOriginatedEventDoesNotLoop(t *testing.T) {
	generator := &fakeHandler{name: "recurring-task-generator", emits: []contracts.EventType{contracts.TaskCreated}}
	h := newHarness(t, Routes{TaskCreated: generator})

	assert.Equal(t, Ack, h.deliver(t, event("e1", contracts.TaskCreated, contracts.SourceHandler), 1))
	assert.Zero(t, generator.calls.Load())

	ok, err := h.store.IsProcessed(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, Ack, h.deliver(t, event("e2", contracts.TaskCreated, contracts.SourceAPI), 1))
	assert.EqualValues(t, 1, generator.calls.Load())
}

func TestHandle_HandlerOriginatedEventReachesOtherHandlers(t *testing.T) {
	scheduler := &fakeHandler{name: "reminder-scheduler"}
	h := newHarness(t, Routes{TaskCreated: scheduler})

	assert.Equal(t, Ack, h.deliver(t, event("e1", contracts.TaskCreated, contracts.SourceHandler), 1))
	assert.EqualValues(t, 1, scheduler.calls.Load())
}

func TestHandle_RedeliveryIsNoop(t *testing.T) {
	handler := &fakeHandler{name: "reminder-scheduler"}
	h := newHarness(t, Routes{TaskUpdated: handler})
	ev := event("e1", contracts.TaskUpdated, contracts.SourceAPI)

	assert.Equal(t, Ack, h.deliver(t, ev, 1))
	assert.Equal(t, Ack, h.deliver(t, ev, 2))
	assert.EqualValues(t, 1, handler.calls.Load())
}

func TestHandle_UnknownEventTypeAcknowledged(t *testing.T) {
	h := newHarness(t, Routes{})

	assert.Equal(t, Ack, h.deliver(t, event("e1", contracts.EventType("task.archived"), contracts.SourceAPI), 1))
	assert.Equal(t, Ack, h.deliver(t, event("e2", contracts.TaskDeleted, contracts.SourceAPI), 1))
	assert.Empty(t, h.deadLetters(t))
	assert.Equal(t, 1.0, h.metrics.HandledCount("unknown", "ack"))
}

func TestHandle_FollowUpsPublishedAfterCommit(t *testing.T) {
	next := event("derived", contracts.TaskCreated, contracts.SourceAPI)
	handler := &fakeHandler{
		name:  "recurring-task-generator",
		emits: []contracts.EventType{contracts.TaskCreated},
		fn: func(ctx context.Context, tx store.Tx, ev contracts.DomainEvent) ([]contracts.DomainEvent, error) {
			return []contracts.DomainEvent{next}, nil
		},
	}
	h := newHarness(t, Routes{TaskCompleted: handler})

	assert.Equal(t, Ack, h.deliver(t, event("e1", contracts.TaskCompleted, contracts.SourceAPI), 1))
	require.Len(t, h.pub.events, 1)
	assert.Equal(t, "derived", h.pub.events[0].EventID)
	assert.True(t, h.pub.origin[0])

	ok, err := h.store.IsProcessed(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandle_TransientFailureRetriesThenEscalates(t *testing.T) {
	handler := &fakeHandler{
		name: "reminder-scheduler",
		fn: func(ctx context.Context, tx store.Tx, ev contracts.DomainEvent) ([]contracts.DomainEvent, error) {
			return nil, store.Transient(errors.New("connection reset"))
		},
	}
	h := newHarness(t, Routes{TaskUpdated: handler})
	ev := event("e1", contracts.TaskUpdated, contracts.SourceAPI)

	assert.Equal(t, Retry, h.deliver(t, ev, 1))
	assert.Equal(t, Retry, h.deliver(t, ev, 2))
	assert.Empty(t, h.deadLetters(t))

	assert.Equal(t, DeadLettered, h.deliver(t, ev, 3))
	letters := h.deadLetters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, "e1", letters[0].EventID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "gave up after 3 attempts")
	assert.Empty(t, h.pub.events)
}

func TestHandle_InvalidPayloadDeadLettersImmediately(t *testing.T) {
	handler := &fakeHandler{
		name: "reminder-scheduler",
		fn: func(ctx context.Context, tx store.Tx, ev contracts.DomainEvent) ([]contracts.DomainEvent, error) {
			_, err := ev.TaskPayload()
			return nil, err
		},
	}
	h := newHarness(t, Routes{TaskCreated: handler})
	ev := event("e1", contracts.TaskCreated, contracts.SourceAPI)
	ev.Payload = json.RawMessage(`{"is_recurring":true}`)

	assert.Equal(t, DeadLettered, h.deliver(t, ev, 1))
	assert.Len(t, h.deadLetters(t), 1)
	assert.Equal(t, 1.0, h.metrics.DeadLetterCount("invalid_payload"))
}

func TestHandle_PanicRollsBackAndRetries(t *testing.T) {
	handler := &fakeHandler{
		name: "reminder-scheduler",
		fn: func(ctx context.Context, tx store.Tx, ev contracts.DomainEvent) ([]contracts.DomainEvent, error) {
			if err := tx.UpsertReminder(ctx, store.ReminderSchedule{TaskID: ev.TaskID, OwnerID: ev.OwnerID, DueAt: t0, UpdatedAt: t0}); err != nil {
				return nil, err
			}
			panic("nil map")
		},
	}
	h := newHarness(t, Routes{TaskCreated: handler})

	assert.Equal(t, Retry, h.deliver(t, event("e1", contracts.TaskCreated, contracts.SourceAPI), 1))

	_, err := h.store.GetReminder(context.Background(), "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	ok, err := h.store.IsProcessed(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandle_TimeoutIsTransient(t *testing.T) {
	handler := &fakeHandler{
		name: "reminder-scheduler",
		fn: func(ctx context.Context, tx store.Tx, ev contracts.DomainEvent) ([]contracts.DomainEvent, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, Routes{TaskCreated: handler})
	h.d.HandlerTimeout = 20 * time.Millisecond

	assert.Equal(t, Retry, h.deliver(t, event("e1", contracts.TaskCreated, contracts.SourceAPI), 1))
}

type brokenSink struct{}

func (brokenSink) Record(context.Context, contracts.DomainEvent, string, int) error {
	return errors.New("dead-letter store down")
}

func (brokenSink) RecordRaw(context.Context, []byte, string) error {
	return errors.New("dead-letter store down")
}

func TestHandle_DeadLetterFailureRetries(t *testing.T) {
	h := newHarness(t, Routes{})
	h.d.DeadLetters = brokenSink{}

	assert.Equal(t, Retry, h.d.Handle(context.Background(), Delivery{Data: []byte("{"), Attempt: 1}))
}

func TestHandle_ConcurrentDuplicateRollsBack(t *testing.T) {
	handler := &fakeHandler{name: "reminder-scheduler"}
	handler.fn = func(ctx context.Context, tx store.Tx, ev contracts.DomainEvent) ([]contracts.DomainEvent, error) {
		// Another worker committed the same event after our IsProcessed check.
		if err := tx.MarkProcessed(ctx, store.ProcessedEventRecord{EventID: ev.EventID, HandlerName: "other", ProcessedAt: t0}); err != nil {
			return nil, err
		}
		return []contracts.DomainEvent{event("x", contracts.TaskCreated, contracts.SourceAPI)}, nil
	}
	h := newHarness(t, Routes{TaskCreated: handler})

	assert.Equal(t, Ack, h.deliver(t, event("e1", contracts.TaskCreated, contracts.SourceAPI), 1))
	assert.Empty(t, h.pub.events)
}

func TestChain(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "a", emits: []contracts.EventType{contracts.TaskCreated}, fn: func(context.Context, store.Tx, contracts.DomainEvent) ([]contracts.DomainEvent, error) {
		order = append(order, "a")
		return []contracts.DomainEvent{{EventID: "from-a"}}, nil
	}}
	b := &fakeHandler{name: "b", emits: []contracts.EventType{contracts.TaskCreated, contracts.ReminderTriggered}, fn: func(context.Context, store.Tx, contracts.DomainEvent) ([]contracts.DomainEvent, error) {
		order = append(order, "b")
		return nil, nil
	}}

	c := Chain(a, b)
	assert.Equal(t, "a+b", c.Name())
	assert.Equal(t, []contracts.EventType{contracts.TaskCreated, contracts.ReminderTriggered}, c.Emits())

	events, err := c.Handle(context.Background(), nil, contracts.DomainEvent{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Len(t, events, 1)
	assert.Same(t, a, Chain(a))
}

func TestRoutesFor(t *testing.T) {
	created := &fakeHandler{name: "created"}
	routes := Routes{TaskCreated: created}
	assert.Equal(t, Handler(created), routes.For(contracts.TaskCreated))
	assert.Nil(t, routes.For(contracts.TaskDeleted))
	assert.Nil(t, routes.For(contracts.EventType("task.archived")))
}
