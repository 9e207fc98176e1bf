// Package dispatcher is the single place that decides whether an inbound delivery
// is acknowledged, retried, or dead-lettered.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/publisher"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/platform/metrics"
	"github.com/todo-1m/automation/internal/store"
)

var (
	// ErrUnknownEventType is logged, never returned: unrouted types are acknowledged.
	ErrUnknownEventType = errors.New("dispatcher: no handler for event type")
	ErrHandlerPanic     = errors.New("dispatcher: handler panicked")
	ErrHandlerTimeout   = errors.New("dispatcher: handler timed out")
)

const (
	DefaultHandlerTimeout = 30 * time.Second
	DefaultMaxAttempts    = 5
)

type Outcome int

const (
	Ack Outcome = iota
	Retry
	// DeadLettered acknowledges the delivery after recording it for review.
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Acknowledge reports whether the transport should consider the delivery done.
func (o Outcome) Acknowledge() bool {
	return o != Retry
}

// Delivery is one message handed over by a transport. Attempt starts at 1.
type Delivery struct {
	Data    []byte
	Attempt int
	Topic   string
}

type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

type Guard interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, tx store.Tx, eventID, handlerName string) error
}

type DeadLetterSink interface {
	Record(ctx context.Context, event contracts.DomainEvent, reason string, attempts int) error
	RecordRaw(ctx context.Context, raw []byte, reason string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event contracts.DomainEvent) error
}

type Dispatcher struct {
	Store          TxRunner
	Guard          Guard
	Routes         Routes
	DeadLetters    DeadLetterSink
	Publisher      EventPublisher
	Log            zerolog.Logger
	Metrics        *metrics.Engine
	HandlerTimeout time.Duration
	MaxAttempts    int
}

func New(st TxRunner, guard Guard, routes Routes, deadLetters DeadLetterSink, pub EventPublisher, log zerolog.Logger, m *metrics.Engine) *Dispatcher {
	return &Dispatcher{
		Store:          st,
		Guard:          guard,
		Routes:         routes,
		DeadLetters:    deadLetters,
		Publisher:      pub,
		Log:            log.With().Str("component", "dispatcher").Logger(),
		Metrics:        m,
		HandlerTimeout: DefaultHandlerTimeout,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// Handle runs one delivery through decode, cycle check, dedup, routing and the
// handler, and returns what the transport should do with it.
func (d *Dispatcher) Handle(ctx context.Context, delivery Delivery) Outcome {
	event, err := contracts.Decode(delivery.Data)
	if err != nil {
		d.Log.Warn().Err(err).Str("topic", delivery.Topic).Msg("malformed event")
		if dlErr := d.DeadLetters.RecordRaw(ctx, delivery.Data, err.Error()); dlErr != nil {
			return d.done("malformed", Retry)
		}
		d.Metrics.DeadLettered("malformed")
		return d.done("malformed", DeadLettered)
	}

	eventType := metricLabel(event.EventType)
	log := d.Log.With().
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Str("owner_id", event.OwnerID).
		Str("task_id", event.TaskID).
		Int("attempt", delivery.Attempt).
		Logger()

	handler := d.Routes.For(event.EventType)
	if handler != nil && event.Source == contracts.SourceHandler && slices.Contains(handler.Emits(), event.EventType) {
		log.Debug().Str("handler", handler.Name()).Msg("skipping handler-originated event")
		return d.done(eventType, Ack)
	}

	processed, err := d.Guard.IsProcessed(ctx, event.EventID)
	if err != nil {
		return d.failed(ctx, log, event, delivery.Attempt, err)
	}
	if processed {
		log.Debug().Msg("event already processed")
		return d.done(eventType, Ack)
	}

	if handler == nil {
		log.Debug().Err(ErrUnknownEventType).Msg("event acknowledged without handler")
		return d.done(eventType, Ack)
	}

	followUps, err := d.invoke(ctx, handler, event)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			log.Debug().Msg("event processed concurrently")
			return d.done(eventType, Ack)
		}
		return d.failed(ctx, log, event, delivery.Attempt, err)
	}

	log.Info().Str("handler", handler.Name()).Int("follow_ups", len(followUps)).Msg("event handled")
	originCtx := publisher.WithHandlerOrigin(ctx)
	for _, next := range followUps {
		// Publish logs its own failures.
		_ = d.Publisher.Publish(originCtx, next)
	}
	return d.done(eventType, Ack)
}

// failed dead-letters permanent failures and transient ones that exhausted their
// attempts; everything else is retried.
func (d *Dispatcher) failed(ctx context.Context, log zerolog.Logger, event contracts.DomainEvent, attempt int, err error) Outcome {
	eventType := metricLabel(event.EventType)
	cause := "invalid_payload"
	if !errors.Is(err, contracts.ErrInvalidPayload) {
		if attempt < d.maxAttempts() {
			log.Warn().Err(err).Msg("transient failure, retrying")
			return d.done(eventType, Retry)
		}
		cause = "retries_exhausted"
		err = fmt.Errorf("gave up after %d attempts: %w", attempt, err)
	}

	log.Error().Err(err).Str("cause", cause).Msg("dead-lettering event")
	if dlErr := d.DeadLetters.Record(ctx, event, err.Error(), attempt); dlErr != nil {
		return d.done(eventType, Retry)
	}
	d.Metrics.DeadLettered(cause)
	return d.done(eventType, DeadLettered)
}

type result struct {
	events []contracts.DomainEvent
	err    error
}

// invoke runs the handler and the ledger mark in one transaction under the handler
// timeout. Panics roll the transaction back and surface as ErrHandlerPanic.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, event contracts.DomainEvent) ([]contracts.DomainEvent, error) {
	timeout := d.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				res = result{err: fmt.Errorf("%w: %s: %v", ErrHandlerPanic, h.Name(), r)}
			}
			done <- res
		}()
		res.err = d.Store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			events, err := h.Handle(ctx, tx, event)
			if err != nil {
				return err
			}
			if err := d.Guard.MarkProcessed(ctx, tx, event.EventID, h.Name()); err != nil {
				return err
			}
			res.events = events
			return nil
		})
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, timeout, res.err)
		}
		return res.events, res.err
	case <-ctx.Done():
		select {
		case res := <-done:
			if res.err == nil {
				return res.events, nil
			}
		default:
		}
		return nil, fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	}
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return d.MaxAttempts
}

func (d *Dispatcher) done(eventType string, o Outcome) Outcome {
	d.Metrics.EventHandled(eventType, o.String())
	return o
}

// metricLabel keeps label cardinality bounded when producers send new event types.
func metricLabel(t contracts.EventType) string {
	if !t.Known() {
		return "unknown"
	}
	return string(t)
}
