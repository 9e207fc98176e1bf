// Package publisher turns committed task changes and handler follow-ups into
// domain events on the broker. Publishing is fire-and-forget: failures are logged
// and counted, and callers treat the returned error as informational.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/platform/metrics"
)

var ErrNoTransport = errors.New("publisher: no transport configured")

const DefaultTimeout = 5 * time.Second

// Transport sends one message for a topic. key is the partition key and dedupID
// the broker-side deduplication token.
type Transport interface {
	Send(ctx context.Context, topic, key, dedupID string, data []byte) error
}

type Publisher struct {
	Transport Transport
	Timeout   time.Duration
	Log       zerolog.Logger
	Metrics   *metrics.Engine
	Now       func() time.Time
	NewID     func() string
}

func New(transport Transport, log zerolog.Logger, m *metrics.Engine) *Publisher {
	return &Publisher{
		Transport: transport,
		Timeout:   DefaultTimeout,
		Log:       log.With().Str("component", "publisher").Logger(),
		Metrics:   m,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

type originKey struct{}

// WithHandlerOrigin marks ctx so that events published under it carry source=handler.
func WithHandlerOrigin(ctx context.Context) context.Context {
	return context.WithValue(ctx, originKey{}, true)
}

func HandlerOrigin(ctx context.Context) bool {
	v, _ := ctx.Value(originKey{}).(bool)
	return v
}

// Publish stamps the event's source from ctx, fills in a missing id or timestamp,
// and sends it to the topic for its type with owner_id as partition key.
func (p *Publisher) Publish(ctx context.Context, event contracts.DomainEvent) error {
	if event.EventID == "" {
		event.EventID = p.NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.Now()
	}
	event.Source = contracts.SourceAPI
	if HandlerOrigin(ctx) {
		event.Source = contracts.SourceHandler
	}

	topic := contracts.TopicFor(event.EventType)
	log := p.Log.With().
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Str("owner_id", event.OwnerID).
		Str("topic", topic).
		Logger()

	data, err := contracts.Encode(event)
	if err != nil {
		p.Metrics.Published(topic, "invalid")
		log.Error().Err(err).Msg("refusing to publish invalid event")
		return err
	}
	if p.Transport == nil {
		p.Metrics.Published(topic, "dropped")
		log.Warn().Msg("no broker configured, event dropped")
		return ErrNoTransport
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.Transport.Send(sendCtx, topic, event.OwnerID, event.EventID, data); err != nil {
		p.Metrics.Published(topic, "error")
		log.Error().Err(err).Msg("publish failed")
		return fmt.Errorf("publish %s: %w", event.EventID, err)
	}
	p.Metrics.Published(topic, "ok")
	log.Debug().Str("source", string(event.Source)).Msg("event published")
	return nil
}

// NewTaskEvent builds the event describing a committed task row. The event id is
// assigned on publish.
func NewTaskEvent(eventType contracts.EventType, task contracts.Task, occurredAt time.Time) (contracts.DomainEvent, error) {
	payload, err := json.Marshal(contracts.PayloadFromTask(task))
	if err != nil {
		return contracts.DomainEvent{}, fmt.Errorf("encode task payload: %w", err)
	}
	return contracts.DomainEvent{
		EventType:  eventType,
		OwnerID:    task.OwnerID,
		TaskID:     task.ID,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}, nil
}
