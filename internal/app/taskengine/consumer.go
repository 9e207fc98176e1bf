package taskengine

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/dispatcher"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/messaging"
	"github.com/todo-1m/automation/internal/platform/natsutil"
	"github.com/todo-1m/automation/internal/sharding"
)

const (
	DefaultQueue      = "task-engine"
	DefaultMaxDeliver = 10
	DefaultAckWait    = 60 * time.Second

	baseRetryDelay = time.Second
	maxRetryDelay  = 60 * time.Second
)

// QueueSubscriber is satisfied by nats.JetStreamContext.
type QueueSubscriber interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Consumer pulls both engine streams through a durable queue group. Deliveries are
// ordered per owner by running them on the owner's lane. A delivery that asks for a
// retry is retried on its lane, so the owner's later messages wait behind it.
type Consumer struct {
	JS         QueueSubscriber
	Dispatcher Deliverer
	Lanes      *sharding.Lanes
	Queue      string
	MaxDeliver int
	AckWait    time.Duration
	// MaxAttempts matches the dispatcher's limit; past it a retry is handed back
	// to the broker.
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Log         zerolog.Logger

	subs []*nats.Subscription
}

func NewConsumer(js QueueSubscriber, d Deliverer, lanes *sharding.Lanes, log zerolog.Logger) *Consumer {
	return &Consumer{
		JS:          js,
		Dispatcher:  d,
		Lanes:       lanes,
		Queue:       DefaultQueue,
		MaxDeliver:  DefaultMaxDeliver,
		AckWait:     DefaultAckWait,
		MaxAttempts: dispatcher.DefaultMaxAttempts,
		Backoff:     RetryDelay,
		Log:         log.With().Str("component", "consumer").Logger(),
	}
}

// Run subscribes to every engine stream and blocks until ctx is done, then drains
// the subscriptions.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.subscribe(ctx); err != nil {
		c.drain()
		return err
	}
	<-ctx.Done()
	c.drain()
	c.Log.Info().Msg("consumer stopped")
	return nil
}

func (c *Consumer) subscribe(ctx context.Context) error {
	for _, stream := range messaging.Streams {
		subject := messaging.SubjectFilter(stream.Topic)
		sub, err := c.JS.QueueSubscribe(subject, c.Queue, c.onMessage(ctx, stream.Topic),
			nats.BindStream(stream.Name),
			nats.Durable(c.Queue),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.DeliverAll(),
			nats.MaxDeliver(c.MaxDeliver),
			nats.AckWait(c.AckWait),
		)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
		c.Log.Info().Str("stream", stream.Name).Str("subject", subject).Str("queue", c.Queue).Msg("consumer subscribed")
	}
	return nil
}

func (c *Consumer) drain() {
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.Log.Warn().Err(err).Msg("subscription drain failed")
		}
	}
	c.subs = nil
}

func (c *Consumer) onMessage(ctx context.Context, topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		c.enqueue(ctx, topic, msg, msg.Data, msg.Header.Get(natsutil.PartitionKeyHeader), attemptOf(msg))
	}
}

// ackable is the settlement surface of a JetStream message.
type ackable interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

func (c *Consumer) enqueue(ctx context.Context, topic string, msg ackable, data []byte, key string, attempt int) {
	if key == "" {
		key = contracts.PartitionKey(data)
	}
	err := c.Lanes.Go(ctx, key, func() {
		c.process(ctx, msg, dispatcher.Delivery{Data: data, Attempt: attempt, Topic: topic})
	})
	if err != nil {
		c.Log.Warn().Err(err).Str("topic", topic).Msg("delivery not enqueued")
		_ = msg.NakWithDelay(c.backoff(attempt))
	}
}

// process handles one delivery on its lane until it settles. Retries wait on the
// lane and keep the message claimed with InProgress. The message is only handed
// back to the broker on shutdown or once MaxAttempts is spent.
func (c *Consumer) process(ctx context.Context, msg ackable, delivery dispatcher.Delivery) {
	for {
		outcome := c.Dispatcher.Handle(ctx, delivery)
		if outcome.Acknowledge() {
			if err := msg.Ack(); err != nil {
				c.Log.Warn().Err(err).Msg("ack failed")
			}
			return
		}

		delay := c.backoff(delivery.Attempt)
		if delivery.Attempt >= c.maxAttempts() || ctx.Err() != nil {
			c.nak(msg, delay)
			return
		}
		if err := msg.InProgress(); err != nil {
			c.Log.Warn().Err(err).Msg("in-progress ack failed")
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.nak(msg, delay)
			return
		case <-timer.C:
		}
		delivery.Attempt++
		c.Log.Debug().Str("topic", delivery.Topic).Int("attempt", delivery.Attempt).Msg("retrying delivery")
	}
}

func (c *Consumer) nak(msg ackable, delay time.Duration) {
	if err := msg.NakWithDelay(delay); err != nil {
		c.Log.Warn().Err(err).Msg("nak failed")
	}
}

func (c *Consumer) backoff(attempt int) time.Duration {
	if c.Backoff == nil {
		return RetryDelay(attempt)
	}
	return c.Backoff(attempt)
}

func (c *Consumer) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return dispatcher.DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// RetryDelay is the delay before retrying after the given attempt: 1s doubling per
// attempt, capped at one minute.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return maxRetryDelay
	}
	d := baseRetryDelay << (attempt - 1)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// attemptOf reads the delivery count from JetStream metadata. Unbound messages count
// as a first attempt.
func attemptOf(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}
