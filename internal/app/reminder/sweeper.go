package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/publisher"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/platform/metrics"
	"github.com/todo-1m/automation/internal/store"
)

const (
	DefaultSweepSchedule = "@every 30s"
	DefaultPurgeSchedule = "@hourly"

	DefaultPublishAttempts = 3
	DefaultPublishBackoff  = 200 * time.Millisecond
)

type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event contracts.DomainEvent) error
}

// LedgerPurger removes processed-event records past their retention.
type LedgerPurger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs the periodic jobs of the engine: firing due reminders and purging
// the idempotency ledger.
type Sweeper struct {
	Scheduler     *Scheduler
	Tasks         TaskReader
	Publisher     EventPublisher
	Ledger        LedgerPurger
	Log           zerolog.Logger
	Metrics       *metrics.Engine
	Now           func() time.Time
	SweepSchedule string
	PurgeSchedule string
	// PublishAttempts bounds how often one trigger is published before the
	// reminder is counted as lost. The schedule is already fired by then.
	PublishAttempts int
	PublishBackoff  time.Duration
}

func NewSweeper(sched *Scheduler, tasks TaskReader, pub EventPublisher, ledger LedgerPurger, log zerolog.Logger, m *metrics.Engine) *Sweeper {
	return &Sweeper{
		Scheduler:       sched,
		Tasks:           tasks,
		Publisher:       pub,
		Ledger:          ledger,
		Log:             log.With().Str("component", "reminder-sweeper").Logger(),
		Metrics:         m,
		Now:             func() time.Time { return time.Now().UTC() },
		SweepSchedule:   DefaultSweepSchedule,
		PurgeSchedule:   DefaultPurgeSchedule,
		PublishAttempts: DefaultPublishAttempts,
		PublishBackoff:  DefaultPublishBackoff,
	}
}

// Sweep fires every due reminder and publishes one reminder.triggered event per
// schedule. It returns the number of schedules fired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.Scheduler.FireDueReminders(ctx, s.Now())
	if err != nil {
		s.Log.Error().Err(err).Msg("failed to fire due reminders")
		return 0, err
	}

	originCtx := publisher.WithHandlerOrigin(ctx)
	for _, r := range due {
		event, err := s.triggerEvent(ctx, r)
		if err == nil {
			err = s.publish(originCtx, event)
		}
		if err != nil {
			s.Metrics.RemindersLost(1)
			s.Log.Error().Err(err).Str("task_id", r.TaskID).Time("due_at", r.DueAt).Msg("reminder lost")
		}
	}
	if len(due) > 0 {
		s.Log.Info().Int("fired", len(due)).Msg("reminders fired")
	}
	return len(due), nil
}

// publish retries a failed trigger publish. The event id is derived from the task
// and due time, so a retry the broker already accepted is dropped as a duplicate.
func (s *Sweeper) publish(ctx context.Context, event contracts.DomainEvent) error {
	attempts := s.PublishAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = s.Publisher.Publish(ctx, event); err == nil {
			return nil
		}
		if attempt == attempts || s.PublishBackoff <= 0 {
			continue
		}
		timer := time.NewTimer(s.PublishBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("publish reminder after %d attempts: %w", attempts, err)
}

func (s *Sweeper) triggerEvent(ctx context.Context, r store.ReminderSchedule) (contracts.DomainEvent, error) {
	p := TriggerPayload{DueAt: r.DueAt.UTC()}
	task, err := s.Tasks.GetTask(ctx, r.TaskID)
	switch {
	case err == nil:
		p.Title = task.Title
	case !errors.Is(err, store.ErrNotFound):
		s.Log.Warn().Err(err).Str("task_id", r.TaskID).Msg("task lookup failed, sending reminder without title")
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return contracts.DomainEvent{}, fmt.Errorf("encode reminder payload: %w", err)
	}
	occurredAt := s.Now()
	if r.FiredAt != nil {
		occurredAt = r.FiredAt.UTC()
	}
	return contracts.DomainEvent{
		EventID:    contracts.DeriveID(r.TaskID, "reminder:"+p.DueAt.Format(time.RFC3339Nano)),
		EventType:  contracts.ReminderTriggered,
		OwnerID:    r.OwnerID,
		TaskID:     r.TaskID,
		OccurredAt: occurredAt,
		Payload:    raw,
	}, nil
}

// Purge drops ledger records older than the retention window.
func (s *Sweeper) Purge(ctx context.Context) (int64, error) {
	n, err := s.Ledger.Purge(ctx, s.Now())
	if err != nil {
		s.Log.Error().Err(err).Msg("ledger purge failed")
		return 0, err
	}
	s.Metrics.LedgerPurged(n)
	if n > 0 {
		s.Log.Info().Int64("purged", n).Msg("ledger purged")
	}
	return n, nil
}

// Run schedules Sweep and Purge and blocks until ctx is done. A job still running
// when its next tick arrives skips that tick.
func (s *Sweeper) Run(ctx context.Context) error {
	l := cronLogger{log: s.Log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	if _, err := c.AddFunc(s.SweepSchedule, func() { _, _ = s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.SweepSchedule, err)
	}
	if s.Ledger != nil {
		if _, err := c.AddFunc(s.PurgeSchedule, func() { _, _ = s.Purge(ctx) }); err != nil {
			return fmt.Errorf("invalid purge schedule %q: %w", s.PurgeSchedule, err)
		}
	}

	s.Log.Info().Str("sweep", s.SweepSchedule).Str("purge", s.PurgeSchedule).Msg("reminder sweeper started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.Log.Info().Msg("reminder sweeper stopped")
	return nil
}

// ValidateSchedule reports whether expr parses as a cron schedule or descriptor.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
