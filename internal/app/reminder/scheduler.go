// Package reminder keeps one reminder schedule per task, fires due schedules on a
// cron sweep, and handles the resulting reminder.triggered events.
package reminder

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/platform/metrics"
	"github.com/todo-1m/automation/internal/store"
)

const SchedulerName = "reminder-scheduler"

// DueStore is the part of the store the sweep needs outside a handler transaction.
type DueStore interface {
	FireDueReminders(ctx context.Context, now time.Time) ([]store.ReminderSchedule, error)
}

type Scheduler struct {
	Store   DueStore
	Log     zerolog.Logger
	Metrics *metrics.Engine
	Now     func() time.Time
}

func NewScheduler(st DueStore, log zerolog.Logger, m *metrics.Engine) *Scheduler {
	return &Scheduler{
		Store:   st,
		Log:     log.With().Str("component", SchedulerName).Logger(),
		Metrics: m,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Name() string { return SchedulerName }

// Emits is empty: the scheduler only writes schedules. Triggers are published by the Sweeper.
func (s *Scheduler) Emits() []contracts.EventType { return nil }

func (s *Scheduler) Handle(ctx context.Context, tx store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error) {
	now := s.Now()
	switch event.EventType {
	case contracts.TaskCreated, contracts.TaskUpdated:
		p, err := event.TaskPayload()
		if err != nil {
			return nil, err
		}
		switch {
		case p.IsCompleted(), p.DueDate.Set && p.DueDate.Time == nil:
			return nil, s.cancel(ctx, tx, event, now)
		case p.DueDate.Present():
			due := p.DueDate.Time.UTC()
			if err := tx.UpsertReminder(ctx, store.ReminderSchedule{
				TaskID:    event.TaskID,
				OwnerID:   event.OwnerID,
				DueAt:     due,
				Status:    store.ReminderPending,
				UpdatedAt: now,
			}); err != nil {
				return nil, err
			}
			s.Log.Debug().Str("task_id", event.TaskID).Time("due_at", due).Msg("reminder scheduled")
		}
		return nil, nil
	case contracts.TaskCompleted, contracts.TaskDeleted:
		return nil, s.cancel(ctx, tx, event, now)
	default:
		return nil, nil
	}
}

func (s *Scheduler) cancel(ctx context.Context, tx store.Tx, event contracts.DomainEvent, now time.Time) error {
	if err := tx.CancelReminder(ctx, event.TaskID, now); err != nil {
		return err
	}
	s.Log.Debug().Str("task_id", event.TaskID).Str("event_type", string(event.EventType)).Msg("reminder cancelled")
	return nil
}

// FireDueReminders flips pending schedules due at or before now to fired and
// returns them ordered by due time.
func (s *Scheduler) FireDueReminders(ctx context.Context, now time.Time) ([]store.ReminderSchedule, error) {
	due, err := s.Store.FireDueReminders(ctx, now)
	if err != nil {
		return nil, err
	}
	s.Metrics.RemindersFired(len(due))
	return due, nil
}
