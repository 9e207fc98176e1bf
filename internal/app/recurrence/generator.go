// Package recurrence creates the next instance of a recurring task when the
// current one is completed.
package recurrence

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/publisher"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
)

const HandlerName = "recurring-task-generator"

type Generator struct {
	Log zerolog.Logger
	Now func() time.Time
}

func NewGenerator(log zerolog.Logger) *Generator {
	return &Generator{
		Log: log.With().Str("component", HandlerName).Logger(),
		Now: func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) Name() string { return HandlerName }

func (g *Generator) Emits() []contracts.EventType {
	return []contracts.EventType{contracts.TaskCreated}
}

// Handle reacts to task.completed. The stored task row is authoritative; the event
// payload is used when the row is missing.
func (g *Generator) Handle(ctx context.Context, tx store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error) {
	if event.EventType != contracts.TaskCompleted {
		return nil, nil
	}
	payload, err := event.TaskPayload()
	if err != nil {
		return nil, err
	}

	source, err := tx.GetTask(ctx, event.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		source = contracts.TaskFromPayload(event, payload)
	case err != nil:
		return nil, err
	}

	if !source.Recurrence.IsRecurring {
		return nil, nil
	}
	if err := source.Recurrence.Validate(); err != nil {
		return nil, err
	}

	base := completionTime(event, payload, source)
	if source.DueDate != nil {
		base = *source.DueDate
	}
	nextDue, err := Next(base, source.Recurrence.Interval)
	if err != nil {
		return nil, err
	}

	now := g.Now()
	next := contracts.Task{
		ID:          contracts.DeriveID(event.EventID, "next-task"),
		OwnerID:     source.OwnerID,
		Title:       source.Title,
		Description: source.Description,
		Priority:    source.Priority,
		Tags:        slices.Clone(source.Tags),
		Completed:   false,
		DueDate:     &nextDue,
		Recurrence:  source.Recurrence,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if next.OwnerID == "" {
		next.OwnerID = event.OwnerID
	}
	if err := tx.InsertTask(ctx, next); err != nil {
		return nil, err
	}

	created, err := publisher.NewTaskEvent(contracts.TaskCreated, next, now)
	if err != nil {
		return nil, err
	}
	created.EventID = contracts.DeriveID(event.EventID, "next-task-created")

	g.Log.Info().
		Str("source_task_id", source.ID).
		Str("task_id", next.ID).
		Str("owner_id", next.OwnerID).
		Str("interval", string(source.Recurrence.Interval)).
		Time("due_date", nextDue).
		Msg("next occurrence created")
	return []contracts.DomainEvent{created}, nil
}

func completionTime(event contracts.DomainEvent, payload contracts.TaskPayload, source contracts.Task) time.Time {
	switch {
	case payload.CompletedAt != nil:
		return payload.CompletedAt.UTC()
	case source.CompletedAt != nil:
		return source.CompletedAt.UTC()
	default:
		return event.OccurredAt
	}
}
