package dispatcher

import (
	"context"
	"slices"
	"strings"

	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
)

// Handler reacts to one event inside the dispatcher's transaction. Events it returns
// are published with handler origin after the transaction commits.
type Handler interface {
	// Name is recorded in the idempotency ledger.
	Name() string
	// Emits lists the event types the handler may publish. The dispatcher uses it to
	// keep handler-originated events from re-triggering the handler that emits them.
	Emits() []contracts.EventType
	Handle(ctx context.Context, tx store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error)
}

// Routes is the closed dispatch table: one handler slot per known event type. An
// empty slot, or an event type not listed here, acknowledges without work.
type Routes struct {
	TaskCreated       Handler
	TaskUpdated       Handler
	TaskCompleted     Handler
	TaskDeleted       Handler
	ReminderTriggered Handler
}

func (r Routes) For(t contracts.EventType) Handler {
	switch t {
	case contracts.TaskCreated:
		return r.TaskCreated
	case contracts.TaskUpdated:
		return r.TaskUpdated
	case contracts.TaskCompleted:
		return r.TaskCompleted
	case contracts.TaskDeleted:
		return r.TaskDeleted
	case contracts.ReminderTriggered:
		return r.ReminderTriggered
	default:
		return nil
	}
}

// Chain runs several handlers for one event type in the same transaction, in order.
func Chain(handlers ...Handler) Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return chain(handlers)
}

type chain []Handler

func (c chain) Name() string {
	names := make([]string, len(c))
	for i, h := range c {
		names[i] = h.Name()
	}
	return strings.Join(names, "+")
}

func (c chain) Emits() []contracts.EventType {
	var out []contracts.EventType
	for _, h := range c {
		for _, t := range h.Emits() {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func (c chain) Handle(ctx context.Context, tx store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error) {
	var out []contracts.DomainEvent
	for _, h := range c {
		events, err := h.Handle(ctx, tx, event)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}
