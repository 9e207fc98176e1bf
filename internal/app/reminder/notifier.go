package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
)

const NotifierName = "reminder-notifier"

// TriggerPayload is the payload of a reminder.triggered event.
type TriggerPayload struct {
	DueAt time.Time `json:"due_at"`
	Title string    `json:"title,omitempty"`
}

// Notifier logs reminder.triggered deliveries for the user-facing notification
// service that tails them.
type Notifier struct {
	Log zerolog.Logger
}

func NewNotifier(log zerolog.Logger) *Notifier {
	return &Notifier{Log: log.With().Str("component", NotifierName).Logger()}
}

func (n *Notifier) Name() string { return NotifierName }

func (n *Notifier) Emits() []contracts.EventType { return nil }

func (n *Notifier) Handle(_ context.Context, _ store.Tx, event contracts.DomainEvent) ([]contracts.DomainEvent, error) {
	if event.EventType != contracts.ReminderTriggered {
		return nil, nil
	}
	var p TriggerPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: reminder payload: %v", contracts.ErrInvalidPayload, err)
		}
	}
	n.Log.Info().
		Str("alert", "reminder").
		Str("owner_id", event.OwnerID).
		Str("task_id", event.TaskID).
		Str("title", p.Title).
		Time("due_at", p.DueAt).
		Msg("reminder due")
	return nil, nil
}
