// Package deadletter persists events that left the retry path and raises an
// operator alert for each. Nothing here retries or replays them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/store"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Store interface {
	InsertDeadLetter(ctx context.Context, letter store.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

type Sink struct {
	Store Store
	Log   zerolog.Logger
	Now   func() time.Time
}

func NewSink(s Store, log zerolog.Logger) *Sink {
	return &Sink{
		Store: s,
		Log:   log.With().Str("component", "deadletter").Logger(),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Record stores a decoded event. Recording the same event twice keeps one row.
func (s *Sink) Record(ctx context.Context, event contracts.DomainEvent, reason string, attempts int) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", event.EventID, err)
	}
	return s.insert(ctx, store.DeadLetter{
		ID:         contracts.DeriveID(event.EventID, "dead-letter"),
		EventID:    event.EventID,
		EventType:  string(event.EventType),
		OwnerID:    event.OwnerID,
		TaskID:     event.TaskID,
		Payload:    payload,
		Reason:     reason,
		Attempts:   attempts,
		RecordedAt: s.Now(),
	})
}

// RecordRaw stores bytes that could not be decoded into an event.
func (s *Sink) RecordRaw(ctx context.Context, raw []byte, reason string) error {
	payload := raw
	if payload == nil {
		payload = []byte{}
	}
	return s.insert(ctx, store.DeadLetter{
		ID:         contracts.ContentID(raw),
		OwnerID:    contracts.PartitionKey(raw),
		Payload:    payload,
		Reason:     reason,
		Attempts:   1,
		RecordedAt: s.Now(),
	})
}

func (s *Sink) insert(ctx context.Context, letter store.DeadLetter) error {
	if err := s.Store.InsertDeadLetter(ctx, letter); err != nil {
		s.Log.Error().Err(err).
			Str("dead_letter_id", letter.ID).
			Str("event_id", letter.EventID).
			Msg("failed to persist dead letter")
		return err
	}
	s.Log.Error().
		Str("alert", "dead_letter").
		Str("dead_letter_id", letter.ID).
		Str("event_id", letter.EventID).
		Str("event_type", letter.EventType).
		Str("owner_id", letter.OwnerID).
		Str("task_id", letter.TaskID).
		Int("attempts", letter.Attempts).
		Str("reason", letter.Reason).
		Msg("event dead-lettered, manual review required")
	return nil
}

// List returns the most recent dead letters. limit is clamped to [1, MaxListLimit].
func (s *Sink) List(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.Store.ListDeadLetters(ctx, limit)
}
