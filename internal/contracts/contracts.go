package contracts

import (
	"encoding/json"
	"time"
)

// EventType names a task domain event. The set handled by this engine is closed;
// values outside it still decode so newer producers do not break older consumers.
type EventType string

const (
	TaskCreated       EventType = "task.created"
	TaskUpdated       EventType = "task.updated"
	TaskCompleted     EventType = "task.completed"
	TaskDeleted       EventType = "task.deleted"
	ReminderTriggered EventType = "reminder.triggered"
)

// Known reports whether t is one of the event types this engine routes.
func (t EventType) Known() bool {
	switch t {
	case TaskCreated, TaskUpdated, TaskCompleted, TaskDeleted, ReminderTriggered:
		return true
	default:
		return false
	}
}

// Source tells user-driven events apart from events emitted by the engine's own handlers.
type Source string

const (
	SourceAPI     Source = "api"
	SourceHandler Source = "handler"
)

func (s Source) Valid() bool {
	return s == SourceAPI || s == SourceHandler
}

// Topic names the broker topic an event travels on.
const (
	TopicTaskEvents       = "task-events"
	TopicReminderTriggers = "reminder-triggers-internal"
)

// TopicFor returns the topic an event of type t is published to.
func TopicFor(t EventType) string {
	if t == ReminderTriggered {
		return TopicReminderTriggers
	}
	return TopicTaskEvents
}

// DomainEvent is the wire envelope shared with the CRUD layer and any other producer or consumer.
type DomainEvent struct {
	EventID    string          `json:"event_id"`
	EventType  EventType       `json:"event_type"`
	OwnerID    string          `json:"owner_id"`
	TaskID     string          `json:"task_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Source     Source          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Interval is the fixed calendar step between occurrences of a recurring task.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

func (i Interval) Valid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
		return true
	default:
		return false
	}
}

// RecurrenceRule is embedded in a task. A recurring task always carries an interval
// and a non-recurring one never does.
type RecurrenceRule struct {
	IsRecurring bool     `json:"is_recurring"`
	Interval    Interval `json:"interval,omitempty"`
}

func (r RecurrenceRule) Validate() error {
	if r.IsRecurring && !r.Interval.Valid() {
		return invalidPayload("recurring task requires interval daily, weekly or monthly, got %q", r.Interval)
	}
	if !r.IsRecurring && r.Interval != "" {
		return invalidPayload("non-recurring task must not carry interval %q", r.Interval)
	}
	return nil
}

// Task is a task row as the engine reads and writes it. The CRUD layer owns its lifecycle.
type Task struct {
	ID          string         `json:"task_id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Tags        []string       `json:"tags"`
	Completed   bool           `json:"completed"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Recurrence  RecurrenceRule `json:"recurrence"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
