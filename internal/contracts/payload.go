package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const dateLayout = "2006-01-02"

// ParseDueDate accepts an RFC 3339 timestamp or a bare YYYY-MM-DD date (midnight UTC).
func ParseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("due date %q is neither RFC 3339 nor YYYY-MM-DD", raw)
	}
	return t.UTC(), nil
}

// OptionalTime distinguishes a field that is absent (Set=false) from one that is
// explicitly null (Set=true, Time=nil).
type OptionalTime struct {
	Set  bool
	Time *time.Time
}

// SomeTime returns a set, non-null OptionalTime.
func SomeTime(t time.Time) OptionalTime {
	t = t.UTC()
	return OptionalTime{Set: true, Time: &t}
}

func (o *OptionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Time = nil
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := ParseDueDate(raw)
	if err != nil {
		return err
	}
	o.Time = &t
	return nil
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if o.Time == nil {
		return []byte("null"), nil
	}
	return json.Marshal(o.Time.UTC().Format(time.RFC3339Nano))
}

// Present reports whether the field carries a non-null value.
func (o OptionalTime) Present() bool {
	return o.Set && o.Time != nil
}

// TaskPayload is the typed view of the task fields carried in an event payload.
type TaskPayload struct {
	Title       string       `json:"title,omitempty" validate:"max=1024"`
	Description string       `json:"description,omitempty" validate:"max=16384"`
	Priority    string       `json:"priority,omitempty" validate:"max=32"`
	Tags        []string     `json:"tags,omitempty" validate:"max=64,dive,max=64"`
	Completed   *bool        `json:"completed,omitempty"`
	DueDate     OptionalTime `json:"due_date"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	IsRecurring bool         `json:"is_recurring"`
	Interval    Interval     `json:"interval,omitempty"`
}

// Rule returns the recurrence rule carried by the payload.
func (p TaskPayload) Rule() RecurrenceRule {
	return RecurrenceRule{IsRecurring: p.IsRecurring, Interval: p.Interval}
}

// IsCompleted reports whether the payload explicitly marks the task completed.
func (p TaskPayload) IsCompleted() bool {
	return p.Completed != nil && *p.Completed
}

// TaskPayload decodes and validates the event payload. An absent payload yields the zero value.
func (e DomainEvent) TaskPayload() (TaskPayload, error) {
	var p TaskPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return TaskPayload{}, invalidPayload("%v", err)
	}
	if err := validate.Struct(p); err != nil {
		return TaskPayload{}, invalidPayload("%v", err)
	}
	if err := p.Rule().Validate(); err != nil {
		return TaskPayload{}, err
	}
	return p, nil
}

// PayloadFromTask builds the payload describing a task row.
func PayloadFromTask(task Task) TaskPayload {
	completed := task.Completed
	p := TaskPayload{
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		Tags:        task.Tags,
		Completed:   &completed,
		DueDate:     OptionalTime{Set: true},
		CompletedAt: task.CompletedAt,
		IsRecurring: task.Recurrence.IsRecurring,
		Interval:    task.Recurrence.Interval,
	}
	if task.DueDate != nil {
		p.DueDate = SomeTime(*task.DueDate)
	}
	return p
}

// TaskFromPayload fills a task row from an event and its payload. Used when the
// store has no row for the event's task.
func TaskFromPayload(event DomainEvent, p TaskPayload) Task {
	task := Task{
		ID:          event.TaskID,
		OwnerID:     event.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		Priority:    p.Priority,
		Tags:        p.Tags,
		Completed:   p.IsCompleted(),
		CompletedAt: p.CompletedAt,
		Recurrence:  p.Rule(),
		CreatedAt:   event.OccurredAt,
		UpdatedAt:   event.OccurredAt,
	}
	if p.DueDate.Present() {
		due := *p.DueDate.Time
		task.DueDate = &due
	}
	return task
}
