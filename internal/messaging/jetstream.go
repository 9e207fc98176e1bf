package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/automation/internal/contracts"
)

// DuplicateWindow bounds how long JetStream remembers Nats-Msg-Id values.
const DuplicateWindow = 2 * time.Minute

type Stream struct {
	Name  string
	Topic string
}

// Streams lists one stream per topic, each capturing <topic>.> subjects.
var Streams = []Stream{
	{Name: "TASK_EVENTS", Topic: contracts.TopicTaskEvents},
	{Name: "REMINDER_TRIGGERS", Topic: contracts.TopicReminderTriggers},
}

// SubjectFilter returns the wildcard subject covering every shard of a topic.
func SubjectFilter(topic string) string {
	return topic + ".>"
}

// EnsureStreams creates (or validates) the streams the engine publishes to and
// consumes from.
func EnsureStreams(js nats.JetStreamManager) error {
	for _, s := range Streams {
		if _, err := js.StreamInfo(s.Name); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return err
			}
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:       s.Name,
				Subjects:   []string{SubjectFilter(s.Topic)},
				Retention:  nats.LimitsPolicy,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: DuplicateWindow,
			}); addErr != nil {
				return addErr
			}
		}
	}
	return nil
}
