package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/publisher"
	"github.com/todo-1m/automation/internal/app/taskengine"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/platform/config"
	"github.com/todo-1m/automation/internal/platform/dbpool"
	"github.com/todo-1m/automation/internal/platform/logger"
	"github.com/todo-1m/automation/internal/platform/natsutil"
	"github.com/todo-1m/automation/internal/store"
	"github.com/todo-1m/automation/internal/store/pgstore"
	"github.com/todo-1m/automation/internal/store/sqlitestore"
)

// options describe one task change, the way the CRUD layer would commit and announce it.
type options struct {
	ConfigPath string
	EventType  string
	OwnerID    string
	TaskID     string
	Title      string
	Due        string
	Interval   string
	Completed  bool
	WriteStore bool
	PushURL    string
	Timeout    time.Duration
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Fatal().Err(err).Msg("publish failed")
	}
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.ConfigPath, "config", "", "path to a config file")
	flag.StringVar(&o.EventType, "type", string(contracts.TaskCreated), "event type: task.created, task.updated, task.completed or task.deleted")
	flag.StringVar(&o.OwnerID, "owner", "", "owner id (required)")
	flag.StringVar(&o.TaskID, "task", "", "task id (generated when empty)")
	flag.StringVar(&o.Title, "title", "", "task title")
	flag.StringVar(&o.Due, "due", "", "due date, RFC 3339 or YYYY-MM-DD")
	flag.StringVar(&o.Interval, "interval", "", "recurrence interval: daily, weekly or monthly")
	flag.BoolVar(&o.Completed, "completed", false, "mark the task completed")
	flag.BoolVar(&o.WriteStore, "store", false, "upsert the task row in the configured database before publishing")
	flag.StringVar(&o.PushURL, "push", "", "post to a task engine at this base URL instead of publishing to NATS")
	flag.DurationVar(&o.Timeout, "timeout", 30*time.Second, "overall timeout")
	flag.Parse()
	return o
}

func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) error {
	eventType := contracts.EventType(opts.EventType)
	if !eventType.Known() || eventType == contracts.ReminderTriggered {
		return fmt.Errorf("unsupported event type %q", opts.EventType)
	}
	task, err := buildTask(opts, time.Now().UTC())
	if err != nil {
		return err
	}
	if eventType == contracts.TaskCompleted {
		completedAt := task.UpdatedAt
		task.Completed = true
		task.CompletedAt = &completedAt
	}

	if opts.WriteStore {
		if err := upsertTask(ctx, cfg.Database, task, log); err != nil {
			return err
		}
	}

	var transport publisher.Transport
	switch {
	case opts.PushURL != "":
		transport = &pushTransport{base: strings.TrimRight(opts.PushURL, "/"), client: &http.Client{Timeout: 10 * time.Second}}
	case cfg.NATS.URL != "":
		client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATS.URL, cfg.NATS.ConnectTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		transport = natsutil.JetStreamPublisher{JS: client.JS}
	default:
		return errors.New("set -push or configure nats.url")
	}

	pub := publisher.New(transport, log, nil)
	pub.Timeout = cfg.Engine.PublishTimeout
	event, err := publisher.NewTaskEvent(eventType, task, task.UpdatedAt)
	if err != nil {
		return err
	}
	event.EventID = nuid.Next()
	if err := pub.Publish(ctx, event); err != nil {
		return err
	}
	log.Info().
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Str("owner_id", task.OwnerID).
		Str("task_id", task.ID).
		Msg("event published")
	return nil
}

func buildTask(opts options, now time.Time) (contracts.Task, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return contracts.Task{}, errors.New("-owner is required")
	}
	task := contracts.Task{
		ID:        opts.TaskID,
		OwnerID:   opts.OwnerID,
		Title:     opts.Title,
		Completed: opts.Completed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.ID == "" {
		task.ID = nuid.Next()
	}
	if opts.Due != "" {
		due, err := contracts.ParseDueDate(opts.Due)
		if err != nil {
			return contracts.Task{}, err
		}
		task.DueDate = &due
	}
	if opts.Interval != "" {
		task.Recurrence = contracts.RecurrenceRule{IsRecurring: true, Interval: contracts.Interval(opts.Interval)}
	}
	if err := task.Recurrence.Validate(); err != nil {
		return contracts.Task{}, err
	}
	return task, nil
}

func upsertTask(ctx context.Context, cfg config.DatabaseConfig, task contracts.Task, log zerolog.Logger) error {
	var st store.Store
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlitestore.Open(cfg.URL)
		if err != nil {
			return err
		}
		st = s
	default:
		pool, err := dbpool.New(ctx, cfg)
		if err != nil {
			return err
		}
		s := pgstore.New(pool)
		if err := s.Migrate(ctx, log); err != nil {
			pool.Close()
			return err
		}
		st = s
	}
	defer st.Close()
	return st.UpsertTask(ctx, task)
}

// pushTransport posts events to a running engine's push endpoints.
type pushTransport struct {
	base   string
	client *http.Client
}

func (p *pushTransport) Send(ctx context.Context, topic, _, dedupID string, data []byte) error {
	route := taskengine.RouteTaskEvents
	if topic == contracts.TopicReminderTriggers {
		route = taskengine.RouteReminders
	}
	body, err := json.Marshal(map[string]any{
		"id":               dedupID,
		"topic":            topic,
		"data":             json.RawMessage(data),
		"delivery_attempt": 1,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+route, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode push response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.Status != taskengine.StatusSuccess {
		return fmt.Errorf("engine answered %s", out.Status)
	}
	return nil
}
