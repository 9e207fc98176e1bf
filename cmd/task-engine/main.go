package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/deadletter"
	"github.com/todo-1m/automation/internal/app/dispatcher"
	"github.com/todo-1m/automation/internal/app/idempotency"
	"github.com/todo-1m/automation/internal/app/publisher"
	"github.com/todo-1m/automation/internal/app/recurrence"
	"github.com/todo-1m/automation/internal/app/reminder"
	"github.com/todo-1m/automation/internal/app/taskengine"
	"github.com/todo-1m/automation/internal/platform/config"
	"github.com/todo-1m/automation/internal/platform/dbpool"
	"github.com/todo-1m/automation/internal/platform/logger"
	"github.com/todo-1m/automation/internal/platform/metrics"
	"github.com/todo-1m/automation/internal/platform/natsutil"
	"github.com/todo-1m/automation/internal/sharding"
	"github.com/todo-1m/automation/internal/store"
	"github.com/todo-1m/automation/internal/store/pgstore"
	"github.com/todo-1m/automation/internal/store/sqlitestore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(runCtx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("task engine stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	for _, schedule := range []string{cfg.Reminders.SweepSchedule, cfg.Ledger.PurgeSchedule} {
		if err := reminder.ValidateSchedule(schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}
	}

	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var client *natsutil.Client
	var transport publisher.Transport
	if cfg.NATS.URL != "" {
		client, err = natsutil.ConnectJetStreamWithRetry(cfg.NATS.URL, cfg.NATS.ConnectTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		transport = natsutil.JetStreamPublisher{JS: client.JS}
		log.Info().Str("url", cfg.NATS.URL).Msg("connected to jetstream")
	} else {
		log.Warn().Msg("no broker configured, follow-up events will be dropped")
	}

	m := metrics.NewEngine(metrics.Default)

	pub := publisher.New(transport, log, m)
	pub.Timeout = cfg.Engine.PublishTimeout

	guard := idempotency.New(st, cfg.Ledger.Retention)
	sink := deadletter.NewSink(st, log)
	scheduler := reminder.NewScheduler(st, log, m)
	routes := taskengine.Routes(recurrence.NewGenerator(log), scheduler, reminder.NewNotifier(log))

	d := dispatcher.New(st, guard, routes, sink, pub, log, m)
	d.HandlerTimeout = cfg.Engine.HandlerTimeout
	d.MaxAttempts = cfg.Engine.MaxAttempts

	lanes := sharding.NewLanes(cfg.Engine.Lanes, cfg.Engine.LaneBuffer)
	defer lanes.Close()
	metrics.Default.MustRegister(metrics.NewGaugeFunc(metrics.Opts{
		Name: "taskengine_lane_backlog",
		Help: "Deliveries queued on lanes and not yet started.",
	}, func() float64 { return float64(lanes.Pending()) }))

	handler := taskengine.NewHandler(d, lanes, sink, log)
	handler.Metrics = metrics.DefaultHandler()
	handler.Ready = func(ctx context.Context) error {
		if client != nil && !client.Connected() {
			return errors.New("nats is not connected")
		}
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store ping failed: %w", err)
		}
		return nil
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Engine.HandlerTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweeper := reminder.NewSweeper(scheduler, st, pub, guard, log, m)
	sweeper.SweepSchedule = cfg.Reminders.SweepSchedule
	sweeper.PurgeSchedule = cfg.Ledger.PurgeSchedule

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("task engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if client != nil && cfg.NATS.Consume {
		consumer := taskengine.NewConsumer(client.JS, d, lanes, log)
		consumer.Queue = cfg.NATS.Queue
		consumer.MaxDeliver = cfg.NATS.MaxDeliver
		consumer.AckWait = cfg.NATS.AckWait
		consumer.MaxAttempts = cfg.Engine.MaxAttempts
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlitestore.Open(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("driver", cfg.Driver).Msg("store ready")
		return st, nil
	default:
		pool, err := dbpool.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st := pgstore.New(pool)
		if err := st.Migrate(ctx, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Str("driver", cfg.Driver).Msg("store ready")
		return st, nil
	}
}
