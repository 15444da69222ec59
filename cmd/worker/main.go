// Command worker runs the compile scheduler and its HTTP API.
//
//	@title			Backslash compile worker API
//	@version		1.0
//	@description	Queues LaTeX builds and reports their status.
//	@BasePath		/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/backslash/internal/applog"
	"github.com/k11v/backslash/internal/apps3"
	"github.com/k11v/backslash/internal/buildtask"
	"github.com/k11v/backslash/internal/buildtask/buildtaskamqp"
	"github.com/k11v/backslash/internal/buildtask/buildtaskdocker"
	"github.com/k11v/backslash/internal/buildtask/buildtaskfs"
	"github.com/k11v/backslash/internal/buildtask/buildtasknats"
	"github.com/k11v/backslash/internal/buildtask/buildtaskpg"
	"github.com/k11v/backslash/internal/buildtask/buildtaskredis"
	"github.com/k11v/backslash/internal/buildtask/buildtasks3"
	"github.com/k11v/backslash/internal/postgresutil"
	"github.com/k11v/backslash/internal/server"
)

// serverShutdownTimeout bounds how long in-flight HTTP requests may take after a signal.
const serverShutdownTimeout = 10 * time.Second

func main() {
	run := func() int {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		log, err := applog.New(os.Stderr, &cfg.Log)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		if err = runWorker(ctx, cfg, log); err != nil {
			log.Error("worker failed", "error", err)
			return 1
		}
		return 0
	}
	os.Exit(run())
}

func runWorker(ctx context.Context, cfg *config, log *slog.Logger) error {
	db, err := postgresutil.NewPool(ctx, cfg.Postgres.dsn())
	if err != nil {
		return err
	}
	defer db.Close()
	database := buildtaskpg.NewDatabase(db)

	storage, err := newStorage(cfg)
	if err != nil {
		return err
	}

	dockerClient, err := buildtaskdocker.NewClient()
	if err != nil {
		return err
	}
	defer closeWithLog(log, dockerClient, "docker client")
	executor := buildtaskdocker.NewExecutor(&buildtaskdocker.NewExecutorParams{
		Client: dockerClient,
		Config: buildtaskdocker.Config{
			Image:       cfg.Compiler.Image,
			Timeout:     cfg.Compiler.Timeout,
			MemoryBytes: cfg.Compiler.MemoryBytes,
			WorkDir:     cfg.Compiler.WorkDir,
			HostWorkDir: cfg.Compiler.HostWorkDir,
		},
		Log: log,
	})

	notifier, closeNotifier, err := newNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	scheduler := buildtask.NewScheduler(&buildtask.NewSchedulerParams{
		Database: database,
		Storage:  storage,
		Executor: executor,
		Notifier: notifier,
		Dial: buildtaskamqp.NewDialer(&buildtaskamqp.DialParams{
			URL:       cfg.AMQP.url(),
			Queue:     cfg.AMQP.Queue,
			Heartbeat: cfg.AMQP.Heartbeat,
			Log:       log,
		}),
		Metrics: buildtask.NewMetrics(prometheus.DefaultRegisterer),
		Log:     log,
		Config: buildtask.SchedulerConfig{
			MaxConcurrent: cfg.Runner.MaxConcurrentBuilds,
			PollInterval:  cfg.Runner.PollInterval,
			ShutdownGrace: cfg.Runner.ShutdownGrace,
			WorkDir:       cfg.Compiler.WorkDir,
		},
	})
	service := buildtask.NewService(&buildtask.NewServiceParams{
		Database: database,
		Storage:  storage,
		Executor: executor,
		Enqueuer: scheduler,
		Notifier: notifier,
		Log:      log,
	})
	watchdog := buildtask.NewWatchdog(scheduler, buildtask.WatchdogConfig{
		Interval: cfg.Runner.WatchdogInterval,
		Backoff:  cfg.Runner.WatchdogBackoff,
	}, log)

	srv := server.New(&cfg.Server, log, &server.Deps{
		Service: service,
		Runner:  scheduler,
		Checks: map[string]server.CheckFunc{
			"database": database.Ping,
			"sandbox":  executor.Check,
			"storage":  storage.Check,
		},
	})

	if err = scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watchdog.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("didn't shut down server", "error", err)
		}

		return scheduler.Shutdown(context.WithoutCancel(gctx))
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func newStorage(cfg *config) (buildtask.Storage, error) {
	switch cfg.Storage.driver() {
	case storageDriverS3:
		client, err := apps3.NewClient(cfg.Storage.S3URL)
		if err != nil {
			return nil, err
		}
		return buildtasks3.NewStorage(client), nil
	default:
		return buildtaskfs.NewStorage(cfg.Storage.Path), nil
	}
}

func newNotifier(ctx context.Context, cfg *config, log *slog.Logger) (buildtask.Notifier, func(), error) {
	url := cfg.Events.URL
	switch {
	case url == "":
		return &buildtask.LogNotifier{Log: log.With("component", "notifier")}, func() {}, nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		client, err := buildtaskredis.NewClient(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return buildtaskredis.NewNotifier(client), func() { closeWithLog(log, client, "redis client") }, nil
	case strings.HasPrefix(url, "nats://"), strings.HasPrefix(url, "tls://"):
		conn, err := buildtasknats.Connect(url)
		if err != nil {
			return nil, nil, err
		}
		return buildtasknats.NewNotifier(conn), func() {
			if err := conn.Drain(); err != nil {
				log.Error("didn't drain nats connection", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported BACKSLASH_EVENTS_URL scheme in %q", url)
	}
}

func closeWithLog(log *slog.Logger, c io.Closer, name string) {
	if err := c.Close(); err != nil {
		log.Error("didn't close "+name, "error", err)
	}
}
