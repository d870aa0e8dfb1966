package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/compute-worker/internal/analytics"
	"github.com/cuongbtq/compute-worker/internal/config"
	"github.com/cuongbtq/compute-worker/internal/journal"
	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/transport/amqpqueue"
	"github.com/cuongbtq/compute-worker/internal/transport/httpapi"
	"github.com/cuongbtq/compute-worker/internal/worker"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
	"github.com/cuongbtq/compute-worker/shared/logger"
)

const exitCodeRefresh = 3

func main() {
	if err := run(); err != nil {
		if errors.Is(err, worker.ErrRefreshRequested) {
			// A handler asked for a fresh instance; the platform restarts
			// the container on any non-zero exit.
			os.Exit(exitCodeRefresh)
		}
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, logCloser, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = uuid.New().String()
	}

	// Initialize metrics
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsSrv = startMetricsServer(cfg.Metrics.Addr, appLogger)
	}

	// Initialize transport. The in-flight count is read from the worker,
	// which does not exist yet; the closure binds late and the poller only
	// starts polling after the worker is constructed.
	var w *worker.Worker
	inFlight := func() int {
		if w == nil {
			return 0
		}
		return w.InFlight()
	}
	transport, transportCloser, err := initTransport(cfg, workerID, inFlight, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	if transportCloser != nil {
		defer transportCloser.Close()
	}

	appLogger.Info("Transport initialized",
		slog.String("kind", cfg.Transport.Kind),
		slog.String("worker_id", workerID),
	)

	workerCfg := &worker.Config{
		Logger:    appLogger,
		Transport: transport,
		Handler:   newEchoHandler(),
		Metrics:   sink,
		WorkerID:  workerID,

		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		RedeliveryLimit: cfg.Worker.RedeliveryLimit,
		ShutdownGrace:   cfg.Worker.ShutdownGrace,
		ScratchDir:      cfg.Worker.ScratchDir,

		Poll: worker.PollConfig{
			BackoffFloor:   cfg.Poll.BackoffFloor,
			BackoffCeiling: cfg.Poll.BackoffCeiling,
		},
		Reporter: worker.ReporterConfig{
			MaxAttempts:      cfg.Reporter.MaxAttempts,
			BackoffFloor:     cfg.Reporter.BackoffFloor,
			BackoffCeiling:   cfg.Reporter.BackoffCeiling,
			PayloadThreshold: cfg.Reporter.PayloadThreshold,
			WarnThreshold:    cfg.Reporter.WarnThreshold,
		},
		Pressure: worker.PressureConfig{
			Enabled:       cfg.Pressure.Enabled,
			HighWatermark: cfg.Pressure.HighWatermark,
			LowWatermark:  cfg.Pressure.LowWatermark,
			CheckInterval: cfg.Pressure.CheckInterval,
		},
	}

	// The HTTP transport offloads large payloads through the control plane
	// upload endpoint.
	if httpClient, ok := transport.(*httpapi.Client); ok {
		workerCfg.BlobStore = httpClient
	}

	// Initialize optional execution journal
	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = initJournal(&cfg.Journal.Database, workerID, appLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize journal: %w", err)
		}
		defer jrnl.Close()
		workerCfg.LostResults = jrnl
	}

	// Initialize optional analytics sink
	if cfg.Analytics.Enabled {
		redisSink, err := analytics.NewRedisSink(analytics.Config{
			Addr:      cfg.Analytics.RedisAddr,
			Password:  cfg.Analytics.Password,
			DB:        cfg.Analytics.DB,
			Window:    cfg.Analytics.Window,
			Retention: cfg.Analytics.Retention,
		}, appLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize analytics: %w", err)
		}
		defer redisSink.Close()
		workerCfg.Analytics = redisSink
	}

	w = worker.NewWorker(workerCfg)

	if jrnl != nil {
		recordLifecycle(jrnl, appLogger, "started", cfg.App.Version)
		defer recordLifecycle(jrnl, appLogger, "stopped", "")
	}

	// Run until SIGINT/SIGTERM, then drain
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := w.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	if errors.Is(runErr, worker.ErrRefreshRequested) {
		appLogger.Info("Worker requested refresh, exiting for restart")
		if jrnl != nil {
			recordLifecycle(jrnl, appLogger, "refresh_requested", "")
		}
		return runErr
	}
	if runErr != nil {
		return fmt.Errorf("worker run: %w", runErr)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initTransport builds the queue transport selected in configuration
func initTransport(cfg *config.Config, workerID string, inFlight httpapi.InFlightFunc, log *slog.Logger) (worker.TransportClient, io.Closer, error) {
	switch cfg.Transport.Kind {
	case "http":
		client := httpapi.NewClient(httpapi.Config{
			BaseURL:        cfg.Transport.HTTP.BaseURL,
			Endpoint:       cfg.Transport.HTTP.Endpoint,
			APIKey:         cfg.Transport.HTTP.APIKey,
			RequestTimeout: cfg.Transport.HTTP.RequestTimeout,
			WorkerID:       workerID,
		}, inFlight, log)
		return client, nil, nil
	case "amqp":
		client, err := amqpqueue.NewClient(&amqpqueue.Config{
			Host:              cfg.Transport.AMQP.Host,
			Port:              cfg.Transport.AMQP.Port,
			User:              cfg.Transport.AMQP.User,
			Password:          cfg.Transport.AMQP.Password,
			VHost:             cfg.Transport.AMQP.VHost,
			JobQueue:          cfg.Transport.AMQP.JobQueue,
			ResultExchange:    cfg.Transport.AMQP.ResultExchange,
			StreamExchange:    cfg.Transport.AMQP.StreamExchange,
			RetryAttempts:     cfg.Transport.AMQP.RetryAttempts,
			RetryInterval:     cfg.Transport.AMQP.RetryInterval,
			Heartbeat:         cfg.Transport.AMQP.Heartbeat,
			ConnectionTimeout: cfg.Transport.AMQP.ConnectionTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// initJournal initializes the PostgreSQL execution journal
func initJournal(cfg *config.DatabaseConfig, workerID string, log *slog.Logger) (*journal.Journal, error) {
	return journal.New(&journal.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, workerID, log)
}

// startMetricsServer exposes the Prometheus registry on its own listener
func startMetricsServer(addr string, log *slog.Logger) *http.Server {
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Info("Metrics server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed",
				slog.Any("error", err),
			)
		}
	}()

	return srv
}

func recordLifecycle(jrnl *journal.Journal, log *slog.Logger, event, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := jrnl.RecordLifecycle(ctx, event, detail); err != nil {
		log.Warn("Failed to record lifecycle event",
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}

// newEchoHandler returns the built-in demonstration handler. It echoes the
// job input back; when the input carries {"stream": [...]} each element is
// emitted as a partial first.
func newEchoHandler() worker.Handler {
	return worker.StreamHandlerFunc(func(ctx context.Context, job *domain.Job, emit worker.EmitFunc) error {
		var in struct {
			Stream []json.RawMessage `json:"stream"`
		}
		if err := json.Unmarshal(job.Input, &in); err == nil && len(in.Stream) > 0 {
			for _, chunk := range in.Stream {
				if err := emit(ctx, chunk); err != nil {
					return err
				}
			}
			return nil
		}

		return emit(ctx, map[string]json.RawMessage{"echo": job.Input})
	})
}
