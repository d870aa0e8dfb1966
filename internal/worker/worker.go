package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// ErrRefreshRequested is returned by Run when a handler asked for the
// worker to be restarted. The process should exit after cleanup and let the
// platform start a fresh instance.
var ErrRefreshRequested = errors.New("worker refresh requested by handler")

// Config holds worker configuration.
type Config struct {
	Logger      *slog.Logger
	Transport   TransportClient
	Handler     Handler
	BlobStore   BlobStore      // optional
	Metrics     metrics.Sink   // optional, nil = noop
	Analytics   AnalyticsSink  // optional
	LostResults LostResultSink // optional

	// WorkerID overrides the generated instance id. Set it when the
	// transport is constructed around a known id.
	WorkerID string

	Concurrency     int
	JobTimeout      time.Duration
	RedeliveryLimit int
	ShutdownGrace   time.Duration
	ScratchDir      string

	Poll     PollConfig
	Reporter ReporterConfig
	Pressure PressureConfig
}

// Worker owns process-wide start/drain/stop semantics: it starts the
// poller, tracks in-flight executors, and on shutdown stops accepting new
// jobs, waits out the grace period, then force-times-out stragglers so the
// process exits deterministically with every slot released.
type Worker struct {
	id       string
	logger   *slog.Logger
	cfg      *Config
	slots    *SlotPool
	poller   *Poller
	executor *Executor
	reporter *Reporter
	pressure *pressureMonitor

	inflight sync.WaitGroup

	refreshCh      chan struct{}
	refreshOnce    sync.Once
	lostDeliveries atomic.Int64
}

// NewWorker creates a worker instance wired from cfg.
func NewWorker(cfg *Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	id := cfg.WorkerID
	if id == "" {
		id = uuid.New().String()
	}

	w := &Worker{
		id:        id,
		logger:    logger,
		cfg:       cfg,
		refreshCh: make(chan struct{}),
	}

	w.slots = NewSlotPool(cfg.Concurrency, logger, sink)
	w.reporter = NewReporter(cfg.Transport, cfg.BlobStore, cfg.Reporter, logger, sink)
	w.reporter.SetLostHandler(w.onLostDelivery)

	w.executor = NewExecutor(cfg.Handler, w.reporter, w.slots, ExecutorConfig{
		JobTimeout:      cfg.JobTimeout,
		RedeliveryLimit: cfg.RedeliveryLimit,
		ScratchDir:      cfg.ScratchDir,
	}, w.id, logger, sink)
	if cfg.Analytics != nil {
		w.executor.WithAnalytics(cfg.Analytics)
	}
	w.executor.SetRefreshHandler(w.requestRefresh)

	w.poller = NewPoller(cfg.Transport, w.slots, w.executor, cfg.Poll, &w.inflight, logger, sink)

	if cfg.Pressure.Enabled {
		w.pressure = newPressureMonitor(w.slots, cfg.Pressure, logger, sink)
	}

	return w
}

// ID returns the worker instance id reported to the control plane.
func (w *Worker) ID() string {
	return w.id
}

// InFlight returns the number of jobs currently holding slots. Transport
// implementations use it to advertise load when polling.
func (w *Worker) InFlight() int {
	return w.slots.InUse()
}

// LostDeliveries returns how many terminal results could not be delivered.
func (w *Worker) LostDeliveries() int64 {
	return w.lostDeliveries.Load()
}

// State returns the poller's current state.
func (w *Worker) State() domain.PollState {
	return w.poller.State()
}

// Run processes jobs until ctx is cancelled or a handler requests a
// refresh, then drains: no new jobs are accepted, in-flight jobs get the
// shutdown grace period to finish, and stragglers are force-timed-out so
// Run always returns with zero held slots.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker starting",
		slog.String("worker_id", w.id),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("job_timeout", w.cfg.JobTimeout),
		slog.Duration("shutdown_grace", w.cfg.ShutdownGrace),
	)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	// Executions and reporting outlive the poll context so the drain can
	// finish accepted work and deliver forced results.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()
	reportCtx, cancelReport := context.WithCancel(context.Background())
	defer cancelReport()

	if w.pressure != nil {
		go w.pressure.Run(pollCtx)
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		w.poller.Run(pollCtx, execCtx, reportCtx)
	}()

	refresh := false
	select {
	case <-ctx.Done():
		w.logger.Info("Shutdown signal received, draining")
	case <-w.refreshCh:
		refresh = true
		w.logger.Info("Refresh requested, draining")
	}

	cancelPoll()
	w.drain(pollDone, cancelExec)

	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.id),
		slog.Int64("lost_deliveries", w.lostDeliveries.Load()),
	)

	if refresh {
		return ErrRefreshRequested
	}
	return nil
}

// drain waits for in-flight executors to finish within the grace period,
// then force-times-out the rest. The poller's Run goroutine itself waits on
// the same WaitGroup, so pollDone closing means every slot was released.
func (w *Worker) drain(pollDone <-chan struct{}, cancelExec context.CancelFunc) {
	grace := time.NewTimer(w.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-pollDone:
		w.logger.Info("Drain complete, all jobs finished within grace period")
		return
	case <-grace.C:
	}

	w.logger.Warn("Grace period expired, abandoning remaining handlers",
		slog.Int("in_flight", w.slots.InUse()),
	)
	cancelExec()

	// Executors unblock as soon as their context is cancelled, report
	// TimedOut, and release their slots; the handler goroutines are
	// abandoned to die with the process.
	<-pollDone
	w.logger.Info("Drain complete after forced timeout")
}

// onLostDelivery is the reporter's delivery-failure event sink.
func (w *Worker) onLostDelivery(job *domain.Job, result *domain.ExecutionResult, cause error) {
	w.lostDeliveries.Add(1)
	if w.cfg.LostResults != nil {
		// Background context: the journal write must not be cut short by the
		// delivery context that just failed.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.cfg.LostResults.RecordLost(ctx, job, result, cause)
	}
}

// requestRefresh flags the worker for restart after the current drain.
func (w *Worker) requestRefresh() {
	w.refreshOnce.Do(func() {
		close(w.refreshCh)
	})
}
