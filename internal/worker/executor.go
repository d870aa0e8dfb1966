package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// ExecutorConfig controls per-job execution.
type ExecutorConfig struct {
	// JobTimeout bounds a single job's execution, streams included.
	JobTimeout time.Duration
	// RedeliveryLimit is the delivery count above which a job is failed as
	// poison without invoking the handler.
	RedeliveryLimit int
	// ScratchDir, when set, is a directory whose per-job subdirectory is
	// removed after each execution.
	ScratchDir string
}

// AnalyticsSink records execution events as a best-effort side effect.
// Implementations handle their own errors; analytics never affects
// execution correctness.
type AnalyticsSink interface {
	Record(ctx context.Context, jobID string, outcome string)
}

// Executor runs one job to completion: it invokes the handler, classifies
// the outcome, enforces the timeout, and drives the reporter. Every
// invocation produces exactly one terminal result, one sequence of reporter
// calls, and exactly one slot release, regardless of outcome.
type Executor struct {
	handler   Handler
	reporter  *Reporter
	slots     *SlotPool
	logger    *slog.Logger
	metrics   metrics.Sink
	analytics AnalyticsSink // optional, nil = disabled
	cfg       ExecutorConfig

	hostname string
	workerID string

	// onRefresh is invoked when a handler output requests a worker restart.
	onRefresh func()
}

// NewExecutor creates an executor for the given handler.
func NewExecutor(handler Handler, reporter *Reporter, slots *SlotPool, cfg ExecutorConfig, workerID string, logger *slog.Logger, sink metrics.Sink) *Executor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	hostname, _ := os.Hostname()
	return &Executor{
		handler:  handler,
		reporter: reporter,
		slots:    slots,
		logger:   logger,
		metrics:  sink,
		cfg:      cfg,
		hostname: hostname,
		workerID: workerID,
	}
}

// WithAnalytics attaches an analytics sink to the executor.
func (e *Executor) WithAnalytics(sink AnalyticsSink) *Executor {
	e.analytics = sink
	return e
}

// SetRefreshHandler registers the worker-refresh callback.
func (e *Executor) SetRefreshHandler(fn func()) {
	e.onRefresh = fn
}

// Run executes one job and reports its result. execCtx is cancelled when
// the supervisor force-times-out stragglers at shutdown; reportCtx stays
// alive through the drain so forced results can still be reported.
//
// The slot is released on every exit path, after the terminal report.
func (e *Executor) Run(execCtx, reportCtx context.Context, job *domain.Job, slot *Slot, wg *sync.WaitGroup) {
	defer wg.Done()
	defer e.slots.Release(slot)
	defer e.cleanupScratch(job)

	started := time.Now()
	e.metrics.JobStarted()
	e.logger.Info("Job started",
		slog.String("job_id", job.ID),
		slog.Int("delivery_count", job.DeliveryCount),
	)

	result := e.execute(execCtx, job)

	elapsed := time.Since(started)
	outcome := outcomeFor(result.Kind)
	e.metrics.JobFinished(outcome, elapsed)

	if e.analytics != nil {
		e.analytics.Record(reportCtx, job.ID, outcome)
	}

	if err := e.reporter.ReportResult(reportCtx, job, result); err != nil {
		// Already surfaced as a delivery failure event by the reporter.
		e.logger.Error("Terminal result not delivered",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	e.logger.Info("Job finished",
		slog.String("job_id", job.ID),
		slog.String("outcome", outcome),
		slog.Duration("duration", elapsed),
	)
}

// execute produces exactly one ExecutionResult for the job. No handler
// panic or error propagates past this method.
func (e *Executor) execute(execCtx context.Context, job *domain.Job) *domain.ExecutionResult {
	if e.cfg.RedeliveryLimit > 0 && job.DeliveryCount > e.cfg.RedeliveryLimit {
		// Poison job: failed without invoking the handler so the queue
		// cannot loop it forever.
		e.metrics.PoisonJob()
		e.logger.Warn("Redelivery limit exceeded, failing job without execution",
			slog.String("job_id", job.ID),
			slog.Int("delivery_count", job.DeliveryCount),
			slog.Int("limit", e.cfg.RedeliveryLimit),
		)
		return domain.Failed(e.errorDetail(domain.ErrRedeliveryLimit, nil), false)
	}

	jctx := execCtx
	cancel := context.CancelFunc(func() {})
	if e.cfg.JobTimeout > 0 {
		jctx, cancel = context.WithTimeout(execCtx, e.cfg.JobTimeout)
	}
	defer cancel()

	// Capability check, resolved once per invocation: a handler that
	// implements StreamHandler always runs in streaming mode.
	if sh, ok := e.handler.(StreamHandler); ok {
		return e.executeStream(jctx, execCtx, sh, job)
	}
	return e.executeSingle(jctx, execCtx, job)
}

type handlerReturn struct {
	output any
	err    error
	panic  any
	stack  []byte
}

func (e *Executor) executeSingle(jctx, execCtx context.Context, job *domain.Job) *domain.ExecutionResult {
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- handlerReturn{panic: v, stack: debug.Stack()}
			}
		}()
		out, err := e.handler.Handle(jctx, job)
		done <- handlerReturn{output: out, err: err}
	}()

	select {
	case ret := <-done:
		return e.classifyReturn(job, ret)
	case <-jctx.Done():
		return e.timedOutResult(jctx, execCtx, job)
	}
}

func (e *Executor) executeStream(jctx, execCtx context.Context, sh StreamHandler, job *domain.Job) *domain.ExecutionResult {
	var (
		partials int64
		closed   atomic.Bool
	)

	emit := func(ctx context.Context, output any) error {
		if closed.Load() {
			return errors.New("stream closed: terminal result already produced")
		}
		if err := jctx.Err(); err != nil {
			return err
		}
		raw, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal partial output: %w", err)
		}
		if err := e.reporter.ReportPartial(jctx, job, raw); err != nil {
			return err
		}
		atomic.AddInt64(&partials, 1)
		return nil
	}

	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- handlerReturn{panic: v, stack: debug.Stack()}
			}
		}()
		done <- handlerReturn{err: sh.HandleStream(jctx, job, emit)}
	}()

	var result *domain.ExecutionResult
	select {
	case ret := <-done:
		switch {
		case ret.panic != nil:
			result = domain.Failed(e.panicDetail(ret.panic, ret.stack), false)
		case ret.err != nil:
			result = domain.Failed(e.errorDetail(ret.err, nil), false)
		default:
			result = domain.CompletedStream(int(atomic.LoadInt64(&partials)))
		}
	case <-jctx.Done():
		result = e.timedOutResult(jctx, execCtx, job)
	}

	// No partial may be delivered after the terminal marker. The flag stops
	// a lagging handler goroutine; the cancelled jctx stops in-flight
	// submissions.
	closed.Store(true)
	return result
}

// classifyReturn converts a handler return into an ExecutionResult,
// applying the output conventions: a map output may carry an "error" entry
// that fails the job and a "refresh_worker" entry that requests a worker
// restart after the job completes.
func (e *Executor) classifyReturn(job *domain.Job, ret handlerReturn) *domain.ExecutionResult {
	if ret.panic != nil {
		e.logger.Error("Handler panicked",
			slog.String("job_id", job.ID),
			slog.Any("panic", ret.panic),
		)
		return domain.Failed(e.panicDetail(ret.panic, ret.stack), false)
	}
	if ret.err != nil {
		e.logger.Error("Handler returned error",
			slog.String("job_id", job.ID),
			slog.Any("error", ret.err),
		)
		return domain.Failed(e.errorDetail(ret.err, nil), false)
	}

	output := ret.output
	if m, ok := output.(map[string]any); ok {
		if errVal, ok := m["error"]; ok {
			delete(m, "error")
			msg := fmt.Sprint(errVal)
			e.logger.Error("Handler output carried an error",
				slog.String("job_id", job.ID),
				slog.String("error", msg),
			)
			return domain.Failed(&domain.ErrorDetail{
				Type:     "HandlerError",
				Message:  msg,
				Hostname: e.hostname,
				WorkerID: e.workerID,
			}, false)
		}
		if refresh, ok := m["refresh_worker"]; ok {
			delete(m, "refresh_worker")
			if truthy(refresh) && e.onRefresh != nil {
				e.logger.Info("Handler requested worker refresh",
					slog.String("job_id", job.ID),
				)
				e.onRefresh()
			}
		}
		if len(m) == 0 {
			return domain.Completed(nil)
		}
		output = m
	}

	raw, err := json.Marshal(output)
	if err != nil {
		// Malformed handler output is a handler failure, not a delivery one.
		return domain.Failed(e.errorDetail(fmt.Errorf("unmarshalable handler output: %w", err), nil), false)
	}
	return domain.Completed(raw)
}

// timedOutResult distinguishes a per-job timeout from shutdown abandonment;
// both yield TimedOut, with the handler's work left to die with the process.
func (e *Executor) timedOutResult(jctx, execCtx context.Context, job *domain.Job) *domain.ExecutionResult {
	msg := "execution exceeded timeout"
	if execCtx.Err() != nil && !errors.Is(jctx.Err(), context.DeadlineExceeded) {
		msg = "execution abandoned at shutdown"
	}
	e.logger.Warn("Job timed out",
		slog.String("job_id", job.ID),
		slog.String("reason", msg),
		slog.Duration("timeout", e.cfg.JobTimeout),
	)
	return domain.TimedOut(&domain.ErrorDetail{
		Type:     "TimeoutError",
		Message:  msg,
		Hostname: e.hostname,
		WorkerID: e.workerID,
	})
}

func (e *Executor) errorDetail(err error, stack []byte) *domain.ErrorDetail {
	d := &domain.ErrorDetail{
		Type:     fmt.Sprintf("%T", err),
		Message:  err.Error(),
		Hostname: e.hostname,
		WorkerID: e.workerID,
	}
	if stack != nil {
		d.Stack = string(stack)
	}
	return d
}

func (e *Executor) panicDetail(v any, stack []byte) *domain.ErrorDetail {
	return &domain.ErrorDetail{
		Type:     "HandlerPanic",
		Message:  fmt.Sprint(v),
		Stack:    string(stack),
		Hostname: e.hostname,
		WorkerID: e.workerID,
	}
}

// cleanupScratch removes the job's scratch directory, if one is configured.
func (e *Executor) cleanupScratch(job *domain.Job) {
	if e.cfg.ScratchDir == "" {
		return
	}
	dir := filepath.Join(e.cfg.ScratchDir, job.ID)
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("Failed to remove job scratch directory",
			slog.String("job_id", job.ID),
			slog.String("dir", dir),
			slog.Any("error", err),
		)
	}
}

func outcomeFor(kind domain.ResultKind) string {
	switch kind {
	case domain.ResultCompleted:
		return metrics.OutcomeCompleted
	case domain.ResultCompletedStream:
		return metrics.OutcomeStream
	case domain.ResultTimedOut:
		return metrics.OutcomeTimedOut
	default:
		return metrics.OutcomeFailed
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}
