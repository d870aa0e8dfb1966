package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// runJob drives one job through an executor built around handler and returns
// the transport for inspection. The slot pool has a single slot, asserted
// released afterwards.
func runJob(t *testing.T, handler Handler, cfg ExecutorConfig, job *domain.Job, transport *fakeTransport) {
	t.Helper()

	pool := NewSlotPool(1, testLogger(), nil)
	reporter := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)
	exec := NewExecutor(handler, reporter, pool, cfg, "worker-test", testLogger(), nil)

	slot := pool.TryAcquire()
	require.NotNil(t, slot)

	var wg sync.WaitGroup
	wg.Add(1)
	exec.Run(context.Background(), context.Background(), job, slot, &wg)
	wg.Wait()

	assert.Equal(t, 0, pool.InUse(), "slot must be released on every exit path")
}

func singleResult(t *testing.T, transport *fakeTransport, jobID string) *domain.ExecutionResult {
	t.Helper()
	results := transport.resultsFor(jobID)
	require.Len(t, results, 1, "exactly one terminal result per job")
	return results[0]
}

func TestExecutor_CompletedJob(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		return map[string]any{"greeting": "hello"}, nil
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultCompleted, result.Kind)
	assert.JSONEq(t, `{"greeting":"hello"}`, string(result.Output))
	assert.Nil(t, result.Error)
}

func TestExecutor_HandlerError(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		return nil, errors.New("model weights missing")
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultFailed, result.Kind)
	assert.False(t, result.Retryable)
	require.NotNil(t, result.Error)
	assert.Equal(t, "model weights missing", result.Error.Message)
	assert.Equal(t, "worker-test", result.Error.WorkerID)
	assert.NotEmpty(t, result.Error.Hostname)
}

func TestExecutor_HandlerPanic(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		panic("index out of range")
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultFailed, result.Kind)
	assert.False(t, result.Retryable)
	require.NotNil(t, result.Error)
	assert.Equal(t, "HandlerPanic", result.Error.Type)
	assert.Contains(t, result.Error.Message, "index out of range")
	assert.NotEmpty(t, result.Error.Stack)
}

func TestExecutor_ErrorOutputConvention(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		return map[string]any{"error": "validation failed", "partial": true}, nil
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultFailed, result.Kind)
	require.NotNil(t, result.Error)
	assert.Equal(t, "HandlerError", result.Error.Type)
	assert.Equal(t, "validation failed", result.Error.Message)
}

func TestExecutor_RefreshWorkerConvention(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		return map[string]any{"refresh_worker": true, "value": float64(7)}, nil
	})

	pool := NewSlotPool(1, testLogger(), nil)
	reporter := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)
	exec := NewExecutor(handler, reporter, pool, ExecutorConfig{JobTimeout: time.Second}, "worker-test", testLogger(), nil)

	var refreshed atomic.Bool
	exec.SetRefreshHandler(func() { refreshed.Store(true) })

	slot := pool.TryAcquire()
	require.NotNil(t, slot)
	var wg sync.WaitGroup
	wg.Add(1)
	exec.Run(context.Background(), context.Background(), testJob("job-1"), slot, &wg)
	wg.Wait()

	assert.True(t, refreshed.Load())

	// The refresh marker is stripped; the job itself completes normally
	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultCompleted, result.Kind)
	assert.JSONEq(t, `{"value":7}`, string(result.Output))
}

func TestExecutor_EmptyMapOutput(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		return map[string]any{}, nil
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultCompleted, result.Kind)
	assert.Empty(t, result.Output)
}

func TestExecutor_JobTimeout(t *testing.T) {
	transport := newFakeTransport()
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: 20 * time.Millisecond}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultTimedOut, result.Kind)
	require.NotNil(t, result.Error)
	assert.Equal(t, "TimeoutError", result.Error.Type)
	assert.Contains(t, result.Error.Message, "exceeded timeout")
}

func TestExecutor_AbandonedAtShutdown(t *testing.T) {
	transport := newFakeTransport()
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	pool := NewSlotPool(1, testLogger(), nil)
	reporter := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)
	exec := NewExecutor(handler, reporter, pool, ExecutorConfig{JobTimeout: time.Hour}, "worker-test", testLogger(), nil)

	execCtx, cancelExec := context.WithCancel(context.Background())
	slot := pool.TryAcquire()
	require.NotNil(t, slot)

	var wg sync.WaitGroup
	wg.Add(1)
	go exec.Run(execCtx, context.Background(), testJob("job-1"), slot, &wg)

	<-started
	cancelExec()
	wg.Wait()

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultTimedOut, result.Kind)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "abandoned at shutdown")
	assert.Equal(t, 0, pool.InUse())
}

func TestExecutor_PoisonJob(t *testing.T) {
	transport := newFakeTransport()
	var invoked atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	job := testJob("job-1")
	job.DeliveryCount = 5

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second, RedeliveryLimit: 3}, job, transport)

	assert.False(t, invoked.Load(), "poison jobs must not reach the handler")

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultFailed, result.Kind)
	assert.False(t, result.Retryable)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "redelivery limit")
}

func TestExecutor_RedeliveryAtLimitStillRuns(t *testing.T) {
	transport := newFakeTransport()
	var invoked atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		invoked.Store(true)
		return map[string]any{"ok": true}, nil
	})

	job := testJob("job-1")
	job.DeliveryCount = 3

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second, RedeliveryLimit: 3}, job, transport)

	assert.True(t, invoked.Load())
	assert.Equal(t, domain.ResultCompleted, singleResult(t, transport, "job-1").Kind)
}

func TestExecutor_StreamDeliversPartialsInOrder(t *testing.T) {
	transport := newFakeTransport()
	handler := StreamHandlerFunc(func(ctx context.Context, job *domain.Job, emit EmitFunc) error {
		for i := 0; i < 3; i++ {
			if err := emit(ctx, map[string]int{"seq": i}); err != nil {
				return err
			}
		}
		return nil
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	partials := transport.partialsFor("job-1")
	require.Len(t, partials, 3)
	assert.JSONEq(t, `{"seq":0}`, string(partials[0]))
	assert.JSONEq(t, `{"seq":1}`, string(partials[1]))
	assert.JSONEq(t, `{"seq":2}`, string(partials[2]))

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultCompletedStream, result.Kind)
	assert.Equal(t, 3, result.Partials)
}

func TestExecutor_StreamHandlerErrorAfterPartials(t *testing.T) {
	transport := newFakeTransport()
	handler := StreamHandlerFunc(func(ctx context.Context, job *domain.Job, emit EmitFunc) error {
		if err := emit(ctx, map[string]int{"seq": 0}); err != nil {
			return err
		}
		return errors.New("stream source broke")
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	assert.Len(t, transport.partialsFor("job-1"), 1)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultFailed, result.Kind)
	assert.Contains(t, result.Error.Message, "stream source broke")
}

func TestExecutor_NoPartialAfterTimeout(t *testing.T) {
	transport := newFakeTransport()

	emitErrs := make(chan error, 1)
	handler := StreamHandlerFunc(func(ctx context.Context, job *domain.Job, emit EmitFunc) error {
		if err := emit(ctx, map[string]int{"seq": 0}); err != nil {
			return err
		}
		// Outlive the job timeout, then try to emit again
		time.Sleep(80 * time.Millisecond)
		emitErrs <- emit(ctx, map[string]int{"seq": 1})
		return nil
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: 20 * time.Millisecond}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultTimedOut, result.Kind)

	// The late emit is rejected, and no second partial was delivered
	err := <-emitErrs
	require.Error(t, err)
	assert.Len(t, transport.partialsFor("job-1"), 1)
}

func TestExecutor_StreamPanic(t *testing.T) {
	transport := newFakeTransport()
	handler := StreamHandlerFunc(func(ctx context.Context, job *domain.Job, emit EmitFunc) error {
		panic("stream blew up")
	})

	runJob(t, handler, ExecutorConfig{JobTimeout: time.Second}, testJob("job-1"), transport)

	result := singleResult(t, transport, "job-1")
	assert.Equal(t, domain.ResultFailed, result.Kind)
	assert.Equal(t, "HandlerPanic", result.Error.Type)
}
