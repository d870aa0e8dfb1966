package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

func reporterConfig() ReporterConfig {
	return ReporterConfig{
		MaxAttempts:    4,
		BackoffFloor:   time.Millisecond,
		BackoffCeiling: 4 * time.Millisecond,
	}
}

func TestReporter_RetryableFailuresThenSuccess(t *testing.T) {
	transport := newFakeTransport()
	var attempts int32
	transport.submitFn = func(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return domain.NewRetryableTransportError(503, errors.New("unavailable"))
		}
		return nil
	}

	r := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)
	job := testJob("job-1")

	err := r.ReportResult(context.Background(), job, domain.Completed(rawInput(`{"ok":true}`)))
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	// Exactly one result recorded despite the retries
	assert.Len(t, transport.resultsFor("job-1"), 1)
}

func TestReporter_AlreadyFinalizedIsSuccess(t *testing.T) {
	transport := newFakeTransport()
	var attempts int32
	transport.submitFn = func(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
		atomic.AddInt32(&attempts, 1)
		return domain.ErrAlreadyFinalized
	}

	r := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)

	err := r.ReportResult(context.Background(), testJob("job-1"), domain.Completed(nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestReporter_TerminalErrorStopsRetrying(t *testing.T) {
	transport := newFakeTransport()
	var attempts int32
	terminal := domain.NewTerminalTransportError(401, errors.New("bad credentials"))
	transport.submitFn = func(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
		atomic.AddInt32(&attempts, 1)
		return terminal
	}

	var lostCause error
	r := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)
	r.SetLostHandler(func(job *domain.Job, result *domain.ExecutionResult, cause error) {
		lostCause = cause
	})

	err := r.ReportResult(context.Background(), testJob("job-1"), domain.Completed(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeliveryExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	require.Error(t, lostCause)
	assert.ErrorIs(t, lostCause, domain.ErrDeliveryExhausted)
}

func TestReporter_ExhaustedRetriesSurfaceLoss(t *testing.T) {
	transport := newFakeTransport()
	var attempts int32
	transport.submitFn = func(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
		atomic.AddInt32(&attempts, 1)
		return domain.NewRetryableTransportError(500, errors.New("still down"))
	}

	var lostJob *domain.Job
	var lostResult *domain.ExecutionResult
	r := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)
	r.SetLostHandler(func(job *domain.Job, result *domain.ExecutionResult, cause error) {
		lostJob = job
		lostResult = result
	})

	result := domain.Completed(rawInput(`{"v":1}`))
	err := r.ReportResult(context.Background(), testJob("job-1"), result)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeliveryExhausted)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))

	require.NotNil(t, lostJob)
	assert.Equal(t, "job-1", lostJob.ID)
	assert.Equal(t, result, lostResult)
}

func TestReporter_ContextCancelledDuringBackoff(t *testing.T) {
	transport := newFakeTransport()
	transport.submitFn = func(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
		return domain.NewRetryableTransportError(500, errors.New("down"))
	}

	cfg := reporterConfig()
	cfg.BackoffFloor = time.Hour
	cfg.BackoffCeiling = time.Hour
	r := NewReporter(transport, nil, cfg, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.ReportResult(ctx, testJob("job-1"), domain.Completed(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReporter_LargePayloadOffloaded(t *testing.T) {
	transport := newFakeTransport()
	store := &fakeBlobStore{ref: "blob://results/abc"}

	cfg := reporterConfig()
	cfg.PayloadThreshold = 16
	r := NewReporter(transport, store, cfg, testLogger(), nil)

	bigJSON, err := json.Marshal(map[string]string{"data": "0123456789012345678901234567890123456789"})
	require.NoError(t, err)
	result := domain.Completed(bigJSON)

	err = r.ReportResult(context.Background(), testJob("job-1"), result)
	require.NoError(t, err)

	// The inline payload was replaced with the storage reference
	assert.JSONEq(t, `{"ref":"blob://results/abc"}`, string(result.Output))

	submitted := transport.resultsFor("job-1")
	require.Len(t, submitted, 1)
	assert.JSONEq(t, `{"ref":"blob://results/abc"}`, string(submitted[0].Output))
	assert.Len(t, store.stored, 1)
}

func TestReporter_SmallPayloadStaysInline(t *testing.T) {
	transport := newFakeTransport()
	store := &fakeBlobStore{ref: "blob://unused"}

	cfg := reporterConfig()
	cfg.PayloadThreshold = 1024
	r := NewReporter(transport, store, cfg, testLogger(), nil)

	result := domain.Completed(rawInput(`{"small":true}`))
	err := r.ReportResult(context.Background(), testJob("job-1"), result)
	require.NoError(t, err)

	assert.JSONEq(t, `{"small":true}`, string(result.Output))
	assert.Empty(t, store.stored)
}

func TestReporter_OffloadFailureFallsBackInline(t *testing.T) {
	transport := newFakeTransport()
	store := &fakeBlobStore{failWith: errors.New("bucket unavailable")}

	cfg := reporterConfig()
	cfg.PayloadThreshold = 4
	r := NewReporter(transport, store, cfg, testLogger(), nil)

	result := domain.Completed(rawInput(`{"keeps":"inline payload"}`))
	err := r.ReportResult(context.Background(), testJob("job-1"), result)
	require.NoError(t, err)

	submitted := transport.resultsFor("job-1")
	require.Len(t, submitted, 1)
	assert.JSONEq(t, `{"keeps":"inline payload"}`, string(submitted[0].Output))
}

func TestReporter_ReportPartialRetries(t *testing.T) {
	transport := newFakeTransport()
	var attempts int32
	transport.partialFn = func(ctx context.Context, jobID string, output json.RawMessage) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return domain.NewRetryableTransportError(500, errors.New("hiccup"))
		}
		return nil
	}

	r := NewReporter(transport, nil, reporterConfig(), testLogger(), nil)

	err := r.ReportPartial(context.Background(), testJob("job-1"), rawInput(`{"chunk":0}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Len(t, transport.partialsFor("job-1"), 1)
}
