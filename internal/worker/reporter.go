package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// ReporterConfig controls result delivery retries and payload offloading.
type ReporterConfig struct {
	// MaxAttempts bounds submission attempts per result or partial.
	MaxAttempts int
	// BackoffFloor and BackoffCeiling bound the exponential retry delay.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	// PayloadThreshold is the inline payload size in bytes above which the
	// output is redirected through the blob store. Zero disables offloading.
	PayloadThreshold int
	// WarnThreshold logs an advisory for outputs above this size even when
	// they stay inline. Zero disables the advisory.
	WarnThreshold int
}

// LostResultSink receives results whose delivery attempts were exhausted.
// The journal implements it; the supervisor also counts these events.
type LostResultSink interface {
	RecordLost(ctx context.Context, job *domain.Job, result *domain.ExecutionResult, cause error)
}

// Reporter delivers terminal results and stream partials to the transport
// client, retrying transient failures with bounded exponential backoff.
type Reporter struct {
	transport TransportClient
	store     BlobStore // optional, nil = no offloading
	logger    *slog.Logger
	metrics   metrics.Sink
	cfg       ReporterConfig

	// onLost is invoked after delivery attempts for a terminal result are
	// exhausted. Set by the supervisor; may be nil in tests.
	onLost func(job *domain.Job, result *domain.ExecutionResult, cause error)
}

// NewReporter creates a reporter. store may be nil when payload offloading
// is disabled.
func NewReporter(transport TransportClient, store BlobStore, cfg ReporterConfig, logger *slog.Logger, sink metrics.Sink) *Reporter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = 250 * time.Millisecond
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = cfg.BackoffFloor
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Reporter{
		transport: transport,
		store:     store,
		logger:    logger,
		metrics:   sink,
		cfg:       cfg,
	}
}

// SetLostHandler registers the delivery-failure callback.
func (r *Reporter) SetLostHandler(fn func(job *domain.Job, result *domain.ExecutionResult, cause error)) {
	r.onLost = fn
}

// ReportResult delivers the terminal result for a job. On exhausted retries
// the result is surfaced as a delivery failure event and ErrDeliveryExhausted
// is returned; the job is not re-queued locally.
func (r *Reporter) ReportResult(ctx context.Context, job *domain.Job, result *domain.ExecutionResult) error {
	if err := r.offloadLargeOutput(ctx, job, result); err != nil {
		// Offload failures are folded into the submission retry path below
		// by keeping the payload inline; the control plane may still reject
		// it, which surfaces through the normal retry policy.
		r.logger.Warn("Blob store upload failed, submitting inline",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	err := r.submitWithRetry(ctx, job.ID, func(ctx context.Context) error {
		return r.transport.SubmitResult(ctx, job.ID, result)
	})
	if err != nil {
		cause := fmt.Errorf("%w: %w", domain.ErrDeliveryExhausted, err)
		r.logger.Error("Result delivery exhausted, job lost from this worker",
			slog.String("job_id", job.ID),
			slog.String("kind", string(result.Kind)),
			slog.Any("error", err),
		)
		r.metrics.DeliveryOutcome(metrics.OutcomeLost)
		if r.onLost != nil {
			r.onLost(job, result, cause)
		}
		return cause
	}

	r.metrics.DeliveryOutcome(metrics.OutcomeDelivered)
	return nil
}

// ReportPartial delivers one partial output of a stream job, retrying with
// the same policy as terminal results. Ordering is preserved because the
// executor awaits each call before requesting the next item.
func (r *Reporter) ReportPartial(ctx context.Context, job *domain.Job, output json.RawMessage) error {
	err := r.submitWithRetry(ctx, job.ID, func(ctx context.Context) error {
		return r.transport.SubmitPartial(ctx, job.ID, output)
	})
	if err != nil {
		return fmt.Errorf("partial delivery: %w", err)
	}
	r.metrics.PartialEmitted()
	return nil
}

// submitWithRetry runs submit up to MaxAttempts times, sleeping an
// exponentially growing interval between attempts. Terminal transport
// errors stop the loop immediately; ErrAlreadyFinalized counts as success.
func (r *Reporter) submitWithRetry(ctx context.Context, jobID string, submit func(context.Context) error) error {
	backoff := r.cfg.BackoffFloor
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > r.cfg.BackoffCeiling {
				backoff = r.cfg.BackoffCeiling
			}
		}

		started := time.Now()
		err := submit(ctx)
		elapsed := time.Since(started)

		if err == nil {
			r.metrics.DeliveryAttemptCompleted(attempt, metrics.AttemptOK, elapsed)
			return nil
		}

		if errors.Is(err, domain.ErrAlreadyFinalized) {
			// The remote side already holds a terminal result for this id.
			// Treat as success to keep delivery idempotent.
			r.logger.Info("Job already finalized remotely, treating as delivered",
				slog.String("job_id", jobID),
			)
			r.metrics.DeliveryAttemptCompleted(attempt, metrics.AttemptOK, elapsed)
			return nil
		}

		lastErr = err

		var se *domain.StorageError
		if errors.As(err, &se) || domain.IsRetryableTransport(err) {
			r.metrics.DeliveryAttemptCompleted(attempt, metrics.AttemptRetryable, elapsed)
			r.logger.Warn("Result submission failed, will retry",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", r.cfg.MaxAttempts),
				slog.Duration("backoff", backoff),
				slog.Any("error", err),
			)
			continue
		}

		r.metrics.DeliveryAttemptCompleted(attempt, metrics.AttemptTerminal, elapsed)
		r.logger.Error("Result submission failed terminally",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return err
	}

	return lastErr
}

// offloadLargeOutput replaces an oversized inline output with a blob store
// reference. Outputs above the warn threshold log an advisory either way.
func (r *Reporter) offloadLargeOutput(ctx context.Context, job *domain.Job, result *domain.ExecutionResult) error {
	if len(result.Output) == 0 {
		return nil
	}

	size := len(result.Output)
	if r.cfg.WarnThreshold > 0 && size > r.cfg.WarnThreshold {
		r.logger.Warn("Large result payload, consider returning a storage reference",
			slog.String("job_id", job.ID),
			slog.Int("bytes", size),
		)
	}

	if r.store == nil || r.cfg.PayloadThreshold <= 0 || size <= r.cfg.PayloadThreshold {
		return nil
	}

	ref, err := r.store.Store(ctx, result.Output)
	if err != nil {
		return &domain.StorageError{Err: err}
	}

	refPayload, err := json.Marshal(map[string]string{"ref": ref})
	if err != nil {
		return fmt.Errorf("marshal storage reference: %w", err)
	}

	r.logger.Info("Result payload redirected through blob store",
		slog.String("job_id", job.ID),
		slog.Int("bytes", size),
		slog.String("ref", ref),
	)
	r.metrics.PayloadOffloaded(size)
	result.Output = refPayload
	return nil
}
