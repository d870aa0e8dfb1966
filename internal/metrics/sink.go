package metrics

import "time"

// Sink defines the interface for recording worker metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log a warning and continue.
type Sink interface {
	// Poller metrics
	FetchCompleted(jobs int, err error)
	BackoffUpdated(d time.Duration)
	PoisonJob()

	// Executor metrics
	JobStarted()
	JobFinished(outcome string, d time.Duration)
	PartialEmitted()

	// Reporter metrics
	DeliveryAttemptCompleted(attempt int, outcome string, d time.Duration)
	DeliveryOutcome(outcome string)
	PayloadOffloaded(bytes int)

	// Slot pool metrics
	SlotsInUse(n int)
	SlotCeiling(n int)
	PressureRatio(r float64)
}

// Outcome constants for JobFinished and DeliveryOutcome.
const (
	OutcomeCompleted = "completed"
	OutcomeStream    = "stream"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeDelivered = "delivered"
	OutcomeLost      = "lost"
)

// Attempt outcome constants for DeliveryAttemptCompleted.
const (
	AttemptOK        = "ok"
	AttemptRetryable = "retryable"
	AttemptTerminal  = "terminal"
)
