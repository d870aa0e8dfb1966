package worker

import (
	"context"
	"encoding/json"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// TransportClient is the engine's only view of the remote queue and control
// plane. Implementations return *domain.TransportError to classify failures;
// anything else is treated as retryable.
type TransportClient interface {
	// FetchJobs requests up to maxCount available jobs. An empty slice with
	// a nil error is a valid response meaning the queue is empty.
	FetchJobs(ctx context.Context, maxCount int) ([]*domain.Job, error)

	// SubmitResult delivers the terminal result for a job. Implementations
	// return domain.ErrAlreadyFinalized when the remote side already holds
	// a terminal result for the id.
	SubmitResult(ctx context.Context, jobID string, result *domain.ExecutionResult) error

	// SubmitPartial delivers one partial output of a stream job. Partials
	// for a single job are submitted in production order, one at a time.
	SubmitPartial(ctx context.Context, jobID string, output json.RawMessage) error
}

// BlobStore uploads large result payloads out of band. The reporter uses it
// when an inline payload exceeds the configured size threshold and submits
// the returned reference instead.
type BlobStore interface {
	Store(ctx context.Context, blob []byte) (ref string, err error)
}

// InFlightReporter lets transport implementations advertise current load to
// the control plane when polling (the poll request carries a flag telling
// the queue whether this worker is already busy).
type InFlightReporter interface {
	InFlight() int
}
