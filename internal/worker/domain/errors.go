package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob is returned when a fetched job is missing its id or input.
	ErrInvalidJob = errors.New("invalid job: missing id or input")

	// ErrRedeliveryLimit marks a poison job that was redelivered more times
	// than the configured limit. The job is failed without invoking the handler.
	ErrRedeliveryLimit = errors.New("redelivery limit exceeded")

	// ErrAlreadyFinalized is returned by transport implementations when the
	// remote queue reports the job id was already finalized. The reporter
	// treats it as success to keep delivery idempotent.
	ErrAlreadyFinalized = errors.New("job already finalized remotely")

	// ErrDeliveryExhausted is surfaced as a delivery failure event after all
	// reporting attempts for a result were spent. The job is lost from this
	// worker's perspective; redelivery is the remote queue's responsibility.
	ErrDeliveryExhausted = errors.New("result delivery attempts exhausted")
)

// TransportError wraps a failure talking to the remote queue or control
// plane. Retryable errors are retried locally with backoff; terminal ones
// end the delivery attempt immediately.
type TransportError struct {
	Retryable bool
	Status    int // HTTP status or broker code, 0 if not applicable
	Err       error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Status != 0 {
		return fmt.Sprintf("transport error (%s, status=%d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("transport error (%s): %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewRetryableTransportError wraps a transient transport failure.
func NewRetryableTransportError(status int, err error) error {
	return &TransportError{Retryable: true, Status: status, Err: err}
}

// NewTerminalTransportError wraps a transport failure that must not be retried.
func NewTerminalTransportError(status int, err error) error {
	return &TransportError{Retryable: false, Status: status, Err: err}
}

// IsRetryableTransport reports whether err should be retried by the
// reporter's backoff policy. Unknown errors default to retryable so a
// misclassified network failure cannot silently drop a result.
func IsRetryableTransport(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// StorageError wraps a blob store failure. The reporter propagates it
// through its retry policy as if it were a retryable transport error.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "storage error: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CapacityError reports a violated slot accounting invariant, such as a
// double release. It indicates a logic bug in the engine; the slot pool
// panics with it rather than swallowing the defect.
type CapacityError struct {
	Op     string
	Detail string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity invariant violated in %s: %s", e.Op, e.Detail)
}
