package domain

import "encoding/json"

// ResultKind tags the variants of an ExecutionResult.
type ResultKind string

// Result kind constants
const (
	// ResultCompleted carries the handler's single output value.
	ResultCompleted ResultKind = "COMPLETED"
	// ResultCompletedStream is the terminal marker for a stream job. All
	// partial outputs were already delivered (or discarded) before it is
	// produced.
	ResultCompletedStream ResultKind = "COMPLETED_STREAM"
	// ResultFailed carries the error detail for a job that did not complete.
	ResultFailed ResultKind = "FAILED"
	// ResultTimedOut marks a job whose execution exceeded its budget.
	ResultTimedOut ResultKind = "TIMED_OUT"
)

// ExecutionResult is the single terminal outcome of one job execution.
// Exactly one ExecutionResult is produced per accepted job, on every exit
// path of the executor.
type ExecutionResult struct {
	Kind ResultKind `json:"kind"`

	// Output is the handler output for ResultCompleted, or a storage
	// reference when the payload was redirected through the blob store.
	Output json.RawMessage `json:"output,omitempty"`

	// Partials is the number of partial outputs delivered before the
	// terminal marker of a ResultCompletedStream.
	Partials int `json:"partials,omitempty"`

	// Error holds the failure detail for ResultFailed and ResultTimedOut.
	Error *ErrorDetail `json:"error,omitempty"`

	// Retryable reports whether the remote queue may redeliver the job.
	// Handler failures are never retryable from the platform's view.
	Retryable bool `json:"retryable,omitempty"`
}

// ErrorDetail describes a handler failure in enough detail to debug it
// remotely without access to the worker's logs.
type ErrorDetail struct {
	Type     string `json:"error_type"`
	Message  string `json:"error_message"`
	Stack    string `json:"error_traceback,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Completed wraps a single handler output.
func Completed(output json.RawMessage) *ExecutionResult {
	return &ExecutionResult{Kind: ResultCompleted, Output: output}
}

// CompletedStream builds the terminal marker for a stream of n partials.
func CompletedStream(partials int) *ExecutionResult {
	return &ExecutionResult{Kind: ResultCompletedStream, Partials: partials}
}

// Failed builds a failed result. Handler failures pass retryable=false.
func Failed(detail *ErrorDetail, retryable bool) *ExecutionResult {
	return &ExecutionResult{Kind: ResultFailed, Error: detail, Retryable: retryable}
}

// TimedOut builds the result for a job that exceeded its execution budget.
func TimedOut(detail *ErrorDetail) *ExecutionResult {
	return &ExecutionResult{Kind: ResultTimedOut, Error: detail}
}
