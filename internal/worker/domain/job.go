package domain

import "encoding/json"

// Job is one unit of work delivered by the remote queue for this worker.
// A Job is owned exclusively by the executor goroutine processing it and
// is never shared between jobs.
type Job struct {
	// ID uniquely identifies this delivery of the job.
	ID string `json:"id"`

	// Input is the handler's input payload, kept opaque to the engine.
	Input json.RawMessage `json:"input"`

	// Webhook is optional callback metadata forwarded by the queue.
	Webhook string `json:"webhook,omitempty"`

	// DeliveryCount is how many times this job id has been handed out.
	// Zero means the queue did not report it; the first delivery is 1.
	DeliveryCount int `json:"deliveryCount,omitempty"`
}

// Valid reports whether the job carries the fields required for execution.
// Jobs missing an id or input are discarded at the poller and never executed.
func (j *Job) Valid() bool {
	return j != nil && j.ID != "" && len(j.Input) > 0
}
