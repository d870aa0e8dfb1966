package worker

import (
	"context"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// Handler is the user-supplied code that consumes a job's input and
// produces a single output value. The returned value is marshaled to JSON
// before submission; returning a value that cannot be marshaled fails the
// job. A non-nil error fails the job without retry; handler failures are
// never a delivery problem from the platform's view.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (any, error)
}

// EmitFunc delivers one partial output of a stream job. It blocks until the
// partial is acknowledged by the control plane, giving the handler natural
// backpressure, and returns an error once the job can no longer accept
// partials (terminal result produced, timeout, shutdown).
type EmitFunc func(ctx context.Context, output any) error

// StreamHandler is implemented by handlers that produce an ordered sequence
// of partial outputs instead of a single value. The executor resolves the
// capability once per invocation with a type assertion; a handler that
// implements StreamHandler is always executed in streaming mode.
//
// HandleStream must call emit for each partial in production order and
// return once the sequence is exhausted. A non-nil return fails the job.
type StreamHandler interface {
	Handler
	HandleStream(ctx context.Context, job *domain.Job, emit EmitFunc) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *domain.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) (any, error) {
	return f(ctx, job)
}

// StreamHandlerFunc adapts a plain function to the StreamHandler interface.
type StreamHandlerFunc func(ctx context.Context, job *domain.Job, emit EmitFunc) error

func (f StreamHandlerFunc) HandleStream(ctx context.Context, job *domain.Job, emit EmitFunc) error {
	return f(ctx, job, emit)
}

// Handle collects the stream into its last partial so a StreamHandlerFunc
// still satisfies Handler. The executor never takes this path; it exists so
// integrators can register either shape under one configuration key.
func (f StreamHandlerFunc) Handle(ctx context.Context, job *domain.Job) (any, error) {
	var last any
	err := f(ctx, job, func(_ context.Context, output any) error {
		last = output
		return nil
	})
	return last, err
}
