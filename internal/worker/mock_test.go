package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records every call and delegates to optional per-method
// stubs. With no stubs it acts as an empty queue that accepts everything.
type fakeTransport struct {
	mu sync.Mutex

	fetchFn   func(ctx context.Context, maxCount int) ([]*domain.Job, error)
	submitFn  func(ctx context.Context, jobID string, result *domain.ExecutionResult) error
	partialFn func(ctx context.Context, jobID string, output json.RawMessage) error

	fetchCounts []int
	results     map[string][]*domain.ExecutionResult
	partials    map[string][]json.RawMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:  make(map[string][]*domain.ExecutionResult),
		partials: make(map[string][]json.RawMessage),
	}
}

func (f *fakeTransport) FetchJobs(ctx context.Context, maxCount int) ([]*domain.Job, error) {
	f.mu.Lock()
	f.fetchCounts = append(f.fetchCounts, maxCount)
	fn := f.fetchFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, maxCount)
	}
	return nil, nil
}

func (f *fakeTransport) SubmitResult(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
	f.mu.Lock()
	fn := f.submitFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, jobID, result); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.results[jobID] = append(f.results[jobID], result)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SubmitPartial(ctx context.Context, jobID string, output json.RawMessage) error {
	f.mu.Lock()
	fn := f.partialFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, jobID, output); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.partials[jobID] = append(f.partials[jobID], output)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) resultsFor(jobID string) []*domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.ExecutionResult(nil), f.results[jobID]...)
}

func (f *fakeTransport) partialsFor(jobID string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.partials[jobID]...)
}

func (f *fakeTransport) fetchRequests() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fetchCounts...)
}

// fakeBlobStore returns a fixed reference, or an error when failWith is set.
type fakeBlobStore struct {
	mu       sync.Mutex
	ref      string
	failWith error
	stored   [][]byte
}

func (f *fakeBlobStore) Store(ctx context.Context, blob []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.stored = append(f.stored, blob)
	return f.ref, nil
}

// captureSink records backoff updates on top of the noop sink.
type captureSink struct {
	*metrics.NoopSink
	mu       sync.Mutex
	backoffs []time.Duration
}

func newCaptureSink() *captureSink {
	return &captureSink{NoopSink: metrics.NewNoopSink()}
}

func (s *captureSink) BackoffUpdated(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffs = append(s.backoffs, d)
}

func (s *captureSink) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.backoffs...)
}

func rawInput(s string) json.RawMessage {
	return json.RawMessage(s)
}

func testJob(id string) *domain.Job {
	return &domain.Job{ID: id, Input: rawInput(`{"n":1}`), DeliveryCount: 1}
}
