// Package simulator is an in-memory stand-in for the serverless control
// plane, used for local development and integration testing of workers. It
// serves the same job-take / job-done / job-stream / upload surface the real
// control plane exposes, backed by a mutex-guarded store instead of a queue.
package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the store
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyFinalized is returned when a job already has a terminal result
	ErrAlreadyFinalized = errors.New("job already finalized")
)

// JobRecord tracks one job through the simulated control plane
type JobRecord struct {
	Job         *domain.Job             `json:"job"`
	LeasedBy    string                  `json:"leased_by,omitempty"`
	LeasedAt    time.Time               `json:"leased_at,omitempty"`
	Result      *domain.ExecutionResult `json:"result,omitempty"`
	FinalizedBy string                  `json:"finalized_by,omitempty"`
	FinalizedAt time.Time               `json:"finalized_at,omitempty"`
	Partials    []json.RawMessage       `json:"partials,omitempty"`
}

// Store holds queued jobs and recorded results in memory
type Store struct {
	mu      sync.Mutex
	queue   []*domain.Job
	records map[string]*JobRecord
	uploads map[string][]byte
	seq     int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records: make(map[string]*JobRecord),
		uploads: make(map[string][]byte),
	}
}

// Enqueue adds a job to the queue. A job id seen before re-enters the queue
// with its delivery count carried over, mimicking broker redelivery.
func (s *Store) Enqueue(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[job.ID]; ok {
		rec.Job.DeliveryCount++
		s.queue = append(s.queue, rec.Job)
		return
	}

	if job.DeliveryCount == 0 {
		job.DeliveryCount = 1
	}
	s.records[job.ID] = &JobRecord{Job: job}
	s.queue = append(s.queue, job)
}

// Take leases up to maxCount jobs to workerID, FIFO order
func (s *Store) Take(workerID string, maxCount int) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxCount > len(s.queue) {
		maxCount = len(s.queue)
	}
	if maxCount <= 0 {
		return nil
	}

	taken := s.queue[:maxCount]
	s.queue = s.queue[maxCount:]

	now := time.Now()
	for _, job := range taken {
		rec := s.records[job.ID]
		rec.LeasedBy = workerID
		rec.LeasedAt = now
	}
	return taken
}

// Finalize records a terminal result. The first submission wins; later ones
// report ErrAlreadyFinalized so worker-side retry stays idempotent.
func (s *Store) Finalize(jobID, workerID string, result *domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if rec.Result != nil {
		return ErrAlreadyFinalized
	}

	rec.Result = result
	rec.FinalizedBy = workerID
	rec.FinalizedAt = time.Now()
	return nil
}

// AppendPartial records one stream partial. Partials after a terminal result
// are rejected.
func (s *Store) AppendPartial(jobID string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if rec.Result != nil {
		return ErrAlreadyFinalized
	}

	rec.Partials = append(rec.Partials, output)
	return nil
}

// StoreUpload keeps an uploaded blob and returns its reference
func (s *Store) StoreUpload(workerID string, blob []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ref := fmt.Sprintf("sim://uploads/%s/%d", workerID, s.seq)
	s.uploads[ref] = blob
	return ref
}

// Record returns the record for a job id
func (s *Store) Record(jobID string) (*JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	return rec, ok
}

// QueueDepth returns the number of jobs waiting to be taken
func (s *Store) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
