package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// PollConfig controls the fetch loop and its backoff.
type PollConfig struct {
	// BackoffFloor is the first backoff interval after an empty or failed
	// fetch; BackoffCeiling caps the exponential growth.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
}

// Poller repeatedly requests available jobs from the transport client,
// applies backoff when the queue is empty or errors occur, and hands
// accepted jobs to executors. It never requests more jobs than the slot
// pool can run.
type Poller struct {
	transport TransportClient
	slots     *SlotPool
	executor  *Executor
	logger    *slog.Logger
	metrics   metrics.Sink
	cfg       PollConfig

	state atomic.Int32 // domain.PollState

	// inflight tracks executor goroutines; owned by the supervisor, shared
	// so Draining -> Stopped can await all terminal results.
	inflight *sync.WaitGroup
}

// NewPoller creates a poller feeding accepted jobs to executor.
func NewPoller(transport TransportClient, slots *SlotPool, executor *Executor, cfg PollConfig, inflight *sync.WaitGroup, logger *slog.Logger, sink metrics.Sink) *Poller {
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = time.Second
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = cfg.BackoffFloor
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Poller{
		transport: transport,
		slots:     slots,
		executor:  executor,
		logger:    logger,
		metrics:   sink,
		cfg:       cfg,
		inflight:  inflight,
	}
}

// State returns the poller's current state.
func (p *Poller) State() domain.PollState {
	return domain.PollState(p.state.Load())
}

func (p *Poller) setState(s domain.PollState) {
	old := domain.PollState(p.state.Swap(int32(s)))
	if old != s {
		p.logger.Debug("Poll state transition",
			slog.String("from", old.String()),
			slog.String("to", s.String()),
		)
	}
}

// Run fetches jobs until pollCtx is cancelled, then stops issuing fetches
// (Draining) and waits for all in-flight executors before returning
// (Stopped). Accepted jobs run with execCtx/reportCtx, which outlive
// pollCtx so the drain can finish their work.
func (p *Poller) Run(pollCtx, execCtx, reportCtx context.Context) {
	p.setState(domain.PollActive)
	p.logger.Info("Poller started",
		slog.Duration("backoff_floor", p.cfg.BackoffFloor),
		slog.Duration("backoff_ceiling", p.cfg.BackoffCeiling),
	)

	var backoff time.Duration

	for {
		if pollCtx.Err() != nil {
			break
		}

		free := p.slots.Available()
		if free == 0 {
			// At ceiling: no fetch until an executor releases a slot. The
			// freed channel coalesces signals, so re-check after waking.
			select {
			case <-pollCtx.Done():
			case <-p.slots.Freed():
			}
			continue
		}

		jobs, err := p.transport.FetchJobs(pollCtx, free)
		p.metrics.FetchCompleted(len(jobs), err)

		switch {
		case err != nil:
			if pollCtx.Err() != nil {
				break
			}
			if !domain.IsRetryableTransport(err) {
				p.logger.Error("Terminal transport error while fetching jobs",
					slog.Any("error", err),
				)
			} else {
				p.logger.Warn("Fetch failed, backing off",
					slog.Any("error", err),
				)
			}
			backoff = p.sleep(pollCtx, backoff)
		case len(jobs) == 0:
			backoff = p.sleep(pollCtx, backoff)
		default:
			// Non-empty fetch resets backoff to the floor.
			backoff = 0
			p.metrics.BackoffUpdated(0)
			p.setState(domain.PollActive)
			p.accept(execCtx, reportCtx, jobs)
		}
	}

	p.setState(domain.PollDraining)
	p.logger.Info("Poller draining",
		slog.Int("in_flight", p.slots.InUse()),
	)
	p.inflight.Wait()
	p.setState(domain.PollStopped)
	p.logger.Info("Poller stopped")
}

// accept validates fetched jobs and launches an executor per job. A slot is
// guaranteed available for each job because the fetch was bounded by free
// capacity and this poller is the only acquirer.
func (p *Poller) accept(execCtx, reportCtx context.Context, jobs []*domain.Job) {
	for _, job := range jobs {
		if !job.Valid() {
			p.logger.Error("Discarding job with missing id or input",
				slog.String("job_id", job.ID),
			)
			continue
		}

		slot := p.slots.TryAcquire()
		if slot == nil {
			// The queue handed out more work than requested; without a slot
			// the job cannot run here. Leave it for redelivery.
			p.logger.Warn("No slot for fetched job, leaving for redelivery",
				slog.String("job_id", job.ID),
			)
			continue
		}

		p.logger.Debug("Job accepted",
			slog.String("job_id", job.ID),
			slog.Int("delivery_count", job.DeliveryCount),
		)

		p.inflight.Add(1)
		go p.executor.Run(execCtx, reportCtx, job, slot, p.inflight)
	}
}

// sleep waits out the next backoff interval, growing it exponentially from
// the floor up to the ceiling. Returns the interval used so the caller can
// carry the progression.
func (p *Poller) sleep(ctx context.Context, current time.Duration) time.Duration {
	next := current * 2
	if current == 0 {
		next = p.cfg.BackoffFloor
	}
	if next > p.cfg.BackoffCeiling {
		next = p.cfg.BackoffCeiling
	}

	p.setState(domain.PollBackoff)
	p.metrics.BackoffUpdated(next)

	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return next
}
