package worker

import (
	"log/slog"
	"sync"

	"github.com/cuongbtq/compute-worker/internal/metrics"
	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// Slot is a permit representing one unit of concurrent execution capacity.
// Every slot acquired is released exactly once, on every exit path of the
// executor holding it.
type Slot struct {
	pool     *SlotPool
	released bool
}

// SlotPool is the single synchronization point shared by the poller and all
// executors. It tracks the in-flight job count against the configured
// ceiling and an effective ceiling that memory pressure may lower.
//
// Lowering the effective ceiling never revokes already-granted slots; it
// only gates future grants.
type SlotPool struct {
	mu        sync.Mutex
	ceiling   int // configured maximum, never changes
	effective int // current grant limit, 1..ceiling
	inUse     int

	freed   chan struct{}
	logger  *slog.Logger
	metrics metrics.Sink
}

// NewSlotPool creates a pool with the given concurrency ceiling.
func NewSlotPool(ceiling int, logger *slog.Logger, sink metrics.Sink) *SlotPool {
	if ceiling < 1 {
		ceiling = 1
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	p := &SlotPool{
		ceiling:   ceiling,
		effective: ceiling,
		freed:     make(chan struct{}, 1),
		logger:    logger,
		metrics:   sink,
	}
	sink.SlotCeiling(ceiling)
	return p
}

// TryAcquire returns a slot, or nil when the pool is at its effective
// ceiling. It never blocks.
func (p *SlotPool) TryAcquire() *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse >= p.effective {
		return nil
	}
	p.inUse++
	p.metrics.SlotsInUse(p.inUse)
	return &Slot{pool: p}
}

// Release returns a slot to the pool. Releasing a slot twice is a logic
// bug; the pool panics with a CapacityError rather than masking it.
func (p *SlotPool) Release(s *Slot) {
	if s == nil {
		panic(&domain.CapacityError{Op: "Release", Detail: "nil slot"})
	}

	p.mu.Lock()
	if s.released {
		p.mu.Unlock()
		panic(&domain.CapacityError{Op: "Release", Detail: "slot released twice"})
	}
	if s.pool != p {
		p.mu.Unlock()
		panic(&domain.CapacityError{Op: "Release", Detail: "slot belongs to a different pool"})
	}
	s.released = true
	p.inUse--
	p.metrics.SlotsInUse(p.inUse)
	p.mu.Unlock()

	// Wake the poller if it is waiting for capacity. The channel holds at
	// most one pending signal; the poller re-reads Available after waking.
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Available returns the number of slots that could be acquired right now.
func (p *SlotPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.effective - p.inUse
	if n < 0 {
		return 0
	}
	return n
}

// InUse returns the number of slots currently held.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Ceiling returns the configured maximum concurrency.
func (p *SlotPool) Ceiling() int {
	return p.ceiling
}

// SetEffectiveCeiling adjusts the grant limit, clamped to [1, ceiling].
// Called by the pressure monitor; already-granted slots are unaffected.
func (p *SlotPool) SetEffectiveCeiling(n int) {
	if n < 1 {
		n = 1
	}
	if n > p.ceiling {
		n = p.ceiling
	}

	p.mu.Lock()
	changed := n != p.effective
	p.effective = n
	p.mu.Unlock()

	if changed {
		p.metrics.SlotCeiling(n)
		if p.logger != nil {
			p.logger.Info("Concurrency ceiling adjusted",
				slog.Int("effective", n),
				slog.Int("configured", p.ceiling),
			)
		}
		// A raised ceiling frees capacity without a Release; nudge the poller.
		select {
		case p.freed <- struct{}{}:
		default:
		}
	}
}

// EffectiveCeiling returns the current grant limit.
func (p *SlotPool) EffectiveCeiling() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effective
}

// Freed returns a channel that receives a signal whenever capacity may have
// become available. Only the poller consumes it.
func (p *SlotPool) Freed() <-chan struct{} {
	return p.freed
}
