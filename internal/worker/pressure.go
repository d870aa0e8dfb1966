package worker

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/cuongbtq/compute-worker/internal/metrics"
)

// PressureConfig controls the memory pressure monitor.
type PressureConfig struct {
	Enabled bool
	// HighWatermark is the heap/limit ratio above which the effective
	// concurrency ceiling is stepped down.
	HighWatermark float64
	// LowWatermark is the ratio below which the ceiling is stepped back up.
	LowWatermark  float64
	CheckInterval time.Duration
}

// pressureMonitor lowers the slot pool's effective ceiling while heap usage
// sits above the high watermark and restores it once usage falls below the
// low watermark. Adjustments are one step per check so a transient spike
// cannot collapse concurrency to 1 in a single tick.
type pressureMonitor struct {
	pool    *SlotPool
	cfg     PressureConfig
	limit   uint64
	logger  *slog.Logger
	metrics metrics.Sink
}

func newPressureMonitor(pool *SlotPool, cfg PressureConfig, logger *slog.Logger, sink metrics.Sink) *pressureMonitor {
	limit, err := memlimit.FromCgroup()
	if err != nil || limit == 0 {
		limit, err = memlimit.FromSystem()
		if err != nil || limit == 0 {
			logger.Warn("Memory limit not detectable, pressure monitor disabled",
				slog.Any("error", err),
			)
			return nil
		}
		logger.Info("No cgroup memory limit, using system memory",
			slog.Uint64("limit_bytes", limit),
		)
	}

	return &pressureMonitor{
		pool:    pool,
		cfg:     cfg,
		limit:   limit,
		logger:  logger,
		metrics: sink,
	}
}

// Run checks heap usage on every tick until ctx is cancelled.
func (m *pressureMonitor) Run(ctx context.Context) {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Memory pressure monitor started",
		slog.Uint64("limit_bytes", m.limit),
		slog.Float64("high_watermark", m.cfg.HighWatermark),
		slog.Float64("low_watermark", m.cfg.LowWatermark),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Memory pressure monitor stopped")
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *pressureMonitor) check() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.adjust(float64(ms.HeapInuse) / float64(m.limit))
}

// adjust steps the effective ceiling one unit per call: down while ratio
// sits at or above the high watermark, back up once it falls to the low
// watermark. Ratios between the watermarks leave the ceiling unchanged.
func (m *pressureMonitor) adjust(ratio float64) {
	m.metrics.PressureRatio(ratio)

	effective := m.pool.EffectiveCeiling()
	switch {
	case ratio >= m.cfg.HighWatermark && effective > 1:
		m.logger.Warn("Memory pressure high, lowering concurrency",
			slog.Float64("ratio", ratio),
			slog.Int("effective_ceiling", effective-1),
		)
		m.pool.SetEffectiveCeiling(effective - 1)
	case ratio <= m.cfg.LowWatermark && effective < m.pool.Ceiling():
		m.pool.SetEffectiveCeiling(effective + 1)
	}
}
