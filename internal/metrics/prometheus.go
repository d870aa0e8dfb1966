package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Poller metrics
	fetchesTotal     *prometheus.CounterVec
	jobsFetchedTotal prometheus.Counter
	poisonJobsTotal  prometheus.Counter
	backoffDuration  prometheus.Gauge

	// Executor metrics
	jobsInFlight     prometheus.Gauge
	jobOutcomesTotal *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	partialsTotal    prometheus.Counter

	// Reporter metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	offloadedBytesTotal   prometheus.Counter

	// Slot pool metrics
	slotsInUse    prometheus.Gauge
	slotCeiling   prometheus.Gauge
	pressureRatio prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink registered on reg.
// Metrics that fail to register keep working as unregistered collectors.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initPollerMetrics(reg)
	s.initExecutorMetrics(reg)
	s.initReporterMetrics(reg)
	s.initSlotMetrics(reg)
	return s
}

func (s *PrometheusSink) initPollerMetrics(reg prometheus.Registerer) {
	s.fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_poller_fetches_total",
		Help: "Total number of job fetch attempts by result.",
	}, []string{"result"})
	s.jobsFetchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_poller_jobs_fetched_total",
		Help: "Total number of jobs accepted from the queue.",
	})
	s.poisonJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_poller_poison_jobs_total",
		Help: "Total number of jobs failed for exceeding the redelivery limit.",
	})
	s.backoffDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_poller_backoff_seconds",
		Help: "Current poll backoff interval in seconds (0 while active).",
	})

	s.register(reg, s.fetchesTotal, "worker_poller_fetches_total")
	s.register(reg, s.jobsFetchedTotal, "worker_poller_jobs_fetched_total")
	s.register(reg, s.poisonJobsTotal, "worker_poller_poison_jobs_total")
	s.register(reg, s.backoffDuration, "worker_poller_backoff_seconds")
}

func (s *PrometheusSink) initExecutorMetrics(reg prometheus.Registerer) {
	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_executor_jobs_in_flight",
		Help: "Number of jobs currently executing.",
	})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_executor_job_outcomes_total",
		Help: "Total number of terminal job outcomes.",
	}, []string{"outcome"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_executor_job_duration_seconds",
		Help:    "Handler execution duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
	s.partialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_executor_stream_partials_total",
		Help: "Total number of stream partial outputs emitted.",
	})

	s.register(reg, s.jobsInFlight, "worker_executor_jobs_in_flight")
	s.register(reg, s.jobOutcomesTotal, "worker_executor_job_outcomes_total")
	s.register(reg, s.jobDuration, "worker_executor_job_duration_seconds")
	s.register(reg, s.partialsTotal, "worker_executor_stream_partials_total")
}

func (s *PrometheusSink) initReporterMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_reporter_delivery_attempts_total",
		Help: "Total number of result submission attempts.",
	}, []string{"attempt", "outcome"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_reporter_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per result.",
	}, []string{"outcome"})
	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_reporter_delivery_duration_seconds",
		Help:    "Result submission latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.offloadedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_reporter_offloaded_bytes_total",
		Help: "Total bytes redirected through the blob store.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "worker_reporter_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "worker_reporter_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "worker_reporter_delivery_duration_seconds")
	s.register(reg, s.offloadedBytesTotal, "worker_reporter_offloaded_bytes_total")
}

func (s *PrometheusSink) initSlotMetrics(reg prometheus.Registerer) {
	s.slotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_slots_in_use",
		Help: "Number of concurrency slots currently held by executors.",
	})
	s.slotCeiling = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_slots_ceiling",
		Help: "Effective concurrency ceiling after pressure adjustment.",
	})
	s.pressureRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_memory_pressure_ratio",
		Help: "Heap usage relative to the memory limit (0-1).",
	})

	s.register(reg, s.slotsInUse, "worker_slots_in_use")
	s.register(reg, s.slotCeiling, "worker_slots_ceiling")
	s.register(reg, s.pressureRatio, "worker_memory_pressure_ratio")
}

// register attempts to register a collector, logging errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector",
			slog.String("name", name),
			slog.Any("error", err),
		)
	}
}

// Poller metrics implementation

func (s *PrometheusSink) FetchCompleted(jobs int, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case jobs == 0:
		result = "empty"
	}
	s.fetchesTotal.WithLabelValues(result).Inc()
	if jobs > 0 {
		s.jobsFetchedTotal.Add(float64(jobs))
	}
}

func (s *PrometheusSink) BackoffUpdated(d time.Duration) {
	s.backoffDuration.Set(d.Seconds())
}

func (s *PrometheusSink) PoisonJob() {
	s.poisonJobsTotal.Inc()
}

// Executor metrics implementation

func (s *PrometheusSink) JobStarted() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobFinished(outcome string, d time.Duration) {
	s.jobsInFlight.Dec()
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
	s.jobDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) PartialEmitted() {
	s.partialsTotal.Inc()
}

// Reporter metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, outcome string, d time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), outcome).Inc()
	s.deliveryDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) PayloadOffloaded(bytes int) {
	s.offloadedBytesTotal.Add(float64(bytes))
}

// Slot pool metrics implementation

func (s *PrometheusSink) SlotsInUse(n int) {
	s.slotsInUse.Set(float64(n))
}

func (s *PrometheusSink) SlotCeiling(n int) {
	s.slotCeiling.Set(float64(n))
}

func (s *PrometheusSink) PressureRatio(r float64) {
	s.pressureRatio.Set(r)
}
