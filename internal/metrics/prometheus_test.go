package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	require.NotNil(t, sink)

	// Exercise every sink method once
	sink.FetchCompleted(2, nil)
	sink.FetchCompleted(0, nil)
	sink.FetchCompleted(0, errors.New("queue down"))
	sink.BackoffUpdated(time.Second)
	sink.PoisonJob()
	sink.JobStarted()
	sink.JobFinished(OutcomeCompleted, 150*time.Millisecond)
	sink.PartialEmitted()
	sink.DeliveryAttemptCompleted(1, AttemptOK, 10*time.Millisecond)
	sink.DeliveryOutcome(OutcomeDelivered)
	sink.PayloadOffloaded(2048)
	sink.SlotsInUse(3)
	sink.SlotCeiling(4)
	sink.PressureRatio(0.42)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"worker_poller_fetches_total",
		"worker_poller_jobs_fetched_total",
		"worker_poller_poison_jobs_total",
		"worker_poller_backoff_seconds",
		"worker_executor_jobs_in_flight",
		"worker_executor_job_outcomes_total",
		"worker_executor_job_duration_seconds",
		"worker_executor_stream_partials_total",
		"worker_reporter_delivery_attempts_total",
		"worker_reporter_delivery_outcomes_total",
		"worker_reporter_delivery_duration_seconds",
		"worker_reporter_offloaded_bytes_total",
		"worker_slots_in_use",
		"worker_slots_ceiling",
		"worker_memory_pressure_ratio",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		NewPrometheusSink(reg)
		NewPrometheusSink(reg)
	})
}

func TestNoopSink_ImplementsSink(t *testing.T) {
	var sink Sink = NewNoopSink()
	assert.NotPanics(t, func() {
		sink.FetchCompleted(1, nil)
		sink.BackoffUpdated(time.Second)
		sink.JobStarted()
		sink.JobFinished(OutcomeFailed, time.Second)
	})
}
