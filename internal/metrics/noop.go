package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) FetchCompleted(jobs int, err error)                                  {}
func (n *NoopSink) BackoffUpdated(d time.Duration)                                      {}
func (n *NoopSink) PoisonJob()                                                          {}
func (n *NoopSink) JobStarted()                                                         {}
func (n *NoopSink) JobFinished(outcome string, d time.Duration)                         {}
func (n *NoopSink) PartialEmitted()                                                     {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, outcome string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                      {}
func (n *NoopSink) PayloadOffloaded(bytes int)                                          {}
func (n *NoopSink) SlotsInUse(c int)                                                    {}
func (n *NoopSink) SlotCeiling(c int)                                                   {}
func (n *NoopSink) PressureRatio(r float64)                                             {}
