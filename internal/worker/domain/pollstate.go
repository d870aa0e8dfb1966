package domain

// PollState is the state of the job queue poller.
type PollState int32

// Poll state constants, ordered by lifecycle progression.
const (
	// PollActive means the poller is fetching greedily up to free capacity.
	PollActive PollState = iota
	// PollBackoff means the last fetch was empty or failed; the poller is
	// sleeping before the next attempt.
	PollBackoff
	// PollDraining means shutdown began; no new fetches are issued but
	// already-accepted jobs keep running.
	PollDraining
	// PollStopped means all in-flight executors reported terminal results
	// and released their slots.
	PollStopped
)

func (s PollState) String() string {
	switch s {
	case PollActive:
		return "ACTIVE"
	case PollBackoff:
		return "BACKOFF"
	case PollDraining:
		return "DRAINING"
	case PollStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
