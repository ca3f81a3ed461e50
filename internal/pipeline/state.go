package pipeline

// State is the runtime execution state of one job instance.
type State string

const (
	StatePending  State = "pending"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
	StateSkipped  State = "skipped"
	StateCanceled State = "canceled"
)

// Terminal reports whether the state is final for this run.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateCanceled:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a predecessor in this state unblocks its
// dependents. Only success does; a skipped or failed predecessor propagates
// downstream instead.
func (s State) Satisfies() bool { return s == StateSuccess }

// AllowedTransition validates a single state machine step. Failed → Ready is
// the retry path; every other terminal state is absorbing.
func AllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateReady || to == StateSkipped || to == StateCanceled
	case StateReady:
		return to == StateRunning || to == StateSkipped || to == StateCanceled
	case StateRunning:
		return to == StateSuccess || to == StateFailed || to == StateCanceled
	case StateFailed:
		return to == StateReady
	default:
		return false
	}
}

// SkipReason says why a job ended Skipped. The distinction matters for the
// pipeline verdict: a manual skip is benign, an upstream-failure skip is not.
type SkipReason string

const (
	// SkipNone is the zero value for jobs that did not end Skipped.
	SkipNone SkipReason = ""
	// SkipManual marks a manual job that nobody triggered.
	SkipManual SkipReason = "manual"
	// SkipUpstreamFailed marks a job skipped because a predecessor failed.
	SkipUpstreamFailed SkipReason = "upstream_failed"
)
