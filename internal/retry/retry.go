// Package retry decides whether a failed job dispatch gets another attempt.
//
// The decision is a pure function of the job's configured policy, the failure
// classification reported by the executor, and the attempt counter. Keeping it
// free of hidden state makes retry behaviour deterministic and directly
// testable.
package retry

// FailureClass categorizes why a dispatch failed. Infrastructure flakiness is
// kept distinct from a genuinely failing script so that it never counts
// against the job's "real" failure semantics.
type FailureClass string

const (
	// ScriptFailure is a non-zero exit from the job payload itself.
	ScriptFailure FailureClass = "script_failure"
	// RunnerSystemFailure is a failure of the machinery running the job.
	RunnerSystemFailure FailureClass = "runner_system_failure"
	// APIFailure is a failure talking to an external service on the job's behalf.
	APIFailure FailureClass = "api_failure"
	// MissingDependency means a required upstream artifact could not be
	// materialized. Retrying cannot help: the upstream is already terminal.
	MissingDependency FailureClass = "missing_dependency"
)

// Always is the wildcard entry in Policy.When matching every failure class.
const Always = "always"

// Policy is a job's configured retry budget.
type Policy struct {
	// Max is the number of retries after the first attempt. Zero disables
	// retrying entirely.
	Max int
	// When lists the retryable failure classes. Empty means Always.
	When []string
}

// Decide reports whether a job that failed with the given class on the given
// attempt (1-based) should be returned to the ready queue. A policy with
// Max = 2 therefore permits exactly three dispatches in total.
func Decide(p Policy, class FailureClass, attempt int) bool {
	if attempt > p.Max {
		return false
	}
	if class == MissingDependency {
		return false
	}
	if len(p.When) == 0 {
		return true
	}
	for _, w := range p.When {
		if w == Always || w == string(class) {
			return true
		}
	}
	return false
}
