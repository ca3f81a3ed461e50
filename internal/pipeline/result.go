package pipeline

import "time"

// JobResult is the terminal record of one job instance.
type JobResult struct {
	ID       string // job instance ULID
	Name     string
	Stage    string
	State    State
	Reason   SkipReason
	Attempts int
	Error    string
	// ArtifactRef points at the published artifact set, empty when the job
	// published nothing.
	ArtifactRef string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Result is the terminal record of a whole pipeline run.
type Result struct {
	RunID      string // run UUID
	Ref        string
	Source     Source
	Success    bool
	Jobs       []JobResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock span of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Job returns the result for a named job, if the job was part of the run.
func (r *Result) Job(name string) (JobResult, bool) {
	for _, j := range r.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobResult{}, false
}
