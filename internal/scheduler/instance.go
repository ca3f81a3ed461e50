package scheduler

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vk/gantry/internal/graph"
	"github.com/vk/gantry/internal/pipeline"
)

// instance is the mutable materialization of one job template for this run.
// It is owned by the scheduler loop; goroutines report back through the
// completion channel and never touch it directly.
type instance struct {
	id   string
	node *graph.Node

	state  pipeline.State
	reason pipeline.SkipReason
	// attempt counts dispatches so far; the retry budget allows policy.Max
	// attempts beyond the first.
	attempt     int
	err         error
	artifactRef string
	workdir     string

	startedAt  time.Time
	finishedAt time.Time
}

func newInstance(node *graph.Node) *instance {
	return &instance{
		id:    ulid.Make().String(),
		node:  node,
		state: pipeline.StatePending,
	}
}

// transition performs one validated state machine step. An invalid step is a
// scheduler bug, surfaced loudly instead of silently corrupting the run.
func (in *instance) transition(to pipeline.State) error {
	if !pipeline.AllowedTransition(in.state, to) {
		return fmt.Errorf("invalid transition for job %q: %s -> %s", in.node.Name, in.state, to)
	}
	in.state = to
	if to.Terminal() {
		in.finishedAt = time.Now()
	}
	return nil
}

// blockingDep classifies a terminal predecessor: does it stop this job from
// ever running? A failed predecessor blocks unless it was allow_failure; a
// predecessor skipped because of its own upstream failure propagates the
// block; a manually-skipped predecessor does not block (its artifacts may
// still be missing, which the broker reports at dispatch time).
func blockingDep(dep *instance) bool {
	switch dep.state {
	case pipeline.StateFailed:
		return !dep.node.Template.AllowFailure
	case pipeline.StateSkipped:
		return dep.reason == pipeline.SkipUpstreamFailed
	case pipeline.StateCanceled:
		return true
	default:
		return false
	}
}

// depsTerminal reports whether every predecessor reached a terminal state.
func (s *Scheduler) depsTerminal(in *instance) bool {
	for name := range in.node.Deps {
		if !s.instances[name].state.Terminal() {
			return false
		}
	}
	return true
}

// anyDepBlocking reports whether some predecessor's outcome forces a skip.
func (s *Scheduler) anyDepBlocking(in *instance) bool {
	for name := range in.node.Deps {
		if blockingDep(s.instances[name]) {
			return true
		}
	}
	return false
}

// environment resolves the variable scope a dispatch runs with: invocation
// context, then global variables, then job overrides, then the per-job CI_*
// identity.
func (s *Scheduler) environment(in *instance) map[string]string {
	env := s.pctx.VarMap()
	for k, v := range s.graph.Variables {
		env[k] = v
	}
	for k, v := range in.node.Template.Variables {
		env[k] = v
	}
	env["CI_JOB_NAME"] = in.node.Name
	env["CI_JOB_STAGE"] = in.node.Template.Stage
	env["CI_JOB_ID"] = in.id
	return env
}

// artifactSources lists the upstream jobs whose artifacts must be
// materialized before this job runs: the template's declared sources,
// narrowed to producers that actually declare artifacts.
func (s *Scheduler) artifactSources(in *instance) []string {
	var out []string
	for _, name := range in.node.Template.ArtifactSources() {
		if up, ok := s.instances[name]; ok && up.node.Template.Artifacts != nil {
			out = append(out, name)
		}
	}
	return out
}

// result converts the instance into its terminal record.
func (in *instance) result() pipeline.JobResult {
	res := pipeline.JobResult{
		ID:          in.id,
		Name:        in.node.Name,
		Stage:       in.node.Template.Stage,
		State:       in.state,
		Reason:      in.reason,
		Attempts:    in.attempt,
		ArtifactRef: in.artifactRef,
		StartedAt:   in.startedAt,
		FinishedAt:  in.finishedAt,
	}
	if in.err != nil {
		res.Error = in.err.Error()
	}
	return res
}
