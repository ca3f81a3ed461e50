// Package scheduler walks the job DAG and drives every instance through its
// state machine: Pending → Ready → Running → {Success, Failed, Skipped,
// Canceled}, with Failed → Ready as the retry path. It is a reactive
// dispatcher: all progress is driven by job-completion events, stage
// barriers and needs edges having been unified into plain graph edges at
// build time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/gantry/internal/artifact"
	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/executor"
	"github.com/vk/gantry/internal/graph"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/retry"
	"github.com/vk/gantry/internal/rules"
)

// Config tunes one scheduler run.
type Config struct {
	// WorkRoot is where per-job scratch directories are created.
	WorkRoot string
	// DefaultLimit caps concurrent jobs per runner pool. Zero means
	// unlimited.
	DefaultLimit int
	// TagLimits overrides the cap for individual pools.
	TagLimits map[string]int
	// GracePeriod bounds how long a canceled run waits for running jobs
	// before forcibly marking them Canceled.
	GracePeriod time.Duration
}

const defaultGracePeriod = 10 * time.Second

// completion is what a dispatch goroutine reports back to the loop.
type completion struct {
	name        string
	outcome     executor.Outcome
	dispatchErr error
	resolveErr  error
	publishErr  error
	artifactRef string
}

// Scheduler executes one pipeline run. Instances are owned by the Run loop;
// dispatch goroutines only ever communicate through the events channel.
type Scheduler struct {
	graph  *graph.Graph
	pctx   *pipeline.Context
	exec   executor.Executor
	broker *artifact.Broker
	cfg    Config

	instances map[string]*instance
	inflight  map[string]int
	running   int
}

// New creates a scheduler for one run of the given graph.
func New(g *graph.Graph, pctx *pipeline.Context, exec executor.Executor, broker *artifact.Broker, cfg Config) *Scheduler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Scheduler{
		graph:     g,
		pctx:      pctx,
		exec:      exec,
		broker:    broker,
		cfg:       cfg,
		instances: make(map[string]*instance, len(g.Nodes)),
		inflight:  make(map[string]int),
	}
}

// Run drives the graph to completion and returns the pipeline result. The
// returned error reports engine malfunctions only; job failures are part of
// the result.
func (s *Scheduler) Run(ctx context.Context) (*pipeline.Result, error) {
	logger := ctxlog.FromContext(ctx)
	startedAt := time.Now()

	for _, name := range s.graph.Order {
		s.instances[name] = newInstance(s.graph.Nodes[name])
	}
	logger.Info("Pipeline run starting.", "jobs", len(s.instances), "stages", len(s.graph.Stages))

	events := make(chan completion, len(s.instances)+1)
	canceling := false
	var grace <-chan time.Time

	for {
		if !canceling && ctx.Err() != nil {
			logger.Warn("Cancellation requested, aborting pending work.")
			if err := s.beginCancel(ctx); err != nil {
				return nil, err
			}
			canceling = true
			grace = time.After(s.cfg.GracePeriod)
		}
		if !canceling {
			if err := s.scan(ctx); err != nil {
				return nil, err
			}
			if err := s.dispatch(ctx, events); err != nil {
				return nil, err
			}
		}

		if s.allTerminal() {
			break
		}
		if s.running == 0 {
			if canceling {
				break
			}
			return nil, fmt.Errorf("scheduler stalled with no running jobs and no ready work")
		}

		var done <-chan struct{}
		if !canceling {
			done = ctx.Done()
		}
		select {
		case ev := <-events:
			if err := s.handleCompletion(ctx, ev, canceling); err != nil {
				return nil, err
			}
		case <-grace:
			logger.Error("Grace period expired, forcing cancellation of running jobs.")
			if err := s.forceCancel(); err != nil {
				return nil, err
			}
		case <-done:
			// Next iteration begins cancellation.
		}
	}

	result := s.buildResult(startedAt)
	logger.Info("Pipeline run finished.", "success", result.Success, "duration", result.Duration().String())
	return result, nil
}

// scan promotes Pending instances whose predecessors are all terminal:
// blocked ones to Skipped, manual ones to Skipped(manual), the rest to
// Ready. Repeats until a fixpoint so same-stage needs settle within one
// call.
func (s *Scheduler) scan(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for changed := true; changed; {
		changed = false
		for _, name := range s.graph.Order {
			in := s.instances[name]
			if in.state != pipeline.StatePending || !s.depsTerminal(in) {
				continue
			}
			switch {
			case in.node.Action != rules.ActionAlways && s.anyDepBlocking(in):
				logger.Info("Skipping job: upstream failed.", "job", name)
				in.reason = pipeline.SkipUpstreamFailed
				in.err = fmt.Errorf("skipped due to upstream failure")
				if err := in.transition(pipeline.StateSkipped); err != nil {
					return err
				}
			case in.node.Action == rules.ActionManual:
				logger.Info("Leaving manual job untriggered.", "job", name)
				in.reason = pipeline.SkipManual
				if err := in.transition(pipeline.StateSkipped); err != nil {
					return err
				}
			default:
				if err := in.transition(pipeline.StateReady); err != nil {
					return err
				}
			}
			changed = true
		}
	}
	return nil
}

// dispatch launches every Ready instance that can take a slot in all of its
// runner pools.
func (s *Scheduler) dispatch(ctx context.Context, events chan<- completion) error {
	logger := ctxlog.FromContext(ctx)
	for _, name := range s.graph.Order {
		in := s.instances[name]
		if in.state != pipeline.StateReady {
			continue
		}
		if !s.acquire(in.node.Template.Tags) {
			logger.Debug("Runner pool saturated, job stays ready.", "job", name)
			continue
		}
		if err := in.transition(pipeline.StateRunning); err != nil {
			s.release(in.node.Template.Tags)
			return err
		}
		in.attempt++
		if in.attempt == 1 {
			in.startedAt = time.Now()
		}
		s.running++
		logger.Info("Dispatching job.", "job", name, "attempt", in.attempt)
		go s.runJob(ctx, in, events)
	}
	return nil
}

// runJob performs one dispatch attempt end to end: scratch dir, cache
// restore, artifact resolution, execution, artifact publication, cache save.
// It owns no scheduler state; everything flows back through the event.
func (s *Scheduler) runJob(ctx context.Context, in *instance, events chan<- completion) {
	ev := completion{name: in.node.Name}
	tmpl := in.node.Template

	in.workdir = filepath.Join(s.cfg.WorkRoot, in.node.Name)
	if err := os.MkdirAll(in.workdir, 0o755); err != nil {
		ev.resolveErr = fmt.Errorf("creating workdir: %w", err)
		events <- ev
		return
	}
	if _, err := s.broker.PullCache(ctx, tmpl.Cache, in.workdir); err != nil {
		ev.resolveErr = err
		events <- ev
		return
	}
	if _, err := s.broker.Resolve(ctx, tmpl, s.artifactSources(in), in.workdir); err != nil {
		ev.resolveErr = err
		events <- ev
		return
	}

	ev.outcome, ev.dispatchErr = s.exec.Dispatch(ctx, tmpl, s.environment(in), in.workdir)

	state := pipeline.StateFailed
	if ev.outcome.Success {
		state = pipeline.StateSuccess
	}
	ev.artifactRef, ev.publishErr = s.broker.Publish(ctx, tmpl, in.workdir, state)
	if ev.outcome.Success && ev.publishErr == nil {
		ev.publishErr = s.broker.PushCache(ctx, tmpl.Cache, in.workdir)
	}
	events <- ev
}

// handleCompletion folds one dispatch outcome back into the state machine,
// consulting the retry policy on failure.
func (s *Scheduler) handleCompletion(ctx context.Context, ev completion, canceling bool) error {
	logger := ctxlog.FromContext(ctx)
	in := s.instances[ev.name]
	s.release(in.node.Template.Tags)
	s.running--

	if canceling || errors.Is(ev.dispatchErr, context.Canceled) || errors.Is(ev.resolveErr, context.Canceled) {
		logger.Info("Job canceled.", "job", ev.name)
		in.err = context.Canceled
		return in.transition(pipeline.StateCanceled)
	}

	class, failure := classify(ev)
	if failure == nil {
		in.artifactRef = ev.artifactRef
		logger.Info("Job succeeded.", "job", ev.name, "attempt", in.attempt)
		return in.transition(pipeline.StateSuccess)
	}

	in.err = failure
	if err := in.transition(pipeline.StateFailed); err != nil {
		return err
	}
	if retry.Decide(in.node.Template.Retry, class, in.attempt) {
		logger.Warn("Job failed, retrying.", "job", ev.name, "class", string(class), "attempt", in.attempt)
		return in.transition(pipeline.StateReady)
	}
	logger.Error("Job failed terminally.", "job", ev.name, "class", string(class), "attempts", in.attempt, "error", failure)
	return nil
}

// classify reduces a completion event to a failure class, or nil for
// success. Resolution failures from the broker are non-retryable missing
// dependencies; every other pre/post-dispatch engine error counts as runner
// infrastructure.
func classify(ev completion) (retry.FailureClass, error) {
	switch {
	case ev.resolveErr != nil:
		if errors.Is(ev.resolveErr, artifact.ErrDependencyUnavailable) {
			return retry.MissingDependency, ev.resolveErr
		}
		return retry.RunnerSystemFailure, ev.resolveErr
	case ev.dispatchErr != nil:
		return retry.RunnerSystemFailure, ev.dispatchErr
	case !ev.outcome.Success:
		return ev.outcome.Class, fmt.Errorf("script exited with code %d", ev.outcome.ExitCode)
	case ev.publishErr != nil:
		return retry.RunnerSystemFailure, ev.publishErr
	default:
		return "", nil
	}
}

// beginCancel moves every undispatched instance to Canceled and signals the
// executor for the running ones.
func (s *Scheduler) beginCancel(ctx context.Context) error {
	for _, name := range s.graph.Order {
		in := s.instances[name]
		switch in.state {
		case pipeline.StatePending, pipeline.StateReady:
			in.err = context.Canceled
			if err := in.transition(pipeline.StateCanceled); err != nil {
				return err
			}
		case pipeline.StateRunning:
			s.exec.Cancel(name)
		}
	}
	return nil
}

// forceCancel marks still-running instances Canceled after the grace period.
func (s *Scheduler) forceCancel() error {
	for _, name := range s.graph.Order {
		in := s.instances[name]
		if in.state == pipeline.StateRunning {
			in.err = fmt.Errorf("executor did not honor cancellation within grace period")
			if err := in.transition(pipeline.StateCanceled); err != nil {
				return err
			}
			s.running--
		}
	}
	return nil
}

func (s *Scheduler) allTerminal() bool {
	for _, in := range s.instances {
		if !in.state.Terminal() {
			return false
		}
	}
	return true
}

// acquire takes one slot in each of the job's runner pools, or none at all.
func (s *Scheduler) acquire(tags []string) bool {
	pools := poolTags(tags)
	for _, tag := range pools {
		if limit := s.limitFor(tag); limit > 0 && s.inflight[tag] >= limit {
			return false
		}
	}
	for _, tag := range pools {
		s.inflight[tag]++
	}
	return true
}

func (s *Scheduler) release(tags []string) {
	for _, tag := range poolTags(tags) {
		s.inflight[tag]--
	}
}

func (s *Scheduler) limitFor(tag string) int {
	if limit, ok := s.cfg.TagLimits[tag]; ok {
		return limit
	}
	return s.cfg.DefaultLimit
}

// poolTags maps a job's tag set to runner pools; untagged jobs share the
// default pool.
func poolTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{"default"}
	}
	return tags
}

// buildResult assembles the terminal pipeline record. The pipeline succeeds
// iff every non-allow_failure job ended Success or was benignly skipped
// (manual), never when a job was skipped by upstream failure or canceled.
func (s *Scheduler) buildResult(startedAt time.Time) *pipeline.Result {
	res := &pipeline.Result{
		Ref:        s.pctx.Ref(),
		Source:     s.pctx.Source(),
		Success:    true,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	for _, name := range s.graph.Order {
		in := s.instances[name]
		res.Jobs = append(res.Jobs, in.result())
		if in.node.Template.AllowFailure {
			continue
		}
		switch in.state {
		case pipeline.StateSuccess:
		case pipeline.StateSkipped:
			if in.reason != pipeline.SkipManual {
				res.Success = false
			}
		default:
			res.Success = false
		}
	}
	return res
}
