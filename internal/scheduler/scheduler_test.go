package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gantry/internal/artifact"
	"github.com/vk/gantry/internal/executor"
	"github.com/vk/gantry/internal/graph"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/retry"
	"github.com/vk/gantry/internal/rules"
)

func job(name, stage string, mutate ...func(*pipeline.JobTemplate)) *pipeline.JobTemplate {
	t := &pipeline.JobTemplate{Name: name, Stage: stage, Script: []string{"true"}}
	for _, m := range mutate {
		m(t)
	}
	return t
}

func needs(names ...string) func(*pipeline.JobTemplate) {
	return func(t *pipeline.JobTemplate) {
		if names == nil {
			names = []string{}
		}
		t.Needs = names
	}
}

func manual(t *testing.T) func(*pipeline.JobTemplate) {
	t.Helper()
	rs, err := rules.Compile([]rules.Rule{{When: rules.ActionManual}})
	require.NoError(t, err)
	return func(tmpl *pipeline.JobTemplate) { tmpl.Rules = rs }
}

func alwaysRun(t *testing.T) func(*pipeline.JobTemplate) {
	t.Helper()
	rs, err := rules.Compile([]rules.Rule{{When: rules.ActionAlways}})
	require.NoError(t, err)
	return func(tmpl *pipeline.JobTemplate) { tmpl.Rules = rs }
}

func buildGraph(t *testing.T, stages []string, jobs ...*pipeline.JobTemplate) *graph.Graph {
	t.Helper()
	def := &pipeline.Definition{Stages: stages, Jobs: jobs}
	pctx := pipeline.NewContext(pipeline.ContextOptions{Source: pipeline.SourcePush, Ref: "main"})
	g, err := graph.Build(context.Background(), def, pctx)
	require.NoError(t, err)
	return g
}

func newTestScheduler(t *testing.T, g *graph.Graph, exec executor.Executor, cfg Config) *Scheduler {
	t.Helper()
	broker, err := artifact.NewBroker(filepath.Join(t.TempDir(), "artifacts"), filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(t.TempDir(), "work")
	}
	pctx := pipeline.NewContext(pipeline.ContextOptions{Source: pipeline.SourcePush, Ref: "main"})
	return New(g, pctx, exec, broker, cfg)
}

func failure() executor.Outcome {
	return executor.Outcome{Success: false, ExitCode: 1, Class: retry.ScriptFailure}
}

func jobResult(t *testing.T, res *pipeline.Result, name string) pipeline.JobResult {
	t.Helper()
	jr, ok := res.Job(name)
	require.True(t, ok, "job %q missing from result", name)
	return jr
}

func TestRun_AllJobsSucceed(t *testing.T) {
	g := buildGraph(t, []string{"build", "test"},
		job("compile", "build"),
		job("unit", "test"),
	)
	exec := executor.NewScripted()
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	for _, name := range []string{"compile", "unit"} {
		jr := jobResult(t, result, name)
		assert.Equal(t, pipeline.StateSuccess, jr.State)
		assert.Equal(t, 1, jr.Attempts)
	}
}

func TestRun_StageBarrierOrdersDispatch(t *testing.T) {
	g := buildGraph(t, []string{"preflight", "build", "deploy"},
		job("lint", "preflight"),
		job("compile", "build"),
		job("release", "deploy"),
	)
	exec := executor.NewScripted()
	sched := newTestScheduler(t, g, exec, Config{})

	_, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "compile", "release"}, exec.DispatchOrder())
}

func TestRun_FailurePropagatesAsSkip(t *testing.T) {
	g := buildGraph(t, []string{"build", "test", "deploy"},
		job("compile", "build"),
		job("unit", "test"),
		job("release", "deploy"),
	)
	exec := executor.NewScripted()
	exec.Plan("compile", failure())
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)

	assert.Equal(t, pipeline.StateFailed, jobResult(t, result, "compile").State)
	for _, name := range []string{"unit", "release"} {
		jr := jobResult(t, result, name)
		assert.Equal(t, pipeline.StateSkipped, jr.State, name)
		assert.Equal(t, pipeline.SkipUpstreamFailed, jr.Reason, name)
		assert.Zero(t, exec.Dispatches(name), "%s must never be dispatched", name)
	}
}

func TestRun_AllowFailureDoesNotBlockDownstream(t *testing.T) {
	g := buildGraph(t, []string{"test", "deploy"},
		job("flaky", "test", func(tmpl *pipeline.JobTemplate) { tmpl.AllowFailure = true }),
		job("release", "deploy"),
	)
	exec := executor.NewScripted()
	exec.Plan("flaky", failure())
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success, "an allow_failure failure is not a pipeline failure")
	assert.Equal(t, pipeline.StateFailed, jobResult(t, result, "flaky").State)
	assert.Equal(t, pipeline.StateSuccess, jobResult(t, result, "release").State)
}

func TestRun_RetryBudgetIsExactlyMaxPlusOne(t *testing.T) {
	g := buildGraph(t, []string{"test"},
		job("flaky", "test", func(tmpl *pipeline.JobTemplate) {
			tmpl.Retry = retry.Policy{Max: 2}
		}),
	)
	exec := executor.NewScripted()
	exec.Plan("flaky", failure(), failure(), failure(), failure())
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, exec.Dispatches("flaky"), "max 2 means three dispatches total")
	jr := jobResult(t, result, "flaky")
	assert.Equal(t, pipeline.StateFailed, jr.State)
	assert.Equal(t, 3, jr.Attempts)
}

func TestRun_RetrySucceedsOnSecondAttempt(t *testing.T) {
	g := buildGraph(t, []string{"test", "deploy"},
		job("flaky", "test", func(tmpl *pipeline.JobTemplate) {
			tmpl.Retry = retry.Policy{Max: 1}
		}),
		job("release", "deploy"),
	)
	exec := executor.NewScripted()
	exec.Plan("flaky", failure())
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, exec.Dispatches("flaky"))
	assert.Equal(t, pipeline.StateSuccess, jobResult(t, result, "flaky").State)
	assert.Equal(t, pipeline.StateSuccess, jobResult(t, result, "release").State)
}

func TestRun_RetryWhenFilterSkipsOtherClasses(t *testing.T) {
	g := buildGraph(t, []string{"test"},
		job("flaky", "test", func(tmpl *pipeline.JobTemplate) {
			tmpl.Retry = retry.Policy{Max: 2, When: []string{string(retry.RunnerSystemFailure)}}
		}),
	)
	exec := executor.NewScripted()
	exec.Plan("flaky", failure())
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Dispatches("flaky"), "script failures are outside the retry filter")
	assert.Equal(t, pipeline.StateFailed, jobResult(t, result, "flaky").State)
}

func TestRun_ManualJobsAreBenignlySkipped(t *testing.T) {
	g := buildGraph(t, []string{"test", "deploy"},
		job("unit", "test"),
		job("release", "deploy", manual(t)),
		job("announce", "deploy", needs("unit")),
	)
	exec := executor.NewScripted()
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success, "an untriggered manual job does not fail the pipeline")
	jr := jobResult(t, result, "release")
	assert.Equal(t, pipeline.StateSkipped, jr.State)
	assert.Equal(t, pipeline.SkipManual, jr.Reason)
	assert.Zero(t, exec.Dispatches("release"))
	assert.Equal(t, pipeline.StateSuccess, jobResult(t, result, "announce").State)
}

func TestRun_AlwaysJobRunsDespiteUpstreamFailure(t *testing.T) {
	g := buildGraph(t, []string{"test", "report"},
		job("unit", "test"),
		job("publish_report", "report", alwaysRun(t)),
	)
	exec := executor.NewScripted()
	exec.Plan("unit", failure())
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, pipeline.StateSuccess, jobResult(t, result, "publish_report").State)
	assert.Equal(t, 1, exec.Dispatches("publish_report"))
}

func TestRun_MissingDependencyFailsWithoutRetry(t *testing.T) {
	// The producer is manual and never triggered, so the consumer's artifact
	// resolution fails. That failure class is never retried.
	g := buildGraph(t, []string{"build", "test"},
		job("package", "build", manual(t), func(tmpl *pipeline.JobTemplate) {
			tmpl.Artifacts = &pipeline.ArtifactSpec{Name: "pkg", Paths: []string{"dist"}, When: pipeline.CollectOnSuccess}
		}),
		job("smoke", "test", needs("package"), func(tmpl *pipeline.JobTemplate) {
			tmpl.Retry = retry.Policy{Max: 2}
		}),
	)
	exec := executor.NewScripted()
	sched := newTestScheduler(t, g, exec, Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)

	jr := jobResult(t, result, "smoke")
	assert.Equal(t, pipeline.StateFailed, jr.State)
	assert.Contains(t, jr.Error, "unavailable")
	assert.Zero(t, exec.Dispatches("smoke"), "resolution fails before the script runs")
	assert.Equal(t, 1, jr.Attempts, "missing dependencies are not retried")
}

// probeExec records the maximum number of concurrently running dispatches.
type probeExec struct {
	mu       sync.Mutex
	cur, max int
}

func (p *probeExec) Dispatch(ctx context.Context, jobTmpl *pipeline.JobTemplate, env map[string]string, workdir string) (executor.Outcome, error) {
	p.mu.Lock()
	p.cur++
	if p.cur > p.max {
		p.max = p.cur
	}
	p.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	p.mu.Lock()
	p.cur--
	p.mu.Unlock()
	return executor.Outcome{Success: true}, nil
}

func (p *probeExec) Cancel(jobName string) {}

func TestRun_DefaultPoolLimitCapsConcurrency(t *testing.T) {
	g := buildGraph(t, []string{"test"},
		job("a", "test"),
		job("b", "test"),
		job("c", "test"),
	)
	probe := &probeExec{}
	sched := newTestScheduler(t, g, probe, Config{DefaultLimit: 1})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, probe.max, "untagged jobs share the default pool")
}

func TestRun_TagLimitsApplyPerPool(t *testing.T) {
	tagged := func(tag string) func(*pipeline.JobTemplate) {
		return func(tmpl *pipeline.JobTemplate) { tmpl.Tags = []string{tag} }
	}
	g := buildGraph(t, []string{"test"},
		job("gpu_a", "test", tagged("gpu")),
		job("gpu_b", "test", tagged("gpu")),
		job("cpu_a", "test", tagged("cpu")),
	)
	probe := &probeExec{}
	sched := newTestScheduler(t, g, probe, Config{
		DefaultLimit: 0,
		TagLimits:    map[string]int{"gpu": 1},
	})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.LessOrEqual(t, probe.max, 2, "only the cpu job may overlap one gpu job")
}

func TestRun_CancellationDrainsTheRun(t *testing.T) {
	g := buildGraph(t, []string{"test", "deploy"},
		job("slow", "test"),
		job("release", "deploy"),
	)
	exec := executor.NewScripted()
	exec.Block = make(chan struct{}) // never closed: jobs only end via ctx
	sched := newTestScheduler(t, g, exec, Config{GracePeriod: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, pipeline.StateCanceled, jobResult(t, result, "slow").State)
	assert.Equal(t, pipeline.StateCanceled, jobResult(t, result, "release").State)
	assert.Zero(t, exec.Dispatches("release"), "pending jobs are canceled before dispatch")
}

// stubbornExec ignores its context entirely, forcing the grace period path.
type stubbornExec struct {
	release chan struct{}
}

func (s *stubbornExec) Dispatch(ctx context.Context, jobTmpl *pipeline.JobTemplate, env map[string]string, workdir string) (executor.Outcome, error) {
	<-s.release
	return executor.Outcome{Success: true}, nil
}

func (s *stubbornExec) Cancel(jobName string) {}

func TestRun_GracePeriodForcesCancellation(t *testing.T) {
	g := buildGraph(t, []string{"test"}, job("stuck", "test"))
	exec := &stubbornExec{release: make(chan struct{})}
	t.Cleanup(func() { close(exec.release) })
	sched := newTestScheduler(t, g, exec, Config{GracePeriod: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	result, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	jr := jobResult(t, result, "stuck")
	assert.Equal(t, pipeline.StateCanceled, jr.State)
	assert.Contains(t, jr.Error, "grace period")
}

func TestRun_ArtifactsFlowAlongNeeds(t *testing.T) {
	// End to end through the real shell executor: the producer writes a file
	// into its artifact set and the consumer asserts on its presence.
	g := buildGraph(t, []string{"build", "test"},
		job("package", "build", func(tmpl *pipeline.JobTemplate) {
			tmpl.Script = []string{"mkdir -p dist", "echo payload > dist/app.txt"}
			tmpl.Artifacts = &pipeline.ArtifactSpec{Name: "pkg", Paths: []string{"dist"}, When: pipeline.CollectOnSuccess}
		}),
		job("smoke", "test", needs("package"), func(tmpl *pipeline.JobTemplate) {
			tmpl.Script = []string{"grep payload dist/app.txt"}
		}),
	)
	sched := newTestScheduler(t, g, executor.NewShell(), Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, jobResult(t, result, "package").ArtifactRef)
}

func TestRun_EnvironmentExposesJobIdentity(t *testing.T) {
	g := buildGraph(t, []string{"test"},
		job("env_check", "test", func(tmpl *pipeline.JobTemplate) {
			tmpl.Script = []string{
				`test "$CI_JOB_NAME" = env_check`,
				`test "$CI_JOB_STAGE" = test`,
				`test "$CI_COMMIT_REF_NAME" = main`,
				`test -n "$CI_JOB_ID"`,
			}
		}),
	)
	sched := newTestScheduler(t, g, executor.NewShell(), Config{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
}
