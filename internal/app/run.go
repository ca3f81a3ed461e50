package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vk/gantry/internal/artifact"
	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/executor"
	"github.com/vk/gantry/internal/graph"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/scheduler"
)

// ErrPipelineFailed reports that the engine worked but the pipeline did not
// reach an overall Success verdict.
var ErrPipelineFailed = errors.New("pipeline failed")

// Run executes one pipeline invocation end to end and reports its verdict.
func (a *App) Run(ctx context.Context, cfg *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if cfg.HTTPPort > 0 {
		a.startStatusServer(cfg.HTTPPort)
	}

	runID := uuid.NewString()
	pctx := pipeline.NewContext(pipeline.ContextOptions{
		Source:     cfg.Source,
		Ref:        cfg.Ref,
		Tag:        cfg.Tag,
		SHA:        cfg.SHA,
		PipelineID: runID,
		Vars:       cfg.Vars,
	})
	a.logger.Info("Pipeline invocation.", "run_id", runID, "source", string(cfg.Source), "ref", cfg.Ref)

	g, err := graph.Build(ctx, a.def, pctx)
	if err != nil {
		return fmt.Errorf("failed to build job graph: %w", err)
	}
	a.logger.Debug("Job graph built.", "jobs", len(g.Order))
	if len(g.Order) == 0 {
		a.logger.Warn("All jobs excluded by rules, nothing to run.")
		return nil
	}

	stateDir := filepath.Join(cfg.StateDir, runID)
	broker, err := artifact.NewBroker(
		filepath.Join(stateDir, "artifacts"),
		filepath.Join(cfg.StateDir, "cache"), // cache outlives the run
	)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact broker: %w", err)
	}

	sched := scheduler.New(g, pctx, executor.NewShell(), broker, scheduler.Config{
		WorkRoot:     filepath.Join(stateDir, "work"),
		DefaultLimit: cfg.Concurrency,
	})
	result, err := sched.Run(ctx)
	if err != nil {
		return fmt.Errorf("scheduler aborted: %w", err)
	}
	result.RunID = runID

	if a.runs != nil {
		if err := a.runs.SaveResult(result); err != nil {
			// History persistence must not change the pipeline verdict.
			a.logger.Error("Failed to persist run history.", "error", err)
		}
	}

	a.report(result)
	if !result.Success {
		return ErrPipelineFailed
	}
	return nil
}

// report prints the per-job verdict table for the triggering system.
func (a *App) report(result *pipeline.Result) {
	fmt.Fprintf(a.outW, "\npipeline %s (%s @ %s)\n", verdict(result.Success), result.Source, result.Ref)
	for _, job := range result.Jobs {
		line := fmt.Sprintf("  %-28s %-10s stage=%s attempts=%d", job.Name, job.State, job.Stage, job.Attempts)
		if job.Reason != pipeline.SkipNone {
			line += fmt.Sprintf(" reason=%s", job.Reason)
		}
		if job.Error != "" && job.State == pipeline.StateFailed {
			line += fmt.Sprintf(" error=%q", job.Error)
		}
		fmt.Fprintln(a.outW, line)
	}
	fmt.Fprintf(a.outW, "total %s\n", result.Duration().Round(time.Millisecond))
}

func verdict(success bool) string {
	if success {
		return "succeeded"
	}
	return "FAILED"
}
