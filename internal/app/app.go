// Package app wires the engine together: logger, pipeline definition,
// invocation context, broker, executor, scheduler, run store and the status
// API, each owned by one App instance with no global state.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/gantry/internal/config"
	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/store"
)

// App encapsulates the engine's dependencies, configuration and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	def    *pipeline.Definition
	runs   *store.Store
}

// NewApp constructs a fully initialized App with its own isolated logger.
// A pipeline document that fails to load is a fatal startup error.
func NewApp(outW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	def, err := config.Load(ctx, cfg.PipelinePath)
	if err != nil {
		// A malformed pipeline document means the run must never start.
		panic(fmt.Errorf("failed to load pipeline definition: %w", err))
	}
	logger.Debug("Pipeline definition loaded.", "stages", len(def.Stages), "jobs", len(def.Jobs))

	var runs *store.Store
	if cfg.DBPath != "" {
		runs, err = store.Open(cfg.DBPath)
		if err != nil {
			panic(fmt.Errorf("failed to open run history store: %w", err))
		}
		logger.Debug("Run history store opened.", "path", cfg.DBPath)
	}

	return &App{
		outW:   outW,
		logger: logger,
		def:    def,
		runs:   runs,
	}
}

// Definition returns the loaded pipeline definition. Primarily for testing.
func (a *App) Definition() *pipeline.Definition { return a.def }

// Close releases the app's long-lived resources.
func (a *App) Close() error {
	if a.runs != nil {
		return a.runs.Close()
	}
	return nil
}
