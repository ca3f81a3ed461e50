package app

import (
	"errors"

	"github.com/vk/gantry/internal/pipeline"
)

// Config holds everything an App instance needs to run one pipeline.
type Config struct {
	// PipelinePath points at the YAML pipeline definition.
	PipelinePath string

	// Invocation context.
	Source pipeline.Source
	Ref    string
	Tag    string
	SHA    string
	Vars   map[string]string

	// Engine tuning.
	Concurrency int // max concurrent jobs per runner pool, 0 = unlimited
	StateDir    string
	DBPath      string // empty disables run history persistence
	HTTPPort    int    // 0 disables the status API

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config and applies defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.Ref == "" {
		return nil, errors.New("Ref is a required configuration field and cannot be empty")
	}
	if cfg.Source == "" {
		cfg.Source = pipeline.SourcePush
	}
	if cfg.StateDir == "" {
		cfg.StateDir = ".gantry"
	}
	return &cfg, nil
}
