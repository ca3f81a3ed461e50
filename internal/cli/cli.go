// Package cli parses the gantry command line into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/gantry/internal/app"
	"github.com/vk/gantry/internal/pipeline"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// varFlag collects repeatable -var NAME=VALUE options.
type varFlag map[string]string

func (v varFlag) String() string { return "" }

func (v varFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("variable must be NAME=VALUE, got %q", s)
	}
	v[name] = value
	return nil
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("gantry", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Gantry - a staged pipeline orchestration engine.

Usage:
  gantry [options] [PIPELINE_FILE]

Arguments:
  PIPELINE_FILE
    Path to the YAML pipeline definition.

Options:
`)
		flagSet.PrintDefaults()
	}

	pipelineFlag := flagSet.String("pipeline", "", "Path to the pipeline definition file.")
	sourceFlag := flagSet.String("source", "push", "Pipeline source: push, schedule, merge_request, web, api or trigger.")
	refFlag := flagSet.String("ref", "main", "Branch or tag name the pipeline runs against.")
	tagFlag := flagSet.String("tag", "", "Commit tag; empty means a branch pipeline.")
	shaFlag := flagSet.String("sha", "", "Commit SHA exposed to the jobs.")
	concurrencyFlag := flagSet.Int("concurrency", 4, "Max concurrent jobs per runner pool. 0 is unlimited.")
	stateDirFlag := flagSet.String("state-dir", ".gantry", "Directory for work trees, artifacts and cache.")
	dbFlag := flagSet.String("db", "", "Path to the run history database. Empty disables persistence.")
	httpPortFlag := flagSet.Int("http-port", 0, "Port for the status API. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	vars := varFlag{}
	flagSet.Var(vars, "var", "Extra pipeline variable as NAME=VALUE. Repeatable.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := *pipelineFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		slog.Debug("No pipeline path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	source := pipeline.Source(strings.ToLower(*sourceFlag))
	switch source {
	case pipeline.SourcePush, pipeline.SourceSchedule, pipeline.SourceMergeRequest,
		pipeline.SourceWeb, pipeline.SourceAPI, pipeline.SourceTrigger:
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("invalid source %q", *sourceFlag)}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	if *concurrencyFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "concurrency must not be negative"}
	}

	cfg, err := app.NewConfig(app.Config{
		PipelinePath: path,
		Source:       source,
		Ref:          *refFlag,
		Tag:          *tagFlag,
		SHA:          *shaFlag,
		Vars:         vars,
		Concurrency:  *concurrencyFlag,
		StateDir:     *stateDirFlag,
		DBPath:       *dbFlag,
		HTTPPort:     *httpPortFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return cfg, false, nil
}
