// Package executor defines the boundary to the external agent that actually
// performs a job's work. The engine hands over an opaque script payload and a
// resolved environment; it never interprets the payload itself.
package executor

import (
	"context"

	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/retry"
)

// Outcome is the terminal report of one dispatch attempt.
type Outcome struct {
	Success  bool
	ExitCode int
	// Class is set on failure so the retry policy can tell infrastructure
	// flakiness apart from a genuinely failing script.
	Class retry.FailureClass
	Log   []byte
}

// Executor runs job payloads. Dispatch blocks until the attempt reaches a
// terminal outcome or ctx is canceled; cancellation must be honored
// cooperatively. A non-nil error reports that the runner machinery itself
// broke, which the scheduler classifies as a system failure.
type Executor interface {
	Dispatch(ctx context.Context, job *pipeline.JobTemplate, env map[string]string, workdir string) (Outcome, error)
	Cancel(jobName string)
}
