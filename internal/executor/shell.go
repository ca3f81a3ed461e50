package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/retry"
)

// Shell runs job scripts in a local `sh -e` process, the way the pack's CI
// runners execute steps. The image reference is ignored: container
// provisioning belongs to the host platform, not the engine.
type Shell struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewShell creates a local shell executor.
func NewShell() *Shell {
	return &Shell{running: make(map[string]context.CancelFunc)}
}

// Dispatch runs the job's script lines as one `sh -e` invocation in workdir,
// with the resolved environment layered over the process environment.
func (s *Shell) Dispatch(ctx context.Context, job *pipeline.JobTemplate, env map[string]string, workdir string) (Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("job", job.Name)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(job.Name, cancel)
	defer s.untrack(job.Name)

	cmd := exec.CommandContext(runCtx, "sh", "-e", "-c", strings.Join(job.Script, "\n"))
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debug("Dispatching shell script.", "lines", len(job.Script))
	err := cmd.Run()
	if err == nil {
		return Outcome{Success: true, Log: out.Bytes()}, nil
	}
	if runCtx.Err() != nil {
		return Outcome{Log: out.Bytes()}, runCtx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.Debug("Script exited non-zero.", "code", exitErr.ExitCode())
		return Outcome{
			ExitCode: exitErr.ExitCode(),
			Class:    retry.ScriptFailure,
			Log:      out.Bytes(),
		}, nil
	}

	// The process never started: a runner problem, not a script problem.
	logger.Warn("Shell process failed to start.", "error", err)
	return Outcome{Class: retry.RunnerSystemFailure, Log: out.Bytes()}, err
}

// Cancel signals the named job's running process, if any.
func (s *Shell) Cancel(jobName string) {
	s.mu.Lock()
	cancel, ok := s.running[jobName]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Shell) track(name string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = cancel
}

func (s *Shell) untrack(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}
