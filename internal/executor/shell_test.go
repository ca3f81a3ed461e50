package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/retry"
)

func shellJob(name string, script ...string) *pipeline.JobTemplate {
	return &pipeline.JobTemplate{Name: name, Stage: "test", Script: script}
}

func TestShellDispatch_Success(t *testing.T) {
	s := NewShell()
	workdir := t.TempDir()

	out, err := s.Dispatch(context.Background(),
		shellJob("write", "echo hello > out.txt", "cat out.txt"),
		nil, workdir)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Contains(t, string(out.Log), "hello")

	data, err := os.ReadFile(filepath.Join(workdir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestShellDispatch_EnvOverridesReachTheScript(t *testing.T) {
	s := NewShell()
	out, err := s.Dispatch(context.Background(),
		shellJob("env", `test "$CI_JOB_NAME" = env`),
		map[string]string{"CI_JOB_NAME": "env"}, t.TempDir())
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestShellDispatch_NonZeroExitIsAScriptFailure(t *testing.T) {
	s := NewShell()
	out, err := s.Dispatch(context.Background(),
		shellJob("fail", "echo before", "exit 3", "echo after"),
		nil, t.TempDir())
	require.NoError(t, err, "a failing script is an outcome, not an engine error")
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, retry.ScriptFailure, out.Class)
	assert.Contains(t, string(out.Log), "before")
	assert.NotContains(t, string(out.Log), "after", "sh -e stops at the first failing line")
}

func TestShellDispatch_ContextCancellation(t *testing.T) {
	s := NewShell()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.Dispatch(ctx, shellJob("sleep", "sleep 30"), nil, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellCancel_StopsTheNamedJob(t *testing.T) {
	s := NewShell()
	time.AfterFunc(50*time.Millisecond, func() { s.Cancel("sleep") })

	start := time.Now()
	_, err := s.Dispatch(context.Background(), shellJob("sleep", "sleep 30"), nil, t.TempDir())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellCancel_UnknownJobIsANoOp(t *testing.T) {
	s := NewShell()
	s.Cancel("ghost")
}
