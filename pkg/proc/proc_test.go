package proc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/store"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// commitOnlyStore is a store.Store stub sufficient for Proc tests,
// which only need Task.Commit to succeed without a real backing store.
type commitOnlyStore struct{}

func (commitOnlyStore) Insert(string, map[string]any) (string, error)        { return "fake-id", nil }
func (commitOnlyStore) Find(string, store.Query) ([]map[string]any, error)  { return nil, nil }
func (commitOnlyStore) FindOne(string, store.Query) (map[string]any, bool, error) {
	return nil, false, nil
}
func (commitOnlyStore) Next(string, store.Query, string) (map[string]any, bool, error) {
	return nil, false, nil
}
func (commitOnlyStore) UpdateOne(string, string, map[string]any) error { return nil }
func (commitOnlyStore) Remove(string, store.Query) (int, error)        { return 0, nil }
func (commitOnlyStore) ValidateID(id string) (string, error)           { return id, nil }
func (commitOnlyStore) Close() error                                   { return nil }

func newTestTask(t *testing.T, cmd []string) *task.Task {
	t.Helper()
	tk, err := task.Build(commitOnlyStore{}, nil, task.BuildParams{Cmd: cmd})
	require.NoError(t, err)
	return tk
}

func TestRunSuccessfulCommand(t *testing.T) {
	tk := newTestTask(t, []string{"/bin/echo", "hi"})
	p := New(tk)

	err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.StatusFinished, tk.Status)
	assert.Equal(t, 0, tk.ExitCode)
	assert.Contains(t, string(tk.Stdout), "hi")
	assert.NotZero(t, tk.PID)
	assert.NotEmpty(t, tk.StartTime)
	assert.NotEmpty(t, tk.EndTime)
}

func TestRunMissingBinaryErrors(t *testing.T) {
	tk := newTestTask(t, []string{"/nonexistent/binary"})
	p := New(tk)

	err := p.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, types.StatusErrored, tk.Status)
	assert.Equal(t, types.ExitCodeUnset, tk.ExitCode)
	assert.NotEmpty(t, tk.Stderr)
}

func TestRunNonzeroExitWithStderrErrors(t *testing.T) {
	tk := newTestTask(t, []string{"/bin/sh", "-c", "echo boom 1>&2; exit 1"})
	p := New(tk)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, types.StatusErrored, tk.Status)
	assert.Equal(t, 1, tk.ExitCode)
	assert.Contains(t, tk.Stderr, "boom")
}

func TestRunWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")

	tk := newTestTask(t, []string{"/bin/echo", "to-the-log"})
	tk.Log = logPath
	p := New(tk)

	require.NoError(t, p.Run(context.Background()))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to-the-log")
}

func TestTerminateOnLongRunningTask(t *testing.T) {
	tk := newTestTask(t, []string{"/bin/sleep", "30"})
	p := New(tk)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.PID() != 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Terminate())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Terminate")
	}

	assert.NotEqual(t, types.StatusProcessing, tk.Status)
}

func TestSignalsAreNoOpsBeforeSpawn(t *testing.T) {
	tk := newTestTask(t, []string{"/bin/echo", "hi"})
	p := New(tk)

	assert.NoError(t, p.Terminate())
	assert.NoError(t, p.Kill())
	assert.NoError(t, p.Pause())
	assert.NoError(t, p.Resume())
	assert.Equal(t, 0, p.PID())
	assert.Equal(t, types.ExitCodeUnset, p.ExitCode())
}

func TestRunWithNoEnvInheritsParentEnvironment(t *testing.T) {
	t.Setenv("PROCPOOLD_TEST_INHERITED", "from-parent")

	tk := newTestTask(t, []string{"/bin/sh", "-c", "echo $PROCPOOLD_TEST_INHERITED"})
	p := New(tk)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, types.StatusFinished, tk.Status)
	assert.Contains(t, string(tk.Stdout), "from-parent")
}

func TestRunWithEnvReplacesParentEnvironment(t *testing.T) {
	t.Setenv("PROCPOOLD_TEST_INHERITED", "from-parent")

	tk := newTestTask(t, []string{"/bin/sh", "-c", "echo [$PROCPOOLD_TEST_INHERITED] [$ONLY_TASK_VAR]"})
	tk.Env = map[string]string{"ONLY_TASK_VAR": "task-value"}
	p := New(tk)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, types.StatusFinished, tk.Status)
	assert.Contains(t, string(tk.Stdout), "[] [task-value]")
}

func TestWatchdogMarksTimedOut(t *testing.T) {
	tk := newTestTask(t, []string{"/bin/sleep", "30"})
	tk.Timeout = 1
	p := New(tk)

	err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.StatusTimedOut, tk.Status)
}
