// Package proc implements Proc, the supervisor that forks/execs one
// task's child process, captures its stdio, interprets its exit, and
// commits terminal state back to the task record.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

// TimeoutGracePeriod is how long a timed-out task is given to exit
// after Terminate before the watchdog escalates to Kill.
const TimeoutGracePeriod = 5 * time.Second

// Proc supervises one child OS process on behalf of a task.Task.
type Proc struct {
	Task *task.Task

	mu        sync.Mutex
	cmd       *exec.Cmd
	suspended bool
	exitCode  int
	timedOut  bool
}

// New returns a Proc ready to run t. t must already be queued/fetched.
func New(t *task.Task) *Proc {
	return &Proc{Task: t, exitCode: types.ExitCodeUnset}
}

// Run executes the supervisor protocol: open the log sink, spawn the
// child, commit processing+pid+start_time, stream stdio, wait for
// exit, interpret the outcome, and commit the terminal record. It
// blocks until the child exits, fails to start, or ctx is canceled
// (daemon shutdown drains supervisors by canceling ctx, which kills the
// child via exec.CommandContext).
func (p *Proc) Run(ctx context.Context) error {
	logger := log.WithTaskID(p.Task.ID)

	var logFile *os.File
	if p.Task.Log != "" {
		f, err := log.OpenSink(p.Task.Log)
		if err != nil {
			return p.commitSpawnFailure(fmt.Errorf("open log file: %w", err))
		}
		logFile = f
		defer logFile.Close()
	}

	cmd := exec.CommandContext(ctx, p.Task.Cmd[0], p.Task.Cmd[1:]...)
	cmd.Dir = p.Task.Cwd
	cmd.Env = processEnv(p.Task.Env)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return p.commitSpawnFailure(err)
	}

	var stdoutBuf bytes.Buffer
	var stdoutPipe io.ReadCloser
	if logFile != nil {
		cmd.Stdout = logFile
	} else {
		stdoutPipe, err = cmd.StdoutPipe()
		if err != nil {
			return p.commitSpawnFailure(err)
		}
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return p.commitSpawnFailure(err)
	}

	if err := cmd.Start(); err != nil {
		return p.commitSpawnFailure(err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	p.Task.PID = cmd.Process.Pid
	p.Task.StartTime = time.Now().Format(types.TimeFormat)
	if err := p.Task.Commit(types.StatusProcessing, "task started", "system"); err != nil {
		logger.Error().Err(err).Msg("failed to commit processing status")
	}

	var wg sync.WaitGroup
	var stderrBuf bytes.Buffer

	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	if stdoutPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			io.Copy(&stdoutBuf, stdoutPipe)
		}()
	}

	if len(p.Task.Stdin) > 0 {
		_, _ = stdinPipe.Write(p.Task.Stdin)
	}
	stdinPipe.Close()

	var watchdog *time.Timer
	if p.Task.Timeout > 0 {
		watchdog = time.AfterFunc(time.Duration(p.Task.Timeout)*time.Second, func() {
			logger.Warn().Int("timeout", p.Task.Timeout).Msg("task exceeded timeout, terminating")
			p.mu.Lock()
			p.timedOut = true
			p.mu.Unlock()
			p.Terminate()
			time.AfterFunc(TimeoutGracePeriod, func() { p.Kill() })
		})
	}

	cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	wg.Wait()

	p.Task.EndTime = time.Now().Format(types.TimeFormat)
	p.Task.Stderr = stderrBuf.String()
	if stdoutPipe != nil {
		p.Task.Stdout = stdoutBuf.Bytes()
	}

	exitCode := types.ExitCodeUnset
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exitCode = exitCode
	timedOut := p.timedOut
	p.mu.Unlock()
	p.Task.ExitCode = exitCode

	if logFile != nil && p.Task.Stderr != "" {
		if _, err := logFile.WriteString(p.Task.Stderr); err != nil {
			logger.Error().Err(err).Msg("failed to append stderr to log")
		}
	}

	status, note := p.terminalStatus(timedOut, exitCode)
	if err := p.Task.Commit(status, note, "system"); err != nil {
		logger.Error().Err(err).Msg("failed to commit terminal status")
		return err
	}

	return nil
}

// terminalStatus implements run-protocol step 7, extended per the
// timeout-enforcement decision: a watchdog-terminated task is
// timed-out regardless of how the child's exit looks, otherwise stderr
// plus a nonzero exit means errored, else finished.
func (p *Proc) terminalStatus(timedOut bool, exitCode int) (types.Status, string) {
	if timedOut {
		return types.StatusTimedOut, "task exceeded its timeout"
	}
	if p.Task.Stderr != "" && exitCode != 0 {
		return types.StatusErrored, "task errored"
	}
	return types.StatusFinished, "task finished"
}

func (p *Proc) commitSpawnFailure(err error) error {
	p.Task.Stderr = err.Error()
	p.Task.ExitCode = types.ExitCodeUnset
	p.Task.EndTime = time.Now().Format(types.TimeFormat)
	if cErr := p.Task.Commit(types.StatusErrored, "failed to start task", "system"); cErr != nil {
		return cErr
	}
	return err
}

// Terminate sends SIGTERM. A no-op if the child hasn't been spawned or
// has already exited.
func (p *Proc) Terminate() error { return p.signal(syscall.SIGTERM) }

// Kill sends SIGKILL. A no-op if the child hasn't been spawned or has
// already exited.
func (p *Proc) Kill() error { return p.signal(syscall.SIGKILL) }

// Pause sends SIGSTOP and marks the process suspended.
func (p *Proc) Pause() error {
	if err := p.signal(syscall.SIGSTOP); err != nil {
		return err
	}
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
	return nil
}

// Resume sends SIGCONT and clears the suspended mark.
func (p *Proc) Resume() error {
	if err := p.signal(syscall.SIGCONT); err != nil {
		return err
	}
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()
	return nil
}

func (p *Proc) signal(sig syscall.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(sig); err != nil && !isBenignSignalError(err) {
		return err
	}
	return nil
}

// isBenignSignalError reports whether err is the result of signaling a
// process that has already exited — a race between an interact request
// and the supervisor's own wait, treated as harmless (§9 OQ5).
func isBenignSignalError(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}

// PID returns the child's OS process id, or 0 before it has spawned.
func (p *Proc) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the sentinel types.ExitCodeUnset until the child has
// been awaited.
func (p *Proc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Suspended reports whether Pause has been called without a matching
// Resume.
func (p *Proc) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// processEnv builds the child process's environment from the task's
// env field: a null/empty env means inherit the parent environment
// unchanged, matching the reference's Popen(env=task.env) semantics
// (os.Environ() when task.env is empty, or exactly task.env's entries
// when it is not — never both).
func processEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
