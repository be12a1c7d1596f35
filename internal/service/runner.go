package service

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var ErrRunInProgress = errors.New("run in progress")

// DefaultWaitDelay bounds how long Wait keeps copying output after the
// solver exited while a grandchild still holds its stdout or stderr.
const DefaultWaitDelay = 2 * time.Second

// Command is a prototype of the solver invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Result is reported exactly once per started process.
type Result struct {
	Path    string
	Args    []string
	PID     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the process exit code, or -1 when the process did not
// exit normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner is a thin wrapper around os/exec which runs one process at a time
// and streams its output into the given writers. Writes happen on os/exec's
// copying goroutines and all of them have returned before the Result is
// sent.
type Runner struct {
	mx        sync.Mutex
	cmd       *exec.Cmd
	waitDelay time.Duration
	results   chan Result
}

func NewRunner() *Runner {
	return &Runner{
		waitDelay: DefaultWaitDelay,
		results:   make(chan Result, 1),
	}
}

// Start spawns the process and returns without waiting for it. The process
// is killed when ctx is done. A spawn failure is returned directly and no
// Result is sent for it.
func (r *Runner) Start(ctx context.Context, proto Command, stdout, stderr io.Writer) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return 0, ErrRunInProgress
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay
	cmd.SysProcAttr = sysProcAttr()

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	r.cmd = cmd

	result := Result{
		Path:    proto.Path,
		Args:    append([]string(nil), proto.Args...),
		PID:     cmd.Process.Pid,
		Started: started,
	}
	go r.wait(cmd, result)
	return result.PID, nil
}

func (r *Runner) wait(cmd *exec.Cmd, result Result) {
	err := cmd.Wait()
	result.Stopped = time.Now().UTC()
	result.State = cmd.ProcessState
	result.Err = err

	r.mx.Lock()
	r.cmd = nil
	r.mx.Unlock()
	r.results <- result
}

// Results delivers the Result of every started process.
func (r *Runner) Results() <-chan Result {
	return r.results
}

// Terminate asks the process to exit. Where signals are not supported the
// process is killed.
func (r *Runner) Terminate() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		return nil
	}
	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return r.cmd.Process.Kill()
	}
	return nil
}

// Kill stops the process immediately.
func (r *Runner) Kill() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		return nil
	}
	err := r.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
