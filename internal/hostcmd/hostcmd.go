// Package hostcmd runs external helper binaries (apd, magisk, getprop, chcon)
// with a timeout and captured output. It ensures helpers that hang cannot wedge
// the daemon: every invocation gets a process group that is killed wholesale
// when the deadline passes.
//
// Helpers are optional system components. A missing binary surfaces as an
// error from Run so callers can normalize it (e.g. a provider probe treats it
// as "provider not installed"), while a helper that runs but exits non-zero
// still yields its captured output in the Result.
package hostcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTimeout bounds a helper invocation unless the caller's context is
// tighter. Probes run at daemon startup and per-query; a helper that takes
// longer than this is effectively broken.
const DefaultTimeout = 5 * time.Second

// Result holds the outcome of a completed helper invocation.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the helper's exit code, or -1 when it was killed on timeout.
	ExitCode int

	// Duration is how long the invocation took.
	Duration time.Duration

	// TimedOut reports whether the process group was killed at the deadline.
	TimedOut bool
}

// Ok reports whether the helper ran to completion and exited zero.
func (r *Result) Ok() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Runner invokes helper binaries with a fixed per-invocation timeout.
type Runner struct {
	// Timeout bounds each invocation. Default: DefaultTimeout.
	Timeout time.Duration
}

// New creates a Runner with default settings.
func New() *Runner {
	return &Runner{Timeout: DefaultTimeout}
}

// Run executes name with args and captures its output.
// It creates a new process group and kills all processes in the group on
// timeout. A spawn failure (binary missing, not executable) is returned as an
// error; a non-zero exit or timeout is reported in the Result instead, since
// for helper binaries those are answers, not infrastructure failures.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)

	// New process group so the kill on timeout takes helpers' children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// WaitDelay ensures orphaned descendants holding the pipes open don't
	// block Wait() forever.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}

	result.ExitCode = 0
	return result, nil
}

// Output is a convenience wrapper for callers that only care about stdout of
// a helper that must exit zero. Timeout and non-zero exits become errors.
func (r *Runner) Output(ctx context.Context, name string, args ...string) (string, error) {
	result, err := r.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	if result.TimedOut {
		return "", fmt.Errorf("%s timed out after %s", name, result.Duration)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with code %d: %s", name, result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}
