// Package executor runs a single attempt of a job's shell command with
// a wall clock timeout and bounded output capture.
package executor

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

const (
	defaultShell           = "/bin/sh"
	defaultGracePeriod     = 2 * time.Second
	defaultMaxCaptureBytes = 1 << 20

	truncationMarker = "\n...[truncated]"
)

// Executor spawns shell commands. The zero value is not usable; call New.
type Executor struct {
	// Shell is invoked as Shell -c <command>.
	Shell string
	// GracePeriod is how long a terminated process gets between
	// SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// MaxCaptureBytes caps each captured stream.
	MaxCaptureBytes int
}

// New returns an Executor with the default shell, grace period and
// capture cap.
func New() *Executor {
	return &Executor{
		Shell:           defaultShell,
		GracePeriod:     defaultGracePeriod,
		MaxCaptureBytes: defaultMaxCaptureBytes,
	}
}

// Outcome is the result of one attempt. Exactly one of ExitCode or
// SpawnError is set. TimedOut means the timeout fired; the process was
// killed and ExitCode reflects the signal death.
type Outcome struct {
	ExitCode   *int
	Stdout     string
	Stderr     string
	TimedOut   bool
	SpawnError error
	Duration   time.Duration
}

// Succeeded reports whether the attempt finished with exit code zero.
func (o Outcome) Succeeded() bool {
	return o.SpawnError == nil && !o.TimedOut && o.ExitCode != nil && *o.ExitCode == 0
}

// Run executes command under the configured shell, killing the whole
// process group if timeout elapses or ctx is cancelled first.
func (e *Executor) Run(ctx context.Context, command string, timeout time.Duration) Outcome {
	start := time.Now()

	var stdout, stderr cappedBuffer
	stdout.cap = e.MaxCaptureBytes
	stderr.cap = e.MaxCaptureBytes

	cmd := exec.Command(e.Shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The child gets its own process group so a timeout kill reaches
	// any grandchildren the shell spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Outcome{SpawnError: err, Duration: time.Since(start)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		e.terminate(cmd)
		waitErr = <-done
	case <-ctx.Done():
		timedOut = true
		e.terminate(cmd)
		waitErr = <-done
	}

	out := Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}

	code := exitCode(waitErr, cmd)
	out.ExitCode = &code
	return out
}

// terminate asks the process group to exit, then kills it after the
// grace period.
func (e *Executor) terminate(cmd *exec.Cmd) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	exited := make(chan struct{})
	go func() {
		for {
			// Signal 0 probes for group existence.
			if err := syscall.Kill(pgid, 0); err != nil {
				close(exited)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-exited:
	case <-time.After(e.GracePeriod):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// exitCode maps a Wait error to the shell exit code convention: signal
// deaths report 128+signal.
func exitCode(waitErr error, cmd *exec.Cmd) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return ee.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// cappedBuffer keeps at most cap bytes and appends a marker once
// truncation starts.
type cappedBuffer struct {
	cap  int
	buf  []byte
	full bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if !b.full {
		room := b.cap - len(b.buf)
		if room >= len(p) {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:room]...)
			b.full = true
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.full {
		return string(b.buf) + truncationMarker
	}
	return string(b.buf)
}
