// Package runner launches the external administration binaries that every
// transport is built on. Output is captured, never streamed: commands either
// redirect into a report file or their output is discarded.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/BadgerOps/rcollect/internal/failure"
)

// waitDelay bounds how long Wait lingers on inherited output pipes after a
// killed child leaves grandchildren behind.
const waitDelay = 2 * time.Second

// Result describes a finished process.
type Result struct {
	ExitCode int
	Output   []byte
}

// Success reports whether the process exited with status zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner executes external programs. A non-zero exit is reported through
// Result and is not an error; errors mean the process could not be started,
// was killed on timeout, or failed at the OS level.
type Runner interface {
	Run(ctx context.Context, program string, args []string) (Result, error)
	RunTimed(ctx context.Context, program string, args []string, timeout time.Duration) (Result, error)
	RunPiped(ctx context.Context, left string, leftArgs []string, right string, rightArgs []string, timeout time.Duration) (Result, error)
}

// Exec is the os/exec backed Runner.
type Exec struct {
	logger *slog.Logger
}

// New creates an Exec runner.
func New(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{logger: logger}
}

// Run spawns program and waits for it without a deadline.
func (e *Exec) Run(ctx context.Context, program string, args []string) (Result, error) {
	return e.run(ctx, program, args)
}

// RunTimed spawns program and force-kills it once timeout elapses. A
// non-positive timeout behaves like Run.
func (e *Exec) RunTimed(ctx context.Context, program string, args []string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return e.run(ctx, program, args)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.run(ctx, program, args)
}

func (e *Exec) run(ctx context.Context, program string, args []string) (Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = waitDelay

	e.logger.Debug("starting process", "program", program, "args", redact(args))
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, failure.New(failure.TransportLaunchFailed, program, err)
	}
	waitErr := cmd.Wait()

	res := Result{ExitCode: exitCode(cmd.ProcessState), Output: out.Bytes()}
	if err := classify(ctx, program, waitErr); err != nil {
		return res, err
	}
	if !res.Success() {
		e.logger.Debug("process exited non-zero", "program", program, "exit_code", res.ExitCode, "output", truncate(out.String()))
	}
	return res, nil
}

// RunPiped connects left's stdout to right's stdin, starts both and waits
// for both. The result is that of right.
func (e *Exec) RunPiped(ctx context.Context, left string, leftArgs []string, right string, rightArgs []string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, w, err := os.Pipe()
	if err != nil {
		return Result{ExitCode: -1}, failure.New(failure.LocalIO, "pipe", err)
	}

	var leftErrOut, out bytes.Buffer
	lcmd := exec.CommandContext(ctx, left, leftArgs...)
	lcmd.Stdout = w
	lcmd.Stderr = &leftErrOut
	rcmd := exec.CommandContext(ctx, right, rightArgs...)
	rcmd.Stdin = r
	rcmd.Stdout = &out
	rcmd.Stderr = &out
	lcmd.WaitDelay = waitDelay
	rcmd.WaitDelay = waitDelay

	e.logger.Debug("starting piped process", "left", left, "right", right, "args", redact(rightArgs))
	if err := rcmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return Result{ExitCode: -1}, failure.New(failure.TransportLaunchFailed, right, err)
	}
	if err := lcmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		_ = rcmd.Process.Kill()
		_ = rcmd.Wait()
		return Result{ExitCode: -1}, failure.New(failure.TransportLaunchFailed, left, err)
	}
	// The children hold their own descriptors now.
	_ = r.Close()
	_ = w.Close()

	leftWait := lcmd.Wait()
	rightWait := rcmd.Wait()

	res := Result{ExitCode: exitCode(rcmd.ProcessState), Output: out.Bytes()}
	if err := classify(ctx, left, leftWait); err != nil {
		return res, err
	}
	if err := classify(ctx, right, rightWait); err != nil {
		return res, err
	}
	return res, nil
}

func classify(ctx context.Context, program string, waitErr error) error {
	if waitErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.TransportTimeout, program, ctx.Err())
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", program, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return nil
	}
	return failure.New(failure.TransportLaunchFailed, program, waitErr)
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}

// redact hides values that follow credential switches so argv can be logged.
func redact(args []string) []string {
	out := make([]string, len(args))
	hide := false
	for i, a := range args {
		switch {
		case hide:
			out[i] = "****"
			hide = false
		case a == "-p" || a == "-pw":
			out[i] = a
			hide = true
		case hasCredentialPrefix(a):
			k, _, _ := strings.Cut(a, "=")
			if strings.HasPrefix(strings.ToUpper(a), "/PASSWORD:") {
				k = a[:len("/PASSWORD:")-1]
				out[i] = k + ":****"
				continue
			}
			out[i] = k + "=****"
		default:
			out[i] = a
		}
	}
	return out
}

func hasCredentialPrefix(a string) bool {
	u := strings.ToUpper(a)
	return strings.HasPrefix(u, "/PASSWORD:") || strings.HasPrefix(u, "PASSWORD=")
}

func truncate(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
