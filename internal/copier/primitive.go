// Package copier moves single files between the driver host and a target
// through whatever file-transfer mechanism a transport offers.
package copier

import (
	"context"
	"fmt"
	"strings"

	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/target"
)

// Primitive is one file-movement mechanism. Paths are already in the form
// the mechanism understands. Calls are synchronous and never retried.
type Primitive interface {
	CopyFile(ctx context.Context, source, target string) error
	DeleteFile(ctx context.Context, path string) error
	MethodName() string
}

// ShareCopy copies through administrative shares with the native copy
// utility of the driver's shell.
type ShareCopy struct {
	Runner runner.Runner
	Shell  string
}

func (c *ShareCopy) MethodName() string { return "COPY" }

func (c *ShareCopy) CopyFile(ctx context.Context, source, target string) error {
	return check(c.Runner.Run(ctx, c.Shell, []string{"/c", "copy", "/y", source, target}))("copy " + source)
}

func (c *ShareCopy) DeleteFile(ctx context.Context, path string) error {
	return check(c.Runner.Run(ctx, c.Shell, []string{"/c", "del", "/f", "/q", path}))("del " + path)
}

// PowerShellCopy copies with Copy-Item from a local PowerShell.
type PowerShellCopy struct {
	Runner     runner.Runner
	PowerShell string
}

func (c *PowerShellCopy) MethodName() string { return "PSCOPY" }

func (c *PowerShellCopy) CopyFile(ctx context.Context, source, target string) error {
	script := fmt.Sprintf("Copy-Item -LiteralPath %s -Destination %s -Force", PSQuote(source), PSQuote(target))
	return check(c.Runner.Run(ctx, c.PowerShell, psArgs(script)))("Copy-Item " + source)
}

func (c *PowerShellCopy) DeleteFile(ctx context.Context, path string) error {
	script := fmt.Sprintf("Remove-Item -LiteralPath %s -Force", PSQuote(path))
	return check(c.Runner.Run(ctx, c.PowerShell, psArgs(script)))("Remove-Item " + path)
}

func psArgs(script string) []string {
	return []string{"-NoProfile", "-NonInteractive", "-Command", script}
}

// PSQuote renders s as a single-quoted PowerShell literal.
func PSQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SecureCopy copies with PuTTY's pscp and deletes with plink. The host-key
// prompt is answered with a piped "n" so an unknown key is used once and
// not cached.
type SecureCopy struct {
	Runner  runner.Runner
	Shell   string
	Pscp    string
	Plink   string
	Target  target.Identity
	KeyFile string
}

func (c *SecureCopy) MethodName() string { return "SCP" }

func (c *SecureCopy) CopyFile(ctx context.Context, source, dest string) error {
	if !c.Target.HasPassword() {
		return failure.Newf(failure.CredentialMissing, "pscp", "no password for %s", c.Target.String())
	}
	args := []string{"-scp", "-l", c.Target.Username, "-pw", c.Target.Password}
	if c.KeyFile != "" {
		args = append(args, "-i", c.KeyFile)
	}
	args = append(args, source, dest)
	return check(c.Runner.RunPiped(ctx, c.Shell, answerNo, c.Pscp, args, 0))("pscp " + source)
}

func (c *SecureCopy) DeleteFile(ctx context.Context, path string) error {
	if !c.Target.HasPassword() {
		return failure.Newf(failure.CredentialMissing, "plink", "no password for %s", c.Target.String())
	}
	path = strings.TrimPrefix(path, c.Target.Address+":")
	args := []string{"-ssh", c.Target.Address, "-l", c.Target.Username, "-pw", c.Target.Password, "-no-antispoof"}
	if c.KeyFile != "" {
		args = append(args, "-i", c.KeyFile)
	}
	args = append(args, "rm", "-f", ShQuote(path))
	return check(c.Runner.RunPiped(ctx, c.Shell, answerNo, c.Plink, args, 0))("rm " + path)
}

// answerNo is the left side of the host-key answering pipe.
var answerNo = []string{"/c", "echo", "n"}

// AnswerNo returns the shell arguments that print the host-key answer.
func AnswerNo() []string { return append([]string(nil), answerNo...) }

// ShQuote renders s as a single-quoted POSIX shell word.
func ShQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// check turns a runner outcome into a copy error labelled with op.
func check(res runner.Result, err error) func(op string) error {
	return func(op string) error {
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !res.Success() {
			return failure.Newf(failure.TransportNonzeroExit, op, "exit code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
		}
		return nil
	}
}
