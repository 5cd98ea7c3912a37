package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/settle"
	"github.com/BadgerOps/rcollect/internal/target"
)

// Connector is the uniform contract every transport presents. A connector
// is used by one goroutine at a time; callers serialize per target.
type Connector interface {
	Method() Method
	Computer() target.Identity
	Copier() copier.FileHandler
	RemoteTempStorage() string

	Mkdir(ctx context.Context, path string) error
	AcquirePerms(ctx context.Context, path string) error
	ReleasePerms(ctx context.Context, path string) error
	// ListDirs writes the names of the subdirectories of path into a report
	// in reportDir and returns the report path.
	ListDirs(ctx context.Context, path, reportDir string) (string, error)

	// RunCommand runs cmd on the target and returns the report path, which
	// is empty when cmd.ReportDir is unset. A non-zero exit of the remote
	// command is not an error.
	RunCommand(ctx context.Context, cmd Command) (string, error)
	// RunLocalProgram stages the driver executable cmd.Args[0] in the remote
	// temp area, runs it and removes it again.
	RunLocalProgram(ctx context.Context, cmd Command) (string, error)
	// RunLocalProgramInCurrentDirectory is RunLocalProgram with cmd.Args[0]
	// resolved against the driver's working directory.
	RunLocalProgramInCurrentDirectory(ctx context.Context, cmd Command) (string, error)

	// ImplicitExecution reports whether unfiltered custom commands run on
	// this connector.
	ImplicitExecution() bool
	Close() error
}

// Remote is the shared implementation behind every transport. The
// transport-specific part is its dialect.
type Remote struct {
	method   Method
	id       target.Identity
	tempDir  string
	shell    string
	implicit bool

	dialect dialect
	handler copier.FileHandler
	runner  runner.Runner
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (r *Remote) Method() Method             { return r.method }
func (r *Remote) Computer() target.Identity  { return r.id }
func (r *Remote) Copier() copier.FileHandler { return r.handler }
func (r *Remote) RemoteTempStorage() string  { return r.tempDir }
func (r *Remote) ImplicitExecution() bool    { return r.implicit }

// RunCommand renders cmd through the dialect, prepends the driver shell so
// that redirection works, and runs it.
func (r *Remote) RunCommand(ctx context.Context, cmd Command) (string, error) {
	if len(cmd.Args) == 0 {
		return "", errors.New("connector: empty command")
	}

	report := ""
	if cmd.ReportDir != "" {
		report = ReportPath(cmd.ReportDir, r.method, cmd.ReportPrefix, r.id.Address, r.id.Username, cmd.ReportExt)
	}

	argv := append([]string{"/c"}, r.dialect.prepare(cmd.Args, report, cmd.Elevated)...)

	var (
		res runner.Result
		err error
	)
	switch {
	case r.dialect.piped():
		res, err = r.runner.RunPiped(ctx, r.shell, copier.AnswerNo(), r.shell, argv, cmd.Timeout)
	case cmd.Timeout > 0:
		res, err = r.runner.RunTimed(ctx, r.shell, argv, cmd.Timeout)
	default:
		res, err = r.runner.Run(ctx, r.shell, argv)
	}
	if err != nil {
		return "", fmt.Errorf("%s %s on %s: %w", r.method, cmd.Args[0], r.id.Address, err)
	}
	if !res.Success() {
		r.logger.Warn("remote command exited non-zero",
			"method", r.method, "target", r.id.Address, "prefix", cmd.ReportPrefix,
			"command", cmd.Args[0], "exit_code", res.ExitCode)
	}
	return report, nil
}

// RunLocalProgram copies the executable into remote temp storage, waits for
// it to become visible, runs it from there and deletes it on every exit
// path once the copy succeeded.
func (r *Remote) RunLocalProgram(ctx context.Context, cmd Command) (string, error) {
	return runLocalProgram(ctx, r, r.logger, cmd)
}

func runLocalProgram(ctx context.Context, c Connector, logger *slog.Logger, cmd Command) (string, error) {
	if len(cmd.Args) == 0 {
		return "", errors.New("connector: empty command")
	}
	id := c.Computer()
	local := cmd.Args[0]
	remote := copier.RemoteJoin(c.RemoteTempStorage(), copier.RemoteBase(local))

	if err := c.Copier().CopyToRemote(ctx, local, remote); err != nil {
		return "", fmt.Errorf("staging %s on %s: %w", local, id.Address, err)
	}
	defer func() {
		if err := c.Copier().DeleteRemoteFile(context.WithoutCancel(ctx), remote); err != nil {
			logger.Warn("failed to remove staged program",
				"method", c.Method(), "target", id.Address, "path", remote, "error", err)
		}
	}()
	settle.Wait(ctx, settle.StagingSettle)

	staged := cmd
	staged.Args = append([]string{remote}, cmd.Args[1:]...)
	report, err := c.RunCommand(ctx, staged)
	settle.Wait(ctx, settle.RemoteSettle)
	return report, err
}

// RunLocalProgramInCurrentDirectory stages Args[0] from the driver's working
// directory instead of resolving it through PATH, then runs it like
// RunLocalProgram.
func (r *Remote) RunLocalProgramInCurrentDirectory(ctx context.Context, cmd Command) (string, error) {
	return runInCurrentDirectory(ctx, r, cmd)
}

func runInCurrentDirectory(ctx context.Context, c Connector, cmd Command) (string, error) {
	if len(cmd.Args) == 0 {
		return "", errors.New("connector: empty command")
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	program := cmd.Args[0]
	if !filepath.IsAbs(program) {
		program = filepath.Join(wd, program)
	}
	resolved := cmd
	resolved.Args = append([]string{program}, cmd.Args[1:]...)
	return c.RunLocalProgram(ctx, resolved)
}

func (r *Remote) Mkdir(ctx context.Context, path string) error {
	args := []string{"md", path}
	if r.dialect.posix() {
		args = []string{"mkdir", "-p", copier.ShQuote(path)}
	}
	_, err := r.RunCommand(ctx, Command{Args: args, Elevated: true})
	return err
}

func (r *Remote) ListDirs(ctx context.Context, path, reportDir string) (string, error) {
	args := []string{"dir", "/Ad", "/B", path}
	if r.dialect.posix() {
		args = []string{"find", copier.ShQuote(path), "-mindepth", "1", "-maxdepth", "1", "-type", "d"}
	}
	return r.RunCommand(ctx, Command{Args: args, ReportDir: reportDir, ReportPrefix: "dirs", Elevated: true})
}

func (r *Remote) AcquirePerms(ctx context.Context, path string) error {
	args := []string{"icacls", path, "/grant", r.id.DomainUser() + ":F"}
	if r.dialect.posix() {
		args = []string{"chmod", "-R", "u+rwX", copier.ShQuote(path)}
	}
	_, err := r.RunCommand(ctx, Command{Args: args, Elevated: true})
	return err
}

func (r *Remote) ReleasePerms(ctx context.Context, path string) error {
	args := []string{"icacls", path, "/deny", r.id.DomainUser() + ":F"}
	if r.dialect.posix() {
		args = []string{"chmod", "-R", "go-rwx", copier.ShQuote(path)}
	}
	_, err := r.RunCommand(ctx, Command{Args: args, Elevated: true})
	return err
}

// Close releases the copier and any mount it holds. It is idempotent.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		if r.handler != nil {
			r.closeErr = r.handler.Close()
		}
		r.logger.Debug("connector closed", "method", r.method, "target", r.id.Address)
	})
	return r.closeErr
}
