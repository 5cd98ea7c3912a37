// Package connectortest provides an in-process connector for tests of the
// packages layered on top of connectors. Its "remote" side is a directory
// on the local filesystem.
package connectortest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/target"
)

// Fake is a connector.Connector that records commands instead of running
// them. OnCommand, when set, runs for every command and program and may
// create files to simulate their effects.
type Fake struct {
	Label    connector.Method
	ID       target.Identity
	Temp     string
	Implicit bool
	Files    *FileCopier

	OnCommand func(cmd connector.Command) (string, error)

	mu       sync.Mutex
	commands []connector.Command
	programs []connector.Command
	closed   int
}

var _ connector.Connector = (*Fake)(nil)

// New returns a Fake labelled method whose remote temp area is temp.
func New(method connector.Method, temp string) *Fake {
	return &Fake{
		Label:    method,
		ID:       target.Identity{Address: "10.0.0.5", Username: "alice", Password: "pw"},
		Temp:     temp,
		Implicit: true,
		Files:    &FileCopier{},
	}
}

func (f *Fake) Method() connector.Method   { return f.Label }
func (f *Fake) Computer() target.Identity  { return f.ID }
func (f *Fake) Copier() copier.FileHandler { return f.Files }
func (f *Fake) RemoteTempStorage() string  { return f.Temp }
func (f *Fake) ImplicitExecution() bool    { return f.Implicit }

func (f *Fake) Mkdir(ctx context.Context, path string) error {
	_, err := f.RunCommand(ctx, connector.Command{Args: []string{"md", path}, Elevated: true})
	return err
}

func (f *Fake) AcquirePerms(ctx context.Context, path string) error {
	_, err := f.RunCommand(ctx, connector.Command{Args: []string{"icacls", path, "/grant", f.ID.DomainUser() + ":F"}, Elevated: true})
	return err
}

func (f *Fake) ReleasePerms(ctx context.Context, path string) error {
	_, err := f.RunCommand(ctx, connector.Command{Args: []string{"icacls", path, "/deny", f.ID.DomainUser() + ":F"}, Elevated: true})
	return err
}

func (f *Fake) ListDirs(ctx context.Context, path, reportDir string) (string, error) {
	return f.RunCommand(ctx, connector.Command{Args: []string{"dir", "/Ad", "/B", path}, ReportDir: reportDir, ReportPrefix: "dirs", Elevated: true})
}

// RunCommand records cmd and returns its report path.
func (f *Fake) RunCommand(_ context.Context, cmd connector.Command) (string, error) {
	if len(cmd.Args) == 0 {
		return "", errors.New("connectortest: empty command")
	}
	f.mu.Lock()
	cmd.Args = append([]string(nil), cmd.Args...)
	f.commands = append(f.commands, cmd)
	hook := f.OnCommand
	f.mu.Unlock()
	if hook != nil {
		return hook(cmd)
	}
	if cmd.ReportDir == "" {
		return "", nil
	}
	return connector.ReportPath(cmd.ReportDir, f.Label, cmd.ReportPrefix, f.ID.Address, f.ID.Username, cmd.ReportExt), nil
}

// RunLocalProgram records cmd as a staged program and runs it like a
// command.
func (f *Fake) RunLocalProgram(ctx context.Context, cmd connector.Command) (string, error) {
	f.mu.Lock()
	f.programs = append(f.programs, cmd)
	f.mu.Unlock()
	return f.RunCommand(ctx, cmd)
}

func (f *Fake) RunLocalProgramInCurrentDirectory(ctx context.Context, cmd connector.Command) (string, error) {
	return f.RunLocalProgram(ctx, cmd)
}

// Close counts calls.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// Commands returns every command run, staged programs included.
func (f *Fake) Commands() []connector.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.Command(nil), f.commands...)
}

// Programs returns the staged program runs.
func (f *Fake) Programs() []connector.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.Command(nil), f.programs...)
}

// Closed reports how often Close was called.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FileCopier copies real files. Remote paths are plain local paths.
type FileCopier struct {
	// Fail makes the transfer of a remote path fail when it returns true.
	Fail func(remote string) bool

	mu      sync.Mutex
	pushes  []string
	pulls   []string
	deletes []string
}

var _ copier.FileHandler = (*FileCopier)(nil)

func (c *FileCopier) MethodName() string { return "FAKE" }
func (c *FileCopier) Close() error       { return nil }

func (c *FileCopier) CopyToRemote(_ context.Context, local, remote string) error {
	c.record(&c.pushes, remote)
	if c.Fail != nil && c.Fail(remote) {
		return errors.New("push failed")
	}
	return copyFile(local, remote)
}

// CopyFromRemote copies remote into local, which may be a directory.
func (c *FileCopier) CopyFromRemote(_ context.Context, remote, local string) error {
	c.record(&c.pulls, remote)
	if c.Fail != nil && c.Fail(remote) {
		return errors.New("pull failed")
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		local = filepath.Join(local, copier.RemoteBase(remote))
	}
	return copyFile(remote, local)
}

func (c *FileCopier) DeleteRemoteFile(_ context.Context, remote string) error {
	c.record(&c.deletes, remote)
	return os.Remove(remote)
}

func (c *FileCopier) record(list *[]string, p string) {
	c.mu.Lock()
	*list = append(*list, p)
	c.mu.Unlock()
}

// Pushes, Pulls and Deletes return the remote paths touched.
func (c *FileCopier) Pushes() []string  { return c.snapshot(&c.pushes) }
func (c *FileCopier) Pulls() []string   { return c.snapshot(&c.pulls) }
func (c *FileCopier) Deletes() []string { return c.snapshot(&c.deletes) }

func (c *FileCopier) snapshot(list *[]string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), (*list)...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
