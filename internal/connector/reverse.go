package connector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/mount"
	"github.com/BadgerOps/rcollect/internal/target"
)

// ReverseShareName is the share the driver exposes its C: drive under.
const ReverseShareName = "rcollect-share"

// reverseSharePath is the driver directory exposed to targets.
const reverseSharePath = `C:\`

// ReverseShare wraps another connector for targets that can reach the driver
// but not the other way round. Copies onto the target are turned into the
// target pulling from a share exposed by the driver.
type ReverseShare struct {
	inner   Connector
	lease   *mount.Lease
	handler *reverseHandler
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewReverseShare exposes the driver's C: drive as shareName (or
// ReverseShareName when empty) and wraps inner. The share is revoked by
// Close; on error inner is left open for the caller to close.
func NewReverseShare(ctx context.Context, inner Connector, shareName string, mounts *mount.Registry, logger *slog.Logger) (*ReverseShare, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if shareName == "" {
		shareName = ReverseShareName
	}
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving driver host name: %w", err)
	}
	lease, err := mounts.Share(ctx, shareName, reverseSharePath)
	if err != nil {
		return nil, err
	}

	rs := &ReverseShare{inner: inner, lease: lease, logger: logger}
	rs.handler = &reverseHandler{
		pull:  copier.NewReverseShare(&targetCopy{conn: inner}, host, shareName),
		inner: inner.Copier(),
	}
	return rs, nil
}

// Method reports the wrapped transport's label.
func (rs *ReverseShare) Method() Method             { return rs.inner.Method() }
func (rs *ReverseShare) Computer() target.Identity  { return rs.inner.Computer() }
func (rs *ReverseShare) Copier() copier.FileHandler { return rs.handler }
func (rs *ReverseShare) RemoteTempStorage() string  { return rs.inner.RemoteTempStorage() }
func (rs *ReverseShare) ImplicitExecution() bool    { return rs.inner.ImplicitExecution() }

func (rs *ReverseShare) Mkdir(ctx context.Context, path string) error {
	return rs.inner.Mkdir(ctx, path)
}

func (rs *ReverseShare) AcquirePerms(ctx context.Context, path string) error {
	return rs.inner.AcquirePerms(ctx, path)
}

func (rs *ReverseShare) ReleasePerms(ctx context.Context, path string) error {
	return rs.inner.ReleasePerms(ctx, path)
}

func (rs *ReverseShare) ListDirs(ctx context.Context, path, reportDir string) (string, error) {
	return rs.inner.ListDirs(ctx, path, reportDir)
}

func (rs *ReverseShare) RunCommand(ctx context.Context, cmd Command) (string, error) {
	return rs.inner.RunCommand(ctx, cmd)
}

func (rs *ReverseShare) RunLocalProgram(ctx context.Context, cmd Command) (string, error) {
	return runLocalProgram(ctx, rs, rs.logger, cmd)
}

func (rs *ReverseShare) RunLocalProgramInCurrentDirectory(ctx context.Context, cmd Command) (string, error) {
	return runInCurrentDirectory(ctx, rs, cmd)
}

// Close revokes the share, then closes the wrapped connector.
func (rs *ReverseShare) Close() error {
	rs.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		shareErr := rs.lease.Release(ctx)
		innerErr := rs.inner.Close()
		if shareErr != nil {
			rs.closeErr = shareErr
			return
		}
		rs.closeErr = innerErr
	})
	return rs.closeErr
}

// reverseHandler pushes through the reverse share and leaves pulls and
// deletes to the wrapped connector's own copier.
type reverseHandler struct {
	pull  *copier.Handler
	inner copier.FileHandler
}

func (h *reverseHandler) CopyToRemote(ctx context.Context, local, remote string) error {
	return h.pull.CopyToRemote(ctx, local, remote)
}

func (h *reverseHandler) CopyFromRemote(ctx context.Context, remote, local string) error {
	return h.inner.CopyFromRemote(ctx, remote, local)
}

func (h *reverseHandler) DeleteRemoteFile(ctx context.Context, remote string) error {
	return h.inner.DeleteRemoteFile(ctx, remote)
}

func (h *reverseHandler) MethodName() string { return h.pull.MethodName() }

// Close is a no-op; the wrapped connector owns the inner copier.
func (h *reverseHandler) Close() error { return nil }

// targetCopy is a copier primitive that runs the copy on the target through
// a connector, so the target can pull from a share on the driver.
type targetCopy struct {
	conn Connector
}

func (c *targetCopy) MethodName() string { return "RCOPY" }

func (c *targetCopy) CopyFile(ctx context.Context, source, dest string) error {
	_, err := c.conn.RunCommand(ctx, Command{Args: []string{"copy", "/y", source, dest}, Elevated: true})
	return err
}

func (c *targetCopy) DeleteFile(ctx context.Context, path string) error {
	_, err := c.conn.RunCommand(ctx, Command{Args: []string{"del", "/f", "/q", path}, Elevated: true})
	return err
}
