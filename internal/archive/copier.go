package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/settle"
)

// CompressCopier decorates a connector's copier so every transfer is
// compressed at the sending end and extracted at the receiving end. Local
// paths given to CopyFromRemote are directories.
//
// Failures in any sub-step are logged and the pipeline carries on; the
// returned error joins every failure seen.
type CompressCopier struct {
	conn     connector.Connector
	archiver *Archiver
	split    bool
	timeout  time.Duration
	logger   *slog.Logger
}

var _ copier.FileHandler = (*CompressCopier)(nil)

// NewCompressCopier wraps conn's copier.
func NewCompressCopier(conn connector.Connector, archiver *Archiver, split bool, timeout time.Duration, logger *slog.Logger) *CompressCopier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompressCopier{
		conn:     conn,
		archiver: archiver,
		split:    split,
		timeout:  timeout,
		logger:   logger.With("method", conn.Method().String(), "target", conn.Computer().Address),
	}
}

func (c *CompressCopier) inner() copier.FileHandler { return c.conn.Copier() }

// MethodName reports the wrapped copier with the archive format.
func (c *CompressCopier) MethodName() string { return c.inner().MethodName() + "+7Z" }

// DeleteRemoteFile passes through.
func (c *CompressCopier) DeleteRemoteFile(ctx context.Context, remote string) error {
	return c.inner().DeleteRemoteFile(ctx, remote)
}

// Close is a no-op; the connector owns the wrapped copier.
func (c *CompressCopier) Close() error { return nil }

// CopyToRemote compresses local, pushes the parts next to remote, extracts
// them on the target and cleans up both sides. The driver's file is kept.
func (c *CompressCopier) CopyToRemote(ctx context.Context, local, remote string) error {
	var errs []error
	fail := func(step string, err error) {
		c.logger.Warn("compressed push step failed", "step", step, "path", local, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	if err := c.archiver.Compress(ctx, Job{Source: local, Split: c.split, KeepSource: true, Timeout: c.timeout}); err != nil {
		fail("compress", err)
	}

	parts := localParts(local, c.split)
	remoteDir := copier.RemoteDir(remote)
	var pushed []string
	for i, part := range parts {
		if i > 0 {
			settle.Wait(ctx, settle.PartPacing)
		}
		dest := copier.RemoteJoin(remoteDir, filepath.Base(part))
		if err := c.inner().CopyToRemote(ctx, part, dest); err != nil {
			fail("push part", err)
			continue
		}
		pushed = append(pushed, dest)
	}

	if len(pushed) > 0 {
		first := copier.RemoteJoin(remoteDir, filepath.Base(FirstPart(local, c.split)))
		args := append([]string{c.archiver.Binary}, UncompressArgs(first, remoteDir)...)
		if _, err := c.conn.RunLocalProgramInCurrentDirectory(ctx, connector.Command{Args: args, Elevated: true, Timeout: c.timeout}); err != nil {
			fail("remote uncompress", failure.New(failure.CompressionFailed, "uncompress "+first, err))
		}
	}

	for _, part := range parts {
		if err := os.Remove(part); err != nil {
			fail("delete local part", failure.New(failure.LocalIO, part, err))
		}
	}
	for _, dest := range pushed {
		if err := c.inner().DeleteRemoteFile(ctx, dest); err != nil {
			fail("delete remote part", err)
		}
	}
	return errors.Join(errs...)
}

// CopyFromRemote compresses remote on the target, pulls the archive into
// localDir, extracts it there and deletes the archive on both sides.
func (c *CompressCopier) CopyFromRemote(ctx context.Context, remote, localDir string) error {
	var errs []error
	fail := func(step string, err error) {
		c.logger.Warn("compressed pull step failed", "step", step, "path", remote, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	args := append([]string{c.archiver.Binary}, CompressArgs(remote, c.split)...)
	if _, err := c.conn.RunLocalProgramInCurrentDirectory(ctx, connector.Command{Args: args, Elevated: true, Timeout: c.timeout}); err != nil {
		fail("remote compress", failure.New(failure.CompressionFailed, "compress "+remote, err))
	}
	settle.Wait(ctx, settle.RemoteSettle)

	var received []string
	if c.split {
		received = c.pullParts(ctx, ArchivePath(remote), localDir, fail)
	} else {
		archive := ArchivePath(remote)
		dest := filepath.Join(localDir, copier.RemoteBase(archive))
		if err := c.inner().CopyFromRemote(ctx, archive, dest); err != nil {
			fail("pull archive", err)
		} else if !Received(dest) {
			fail("pull archive", failure.Newf(failure.RemotePathUnreadable, archive, "archive was not received"))
		} else {
			received = append(received, dest)
			if err := c.inner().DeleteRemoteFile(ctx, archive); err != nil {
				fail("delete remote archive", err)
			}
		}
	}

	if len(received) == 0 {
		return errors.Join(errs...)
	}
	if err := c.archiver.Uncompress(ctx, received[0], c.timeout); err != nil {
		fail("local uncompress", err)
	}
	for _, p := range received {
		if err := os.Remove(p); err != nil {
			fail("delete local part", failure.New(failure.LocalIO, p, err))
		}
	}
	return errors.Join(errs...)
}

// pullParts fetches archive.001, .002, ... until a part is not received,
// deleting each remote part after it arrives.
func (c *CompressCopier) pullParts(ctx context.Context, archive, localDir string, fail func(string, error)) []string {
	var received []string
	for n := 1; ; n++ {
		if n > 1 {
			settle.Wait(ctx, settle.PartPacing)
		}
		if ctx.Err() != nil {
			fail("pull parts", ctx.Err())
			return received
		}
		part := PathToPart(archive, n)
		dest := filepath.Join(localDir, copier.RemoteBase(part))
		err := c.inner().CopyFromRemote(ctx, part, dest)
		if err != nil || !Received(dest) {
			// The first missing part ends the archive.
			_ = removeEmpty(dest)
			if n == 1 {
				fail("pull parts", failure.Newf(failure.RemotePathUnreadable, part, "first part was not received: %v", err))
			}
			c.logger.Debug("archive parts pulled", "archive", archive, "parts", len(received))
			return received
		}
		received = append(received, dest)
		if err := c.inner().DeleteRemoteFile(ctx, part); err != nil {
			fail("delete remote part", err)
		}
	}
}

// Received reports whether a transfer left a non-empty file at path.
func Received(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func removeEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() > 0 {
		return nil
	}
	return os.Remove(path)
}

// localParts lists the archive files a local compression produced.
func localParts(source string, split bool) []string {
	if !split {
		if _, err := os.Stat(ArchivePath(source)); err != nil {
			return nil
		}
		return []string{ArchivePath(source)}
	}
	var parts []string
	for n := 1; ; n++ {
		p := PathToPart(ArchivePath(source), n)
		if _, err := os.Stat(p); err != nil {
			return parts
		}
		parts = append(parts, p)
	}
}
