// Package shadow creates a volume shadow copy on a Windows target and links
// it into the remote temp area so locked files can be read.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/failure"
)

// LiveVolume is the link used when no snapshot could be made.
const LiveVolume = `C:\`

const (
	createTimeout = 20 * time.Second
	closeTimeout  = 20 * time.Second
	volumeMarker  = "Shadow Copy Volume"
)

// Options controls snapshot creation.
type Options struct {
	// FallbackToLiveVolume makes Make return a snapshot linked to C:\
	// instead of an error when any step fails.
	FallbackToLiveVolume bool
	PowerShell           string
	Logger               *slog.Logger
}

// Snapshot is a shadow copy linked under the remote temp area.
type Snapshot struct {
	conn connector.Connector
	link string
	// created is the symlink made on the target, which Close removes even
	// when link fell back to the live volume.
	created  string
	linked   bool
	perms    bool
	fallback bool
	logger   *slog.Logger

	once sync.Once
}

// Link is the target path to read files through.
func (s *Snapshot) Link() string { return s.link }

// Fallback reports whether the snapshot is the live volume.
func (s *Snapshot) Fallback() bool { return s.fallback }

// Make creates a shadow copy of C: on the connector's target. scratchDir is
// a local directory for the shadow listing.
func Make(ctx context.Context, conn connector.Connector, scratchDir string, opts Options) (*Snapshot, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	powershell := opts.PowerShell
	if powershell == "" {
		powershell = "powershell.exe"
	}
	s := &Snapshot{
		conn:   conn,
		logger: logger.With("method", conn.Method().String(), "target", conn.Computer().Address),
	}

	if err := s.create(ctx, powershell, scratchDir); err != nil {
		if !opts.FallbackToLiveVolume {
			_ = s.Close(ctx)
			return nil, failure.New(failure.ShadowSnapshotFailed, "shadow copy", err)
		}
		s.logger.Warn("shadow copy failed, reading the live volume", "error", err)
		s.link = LiveVolume
		s.fallback = true
	}
	return s, nil
}

func (s *Snapshot) create(ctx context.Context, powershell, scratchDir string) error {
	_, err := s.conn.RunCommand(ctx, connector.Command{
		Args:     []string{powershell, "-Command", `(gwmi -list win32_shadowcopy).Create('C:\','ClientAccessible')`},
		Elevated: true,
		Timeout:  createTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating shadow copy: %w", err)
	}

	listing, err := s.conn.RunCommand(ctx, connector.Command{
		Args:         []string{"vssadmin", "list", "shadows"},
		ReportDir:    scratchDir,
		ReportPrefix: "shadows",
		Elevated:     true,
	})
	if err != nil {
		return fmt.Errorf("listing shadow copies: %w", err)
	}
	data, err := os.ReadFile(listing)
	if err != nil {
		return failure.New(failure.LocalIO, "reading shadow listing", err)
	}
	if err := os.Remove(listing); err != nil {
		s.logger.Warn("failed to remove shadow listing", "path", listing, "error", err)
	}
	volume, ok := ParseShadowVolume(string(data))
	if !ok {
		return failure.Newf(failure.ParseFailed, "shadow listing", "no %q line", volumeMarker)
	}

	link := copier.RemoteJoin(s.conn.RemoteTempStorage(), strings.ReplaceAll(uuid.New().String(), "-", ""))
	if _, err := s.conn.RunCommand(ctx, connector.Command{
		Args:     []string{"mklink", "/d", link, volume + `\`},
		Elevated: true,
	}); err != nil {
		return fmt.Errorf("linking shadow copy: %w", err)
	}
	s.created = link
	s.linked = true

	if err := s.conn.AcquirePerms(ctx, link); err != nil {
		return fmt.Errorf("granting access to shadow copy: %w", err)
	}
	s.perms = true
	s.link = link
	s.logger.Info("shadow copy linked", "volume", volume, "link", link)
	return nil
}

// ParseShadowVolume returns the volume path from the last "Shadow Copy
// Volume" line of a vssadmin listing.
func ParseShadowVolume(listing string) (string, bool) {
	lines := strings.Split(listing, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.Contains(line, volumeMarker) {
			continue
		}
		_, rest, ok := strings.Cut(line, ":")
		if !ok {
			return "", false
		}
		rest = strings.TrimPrefix(rest, " ")
		rest = strings.TrimRightFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' })
		return rest, rest != ""
	}
	return "", false
}

// Close revokes access and removes the link, skipping steps that never
// happened. Failures are logged, not returned. It is idempotent.
func (s *Snapshot) Close(ctx context.Context) error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		var errs []error
		if s.perms {
			errs = append(errs, s.conn.ReleasePerms(ctx, s.created))
		}
		if s.linked {
			_, err := s.conn.RunCommand(ctx, connector.Command{
				Args:     []string{"rmdir", s.created},
				Elevated: true,
				Timeout:  closeTimeout,
			})
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			s.logger.Warn("failed to remove shadow copy link", "link", s.created, "error", err)
		}
	})
	return nil
}
