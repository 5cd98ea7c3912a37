// Package redownload resumes interrupted transfers of remote artifacts,
// either monolithic files or numbered archive parts.
package redownload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BadgerOps/rcollect/internal/archive"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/settle"
)

// minSize is the smallest file the resumer counts as received.
const minSize = 100

// emptyRun is how many consecutive empty parts end a split archive.
const emptyRun = 2

// IsEmpty reports whether path cannot be opened or holds fewer than 100
// bytes.
func IsEmpty(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, minSize)
	_, err = io.ReadFull(f, buf)
	return err != nil
}

// Resumer pulls remote artifacts through a copier into a local directory.
type Resumer struct {
	copier copier.FileHandler
	logger *slog.Logger
}

// New creates a Resumer.
func New(c copier.FileHandler, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{copier: c, logger: logger}
}

// Resume fetches remotePath into targetDir and returns the local files it
// received. A path ending in a numeric extension (file.7z.003) is a split
// archive resumed from that part onwards, with each part deleted remotely
// once it arrives. Anything else is tried as is, then as .7z, then as
// .7z.001 onwards.
func (r *Resumer) Resume(ctx context.Context, remotePath, targetDir string) ([]string, error) {
	var fetched []string
	if stem, n, ok := splitPart(remotePath); ok {
		fetched = r.resumeParts(ctx, stem, n, targetDir)
	} else {
		fetched = r.resumeMonolithic(ctx, remotePath, targetDir)
	}
	if len(fetched) == 0 {
		return nil, failure.Newf(failure.RemotePathUnreadable, "redownload", "nothing received for %s", remotePath)
	}
	return fetched, nil
}

func (r *Resumer) resumeMonolithic(ctx context.Context, remotePath, targetDir string) []string {
	for _, candidate := range []string{remotePath, archive.ArchivePath(remotePath)} {
		if local, ok := r.fetch(ctx, candidate, targetDir); ok {
			return []string{local}
		}
	}
	return r.resumeParts(ctx, archive.ArchivePath(remotePath), 1, targetDir)
}

// resumeParts fetches stem.NNN from part first onwards until two parts in a
// row come back empty.
func (r *Resumer) resumeParts(ctx context.Context, stem string, first int, targetDir string) []string {
	var fetched []string
	empties := 0
	for n := first; ctx.Err() == nil; n++ {
		part := archive.PathToPart(stem, n)
		local, ok := r.fetch(ctx, part, targetDir)
		if !ok {
			empties++
			if empties == emptyRun {
				break
			}
			continue
		}
		empties = 0
		fetched = append(fetched, local)
		if err := r.copier.DeleteRemoteFile(ctx, part); err != nil {
			r.logger.Warn("failed to delete remote part", "path", part, "error", err)
		}
		settle.Wait(ctx, settle.RemoteSettle)
	}
	r.logger.Info("redownload finished", "stem", stem, "parts", len(fetched))
	return fetched
}

// fetch pulls remote into targetDir and reports whether a non-empty file
// arrived. Empty leftovers are removed.
func (r *Resumer) fetch(ctx context.Context, remote, targetDir string) (string, bool) {
	local := filepath.Join(targetDir, copier.RemoteBase(remote))
	if err := r.copier.CopyFromRemote(ctx, remote, targetDir); err != nil {
		r.logger.Debug("pull failed", "path", remote, "error", err)
	}
	if IsEmpty(local) {
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove empty download", "path", local, "error", err)
		}
		return "", false
	}
	return local, true
}

// splitPart splits file.7z.003 into (file.7z, 3).
func splitPart(p string) (string, int, bool) {
	base := copier.RemoteBase(p)
	i := strings.LastIndex(base, ".")
	if i < 0 || i == len(base)-1 {
		return "", 0, false
	}
	ext := base[i+1:]
	for _, c := range ext {
		if c < '0' || c > '9' {
			return "", 0, false
		}
	}
	n, err := strconv.Atoi(ext)
	if err != nil {
		return "", 0, false
	}
	return p[:len(p)-len(ext)-1], n, true
}
