package collect

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/rcollect/internal/acquire"
	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/kape"
	"github.com/BadgerOps/rcollect/internal/safety"
	"github.com/BadgerOps/rcollect/internal/shadow"
	"github.com/BadgerOps/rcollect/internal/store"
)

// usersDir holds the profile directories %user% expands to.
const (
	usersDir      = `C:\Users`
	posixUsersDir = "/home"
)

// searcher pulls the files a search list matches. On Windows targets the
// paths are read through a shadow copy link so locked files can be copied.
type searcher struct {
	t       *targetRun
	conn    connector.Connector
	posix   bool
	link    string
	filesTo string
	n       int
}

// search runs every entry of the search list against conn.
func (t *targetRun) search(ctx context.Context, conn connector.Connector) {
	s := &searcher{
		t:       t,
		conn:    conn,
		posix:   conn.Method() == connector.SSH,
		link:    shadow.LiveVolume,
		filesTo: filepath.Join(t.dir, "files", conn.Method().String()),
	}
	if err := os.MkdirAll(s.filesTo, 0o755); err != nil {
		t.fail("file search", err)
		return
	}

	if !s.posix && t.d.opts.Shadow {
		snap, err := shadow.Make(ctx, conn, t.dir, shadow.Options{
			FallbackToLiveVolume: t.d.opts.FallbackToLiveVolume,
			PowerShell:           t.d.opts.Tools.PowerShell,
			Logger:               t.logger,
		})
		if err != nil {
			t.fail("shadow copy", err)
			return
		}
		defer snap.Close(context.WithoutCancel(ctx))
		s.link = snap.Link()
	}

	for _, entry := range s.expand(ctx, t.d.opts.SearchList) {
		if ctx.Err() != nil {
			return
		}
		s.collect(ctx, entry)
	}
}

// expand replaces %user% entries by one entry per profile directory.
func (s *searcher) expand(ctx context.Context, entries []kape.Entry) []kape.Entry {
	var users []string
	listed := false
	var out []kape.Entry
	for _, e := range entries {
		if !e.HasUserVar() {
			out = append(out, e)
			continue
		}
		if !listed {
			users = s.users(ctx)
			listed = true
		}
		for _, u := range users {
			out = append(out, e.ForUser(u))
		}
	}
	return out
}

func (s *searcher) users(ctx context.Context) []string {
	dir := posixUsersDir
	if !s.posix {
		dir = s.onLink(usersDir)
	}
	report, err := s.conn.ListDirs(ctx, dir, s.t.dir)
	if err != nil {
		s.t.fail("list profiles", err)
		return nil
	}
	lines, err := readLines(report)
	s.discard(report)
	if err != nil {
		s.t.fail("list profiles", err)
		return nil
	}
	var users []string
	for _, l := range lines {
		users = append(users, copier.RemoteBase(l))
	}
	s.t.logger.Debug("profiles found", "count", len(users))
	return users
}

// onLink maps an absolute C:\ path onto the shadow copy link.
func (s *searcher) onLink(p string) string {
	if s.link == shadow.LiveVolume {
		return p
	}
	rel := p
	if len(p) >= 2 && p[1] == ':' {
		rel = p[2:]
	}
	return copier.RemoteJoin(s.link, rel)
}

// offLink maps a listed path back to its path on the live volume.
func (s *searcher) offLink(p string) string {
	if s.link == shadow.LiveVolume || !strings.HasPrefix(strings.ToLower(p), strings.ToLower(s.link)) {
		return p
	}
	return copier.RemoteJoin(shadow.LiveVolume, p[len(s.link):])
}

func (s *searcher) listArgs(e kape.Entry) []string {
	mask := e.FileMask
	if mask == "" {
		mask = "*"
	}
	if s.posix {
		args := []string{"find", copier.ShQuote(e.Path)}
		if !e.Recursive {
			args = append(args, "-maxdepth", "1")
		}
		return append(args, "-type", "f", "-name", copier.ShQuote(mask))
	}
	pattern := s.onLink(kape.Entry{Path: e.Path, FileMask: mask}.Pattern())
	if e.Recursive {
		return []string{"dir", "/S", "/B", "/A-D", pattern}
	}
	return []string{"dir", "/B", "/A-D", pattern}
}

// collect lists the files an entry matches and pulls each of them.
func (s *searcher) collect(ctx context.Context, e kape.Entry) {
	s.n++
	prefix := fmt.Sprintf("search-%03d", s.n)
	report, err := s.conn.RunCommand(ctx, connector.Command{
		Args:         s.listArgs(e),
		ReportDir:    s.t.dir,
		ReportPrefix: prefix,
		Elevated:     true,
	})
	if err != nil {
		s.t.fail("file search "+e.Pattern(), err)
		return
	}
	lines, err := readLines(report)
	s.discard(report)
	if err != nil {
		s.t.fail("file search "+e.Pattern(), err)
		return
	}

	for _, line := range lines {
		remote := line
		if !s.posix && !e.Recursive {
			// dir /B without /S prints bare names.
			remote = copier.RemoteJoin(s.onLink(e.Path), line)
		}
		s.pull(ctx, prefix, remote)
	}
}

func (s *searcher) pull(ctx context.Context, prefix, remote string) {
	original := s.offLink(remote)
	art := &store.Artifact{
		Target:     s.conn.Computer().Address,
		Method:     s.conn.Method().String(),
		Prefix:     prefix,
		RemotePath: original,
		Status:     store.StatusFailed,
	}
	defer func() {
		art.CollectedAt = time.Now().UTC()
		s.t.record(art)
	}()

	local, err := safety.EvidencePath(s.filesTo, original)
	if err != nil {
		art.ErrorMessage = err.Error()
		s.t.fail("file search", err)
		return
	}
	art.LocalPath = local
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		art.ErrorMessage = err.Error()
		s.t.fail("file search", err)
		return
	}
	if err := s.conn.Copier().CopyFromRemote(ctx, remote, local); err != nil {
		art.ErrorMessage = err.Error()
		s.t.logger.Warn("failed to pull file", "path", original, "error", err)
		return
	}
	size, sum, err := acquire.HashFile(local)
	if err != nil {
		art.ErrorMessage = err.Error()
		s.t.logger.Warn("pulled file is unusable", "path", original, "error", err)
		return
	}
	art.Size, art.SHA256, art.Status = size, sum, store.StatusCollected
	s.t.logger.Debug("file pulled", "path", original, "size", size)
}

// discard removes a listing report once it has been read.
func (s *searcher) discard(report string) {
	if err := os.Remove(report); err != nil && !os.IsNotExist(err) {
		s.t.logger.Warn("failed to remove listing report", "path", report, "error", err)
	}
}

// readLines returns the non-blank lines of a report.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if l := strings.TrimSpace(scanner.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, scanner.Err()
}
