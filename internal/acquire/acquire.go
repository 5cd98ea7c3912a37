// Package acquire runs one command that leaves one artifact in the target's
// temp area and pulls that artifact back into the evidence store.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/rcollect/internal/archive"
	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/settle"
	"github.com/BadgerOps/rcollect/internal/store"
)

// Compression selects how an artifact travels back.
type Compression int

const (
	None Compression = iota
	Monolithic
	Split
)

func (c Compression) String() string {
	switch c {
	case Monolithic:
		return "monolithic"
	case Split:
		return "split"
	default:
		return "none"
	}
}

// Ledger records acquisition outcomes. *store.Store satisfies it.
type Ledger interface {
	RecordArtifact(a *store.Artifact) error
}

// Acquirer pulls artifacts from one connector's target.
type Acquirer struct {
	StoreDir    string
	Conn        connector.Connector
	Compression Compression
	// ReportExt is the artifact's extension, "txt" when empty.
	ReportExt string
	// OverwriteSwitch is appended after the artifact path, e.g. /y.
	OverwriteSwitch string
	Archiver        *archive.Archiver
	Timeout         time.Duration
	// StageProgram stages args[0] from the driver's working directory on
	// the target instead of running it in place.
	StageProgram bool
	Ledger       Ledger
	RunID        int64
	Logger       *slog.Logger
}

// Result is the outcome of one acquisition.
type Result struct {
	ReportPath string
	RemotePath string
	Size       int64
	SHA256     string
	Err        error
}

// Acquire appends the remote artifact path to args, runs the command, pulls
// the artifact into StoreDir and deletes it from the target. Each step runs
// even when an earlier one failed; every failure is logged and joined into
// Result.Err.
func (a *Acquirer) Acquire(ctx context.Context, prefix string, args []string) Result {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := a.Conn.Computer()
	logger = logger.With("prefix", prefix, "target", id.Address, "method", a.Conn.Method().String())

	var errs []error
	fail := func(step string, err error) {
		logger.Warn("acquisition step failed", "step", step, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	report := connector.ReportPath(a.StoreDir, a.Conn.Method(), prefix, id.Address, id.Username, a.ReportExt)
	remote := copier.RemoteJoin(a.Conn.RemoteTempStorage(), filepath.Base(report))

	argv := append(append([]string(nil), args...), remote)
	if a.OverwriteSwitch != "" {
		argv = append(argv, a.OverwriteSwitch)
	}
	cmd := connector.Command{Args: argv, ReportPrefix: prefix, Elevated: true, Timeout: a.Timeout}

	var err error
	if a.StageProgram {
		_, err = a.Conn.RunLocalProgramInCurrentDirectory(ctx, cmd)
	} else {
		_, err = a.Conn.RunCommand(ctx, cmd)
	}
	if err != nil {
		fail("run", err)
	}
	settle.Wait(ctx, settle.RemoteSettle)

	if err := a.pullCopier(logger).CopyFromRemote(ctx, remote, a.StoreDir); err != nil {
		fail("pull", err)
	}
	settle.Wait(ctx, settle.ShortSettle)

	if err := a.Conn.Copier().DeleteRemoteFile(ctx, remote); err != nil {
		fail("delete remote", err)
	}

	res := Result{ReportPath: report, RemotePath: remote}
	if size, sum, err := HashFile(report); err != nil {
		fail("hash", err)
	} else {
		res.Size, res.SHA256 = size, sum
		logger.Info("artifact acquired", "path", report, "size", humanize.Bytes(uint64(size)))
	}
	res.Err = errors.Join(errs...)
	a.record(logger, prefix, res)
	return res
}

func (a *Acquirer) pullCopier(logger *slog.Logger) copier.FileHandler {
	switch a.Compression {
	case Monolithic:
		return archive.NewCompressCopier(a.Conn, a.Archiver, false, a.Timeout, logger)
	case Split:
		return archive.NewCompressCopier(a.Conn, a.Archiver, true, a.Timeout, logger)
	default:
		return a.Conn.Copier()
	}
}

func (a *Acquirer) record(logger *slog.Logger, prefix string, res Result) {
	if a.Ledger == nil {
		return
	}
	art := &store.Artifact{
		RunID:       a.RunID,
		Target:      a.Conn.Computer().Address,
		Method:      a.Conn.Method().String(),
		Prefix:      prefix,
		RemotePath:  res.RemotePath,
		LocalPath:   res.ReportPath,
		Size:        res.Size,
		SHA256:      res.SHA256,
		Status:      store.StatusCollected,
		CollectedAt: time.Now().UTC(),
	}
	if res.SHA256 == "" {
		art.Status = store.StatusFailed
	}
	if res.Err != nil {
		art.ErrorMessage = res.Err.Error()
	}
	if err := a.Ledger.RecordArtifact(art); err != nil {
		logger.Warn("failed to record artifact in ledger", "error", err)
	}
}

// HashFile returns the size and SHA-256 of a non-empty file.
func HashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", fmt.Errorf("%s is empty", path)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
