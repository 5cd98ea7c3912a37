// Package archive wraps file transfers in 7-Zip compression, optionally
// split into fixed-size volumes, so large artifacts survive transports that
// choke on big single files.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/runner"
)

const (
	// Ext is appended to a compressed file's name.
	Ext = ".7z"
	// VolumeSize is the 7-Zip volume switch for split archives.
	VolumeSize = "-v2m"
	// Level is the 7-Zip compression level switch.
	Level = "-mx5"
)

// Job is one compression request.
type Job struct {
	Source string
	// Split produces Source.7z.001, .002, ... and deletes Source. A
	// monolithic job produces Source.7z and keeps Source.
	Split bool
	// KeepSource drops -sdel from a split job.
	KeepSource bool
	Timeout    time.Duration
}

// PathToPart returns the name of volume n of archive p.
func PathToPart(p string, n int) string {
	return p + fmt.Sprintf(".%03d", n)
}

// ArchivePath returns the archive name 7-Zip writes for source.
func ArchivePath(source string) string { return source + Ext }

// FirstPart is the path 7-Zip is pointed at to extract an archive.
func FirstPart(source string, split bool) string {
	if split {
		return PathToPart(ArchivePath(source), 1)
	}
	return ArchivePath(source)
}

// CompressArgs returns the 7-Zip arguments that compress path.
func CompressArgs(path string, split bool) []string {
	args := []string{"a", "-t7z"}
	if split {
		args = append(args, VolumeSize, Level, "-sdel")
	}
	return append(args, ArchivePath(path), path)
}

func withoutSwitch(args []string, sw string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != sw {
			out = append(out, a)
		}
	}
	return out
}

// UncompressArgs returns the 7-Zip arguments that extract archive into its
// own directory, overwriting. parent is the directory in the archive's own
// path syntax.
func UncompressArgs(archive, parent string) []string {
	return []string{"x", archive, "-o" + parent, "-aoa", "-y"}
}

// Archiver runs 7-Zip on the driver host. Binary is resolved against the
// working directory, where the 7-Zip build staged on targets also lives.
type Archiver struct {
	Binary string
	Runner runner.Runner
	Logger *slog.Logger
}

// NewArchiver creates an Archiver for the given 7-Zip binary name.
func NewArchiver(binary string, r runner.Runner, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{Binary: binary, Runner: r, Logger: logger}
}

// BinaryPath resolves the binary against the working directory.
func (a *Archiver) BinaryPath() (string, error) {
	if filepath.IsAbs(a.Binary) {
		return a.Binary, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return filepath.Join(wd, a.Binary), nil
}

// Compress compresses job.Source on the driver.
func (a *Archiver) Compress(ctx context.Context, job Job) error {
	args := CompressArgs(job.Source, job.Split)
	if job.KeepSource {
		args = withoutSwitch(args, "-sdel")
	}
	return a.run(ctx, "compress "+job.Source, args, job.Timeout)
}

// Uncompress extracts archive next to itself on the driver.
func (a *Archiver) Uncompress(ctx context.Context, archive string, timeout time.Duration) error {
	return a.run(ctx, "uncompress "+archive, UncompressArgs(archive, filepath.Dir(archive)), timeout)
}

func (a *Archiver) run(ctx context.Context, op string, args []string, timeout time.Duration) error {
	bin, err := a.BinaryPath()
	if err != nil {
		return failure.New(failure.CompressionFailed, op, err)
	}
	res, err := a.Runner.RunTimed(ctx, bin, args, timeout)
	if err != nil {
		return failure.New(failure.CompressionFailed, op, err)
	}
	if !res.Success() {
		return failure.Newf(failure.CompressionFailed, op, "7-Zip exit code %d", res.ExitCode)
	}
	a.Logger.Debug("7-Zip finished", "op", op)
	return nil
}
