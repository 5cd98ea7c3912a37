// Package collect drives evidence collection against one target at a time:
// live-response reports, custom commands, registry hives, event logs,
// memory and file search, through every enabled transport.
package collect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/rcollect/internal/acquire"
	"github.com/BadgerOps/rcollect/internal/archive"
	"github.com/BadgerOps/rcollect/internal/config"
	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/custom"
	"github.com/BadgerOps/rcollect/internal/kape"
	"github.com/BadgerOps/rcollect/internal/redownload"
	"github.com/BadgerOps/rcollect/internal/settle"
	"github.com/BadgerOps/rcollect/internal/store"
	"github.com/BadgerOps/rcollect/internal/target"
)

// Ledger records runs and artifacts. *store.Store satisfies it.
type Ledger interface {
	CreateRun(run *store.CollectionRun) error
	FinishRun(run *store.CollectionRun) error
	RecordArtifact(a *store.Artifact) error
}

// Dialer builds a connector for one transport.
type Dialer func(ctx context.Context, method connector.Method, id target.Identity) (connector.Connector, error)

// Options select what is collected and how.
type Options struct {
	OutputDir string
	Methods   []connector.Method
	Connector connector.Options
	Tools     config.ToolsConfig
	Timeout   time.Duration

	Compression          acquire.Compression
	Shadow               bool
	FallbackToLiveVolume bool

	// Evidence enables live-response reports and the file search.
	Evidence   bool
	Registry   bool
	Events     bool
	Memory     bool
	SearchList []kape.Entry
	// Script is a custom command file's content.
	Script []byte
	// Redownload replaces collection with resuming this remote artifact.
	Redownload string
}

// Summary is the outcome of one target.
type Summary struct {
	Target    target.Identity
	RunID     int64
	Collected int
	Failed    int
	Bytes     int64
	Err       error
	index     int
}

// Driver collects from targets.
type Driver struct {
	opts     Options
	dial     Dialer
	archiver *archive.Archiver
	ledger   Ledger
	logger   *slog.Logger
}

// NewDriver creates a Driver whose connectors are built with deps. ledger
// may be nil.
func NewDriver(opts Options, deps connector.Deps, ledger Ledger) *Driver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tools.Shell == "" {
		opts.Tools = config.DefaultTools()
	}
	if opts.Connector.Tools.Shell == "" {
		opts.Connector.Tools = opts.Tools
	}
	return &Driver{
		opts: opts,
		dial: func(ctx context.Context, m connector.Method, id target.Identity) (connector.Connector, error) {
			return connector.New(ctx, m, id, opts.Connector, deps)
		},
		archiver: archive.NewArchiver(opts.Tools.SevenZip, deps.Runner, logger),
		ledger:   ledger,
		logger:   logger,
	}
}

// TargetDir is where evidence from address is stored.
func TargetDir(outputDir, address string) string {
	return filepath.Join(outputDir, strings.ReplaceAll(address, ".", "-"))
}

// targetRun is the state of one Collect call.
type targetRun struct {
	d      *Driver
	id     target.Identity
	dir    string
	run    *store.CollectionRun
	logger *slog.Logger

	collected int
	failed    int
	bytes     int64
	errs      []error
}

// Collect runs every enabled collector against id through each enabled
// transport in turn. A transport that cannot connect is skipped; every
// per-artifact failure is logged and collection carries on.
func (d *Driver) Collect(ctx context.Context, id target.Identity) Summary {
	methods := d.opts.Methods
	if id.IsLocal() {
		methods = []connector.Method{connector.Local}
	}
	t := &targetRun{
		d:      d,
		id:     id,
		dir:    TargetDir(d.opts.OutputDir, id.Address),
		logger: d.logger.With("target", id.Address),
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return Summary{Target: id, Err: fmt.Errorf("creating evidence directory: %w", err)}
	}

	labels := make([]string, len(methods))
	for i, m := range methods {
		labels[i] = m.String()
	}
	t.run = &store.CollectionRun{
		Target:    id.Address,
		Username:  id.DomainUser(),
		Methods:   strings.Join(labels, ","),
		StartTime: time.Now().UTC(),
		Status:    store.StatusRunning,
	}
	if d.ledger != nil {
		if err := d.ledger.CreateRun(t.run); err != nil {
			t.logger.Warn("failed to record run in ledger", "error", err)
		}
	}
	t.logger.Info("collection started", "methods", t.run.Methods)

	connected := 0
	for i, m := range methods {
		if ctx.Err() != nil {
			t.fail("collection", ctx.Err())
			break
		}
		if i > 0 {
			settle.Wait(ctx, settle.ConnectorSettle)
		}
		conn, err := d.dial(ctx, m, id)
		if err != nil {
			t.fail("connect "+m.String(), err)
			continue
		}
		connected++
		t.collectWith(ctx, conn)
		if err := conn.Close(); err != nil {
			t.fail("disconnect "+m.String(), err)
		}
	}
	if connected == 0 {
		t.run.Status = store.StatusFailed
	}
	return t.finish()
}

func (t *targetRun) finish() Summary {
	err := errors.Join(t.errs...)
	t.run.EndTime = time.Now().UTC()
	if err != nil {
		t.run.ErrorMessage = err.Error()
	}
	if t.d.ledger != nil {
		if ferr := t.d.ledger.FinishRun(t.run); ferr != nil {
			t.logger.Warn("failed to finish run in ledger", "error", ferr)
		}
	}
	t.logger.Info("collection finished", "collected", t.collected, "failed", t.failed, "errors", len(t.errs))
	return Summary{
		Target:    t.id,
		RunID:     t.run.ID,
		Collected: t.collected,
		Failed:    t.failed,
		Bytes:     t.bytes,
		Err:       err,
	}
}

func (t *targetRun) fail(step string, err error) {
	t.logger.Warn("collection step failed", "step", step, "error", err)
	t.errs = append(t.errs, fmt.Errorf("%s: %w", step, err))
}

// RecordArtifact counts an outcome and forwards it to the ledger.
func (t *targetRun) RecordArtifact(a *store.Artifact) error {
	t.record(a)
	return nil
}

func (t *targetRun) record(a *store.Artifact) {
	a.RunID = t.run.ID
	if a.Status == store.StatusCollected {
		t.collected++
		t.bytes += a.Size
	} else {
		t.failed++
	}
	if t.d.ledger == nil {
		return
	}
	if err := t.d.ledger.RecordArtifact(a); err != nil {
		t.logger.Warn("failed to record artifact in ledger", "prefix", a.Prefix, "error", err)
	}
}

func (t *targetRun) collectWith(ctx context.Context, conn connector.Connector) {
	opts := t.d.opts
	logger := t.logger.With("method", conn.Method().String())
	if opts.Redownload != "" {
		t.redownload(ctx, conn)
		return
	}

	posix := conn.Method() == connector.SSH
	// WMIC runs aliases, not command lines, so only its own reports and
	// custom commands apply.
	shell := !posix && conn.Method() != connector.WMI
	if opts.Evidence {
		reports := WindowsReports()
		switch {
		case posix:
			reports = PosixReports()
		case !shell:
			reports = WMIReports()
		}
		t.reports(ctx, conn, reports)
	}

	acq := t.acquirer(conn)
	if shell && opts.Memory {
		t.acquire(ctx, acq, MemoryAcquisition(opts.Tools.WinPmem))
	}

	if opts.Script != nil {
		if _, err := custom.Run(ctx, conn, bytes.NewReader(opts.Script), t.dir, logger); err != nil {
			t.errs = append(t.errs, fmt.Errorf("custom commands: %w", err))
		}
	}

	if shell {
		if opts.Registry {
			for _, a := range RegistryCatalog() {
				t.acquire(ctx, acq, a)
			}
		}
		if opts.Events {
			for _, a := range EventsCatalog() {
				t.acquire(ctx, acq, a)
			}
		}
	} else if opts.Registry || opts.Events || opts.Memory {
		logger.Info("skipping Windows artifact catalogs on a transport without a command shell")
	}

	if opts.Evidence && len(opts.SearchList) > 0 {
		if posix || shell {
			t.search(ctx, conn)
		} else {
			logger.Info("skipping file search on a transport without a command shell")
		}
	}
}

// acquirer is the template every catalog acquisition starts from. The 7-Zip
// build staged on targets is a Windows binary, so SSH transfers stay raw.
func (t *targetRun) acquirer(conn connector.Connector) acquire.Acquirer {
	compression := t.d.opts.Compression
	if conn.Method() == connector.SSH {
		compression = acquire.None
	}
	return acquire.Acquirer{
		StoreDir:    t.dir,
		Conn:        conn,
		Compression: compression,
		Archiver:    t.d.archiver,
		Timeout:     t.d.opts.Timeout,
		Ledger:      t,
		RunID:       t.run.ID,
		Logger:      t.logger,
	}
}

func (t *targetRun) acquire(ctx context.Context, acq acquire.Acquirer, a Acquisition) {
	if ctx.Err() != nil {
		return
	}
	acq.ReportExt = a.Ext
	acq.OverwriteSwitch = a.OverwriteSwitch
	acq.StageProgram = a.Stage
	if res := acq.Acquire(ctx, a.Prefix, a.Args); res.Err != nil {
		t.errs = append(t.errs, fmt.Errorf("%s: %w", a.Prefix, res.Err))
	}
}

func (t *targetRun) reports(ctx context.Context, conn connector.Connector, reports []Report) {
	for _, r := range reports {
		if ctx.Err() != nil {
			return
		}
		art := &store.Artifact{
			Target: conn.Computer().Address,
			Method: conn.Method().String(),
			Prefix: r.Prefix,
			Status: store.StatusFailed,
		}
		path, err := conn.RunCommand(ctx, connector.Command{
			Args:         r.Args,
			ReportDir:    t.dir,
			ReportPrefix: r.Prefix,
			Elevated:     true,
			Timeout:      t.d.opts.Timeout,
		})
		art.LocalPath = path
		if err != nil {
			art.ErrorMessage = err.Error()
			t.fail("report "+r.Prefix, err)
		} else if size, sum, err := acquire.HashFile(path); err != nil {
			art.ErrorMessage = err.Error()
			t.logger.Warn("report is unusable", "prefix", r.Prefix, "error", err)
		} else {
			art.Size, art.SHA256, art.Status = size, sum, store.StatusCollected
		}
		art.CollectedAt = time.Now().UTC()
		t.record(art)
	}
}

// redownload resumes the configured remote artifact and extracts it when
// the archive is complete locally.
func (t *targetRun) redownload(ctx context.Context, conn connector.Connector) {
	remote := t.d.opts.Redownload
	fetched, err := redownload.New(conn.Copier(), t.logger).Resume(ctx, remote, t.dir)
	if err != nil {
		t.fail("redownload "+remote, err)
		return
	}
	for _, p := range fetched {
		art := &store.Artifact{
			Target:      conn.Computer().Address,
			Method:      conn.Method().String(),
			Prefix:      "redownload",
			RemotePath:  remote,
			LocalPath:   p,
			Status:      store.StatusFailed,
			CollectedAt: time.Now().UTC(),
		}
		if size, sum, err := acquire.HashFile(p); err == nil {
			art.Size, art.SHA256, art.Status = size, sum, store.StatusCollected
		} else {
			art.ErrorMessage = err.Error()
		}
		t.record(art)
	}

	first, ok := localArchive(fetched[0])
	if !ok {
		return
	}
	if _, err := os.Stat(first); err != nil {
		t.logger.Info("archive incomplete locally, leaving parts in place", "first", first)
		return
	}
	if err := t.d.archiver.Uncompress(ctx, first, t.d.opts.Timeout); err != nil {
		t.fail("redownload extract", err)
	}
}

// localArchive returns the file 7-Zip must open to extract the archive p
// belongs to: the .7z itself or part .001.
func localArchive(p string) (string, bool) {
	dir, base := filepath.Split(p)
	i := strings.LastIndex(base, archive.Ext)
	if i < 0 {
		return "", false
	}
	stem, rest := base[:i+len(archive.Ext)], base[i+len(archive.Ext):]
	switch {
	case rest == "":
		return p, true
	case len(rest) == 4 && rest[0] == '.':
		return filepath.Join(dir, archive.PathToPart(stem, 1)), true
	}
	return "", false
}
