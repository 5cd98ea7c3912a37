package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/rcollect/internal/acquire"
	"github.com/BadgerOps/rcollect/internal/collect"
	"github.com/BadgerOps/rcollect/internal/config"
	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/kape"
	"github.com/BadgerOps/rcollect/internal/mount"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/store"
	"github.com/BadgerOps/rcollect/internal/target"
)

// kapeOutputName is the search list written by --use-kape-config.
const kapeOutputName = "kape_search_list.json"

const releaseTimeout = 30 * time.Second

// collectFlags are the root command's collection flags.
type collectFlags struct {
	computer   string
	user       string
	domain     string
	password   string
	outputDir  string
	remoteTemp string
	exec       string
	search     string

	noEvidence bool
	noRegistry bool
	noEvents   bool
	memory     bool

	all      bool
	paexec   bool
	psexec   bool
	psexec32 bool
	psexec64 bool
	psrem    bool
	wmi      bool
	rdp      bool
	ssh      bool

	timeout      int
	key          string
	nla          bool
	no7z         bool
	noShadow     bool
	reverseShare bool
	shareFolder  string
	redownload   string
	inParallel   bool
	useKape      string
}

func (f *collectFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.computer, "computer", "c", "", "target address or path to a target list")
	fl.StringVarP(&f.user, "user", "u", "", "user name (prompted if missing)")
	fl.StringVarP(&f.domain, "domain", "d", "", "user domain")
	fl.StringVarP(&f.password, "password", "p", "", "password (prompted if missing)")
	fl.StringVarP(&f.remoteTemp, "remote-temp", "r", "", `remote temp area (default C:\Users\Public, /tmp over SSH)`)
	fl.StringVarP(&f.exec, "exec", "e", "", "custom command file")
	fl.StringVarP(&f.search, "search", "s", "", "file-search list: a text file, a .json file or EMBEDDED")

	fl.BoolVar(&f.noEvidence, "no-evidence-search", false, "skip live-response reports and the file search")
	fl.BoolVar(&f.noRegistry, "no-registry-search", false, "skip registry hives")
	fl.BoolVar(&f.noEvents, "no-events-search", false, "skip event logs")
	fl.BoolVarP(&f.memory, "memory", "m", false, "also take a memory image")

	fl.BoolVarP(&f.all, "all", "a", false, "use every transport")
	fl.BoolVar(&f.paexec, "paexec", false, "use PAExec")
	fl.BoolVar(&f.psexec, "psexec", false, "use PsExec matching the driver architecture")
	fl.BoolVar(&f.psexec32, "psexec32", false, "use 32-bit PsExec")
	fl.BoolVar(&f.psexec64, "psexec64", false, "use 64-bit PsExec")
	fl.BoolVar(&f.psrem, "psrem", false, "use PowerShell remoting")
	fl.BoolVar(&f.wmi, "wmi", false, "use WMIC")
	fl.BoolVar(&f.rdp, "rdp", false, "use SharpRDP")
	fl.BoolVar(&f.ssh, "ssh", false, "use plink/pscp")

	fl.IntVar(&f.timeout, "timeout", 300, "timeout in seconds for long-running remote operations")
	fl.StringVar(&f.key, "key", "", "private key file for SSH")
	fl.BoolVar(&f.nla, "nla", false, "use network-level authentication for RDP")
	fl.BoolVar(&f.no7z, "no-7z", false, "disable compression")
	fl.BoolVar(&f.noShadow, "no-shadow", false, "search the live volume instead of a shadow copy")
	fl.BoolVar(&f.reverseShare, "reverse-share", false, "have targets pull pushed files from a share on this host")
	fl.StringVar(&f.shareFolder, "share-folder", "", "name of the reverse share")
	fl.StringVar(&f.redownload, "redownload", "", "resume the transfer of this remote artifact")
	fl.BoolVar(&f.inParallel, "in-parallel", false, "collect from all targets at once")
	fl.StringVar(&f.useKape, "use-kape-config", "", "convert a KAPE target tree into a search list and exit")
}

// apply overrides config values with the flags that were given.
func (f *collectFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if f.outputDir != "" {
		cfg.Collect.OutputDir = f.outputDir
	}
	if f.remoteTemp != "" {
		cfg.Collect.RemoteTemp = f.remoteTemp
		cfg.Collect.RemoteTempPosix = f.remoteTemp
	}
	if changed("timeout") {
		cfg.Collect.TimeoutSeconds = f.timeout
	}
	if f.key != "" {
		cfg.Collect.KeyFile = f.key
	}
	if f.nla {
		cfg.Collect.NLA = true
	}
	if f.no7z {
		cfg.Collect.Compression = false
	}
	if f.noShadow {
		cfg.Shadow.Enabled = false
	}
	if f.reverseShare {
		cfg.Collect.ReverseShare = true
	}
	if f.shareFolder != "" {
		cfg.Collect.ShareFolder = f.shareFolder
	}
	if f.inParallel {
		cfg.Collect.InParallel = true
	}
}

// methods returns the transports to use: every one with -a, those flagged,
// then those configured, else PAExec.
func (f *collectFlags) methods(cfg *config.Config) ([]connector.Method, error) {
	if f.all {
		return append([]connector.Method(nil), connector.Methods...), nil
	}
	var out []connector.Method
	for _, sel := range []struct {
		on bool
		m  connector.Method
	}{
		{f.paexec, connector.PaExec},
		{f.psexec, connector.PsExec},
		{f.psexec32, connector.PsExec32},
		{f.psexec64, connector.PsExec64},
		{f.psrem, connector.PsRem},
		{f.wmi, connector.WMI},
		{f.rdp, connector.RDP},
		{f.ssh, connector.SSH},
	} {
		if sel.on {
			out = append(out, sel.m)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	for _, name := range cfg.Collect.Transports {
		m, err := connector.ParseMethod(name)
		if err != nil {
			return nil, fmt.Errorf("config collect.transports: %w", err)
		}
		out = append(out, m)
	}
	if len(out) > 0 {
		return out, nil
	}
	return []connector.Method{connector.PaExec}, nil
}

func compression(cfg *config.Config) acquire.Compression {
	switch {
	case !cfg.Collect.Compression:
		return acquire.None
	case cfg.Collect.Split:
		return acquire.Split
	default:
		return acquire.Monolithic
	}
}

func collectRun(cmd *cobra.Command, f *collectFlags) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	cfg := globalCfg
	fs := afero.NewOsFs()

	if f.useKape != "" {
		return kapeRun(fs, f.useKape, cfg.Collect.OutputDir, cmd.OutOrStdout())
	}
	if f.computer == "" {
		return fmt.Errorf("no target given, use -c <address-or-file>")
	}

	methods, err := f.methods(cfg)
	if err != nil {
		return err
	}
	targets, err := target.Load(fs, f.computer, target.Defaults{
		Username: f.user,
		Domain:   f.domain,
		Password: f.password,
	}, target.NewTerminal())
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	var searchList []kape.Entry
	if f.search != "" && !f.noEvidence {
		searchList, err = kape.LoadSearchList(fs, f.search)
		if err != nil {
			return fmt.Errorf("failed to load search list: %w", err)
		}
	}
	var script []byte
	if f.exec != "" {
		script, err = afero.ReadFile(fs, f.exec)
		if err != nil {
			return fmt.Errorf("failed to read custom command file: %w", err)
		}
	}

	if err := fs.MkdirAll(cfg.Collect.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create evidence store: %w", err)
	}
	st, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	run := runner.New(logger)
	mounts := mount.NewRegistry(run, logger)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := mounts.ReleaseAll(releaseCtx); err != nil {
			logger.Warn("failed to release mounts", "error", err)
		}
	}()

	driver := collect.NewDriver(collect.Options{
		OutputDir: cfg.Collect.OutputDir,
		Methods:   methods,
		Connector: connector.Options{
			RemoteTemp:      cfg.Collect.RemoteTemp,
			RemoteTempPosix: cfg.Collect.RemoteTempPosix,
			KeyFile:         cfg.Collect.KeyFile,
			NLA:             cfg.Collect.NLA,
			ReverseShare:    cfg.Collect.ReverseShare,
			ShareFolder:     cfg.Collect.ShareFolder,
			Tools:           cfg.Tools,
		},
		Tools:                cfg.Tools,
		Timeout:              cfg.Timeout(),
		Compression:          compression(cfg),
		Shadow:               cfg.Shadow.Enabled,
		FallbackToLiveVolume: cfg.Shadow.FallbackToLiveVolume,
		Evidence:             !f.noEvidence,
		Registry:             !f.noRegistry,
		Events:               !f.noEvents,
		Memory:               f.memory,
		SearchList:           searchList,
		Script:               script,
		Redownload:           f.redownload,
	}, connector.Deps{Runner: run, Mounts: mounts, Logger: logger}, st)

	workers := 1
	if cfg.Collect.InParallel {
		workers = len(targets)
		if cfg.Collect.Workers > 0 && workers > cfg.Collect.Workers {
			workers = cfg.Collect.Workers
		}
	}
	logger.Info("collecting", "targets", len(targets), "methods", len(methods), "workers", workers)
	summaries := collect.NewPool(driver, workers, logger).Execute(ctx, targets)

	if !quiet {
		printSummaries(cmd.OutOrStdout(), summaries)
	}
	return nil
}

func kapeRun(fs afero.Fs, root, outputDir string, w io.Writer) error {
	entries, err := kape.NewConverter(fs, logger).Convert(root)
	if err != nil {
		return fmt.Errorf("failed to convert KAPE targets: %w", err)
	}
	if err := fs.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	out := filepath.Join(outputDir, kapeOutputName)
	if err := kape.WriteJSON(fs, out, entries); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote %d search entries to %s\n", len(entries), out)
	return nil
}

func printSummaries(w io.Writer, summaries []collect.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Target", "Run", "Collected", "Failed", "Size", "Errors"})
	table.SetAutoWrapText(false)
	for _, s := range summaries {
		errText := "-"
		if s.Err != nil {
			errText = firstLine(s.Err.Error())
		}
		table.Append([]string{
			s.Target.String(),
			strconv.FormatInt(s.RunID, 10),
			strconv.Itoa(s.Collected),
			strconv.Itoa(s.Failed),
			humanize.Bytes(uint64(s.Bytes)),
			errText,
		})
	}
	table.Render()
}

// firstLine shortens a joined error list for the summary table.
func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " (and more)"
		}
	}
	return s
}
