package connector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/BadgerOps/rcollect/internal/config"
	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/mount"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/target"
)

const releaseTimeout = 30 * time.Second

// Options are the per-run connector settings.
type Options struct {
	// RemoteTemp is the Windows remote temp area; RemoteTempPosix is used by
	// SSH.
	RemoteTemp      string
	RemoteTempPosix string
	KeyFile         string
	NLA             bool
	// ReverseShare wraps the connector so pushes go through a share exposed
	// by the driver. ShareFolder overrides the share name.
	ReverseShare bool
	ShareFolder  string
	Tools        config.ToolsConfig
}

// Deps are the process-wide collaborators a connector needs.
type Deps struct {
	Runner runner.Runner
	Mounts *mount.Registry
	Logger *slog.Logger
}

// New builds a READY connector for id. Connectors over administrative
// shares mount \\address\IPC$ here; a mount failure is returned as
// mount-failed and no connector is built.
func New(ctx context.Context, method Method, id target.Identity, opts Options, deps Deps) (Connector, error) {
	if err := id.Validate(); err != nil {
		return nil, failure.New(failure.CredentialMissing, "connector", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := opts.Tools
	if tools.Shell == "" {
		tools = config.DefaultTools()
	}

	r := &Remote{
		method:   method,
		id:       id,
		tempDir:  opts.RemoteTemp,
		shell:    tools.Shell,
		implicit: implicitByDefault(method),
		runner:   deps.Runner,
		logger:   logger.With("method", string(method), "target", id.Address),
	}

	share := &copier.ShareCopy{Runner: deps.Runner, Shell: tools.Shell}
	var err error
	switch method {
	case PaExec:
		r.dialect = psexecDialect{tool: tools.PaExec, id: id}
		r.handler, err = copier.NewAdminShare(ctx, share, id, deps.Mounts)
	case PsExec:
		r.dialect = psexecDialect{tool: psexecForArch(tools, runtime.GOARCH), id: id}
		r.handler, err = copier.NewAdminShare(ctx, share, id, deps.Mounts)
	case PsExec32:
		r.dialect = psexecDialect{tool: tools.PsExec32, id: id}
		r.handler, err = copier.NewAdminShare(ctx, share, id, deps.Mounts)
	case PsExec64:
		r.dialect = psexecDialect{tool: tools.PsExec64, id: id}
		r.handler, err = copier.NewAdminShare(ctx, share, id, deps.Mounts)
	case PsRem:
		r.dialect = psremDialect{powershell: tools.PowerShell, id: id}
		r.handler, err = copier.NewAdminShare(ctx, &copier.PowerShellCopy{Runner: deps.Runner, PowerShell: tools.PowerShell}, id, deps.Mounts)
	case WMI:
		r.dialect = wmiDialect{wmic: tools.Wmic, id: id}
		r.handler, err = copier.NewAdminShare(ctx, share, id, deps.Mounts)
	case RDP:
		r.dialect = rdpDialect{sharprdp: tools.SharpRDP, id: id, nla: opts.NLA}
		r.handler, err = copier.NewAdminShare(ctx, share, id, deps.Mounts)
	case SSH:
		r.dialect = sshDialect{plink: tools.Plink, id: id, keyFile: opts.KeyFile}
		r.tempDir = opts.RemoteTempPosix
		r.handler = copier.NewSecureCopy(&copier.SecureCopy{
			Runner: deps.Runner, Shell: tools.Shell, Pscp: tools.Pscp, Plink: tools.Plink,
			Target: id, KeyFile: opts.KeyFile,
		}, id)
	case Local:
		r.dialect = localDialect{}
		r.handler = copier.NewLocal(share)
	default:
		return nil, fmt.Errorf("unknown connector method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s connector for %s: %w", method, id.Address, err)
	}
	r.logger.Debug("connector ready", "copier", r.handler.MethodName())

	if !opts.ReverseShare || method == Local || method == SSH {
		return r, nil
	}
	rs, err := NewReverseShare(ctx, r, opts.ShareFolder, deps.Mounts, logger)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("reverse share for %s: %w", id.Address, err)
	}
	return rs, nil
}

// psexecForArch picks the PsExec build matching the driver architecture.
func psexecForArch(tools config.ToolsConfig, goarch string) string {
	switch goarch {
	case "amd64", "arm64":
		return tools.PsExec64
	}
	return tools.PsExec32
}

// implicitByDefault reports whether unfiltered custom commands run on a
// transport. They are Windows command lines, so SSH skips them.
func implicitByDefault(m Method) bool {
	return m != SSH
}
