// Package mount owns the process-wide network resources the SMB based
// transports need: IPC$ sessions to targets ("net use") and shares exposed
// from the driver host ("net share"). All of them go through one Registry so
// a target is never mounted twice and nothing is leaked on teardown.
package mount

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/target"
)

const netBinary = "net"

// Registry tracks live mounts and shares.
type Registry struct {
	runner runner.Runner
	logger *slog.Logger

	// shareMu serializes net share calls so a share is never exposed and
	// deleted concurrently.
	shareMu sync.Mutex
	mu      sync.Mutex
	mounts  map[string]*Lease
	shares  map[string]*shareEntry
}

// shareEntry is one exposed share and the leases holding it. The share is
// deleted when the last lease is released.
type shareEntry struct {
	path     string
	teardown []string
	leases   map[*Lease]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(r runner.Runner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runner: r,
		logger: logger,
		mounts: make(map[string]*Lease),
		shares: make(map[string]*shareEntry),
	}
}

// Lease is a live mount or share. Release is idempotent.
type Lease struct {
	reg      *Registry
	key      string
	share    bool
	teardown []string

	once sync.Once
	err  error
}

// IPCPath returns the \\address\IPC$ path of a target.
func IPCPath(address string) string {
	return `\\` + address + `\IPC$`
}

// Open establishes the IPC$ session to id.Address. A second Open for an
// address that still has a live lease fails instead of racing the first.
func (r *Registry) Open(ctx context.Context, id target.Identity) (*Lease, error) {
	if err := id.Validate(); err != nil {
		return nil, failure.New(failure.MountFailed, "net use", err)
	}
	key := strings.ToLower(id.Address)

	r.mu.Lock()
	if _, ok := r.mounts[key]; ok {
		r.mu.Unlock()
		return nil, failure.Newf(failure.MountFailed, "net use", "%s is already mounted by this process", id.Address)
	}
	lease := &Lease{
		reg:      r,
		key:      key,
		teardown: []string{"use", IPCPath(id.Address), "/delete", "/y"},
	}
	r.mounts[key] = lease
	r.mu.Unlock()

	args := []string{"use", IPCPath(id.Address)}
	if id.HasPassword() {
		args = append(args, id.Password)
	}
	if id.Username != "" {
		args = append(args, "/user:"+id.DomainUser())
	}

	if err := r.exec(ctx, args); err != nil {
		r.forget(lease)
		return nil, failure.New(failure.MountFailed, "net use "+IPCPath(id.Address), err)
	}
	r.logger.Info("mounted target IPC$", "target", id.Address)
	return lease, nil
}

// Share exposes path on the driver host under name so targets can pull
// from it. Shares are reference counted by name: the first lease runs
// net share, later ones reuse it, and the last Release deletes it.
func (r *Registry) Share(ctx context.Context, name, path string) (*Lease, error) {
	key := strings.ToLower(name)
	r.shareMu.Lock()
	defer r.shareMu.Unlock()

	lease := &Lease{reg: r, key: key, share: true}

	r.mu.Lock()
	if e, ok := r.shares[key]; ok {
		defer r.mu.Unlock()
		if !strings.EqualFold(e.path, path) {
			return nil, failure.Newf(failure.MountFailed, "net share", "share %s already exposes %s", name, e.path)
		}
		lease.teardown = e.teardown
		e.leases[lease] = struct{}{}
		r.logger.Debug("reusing local share", "share", name, "holders", len(e.leases))
		return lease, nil
	}
	r.mu.Unlock()

	lease.teardown = []string{"share", name, "/delete", "/y"}
	args := []string{"share", name + "=" + path, "/GRANT:Everyone,READ"}
	if err := r.exec(ctx, args); err != nil {
		return nil, failure.New(failure.MountFailed, "net share "+name, err)
	}

	r.mu.Lock()
	r.shares[key] = &shareEntry{
		path:     path,
		teardown: lease.teardown,
		leases:   map[*Lease]struct{}{lease: {}},
	}
	r.mu.Unlock()
	r.logger.Info("exposed local share", "share", name, "path", path)
	return lease, nil
}

// Active lists live mount addresses and share names, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.mounts {
		out = append(out, IPCPath(k))
	}
	for k := range r.shares {
		out = append(out, "share:"+k)
	}
	sort.Strings(out)
	return out
}

// ReleaseAll tears down every live lease.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	leases := make([]*Lease, 0, len(r.mounts)+len(r.shares))
	for _, l := range r.mounts {
		leases = append(leases, l)
	}
	for _, e := range r.shares {
		for l := range e.leases {
			leases = append(leases, l)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, l := range leases {
		if err := l.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Release tears the resource down. It always drops the registry entry, so a
// failed teardown never blocks a later Open of the same address. A share
// lease only deletes the share when no other lease holds it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if l.share {
			l.err = l.reg.releaseShare(ctx, l)
			return
		}
		defer l.reg.forget(l)
		if err := l.reg.exec(ctx, l.teardown); err != nil {
			l.err = failure.New(failure.MountFailed, "net "+strings.Join(l.teardown[:2], " "), err)
			l.reg.logger.Warn("failed to release network resource", "resource", l.teardown[1], "error", err)
			return
		}
		l.reg.logger.Debug("released network resource", "resource", l.teardown[1])
	})
	return l.err
}

func (r *Registry) releaseShare(ctx context.Context, l *Lease) error {
	r.shareMu.Lock()
	defer r.shareMu.Unlock()

	r.mu.Lock()
	e, ok := r.shares[l.key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(e.leases, l)
	if len(e.leases) > 0 {
		r.mu.Unlock()
		r.logger.Debug("local share still held", "share", l.teardown[1], "holders", len(e.leases))
		return nil
	}
	delete(r.shares, l.key)
	r.mu.Unlock()

	if err := r.exec(ctx, e.teardown); err != nil {
		r.logger.Warn("failed to release network resource", "resource", e.teardown[1], "error", err)
		return failure.New(failure.MountFailed, "net share", err)
	}
	r.logger.Debug("released network resource", "resource", e.teardown[1])
	return nil
}

func (r *Registry) forget(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mounts[l.key] == l {
		delete(r.mounts, l.key)
	}
}

func (r *Registry) exec(ctx context.Context, args []string) error {
	res, err := r.runner.Run(ctx, netBinary, args)
	if err != nil {
		return err
	}
	if !res.Success() {
		return failure.Newf(failure.TransportNonzeroExit, netBinary, "exit code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return nil
}

// String is used in log lines.
func (l *Lease) String() string {
	if l == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s", l.teardown[0], l.teardown[1])
}
