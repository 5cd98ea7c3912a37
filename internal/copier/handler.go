package copier

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/rcollect/internal/mount"
	"github.com/BadgerOps/rcollect/internal/target"
)

// FileHandler moves files between the driver (local paths) and one target
// (target paths). The compress-copier decorates it.
type FileHandler interface {
	CopyToRemote(ctx context.Context, local, remote string) error
	CopyFromRemote(ctx context.Context, remote, local string) error
	DeleteRemoteFile(ctx context.Context, remote string) error
	MethodName() string
	Close() error
}

// PathForm selects how target paths are rendered for the primitive.
type PathForm int

const (
	// LocalForm passes paths through unchanged.
	LocalForm PathForm = iota
	// AdminShareForm maps C:\x to \\address\C$\x.
	AdminShareForm
	// SecureCopyForm maps /x to address:/x.
	SecureCopyForm
	// ReverseShareForm maps the driver's C:\x to \\host\share\x; the target
	// side path is used as is because the copy runs on the target.
	ReverseShareForm
)

const releaseTimeout = 30 * time.Second

// Handler binds a primitive to a target.
type Handler struct {
	prim      Primitive
	form      PathForm
	address   string
	shareHost string
	shareName string

	lease     *mount.Lease
	closeOnce sync.Once
	closeErr  error
}

// NewAdminShare opens the target's IPC$ session and returns a handler that
// reaches the target through its administrative shares. No handler is
// returned when the mount fails.
func NewAdminShare(ctx context.Context, prim Primitive, id target.Identity, mounts *mount.Registry) (*Handler, error) {
	lease, err := mounts.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Handler{prim: prim, form: AdminShareForm, address: id.Address, lease: lease}, nil
}

// NewSecureCopy returns a handler for scp style host:path targets.
func NewSecureCopy(prim Primitive, id target.Identity) *Handler {
	return &Handler{prim: prim, form: SecureCopyForm, address: id.Address}
}

// NewReverseShare returns a handler for a target pulling from a share the
// driver exposes as \\localHost\shareName.
func NewReverseShare(prim Primitive, localHost, shareName string) *Handler {
	return &Handler{prim: prim, form: ReverseShareForm, shareHost: localHost, shareName: shareName}
}

// NewLocal returns a handler for the driver host itself.
func NewLocal(prim Primitive) *Handler {
	return &Handler{prim: prim, form: LocalForm}
}

// Form reports the handler's path form.
func (h *Handler) Form() PathForm { return h.form }

// MethodName reports the underlying primitive.
func (h *Handler) MethodName() string { return h.prim.MethodName() }

// RemotePath converts a path into the network form the primitive uses.
func (h *Handler) RemotePath(p string) string {
	switch h.form {
	case AdminShareForm:
		return `\\` + h.address + `\` + strings.Replace(strings.TrimLeft(p, `\`), ":", "$", 1)
	case SecureCopyForm:
		return h.address + ":" + p
	case ReverseShareForm:
		rest := p
		if len(rest) >= 2 && rest[1] == ':' {
			rest = rest[2:]
		}
		return `\\` + h.shareHost + `\` + h.shareName + `\` + strings.TrimLeft(rest, `\/`)
	default:
		return p
	}
}

// LocalPath inverts RemotePath for the forms where the mapping is
// reversible. ok is false when n is not a path this handler produces.
func (h *Handler) LocalPath(n string) (p string, ok bool) {
	switch h.form {
	case AdminShareForm:
		prefix := `\\` + h.address + `\`
		if !strings.HasPrefix(n, prefix) {
			return "", false
		}
		drive, tail, _ := strings.Cut(n[len(prefix):], `\`)
		if !isDriveShare(drive) {
			return "", false
		}
		return drive[:1] + ":" + `\` + tail, true
	case SecureCopyForm:
		prefix := h.address + ":"
		if !strings.HasPrefix(n, prefix) {
			return "", false
		}
		return n[len(prefix):], true
	case LocalForm:
		return n, true
	default:
		return "", false
	}
}

// CopyToRemote copies a local file to a target path.
func (h *Handler) CopyToRemote(ctx context.Context, local, remote string) error {
	if h.form == ReverseShareForm {
		return h.prim.CopyFile(ctx, h.RemotePath(local), remote)
	}
	return h.prim.CopyFile(ctx, local, h.RemotePath(remote))
}

// CopyFromRemote copies a target file to a local path or directory.
func (h *Handler) CopyFromRemote(ctx context.Context, remote, local string) error {
	if h.form == ReverseShareForm {
		return h.prim.CopyFile(ctx, remote, h.RemotePath(local))
	}
	return h.prim.CopyFile(ctx, h.RemotePath(remote), local)
}

// DeleteRemoteFile removes a target file.
func (h *Handler) DeleteRemoteFile(ctx context.Context, remote string) error {
	if h.form == ReverseShareForm {
		return h.prim.DeleteFile(ctx, remote)
	}
	return h.prim.DeleteFile(ctx, h.RemotePath(remote))
}

// Close releases the IPC$ mount, if any. It is safe to call more than once.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		if h.lease == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		h.closeErr = h.lease.Release(ctx)
	})
	return h.closeErr
}

// isDriveShare reports whether s is an administrative drive share such
// as C$.
func isDriveShare(s string) bool {
	if len(s) != 2 || s[1] != '$' {
		return false
	}
	c := s[0] | 0x20
	return c >= 'a' && c <= 'z'
}
