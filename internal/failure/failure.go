// Package failure classifies the errors produced while driving remote
// administration tools so callers can decide between aborting a target and
// logging-and-continuing.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind string

const (
	TransportLaunchFailed Kind = "transport-launch-failed"
	TransportTimeout      Kind = "transport-timeout"
	TransportNonzeroExit  Kind = "transport-nonzero-exit"
	CredentialMissing     Kind = "credential-missing"
	RemotePathUnreadable  Kind = "remote-path-unreadable"
	LocalIO               Kind = "local-io"
	CompressionFailed     Kind = "compression-failed"
	MountFailed           Kind = "mount-failed"
	ShadowSnapshotFailed  Kind = "shadow-snapshot-failed"
	ParseFailed           Kind = "parse-failed"
)

// Error is a failure tagged with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation label.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a tagged failure from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first tagged failure in err's chain, or the
// empty kind when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is matches another *Error with only its Kind set, so errors.Is can find a
// kind anywhere in a wrapped or joined error tree.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Fatal reports whether err should end the run for a target rather than be
// logged and skipped.
func Fatal(err error) bool {
	return Is(err, MountFailed)
}
