// Package safety keeps files pulled from targets inside the evidence store
// and bounds what is read from local inputs.
package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RemoteRelative turns a target path such as C:\Users\a\NTUSER.DAT or
// /home/a/.bash_history into a relative local path (Users/a/NTUSER.DAT).
// The drive letter and any leading separators are dropped; a path that
// names no file or climbs with ".." is rejected.
func RemoteRelative(remote string) (string, error) {
	p := remote
	if len(p) >= 2 && p[1] == ':' {
		p = p[2:]
	}
	p = strings.TrimLeft(strings.ReplaceAll(p, `\`, "/"), "/")
	if p == "" {
		return "", fmt.Errorf("%q names no file", remote)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("parent traversal is not allowed: %q", remote)
		}
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." || filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%q does not map to a relative path", remote)
	}
	return clean, nil
}

// EvidencePath returns where a file pulled from remote is kept under root.
func EvidencePath(root, remote string) (string, error) {
	rel, err := RemoteRelative(remote)
	if err != nil {
		return "", fmt.Errorf("mapping %q: %w", remote, err)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve evidence root: %w", err)
	}
	return filepath.Join(rootAbs, rel), nil
}
