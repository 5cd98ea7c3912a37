package copier

import "strings"

// Target-side paths are either Windows style (C:\Users\Public) or POSIX
// style (/tmp). The helpers below work on them regardless of the driver's
// own path separator.

// IsPosix reports whether p is a POSIX style target path.
func IsPosix(p string) bool {
	return strings.HasPrefix(p, "/") || (strings.Contains(p, "/") && !strings.Contains(p, `\`))
}

func separator(p string) string {
	if IsPosix(p) {
		return "/"
	}
	return `\`
}

// RemoteJoin joins elements onto dir with dir's separator.
func RemoteJoin(dir string, elem ...string) string {
	sep := separator(dir)
	out := strings.TrimRight(dir, `\/`)
	for _, e := range elem {
		e = strings.Trim(e, `\/`)
		if e == "" {
			continue
		}
		out += sep + e
	}
	if out == "" {
		return dir
	}
	return out
}

// RemoteBase returns the last element of p.
func RemoteBase(p string) string {
	p = strings.TrimRight(p, `\/`)
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// RemoteDir returns everything before the last element of p.
func RemoteDir(p string) string {
	trimmed := strings.TrimRight(p, `\/`)
	i := strings.LastIndexAny(trimmed, `\/`)
	if i < 0 {
		return ""
	}
	if i == 0 {
		return trimmed[:1]
	}
	dir := trimmed[:i]
	// Keep the root of a drive as C:\ rather than C:.
	if len(dir) == 2 && dir[1] == ':' {
		return dir + `\`
	}
	return dir
}
