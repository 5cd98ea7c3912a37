// Package connector renders abstract commands into the concrete command
// lines of each remote-administration transport and runs them against one
// target.
package connector

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Method is the stable short label of a transport. It appears in report
// file names and in custom-command filters.
type Method string

const (
	PaExec   Method = "PAEXEC"
	PsExec   Method = "PSEXEC"
	PsExec32 Method = "PSEXEC32"
	PsExec64 Method = "PSEXEC64"
	PsRem    Method = "PSREM"
	WMI      Method = "WMI"
	RDP      Method = "RDP"
	SSH      Method = "SSH"
	Local    Method = "LOCAL"
)

// Methods lists the remote transports in the order the driver tries them.
var Methods = []Method{PaExec, PsExec, PsExec32, PsExec64, PsRem, WMI, RDP, SSH}

// ParseMethod accepts a label case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case PaExec, PsExec, PsExec32, PsExec64, PsRem, WMI, RDP, SSH, Local:
		return m, nil
	}
	return "", fmt.Errorf("unknown connector method %q", s)
}

func (m Method) String() string { return string(m) }

// DefaultReportExt is used when a command does not name an extension.
const DefaultReportExt = "txt"

// Command is a transport-independent command. When ReportDir is set the
// command's output is captured into a report file inside it; the caller owns
// the directory and it must exist.
type Command struct {
	Args         []string
	ReportDir    string
	ReportPrefix string
	ReportExt    string
	Elevated     bool
	// Timeout bounds the run; zero means untimed.
	Timeout time.Duration
}

// ReportPath names a report file as {method}-{prefix}_{address}_{user}.{ext}
// with the dots of the address replaced by dashes.
func ReportPath(dir string, method Method, prefix, address, user, ext string) string {
	if ext == "" {
		ext = DefaultReportExt
	}
	name := fmt.Sprintf("%s-%s_%s_%s.%s", method, prefix, strings.ReplaceAll(address, ".", "-"), user, ext)
	return filepath.Join(dir, name)
}
