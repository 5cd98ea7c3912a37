package connector

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/target"
)

// dialect is the one per-transport operation: turning an argv into the
// transport's concrete command line. output is the local report path, or
// empty when nothing is captured.
type dialect interface {
	prepare(args []string, output string, elevated bool) []string
	// piped transports get a host-key answer on stdin.
	piped() bool
	// posix transports talk to Linux targets.
	posix() bool
}

func redirect(argv []string, output string) []string {
	if output == "" {
		return argv
	}
	return append(argv, ">", output)
}

// psexecDialect covers PAExec and both PsExec builds; they share a command
// line and differ only in binary name.
type psexecDialect struct {
	tool string
	id   target.Identity
}

func (d psexecDialect) prepare(args []string, output string, elevated bool) []string {
	argv := []string{d.tool, `\\` + d.id.Address}
	if d.id.Username != "" {
		argv = append(argv, "-u", d.id.DomainUser())
	}
	if d.id.HasPassword() {
		argv = append(argv, "-p", d.id.Password)
	}
	if elevated {
		argv = append(argv, "-h")
	}
	argv = append(argv, args...)
	return redirect(argv, output)
}

func (psexecDialect) piped() bool { return false }
func (psexecDialect) posix() bool { return false }

type psremDialect struct {
	powershell string
	id         target.Identity
}

func (d psremDialect) prepare(args []string, output string, _ bool) []string {
	argv := []string{d.powershell, "-NoProfile", "-Command",
		"Invoke-Command", "-ComputerName", d.id.Address, "-ScriptBlock", "{"}
	argv = append(argv, args...)
	argv = append(argv, "}", "-Credential", d.credential())
	return redirect(argv, output)
}

// credential builds the PSCredential expression. Without a password the
// bare user name is passed so PowerShell prompts for it.
func (d psremDialect) credential() string {
	user := copier.PSQuote(d.id.DomainUser())
	if !d.id.HasPassword() {
		return user
	}
	return fmt.Sprintf("(New-Object System.Management.Automation.PSCredential(%s, (ConvertTo-SecureString %s -AsPlainText -Force)))",
		user, copier.PSQuote(d.id.Password))
}

func (psremDialect) piped() bool { return false }
func (psremDialect) posix() bool { return false }

// wmiDialect writes output through /OUTPUT, which must precede /NODE.
type wmiDialect struct {
	wmic string
	id   target.Identity
}

func (d wmiDialect) prepare(args []string, output string, _ bool) []string {
	argv := []string{d.wmic}
	if output != "" {
		argv = append(argv, "/OUTPUT:"+output)
	}
	argv = append(argv, "/NODE:"+d.id.Address, "/USER:"+d.id.DomainUser())
	if d.id.HasPassword() {
		argv = append(argv, "/PASSWORD:"+d.id.Password)
	}
	return append(argv, args...)
}

func (wmiDialect) piped() bool { return false }
func (wmiDialect) posix() bool { return false }

// rdpDialect drives a graphical session. Output comes back over the
// redirected client drive (\\tsclient) instead of a shell redirect.
type rdpDialect struct {
	sharprdp string
	id       target.Identity
	nla      bool
}

func (d rdpDialect) prepare(args []string, output string, _ bool) []string {
	argv := []string{d.sharprdp, "computername=" + d.id.Address, "username=" + d.id.DomainUser()}
	if d.id.HasPassword() {
		argv = append(argv, "password="+d.id.Password)
	}
	argv = append(argv, "exec=ps", "takeover=true", "connectdrive=true")
	if d.nla {
		argv = append(argv, "nla=true")
	}
	command := strings.Join(args, " ")
	if output != "" {
		command += " -p.i.p.e- Out-File -FilePath " + tsclientPath(output)
	}
	return append(argv, "command="+command)
}

// tsclientPath maps a driver path to its name on the target's view of the
// redirected drive: C:\case\x.txt becomes \\tsclient\C\case\x.txt.
func tsclientPath(local string) string {
	if abs, err := filepath.Abs(local); err == nil {
		local = abs
	}
	local = strings.Replace(local, ":", "", 1)
	local = strings.ReplaceAll(local, "/", `\`)
	return `\\tsclient\` + strings.TrimLeft(local, `\`)
}

func (rdpDialect) piped() bool { return false }
func (rdpDialect) posix() bool { return false }

type sshDialect struct {
	plink   string
	id      target.Identity
	keyFile string
}

func (d sshDialect) prepare(args []string, output string, _ bool) []string {
	argv := []string{d.plink, "-ssh", d.id.Address, "-l", d.id.Username}
	if d.id.HasPassword() {
		argv = append(argv, "-pw", d.id.Password)
	}
	argv = append(argv, "-no-antispoof")
	if d.keyFile != "" {
		argv = append(argv, "-i", d.keyFile)
	}
	argv = append(argv, args...)
	return redirect(argv, output)
}

func (sshDialect) piped() bool { return true }
func (sshDialect) posix() bool { return true }

type localDialect struct{}

func (localDialect) prepare(args []string, output string, _ bool) []string {
	return redirect(append([]string(nil), args...), output)
}

func (localDialect) piped() bool { return false }
func (localDialect) posix() bool { return false }
