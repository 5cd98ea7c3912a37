package target

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/BadgerOps/rcollect/internal/failure"
)

// Defaults are the global credentials applied to target list lines that
// leave fields out.
type Defaults struct {
	Username string
	Domain   string
	Password string
}

// Prompter asks the operator for missing credential fields.
type Prompter interface {
	Prompt(label string) (string, error)
	PromptSecret(label string) (string, error)
}

// Load resolves spec into targets. spec is either a path to a target list
// file on fsys or a single address.
func Load(fsys afero.Fs, spec string, defaults Defaults, prompter Prompter) ([]Identity, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, failure.Newf(failure.ParseFailed, "load targets", "no target given")
	}

	var ids []Identity
	if isFile(fsys, spec) {
		f, err := fsys.Open(spec)
		if err != nil {
			return nil, failure.New(failure.LocalIO, "open target list", err)
		}
		defer f.Close()
		ids, err = Parse(f)
		if err != nil {
			return nil, err
		}
	} else {
		ids = []Identity{{Address: spec}}
	}

	for i := range ids {
		if err := Complete(&ids[i], defaults, prompter); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func isFile(fsys afero.Fs, path string) bool {
	info, err := fsys.Stat(path)
	return err == nil && !info.IsDir()
}

// Parse reads a target list: one "address [domain\user [password]]" per
// line, fields separated by runs of whitespace. Blank lines are skipped; the
// password is the remainder of the line and may itself contain spaces.
func Parse(r io.Reader) ([]Identity, error) {
	var ids []Identity
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		addr, rest := cutField(line)
		user, password := cutField(rest)
		id := Identity{Address: addr, Password: password}
		if user != "" {
			id.Domain, id.Username = SplitDomainUser(user)
		}
		if err := id.Validate(); err != nil {
			return nil, failure.New(failure.ParseFailed, fmt.Sprintf("target list line %d", lineNo), err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, failure.New(failure.LocalIO, "read target list", err)
	}
	return ids, nil
}

// cutField splits s at its first run of whitespace. rest has its leading
// and trailing whitespace trimmed.
func cutField(s string) (field, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// Complete fills missing fields from defaults and then from the prompter.
// Local targets need no credentials and are never prompted for.
func Complete(id *Identity, defaults Defaults, prompter Prompter) error {
	if id.Username == "" {
		id.Username = defaults.Username
		if id.Domain == "" {
			id.Domain = defaults.Domain
		}
	}
	if id.Password == "" {
		id.Password = defaults.Password
	}
	if id.IsLocal() || prompter == nil {
		return nil
	}

	if id.Username == "" {
		d, err := prompter.Prompt(fmt.Sprintf("Domain for %s (optional)", id.Address))
		if err != nil {
			return failure.New(failure.CredentialMissing, "prompt domain", err)
		}
		id.Domain = strings.TrimSpace(d)
		for id.Username == "" {
			u, err := prompter.Prompt(fmt.Sprintf("Username for %s", id.Address))
			if err != nil {
				return failure.New(failure.CredentialMissing, "prompt username", err)
			}
			id.Username = strings.TrimSpace(u)
		}
	}
	if id.Password == "" {
		p, err := prompter.PromptSecret(fmt.Sprintf("Password for %s", id.String()))
		if err != nil {
			return failure.New(failure.CredentialMissing, "prompt password", err)
		}
		id.Password = p
	}
	return nil
}

// Terminal prompts on the controlling terminal, reading passwords without
// echo.
type Terminal struct {
	In  *os.File
	Out io.Writer

	reader *bufio.Reader
}

// NewTerminal prompts on stdin/stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) Prompt(label string) (string, error) {
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}
	fmt.Fprintf(t.Out, "%s: ", label)
	line, err := t.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *Terminal) PromptSecret(label string) (string, error) {
	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		return t.Prompt(label)
	}
	fmt.Fprintf(t.Out, "%s: ", label)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
