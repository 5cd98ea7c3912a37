package kape

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/BadgerOps/rcollect/internal/copier"
	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/safety"
)

// Embedded selects the built-in search list.
const Embedded = "EMBEDDED"

// UserVar is replaced by every profile directory under C:\Users.
const UserVar = "%user%"

// maxListBytes bounds search lists and target files read from disk.
const maxListBytes = 8 << 20

// Entry is one file-search rule: files matching FileMask inside the
// directory Path, optionally in every subdirectory too.
type Entry struct {
	Name      string `json:"name,omitempty"`
	Category  string `json:"category,omitempty"`
	Path      string `json:"path"`
	FileMask  string `json:"file_mask,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

// Pattern returns Path joined with FileMask, * when no mask is set.
func (e Entry) Pattern() string {
	mask := e.FileMask
	if mask == "" {
		mask = "*"
	}
	return copier.RemoteJoin(e.Path, mask)
}

// HasUserVar reports whether the entry must be expanded per profile.
func (e Entry) HasUserVar() bool {
	return strings.Contains(strings.ToLower(e.Path), UserVar)
}

// ForUser substitutes user for %user% in Path.
func (e Entry) ForUser(user string) Entry {
	lower := strings.ToLower(e.Path)
	var b strings.Builder
	for {
		i := strings.Index(lower, UserVar)
		if i < 0 {
			break
		}
		b.WriteString(e.Path[:i])
		b.WriteString(user)
		e.Path = e.Path[i+len(UserVar):]
		lower = lower[i+len(UserVar):]
	}
	b.WriteString(e.Path)
	e.Path = b.String()
	return e
}

// ParseLine turns a full path such as C:\Windows\System32\winevt\Logs\*.evtx
// into an entry.
func ParseLine(line string) Entry {
	i := strings.LastIndex(line, `\`)
	if i < 0 {
		return Entry{Path: line}
	}
	return Entry{Path: line[:i+1], FileMask: line[i+1:]}
}

// builtin is the search list used for EMBEDDED.
var builtin = []string{
	`C:\Windows\System32\winevt\Logs\*.evtx`,
	`C:\Windows\System32\config\DEFAULT`,
	`C:\Windows\System32\config\DEFAULT.LOG`,
	`C:\Windows\System32\config\DEFAULT.LOG1`,
	`C:\Windows\System32\config\DEFAULT.LOG2`,
	`C:\Users\%user%\NTUSER.DAT`,
	`C:\Users\%user%\NTUSER.DAT.LOG1`,
	`C:\Users\%user%\NTUSER.DAT.LOG2`,
	`C:\Users\%user%\AppData\Local\Microsoft\Windows\UsrClass.dat`,
	`C:\Users\%user%\AppData\Local\Microsoft\Windows\UsrClass.dat.LOG1`,
	`C:\Users\%user%\AppData\Local\Microsoft\Windows\UsrClass.dat.LOG2`,
	`C:\Users\%user%\AppData\Roaming\Microsoft\Windows\Recent\*.lnk`,
	`C:\Users\%user%\AppData\Roaming\Microsoft\Office\Recent\*`,
	`C:\Users\%user%\AppData\Roaming\Microsoft\Word\*`,
	`C:\Users\%user%\AppData\Roaming\Microsoft\Excel\*`,
	`C:\Users\%user%\AppData\Local\Microsoft\Office\UnsavedFiles\*`,
	`C:\ProgramData\Microsoft\Search\Data\Applications\Windows\Windows.edb`,
}

// Builtin returns a copy of the built-in search list.
func Builtin() []Entry {
	entries := make([]Entry, 0, len(builtin))
	for _, line := range builtin {
		e := ParseLine(line)
		e.Category = "builtin"
		entries = append(entries, e)
	}
	return entries
}

// LoadSearchList reads the search list named by spec: Embedded for the
// built-in list, a .json file written by WriteJSON, or a text file with one
// full path per line. Blank lines and # comments are skipped.
func LoadSearchList(fs afero.Fs, spec string) ([]Entry, error) {
	if spec == Embedded {
		return Builtin(), nil
	}
	f, err := fs.Open(spec)
	if err != nil {
		return nil, fmt.Errorf("opening search list: %w", err)
	}
	defer f.Close()
	data, err := safety.ReadAllWithLimit(f, maxListBytes)
	if err != nil {
		return nil, fmt.Errorf("reading search list %s: %w", spec, err)
	}

	if strings.EqualFold(filepath.Ext(spec), ".json") {
		var entries []Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, failure.New(failure.ParseFailed, "parsing "+spec, err)
		}
		return entries, nil
	}
	return parseText(bytes.NewReader(data))
}

func parseText(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, ParseLine(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, failure.New(failure.ParseFailed, "reading search list", err)
	}
	return entries, nil
}

// WriteJSON stores entries as a search list LoadSearchList accepts.
func WriteJSON(fs afero.Fs, path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding search list: %w", err)
	}
	if err := afero.WriteFile(fs, path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing search list: %w", err)
	}
	return nil
}
