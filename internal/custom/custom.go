// Package custom runs operator-supplied command scripts against a
// connector, one command per line.
package custom

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/failure"
)

// prefixLimit is how many characters of the command name its report.
const prefixLimit = 100

var prefixReplacer = strings.NewReplacer(" ", "-", `"`, "-", "/", "-", `\`, "-", ":", "-")

// Entry is one command selected from a script.
type Entry struct {
	Line   int
	Args   []string
	Prefix string
}

// Lex splits a line on spaces. Double quotes group a token that may contain
// spaces and are removed; an unterminated quote runs to the end of the line.
func Lex(line string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case r == ' ' && !quoted:
			if pending {
				tokens = append(tokens, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if pending {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// ReportPrefix derives a file-name-safe report prefix from a command.
func ReportPrefix(args []string) string {
	joined := []rune(strings.Join(args, " "))
	if len(joined) > prefixLimit {
		joined = joined[:prefixLimit]
	}
	return "custom-" + prefixReplacer.Replace(string(joined))
}

// Selects reports whether a :filter token admits method. The filter text
// after the colon must contain the method label, ignoring case.
func Selects(filter string, method connector.Method) bool {
	f := strings.ToLower(strings.TrimPrefix(filter, ":"))
	return strings.Contains(f, strings.ToLower(method.String()))
}

// Plan reads a script and returns the commands that run on method. Blank
// lines and # comments are skipped. A line starting with a :filter token
// runs only when the filter selects method; any other line runs only when
// implicit is set.
func Plan(r io.Reader, method connector.Method, implicit bool) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args := Lex(line)
		if len(args) == 0 {
			continue
		}
		if strings.HasPrefix(args[0], ":") {
			if !Selects(args[0], method) {
				continue
			}
			args = args[1:]
			if len(args) == 0 {
				continue
			}
		} else if !implicit {
			continue
		}
		entries = append(entries, Entry{Line: n, Args: args, Prefix: ReportPrefix(args)})
	}
	if err := scanner.Err(); err != nil {
		return nil, failure.New(failure.ParseFailed, "reading command script", err)
	}
	return entries, nil
}

// Run executes every command of the script that applies to conn, capturing
// each command's output in reportDir. Failed commands are logged and the
// rest still run. It returns the report paths produced.
func Run(ctx context.Context, conn connector.Connector, r io.Reader, reportDir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := Plan(r, conn.Method(), conn.ImplicitExecution())
	if err != nil {
		return nil, err
	}
	logger = logger.With("method", conn.Method().String(), "target", conn.Computer().Address)

	var (
		reports []string
		errs    []error
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := conn.RunCommand(ctx, connector.Command{
			Args:         e.Args,
			ReportDir:    reportDir,
			ReportPrefix: e.Prefix,
			Elevated:     true,
		})
		if err != nil {
			logger.Warn("custom command failed", "prefix", e.Prefix, "line", e.Line, "error", err)
			errs = append(errs, fmt.Errorf("line %d: %w", e.Line, err))
			continue
		}
		logger.Info("custom command finished", "prefix", e.Prefix, "report", report)
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}
