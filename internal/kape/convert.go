package kape

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/BadgerOps/rcollect/internal/safety"
)

// Disabled reports whether any component of rel starts with "!", which is
// how KAPE marks disabled targets and directories.
func Disabled(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, "!") {
			return true
		}
	}
	return false
}

// Converter turns a tree of .tkape files into a flat search list.
type Converter struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewConverter creates a Converter reading from fs.
func NewConverter(fs afero.Fs, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{fs: fs, logger: logger}
}

// Convert parses every enabled target file below root and returns their
// rules with compound references expanded. Entries are deduplicated and
// ordered by target file path.
func (c *Converter) Convert(root string) ([]Entry, error) {
	files, order, err := c.load(root)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	seen := make(map[Entry]bool)
	for _, key := range order {
		for _, e := range c.expand(files, key, map[string]bool{}) {
			if !seen[e] {
				seen[e] = true
				entries = append(entries, e)
			}
		}
	}
	c.logger.Info("converted KAPE targets", "root", root, "files", len(order), "entries", len(entries))
	return entries, nil
}

// load parses target files keyed by lower-cased base name.
func (c *Converter) load(root string) (map[string]*TargetFile, []string, error) {
	files := make(map[string]*TargetFile)
	var order []string
	err := afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && Disabled(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			c.logger.Debug("skipping disabled target", "path", path)
			return nil
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), TargetExt) {
			return nil
		}

		tf, err := c.read(path)
		if err != nil {
			c.logger.Warn("skipping unreadable target", "path", path, "error", err)
			return nil
		}
		key := strings.ToLower(filepath.Base(path))
		if _, dup := files[key]; dup {
			c.logger.Warn("duplicate target name, keeping the first", "path", path)
			return nil
		}
		files[key] = tf
		order = append(order, key)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(order)
	return files, order, nil
}

func (c *Converter) read(path string) (*TargetFile, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := safety.ReadAllWithLimit(f, maxListBytes)
	if err != nil {
		return nil, err
	}
	return ParseTarget(path, data)
}

func (c *Converter) expand(files map[string]*TargetFile, key string, visiting map[string]bool) []Entry {
	tf, ok := files[key]
	if !ok || visiting[key] {
		return nil
	}
	visiting[key] = true
	defer delete(visiting, key)

	var entries []Entry
	for _, rule := range tf.Targets {
		if ref, ok := rule.Ref(); ok {
			refKey := strings.ToLower(filepath.Base(strings.ReplaceAll(ref, `\`, "/")))
			if _, known := files[refKey]; !known {
				c.logger.Warn("target references unknown file", "target", key, "ref", ref)
				continue
			}
			entries = append(entries, c.expand(files, refKey, visiting)...)
			continue
		}
		entries = append(entries, Entry{
			Name:      rule.Name,
			Category:  rule.Category,
			Path:      rule.Path,
			FileMask:  rule.FileMask,
			Recursive: rule.Recursive,
		})
	}
	return entries
}
