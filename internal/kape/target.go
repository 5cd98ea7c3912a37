// Package kape loads file-search lists and converts KAPE target
// definitions (.tkape) into them.
package kape

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/rcollect/internal/failure"
)

// TargetExt is the extension of a KAPE target file.
const TargetExt = ".tkape"

// TargetRule is one entry of a KAPE target file. A rule whose Path names
// another target file pulls in that file's rules.
type TargetRule struct {
	Name      string `yaml:"Name"`
	Category  string `yaml:"Category"`
	Comment   string `yaml:"Comment"`
	Path      string `yaml:"Path"`
	FileMask  string `yaml:"FileMask"`
	Recursive bool   `yaml:"Recursive"`

	// Ignored.
	IsDirectory      bool   `yaml:"IsDirectory"`
	AlwaysAddToQueue bool   `yaml:"AlwaysAddToQueue"`
	SaveAsFileName   string `yaml:"SaveAsFileName"`
}

// Ref returns the target file a compound rule refers to.
func (r *TargetRule) Ref() (string, bool) {
	if strings.HasSuffix(strings.ToLower(r.Path), TargetExt) {
		return r.Path, true
	}
	return "", false
}

// TargetFile is a parsed .tkape document.
type TargetFile struct {
	Description         string        `yaml:"Description"`
	Author              string        `yaml:"Author"`
	Version             string        `yaml:"Version"`
	ID                  string        `yaml:"Id"`
	RecreateDirectories bool          `yaml:"RecreateDirectories"`
	Targets             []*TargetRule `yaml:"Targets"`
}

// ParseTarget decodes a .tkape document.
func ParseTarget(name string, data []byte) (*TargetFile, error) {
	var tf TargetFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, failure.New(failure.ParseFailed, "parsing "+name, err)
	}
	for i, rule := range tf.Targets {
		if rule == nil {
			return nil, failure.Newf(failure.ParseFailed, "parsing "+name, "target %d is empty", i)
		}
		if rule.Path == "" {
			return nil, failure.New(failure.ParseFailed, "parsing "+name, fmt.Errorf("target %q has no path", rule.Name))
		}
	}
	return &tf, nil
}
