// Package runnertest provides a recording runner.Runner for tests of the
// packages that build transport command lines.
package runnertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/rcollect/internal/runner"
)

// Call is one recorded invocation.
type Call struct {
	Program string
	Args    []string
	Timeout time.Duration
	// PipedFrom is set for RunPiped calls and holds the left-hand program
	// followed by its arguments.
	PipedFrom []string
}

// Line returns program and arguments joined by spaces.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Contains reports whether any argument equals s.
func (c Call) Contains(s string) bool {
	for _, a := range c.Args {
		if a == s {
			return true
		}
	}
	return false
}

// Recorder records every call and answers through Respond when set.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	Respond func(c Call) (runner.Result, error)
}

func (r *Recorder) record(c Call) (runner.Result, error) {
	c.Args = append([]string(nil), c.Args...)
	r.mu.Lock()
	r.calls = append(r.calls, c)
	respond := r.Respond
	r.mu.Unlock()
	if respond == nil {
		return runner.Result{}, nil
	}
	return respond(c)
}

func (r *Recorder) Run(_ context.Context, program string, args []string) (runner.Result, error) {
	return r.record(Call{Program: program, Args: args})
}

func (r *Recorder) RunTimed(_ context.Context, program string, args []string, timeout time.Duration) (runner.Result, error) {
	return r.record(Call{Program: program, Args: args, Timeout: timeout})
}

func (r *Recorder) RunPiped(_ context.Context, left string, leftArgs []string, right string, rightArgs []string, timeout time.Duration) (runner.Result, error) {
	return r.record(Call{
		Program:   right,
		Args:      rightArgs,
		Timeout:   timeout,
		PipedFrom: append([]string{left}, leftArgs...),
	})
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Matching returns the recorded calls whose joined line contains substr.
func (r *Recorder) Matching(substr string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if strings.Contains(c.Line(), substr) {
			out = append(out, c)
		}
	}
	return out
}

// Reset drops the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
