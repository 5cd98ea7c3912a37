// Package settle holds the fixed waits that absorb SMB file-visibility lag
// and transport teardown between remote operations. They are part of the
// collection contract and must not be removed even when a transport looks
// synchronous.
package settle

import (
	"context"
	"sync"
	"time"
)

const (
	// PartPacing separates consecutive archive part transfers.
	PartPacing = 1 * time.Second
	// ShortSettle follows a pull before the remote copy is deleted.
	ShortSettle = 2 * time.Second
	// ConnectorSettle separates work done through different connectors
	// against the same target.
	ConnectorSettle = 5 * time.Second
	// RemoteSettle follows a remote command that writes an artifact, and
	// separates re-download iterations.
	RemoteSettle = 10 * time.Second
	// StagingSettle follows copying a local executable onto the target.
	StagingSettle = 20 * time.Second
)

var (
	mu      sync.RWMutex
	sleeper = realSleep
)

func realSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Wait blocks for d, returning early only if ctx is cancelled.
func Wait(ctx context.Context, d time.Duration) {
	mu.RLock()
	s := sleeper
	mu.RUnlock()
	s(ctx, d)
}

// SetSleeper replaces the wait implementation and returns a function that
// restores the previous one. Tests use it to record waits without blocking.
func SetSleeper(fn func(ctx context.Context, d time.Duration)) (restore func()) {
	mu.Lock()
	prev := sleeper
	sleeper = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		sleeper = prev
		mu.Unlock()
	}
}

// Recorder is a sleeper that records requested waits instead of blocking.
type Recorder struct {
	mu    sync.Mutex
	Waits []time.Duration
}

// Sleep records d.
func (r *Recorder) Sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	r.Waits = append(r.Waits, d)
	r.mu.Unlock()
}

// Total returns the sum of recorded waits.
func (r *Recorder) Total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	for _, d := range r.Waits {
		total += d
	}
	return total
}
