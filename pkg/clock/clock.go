// Package clock provides the time sources used by token verification and
// credential expiry checks.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time. Verification and expiry code never reads
// time.Now directly; it always goes through a Clock.
type Clock interface {
	Now() time.Time
}

type system struct{}

func (system) Now() time.Time { return time.Now() }

// System returns a Clock backed by the host's wall clock.
func System() Clock { return system{} }

// Fixed is a manually controlled Clock for tests and replay tooling.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a Fixed clock stopped at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

// Unix returns a Fixed clock stopped at the given epoch second.
func Unix(sec int64) *Fixed {
	return NewFixed(time.Unix(sec, 0))
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// EpochSeconds is the whole-second Unix time that claim checks compare against.
func EpochSeconds(c Clock) int64 {
	return c.Now().Unix()
}
