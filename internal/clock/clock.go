// Package clock abstracts wall-clock reads and waits so the agent's
// control loop can be driven deterministically in tests. Production
// code uses [Real] (optionally wrapped in a [Synced] once network time
// is known); tests use [Fake].
package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is the time source used throughout the agent.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on c or until ctx is cancelled. It returns false
// if ctx was cancelled first.
func Sleep(ctx context.Context, c Clock, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.After(d):
		return true
	}
}

// Synced applies a network-derived offset to an underlying clock and
// renders local times in a fixed timezone. The offset is set once
// clock synchronization succeeds; until then Now returns the base
// clock unchanged. Synced is safe for concurrent use because the TLS
// stack reads it from library goroutines.
type Synced struct {
	base   Clock
	offset atomic.Int64
	zone   *time.Location
}

// NewSynced wraps base. tzOffsetSeconds defines the display zone
// (e.g. 32400 for JST).
func NewSynced(base Clock, tzOffsetSeconds int) *Synced {
	name := "UTC"
	if tzOffsetSeconds != 0 {
		name = time.Unix(0, 0).In(time.FixedZone("", tzOffsetSeconds)).Format("-07:00")
	}
	return &Synced{
		base: base,
		zone: time.FixedZone(name, tzOffsetSeconds),
	}
}

// Now returns the corrected current time.
func (s *Synced) Now() time.Time {
	return s.base.Now().Add(time.Duration(s.offset.Load()))
}

// After delegates to the base clock; durations are offset-independent.
func (s *Synced) After(d time.Duration) <-chan time.Time {
	return s.base.After(d)
}

// SetOffset records the difference between network time and the base
// clock.
func (s *Synced) SetOffset(d time.Duration) {
	s.offset.Store(int64(d))
}

// Offset returns the currently applied correction.
func (s *Synced) Offset() time.Duration {
	return time.Duration(s.offset.Load())
}

// Local returns the corrected time in the configured display zone.
func (s *Synced) Local() time.Time {
	return s.Now().In(s.zone)
}

// Fake is a manually advanced Clock for tests. After advances the fake
// time by the requested duration and fires immediately, so code that
// sleeps on a Fake never blocks and time still moves forward
// consistently.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// After advances the clock by d and returns a channel that already
// holds the new time.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	ch <- f.now
	f.mu.Unlock()
	return ch
}
