// Package throttle rate-limits "approaching stop" notifications per (bus, stop).
package throttle

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultCooldown = 30 * time.Second
	DefaultCleanup  = 30 * time.Minute
)

var ErrInvalidWindows = errors.New("throttle: cleanup window must exceed cooldown")

type key struct {
	bus  int
	stop int
}

// Throttle admits at most one notification per (bus, stop) per cooldown.
// Entries older than the cleanup age are swept during ShouldNotify, at most
// once per cleanup interval.
type Throttle struct {
	cooldown time.Duration
	cleanup  time.Duration

	mu   sync.Mutex
	last map[key]time.Time

	lastSweep atomic.Int64 // unix nanos
}

func New(cooldown, cleanup time.Duration) (*Throttle, error) {
	if cooldown <= 0 || cleanup <= cooldown {
		return nil, ErrInvalidWindows
	}
	return &Throttle{
		cooldown: cooldown,
		cleanup:  cleanup,
		last:     make(map[key]time.Time),
	}, nil
}

// ShouldNotify reports whether a notification for (busID, stopID) may fire at
// now, and records now as the last fire time when it may. Check and record
// are atomic.
func (t *Throttle) ShouldNotify(busID, stopID int, now time.Time) bool {
	t.maybeSweep(now)

	k := key{bus: busID, stop: stopID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[k]; ok && now.Sub(prev) < t.cooldown {
		return false
	}
	t.last[k] = now
	return true
}

// Len returns the number of tracked pairs.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// Sweep drops entries last fired more than the cleanup age before now.
func (t *Throttle) Sweep(now time.Time) int {
	cutoff := now.Add(-t.cleanup)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, ts := range t.last {
		if ts.Before(cutoff) {
			delete(t.last, k)
			removed++
		}
	}
	return removed
}

func (t *Throttle) maybeSweep(now time.Time) {
	prev := t.lastSweep.Load()
	if prev == 0 {
		t.lastSweep.CompareAndSwap(0, now.UnixNano())
		return
	}
	if now.UnixNano()-prev < int64(t.cleanup) {
		return
	}
	if t.lastSweep.CompareAndSwap(prev, now.UnixNano()) {
		t.Sweep(now)
	}
}
