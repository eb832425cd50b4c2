// Package ratelimit provides a sliding window message-frequency guard keyed
// by participant identity.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMax    = 5
	DefaultWindow = 10 * time.Second
)

// Limiter admits at most max events per key within any trailing window.
// Timestamps outside the window are pruned lazily on each check.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &Limiter{
		max:     max,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// Allow records an event for key and reports whether it fits in the window.
// A rejected attempt is not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := prune(l.windows[key], now.Add(-l.window))
	if len(recent) >= l.max {
		l.windows[key] = recent
		return false
	}

	l.windows[key] = append(recent, now)
	return true
}

// Remaining returns how many events key may still send right now.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps, ok := l.windows[key]
	if !ok {
		return l.max
	}

	recent := prune(stamps, l.now().Add(-l.window))
	l.windows[key] = recent
	return l.max - len(recent)
}

// Cleanup drops keys whose whole window has expired.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, stamps := range l.windows {
		recent := prune(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.windows, key)
			removed++
			continue
		}
		l.windows[key] = recent
	}
	return removed
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
