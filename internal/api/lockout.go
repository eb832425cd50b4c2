package api

import (
	"sync"
	"time"
)

// lockout counts failed moderator logins per client address and blocks the
// address for a while once too many accumulate.
type lockout struct {
	mu       sync.Mutex
	maxFails int
	duration time.Duration
	now      func() time.Time
	entries  map[string]*lockEntry
}

type lockEntry struct {
	fails       int
	lockedUntil time.Time
}

func newLockout(maxFails int, duration time.Duration) *lockout {
	return &lockout{
		maxFails: max(1, maxFails),
		duration: duration,
		now:      time.Now,
		entries:  make(map[string]*lockEntry),
	}
}

// Locked returns the remaining lock time for key.
func (l *lockout) Locked(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return 0, false
	}

	remaining := e.lockedUntil.Sub(l.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Fail records a failed attempt. Reaching the threshold locks the key and
// starts a fresh count.
func (l *lockout) Fail(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}

	e.fails++
	if e.fails >= l.maxFails {
		e.lockedUntil = l.now().Add(l.duration)
		e.fails = 0
	}
}

func (l *lockout) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)
}
