// Package presence tracks participants that are online through the polling
// fallback instead of a live realtime connection.
package presence

import (
	"slices"
	"sync"
	"time"
)

const (
	DefaultTTL           = 120 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

type entry struct {
	username string
	lastSeen time.Time
}

// HeartbeatStore is a short-TTL table of (room code, identity) -> username.
// Entries older than the TTL are ignored by reads and purged by Sweep.
type HeartbeatStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	rooms map[string]map[string]entry
}

func NewHeartbeatStore(ttl time.Duration) *HeartbeatStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &HeartbeatStore{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]map[string]entry),
	}
}

// Touch inserts or refreshes the entry for identity in room. The last write
// for an identity wins, including its username.
func (s *HeartbeatStore) Touch(room, identity, username string) {
	if room == "" || identity == "" || username == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.rooms[room]
	if !ok {
		entries = make(map[string]entry)
		s.rooms[room] = entries
	}
	entries[identity] = entry{username: username, lastSeen: s.now()}
}

// Usernames returns the distinct, sorted usernames with a live heartbeat in room.
func (s *HeartbeatStore) Usernames(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.rooms[room]
	if len(entries) == 0 {
		return nil
	}

	now := s.now()
	seen := make(map[string]struct{}, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.lastSeen) > s.ttl {
			continue
		}
		if _, dup := seen[e.username]; dup {
			continue
		}
		seen[e.username] = struct{}{}
		names = append(names, e.username)
	}

	slices.Sort(names)
	return names
}

// Remove drops the entry for identity in room, if any.
func (s *HeartbeatStore) Remove(room, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries, ok := s.rooms[room]; ok {
		delete(entries, identity)
		if len(entries) == 0 {
			delete(s.rooms, room)
		}
	}
}

// Sweep purges expired entries and empty rooms, returning how many entries
// were removed.
func (s *HeartbeatStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for room, entries := range s.rooms {
		for identity, e := range entries {
			if now.Sub(e.lastSeen) > s.ttl {
				delete(entries, identity)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(s.rooms, room)
		}
	}
	return removed
}
