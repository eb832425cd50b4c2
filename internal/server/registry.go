package server

import (
	"slices"
	"sync"
)

// Registry tracks which sessions are live in which room. It is the source
// of truth for realtime presence; fallback heartbeats are merged on top by
// the chat server.
type Registry interface {
	// RegisterIf adds s under its room when admit, called with the room's
	// live usernames while the registry is locked, returns true.
	RegisterIf(s *Session, admit func(live []string) bool) bool
	// Unregister removes s and returns the room it was in.
	Unregister(s *Session) (code string, ok bool)
	Sessions(code string) []*Session
	Usernames(code string) []string
	Rooms() []string
}

type memRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
	// reverse index for O(1) teardown
	bySession map[*Session]string
}

func NewRegistry() Registry {
	return &memRegistry{
		rooms:     make(map[string]map[*Session]struct{}),
		bySession: make(map[*Session]string),
	}
}

func (r *memRegistry) RegisterIf(s *Session, admit func(live []string) bool) bool {
	code := s.RoomCode()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[s]; ok {
		return false
	}

	if admit != nil && !admit(r.usernamesLocked(code)) {
		return false
	}

	sessions, ok := r.rooms[code]
	if !ok {
		sessions = make(map[*Session]struct{})
		r.rooms[code] = sessions
	}
	sessions[s] = struct{}{}
	r.bySession[s] = code

	return true
}

func (r *memRegistry) Unregister(s *Session) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.bySession[s]
	if !ok {
		return "", false
	}
	delete(r.bySession, s)

	if sessions, ok := r.rooms[code]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(r.rooms, code)
		}
	}

	return code, true
}

func (r *memRegistry) Sessions(code string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.rooms[code]))
	for s := range r.rooms[code] {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *memRegistry) Usernames(code string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.usernamesLocked(code)
}

func (r *memRegistry) usernamesLocked(code string) []string {
	names := make([]string, 0, len(r.rooms[code]))
	for s := range r.rooms[code] {
		names = append(names, s.Username())
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (r *memRegistry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.rooms))
	for code := range r.rooms {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// mergeUsernames returns the sorted union of a and b without duplicates.
func mergeUsernames(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	slices.Sort(merged)
	return slices.Compact(merged)
}
