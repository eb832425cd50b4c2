package server

import (
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/identity"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

// DefaultAdmissionTTL is how long an admission to a protected room survives
// without being used.
const DefaultAdmissionTTL = 30 * time.Minute

type admissionKey struct {
	room     string
	identity string
}

// admissions records which identities passed a protected room's passphrase
// check. Every successful lookup refreshes the entry.
type admissions struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[admissionKey]time.Time
}

func newAdmissions(ttl time.Duration) *admissions {
	if ttl <= 0 {
		ttl = DefaultAdmissionTTL
	}
	return &admissions{ttl: ttl, entries: make(map[admissionKey]time.Time)}
}

func (a *admissions) grant(room, identity string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[admissionKey{room, identity}] = now
}

func (a *admissions) check(room, identity string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := admissionKey{room, identity}
	at, ok := a.entries[k]
	if !ok {
		return false
	}
	if now.Sub(at) > a.ttl {
		delete(a.entries, k)
		return false
	}
	a.entries[k] = now
	return true
}

func (a *admissions) sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for k, at := range a.entries {
		if now.Sub(at) > a.ttl {
			delete(a.entries, k)
			removed++
		}
	}
	return removed
}

// hasRoom reports whether username can take a place in the room: either it
// is already present or the merged presence is below capacity.
func (cs *ChatServer) hasRoom(p types.Presence, username string) bool {
	return slices.Contains(p.OnlineUsers, username) || p.OnlineCount < cs.opts.Capacity
}

// Admit runs the join checks for a participant entering over HTTP. When
// identityHash is set, the participant may then use the fallback endpoints
// of a protected room.
func (cs *ChatServer) Admit(room database.Room, identityHash, username, passphrase string) (types.Presence, *protocol.Error) {
	if !identity.VerifyRoomPassphrase(room.PassphraseHash, passphrase) {
		return types.Presence{}, protocol.Errorf(protocol.CodeForbidden, "invalid passphrase")
	}

	p := cs.Presence(room.Code)
	if !cs.hasRoom(p, username) {
		return types.Presence{}, protocol.Errorf(protocol.CodeRoomFull, "room is full")
	}

	if identityHash != "" && room.PassphraseHash != "" {
		cs.admitted.grant(room.Code, identityHash, cs.now())
	}
	return p, nil
}

// Admitted reports whether identityHash may use the fallback endpoints of
// room. Rooms without a passphrase admit everyone.
func (cs *ChatServer) Admitted(room database.Room, identityHash string) bool {
	if room.PassphraseHash == "" {
		return true
	}
	if identityHash == "" {
		return false
	}
	return cs.admitted.check(room.Code, identityHash, cs.now())
}

// touchFallback refreshes a fallback participant's heartbeat after the
// admission and capacity checks.
func (cs *ChatServer) touchFallback(room database.Room, identityHash, username string) *protocol.Error {
	if !cs.Admitted(room, identityHash) {
		return protocol.Errorf(protocol.CodeForbidden, "join the room first")
	}

	cs.fallbackLock.Lock()
	defer cs.fallbackLock.Unlock()

	if !cs.hasRoom(cs.Presence(room.Code), username) {
		return protocol.Errorf(protocol.CodeRoomFull, "room is full")
	}
	cs.heartbeats.Touch(room.Code, identityHash, username)
	return nil
}
