package server

import (
	"sync"

	"github.com/npezzotti/shadow-rooms/internal/protocol"
)

// roomSeq serializes append-and-broadcast within one room so ids reach
// every member in increasing order. It is reference counted and dropped
// when no operation holds it.
type roomSeq struct {
	mu   sync.Mutex
	refs int
}

func (cs *ChatServer) lockRoom(code string) (unlock func()) {
	cs.seqLock.Lock()
	seq, ok := cs.seqs[code]
	if !ok {
		seq = &roomSeq{}
		cs.seqs[code] = seq
	}
	seq.refs++
	cs.seqLock.Unlock()

	seq.mu.Lock()
	return func() {
		seq.mu.Unlock()

		cs.seqLock.Lock()
		seq.refs--
		if seq.refs == 0 {
			delete(cs.seqs, code)
		}
		cs.seqLock.Unlock()
	}
}

// broadcast delivers f to every live session in the room except skip and
// returns how many accepted it. Sessions that are closed or backed up are
// skipped.
func (cs *ChatServer) broadcast(code string, f protocol.ServerFrame, skip *Session) int {
	b, err := protocol.EncodeServerFrame(f)
	if err != nil {
		cs.log.Printf("broadcast: encode %s: %v", f.Type(), err)
		return 0
	}

	delivered := 0
	for _, s := range cs.registry.Sessions(code) {
		if s == skip {
			continue
		}
		if s.queueMessage(b) {
			delivered++
		}
	}

	cs.debugf("broadcast %s to room %q: %d delivered", f.Type(), code, delivered)
	return delivered
}

func (cs *ChatServer) broadcastPresence(code string, skip *Session) {
	p := cs.Presence(code)
	cs.broadcast(code, protocol.PresenceUpdate{
		OnlineCount: p.OnlineCount,
		OnlineUsers: p.OnlineUsers,
	}, skip)
}
