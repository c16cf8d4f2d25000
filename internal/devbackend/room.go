package devbackend

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/domain"
)

// PublishResult reports delivery stats and backpressure to the server.
type PublishResult struct {
	SentTo  int
	Dropped []*peer
}

// room is the live fan-out set of one session. It never owns the store.
type room struct {
	sid     domain.SessionID
	mu      sync.RWMutex
	byActor map[domain.ActorID]*peer
}

func newRoom(sid domain.SessionID) *room {
	return &room{sid: sid, byActor: make(map[domain.ActorID]*peer)}
}

func (r *room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byActor)
}

// AddPeer replaces any previous socket of the same actor and returns it.
func (r *room) AddPeer(p *peer) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byActor[p.actor]
	r.byActor[p.actor] = p
	log.Info().Str("module", "devbackend.room").Str("session", string(r.sid)).Str("actor", string(p.actor)).Msg("peer added")
	return prev
}

// RemovePeer only removes p itself, never a newer socket of the same actor.
func (r *room) RemovePeer(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byActor[p.actor]; ok && cur == p {
		delete(r.byActor, p.actor)
		log.Info().Str("module", "devbackend.room").Str("session", string(r.sid)).Str("actor", string(p.actor)).Msg("peer removed")
	}
}

func (r *room) Peer(actor domain.ActorID) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byActor[actor]
	return p, ok
}

// Broadcast sends data to everyone except from. An empty from reaches all.
func (r *room) Broadcast(from domain.ActorID, data []byte) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for actor, p := range r.byActor {
		if from != "" && actor == from {
			continue
		}
		if err := p.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, p)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "devbackend.room").Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

type RoomInfo struct {
	Session   domain.SessionID `json:"sessionId"`
	PeerCount int              `json:"peerCount"`
}

// rooms lazily creates one room per session.
type rooms struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]*room
}

func newRooms() *rooms {
	return &rooms{rooms: make(map[domain.SessionID]*room)}
}

func (f *rooms) GetOrCreate(sid domain.SessionID) *room {
	f.mu.RLock()
	r, ok := f.rooms[sid]
	f.mu.RUnlock()
	if ok {
		return r
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok = f.rooms[sid]; ok {
		return r
	}
	r = newRoom(sid)
	f.rooms[sid] = r
	return r
}

func (f *rooms) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for sid, r := range f.rooms {
		out = append(out, RoomInfo{Session: sid, PeerCount: r.PeerCount()})
	}
	return out
}

// DropAll disconnects every peer of every room. Used to force reconnects.
func (f *rooms) DropAll() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, r := range f.rooms {
		r.mu.RLock()
		for _, p := range r.byActor {
			p.Close()
			n++
		}
		r.mu.RUnlock()
	}
	return n
}
