package core

import (
	"sort"
	"time"

	"github.com/dkeye/Rescue/internal/domain"
)

// LocationBoard keeps the latest known position per actor.
// Not safe for concurrent use: the coordinator queue owns it.
type LocationBoard struct {
	byActor map[domain.ActorID]domain.Position
	local   *domain.Position
	ttl     time.Duration
}

// NewLocationBoard builds a board; ttl <= 0 keeps stale markers forever.
func NewLocationBoard(ttl time.Duration) *LocationBoard {
	return &LocationBoard{
		byActor: make(map[domain.ActorID]domain.Position),
		ttl:     ttl,
	}
}

// ApplySnapshot merges fetched positions with the strictly-newer rule,
// so a snapshot never regresses a fresher pushed update.
func (b *LocationBoard) ApplySnapshot(initial map[domain.ActorID]domain.Position) int {
	applied := 0
	for _, p := range initial {
		if b.ApplyUpdate(p) {
			applied++
		}
	}
	return applied
}

// ApplyUpdate stores p only if it is strictly newer than the stored entry.
func (b *LocationBoard) ApplyUpdate(p domain.Position) bool {
	if cur, ok := b.byActor[p.ActorID]; ok && p.CapturedAt <= cur.CapturedAt {
		return false
	}
	b.byActor[p.ActorID] = p
	return true
}

func (b *LocationBoard) RemoveActor(id domain.ActorID) bool {
	if _, ok := b.byActor[id]; !ok {
		return false
	}
	delete(b.byActor, id)
	return true
}

// SetLocal records the local actor's own sample. Older samples are ignored.
func (b *LocationBoard) SetLocal(p domain.Position) bool {
	if b.local != nil && p.CapturedAt <= b.local.CapturedAt {
		return false
	}
	b.local = &p
	return true
}

func (b *LocationBoard) Local() (domain.Position, bool) {
	if b.local == nil {
		return domain.Position{}, false
	}
	return *b.local, true
}

func (b *LocationBoard) Get(id domain.ActorID) (domain.Position, bool) {
	if b.local != nil && b.local.ActorID == id {
		if remote, ok := b.byActor[id]; !ok || b.local.CapturedAt >= remote.CapturedAt {
			return *b.local, true
		}
	}
	p, ok := b.byActor[id]
	return p, ok
}

// Snapshot returns every current position, including the local one, ordered
// by actor id.
func (b *LocationBoard) Snapshot() []domain.Position {
	out := make([]domain.Position, 0, len(b.byActor)+1)
	for id, p := range b.byActor {
		if b.local != nil && b.local.ActorID == id && b.local.CapturedAt >= p.CapturedAt {
			continue
		}
		out = append(out, p)
	}
	if b.local != nil {
		if remote, ok := b.byActor[b.local.ActorID]; !ok || b.local.CapturedAt >= remote.CapturedAt {
			out = append(out, *b.local)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Expire drops remote entries older than the TTL and returns their ids.
// The local entry never expires.
func (b *LocationBoard) Expire(nowMs int64) []domain.ActorID {
	if b.ttl <= 0 {
		return nil
	}
	cutoff := nowMs - b.ttl.Milliseconds()
	var dropped []domain.ActorID
	for id, p := range b.byActor {
		if p.CapturedAt < cutoff {
			delete(b.byActor, id)
			dropped = append(dropped, id)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return dropped
}

func (b *LocationBoard) Len() int {
	return len(b.byActor)
}
