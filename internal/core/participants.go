package core

import (
	"sort"

	"github.com/dkeye/Rescue/internal/domain"
)

// ParticipantRegistry is the local record of who is on scene.
// Not safe for concurrent use: the coordinator queue owns it.
type ParticipantRegistry struct {
	byActor map[domain.ActorID]domain.Participant
}

func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{byActor: make(map[domain.ActorID]domain.Participant)}
}

// ApplySnapshot replaces the whole set.
func (r *ParticipantRegistry) ApplySnapshot(list []domain.Participant) {
	r.byActor = make(map[domain.ActorID]domain.Participant, len(list))
	for _, p := range list {
		r.byActor[p.ActorID] = p
	}
}

// ApplyJoined inserts or overwrites by actor id.
func (r *ParticipantRegistry) ApplyJoined(p domain.Participant) {
	r.byActor[p.ActorID] = p
}

// ApplyLeft removes by actor id and reports whether it was present.
func (r *ParticipantRegistry) ApplyLeft(id domain.ActorID) bool {
	if _, ok := r.byActor[id]; !ok {
		return false
	}
	delete(r.byActor, id)
	return true
}

func (r *ParticipantRegistry) Get(id domain.ActorID) (domain.Participant, bool) {
	p, ok := r.byActor[id]
	return p, ok
}

func (r *ParticipantRegistry) Count() int {
	return len(r.byActor)
}

// All returns the set ordered by join time, then actor id.
func (r *ParticipantRegistry) All() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.byActor))
	for _, p := range r.byActor {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out
}
