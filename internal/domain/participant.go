package domain

// Participant represents an actor's presence in a session.
// Present from join-accepted to leave; no transport here.
type Participant struct {
	ActorID     ActorID `json:"userId"`
	DisplayName string  `json:"displayName"`
	Role        Role    `json:"userRole"`
	JoinedAt    int64   `json:"timestamp"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(actor Actor, joinedAt int64) Participant {
	return Participant{
		ActorID:     actor.ID,
		DisplayName: actor.DisplayName,
		Role:        actor.Role,
		JoinedAt:    joinedAt,
	}
}
