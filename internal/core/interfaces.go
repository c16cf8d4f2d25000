package core

import (
	"context"

	"github.com/dkeye/Rescue/internal/domain"
)

type EventType string

const (
	EventLocationUpdate    EventType = "location:broadcast"
	EventMessage           EventType = "message:broadcast"
	EventParticipantJoined EventType = "participant:joined"
	EventParticipantLeft   EventType = "participant:left"
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventError             EventType = "error"
)

// Event is a decoded, validated inbound event or a lifecycle notification.
// Exactly one payload field is set for wire events.
type Event struct {
	Type        EventType
	Position    *domain.Position
	Message     *domain.Message
	Participant *domain.Participant
	ActorID     domain.ActorID // participant:left
	At          int64
	Err         error
}

type Handler func(Event)

// SessionConnection abstracts the persistent bidirectional channel.
// Owned by the adapter; the owner must Close() it.
type SessionConnection interface {
	Open(sessionID domain.SessionID, authToken string)
	On(t EventType, h Handler)
	// Send never fails synchronously; failures arrive as EventError.
	Send(t EventType, payload any)
	State() domain.ConnectionState
	Close()
}

// MessagePage is one backwards page of history, oldest-first.
type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// Backend is the request/response collaborator.
// Every method returns a *Error on failure.
type Backend interface {
	SessionState(ctx context.Context, sid domain.SessionID) (domain.SessionState, error)
	ParticipationActive(ctx context.Context, sid domain.SessionID, actor domain.ActorID) (bool, error)
	JoinParticipation(ctx context.Context, sid domain.SessionID, actor domain.Actor) (domain.Participant, error)
	LeaveParticipation(ctx context.Context, sid domain.SessionID, actor domain.ActorID) error
	Participants(ctx context.Context, sid domain.SessionID) ([]domain.Participant, error)
	Positions(ctx context.Context, sid domain.SessionID) ([]domain.Position, error)
	Messages(ctx context.Context, sid domain.SessionID, before domain.MessageID, limit int) (MessagePage, error)
	PostMessage(ctx context.Context, sid domain.SessionID, draft domain.MessageDraft) (domain.Message, error)
}

// LocationSource is the device geolocation watch.
// Watch delivers samples until ctx is cancelled; it must not block.
type LocationSource interface {
	Watch(ctx context.Context, onSample func(domain.Position)) error
}
