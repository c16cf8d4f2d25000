package app

import (
	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/internal/geo"
)

type UpdateKind string

const (
	UpdateSession      UpdateKind = "session"
	UpdateGate         UpdateKind = "gate"
	UpdateConnection   UpdateKind = "connection"
	UpdateParticipants UpdateKind = "participants"
	UpdateLocations    UpdateKind = "locations"
	UpdateMessages     UpdateKind = "messages"
	UpdateError        UpdateKind = "error"
)

// Update is one observer notification carrying the full current view.
type Update struct {
	Kind UpdateKind
	View View
}

// Marker is one actor on the map. DistanceKm is meaningful only when the
// view has an Origin.
type Marker struct {
	ActorID     domain.ActorID
	DisplayName string
	Role        domain.Role
	Position    domain.Position
	Local       bool
	DistanceKm  float64
	InCoverage  bool
}

type View struct {
	SessionID    domain.SessionID
	Actor        domain.Actor
	Status       string
	Gate         core.GateState
	Connection   domain.ConnectionState
	Origin       *domain.GeoPoint
	Coverage     *domain.CoverageArea
	Participants []domain.Participant
	Markers      []Marker
	Messages     []domain.Message
	HasMore      bool
	CanSend      bool
	SensorHeld   bool
	LastError    error
}

// buildView runs on the queue.
func (c *Coordinator) buildView() View {
	v := View{
		SessionID:    c.opts.SessionID,
		Actor:        c.opts.Actor,
		Gate:         c.gate.State(),
		Connection:   c.connState,
		Participants: c.participants.All(),
		Messages:     c.messages.All(),
		HasMore:      c.hasMore,
		CanSend:      c.canSend(),
		SensorHeld:   c.lease != nil,
		LastError:    c.lastErr,
	}
	if v.LastError == nil {
		v.LastError = c.gate.LastError()
	}
	if c.session != nil {
		origin := c.session.Origin
		v.Origin = &origin
		v.Status = c.session.Status
		if c.session.Coverage != nil {
			cov := *c.session.Coverage
			v.Coverage = &cov
		}
	}

	positions := c.board.Snapshot()
	v.Markers = make([]Marker, 0, len(positions))
	for _, p := range positions {
		m := Marker{ActorID: p.ActorID, Position: p, Role: domain.DefaultRole}
		if p.ActorID == c.opts.Actor.ID {
			m.Local = true
			m.DisplayName = c.opts.Actor.DisplayName
			m.Role = c.opts.Actor.Role
		} else if part, ok := c.participants.Get(p.ActorID); ok {
			m.DisplayName = part.DisplayName
			m.Role = part.Role
		}
		if v.Origin != nil {
			m.DistanceKm = geo.DistanceKm(*v.Origin, p.Point())
		}
		if v.Coverage != nil {
			m.InCoverage = geo.Within(*v.Coverage, p.Point())
		}
		v.Markers = append(v.Markers, m)
	}
	return v
}

func (c *Coordinator) canSend() bool {
	return c.gate.CanTransmit() && c.connState == domain.ConnectionConnected
}
