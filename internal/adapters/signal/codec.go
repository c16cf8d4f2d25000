package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

var (
	ErrWrongSession  = errors.New("frame for another session")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrEmptyPayload  = errors.New("empty payload")
	ErrUnsupportedTx = errors.New("unsupported outbound payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Frame is the envelope of every message on the channel.
type Frame struct {
	Event core.EventType  `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type LocationPayload struct {
	ActorID    string   `json:"actorId" validate:"required,max=64"`
	SessionID  string   `json:"sessionId"`
	Latitude   *float64 `json:"latitude" validate:"required,latitude"`
	Longitude  *float64 `json:"longitude" validate:"required,longitude"`
	Accuracy   float64  `json:"accuracy" validate:"gte=0"`
	CapturedAt int64    `json:"capturedAt" validate:"gt=0"`
	DeviceID   string   `json:"deviceId,omitempty"`
}

type MessagePayload struct {
	ID                string `json:"id" validate:"required"`
	SessionID         string `json:"sessionId"`
	SenderType        string `json:"senderType"`
	SenderID          string `json:"senderId"`
	SenderDisplayName string `json:"senderDisplayName"`
	ContentType       string `json:"contentType"`
	Content           string `json:"content"`
	CreatedAt         int64  `json:"createdAt" validate:"gt=0"`
}

type JoinedPayload struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	DisplayName string `json:"displayName" validate:"max=64"`
	UserRole    string `json:"userRole" validate:"required"`
	Timestamp   int64  `json:"timestamp" validate:"gte=0"`
}

type LeftPayload struct {
	UserID    string `json:"userId" validate:"required,max=64"`
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
}

// LocationFrom builds the outbound payload of a local sample.
func LocationFrom(sid domain.SessionID, p domain.Position) LocationPayload {
	lat, lng := p.Latitude, p.Longitude
	return LocationPayload{
		ActorID:    string(p.ActorID),
		SessionID:  string(sid),
		Latitude:   &lat,
		Longitude:  &lng,
		Accuracy:   p.AccuracyMeters,
		CapturedAt: p.CapturedAt,
		DeviceID:   p.SourceDeviceID,
	}
}

func (l LocationPayload) Position() domain.Position {
	return domain.Position{
		ActorID:        domain.ActorID(l.ActorID),
		Latitude:       *l.Latitude,
		Longitude:      *l.Longitude,
		AccuracyMeters: l.Accuracy,
		CapturedAt:     l.CapturedAt,
		SourceDeviceID: l.DeviceID,
	}
}

// MessageFrom renders a domain message in wire shape.
func MessageFrom(sid domain.SessionID, m domain.Message) MessagePayload {
	role := ""
	if m.SenderRole != domain.RoleUnknown {
		role = m.SenderRole.String()
	}
	return MessagePayload{
		ID:                string(m.ID),
		SessionID:         string(sid),
		SenderType:        role,
		SenderID:          string(m.SenderID),
		SenderDisplayName: m.DisplayName,
		ContentType:       m.ContentType.String(),
		Content:           m.Body,
		CreatedAt:         m.CreatedAt,
	}
}

func (p MessagePayload) Message() (domain.Message, error) {
	ct, err := domain.ParseContentType(p.ContentType)
	if err != nil {
		return domain.Message{}, err
	}
	role, err := domain.ParseRole(p.SenderType)
	if err != nil && ct != domain.ContentSystem {
		return domain.Message{}, err
	}
	m := domain.Message{
		ID:          domain.MessageID(p.ID),
		SenderID:    domain.ActorID(p.SenderID),
		SenderRole:  role,
		DisplayName: p.SenderDisplayName,
		ContentType: ct,
		Body:        p.Content,
		CreatedAt:   p.CreatedAt,
	}
	return m, m.Validate()
}

func (p JoinedPayload) Participant() (domain.Participant, error) {
	role, err := domain.ParseRole(p.UserRole)
	if err != nil {
		return domain.Participant{}, err
	}
	return domain.Participant{
		ActorID:     domain.ActorID(p.UserID),
		DisplayName: p.DisplayName,
		Role:        role,
		JoinedAt:    p.Timestamp,
	}, nil
}

// EncodeFrame wraps payload into the channel envelope.
func EncodeFrame(t core.EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: t, Data: data})
}

// DecodeEvent parses and validates one inbound frame. Every returned error is
// a validation error: the frame must be dropped.
func DecodeEvent(sid domain.SessionID, raw []byte) (core.Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return core.Event{}, err
	}
	if len(f.Data) == 0 {
		return core.Event{Type: f.Event}, ErrEmptyPayload
	}

	switch f.Event {
	case core.EventLocationUpdate:
		var p LocationPayload
		if err := decodeValid(f.Data, &p); err != nil {
			return core.Event{Type: f.Event}, err
		}
		if p.SessionID != "" && domain.SessionID(p.SessionID) != sid {
			return core.Event{Type: f.Event}, ErrWrongSession
		}
		pos := p.Position()
		if err := pos.Validate(); err != nil {
			return core.Event{Type: f.Event}, err
		}
		return core.Event{Type: f.Event, Position: &pos, At: pos.CapturedAt}, nil

	case core.EventMessage:
		var p MessagePayload
		if err := decodeValid(f.Data, &p); err != nil {
			return core.Event{Type: f.Event}, err
		}
		if p.SessionID != "" && domain.SessionID(p.SessionID) != sid {
			return core.Event{Type: f.Event}, ErrWrongSession
		}
		m, err := p.Message()
		if err != nil {
			return core.Event{Type: f.Event}, err
		}
		return core.Event{Type: f.Event, Message: &m, At: m.CreatedAt}, nil

	case core.EventParticipantJoined:
		var p JoinedPayload
		if err := decodeValid(f.Data, &p); err != nil {
			return core.Event{Type: f.Event}, err
		}
		part, err := p.Participant()
		if err != nil {
			return core.Event{Type: f.Event}, err
		}
		return core.Event{Type: f.Event, Participant: &part, At: p.Timestamp}, nil

	case core.EventParticipantLeft:
		var p LeftPayload
		if err := decodeValid(f.Data, &p); err != nil {
			return core.Event{Type: f.Event}, err
		}
		return core.Event{Type: f.Event, ActorID: domain.ActorID(p.UserID), At: p.Timestamp}, nil

	default:
		return core.Event{Type: f.Event}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeValid(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}
