// Package domain holds the session value types and the parsing and
// validation rules every adapter applies before a value reaches a registry.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxActorIDLen     = 64
	MaxDisplayNameLen = 64
)

var (
	ErrActorIDEmpty        = errors.New("actor id empty")
	ErrActorIDTooLong      = errors.New("actor id too long")
	ErrDisplayNameTooLong  = errors.New("display name too long")
	ErrUnknownRole         = errors.New("unknown role")
	ErrUnknownContentType  = errors.New("unknown content type")
	ErrInvalidCoordinates  = errors.New("coordinates out of range")
	ErrNegativeAccuracy    = errors.New("negative accuracy")
	ErrMissingCaptureTime  = errors.New("missing capture time")
	ErrMessageIDEmpty      = errors.New("message id empty")
	ErrMissingCreationTime = errors.New("missing creation time")
)

type ActorID string

// Role is the closed set of actor kinds in a session.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleCitizen
	RoleRescuer
	RoleAdmin
)

// DefaultRole is used to render positions of actors that have not been seen
// in a participant snapshot or join event yet.
const DefaultRole = RoleRescuer

func (r Role) String() string {
	switch r {
	case RoleCitizen:
		return "citizen"
	case RoleRescuer:
		return "rescuer"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "citizen", "user":
		return RoleCitizen, nil
	case "rescuer":
		return RoleRescuer, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if r == RoleUnknown {
		return nil, ErrUnknownRole
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type Actor struct {
	ID          ActorID `json:"id"`
	DisplayName string  `json:"displayName"`
	Role        Role    `json:"role"`
}

// NewActor is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewActor(id ActorID, displayName string, role Role) (*Actor, error) {
	if len(id) == 0 {
		return nil, ErrActorIDEmpty
	}
	if len(id) > MaxActorIDLen {
		return nil, ErrActorIDTooLong
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if role == RoleUnknown {
		return nil, ErrUnknownRole
	}
	return &Actor{ID: id, DisplayName: displayName, Role: role}, nil
}

// NewDeviceID returns an identifier for the local sampling device.
func NewDeviceID() string {
	return uuid.NewString()
}
