package domain

type SessionID string

// SessionState is the backend's view of the incident itself.
type SessionState struct {
	ID       SessionID     `json:"sessionId"`
	Origin   GeoPoint      `json:"origin"`
	Status   string        `json:"status"`
	Coverage *CoverageArea `json:"coverage,omitempty"`
}

type ConnectionState uint8

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}
