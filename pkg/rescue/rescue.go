// Package rescue is the embedding surface of the session core. A host builds
// one Session per incident it shows, feeds it device locations and renders
// the Update stream.
package rescue

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/Rescue/internal/adapters/backend"
	"github.com/dkeye/Rescue/internal/adapters/geolocation"
	"github.com/dkeye/Rescue/internal/adapters/signal"
	"github.com/dkeye/Rescue/internal/app"
	"github.com/dkeye/Rescue/internal/config"
	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/internal/metrics"
)

type (
	SessionID       = domain.SessionID
	ActorID         = domain.ActorID
	Actor           = domain.Actor
	Role            = domain.Role
	Position        = domain.Position
	Participant     = domain.Participant
	Message         = domain.Message
	GeoPoint        = domain.GeoPoint
	CoverageArea    = domain.CoverageArea
	SessionState    = domain.SessionState
	ConnectionState = domain.ConnectionState
	GateState       = core.GateState
	View            = app.View
	Update          = app.Update
	UpdateKind      = app.UpdateKind
	Marker          = app.Marker

	BroadcastPolicy  = app.BroadcastPolicy
	ThresholdPolicy  = app.ThresholdPolicy
	AlwaysBroadcast  = app.AlwaysBroadcast
	SubscriberPolicy = app.Policy
	DropUpdates      = app.SimplePolicy
	KickAfter        = app.KickAfter
)

const (
	RoleCitizen = domain.RoleCitizen
	RoleRescuer = domain.RoleRescuer
	RoleAdmin   = domain.RoleAdmin

	GateAwaitingAccept = core.GateAwaitingAccept
	GateJoined         = core.GateJoined
	GateDeclined       = core.GateDeclined
	GateLeft           = core.GateLeft
	GateError          = core.GateError

	ConnectionDisconnected = domain.ConnectionDisconnected
	ConnectionConnected    = domain.ConnectionConnected
)

var (
	ErrConnection         = core.ErrConnection
	ErrParticipationCheck = core.ErrParticipationCheck
	ErrJoin               = core.ErrJoin
	ErrLeave              = core.ErrLeave
	ErrSend               = core.ErrSend
	ErrValidation         = core.ErrValidation
	ErrClosed             = app.ErrClosed
	ErrNotJoined          = app.ErrNotJoined
	ErrOffline            = app.ErrOffline
)

type Options struct {
	SessionID SessionID
	Token     string
	Actor     Actor
	// DeviceID tags outgoing samples; a random one is used when empty.
	DeviceID string
	// Registerer receives the client counters. nil keeps them private.
	Registerer prometheus.Registerer
	// Broadcast overrides the configured thresholds for outgoing samples.
	Broadcast BroadcastPolicy
	// Subscribers decides what happens to observers that fall behind.
	// The default drops updates for that observer.
	Subscribers SubscriberPolicy
}

type Session struct {
	coord *app.Coordinator
	feed  *geolocation.Feed
	conn  *signal.Connection
	actor ActorID
}

// New wires a session from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts Options) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Token == "" {
		return nil, errors.New("auth token required")
	}
	cc := cfg.Client
	m := metrics.New(opts.Registerer)

	conn := signal.NewConnection(signal.Options{
		URL:            cc.SocketURL,
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		DialTimeout:    cc.DialTimeout,
		SendBuffer:     cc.SendBuffer,
		SendRate:       cc.SendRate,
		SendBurst:      cc.SendBurst,
		BackoffInitial: cc.ReconnectInitial,
		BackoffMax:     cc.ReconnectMax,
		Metrics:        m,
	})
	feed := geolocation.NewFeed(opts.DeviceID)

	broadcast := opts.Broadcast
	if broadcast == nil {
		broadcast = app.ThresholdPolicy{
			MinDistanceMeters: cc.MinDistanceMeters,
			MinInterval:       cc.MinInterval,
			MaxInterval:       cc.MaxInterval,
		}
	}

	coord, err := app.New(app.Options{
		SessionID:      opts.SessionID,
		Token:          opts.Token,
		Actor:          opts.Actor,
		CheckTimeout:   cc.CheckTimeout,
		RequestTimeout: cc.RequestTimeout,
		HistoryPage:    cc.HistoryPage,
		PositionTTL:    cc.PositionTTL,
		ExpirySweep:    cc.ExpirySweep,
		Broadcast:      broadcast,
		Subscribers:    opts.Subscribers,
	}, app.Deps{
		Backend:  backend.NewClient(cc.BackendURL, opts.Token, cc.RequestTimeout),
		Conn:     conn,
		Location: feed,
		Metrics:  m,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{coord: coord, feed: feed, conn: conn, actor: opts.Actor.ID}, nil
}

// Open fetches the session and checks participation. The returned state is
// AWAITING_ACCEPT when the host must prompt, JOINED when already active.
func (s *Session) Open(ctx context.Context) (GateState, error) { return s.coord.Open(ctx) }

func (s *Session) Join(ctx context.Context) error    { return s.coord.Join(ctx) }
func (s *Session) Decline(ctx context.Context) error { return s.coord.Decline(ctx) }
func (s *Session) Exit(ctx context.Context) error    { return s.coord.Exit(ctx) }

// SendMessage returns the backend-confirmed message. It is never retried.
func (s *Session) SendMessage(ctx context.Context, body string) (Message, error) {
	return s.coord.SendMessage(ctx, body)
}

// LoadOlderMessages returns how many older messages were added.
func (s *Session) LoadOlderMessages(ctx context.Context) (int, error) {
	return s.coord.LoadOlderMessages(ctx)
}

func (s *Session) Subscribe(buffer int) (<-chan Update, func()) { return s.coord.Subscribe(buffer) }

func (s *Session) View(ctx context.Context) (View, error) { return s.coord.View(ctx) }

// PushLocation hands one device sample to the session. Samples are only
// transmitted while joined; CapturedAt defaults to now.
func (s *Session) PushLocation(lat, lng, accuracyMeters float64, capturedAt time.Time) error {
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	return s.feed.Push(Position{
		ActorID:        s.actor,
		Latitude:       lat,
		Longitude:      lng,
		AccuracyMeters: accuracyMeters,
		CapturedAt:     capturedAt.UnixMilli(),
	})
}

func (s *Session) ConnectionState() ConnectionState { return s.conn.State() }

// Close stops the session and its connection. It is idempotent.
func (s *Session) Close() { s.coord.Close() }
