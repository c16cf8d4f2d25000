package rescue_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rescue/internal/config"
	"github.com/dkeye/Rescue/internal/devbackend"
	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/pkg/rescue"
)

const waitFor = 3 * time.Second

type env struct {
	t   *testing.T
	srv *devbackend.Server
	cfg *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	srv := devbackend.New(ctx, devbackend.Options{PingPeriod: time.Second})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.DropAll()
		ts.Close()
		cancel()
	})
	_, err := srv.Store().CreateSession(rescueSession())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Client.BackendURL = ts.URL + "/api"
	cfg.Client.SocketURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	cfg.Client.ReconnectInitial = 20 * time.Millisecond
	cfg.Client.ReconnectMax = 200 * time.Millisecond
	cfg.Client.MinInterval = 0
	cfg.Client.MinDistanceMeters = 0
	return &env{t: t, srv: srv, cfg: cfg}
}

func rescueSession() rescue.SessionState {
	return rescue.SessionState{ID: "s1", Origin: rescue.GeoPoint{Lat: 14.5995, Lng: 120.9842}}
}

func (e *env) session(id string, role rescue.Role) *rescue.Session {
	e.t.Helper()
	return e.sessionWith(id, role, nil)
}

func (e *env) sessionWith(id string, role rescue.Role, tweak func(*rescue.Options)) *rescue.Session {
	e.t.Helper()
	actor := rescue.Actor{ID: rescue.ActorID(id), DisplayName: strings.ToUpper(id), Role: role}
	opts := rescue.Options{SessionID: "s1", Token: e.srv.IssueToken(actor), Actor: actor}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := rescue.New(e.cfg, opts)
	require.NoError(e.t, err)
	e.t.Cleanup(s.Close)
	return s
}

func (e *env) joined(s *rescue.Session) {
	e.t.Helper()
	ctx := context.Background()
	st, err := s.Open(ctx)
	require.NoError(e.t, err)
	require.Equal(e.t, rescue.GateAwaitingAccept, st)
	require.NoError(e.t, s.Join(ctx))
	e.eventually(s, func(v rescue.View) bool { return v.CanSend })
}

func (e *env) eventually(s *rescue.Session, cond func(rescue.View) bool) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		v, err := s.View(context.Background())
		return err == nil && cond(v)
	}, waitFor, 10*time.Millisecond)
}

func hasParticipant(v rescue.View, id rescue.ActorID) bool {
	for _, p := range v.Participants {
		if p.ActorID == id {
			return true
		}
	}
	return false
}

func marker(v rescue.View, id rescue.ActorID) (rescue.Marker, bool) {
	for _, m := range v.Markers {
		if m.ActorID == id {
			return m, true
		}
	}
	return rescue.Marker{}, false
}

func countMessages(v rescue.View, body string) int {
	n := 0
	for _, m := range v.Messages {
		if m.Body == body {
			n++
		}
	}
	return n
}

func TestTwoActorsShareLocationsAndMessages(t *testing.T) {
	e := newEnv(t)
	alice := e.session("alice", rescue.RoleRescuer)
	bob := e.session("bob", rescue.RoleCitizen)

	e.joined(alice)
	e.joined(bob)
	e.eventually(alice, func(v rescue.View) bool { return hasParticipant(v, "bob") })

	require.NoError(t, alice.PushLocation(14.6760, 121.0437, 5, time.Now()))
	e.eventually(bob, func(v rescue.View) bool {
		m, ok := marker(v, "alice")
		return ok && m.Role == rescue.RoleRescuer && m.DistanceKm > 0
	})

	sent, err := bob.SendMessage(context.Background(), "need water")
	require.NoError(t, err)
	assert.Equal(t, rescue.ActorID("bob"), sent.SenderID)
	e.eventually(alice, func(v rescue.View) bool { return countMessages(v, "need water") == 1 })

	_, err = bob.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, rescue.ErrValidation)
}

func TestReconnectDoesNotDuplicateHistory(t *testing.T) {
	e := newEnv(t)
	alice := e.session("alice", rescue.RoleRescuer)
	e.joined(alice)

	_, err := alice.SendMessage(context.Background(), "on my way")
	require.NoError(t, err)
	e.eventually(alice, func(v rescue.View) bool { return countMessages(v, "on my way") == 1 })

	require.Positive(t, e.srv.DropAll())
	// not broadcast; only the reconnect refetch can deliver it
	_, err = e.srv.Store().PostMessage("s1", domain.MessageDraft{SenderID: "alice", ContentType: domain.ContentText, Body: "while away"})
	require.NoError(t, err)
	e.eventually(alice, func(v rescue.View) bool { return v.CanSend && countMessages(v, "while away") == 1 })

	v, err := alice.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, countMessages(v, "on my way"))
	assert.True(t, hasParticipant(v, "alice"))
}

func TestExitRemovesParticipantForOthers(t *testing.T) {
	e := newEnv(t)
	alice := e.session("alice", rescue.RoleRescuer)
	bob := e.session("bob", rescue.RoleRescuer)
	e.joined(alice)
	e.joined(bob)
	e.eventually(alice, func(v rescue.View) bool { return hasParticipant(v, "bob") })

	require.NoError(t, bob.Exit(context.Background()))
	e.eventually(alice, func(v rescue.View) bool { return !hasParticipant(v, "bob") })

	v, err := bob.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rescue.GateLeft, v.Gate)
	assert.False(t, v.CanSend)
}

func TestDeclineNeverConnects(t *testing.T) {
	e := newEnv(t)
	carol := e.session("carol", rescue.RoleCitizen)

	st, err := carol.Open(context.Background())
	require.NoError(t, err)
	require.Equal(t, rescue.GateAwaitingAccept, st)
	require.NoError(t, carol.Decline(context.Background()))

	v, err := carol.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rescue.GateDeclined, v.Gate)
	assert.Never(t, func() bool { return carol.ConnectionState() == rescue.ConnectionConnected }, 200*time.Millisecond, 20*time.Millisecond)

	_, err = carol.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, rescue.ErrNotJoined)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := rescue.New(nil, rescue.Options{SessionID: "s1", Actor: rescue.Actor{ID: "a", Role: rescue.RoleRescuer}})
	assert.Error(t, err)
}

func TestOptionsOverrideBroadcastAndSubscriberPolicies(t *testing.T) {
	e := newEnv(t)
	e.cfg.Client.MinInterval = time.Hour
	e.cfg.Client.MinDistanceMeters = 1e6
	e.cfg.Client.MaxInterval = 0

	alice := e.sessionWith("alice", rescue.RoleRescuer, func(o *rescue.Options) {
		o.Broadcast = rescue.AlwaysBroadcast{}
		o.Subscribers = rescue.KickAfter{Limit: 1}
	})
	bob := e.session("bob", rescue.RoleCitizen)
	updates, cancel := alice.Subscribe(1)
	defer cancel()

	e.joined(alice)
	e.joined(bob)

	start := time.Now()
	require.NoError(t, alice.PushLocation(14.6760, 121.0437, 5, start))
	require.NoError(t, alice.PushLocation(14.6761, 121.0437, 5, start.Add(time.Second)))
	e.eventually(bob, func(v rescue.View) bool {
		m, ok := marker(v, "alice")
		return ok && m.Position.Latitude == 14.6761
	})

	// never read while joining, so the observer was dropped
	closed := make(chan struct{})
	go func() {
		for range updates {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("lagging observer was not removed")
	}
}
