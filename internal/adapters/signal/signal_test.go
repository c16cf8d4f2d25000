package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

type peer struct {
	ws  *websocket.Conn
	req *http.Request
}

type testServer struct {
	*httptest.Server
	peers chan peer

	mu  sync.Mutex
	all []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{peers: make(chan peer, 8)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.all = append(ts.all, ws)
		ts.mu.Unlock()
		ts.peers <- peer{ws: ws, req: r}
	}))
	t.Cleanup(func() {
		ts.mu.Lock()
		for _, ws := range ts.all {
			_ = ws.Close()
		}
		ts.mu.Unlock()
		ts.Close()
	})
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func (ts *testServer) accept(t *testing.T) peer {
	t.Helper()
	select {
	case p := <-ts.peers:
		// drain so the default ping handler keeps answering
		go func() {
			for {
				if _, _, err := p.ws.NextReader(); err != nil {
					return
				}
			}
		}()
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
		return peer{}
	}
}

func newConn(ts *testServer, tweak func(*Options)) *Connection {
	opts := Options{
		URL:            ts.wsURL(),
		PingPeriod:     time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return NewConnection(opts)
}

func collect(c *Connection, types ...core.EventType) chan core.Event {
	ch := make(chan core.Event, 64)
	for _, t := range types {
		c.On(t, func(ev core.Event) {
			select {
			case ch <- ev:
			default:
			}
		})
	}
	return ch
}

func waitFor(t *testing.T, ch <-chan core.Event, typ core.EventType) core.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return core.Event{}
		}
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"event": event, "data": data}))
}

func TestOpenDialsWithSessionAndToken(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	defer c.Close()
	events := collect(c, core.EventConnected)

	c.Open("s1", "tok-1")
	p := ts.accept(t)
	waitFor(t, events, core.EventConnected)

	assert.Equal(t, "s1", p.req.URL.Query().Get("sessionId"))
	assert.Equal(t, "tok-1", p.req.URL.Query().Get("token"))
	assert.Equal(t, "Bearer tok-1", p.req.Header.Get("Authorization"))
	assert.Equal(t, domain.ConnectionConnected, c.State())
}

func TestInvalidFramesAreDropped(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	defer c.Close()
	events := collect(c, core.EventConnected, core.EventLocationUpdate, core.EventMessage)

	c.Open("s1", "tok")
	p := ts.accept(t)
	waitFor(t, events, core.EventConnected)

	writeFrame(t, p.ws, "location:broadcast", map[string]any{
		"actorId": "r1", "sessionId": "s1", "latitude": 95.0, "longitude": 121.0, "accuracy": 5, "capturedAt": 1000,
	})
	writeFrame(t, p.ws, "location:broadcast", map[string]any{
		"actorId": "r1", "sessionId": "other", "latitude": 14.5, "longitude": 121.0, "accuracy": 5, "capturedAt": 1000,
	})
	writeFrame(t, p.ws, "mystery", map[string]any{"x": 1})
	require.NoError(t, p.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	writeFrame(t, p.ws, "location:broadcast", map[string]any{
		"actorId": "r1", "sessionId": "s1", "latitude": 14.5995, "longitude": 120.9842, "accuracy": 5, "capturedAt": 2000,
	})

	ev := waitFor(t, events, core.EventLocationUpdate)
	require.NotNil(t, ev.Position)
	assert.Equal(t, domain.ActorID("r1"), ev.Position.ActorID)
	assert.InDelta(t, 14.5995, ev.Position.Latitude, 1e-9)
	assert.Equal(t, int64(2000), ev.Position.CapturedAt)

	select {
	case extra := <-events:
		t.Fatalf("unexpected event %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendReachesPeer(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	defer c.Close()
	events := collect(c, core.EventConnected)

	c.Open("s1", "tok")
	var p peer
	select {
	case p = <-ts.peers:
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
	}
	waitFor(t, events, core.EventConnected)

	pos := domain.Position{ActorID: "me", Latitude: 14.6, Longitude: 121.0, AccuracyMeters: 3, CapturedAt: 42}
	c.Send(core.EventLocationUpdate, LocationFrom("s1", pos))

	require.NoError(t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := p.ws.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, core.EventLocationUpdate, f.Event)
	var got LocationPayload
	require.NoError(t, json.Unmarshal(f.Data, &got))
	assert.Equal(t, "me", got.ActorID)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, int64(42), got.CapturedAt)
}

func TestSendWhileDisconnectedEmitsError(t *testing.T) {
	c := NewConnection(Options{URL: "ws://127.0.0.1:1/ws"})
	defer c.Close()
	events := collect(c, core.EventError)

	c.Send(core.EventLocationUpdate, map[string]any{"a": 1})

	ev := waitFor(t, events, core.EventError)
	assert.ErrorIs(t, ev.Err, core.ErrSend)
	assert.ErrorIs(t, ev.Err, ErrNotConnected)
	var se *SendError
	require.True(t, errors.As(ev.Err, &se))
	assert.Equal(t, core.EventLocationUpdate, se.Event)
}

func TestSendRateLimited(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, func(o *Options) {
		o.SendRate = 0.001
		o.SendBurst = 1
	})
	defer c.Close()
	events := collect(c, core.EventConnected, core.EventError)

	c.Open("s1", "tok")
	ts.accept(t)
	waitFor(t, events, core.EventConnected)

	c.Send(core.EventMessage, map[string]string{"content": "one"})
	c.Send(core.EventMessage, map[string]string{"content": "two"})

	ev := waitFor(t, events, core.EventError)
	assert.ErrorIs(t, ev.Err, ErrRateLimited)
}

func TestReconnectAfterPeerDrop(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	defer c.Close()
	events := collect(c, core.EventConnected, core.EventDisconnected)

	c.Open("s1", "tok")
	first := ts.accept(t)
	waitFor(t, events, core.EventConnected)

	_ = first.ws.Close()
	dis := waitFor(t, events, core.EventDisconnected)
	assert.ErrorIs(t, dis.Err, core.ErrConnection)

	ts.accept(t)
	waitFor(t, events, core.EventConnected)
	assert.Equal(t, domain.ConnectionConnected, c.State())
}

func TestDialFailureEmitsConnectionError(t *testing.T) {
	ts := newTestServer(t)
	url := ts.wsURL()
	ts.Close()

	c := NewConnection(Options{URL: url, BackoffInitial: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond})
	defer c.Close()
	events := collect(c, core.EventError)

	c.Open("s1", "tok")
	ev := waitFor(t, events, core.EventError)
	assert.ErrorIs(t, ev.Err, core.ErrConnection)
}

func TestOpenWithSameParamsIsNoop(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	defer c.Close()

	c.Open("s1", "tok")
	ts.accept(t)
	c.Open("s1", "tok")

	select {
	case <-ts.peers:
		t.Fatal("second dial for unchanged parameters")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestOpenWithNewTokenRedials(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	defer c.Close()

	c.Open("s1", "tok-a")
	ts.accept(t)
	c.Open("s1", "tok-b")
	p := ts.accept(t)
	assert.Equal(t, "tok-b", p.req.URL.Query().Get("token"))
}

func TestCloseDetachesHandlers(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, nil)
	events := collect(c, core.EventConnected, core.EventLocationUpdate, core.EventDisconnected, core.EventError)

	c.Open("s1", "tok")
	p := ts.accept(t)
	waitFor(t, events, core.EventConnected)

	c.Close()
	c.Close()
	assert.Equal(t, domain.ConnectionClosed, c.State())

	_ = p.ws.WriteJSON(map[string]any{"event": "location:broadcast", "data": map[string]any{
		"actorId": "r1", "latitude": 14.5, "longitude": 121.0, "accuracy": 1, "capturedAt": 5,
	}})
	c.Send(core.EventMessage, map[string]string{"content": "late"})

	select {
	case ev := <-events:
		t.Fatalf("handler ran after Close: %s", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}

	c.Open("s1", "tok")
	assert.Equal(t, domain.ConnectionClosed, c.State())
}

func TestBackoffGrowsWhenSocketDropsRightAway(t *testing.T) {
	var (
		mu    sync.Mutex
		dials []time.Time
	)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		_ = ws.Close()
	}))
	defer srv.Close()

	c := NewConnection(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		PingPeriod:     time.Second,
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     time.Second,
	})
	defer c.Close()
	c.Open("s1", "tok")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dials) >= 5
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// the fourth wait is 160ms nominal, at least 80ms after jitter
	assert.GreaterOrEqual(t, dials[4].Sub(dials[3]), 60*time.Millisecond)
}

func TestClientPingsAtConfiguredPeriod(t *testing.T) {
	ts := newTestServer(t)
	c := newConn(ts, func(o *Options) { o.PingPeriod = 40 * time.Millisecond })
	defer c.Close()

	c.Open("s1", "tok")
	var p peer
	select {
	case p = <-ts.peers:
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
	}
	pings := make(chan struct{}, 16)
	p.ws.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return p.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := p.ws.NextReader(); err != nil {
				return
			}
		}
	}()

	deadline := time.After(time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-deadline:
			t.Fatalf("saw %d pings, want 3", i)
		}
	}
}
