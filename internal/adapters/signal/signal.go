package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/internal/metrics"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("not connected")
	ErrRateLimited  = errors.New("rate limited")
)

// SendError describes an outbound frame that never left the process.
type SendError struct {
	Event core.EventType
	Err   error
}

func (e *SendError) Error() string { return fmt.Sprintf("send %s: %v", e.Event, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

type Options struct {
	URL         string
	ReadLimit   int64
	PingPeriod  time.Duration
	WriteWait   time.Duration
	DialTimeout time.Duration

	SendBuffer int
	SendRate   float64
	SendBurst  int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StableAfter is how long a socket must stay up before the reconnect
	// backoff starts over from BackoffInitial.
	StableAfter time.Duration

	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 25 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Connection is the websocket implementation of core.SessionConnection.
// One run (dial, serve, back off, repeat) exists per Open; a later Open or
// Close supersedes it and its events are never delivered.
//
// Handlers are invoked one at a time. Close must not be called from inside a
// handler.
type Connection struct {
	opts    Options
	limiter *sendLimiter

	mu     sync.Mutex
	state  domain.ConnectionState
	sid    domain.SessionID
	token  string
	gen    uint64
	cancel context.CancelFunc
	send   chan []byte
	closed bool

	hmu      sync.RWMutex
	handlers map[core.EventType][]core.Handler

	dispatchMu sync.Mutex
	detached   bool
}

var _ core.SessionConnection = (*Connection)(nil)

func NewConnection(opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		opts:     opts,
		limiter:  newSendLimiter(opts.SendRate, opts.SendBurst),
		state:    domain.ConnectionDisconnected,
		handlers: make(map[core.EventType][]core.Handler),
	}
}

func (c *Connection) On(t core.EventType, h core.Handler) {
	if h == nil {
		return
	}
	c.hmu.Lock()
	c.handlers[t] = append(c.handlers[t], h)
	c.hmu.Unlock()
}

func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Open(sid domain.SessionID, token string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil && c.sid == sid && c.token == token {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.sid, c.token = sid, token
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.send = nil
	c.state = domain.ConnectionConnecting
	c.mu.Unlock()

	log.Info().Str("module", "signal.conn").Str("session", string(sid)).Msg("open")
	go c.run(ctx, gen, sid, token)
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.send = nil
	c.state = domain.ConnectionClosed
	sid := c.sid
	c.mu.Unlock()

	// waits out a handler that is already running
	c.dispatchMu.Lock()
	c.detached = true
	c.dispatchMu.Unlock()

	log.Info().Str("module", "signal.conn").Str("session", string(sid)).Msg("closed")
}

// Send queues one frame. It never blocks and never fails synchronously.
func (c *Connection) Send(t core.EventType, payload any) {
	c.mu.Lock()
	gen, send, closed := c.gen, c.send, c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	fail := func(reason string, err error) {
		c.opts.Metrics.SendError(reason)
		ev := core.Event{
			Type: core.EventError,
			Err:  core.NewError(core.KindSend, string(t), &SendError{Event: t, Err: err}),
			At:   time.Now().UnixMilli(),
		}
		// the caller may be a handler or the coordinator queue itself
		go c.dispatch(gen, ev)
	}

	if send == nil {
		fail("not_connected", ErrNotConnected)
		return
	}
	if !c.limiter.Allow() {
		fail("rate_limited", ErrRateLimited)
		return
	}
	data, err := EncodeFrame(t, payload)
	if err != nil {
		fail("encode", err)
		return
	}
	select {
	case send <- data:
		c.opts.Metrics.FrameSent()
	default:
		fail("backpressure", ErrBackpressure)
	}
}

func (c *Connection) run(ctx context.Context, gen uint64, sid domain.SessionID, token string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.Multiplier = 2
	bo.Reset()

	l := log.With().Str("module", "signal.conn").Str("session", string(sid)).Logger()

	for {
		if !c.setState(gen, domain.ConnectionConnecting) {
			return
		}
		ws, err := c.dial(ctx, sid, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn().Err(err).Msg("dial failed")
			c.dispatch(gen, core.Event{
				Type: core.EventError,
				Err:  core.NewError(core.KindConnection, "dial", err),
				At:   time.Now().UnixMilli(),
			})
		} else {
			up := time.Now()
			err = c.serve(ctx, gen, sid, ws)
			if ctx.Err() != nil {
				return
			}
			if time.Since(up) >= c.opts.StableAfter {
				bo.Reset()
			}
			l.Warn().Err(err).Msg("connection lost")
			c.setState(gen, domain.ConnectionDisconnected)
			c.dispatch(gen, core.Event{
				Type: core.EventDisconnected,
				Err:  core.NewError(core.KindConnection, "read", err),
				At:   time.Now().UnixMilli(),
			})
		}

		if !c.setState(gen, domain.ConnectionDisconnected) {
			return
		}
		wait := bo.NextBackOff()
		l.Debug().Dur("wait", wait).Msg("reconnect scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.opts.Metrics.Reconnect()
	}
}

func (c *Connection) dial(ctx context.Context, sid domain.SessionID, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", string(sid))
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	ws, resp, err := c.opts.Dialer.DialContext(dctx, u.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return ws, nil
}

// serve drives one live socket until it fails or ctx ends.
func (c *Connection) serve(ctx context.Context, gen uint64, sid domain.SessionID, ws *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws.SetReadLimit(c.opts.ReadLimit)
	send := make(chan []byte, c.opts.SendBuffer)
	if !c.attach(gen, send) {
		_ = ws.Close()
		return context.Canceled
	}
	defer c.detach(gen)

	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()

	c.dispatch(gen, core.Event{Type: core.EventConnected, At: time.Now().UnixMilli()})

	wdone := make(chan struct{})
	go func() {
		defer close(wdone)
		defer cancel()
		c.writePump(connCtx, sid, ws, send)
	}()

	err := c.readPump(connCtx, gen, sid, ws)
	cancel()
	<-wdone
	return err
}

func (c *Connection) attach(gen uint64, send chan []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return false
	}
	c.send = send
	c.state = domain.ConnectionConnected
	return true
}

func (c *Connection) detach(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.send = nil
	}
}

func (c *Connection) setState(gen uint64, s domain.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return false
	}
	c.state = s
	return true
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.gen == gen
}

func (c *Connection) dispatch(gen uint64, ev core.Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.detached || !c.current(gen) {
		return
	}
	c.hmu.RLock()
	hs := append([]core.Handler(nil), c.handlers[ev.Type]...)
	c.hmu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}
