package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/internal/metrics"
)

var (
	ErrClosed    = errors.New("coordinator closed")
	ErrNotJoined = errors.New("not joined")
	ErrBusy      = errors.New("operation already in progress")
	ErrOffline   = errors.New("channel not connected")
)

// maxGapPages bounds how far a reconnect pages back to close a history gap.
const maxGapPages = 20

type Options struct {
	SessionID domain.SessionID
	Token     string
	Actor     domain.Actor

	CheckTimeout   time.Duration
	RequestTimeout time.Duration
	HistoryPage    int
	PositionTTL    time.Duration
	ExpirySweep    time.Duration
	QueueSize      int

	Broadcast   BroadcastPolicy
	Subscribers Policy
}

type Deps struct {
	Backend  core.Backend
	Conn     core.SessionConnection
	Location core.LocationSource
	Sensors  *SensorRegistry
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Coordinator binds one participation gate to one session connection.
// Every field below the queue is owned by the queue goroutine.
type Coordinator struct {
	opts   Options
	deps   Deps
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	q      *queue
	hub    *hub
	once   sync.Once

	gate         *core.ParticipationGate
	participants *core.ParticipantRegistry
	board        *core.LocationBoard
	messages     *core.MessageLog

	session     *domain.SessionState
	connState   domain.ConnectionState
	connOpen    bool
	epoch       uint64
	hasMore     bool
	historySeen bool
	opening     bool
	paging      bool
	lastErr     error
	lease       *SensorLease
	stopWatch   context.CancelFunc
	pending     *domain.Position
	lastSent    *domain.Position

	// Roster events seen while a participant or position snapshot of the
	// current epoch is in flight; replayed on top of the snapshot.
	rosterLog         []core.Event
	awaitParticipants bool
	awaitPositions    bool
}

// outboundLocation is the wire shape of a local sample.
type outboundLocation struct {
	domain.Position
	SessionID domain.SessionID `json:"sessionId"`
}

func New(opts Options, deps Deps) (*Coordinator, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id required")
	}
	if _, err := domain.NewActor(opts.Actor.ID, opts.Actor.DisplayName, opts.Actor.Role); err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}
	if deps.Backend == nil || deps.Conn == nil {
		return nil, errors.New("backend and connection required")
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.HistoryPage <= 0 {
		opts.HistoryPage = 50
	}
	if opts.ExpirySweep <= 0 {
		opts.ExpirySweep = 5 * time.Second
	}
	if opts.Broadcast == nil {
		opts.Broadcast = DefaultThresholdPolicy()
	}
	if deps.Sensors == nil {
		deps.Sensors = DefaultSensors
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:   opts,
		deps:   deps,
		log:    log.With().Str("module", "app.coordinator").Str("session", string(opts.SessionID)).Str("actor", string(opts.Actor.ID)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		q:      newQueue(opts.QueueSize),
		hub:    newHub(opts.Subscribers),

		gate:         core.NewParticipationGate(),
		participants: core.NewParticipantRegistry(),
		board:        core.NewLocationBoard(opts.PositionTTL),
		messages:     core.NewMessageLog(),
		connState:    domain.ConnectionDisconnected,
	}
	c.gate.OnTransition(c.onGate)

	for _, t := range []core.EventType{
		core.EventConnected, core.EventDisconnected, core.EventError,
		core.EventLocationUpdate, core.EventMessage,
		core.EventParticipantJoined, core.EventParticipantLeft,
	} {
		deps.Conn.On(t, func(ev core.Event) {
			c.q.post(func() { c.onConnEvent(ev) })
		})
	}

	if opts.PositionTTL > 0 {
		c.StartJanitor(ctx, opts.ExpirySweep)
	}
	return c, nil
}

// exec runs fn on the queue and waits for it to finish. Queue work never
// blocks on I/O, so the wait is not bounded by a caller context.
func (c *Coordinator) exec(fn func()) error {
	done := make(chan struct{})
	if !c.q.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.q.done:
		return ErrClosed
	}
}

// ioCtx bounds one backend call by timeout, the caller and the coordinator.
func (c *Coordinator) ioCtx(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Open resolves the session and runs the participation check. It returns the
// gate state the check settled in.
func (c *Coordinator) Open(ctx context.Context) (core.GateState, error) {
	var err error
	if e := c.exec(func() {
		st := c.gate.State()
		switch {
		case c.opening:
			err = ErrBusy
		case st != core.GateNotChecked && st != core.GateError:
			err = fmt.Errorf("%w: open from %s", core.ErrInvalidTransition, st)
		default:
			c.opening = true
		}
	}); e != nil {
		return core.GateNotChecked, e
	}
	if err != nil {
		return c.gateState(), err
	}
	defer c.q.post(func() { c.opening = false })

	rctx, cancel := c.ioCtx(ctx, c.opts.RequestTimeout)
	state, stErr := c.deps.Backend.SessionState(rctx, c.opts.SessionID)
	cancel()
	c.deps.Metrics.SnapshotFetch("session", stErr)
	if stErr != nil {
		c.log.Warn().Err(stErr).Msg("session state unavailable")
		_ = c.exec(func() {
			if c.gate.State() == core.GateNotChecked {
				_ = c.gate.Fail(stErr)
			} else {
				c.lastErr = stErr
				c.publish(UpdateError)
			}
		})
		return core.GateError, stErr
	}

	if e := c.exec(func() {
		c.session = &state
		c.lastErr = nil
		err = c.gate.BeginCheck()
		c.publish(UpdateSession)
	}); e != nil {
		return core.GateNotChecked, e
	}
	if err != nil {
		return c.gateState(), err
	}

	cctx, cancel := c.ioCtx(ctx, c.opts.CheckTimeout)
	active, checkErr := c.deps.Backend.ParticipationActive(cctx, c.opts.SessionID, c.opts.Actor.ID)
	cancel()
	if checkErr != nil {
		c.log.Warn().Err(checkErr).Msg("participation check failed, asking for accept")
	}

	var settled core.GateState
	if e := c.exec(func() {
		_ = c.gate.CheckResult(active, checkErr)
		settled = c.gate.State()
	}); e != nil {
		return core.GateChecking, e
	}
	return settled, nil
}

// Join accepts participation. Legal only from AWAITING_ACCEPT.
func (c *Coordinator) Join(ctx context.Context) error {
	var err error
	if e := c.exec(func() { err = c.gate.BeginAccept() }); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	rctx, cancel := c.ioCtx(ctx, c.opts.RequestTimeout)
	p, joinErr := c.deps.Backend.JoinParticipation(rctx, c.opts.SessionID, c.opts.Actor)
	cancel()

	if e := c.exec(func() {
		if joinErr == nil {
			c.participants.ApplyJoined(p)
		}
		_ = c.gate.AcceptResult(joinErr)
		err = c.gate.LastError()
	}); e != nil {
		return e
	}
	if joinErr != nil {
		c.log.Warn().Err(joinErr).Msg("join failed")
		return err
	}
	c.log.Info().Msg("joined")
	return nil
}

// Decline is terminal and never opens the channel.
func (c *Coordinator) Decline(ctx context.Context) error {
	var err error
	if e := c.exec(func() { err = c.gate.Decline() }); e != nil {
		return e
	}
	if err == nil {
		c.log.Info().Msg("declined")
	}
	return err
}

func (c *Coordinator) Exit(ctx context.Context) error {
	var err error
	if e := c.exec(func() { err = c.gate.BeginExit() }); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	rctx, cancel := c.ioCtx(ctx, c.opts.RequestTimeout)
	leaveErr := c.deps.Backend.LeaveParticipation(rctx, c.opts.SessionID, c.opts.Actor.ID)
	cancel()

	if e := c.exec(func() {
		_ = c.gate.ExitResult(leaveErr)
		err = c.gate.LastError()
	}); e != nil {
		return e
	}
	if leaveErr != nil {
		c.log.Warn().Err(leaveErr).Msg("exit failed")
		return err
	}
	c.log.Info().Msg("left")
	return nil
}

// SendMessage posts through the backend. The message enters the log only
// once the backend confirms it.
func (c *Coordinator) SendMessage(ctx context.Context, body string) (domain.Message, error) {
	draft := domain.MessageDraft{SenderID: c.opts.Actor.ID, ContentType: domain.ContentText, Body: body}
	if err := draft.Validate(); err != nil {
		return domain.Message{}, core.NewError(core.KindValidation, "send message", err)
	}

	var blocked error
	if e := c.exec(func() {
		switch {
		case !c.gate.CanTransmit():
			blocked = ErrNotJoined
		case !c.canSend():
			blocked = ErrOffline
		}
	}); e != nil {
		return domain.Message{}, e
	}
	if blocked != nil {
		return domain.Message{}, core.NewError(core.KindSend, "send message", blocked)
	}

	rctx, cancel := c.ioCtx(ctx, c.opts.RequestTimeout)
	m, err := c.deps.Backend.PostMessage(rctx, c.opts.SessionID, draft)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("message not sent")
		return domain.Message{}, err
	}

	c.q.post(func() {
		if c.messages.ApplyIncoming(m) {
			c.publish(UpdateMessages)
		}
	})
	return m, nil
}

// LoadOlderMessages pages history backwards from the oldest known message.
// It returns how many messages were new.
func (c *Coordinator) LoadOlderMessages(ctx context.Context) (int, error) {
	var (
		before domain.MessageID
		err    error
		skip   bool
	)
	if e := c.exec(func() {
		switch {
		case !c.gate.CanTransmit():
			err = ErrNotJoined
		case c.paging:
			err = ErrBusy
		case c.historySeen && !c.hasMore:
			skip = true
		default:
			c.paging = true
			if m, ok := c.messages.Oldest(); ok {
				before = m.ID
			}
		}
	}); e != nil {
		return 0, e
	}
	if err != nil || skip {
		return 0, err
	}
	defer c.q.post(func() { c.paging = false })

	rctx, cancel := c.ioCtx(ctx, c.opts.RequestTimeout)
	page, fetchErr := c.deps.Backend.Messages(rctx, c.opts.SessionID, before, c.opts.HistoryPage)
	cancel()
	c.deps.Metrics.SnapshotFetch("history", fetchErr)
	if fetchErr != nil {
		return 0, fetchErr
	}

	var added int
	if e := c.exec(func() {
		added = c.messages.LoadHistory(page.Messages)
		c.hasMore = page.HasMore
		c.historySeen = true
		if added > 0 {
			c.publish(UpdateMessages)
		}
	}); e != nil {
		return 0, e
	}
	return added, nil
}

// Subscribe returns a stream of updates and a cancel func. A subscriber
// that falls behind loses updates rather than stalling the session.
func (c *Coordinator) Subscribe(buffer int) (<-chan Update, func()) {
	sub := c.hub.subscribe(buffer)
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { c.hub.unsubscribe(sub.id) })
	}
}

func (c *Coordinator) View(ctx context.Context) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	var v View
	err := c.exec(func() { v = c.buildView() })
	return v, err
}

func (c *Coordinator) gateState() core.GateState {
	var s core.GateState
	_ = c.exec(func() { s = c.gate.State() })
	return s
}

// Close cancels in-flight requests, stops the location watch, closes the
// connection and ends every subscription. Idempotent.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.cancel()
		done := make(chan struct{})
		if c.q.post(func() {
			c.releaseSensor()
			c.connOpen = false
			c.connState = domain.ConnectionClosed
			close(done)
		}) {
			select {
			case <-done:
			case <-time.After(time.Second):
				c.log.Warn().Msg("queue did not drain on close")
			}
		}
		c.q.stop()
		c.deps.Conn.Close()
		c.hub.close()
		c.log.Info().Msg("coordinator closed")
	})
}

// onGate runs on the queue for every gate transition.
func (c *Coordinator) onGate(from, to core.GateState) {
	c.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("gate transition")
	switch to {
	case core.GateJoined:
		c.enterJoined()
	case core.GateLeft, core.GateDeclined:
		c.teardown()
	}
	c.publish(UpdateGate)
}

func (c *Coordinator) enterJoined() {
	if !c.connOpen {
		c.connOpen = true
		c.connState = domain.ConnectionConnecting
		c.deps.Conn.Open(c.opts.SessionID, c.opts.Token)
	}
	if c.lease != nil || c.deps.Location == nil {
		return
	}
	lease, err := c.deps.Sensors.Acquire(c.opts.SessionID)
	if err != nil {
		holder, _ := c.deps.Sensors.Holder()
		c.log.Warn().Err(err).Str("holder", string(holder)).Msg("location sharing unavailable")
		c.lastErr = err
		return
	}
	wctx, cancel := context.WithCancel(c.ctx)
	if err := c.deps.Location.Watch(wctx, c.onSample); err != nil {
		cancel()
		lease.Release()
		c.log.Warn().Err(err).Msg("location watch failed")
		c.lastErr = err
		return
	}
	c.lease = lease
	c.stopWatch = cancel
}

func (c *Coordinator) teardown() {
	c.releaseSensor()
	c.pending = nil
	if c.connOpen {
		c.connOpen = false
		// Close waits for running handlers, which may be blocked on this queue.
		go c.deps.Conn.Close()
	}
	c.connState = domain.ConnectionClosed
}

func (c *Coordinator) releaseSensor() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
}

// live reports whether channel traffic is still meaningful.
func (c *Coordinator) live() bool {
	s := c.gate.State()
	return s == core.GateJoined || s == core.GateLeaving
}

func (c *Coordinator) onConnEvent(ev core.Event) {
	if !c.live() || !c.connOpen {
		return
	}
	switch ev.Type {
	case core.EventConnected:
		c.connState = domain.ConnectionConnected
		c.refetch()
		c.flushLocal(true)
		c.publish(UpdateConnection)

	case core.EventDisconnected:
		c.connState = domain.ConnectionDisconnected
		c.publish(UpdateConnection)

	case core.EventError:
		c.lastErr = ev.Err
		c.connState = c.deps.Conn.State()
		c.publish(UpdateError)

	case core.EventLocationUpdate:
		if ev.Position == nil {
			return
		}
		if !c.board.ApplyUpdate(*ev.Position) {
			c.deps.Metrics.StaleUpdate()
			return
		}
		c.publish(UpdateLocations)

	case core.EventMessage:
		if ev.Message == nil {
			return
		}
		if !c.messages.ApplyIncoming(*ev.Message) {
			c.deps.Metrics.DuplicateMessage()
			return
		}
		c.publish(UpdateMessages)

	case core.EventParticipantJoined:
		if ev.Participant == nil {
			return
		}
		c.recordRoster(ev)
		c.participants.ApplyJoined(*ev.Participant)
		c.publish(UpdateParticipants)

	case core.EventParticipantLeft:
		c.recordRoster(ev)
		if !c.participants.ApplyLeft(ev.ActorID) {
			return
		}
		c.board.RemoveActor(ev.ActorID)
		c.publish(UpdateParticipants)
	}
}

// refetch reloads every snapshot after a (re)connect. Results of an older
// connect are discarded.
func (c *Coordinator) refetch() {
	c.epoch++
	epoch := c.epoch
	sid := c.opts.SessionID
	c.rosterLog = nil
	c.awaitParticipants, c.awaitPositions = true, true

	c.fetchAsync("participants", epoch, func(ctx context.Context) (func(), error) {
		list, err := c.deps.Backend.Participants(ctx, sid)
		return func() {
			c.participants.ApplySnapshot(list)
			for _, ev := range c.rosterLog {
				if ev.Type == core.EventParticipantJoined {
					c.participants.ApplyJoined(*ev.Participant)
				} else {
					c.participants.ApplyLeft(ev.ActorID)
				}
			}
			c.publish(UpdateParticipants)
		}, err
	}, func() {
		c.awaitParticipants = false
		c.trimRoster()
	})

	c.fetchAsync("positions", epoch, func(ctx context.Context) (func(), error) {
		list, err := c.deps.Backend.Positions(ctx, sid)
		return func() {
			byActor := make(map[domain.ActorID]domain.Position, len(list))
			for _, p := range list {
				if cur, ok := byActor[p.ActorID]; !ok || p.CapturedAt > cur.CapturedAt {
					byActor[p.ActorID] = p
				}
			}
			changed := c.board.ApplySnapshot(byActor) > 0
			for id := range c.leftDuringFetch() {
				changed = c.board.RemoveActor(id) || changed
			}
			if changed {
				c.publish(UpdateLocations)
			}
		}, err
	}, func() {
		c.awaitPositions = false
		c.trimRoster()
	})

	c.fetchMessages(epoch, "", c.historySeen, 0)
}

// fetchMessages loads the newest page ending before `before`. On a resync it
// keeps paging backwards until a page overlaps the log, so messages posted
// while disconnected are never skipped.
func (c *Coordinator) fetchMessages(epoch uint64, before domain.MessageID, resync bool, depth int) {
	sid := c.opts.SessionID
	c.fetchAsync("messages", epoch, func(ctx context.Context) (func(), error) {
		page, err := c.deps.Backend.Messages(ctx, sid, before, c.opts.HistoryPage)
		return func() {
			overlaps := false
			for _, m := range page.Messages {
				if c.messages.Has(m.ID) {
					overlaps = true
					break
				}
			}
			added := c.messages.LoadHistory(page.Messages)
			if !c.historySeen {
				c.hasMore = page.HasMore
				c.historySeen = true
			}
			if added > 0 {
				c.publish(UpdateMessages)
			}
			if !resync || overlaps || len(page.Messages) == 0 {
				return
			}
			if !page.HasMore {
				c.hasMore = false
				return
			}
			if depth+1 >= maxGapPages {
				c.log.Warn().Int("pages", depth+1).Msg("history gap left open")
				return
			}
			c.fetchMessages(epoch, page.Messages[0].ID, resync, depth+1)
		}, err
	}, nil)
}

func (c *Coordinator) recordRoster(ev core.Event) {
	if c.awaitParticipants || c.awaitPositions {
		c.rosterLog = append(c.rosterLog, ev)
	}
}

func (c *Coordinator) trimRoster() {
	if !c.awaitParticipants && !c.awaitPositions {
		c.rosterLog = nil
	}
}

// leftDuringFetch returns actors whose latest roster event is a leave.
func (c *Coordinator) leftDuringFetch() map[domain.ActorID]struct{} {
	last := make(map[domain.ActorID]core.EventType)
	for _, ev := range c.rosterLog {
		if ev.Type == core.EventParticipantJoined {
			last[ev.Participant.ActorID] = ev.Type
		} else {
			last[ev.ActorID] = ev.Type
		}
	}
	out := make(map[domain.ActorID]struct{})
	for id, t := range last {
		if t == core.EventParticipantLeft {
			out[id] = struct{}{}
		}
	}
	return out
}

// fetchAsync runs load off the queue and applies its result on the queue if
// the epoch is still current. settle, when set, runs on either outcome.
func (c *Coordinator) fetchAsync(kind string, epoch uint64, load func(ctx context.Context) (func(), error), settle func()) {
	go func() {
		ctx, cancel := c.ioCtx(c.ctx, c.opts.RequestTimeout)
		apply, err := load(ctx)
		cancel()
		c.deps.Metrics.SnapshotFetch(kind, err)
		c.q.post(func() {
			if epoch != c.epoch || !c.live() {
				return
			}
			if settle != nil {
				defer settle()
			}
			if err != nil {
				c.log.Warn().Err(err).Str("snapshot", kind).Msg("snapshot fetch failed")
				c.lastErr = err
				c.publish(UpdateError)
				return
			}
			apply()
		})
	}()
}

// onSample is the location watch callback; it may run on any goroutine.
func (c *Coordinator) onSample(p domain.Position) {
	c.q.post(func() { c.applyLocalSample(p) })
}

func (c *Coordinator) applyLocalSample(p domain.Position) {
	if !c.live() {
		return
	}
	p.ActorID = c.opts.Actor.ID
	if err := p.Validate(); err != nil {
		c.log.Debug().Err(err).Msg("local sample dropped")
		return
	}
	if !c.board.SetLocal(p) {
		c.deps.Metrics.StaleUpdate()
		return
	}
	if c.gate.CanTransmit() {
		c.pending = &p
		c.flushLocal(false)
	}
	c.publish(UpdateLocations)
}

// flushLocal transmits the pending sample when connected. force skips the
// broadcast policy so a reconnect always republishes the latest fix.
func (c *Coordinator) flushLocal(force bool) {
	if c.pending == nil || !c.canSend() {
		return
	}
	p := *c.pending
	if c.lastSent != nil && p.CapturedAt <= c.lastSent.CapturedAt {
		c.pending = nil
		return
	}
	if !force && !c.opts.Broadcast.ShouldBroadcast(c.lastSent, p) {
		return
	}
	c.deps.Conn.Send(core.EventLocationUpdate, outboundLocation{Position: p, SessionID: c.opts.SessionID})
	c.lastSent = &p
	c.pending = nil
}

func (c *Coordinator) publish(kind UpdateKind) {
	if c.hub.count() == 0 {
		return
	}
	c.hub.broadcast(Update{Kind: kind, View: c.buildView()})
}
