package app

import (
	"context"
	"sync"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

type sent struct {
	Type    core.EventType
	Payload any
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[core.EventType][]core.Handler
	opens    []domain.SessionID
	sends    []sent
	state    domain.ConnectionState
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[core.EventType][]core.Handler)}
}

func (f *fakeConn) Open(sid domain.SessionID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, sid)
	f.state = domain.ConnectionConnecting
}

func (f *fakeConn) On(t core.EventType, h core.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = append(f.handlers[t], h)
}

func (f *fakeConn) Send(t core.EventType, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{Type: t, Payload: payload})
}

func (f *fakeConn) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = domain.ConnectionClosed
}

func (f *fakeConn) emit(ev core.Event) {
	f.mu.Lock()
	if ev.Type == core.EventConnected {
		f.state = domain.ConnectionConnected
	}
	if ev.Type == core.EventDisconnected {
		f.state = domain.ConnectionDisconnected
	}
	hs := append([]core.Handler(nil), f.handlers[ev.Type]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeConn) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentLocations() []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Position
	for _, s := range f.sends {
		if loc, ok := s.Payload.(outboundLocation); ok && s.Type == core.EventLocationUpdate {
			out = append(out, loc.Position)
		}
	}
	return out
}

type fakeBackend struct {
	mu sync.Mutex

	state    domain.SessionState
	stateErr error
	active   bool
	checkErr error
	joinErr  error
	leaveErr error
	postErr  error

	participants []domain.Participant
	positions    []domain.Position
	messages     []domain.Message

	joins, leaves, participantFetches, messageFetches int
	checkBlock                                        chan struct{}
	participantsBlock                                 chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{state: domain.SessionState{
		ID:     "s1",
		Origin: domain.GeoPoint{Lat: 14.5995, Lng: 120.9842},
		Status: "ACTIVE",
	}}
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) SessionState(ctx context.Context, sid domain.SessionID) (domain.SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateErr != nil {
		return domain.SessionState{}, core.NewError(core.KindConnection, "session state", b.stateErr)
	}
	return b.state, nil
}

func (b *fakeBackend) ParticipationActive(ctx context.Context, sid domain.SessionID, actor domain.ActorID) (bool, error) {
	b.mu.Lock()
	block := b.checkBlock
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, core.NewError(core.KindParticipationCheck, "participation check", ctx.Err())
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.checkErr != nil {
		return false, core.NewError(core.KindParticipationCheck, "participation check", b.checkErr)
	}
	return b.active, nil
}

func (b *fakeBackend) JoinParticipation(ctx context.Context, sid domain.SessionID, actor domain.Actor) (domain.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	if b.joinErr != nil {
		return domain.Participant{}, core.NewError(core.KindJoin, "join", b.joinErr)
	}
	p := domain.NewParticipant(actor, 500)
	b.participants = append(b.participants, p)
	b.active = true
	return p, nil
}

func (b *fakeBackend) LeaveParticipation(ctx context.Context, sid domain.SessionID, actor domain.ActorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves++
	if b.leaveErr != nil {
		return core.NewError(core.KindLeave, "leave", b.leaveErr)
	}
	return nil
}

func (b *fakeBackend) Participants(ctx context.Context, sid domain.SessionID) ([]domain.Participant, error) {
	b.mu.Lock()
	block := b.participantsBlock
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, core.NewError(core.KindConnection, "participants", ctx.Err())
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participantFetches++
	return append([]domain.Participant(nil), b.participants...), nil
}

func (b *fakeBackend) Positions(ctx context.Context, sid domain.SessionID) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Position(nil), b.positions...), nil
}

func (b *fakeBackend) Messages(ctx context.Context, sid domain.SessionID, before domain.MessageID, limit int) (core.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageFetches++
	end := len(b.messages)
	if before != "" {
		for i, m := range b.messages {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := append([]domain.Message(nil), b.messages[start:end]...)
	return core.MessagePage{Messages: page, HasMore: start > 0}, nil
}

func (b *fakeBackend) PostMessage(ctx context.Context, sid domain.SessionID, draft domain.MessageDraft) (domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.postErr != nil {
		return domain.Message{}, core.NewError(core.KindSend, "post message", b.postErr)
	}
	m := domain.Message{
		ID:          domain.MessageID("posted-" + draft.Body),
		SenderID:    draft.SenderID,
		SenderRole:  domain.RoleRescuer,
		ContentType: domain.ContentText,
		Body:        draft.Body,
		CreatedAt:   int64(10_000 + len(b.messages)),
	}
	b.messages = append(b.messages, m)
	return m, nil
}

func msg(id string, at int64) domain.Message {
	return domain.Message{ID: domain.MessageID(id), SenderID: "x", SenderRole: domain.RoleCitizen, ContentType: domain.ContentText, Body: id, CreatedAt: at}
}
