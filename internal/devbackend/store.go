package devbackend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotParticipant  = errors.New("not a participant")
	ErrSessionExists   = errors.New("session already exists")
)

type sessionData struct {
	state        domain.SessionState
	participants map[domain.ActorID]domain.Participant
	positions    map[domain.ActorID]domain.Position
	messages     []domain.Message
}

// Store keeps every session in memory. Nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionData
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{sessions: make(map[domain.SessionID]*sessionData), now: time.Now}
}

func (s *Store) CreateSession(st domain.SessionState) (domain.SessionState, error) {
	if st.ID == "" {
		st.ID = domain.SessionID(NewID(s.now()))
	}
	if st.Status == "" {
		st.Status = "ACTIVE"
	}
	if !st.Origin.Valid() {
		return domain.SessionState{}, domain.ErrInvalidCoordinates
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[st.ID]; ok {
		return domain.SessionState{}, fmt.Errorf("%w: %s", ErrSessionExists, st.ID)
	}
	s.sessions[st.ID] = &sessionData{
		state:        st,
		participants: make(map[domain.ActorID]domain.Participant),
		positions:    make(map[domain.ActorID]domain.Position),
	}
	log.Info().Str("module", "devbackend.store").Str("session", string(st.ID)).Msg("session created")
	return st, nil
}

func (s *Store) get(sid domain.SessionID) (*sessionData, error) {
	d, ok := s.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	return d, nil
}

func (s *Store) Session(sid domain.SessionID) (domain.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.get(sid)
	if err != nil {
		return domain.SessionState{}, err
	}
	return d.state, nil
}

func (s *Store) Active(sid domain.SessionID, actor domain.ActorID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.get(sid)
	if err != nil {
		return false, err
	}
	_, ok := d.participants[actor]
	return ok, nil
}

// Join is idempotent. created is false when the actor was already active.
func (s *Store) Join(sid domain.SessionID, actor domain.Actor) (p domain.Participant, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(sid)
	if err != nil {
		return domain.Participant{}, false, err
	}
	if cur, ok := d.participants[actor.ID]; ok {
		return cur, false, nil
	}
	p = domain.NewParticipant(actor, s.now().UnixMilli())
	d.participants[actor.ID] = p
	return p, true, nil
}

func (s *Store) Leave(sid domain.SessionID, actor domain.ActorID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(sid)
	if err != nil {
		return false, err
	}
	if _, ok := d.participants[actor]; !ok {
		return false, nil
	}
	delete(d.participants, actor)
	delete(d.positions, actor)
	return true, nil
}

func (s *Store) Participants(sid domain.SessionID) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.get(sid)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(d.participants))
	for _, p := range d.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out, nil
}

func (s *Store) Positions(sid domain.SessionID) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.get(sid)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(d.positions))
	for _, p := range d.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

// RecordPosition keeps only strictly newer samples from active participants.
func (s *Store) RecordPosition(sid domain.SessionID, p domain.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(sid)
	if err != nil {
		return false, err
	}
	if _, ok := d.participants[p.ActorID]; !ok {
		return false, ErrNotParticipant
	}
	if cur, ok := d.positions[p.ActorID]; ok && p.CapturedAt <= cur.CapturedAt {
		return false, nil
	}
	d.positions[p.ActorID] = p
	return true, nil
}

// Messages returns up to limit messages older than before, oldest first.
func (s *Store) Messages(sid domain.SessionID, before domain.MessageID, limit int) ([]domain.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.get(sid)
	if err != nil {
		return nil, false, err
	}
	end := len(d.messages)
	if before != "" {
		end = sort.Search(len(d.messages), func(i int) bool { return d.messages[i].ID >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Message, end-start)
	copy(out, d.messages[start:end])
	return out, start > 0, nil
}

func (s *Store) PostMessage(sid domain.SessionID, draft domain.MessageDraft) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(sid)
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{ContentType: draft.ContentType, Body: draft.Body}
	if draft.ContentType != domain.ContentSystem {
		sender, ok := d.participants[draft.SenderID]
		if !ok {
			return domain.Message{}, ErrNotParticipant
		}
		m.SenderID = sender.ActorID
		m.SenderRole = sender.Role
		m.DisplayName = sender.DisplayName
		m.ContentType = domain.ContentText
	}
	now := s.now()
	m.ID = domain.MessageID(NewID(now))
	m.CreatedAt = now.UnixMilli()
	if n := len(d.messages); n > 0 && m.CreatedAt < d.messages[n-1].CreatedAt {
		m.CreatedAt = d.messages[n-1].CreatedAt
	}
	d.messages = append(d.messages, m)
	return m, nil
}
