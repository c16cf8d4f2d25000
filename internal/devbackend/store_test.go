package devbackend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rescue/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	base := time.UnixMilli(1_700_000_000_000)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	_, err := s.CreateSession(domain.SessionState{ID: "s1", Origin: domain.GeoPoint{Lat: 14.5995, Lng: 120.9842}})
	require.NoError(t, err)
	return s
}

func actor(id string) domain.Actor {
	return domain.Actor{ID: domain.ActorID(id), DisplayName: id, Role: domain.RoleRescuer}
}

func TestCreateSessionRejectsDuplicatesAndBadOrigin(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateSession(domain.SessionState{ID: "s1"})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = s.CreateSession(domain.SessionState{ID: "s2", Origin: domain.GeoPoint{Lat: 91}})
	assert.ErrorIs(t, err, domain.ErrInvalidCoordinates)

	st, err := s.CreateSession(domain.SessionState{})
	require.NoError(t, err)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, "ACTIVE", st.Status)
}

func TestJoinIsIdempotentAndLeaveDropsPosition(t *testing.T) {
	s := newTestStore(t)

	p1, created, err := s.Join("s1", actor("a"))
	require.NoError(t, err)
	assert.True(t, created)
	p2, created, err := s.Join("s1", actor("a"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p1, p2)

	stored, err := s.RecordPosition("s1", domain.Position{ActorID: "a", Latitude: 1, Longitude: 1, CapturedAt: 10})
	require.NoError(t, err)
	assert.True(t, stored)

	removed, err := s.Leave("s1", "a")
	require.NoError(t, err)
	assert.True(t, removed)

	list, err := s.Positions("s1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Active("missing", "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecordPositionKeepsNewestOnly(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Join("s1", actor("a"))
	require.NoError(t, err)

	at := func(ts int64) domain.Position {
		return domain.Position{ActorID: "a", Latitude: 1, Longitude: 1, CapturedAt: ts}
	}
	stored, _ := s.RecordPosition("s1", at(20))
	assert.True(t, stored)
	stored, _ = s.RecordPosition("s1", at(20))
	assert.False(t, stored)
	stored, _ = s.RecordPosition("s1", at(10))
	assert.False(t, stored)

	_, err = s.RecordPosition("s1", domain.Position{ActorID: "ghost", CapturedAt: 1})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMessagesPageBackwards(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Join("s1", actor("a"))
	require.NoError(t, err)

	var ids []domain.MessageID
	for range 5 {
		m, err := s.PostMessage("s1", domain.MessageDraft{SenderID: "a", ContentType: domain.ContentText, Body: "hi"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page, more, err := s.Messages("s1", "", 2)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	page, more, err = s.Messages("s1", page[0].ID, 10)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID)
}

func TestPostMessageSenderRules(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PostMessage("s1", domain.MessageDraft{SenderID: "a", ContentType: domain.ContentText, Body: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	m, err := s.PostMessage("s1", domain.MessageDraft{ContentType: domain.ContentSystem, Body: "opened"})
	require.NoError(t, err)
	assert.Empty(t, m.SenderID)
	assert.Equal(t, domain.ContentSystem, m.ContentType)
}
