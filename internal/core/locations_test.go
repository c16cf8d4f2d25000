package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rescue/internal/domain"
)

func pos(actor string, t int64) domain.Position {
	return domain.Position{
		ActorID:        domain.ActorID(actor),
		Latitude:       14.6 + float64(t)/1e6,
		Longitude:      121.0,
		AccuracyMeters: 5,
		CapturedAt:     t,
	}
}

func TestApplyUpdateKeepsMaxCapturedAtForAnyOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	samples := []domain.Position{pos("r1", 100), pos("r1", 900), pos("r1", 1000), pos("r1", 400), pos("r1", 1000), pos("r1", 1)}

	for round := 0; round < 200; round++ {
		order := append([]domain.Position(nil), samples...)
		rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		board := NewLocationBoard(0)
		for _, p := range order {
			board.ApplyUpdate(p)
		}
		got, ok := board.Get("r1")
		require.True(t, ok)
		assert.Equal(t, int64(1000), got.CapturedAt, "order %v", order)
	}
}

func TestApplyUpdateDropsStaleAndEqual(t *testing.T) {
	board := NewLocationBoard(0)
	first := domain.Position{ActorID: "r1", Latitude: 14.60, Longitude: 121.00, AccuracyMeters: 5, CapturedAt: 1000}
	stale := domain.Position{ActorID: "r1", Latitude: 14.61, Longitude: 121.01, AccuracyMeters: 8, CapturedAt: 900}
	same := first
	same.Latitude = 10

	assert.True(t, board.ApplyUpdate(first))
	assert.False(t, board.ApplyUpdate(stale))
	assert.False(t, board.ApplyUpdate(same))

	got, _ := board.Get("r1")
	assert.Equal(t, first, got)
}

func TestApplySnapshotNeverRegresses(t *testing.T) {
	board := NewLocationBoard(0)
	board.ApplyUpdate(pos("r1", 500))

	applied := board.ApplySnapshot(map[domain.ActorID]domain.Position{
		"r1": pos("r1", 300),
		"r2": pos("r2", 200),
	})
	assert.Equal(t, 1, applied)

	r1, _ := board.Get("r1")
	assert.Equal(t, int64(500), r1.CapturedAt)
	_, ok := board.Get("r2")
	assert.True(t, ok)
}

func TestRemoveActorIsExplicit(t *testing.T) {
	board := NewLocationBoard(0)
	board.ApplyUpdate(pos("r1", 10))
	assert.True(t, board.RemoveActor("r1"))
	assert.False(t, board.RemoveActor("r1"))
	assert.Empty(t, board.Snapshot())
}

func TestSnapshotIncludesLocalEntry(t *testing.T) {
	board := NewLocationBoard(0)
	board.ApplyUpdate(pos("r2", 10))
	board.ApplyUpdate(pos("me", 50))
	board.SetLocal(pos("me", 60))

	snap := board.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.ActorID("me"), snap[0].ActorID)
	assert.Equal(t, int64(60), snap[0].CapturedAt)

	// A newer echo of our own broadcast wins over the older local sample.
	board.ApplyUpdate(pos("me", 70))
	snap = board.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(70), snap[0].CapturedAt)

	assert.False(t, board.SetLocal(pos("me", 55)))
}

func TestExpireHonoursTTL(t *testing.T) {
	board := NewLocationBoard(time.Minute)
	board.ApplyUpdate(pos("old", 1_000))
	board.ApplyUpdate(pos("fresh", 50_000))
	board.SetLocal(pos("me", 1))

	dropped := board.Expire(70_000)
	assert.Equal(t, []domain.ActorID{"old"}, dropped)
	_, ok := board.Get("fresh")
	assert.True(t, ok)
	_, ok = board.Local()
	assert.True(t, ok)

	assert.Nil(t, NewLocationBoard(0).Expire(1<<60))
}
