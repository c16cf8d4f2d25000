package app

import (
	"time"

	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/internal/geo"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickSubscriber
	DropUpdate
)

// Policy decides what happens to an observer that cannot keep up.
type Policy interface {
	OnBackPressure(sub Subscriber) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(Subscriber) BackpressureAction {
	return DropUpdate
}

// KickAfter unsubscribes an observer once it has missed Limit updates.
type KickAfter struct {
	Limit uint64
}

func (p KickAfter) OnBackPressure(sub Subscriber) BackpressureAction {
	if sub.Dropped() >= p.Limit {
		return KickSubscriber
	}
	return MarkSlow
}

// BroadcastPolicy decides whether a local sample is worth transmitting.
type BroadcastPolicy interface {
	ShouldBroadcast(last *domain.Position, next domain.Position) bool
}

// ThresholdPolicy transmits when the actor moved far enough and enough time
// passed, or unconditionally once MaxInterval elapsed since the last send.
type ThresholdPolicy struct {
	MinDistanceMeters float64
	MinInterval       time.Duration
	MaxInterval       time.Duration
}

func DefaultThresholdPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		MinDistanceMeters: 10,
		MinInterval:       2 * time.Second,
		MaxInterval:       30 * time.Second,
	}
}

func (p ThresholdPolicy) ShouldBroadcast(last *domain.Position, next domain.Position) bool {
	if last == nil {
		return true
	}
	elapsed := time.Duration(next.CapturedAt-last.CapturedAt) * time.Millisecond
	if elapsed <= 0 {
		return false
	}
	if p.MaxInterval > 0 && elapsed >= p.MaxInterval {
		return true
	}
	if elapsed < p.MinInterval {
		return false
	}
	return geo.DistanceMeters(last.Point(), next.Point()) >= p.MinDistanceMeters
}

// AlwaysBroadcast sends every strictly newer sample.
type AlwaysBroadcast struct{}

func (AlwaysBroadcast) ShouldBroadcast(last *domain.Position, next domain.Position) bool {
	return last == nil || next.CapturedAt > last.CapturedAt
}
