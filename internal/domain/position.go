package domain

import "math"

type GeoPoint struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

func (p GeoPoint) Valid() bool {
	return isFinite(p.Lat) && isFinite(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 &&
		p.Lng >= -180 && p.Lng <= 180
}

// Position is the latest known location sample of one actor.
// CapturedAt is epoch milliseconds on the capturing device.
type Position struct {
	ActorID        ActorID `json:"actorId"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy"`
	CapturedAt     int64   `json:"capturedAt"`
	SourceDeviceID string  `json:"deviceId,omitempty"`
}

func (p Position) Point() GeoPoint {
	return GeoPoint{Lat: p.Latitude, Lng: p.Longitude}
}

// Validate rejects samples that must never reach a LocationBoard.
func (p Position) Validate() error {
	if p.ActorID == "" {
		return ErrActorIDEmpty
	}
	if !p.Point().Valid() {
		return ErrInvalidCoordinates
	}
	if !isFinite(p.AccuracyMeters) || p.AccuracyMeters < 0 {
		return ErrNegativeAccuracy
	}
	if p.CapturedAt <= 0 {
		return ErrMissingCaptureTime
	}
	return nil
}

// CoverageArea is the radius around a response headquarters.
// Display and filtering aid only.
type CoverageArea struct {
	Center   GeoPoint `json:"center"`
	RadiusKm float64  `json:"radiusKm"`
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
