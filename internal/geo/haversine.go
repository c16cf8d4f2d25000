// Package geo holds the distance math shared by the board, the broadcast
// policy and the views. Inputs are not validated; NaN propagates.
package geo

import (
	"math"

	"github.com/dkeye/Rescue/internal/domain"
)

const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h marginally past 1 for antipodal points.
	h = math.Min(1, h)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func DistanceMeters(a, b domain.GeoPoint) float64 {
	return DistanceKm(a, b) * 1000
}

// Within reports whether p lies inside the coverage radius.
func Within(area domain.CoverageArea, p domain.GeoPoint) bool {
	return DistanceKm(area.Center, p) <= area.RadiusKm
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
