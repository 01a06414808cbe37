// Package geo provides great-circle distance math and network address
// geolocation for the location, behavioral and network signals.
package geo

import (
	"math"
	"time"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the haversine great-circle distance between a and b in
// kilometres.
func Distance(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h a hair outside [0,1] for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Within reports whether a and b are no more than km apart.
func Within(a, b Point, km float64) bool {
	return Distance(a, b) <= km
}

// Speed returns the travel speed in km/h needed to cover a→b in elapsed.
// A non-positive elapsed time yields +Inf for distinct points and 0 for
// identical ones.
func Speed(a, b Point, elapsed time.Duration) float64 {
	d := Distance(a, b)
	hours := elapsed.Hours()
	if hours <= 0 {
		if d == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return d / hours
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
