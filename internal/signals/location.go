package signals

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/window"
)

// ImpossibleTravelKmh is the ground speed above which two observations
// cannot belong to the same traveller.
const ImpossibleTravelKmh = 1000.0

// geofenceRadiusKm and geofenceCap bound the score near a trusted location.
const (
	geofenceRadiusKm = 1.0
	geofenceCap      = 0.2
)

// Location scores the distance between the transaction and the user's
// recently observed locations.
type Location struct {
	cfg     domain.LocationConfig
	trusted []geo.Point
	users   *window.Store[window.Series[domain.Location]]
	clock   func() time.Time
}

// ObservedLocation is a stored location with the time it was seen.
type ObservedLocation struct {
	domain.Location
	ObservedAt time.Time `json:"observedAt"`
}

// NewLocation creates the location signal.
func NewLocation(cfg domain.LocationConfig, clock func() time.Time) *Location {
	def := domain.DefaultSignalsConfig().Location
	if cfg.MaxDistanceKm <= 0 {
		cfg.MaxDistanceKm = def.MaxDistanceKm
	}
	if cfg.SuspiciousDistanceKm <= 0 || cfg.SuspiciousDistanceKm >= cfg.MaxDistanceKm {
		cfg.SuspiciousDistanceKm = math.Min(def.SuspiciousDistanceKm, cfg.MaxDistanceKm/2)
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}

	l := &Location{
		cfg:   cfg,
		users: window.New[window.Series[domain.Location]](0).WithClock(clock),
		clock: clock,
	}
	for _, t := range cfg.TrustedLocations {
		l.trusted = append(l.trusted, geo.Point{Lat: t.Lat, Lng: t.Lng})
	}
	return l
}

// Kind implements Signal.
func (l *Location) Kind() Kind { return KindLocation }

// Score implements Signal.
func (l *Location) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if tx.Location == nil {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := tx.Timestamp
	cutoff := now.Add(-l.cfg.Window)
	current := geo.Point{Lat: tx.Location.Lat, Lng: tx.Location.Lng}
	var score float64

	l.users.Update(tx.UserID, func(s *window.Series[domain.Location], exists bool) bool {
		if !exists {
			*s = window.NewSeries[domain.Location](l.cfg.MaxHistory)
		}

		history := s.Between(cutoff, now)
		if len(history) > 0 {
			minDist := math.Inf(1)
			for _, e := range history {
				d := geo.Distance(current, geo.Point{Lat: e.Value.Lat, Lng: e.Value.Lng})
				if d < minDist {
					minDist = d
				}
			}
			score = l.distanceRisk(minDist)
		}

		s.Append(now, *tx.Location)
		s.PruneBefore(cutoff)
		return true
	})

	if l.cfg.EnableGeofencing && l.nearTrusted(current) && score > geofenceCap {
		score = geofenceCap
	}
	return clamp01(score), nil
}

func (l *Location) distanceRisk(km float64) float64 {
	maxD, suspD := l.cfg.MaxDistanceKm, l.cfg.SuspiciousDistanceKm
	switch {
	case km >= maxD:
		return 1.0
	case km >= suspD:
		return ramp(km, suspD, maxD, 0.5, 1.0)
	default:
		return ramp(km, 0, suspD, 0, 0.5)
	}
}

func (l *Location) nearTrusted(p geo.Point) bool {
	for _, t := range l.trusted {
		if geo.Within(p, t, geofenceRadiusKm) {
			return true
		}
	}
	return false
}

// TravelSpeed returns the ground speed in km/h needed to move from a to b
// in elapsed.
func (l *Location) TravelSpeed(a, b domain.Location, elapsed time.Duration) float64 {
	return geo.Speed(geo.Point{Lat: a.Lat, Lng: a.Lng}, geo.Point{Lat: b.Lat, Lng: b.Lng}, elapsed)
}

// IsImpossibleTravel reports whether moving from a to b in elapsed
// requires more than ImpossibleTravelKmh.
func (l *Location) IsImpossibleTravel(a, b domain.Location, elapsed time.Duration) bool {
	return l.TravelSpeed(a, b, elapsed) > ImpossibleTravelKmh
}

// History returns the user's locations still inside the window, oldest first.
func (l *Location) History(userID string) []ObservedLocation {
	cutoff := l.clock().Add(-l.cfg.Window)
	var out []ObservedLocation
	l.users.View(userID, func(s *window.Series[domain.Location]) {
		for _, e := range s.Since(cutoff) {
			out = append(out, ObservedLocation{Location: e.Value, ObservedAt: e.At})
		}
	})
	return out
}

func (l *Location) stores() []namedStore {
	return []namedStore{{name: "location_users", store: l.users, sweep: l.users, maxIdle: l.cfg.Window}}
}

func (l *Location) reset() { l.users.Reset() }
