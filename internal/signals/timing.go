package signals

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

// MetaTZOffset is the metadata key for the client's UTC offset in hours.
const MetaTZOffset = "tz_offset"

// countryZones maps a country code to its reference time zone.
var countryZones = map[string]string{
	"US": "America/New_York",
	"GB": "Europe/London",
	"DE": "Europe/Berlin",
	"FR": "Europe/Paris",
	"JP": "Asia/Tokyo",
	"AU": "Australia/Sydney",
	"CA": "America/Toronto",
	"BR": "America/Sao_Paulo",
	"IN": "Asia/Kolkata",
	"CN": "Asia/Shanghai",
}

// fixedHolidays are observed every year, as "MM-DD".
var fixedHolidays = []string{"01-01", "12-25", "12-31"}

// Timing scores when a transaction happens: suspicious hours, weekends,
// holidays, rarity for the user and a timezone mismatch.
type Timing struct {
	cfg             domain.TimeConfig
	suspiciousHours map[int]struct{}
	yearly          map[string]struct{}
	dated           map[string]struct{}
	patterns        *window.Store[window.Series[TimePattern]]
	clock           func() time.Time
}

// TimePattern is the time profile of one transaction.
type TimePattern struct {
	Hour    int          `json:"hour"`
	Weekday time.Weekday `json:"weekday"`
	Weekend bool         `json:"weekend"`
	Holiday bool         `json:"holiday"`
}

// NewTiming creates the time signal. Malformed custom holidays are logged
// and skipped.
func NewTiming(cfg domain.TimeConfig, clock func() time.Time) *Timing {
	def := domain.DefaultSignalsConfig().Time
	if cfg.SuspiciousHours == nil {
		cfg.SuspiciousHours = def.SuspiciousHours
	}
	if cfg.WeekendMultiplier <= 0 {
		cfg.WeekendMultiplier = def.WeekendMultiplier
	}
	if cfg.HolidayMultiplier <= 0 {
		cfg.HolidayMultiplier = def.HolidayMultiplier
	}
	if cfg.TimezoneThresholdHours <= 0 {
		cfg.TimezoneThresholdHours = def.TimezoneThresholdHours
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = def.MaxPatterns
	}

	t := &Timing{
		cfg:             cfg,
		suspiciousHours: make(map[int]struct{}, len(cfg.SuspiciousHours)),
		yearly:          make(map[string]struct{}),
		dated:           make(map[string]struct{}),
		patterns:        window.New[window.Series[TimePattern]](0).WithClock(clock),
		clock:           clock,
	}
	for _, h := range cfg.SuspiciousHours {
		t.suspiciousHours[h] = struct{}{}
	}
	for _, d := range fixedHolidays {
		t.yearly[d] = struct{}{}
	}
	for _, d := range cfg.Holidays {
		if err := t.addHoliday(d); err != nil {
			slog.Warn("ignoring holiday", "value", d, "error", err)
		}
	}
	return t
}

func (t *Timing) addHoliday(s string) error {
	s = strings.TrimSpace(s)
	if _, err := time.Parse("2006-01-02", s); err == nil {
		t.dated[s] = struct{}{}
		return nil
	}
	if _, err := time.Parse("01-02", s); err == nil {
		t.yearly[s] = struct{}{}
		return nil
	}
	return fmt.Errorf("expected MM-DD or YYYY-MM-DD, got %q", s)
}

// IsHoliday reports whether ts falls on a built-in or configured holiday.
func (t *Timing) IsHoliday(ts time.Time) bool {
	if _, ok := t.dated[ts.Format("2006-01-02")]; ok {
		return true
	}
	_, ok := t.yearly[ts.Format("01-02")]
	return ok
}

// Kind implements Signal.
func (t *Timing) Kind() Kind { return KindTime }

// PatternOf returns the time profile of ts.
func (t *Timing) PatternOf(ts time.Time) TimePattern {
	wd := ts.Weekday()
	return TimePattern{
		Hour:    ts.Hour(),
		Weekday: wd,
		Weekend: wd == time.Saturday || wd == time.Sunday,
		Holiday: t.IsHoliday(ts),
	}
}

// Score implements Signal.
func (t *Timing) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p := t.PatternOf(tx.Timestamp)
	var risk float64
	if _, ok := t.suspiciousHours[p.Hour]; ok {
		risk += 0.4
	}
	if p.Weekend {
		risk += 0.2 * t.cfg.WeekendMultiplier
	}
	if p.Holiday {
		risk += 0.3 * t.cfg.HolidayMultiplier
	}
	risk += t.timezoneRisk(tx)

	t.patterns.Update(tx.UserID, func(s *window.Series[TimePattern], exists bool) bool {
		if !exists {
			*s = window.NewSeries[TimePattern](t.cfg.MaxPatterns)
		}
		risk += rarityRisk(s, p)
		s.Append(tx.Timestamp, p)
		return true
	})

	return clamp01(risk), nil
}

func rarityRisk(s *window.Series[TimePattern], p TimePattern) float64 {
	if s.Len() == 0 {
		return 0.1
	}
	similar := 0
	for _, e := range s.Events() {
		if e.Value.Hour == p.Hour && e.Value.Weekday == p.Weekday {
			similar++
		}
	}
	switch freq := float64(similar) / float64(s.Len()); {
	case freq < 0.1:
		return 0.3
	case freq < 0.3:
		return 0.1
	default:
		return 0
	}
}

// timezoneRisk compares the zone implied by the transaction country with
// the client's reported zone or offset.
func (t *Timing) timezoneRisk(tx *domain.Transaction) float64 {
	if tx.Location == nil || tx.Location.Country == "" {
		return 0
	}
	zone, ok := countryZones[strings.ToUpper(tx.Location.Country)]
	if !ok {
		return 0
	}
	expected, ok := zoneOffsetHours(zone, tx.Timestamp)
	if !ok {
		return 0
	}

	observed, ok := t.observedOffset(tx)
	if !ok {
		return 0
	}
	if math.Abs(expected-observed) > t.cfg.TimezoneThresholdHours {
		return 0.4
	}
	return 0
}

func (t *Timing) observedOffset(tx *domain.Transaction) (float64, bool) {
	if v, ok := tx.MetaFloat(MetaTZOffset); ok {
		return v, true
	}
	if name := tx.MetaString(MetaTimezone); name != "" {
		return zoneOffsetHours(name, tx.Timestamp)
	}
	return 0, false
}

func zoneOffsetHours(name string, at time.Time) (float64, bool) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return 0, false
	}
	_, offset := at.In(loc).Zone()
	return float64(offset) / 3600, true
}

// Patterns returns the recorded time profiles for a user, oldest first.
func (t *Timing) Patterns(userID string) []TimePattern {
	var out []TimePattern
	t.patterns.View(userID, func(s *window.Series[TimePattern]) {
		for _, e := range s.Events() {
			out = append(out, e.Value)
		}
	})
	return out
}

func (t *Timing) stores() []namedStore {
	return []namedStore{{name: "time_patterns", store: t.patterns, sweep: t.patterns, maxIdle: profileRetention}}
}

func (t *Timing) reset() { t.patterns.Reset() }
