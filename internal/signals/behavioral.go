package signals

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Severity grades an anomaly. Its numeric value is the anomaly's weight in
// the severity-weighted mean.
type Severity int

const (
	SeverityLow    Severity = 1
	SeverityMedium Severity = 2
	SeverityHigh   Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Anomaly types reported by the behavioral signal.
const (
	AnomalySpending = "spending"
	AnomalyHour     = "hour"
	AnomalyWeekday  = "weekday"
	AnomalyLocation = "location"
)

// Anomaly is one deviation from a user's profile.
type Anomaly struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Score    float64  `json:"score"`
	Expected float64  `json:"expected"`
	Actual   float64  `json:"actual"`
}

const (
	maxBehaviorSamples = 10000
	frequencySpan      = 24 * time.Hour
)

// Behavioral scores how far a transaction drifts from the user's profile:
// spending level, usual hours and weekdays, and usual locations.
type Behavioral struct {
	cfg   domain.BehavioralConfig
	users *window.Store[behaviorProfile]
	clock func() time.Time
}

type behaviorSample struct {
	amount  float64
	hour    int
	weekday time.Weekday
}

// behaviorProfile keeps running aggregates over samples inside the
// retention horizon. Every sample leaving the series is subtracted.
type behaviorProfile struct {
	samples    window.Series[behaviorSample]
	sum        float64
	sumSq      float64
	hours      [24]int
	days       [7]int
	clusters   []LocationCluster
	merchants  map[string]int
	categories map[string]int
	lifetime   int
	last       time.Time
}

// LocationCluster is a frequently used location, merged within the
// cluster radius.
type LocationCluster struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Count int     `json:"count"`
}

// BehaviorProfile is a snapshot of a user's profile.
type BehaviorProfile struct {
	UserID           string            `json:"userId"`
	TransactionCount int               `json:"transactionCount"`
	LifetimeCount    int               `json:"lifetimeCount"`
	AverageAmount    float64           `json:"averageAmount"`
	StdDevAmount     float64           `json:"stdDevAmount"`
	PreferredHours   []int             `json:"preferredHours"`
	PreferredDays    []time.Weekday    `json:"preferredDays"`
	Locations        []LocationCluster `json:"locations"`
	Merchants        []string          `json:"merchants"`
	Categories       []string          `json:"categories"`
	Last24h          int               `json:"last24h"`
	LastTransaction  time.Time         `json:"lastTransaction"`
}

// NewBehavioral creates the behavioral signal.
func NewBehavioral(cfg domain.BehavioralConfig, clock func() time.Time) *Behavioral {
	def := domain.DefaultSignalsConfig().Behavioral
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxLocations <= 0 {
		cfg.MaxLocations = def.MaxLocations
	}
	if cfg.ClusterRadiusKm <= 0 {
		cfg.ClusterRadiusKm = def.ClusterRadiusKm
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	return &Behavioral{
		cfg:   cfg,
		users: window.New[behaviorProfile](0).WithClock(clock),
		clock: clock,
	}
}

// Kind implements Signal.
func (b *Behavioral) Kind() Kind { return KindBehavioral }

// Score implements Signal.
func (b *Behavioral) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var score float64
	b.users.Update(tx.UserID, func(p *behaviorProfile, exists bool) bool {
		if !exists {
			p.init()
		}
		p.prune(tx.Timestamp.Add(-b.cfg.Retention))
		score = weightedMean(b.detect(p, tx))
		b.observe(p, tx)
		return true
	})
	return clamp01(score), nil
}

// Anomalies returns what Score would detect for tx without updating the
// profile.
func (b *Behavioral) Anomalies(tx *domain.Transaction) []Anomaly {
	var out []Anomaly
	b.users.View(tx.UserID, func(p *behaviorProfile) {
		cutoff := tx.Timestamp.Add(-b.cfg.Retention)
		if len(p.samples.Since(cutoff)) != p.samples.Len() {
			cp := p.clone()
			cp.prune(cutoff)
			p = cp
		}
		out = b.detect(p, tx)
	})
	return out
}

func (b *Behavioral) detect(p *behaviorProfile, tx *domain.Transaction) []Anomaly {
	n := p.samples.Len()
	if n < b.cfg.MinHistory {
		return nil
	}

	var out []Anomaly
	amount := tx.AmountFloat()
	avg := p.sum / float64(n)
	if avg > 0 {
		switch dev := math.Abs(amount-avg) / avg; {
		case dev > 2:
			out = append(out, Anomaly{Type: AnomalySpending, Severity: SeverityHigh, Score: 0.8, Expected: avg, Actual: amount})
		case dev > 1:
			out = append(out, Anomaly{Type: AnomalySpending, Severity: SeverityMedium, Score: 0.4, Expected: avg, Actual: amount})
		}
	}

	hour, day := tx.Timestamp.Hour(), tx.Timestamp.Weekday()
	if p.hours[hour] == 0 {
		out = append(out, Anomaly{Type: AnomalyHour, Severity: SeverityMedium, Score: 0.3, Actual: float64(hour)})
	}
	if p.days[day] == 0 {
		out = append(out, Anomaly{Type: AnomalyWeekday, Severity: SeverityLow, Score: 0.2, Actual: float64(day)})
	}

	if tx.Location != nil && len(p.clusters) > 0 {
		here := geo.Point{Lat: tx.Location.Lat, Lng: tx.Location.Lng}
		minDist := math.Inf(1)
		for _, c := range p.clusters {
			if d := geo.Distance(here, geo.Point{Lat: c.Lat, Lng: c.Lng}); d < minDist {
				minDist = d
			}
		}
		switch {
		case minDist > 100:
			out = append(out, Anomaly{Type: AnomalyLocation, Severity: SeverityHigh, Score: 0.7, Actual: minDist})
		case minDist > 50:
			out = append(out, Anomaly{Type: AnomalyLocation, Severity: SeverityMedium, Score: 0.4, Actual: minDist})
		}
	}
	return out
}

func weightedMean(anomalies []Anomaly) float64 {
	var total, weight float64
	for _, a := range anomalies {
		w := float64(a.Severity)
		total += a.Score * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}

func (b *Behavioral) observe(p *behaviorProfile, tx *domain.Transaction) {
	s := behaviorSample{amount: tx.AmountFloat(), hour: tx.Timestamp.Hour(), weekday: tx.Timestamp.Weekday()}
	p.add(s)
	if evicted, ok := p.samples.Append(tx.Timestamp, s); ok {
		p.remove(evicted)
	}

	p.lifetime++
	if tx.Timestamp.After(p.last) {
		p.last = tx.Timestamp
	}
	if tx.MerchantID != "" {
		p.merchants[tx.MerchantID]++
	}
	if tx.MerchantCategory != "" {
		p.categories[tx.MerchantCategory]++
	}
	if tx.Location != nil {
		b.addLocation(p, tx.Location)
	}
}

// addLocation merges loc into the nearest cluster within the radius, or
// adds a new cluster, replacing the least used one when full.
func (b *Behavioral) addLocation(p *behaviorProfile, loc *domain.Location) {
	here := geo.Point{Lat: loc.Lat, Lng: loc.Lng}
	for i := range p.clusters {
		c := &p.clusters[i]
		if geo.Within(here, geo.Point{Lat: c.Lat, Lng: c.Lng}, b.cfg.ClusterRadiusKm) {
			n := float64(c.Count)
			c.Lat = (c.Lat*n + loc.Lat) / (n + 1)
			c.Lng = (c.Lng*n + loc.Lng) / (n + 1)
			c.Count++
			return
		}
	}

	nc := LocationCluster{Lat: loc.Lat, Lng: loc.Lng, Count: 1}
	if len(p.clusters) < b.cfg.MaxLocations {
		p.clusters = append(p.clusters, nc)
		return
	}
	least := 0
	for i, c := range p.clusters {
		if c.Count < p.clusters[least].Count {
			least = i
		}
	}
	p.clusters[least] = nc
}

func (p *behaviorProfile) init() {
	p.samples = window.NewSeries[behaviorSample](maxBehaviorSamples)
	p.merchants = make(map[string]int)
	p.categories = make(map[string]int)
}

func (p *behaviorProfile) add(s behaviorSample) {
	p.sum += s.amount
	p.sumSq += s.amount * s.amount
	p.hours[s.hour]++
	p.days[s.weekday]++
}

func (p *behaviorProfile) remove(e window.Event[behaviorSample]) {
	p.sum -= e.Value.amount
	p.sumSq -= e.Value.amount * e.Value.amount
	p.hours[e.Value.hour]--
	p.days[e.Value.weekday]--
}

func (p *behaviorProfile) prune(cutoff time.Time) {
	p.samples.PruneBeforeFunc(cutoff, p.remove)
	if p.samples.Len() == 0 {
		p.sum, p.sumSq = 0, 0
	}
}

func (p *behaviorProfile) clone() *behaviorProfile {
	cp := *p
	cp.samples = window.NewSeries[behaviorSample](maxBehaviorSamples)
	for _, e := range p.samples.Events() {
		cp.samples.Append(e.At, e.Value)
	}
	cp.clusters = append([]LocationCluster(nil), p.clusters...)
	return &cp
}

// Profile returns a snapshot of the user's profile.
func (b *Behavioral) Profile(userID string) (*BehaviorProfile, bool) {
	var out *BehaviorProfile
	b.users.View(userID, func(p *behaviorProfile) {
		n := p.samples.Len()
		bp := &BehaviorProfile{
			UserID:           userID,
			TransactionCount: n,
			LifetimeCount:    p.lifetime,
			Locations:        append([]LocationCluster(nil), p.clusters...),
			Merchants:        sortedKeys(p.merchants),
			Categories:       sortedKeys(p.categories),
			Last24h:          len(p.samples.Since(b.clock().Add(-frequencySpan))),
			LastTransaction:  p.last,
		}
		if n > 0 {
			bp.AverageAmount = p.sum / float64(n)
			variance := p.sumSq/float64(n) - bp.AverageAmount*bp.AverageAmount
			bp.StdDevAmount = math.Sqrt(math.Max(variance, 0))
		}
		for h, c := range p.hours {
			if c > 0 {
				bp.PreferredHours = append(bp.PreferredHours, h)
			}
		}
		for d, c := range p.days {
			if c > 0 {
				bp.PreferredDays = append(bp.PreferredDays, time.Weekday(d))
			}
		}
		sort.Slice(bp.Locations, func(i, j int) bool { return bp.Locations[i].Count > bp.Locations[j].Count })
		out = bp
	})
	return out, out != nil
}

func (b *Behavioral) stores() []namedStore {
	return []namedStore{{name: "behavioral_profiles", store: b.users, sweep: b.users, maxIdle: b.cfg.Retention}}
}

func (b *Behavioral) reset() { b.users.Reset() }
