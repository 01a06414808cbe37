package signals

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

// FeatureNames lists the model features in vector order.
var FeatureNames = []string{
	"amount",
	"amount_log",
	"hour",
	"weekday",
	"weekend",
	"holiday",
	"user_avg_amount",
	"user_tx_count",
	"user_velocity",
	"hours_since_last",
	"category_risk",
	"ip_risk",
	"device_new",
	"has_location",
}

// FeatureCount is the length of every feature vector.
var FeatureCount = len(FeatureNames)

// Scorer turns a feature vector into an anomaly score in [0,1].
type Scorer interface {
	Score(features []float64) (float64, error)
}

// Trainer is implemented by scorers that can be refitted on collected
// feature vectors.
type Trainer interface {
	Fit(samples [][]float64) error
}

// BandFunc maps an anomaly score to a risk contribution.
type BandFunc func(anomaly float64) float64

// DefaultBands is the four-step mapping used when no BandFunc is given.
func DefaultBands(anomaly float64) float64 {
	switch {
	case anomaly < 0.1:
		return 0.1
	case anomaly < 0.3:
		return 0.3
	case anomaly < 0.7:
		return 0.7
	default:
		return 0.9
	}
}

// ModelOptions wires the model signal to its collaborators.
type ModelOptions struct {
	Scorer       Scorer
	Bands        BandFunc
	Clock        func() time.Time
	CategoryRisk map[string]float64
	IPRisk       func(ip string) float64
	Holiday      func(t time.Time) bool
}

// Model extracts a fixed-shape feature vector, scores it with a pluggable
// Scorer and maps the anomaly onto a risk band. Collected vectors are used
// to refit the scorer once enough time and samples have accumulated.
type Model struct {
	cfg          domain.ModelConfig
	scorer       Scorer
	bands        BandFunc
	clock        func() time.Time
	categoryRisk map[string]float64
	ipRisk       func(string) float64
	holiday      func(time.Time) bool

	users   *window.Store[modelUser]
	devices *window.Store[struct{}]

	mu          sync.Mutex
	samples     [][]float64
	next        int
	lastTrained time.Time
	lastAttempt time.Time
	training    sync.Mutex
}

type modelUser struct {
	count  int
	total  float64
	last   time.Time
	recent window.Series[struct{}]
}

const modelVelocitySpan = time.Hour

// NewModel creates the model signal.
func NewModel(cfg domain.ModelConfig, opts ModelOptions) *Model {
	def := domain.DefaultSignalsConfig().Model
	if cfg.RetrainInterval <= 0 {
		cfg.RetrainInterval = def.RetrainInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxSamples < cfg.MinSamples {
		cfg.MaxSamples = max(def.MaxSamples, cfg.MinSamples)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Scorer == nil {
		opts.Scorer = NewZScoreScorer(cfg.FallbackScore)
	}
	if opts.Bands == nil {
		opts.Bands = DefaultBands
	}
	if opts.IPRisk == nil {
		opts.IPRisk = func(string) float64 { return 0.5 }
	}
	if opts.Holiday == nil {
		opts.Holiday = func(time.Time) bool { return false }
	}

	return &Model{
		cfg:          cfg,
		scorer:       opts.Scorer,
		bands:        opts.Bands,
		clock:        opts.Clock,
		categoryRisk: opts.CategoryRisk,
		ipRisk:       opts.IPRisk,
		holiday:      opts.Holiday,
		users:        window.New[modelUser](0).WithClock(opts.Clock),
		devices:      window.New[struct{}](0).WithClock(opts.Clock),
		lastTrained:  opts.Clock(),
		lastAttempt:  opts.Clock(),
	}
}

// Kind implements Signal.
func (m *Model) Kind() Kind { return KindModel }

// Extract returns the feature vector for tx without recording anything.
func (m *Model) Extract(tx *domain.Transaction) []float64 {
	ts := tx.Timestamp
	amount := tx.AmountFloat()
	f := make([]float64, FeatureCount)
	f[0] = amount
	f[1] = math.Log(amount + 1)
	f[2] = float64(ts.Hour())
	f[3] = float64(ts.Weekday())
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		f[4] = 1
	}
	if m.holiday(ts) {
		f[5] = 1
	}

	m.users.View(tx.UserID, func(u *modelUser) {
		if u.count > 0 {
			f[6] = u.total / float64(u.count)
		}
		f[7] = float64(u.count)
		f[8] = float64(len(u.recent.Between(ts.Add(-modelVelocitySpan), ts)))
		if !u.last.IsZero() && ts.After(u.last) {
			f[9] = ts.Sub(u.last).Hours()
		}
	})

	f[10] = 0.5
	if r, ok := m.categoryRisk[strings.ToLower(tx.MerchantCategory)]; ok {
		f[10] = r
	}
	f[11] = m.ipRisk(tx.IPAddress)
	if tx.DeviceID != "" && !m.devices.Has(tx.DeviceID) {
		f[12] = 1
	}
	if tx.Location != nil {
		f[13] = 1
	}
	return f
}

// Score implements Signal. A scorer error leaves all state untouched.
func (m *Model) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	features := m.Extract(tx)
	anomaly, err := m.scorer.Score(features)
	if err != nil {
		return 0, fmt.Errorf("model score: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.record(tx, features)
	m.maybeRetrain()
	return clamp01(m.bands(clamp01(anomaly))), nil
}

func (m *Model) record(tx *domain.Transaction, features []float64) {
	ts := tx.Timestamp
	m.users.Update(tx.UserID, func(u *modelUser, exists bool) bool {
		if !exists {
			u.recent = window.NewSeries[struct{}](maxRecentEvents)
		}
		u.count++
		u.total += tx.AmountFloat()
		if ts.After(u.last) {
			u.last = ts
		}
		u.recent.Append(ts, struct{}{})
		u.recent.PruneBefore(ts.Add(-modelVelocitySpan))
		return true
	})
	if tx.DeviceID != "" {
		m.devices.Update(tx.DeviceID, func(*struct{}, bool) bool { return true })
	}

	m.mu.Lock()
	if len(m.samples) < m.cfg.MaxSamples {
		m.samples = append(m.samples, features)
	} else {
		m.samples[m.next] = features
		m.next = (m.next + 1) % m.cfg.MaxSamples
	}
	m.mu.Unlock()
}

// maybeRetrain refits at most once per RetrainInterval. A failed attempt
// waits for the next interval as well.
func (m *Model) maybeRetrain() {
	m.mu.Lock()
	now := m.clock()
	samples := len(m.samples)
	due := now.Sub(m.lastAttempt) >= m.cfg.RetrainInterval && samples >= m.cfg.MinSamples
	m.mu.Unlock()
	if !due || !m.training.TryLock() {
		return
	}
	defer m.training.Unlock()

	m.mu.Lock()
	m.lastAttempt = now
	m.mu.Unlock()

	if err := m.fit(); err != nil {
		slog.Warn("model retrain failed",
			"signal", KindModel.String(),
			"samples", samples,
			"error", err,
		)
	}
}

// Retrain refits the scorer on the collected samples now.
func (m *Model) Retrain() error {
	m.training.Lock()
	defer m.training.Unlock()
	return m.fit()
}

func (m *Model) fit() error {
	m.mu.Lock()
	if len(m.samples) < 2 {
		m.mu.Unlock()
		return fmt.Errorf("%w: have %d", domain.ErrInsufficientSamples, len(m.samples))
	}
	snapshot := make([][]float64, len(m.samples))
	copy(snapshot, m.samples)
	m.mu.Unlock()

	if t, ok := m.scorer.(Trainer); ok {
		if err := t.Fit(snapshot); err != nil {
			return fmt.Errorf("fit model: %w", err)
		}
	}

	m.mu.Lock()
	m.lastTrained = m.clock()
	m.mu.Unlock()
	return nil
}

// SampleCount returns the number of collected feature vectors.
func (m *Model) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// LastTrained returns when the scorer was last fitted, or when the signal
// was created if it never has been.
func (m *Model) LastTrained() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTrained
}

func (m *Model) stores() []namedStore {
	return []namedStore{
		{name: "model_users", store: m.users, sweep: m.users, maxIdle: profileRetention},
		{name: "model_devices", store: m.devices, sweep: m.devices, maxIdle: profileRetention},
	}
}

func (m *Model) reset() {
	m.users.Reset()
	m.devices.Reset()
	m.mu.Lock()
	m.samples = nil
	m.next = 0
	m.mu.Unlock()
}

// ZScoreScorer scores a vector by its mean absolute z-score against the
// fitted per-feature mean and standard deviation. Until fitted it returns
// a constant fallback.
type ZScoreScorer struct {
	mu       sync.RWMutex
	mean     []float64
	std      []float64
	fallback float64
}

// NewZScoreScorer creates an unfitted scorer.
func NewZScoreScorer(fallback float64) *ZScoreScorer {
	return &ZScoreScorer{fallback: clamp01(fallback)}
}

// Fit implements Trainer.
func (z *ZScoreScorer) Fit(samples [][]float64) error {
	if len(samples) == 0 {
		return domain.ErrInsufficientSamples
	}
	width := len(samples[0])
	mean := make([]float64, width)
	std := make([]float64, width)
	for _, s := range samples {
		if len(s) != width {
			return fmt.Errorf("sample has %d features, want %d", len(s), width)
		}
		for i, v := range s {
			mean[i] += v
		}
	}
	n := float64(len(samples))
	for i := range mean {
		mean[i] /= n
	}
	for _, s := range samples {
		for i, v := range s {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
	}

	z.mu.Lock()
	z.mean, z.std = mean, std
	z.mu.Unlock()
	return nil
}

// Fitted reports whether Fit has succeeded at least once.
func (z *ZScoreScorer) Fitted() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.mean != nil
}

// Score implements Scorer.
func (z *ZScoreScorer) Score(features []float64) (float64, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if z.mean == nil {
		return z.fallback, nil
	}
	if len(features) != len(z.mean) {
		return 0, fmt.Errorf("got %d features, want %d", len(features), len(z.mean))
	}

	var sum float64
	for i, v := range features {
		if z.std[i] < 1e-9 {
			continue
		}
		sum += math.Abs(v-z.mean[i]) / z.std[i]
	}
	meanZ := sum / float64(len(features))
	return 1 - math.Exp(-meanZ/3), nil
}
