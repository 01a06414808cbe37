// Package detector combines the risk signals into a single fraud verdict.
// It owns the rule registry, fans each transaction out to the enabled
// signals and reduces their scores to a weighted aggregate.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/window"
)

var tracer = otel.Tracer("kestrel-detector")

const (
	defaultGlobalThreshold = 0.7
	defaultSignalTimeout   = 250 * time.Millisecond

	// highRiskScore is the aggregate above which manual review is advised.
	highRiskScore = 0.8

	// lowConfidence is the confidence below which more data is advised.
	lowConfidence = 0.5
)

// Recommendations attached to triggered rules, in reporting order.
var ruleRecommendations = []struct {
	rule domain.SignalName
	text string
}{
	{domain.SignalVelocity, "Consider implementing velocity-based transaction limits"},
	{domain.SignalAmount, "Review transaction amount thresholds and user spending patterns"},
	{domain.SignalLocation, "Verify transaction location and check for unusual travel patterns"},
	{domain.SignalDevice, "Verify device identity and check for account sharing"},
	{domain.SignalNetwork, "Review network address reputation and proxy usage"},
	{domain.SignalMerchant, "Review merchant reputation and category risk"},
}

const (
	recommendManualReview = "High risk transaction - consider manual review or additional verification"
	recommendMoreData     = "Low confidence score - consider gathering additional transaction data"
)

// Options carries optional collaborators for New.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Dependencies are passed to the built-in signals.
	Dependencies signals.Dependencies

	// Signals adds or replaces signals by rule name. A rule with a matching
	// name is scored by the given signal instead of the built-in one.
	Signals map[string]signals.Signal
}

// Detector scores transactions against the enabled rules.
type Detector struct {
	registry *Registry
	signals  *signals.Set
	extra    map[string]signals.Signal
	sweeper  *window.Sweeper
	logger   *slog.Logger
	clock    func() time.Time

	timeout       time.Duration
	maxWorkers    int
	enableLogging bool

	mu              sync.RWMutex
	globalThreshold float64
	stats           Stats
}

// Stats summarizes the detector's activity since start or the last Reset.
type Stats struct {
	TotalAnalyses       int64          `json:"totalAnalyses"`
	FraudDetected       int64          `json:"fraudDetected"`
	InvalidTransactions int64          `json:"invalidTransactions"`
	SignalFailures      int64          `json:"signalFailures"`
	FalsePositives      int64          `json:"falsePositives"`
	FalseNegatives      int64          `json:"falseNegatives"`
	AverageProcessingMs float64        `json:"averageProcessingMs"`
	GlobalThreshold     float64        `json:"globalThreshold"`
	RulesEnabled        int            `json:"rulesEnabled"`
	Entities            map[string]int `json:"entities"`
	LastUpdated         time.Time      `json:"lastUpdated"`
}

// New creates a Detector from cfg. A nil cfg uses domain.DefaultConfig().
func New(cfg *domain.Config, opts Options) *Detector {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Dependencies.Clock
	if clock == nil {
		clock = time.Now
		opts.Dependencies.Clock = clock
	}

	dc := cfg.Detector
	global := dc.GlobalThreshold
	switch {
	case global <= 0:
		global = defaultGlobalThreshold
	case global > 1:
		logger.Warn("global threshold out of range, clamping", "threshold", global)
		global = 1
	}
	timeout := dc.SignalTimeout
	if timeout <= 0 {
		timeout = defaultSignalTimeout
	}
	workers := dc.MaxWorkers
	if workers <= 0 {
		workers = len(domain.SignalNames)
	}

	d := &Detector{
		registry:        NewRegistry(dc, logger),
		signals:         signals.NewSet(cfg.Signals, opts.Dependencies),
		extra:           opts.Signals,
		sweeper:         window.NewSweeper(dc.SweepInterval),
		logger:          logger,
		clock:           clock,
		timeout:         timeout,
		maxWorkers:      workers,
		enableLogging:   dc.EnableLogging,
		globalThreshold: global,
	}
	d.signals.RegisterStores(d.sweeper)
	d.sweeper.OnSweep(d.afterSweep)
	return d
}

// outcome is one signal invocation's result.
type outcome struct {
	score  float64
	err    error
	reason string
}

// Analyze scores tx. It never fails: invalid input yields a zero-score
// result describing the problem, and failing signals are left out of the
// aggregate and reported in the result's diagnostics.
func (d *Detector) Analyze(ctx context.Context, tx *domain.Transaction) *domain.FraudResult {
	start := time.Now()
	now := d.clock()

	ctx, span := tracer.Start(ctx, "detector.analyze")
	defer span.End()

	result := &domain.FraudResult{
		ID:             uuid.New().String(),
		TriggeredRules: []string{},
		Details: domain.Diagnostics{
			Algorithm: domain.AlgorithmName,
			Timestamp: now.UTC(),
		},
	}

	if err := tx.Validate(); err != nil {
		if tx != nil {
			result.TransactionID = tx.ID
		}
		result.Details.Failures = map[string]string{"transaction": err.Error()}
		d.finish(result, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid transaction")
		metrics.AnalysesTotal.WithLabelValues("invalid").Inc()
		d.mu.Lock()
		d.stats.InvalidTransactions++
		d.mu.Unlock()
		d.logger.Warn("invalid transaction", "tx_id", result.TransactionID, "error", err)
		return result
	}

	norm := tx.Normalized(now)
	result.TransactionID = norm.ID
	span.SetAttributes(
		attribute.String("tx.id", norm.ID),
		attribute.String("tx.user_id", norm.UserID),
	)

	entries := d.registry.snapshot()
	type job struct {
		rule   domain.DetectionRule
		signal signals.Signal
	}
	var jobs []job
	enabled := 0
	for _, e := range entries {
		if !e.rule.Enabled {
			continue
		}
		enabled++
		sig := d.resolve(e)
		if sig == nil {
			result.Details.RulesSkipped++
			d.logger.Warn("no signal for rule, skipping", "rule", e.rule.Name, "tx_id", norm.ID)
			continue
		}
		jobs = append(jobs, job{rule: e.rule, signal: sig})
	}

	outcomes := make([]outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(d.maxWorkers)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = d.invoke(ctx, j.rule.Name, j.signal, &norm)
			return nil
		})
	}
	_ = g.Wait()

	var weighted, totalWeight float64
	for i, j := range jobs {
		o := outcomes[i]
		if o.err != nil {
			result.Details.RulesFailed++
			if result.Details.Failures == nil {
				result.Details.Failures = make(map[string]string)
			}
			result.Details.Failures[j.rule.Name] = o.err.Error()
			metrics.SignalFailuresTotal.WithLabelValues(j.rule.Name, o.reason).Inc()
			d.logger.Warn("signal failed",
				"rule", j.rule.Name,
				"tx_id", norm.ID,
				"reason", o.reason,
				"error", o.err,
			)
			continue
		}

		result.Details.RulesEvaluated++
		triggered := o.score >= j.rule.Threshold
		if triggered {
			result.TriggeredRules = append(result.TriggeredRules, j.rule.Name)
			metrics.SignalTriggeredTotal.WithLabelValues(j.rule.Name).Inc()
		}
		result.Scores = append(result.Scores, domain.RuleScore{
			Rule:      j.rule.Name,
			Score:     o.score,
			Weight:    j.rule.Weight,
			Threshold: j.rule.Threshold,
			Triggered: triggered,
		})
		weighted += o.score * j.rule.Weight
		totalWeight += j.rule.Weight
	}

	if totalWeight > 0 {
		result.RiskScore = clamp01(weighted / totalWeight)
	}
	if enabled > 0 {
		result.Confidence = math.Min(float64(len(result.TriggeredRules))/float64(enabled), 1)
	}

	d.mu.RLock()
	global := d.globalThreshold
	d.mu.RUnlock()
	result.IsFraudulent = result.RiskScore >= global
	result.Recommendations = recommendations(result)

	d.finish(result, start)
	d.record(result)

	span.SetAttributes(
		attribute.Float64("risk_score", result.RiskScore),
		attribute.Bool("is_fraudulent", result.IsFraudulent),
		attribute.Int("rules_failed", result.Details.RulesFailed),
	)

	if d.enableLogging {
		d.logger.Info("transaction analyzed",
			"tx_id", result.TransactionID,
			"user_id", norm.UserID,
			"risk_score", result.RiskScore,
			"is_fraudulent", result.IsFraudulent,
			"confidence", result.Confidence,
			"triggered", result.TriggeredRules,
			"duration_ms", result.Details.ProcessingMs,
		)
	}
	return result
}

// resolve returns the signal scoring e, or nil when there is none.
func (d *Detector) resolve(e entry) signals.Signal {
	if e.expr != nil {
		return e.expr
	}
	if s, ok := d.extra[e.rule.Name]; ok && s != nil {
		return s
	}
	if s, ok := d.signals.Lookup(domain.SignalName(e.rule.Name)); ok {
		return s
	}
	return nil
}

// invoke runs one signal under the per-signal timeout. The signal runs on
// its own goroutine so a signal that ignores its context still cannot hold
// the analysis past the timeout.
func (d *Detector) invoke(ctx context.Context, name string, sig signals.Signal, tx *domain.Transaction) outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "signal."+name)
	defer span.End()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("signal %s panicked: %v", name, r), reason: metrics.ReasonPanic}
			}
		}()
		score, err := sig.Score(ctx, tx)
		done <- outcome{score: score, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		select {
		case o = <-done:
		default:
			o = outcome{err: ctx.Err()}
		}
	}
	metrics.ObserveSignal(name, time.Since(start))

	switch {
	case o.err == nil && math.IsNaN(o.score):
		o.err = fmt.Errorf("signal %s returned NaN", name)
		o.reason = metrics.ReasonError
	case o.err == nil:
		o.score = clamp01(o.score)
	case errors.Is(o.err, context.DeadlineExceeded):
		o.err = fmt.Errorf("%w after %s", domain.ErrSignalTimeout, d.timeout)
		o.reason = metrics.ReasonTimeout
	case o.reason == "":
		o.reason = metrics.ReasonError
	}

	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.reason)
	} else {
		span.SetAttributes(attribute.Float64("score", o.score))
	}
	return o
}

func recommendations(r *domain.FraudResult) []string {
	var out []string
	for _, rec := range ruleRecommendations {
		if r.HasTriggered(string(rec.rule)) {
			out = append(out, rec.text)
		}
	}
	if r.RiskScore > highRiskScore {
		out = append(out, recommendManualReview)
	}
	if r.Confidence < lowConfidence {
		out = append(out, recommendMoreData)
	}
	return out
}

func (d *Detector) finish(r *domain.FraudResult, start time.Time) {
	elapsed := time.Since(start)
	r.Details.ProcessingTime = elapsed
	r.Details.ProcessingMs = float64(elapsed.Microseconds()) / 1000
}

func (d *Detector) record(r *domain.FraudResult) {
	metrics.ObserveAnalysis(r.IsFraudulent, r.RiskScore, r.Details.ProcessingTime)

	d.mu.Lock()
	defer d.mu.Unlock()

	s := &d.stats
	s.TotalAnalyses++
	if r.IsFraudulent {
		s.FraudDetected++
	}
	s.SignalFailures += int64(r.Details.RulesFailed)
	s.AverageProcessingMs += (r.Details.ProcessingMs - s.AverageProcessingMs) / float64(s.TotalAnalyses)
	s.LastUpdated = d.clock()
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

// Registry returns the detector's rule registry.
func (d *Detector) Registry() *Registry { return d.registry }

// Signals returns the built-in signal set.
func (d *Detector) Signals() *signals.Set { return d.signals }

// Rules returns a copy of the registered rules in registry order.
func (d *Detector) Rules() []domain.DetectionRule { return d.registry.Rules() }

// Stats returns a snapshot of the analysis counters.
func (d *Detector) Stats() Stats {
	d.mu.RLock()
	s := d.stats
	s.GlobalThreshold = d.globalThreshold
	d.mu.RUnlock()

	s.RulesEnabled = d.registry.EnabledCount()
	s.Entities = d.signals.EntityCounts()
	return s
}

// GlobalThreshold returns the aggregate score at which a verdict is fraud.
func (d *Detector) GlobalThreshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.globalThreshold
}

// UpdateThreshold changes one rule's threshold.
func (d *Detector) UpdateThreshold(rule string, threshold float64) error {
	if err := d.registry.SetThreshold(rule, threshold); err != nil {
		return err
	}
	d.logger.Info("rule threshold updated", "rule", rule, "threshold", threshold)
	return nil
}

// UpdateGlobalThreshold changes the verdict threshold.
func (d *Detector) UpdateGlobalThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: got %v", domain.ErrInvalidThreshold, threshold)
	}
	d.mu.Lock()
	d.globalThreshold = threshold
	d.mu.Unlock()
	d.logger.Info("global threshold updated", "threshold", threshold)
	return nil
}

// EnableRule turns a rule on.
func (d *Detector) EnableRule(rule string) error { return d.registry.Enable(rule) }

// DisableRule turns a rule off.
func (d *Detector) DisableRule(rule string) error { return d.registry.Disable(rule) }

// MarkFalsePositive records analyst feedback that a fraud verdict was wrong.
func (d *Detector) MarkFalsePositive(txID string) error {
	return d.feedback(txID, func(s *Stats) { s.FalsePositives++ })
}

// MarkFalseNegative records analyst feedback that a legit verdict was wrong.
func (d *Detector) MarkFalseNegative(txID string) error {
	return d.feedback(txID, func(s *Stats) { s.FalseNegatives++ })
}

func (d *Detector) feedback(txID string, fn func(*Stats)) error {
	if txID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidTransaction)
	}
	d.mu.Lock()
	fn(&d.stats)
	d.stats.LastUpdated = d.clock()
	d.mu.Unlock()
	d.logger.Info("verdict feedback recorded", "tx_id", txID)
	return nil
}

// Reset clears all entity state and counters. Rules, thresholds and
// trusted or suspicious marks are kept.
func (d *Detector) Reset() {
	d.signals.Reset()
	d.mu.Lock()
	d.stats = Stats{}
	d.mu.Unlock()
	d.logger.Info("detector state reset")
}

// Cleanup evicts idle entity state immediately and returns how many
// records were dropped.
func (d *Detector) Cleanup() int {
	return d.sweeper.SweepNow()
}

// Run evicts idle entity state every SweepInterval until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	d.sweeper.Run(ctx)
}

func (d *Detector) afterSweep(evicted int) {
	metrics.SweptEntitiesTotal.Add(float64(evicted))
	for store, n := range d.signals.EntityCounts() {
		metrics.TrackedEntities.WithLabelValues(store).Set(float64(n))
	}
	if evicted > 0 {
		d.logger.Debug("idle entities evicted", "evicted", evicted)
	}
}
