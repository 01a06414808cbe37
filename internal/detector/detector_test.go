package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

var base = time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC)

// stubSignal returns a fixed score, error or panic. When block is set it
// waits for the channel and ignores its context.
type stubSignal struct {
	score float64
	err   error
	panic bool
	block chan struct{}
	calls atomic.Int32
}

func (s *stubSignal) Kind() signals.Kind { return signals.KindExpression }

func (s *stubSignal) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.panic {
		panic("boom")
	}
	return s.score, s.err
}

func rule(name string, weight, threshold float64) domain.DetectionRule {
	return domain.DetectionRule{Name: name, Weight: weight, Threshold: threshold, Enabled: true}
}

// customConfig enables only the given custom rules.
func customConfig(rules ...domain.DetectionRule) *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Detector.Rules = nil
	cfg.Detector.CustomRules = rules
	cfg.Detector.SignalTimeout = 50 * time.Millisecond
	return cfg
}

func newDetector(cfg *domain.Config, stubs map[string]signals.Signal) *Detector {
	return New(cfg, Options{
		Dependencies: signals.Dependencies{Clock: func() time.Time { return base }},
		Signals:      stubs,
	})
}

func newTx(id, user string, amount float64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		UserID:    user,
		Amount:    decimal.NewFromFloat(amount),
		Currency:  "USD",
		Timestamp: at,
	}
}

func TestAnalyzeAggregation(t *testing.T) {
	t.Run("ExactWeightedAggregateExcludesFailures", func(t *testing.T) {
		slow := &stubSignal{score: 1, block: make(chan struct{})}
		t.Cleanup(func() { close(slow.block) })

		d := newDetector(customConfig(
			rule("high", 2, 0.5),
			rule("low", 1, 0.5),
			rule("failing", 5, 0.5),
			rule("slow", 5, 0.5),
			rule("panicky", 5, 0.5),
		), map[string]signals.Signal{
			"high":    &stubSignal{score: 0.9},
			"low":     &stubSignal{score: 0.3},
			"failing": &stubSignal{err: errors.New("lookup failed")},
			"slow":    slow,
			"panicky": &stubSignal{panic: true},
		})

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))

		// (0.9*2 + 0.3*1) / 3
		assert.InDelta(t, 0.7, res.RiskScore, 1e-9)
		assert.True(t, res.IsFraudulent)
		assert.Equal(t, []string{"high"}, res.TriggeredRules)
		assert.InDelta(t, 0.2, res.Confidence, 1e-9)

		assert.Equal(t, 2, res.Details.RulesEvaluated)
		assert.Equal(t, 3, res.Details.RulesFailed)
		assert.Equal(t, 0, res.Details.RulesSkipped)
		require.Len(t, res.Details.Failures, 3)
		assert.Contains(t, res.Details.Failures["failing"], "lookup failed")
		assert.Contains(t, res.Details.Failures["slow"], domain.ErrSignalTimeout.Error())
		assert.Contains(t, res.Details.Failures["panicky"], "panicked")

		require.Len(t, res.Scores, 2)
		assert.Equal(t, "high", res.Scores[0].Rule)
		assert.True(t, res.Scores[0].Triggered)
		assert.Equal(t, "low", res.Scores[1].Rule)
		assert.False(t, res.Scores[1].Triggered)

		assert.Equal(t, []string{recommendMoreData}, res.Recommendations)
		assert.Equal(t, domain.AlgorithmName, res.Details.Algorithm)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, "tx-1", res.TransactionID)
	})

	t.Run("ThresholdIsInclusive", func(t *testing.T) {
		d := newDetector(customConfig(rule("edge", 1, 0.6)),
			map[string]signals.Signal{"edge": &stubSignal{score: 0.6}})

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))
		assert.Equal(t, []string{"edge"}, res.TriggeredRules)
		assert.InDelta(t, 1.0, res.Confidence, 1e-9)
		assert.False(t, res.IsFraudulent)
	})

	t.Run("ZeroWeightsYieldZero", func(t *testing.T) {
		d := newDetector(customConfig(rule("a", 0, 0.5), rule("b", -3, 0.5)),
			map[string]signals.Signal{"a": &stubSignal{score: 1}, "b": &stubSignal{score: 1}})

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))
		assert.Zero(t, res.RiskScore)
		assert.Equal(t, []string{"a", "b"}, res.TriggeredRules)
		assert.False(t, res.IsFraudulent)
	})

	t.Run("OutOfRangeScoresAreClamped", func(t *testing.T) {
		d := newDetector(customConfig(rule("wild", 1, 0.5)),
			map[string]signals.Signal{"wild": &stubSignal{score: 7}})

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))
		assert.Equal(t, 1.0, res.RiskScore)
		assert.Contains(t, res.Recommendations, recommendManualReview)
	})

	t.Run("NoEnabledRules", func(t *testing.T) {
		d := newDetector(customConfig(), nil)

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))
		assert.Zero(t, res.RiskScore)
		assert.Zero(t, res.Confidence)
		assert.False(t, res.IsFraudulent)
		assert.Empty(t, res.TriggeredRules)
		assert.Equal(t, []string{recommendMoreData}, res.Recommendations)
	})

	t.Run("RuleWithoutSignalIsSkipped", func(t *testing.T) {
		d := newDetector(customConfig(rule("ghost", 1, 0.5), rule("real", 1, 0.5)),
			map[string]signals.Signal{"real": &stubSignal{score: 0.8}})

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))
		assert.Equal(t, 1, res.Details.RulesSkipped)
		assert.InDelta(t, 0.8, res.RiskScore, 1e-9)
		// Skipped rules stay in the confidence denominator.
		assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	})

	t.Run("DisabledRulesAreNotInvoked", func(t *testing.T) {
		off := &stubSignal{score: 1}
		r := rule("off", 1, 0.5)
		r.Enabled = false
		d := newDetector(customConfig(r), map[string]signals.Signal{"off": off})

		d.Analyze(context.Background(), newTx("tx-1", "user-1", 10, base))
		assert.Zero(t, off.calls.Load())
	})
}

func TestAnalyzeInvalidInput(t *testing.T) {
	d := newDetector(domain.DefaultConfig(), nil)

	t.Run("MissingUser", func(t *testing.T) {
		res := d.Analyze(context.Background(), newTx("tx-1", "", 10, base))
		require.NotNil(t, res)
		assert.Zero(t, res.RiskScore)
		assert.Equal(t, "tx-1", res.TransactionID)
		assert.Contains(t, res.Details.Failures["transaction"], "user id is required")
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		res := d.Analyze(context.Background(), newTx("tx-2", "user-1", -5, base))
		assert.Contains(t, res.Details.Failures, "transaction")
		assert.False(t, res.IsFraudulent)
	})

	t.Run("Nil", func(t *testing.T) {
		res := d.Analyze(context.Background(), nil)
		require.NotNil(t, res)
		assert.Contains(t, res.Details.Failures, "transaction")
	})

	assert.Equal(t, int64(3), d.Stats().InvalidTransactions)
	assert.Zero(t, d.Stats().TotalAnalyses)
}

func TestAnalyzeBuiltinSignals(t *testing.T) {
	t.Run("VelocityBurst", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Detector.Rules = []string{"velocity"}
		cfg.Signals.Velocity.MaxAmount = 1000
		d := newDetector(cfg, nil)

		for i := 0; i < 10; i++ {
			at := base.Add(-50*time.Minute + time.Duration(i)*5*time.Minute)
			d.Analyze(context.Background(), newTx(fmt.Sprintf("prior-%d", i), "user-1", 100, at))
		}
		res := d.Analyze(context.Background(), newTx("burst", "user-1", 100, base))

		s, ok := res.Score("velocity")
		require.True(t, ok)
		assert.GreaterOrEqual(t, s.Score, 0.95)
		assert.True(t, res.HasTriggered("velocity"))
		assert.Contains(t, res.Recommendations, ruleRecommendations[0].text)

		stats := d.VelocityStats("user-1", time.Hour)
		assert.Equal(t, 11, stats.Count)
	})

	t.Run("LargeAmount", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Detector.Rules = []string{"amount"}
		d := newDetector(cfg, nil)

		res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 15000, base))
		assert.Equal(t, 1.0, res.RiskScore)
		assert.True(t, res.IsFraudulent)
		assert.Equal(t, []string{
			"Review transaction amount thresholds and user spending patterns",
			recommendManualReview,
		}, res.Recommendations)
	})

	t.Run("ScoresStayInBounds", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Detector.Rules = append(domain.DefaultRules(), "ml")
		d := newDetector(cfg, nil)

		locs := []domain.Location{
			{Lat: 40.7128, Lng: -74.0060, Country: "US"},
			{Lat: 51.5074, Lng: -0.1278, Country: "GB"},
			{Lat: 35.6762, Lng: 139.6503, Country: "JP"},
		}
		for i := 0; i < 60; i++ {
			tx := newTx(fmt.Sprintf("tx-%d", i), fmt.Sprintf("user-%d", i%4), float64(i*i*7%20000), base.Add(time.Duration(i)*7*time.Minute))
			loc := locs[i%len(locs)]
			tx.Location = &loc
			tx.MerchantID = fmt.Sprintf("m-%d", i%5)
			tx.MerchantCategory = []string{"grocery", "gambling", "travel"}[i%3]
			tx.DeviceID = fmt.Sprintf("d-%d", i%3)
			tx.IPAddress = fmt.Sprintf("81.2.69.%d", i%7)

			res := d.Analyze(context.Background(), tx)
			assert.GreaterOrEqual(t, res.RiskScore, 0.0)
			assert.LessOrEqual(t, res.RiskScore, 1.0)
			assert.GreaterOrEqual(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
			assert.Zero(t, res.Details.RulesFailed, "failures: %v", res.Details.Failures)
		}
		assert.Equal(t, int64(60), d.Stats().TotalAnalyses)
	})

	t.Run("CancelledContextLeavesStateUntouched", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Detector.Rules = []string{"velocity"}
		d := newDetector(cfg, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := d.Analyze(ctx, newTx("tx-1", "user-1", 100, base))

		assert.Equal(t, 1, res.Details.RulesFailed)
		assert.Zero(t, res.RiskScore)
		assert.Zero(t, d.VelocityStats("user-1", time.Hour).Count)
	})

	t.Run("ZeroTimestampUsesClock", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Detector.Rules = []string{"velocity"}
		d := newDetector(cfg, nil)

		d.Analyze(context.Background(), newTx("tx-1", "user-1", 100, time.Time{}))
		assert.Equal(t, 1, d.VelocityStats("user-1", time.Minute).Count)
	})
}

func TestConcurrentAnalyzeSharedEntities(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Detector.Rules = []string{"velocity", "device", "network", "merchant"}
	cfg.Detector.SignalTimeout = 5 * time.Second
	d := newDetector(cfg, nil)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := newTx(fmt.Sprintf("tx-%d", i), "user-1", 10, base)
			tx.DeviceID = "d-1"
			tx.IPAddress = "81.2.69.1"
			tx.MerchantID = "m-1"
			res := d.Analyze(context.Background(), tx)
			assert.Zero(t, res.Details.RulesFailed, "failures: %v", res.Details.Failures)
		}(i)
	}
	wg.Wait()

	stats := d.VelocityStats("user-1", time.Hour)
	assert.Equal(t, n, stats.Count)
	assert.True(t, decimal.NewFromInt(10*n).Equal(stats.TotalAmount), stats.TotalAmount.String())

	fp, err := d.DeviceFingerprint("d-1")
	require.NoError(t, err)
	assert.Equal(t, n, fp.TransactionCount)

	ip, err := d.IPProfile("81.2.69.1")
	require.NoError(t, err)
	assert.Equal(t, n, ip.TransactionCount)

	mp, err := d.MerchantProfile("m-1")
	require.NoError(t, err)
	assert.Equal(t, n, mp.TransactionCount)

	assert.Equal(t, int64(n), d.Stats().TotalAnalyses)
}

func TestExpressionRules(t *testing.T) {
	big := rule("big_spend", 1, 0.5)
	big.Expression = "amount > 1000.0"
	broken := rule("broken", 1, 0.5)
	broken.Expression = "amount >"

	d := newDetector(customConfig(big, broken), nil)

	r, ok := d.Registry().Rule("broken")
	require.True(t, ok)
	assert.False(t, r.Enabled)

	res := d.Analyze(context.Background(), newTx("tx-1", "user-1", 5000, base))
	assert.Equal(t, []string{"big_spend"}, res.TriggeredRules)
	assert.Equal(t, 1.0, res.RiskScore)

	res = d.Analyze(context.Background(), newTx("tx-2", "user-1", 50, base))
	assert.Empty(t, res.TriggeredRules)
	assert.Zero(t, res.RiskScore)
}

func TestDetectorMutations(t *testing.T) {
	t.Run("GlobalThreshold", func(t *testing.T) {
		d := newDetector(customConfig(rule("mid", 1, 0.9)),
			map[string]signals.Signal{"mid": &stubSignal{score: 0.5}})

		assert.False(t, d.Analyze(context.Background(), newTx("tx-1", "u", 1, base)).IsFraudulent)
		require.NoError(t, d.UpdateGlobalThreshold(0.5))
		assert.True(t, d.Analyze(context.Background(), newTx("tx-2", "u", 1, base)).IsFraudulent)

		assert.ErrorIs(t, d.UpdateGlobalThreshold(1.5), domain.ErrInvalidThreshold)
		assert.Equal(t, 0.5, d.GlobalThreshold())
	})

	t.Run("RuleThresholdAndToggle", func(t *testing.T) {
		d := newDetector(customConfig(rule("mid", 1, 0.9)),
			map[string]signals.Signal{"mid": &stubSignal{score: 0.5}})

		require.NoError(t, d.UpdateThreshold("mid", 0.4))
		assert.True(t, d.Analyze(context.Background(), newTx("tx-1", "u", 1, base)).HasTriggered("mid"))

		require.NoError(t, d.DisableRule("mid"))
		assert.Empty(t, d.Analyze(context.Background(), newTx("tx-2", "u", 1, base)).Scores)
		require.NoError(t, d.EnableRule("mid"))

		assert.ErrorIs(t, d.UpdateThreshold("nope", 0.4), domain.ErrUnknownRule)
		assert.ErrorIs(t, d.UpdateThreshold("mid", -1), domain.ErrInvalidThreshold)
		assert.ErrorIs(t, d.EnableRule("nope"), domain.ErrUnknownRule)
	})

	t.Run("Feedback", func(t *testing.T) {
		d := newDetector(customConfig(), nil)
		require.NoError(t, d.MarkFalsePositive("tx-1"))
		require.NoError(t, d.MarkFalsePositive("tx-2"))
		require.NoError(t, d.MarkFalseNegative("tx-3"))
		assert.ErrorIs(t, d.MarkFalseNegative(""), domain.ErrInvalidTransaction)

		s := d.Stats()
		assert.Equal(t, int64(2), s.FalsePositives)
		assert.Equal(t, int64(1), s.FalseNegatives)
	})

	t.Run("ResetAndCleanup", func(t *testing.T) {
		now := base
		cfg := domain.DefaultConfig()
		d := New(cfg, Options{Dependencies: signals.Dependencies{Clock: func() time.Time { return now }}})

		tx := newTx("tx-1", "user-1", 100, base)
		tx.DeviceID = "d-1"
		tx.IPAddress = "81.2.69.1"
		d.Analyze(context.Background(), tx)
		assert.Equal(t, 1, d.Stats().Entities["velocity_users"])

		now = base.Add(2 * time.Hour)
		assert.Positive(t, d.Cleanup())
		assert.Zero(t, d.Stats().Entities["velocity_users"])
		assert.Equal(t, 1, d.Stats().Entities["device_profiles"])

		d.Reset()
		s := d.Stats()
		assert.Zero(t, s.TotalAnalyses)
		assert.Zero(t, s.Entities["device_profiles"])
		assert.Equal(t, len(domain.DefaultRules()), s.RulesEnabled)
	})
}

func TestDetectorQueries(t *testing.T) {
	cfg := domain.DefaultConfig()
	d := newDetector(cfg, nil)

	tx := newTx("tx-1", "user-1", 250, base)
	tx.DeviceID = "d-1"
	tx.IPAddress = "81.2.69.1"
	tx.MerchantID = "m-1"
	tx.MerchantCategory = "grocery"
	tx.Location = &domain.Location{Lat: 40.7128, Lng: -74.0060, Country: "US"}
	d.Analyze(context.Background(), tx)

	fp, err := d.DeviceFingerprint("d-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", fp.ID)
	assert.Equal(t, []string{"d-1"}, d.UserDevices("user-1"))

	_, err = d.DeviceFingerprint("d-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mp, err := d.MerchantProfile("m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, mp.TransactionCount)

	ip, err := d.IPProfile("81.2.69.1")
	require.NoError(t, err)
	assert.Equal(t, 1, ip.TransactionCount)
	assert.Equal(t, []string{"81.2.69.1"}, d.UserIPs("user-1"))

	bp, err := d.BehaviorProfile("user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bp.TransactionCount)
	_, err = d.BehaviorProfile("user-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.True(t, d.IsSuspiciousAmount(decimal.NewFromInt(1000), "USD"))
	assert.False(t, d.IsHighRiskAmount(decimal.NewFromInt(1000), "USD"))
	assert.Equal(t, signals.RiskHigh, d.AmountRiskLevel(decimal.NewFromInt(5000), "USD"))

	ny := domain.Location{Lat: 40.7128, Lng: -74.0060}
	london := domain.Location{Lat: 51.5074, Lng: -0.1278}
	assert.True(t, d.IsImpossibleTravel(ny, london, time.Hour))
	assert.False(t, d.IsImpossibleTravel(ny, london, 12*time.Hour))

	d.MarkDeviceSuspicious("d-1")
	d.MarkIPTrusted("81.2.69.1")
	d.MarkMerchantSuspicious("m-1")
	fp, err = d.DeviceFingerprint("d-1")
	require.NoError(t, err)
	assert.True(t, fp.Suspicious)
}
