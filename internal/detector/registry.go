package detector

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// Registry holds the ordered detection rules. Built-in rules resolve to a
// signal by name; custom rules carrying an expression own a compiled
// signal of their own.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	index   map[string]int
	env     *signals.ExpressionEnv
	logger  *slog.Logger
}

type entry struct {
	rule domain.DetectionRule

	// expr is set for rules backed by a compiled expression.
	expr signals.Signal
}

// NewRegistry builds the registry from cfg. Every built-in rule is
// registered in default order; only those named in cfg.Rules are enabled.
func NewRegistry(cfg domain.DetectorConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		index:  make(map[string]int),
		logger: logger,
	}

	env, err := signals.NewExpressionEnv()
	if err != nil {
		logger.Error("expression rules unavailable", "error", err)
	}
	r.env = env

	enabled := make(map[string]bool, len(cfg.Rules))
	for _, name := range cfg.Rules {
		enabled[name] = true
	}

	defaults := domain.DefaultRuleSettings()
	for _, name := range domain.SignalNames {
		d := defaults[name]
		threshold := d.Threshold
		if t, ok := cfg.Thresholds[string(name)]; ok {
			threshold = clampThreshold(string(name), t, logger)
		}
		r.put(entry{rule: domain.DetectionRule{
			Name:      string(name),
			Weight:    d.Weight,
			Threshold: threshold,
			Enabled:   enabled[string(name)],
		}})
	}

	custom := make(map[string]bool, len(cfg.CustomRules))
	for _, rule := range cfg.CustomRules {
		custom[rule.Name] = true
		if t, ok := cfg.Thresholds[rule.Name]; ok {
			rule.Threshold = t
		}
		if err := r.Add(rule); err != nil {
			logger.Warn("custom rule disabled", "rule", rule.Name, "error", err)
		}
	}

	for _, name := range cfg.Rules {
		if !domain.SignalName(name).Valid() && !custom[name] {
			logger.Warn("ignoring unknown rule", "rule", name)
		}
	}

	return r
}

func clampThreshold(name string, t float64, logger *slog.Logger) float64 {
	if t >= 0 && t <= 1 {
		return t
	}
	clamped := min(max(t, 0), 1)
	logger.Warn("threshold out of range, clamping", "rule", name, "threshold", t, "clamped", clamped)
	return clamped
}

// put inserts or replaces e. Callers hold mu or own r exclusively.
func (r *Registry) put(e entry) {
	if i, ok := r.index[e.rule.Name]; ok {
		r.entries[i] = e
		return
	}
	r.index[e.rule.Name] = len(r.entries)
	r.entries = append(r.entries, e)
}

// Add registers rule, replacing any rule with the same name. A rule with an
// expression is compiled first; if compilation fails the rule is still
// registered, disabled, and the compile error is returned.
func (r *Registry) Add(rule domain.DetectionRule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if rule.Weight < 0 {
		rule.Weight = 0
	}
	rule.Threshold = clampThreshold(rule.Name, rule.Threshold, r.logger)

	e := entry{rule: rule}
	var compileErr error
	if rule.Expression != "" {
		if r.env == nil {
			compileErr = fmt.Errorf("rule %s: expression environment unavailable", rule.Name)
		} else {
			e.expr, compileErr = r.env.Compile(rule.Name, rule.Expression)
		}
		if compileErr != nil {
			e.rule.Enabled = false
		}
	}

	r.mu.Lock()
	r.put(e)
	r.mu.Unlock()

	if compileErr != nil {
		return compileErr
	}
	return nil
}

// Rules returns a copy of every registered rule in registry order.
func (r *Registry) Rules() []domain.DetectionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DetectionRule, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.rule
	}
	return out
}

// Rule returns the named rule.
func (r *Registry) Rule(name string) (domain.DetectionRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return domain.DetectionRule{}, false
	}
	return r.entries[i].rule, true
}

// EnabledCount returns the number of enabled rules.
func (r *Registry) EnabledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.rule.Enabled {
			n++
		}
	}
	return n
}

// SetThreshold changes the named rule's threshold.
func (r *Registry) SetThreshold(name string, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: got %v for rule %s", domain.ErrInvalidThreshold, threshold, name)
	}
	return r.modify(name, func(rule *domain.DetectionRule) { rule.Threshold = threshold })
}

// SetWeight changes the named rule's weight. Negative weights become 0.
func (r *Registry) SetWeight(name string, weight float64) error {
	return r.modify(name, func(rule *domain.DetectionRule) { rule.Weight = max(weight, 0) })
}

// Enable turns the named rule on.
func (r *Registry) Enable(name string) error {
	return r.modify(name, func(rule *domain.DetectionRule) { rule.Enabled = true })
}

// Disable turns the named rule off.
func (r *Registry) Disable(name string) error {
	return r.modify(name, func(rule *domain.DetectionRule) { rule.Enabled = false })
}

func (r *Registry) modify(name string, fn func(*domain.DetectionRule)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRule, name)
	}
	fn(&r.entries[i].rule)
	return nil
}

// snapshot returns the current entries. Analyses work on the copy so rule
// changes never apply halfway through an analysis.
func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}
