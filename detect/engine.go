package detect

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/metrics"
)

// ErrRuleNotLoaded is returned for per-rule stats lookups on rules the
// engine has never loaded.
var ErrRuleNotLoaded = errors.New("rule not loaded in engine")

// LoadedRule is a rule bound to its evaluator inside the active rule set.
type LoadedRule struct {
	Rule      core.ThreatRule
	Evaluator Evaluator
}

// ruleSet is an immutable snapshot of the active rules. Reload swaps the
// whole snapshot atomically so in-flight evaluations never see torn state.
type ruleSet struct {
	rules []LoadedRule
	byID  map[string]*LoadedRule
}

// RuleStats are the per-rule execution counters.
type RuleStats struct {
	RuleID           string        `json:"rule_id"`
	TotalExecutions  int64         `json:"total_executions"`
	TotalMatches     int64         `json:"total_matches"`
	LastExecution    time.Time     `json:"last_execution"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
}

// EngineMetrics is the engine-wide aggregate.
type EngineMetrics struct {
	TotalRules      int     `json:"total_rules"`
	ActiveRules     int     `json:"active_rules"`
	TotalExecutions int64   `json:"total_executions"`
	TotalMatches    int64   `json:"total_matches"`
	MatchRate       float64 `json:"match_rate"`
}

// RuleEngine evaluates incoming events against the active rule set. The
// rule set is copy-on-write: many concurrent evaluations read one snapshot
// while ReloadRules prepares and swaps in the next.
type RuleEngine struct {
	registry *Registry
	active   atomic.Pointer[ruleSet]
	logger   *zap.SugaredLogger

	statsMu         sync.Mutex
	stats           map[string]*RuleStats
	totalExecutions atomic.Int64
	totalMatches    atomic.Int64
}

// NewRuleEngine creates an engine with an empty rule set.
func NewRuleEngine(registry *Registry, logger *zap.SugaredLogger) *RuleEngine {
	e := &RuleEngine{
		registry: registry,
		logger:   logger,
		stats:    make(map[string]*RuleStats),
	}
	e.active.Store(&ruleSet{byID: make(map[string]*LoadedRule)})
	return e
}

// ReloadRules atomically swaps the active rule set. Rules failing
// validation or missing an evaluator are skipped with a log entry so one
// bad rule cannot take detection down; valid rules still load.
func (e *RuleEngine) ReloadRules(rules []core.ThreatRule) {
	set := &ruleSet{
		rules: make([]LoadedRule, 0, len(rules)),
		byID:  make(map[string]*LoadedRule, len(rules)),
	}

	for i := range rules {
		rule := rules[i]
		if err := rule.Validate(); err != nil {
			e.logger.Warnw("Skipping invalid rule on reload", "rule_id", rule.ID, "error", err)
			continue
		}
		ev, err := e.registry.Get(rule.ConditionType)
		if err != nil {
			e.logger.Warnw("Skipping rule with no evaluator", "rule_id", rule.ID, "error", err)
			continue
		}
		set.rules = append(set.rules, LoadedRule{Rule: rule, Evaluator: ev})
		set.byID[rule.ID] = &set.rules[len(set.rules)-1]
	}

	e.active.Store(set)
	e.logger.Infof("Rule engine loaded %d of %d rules", len(set.rules), len(rules))
}

// Evaluate runs the context against every active rule and returns matched
// results sorted by severity descending, then score descending, then rule
// id for a stable order. Evaluator errors (malformed configs) are logged
// and counted as non-matches for that rule only.
func (e *RuleEngine) Evaluate(ctx *core.EvaluationContext) []core.RuleEvaluationResult {
	snapshot := e.active.Load()

	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.EventsEvaluated.Inc()

	var matched []core.RuleEvaluationResult
	for i := range snapshot.rules {
		loaded := &snapshot.rules[i]
		if loaded.Rule.Status != core.RuleStatusActive {
			continue
		}

		ruleStart := time.Now()
		res, err := loaded.Evaluator.Evaluate(&loaded.Rule, ctx)
		elapsed := time.Since(ruleStart)

		isMatch := err == nil && res.Matched
		e.recordExecution(loaded.Rule.ID, elapsed, isMatch)

		if err != nil {
			e.logger.Warnw("Rule evaluation failed",
				"rule_id", loaded.Rule.ID,
				"condition_type", loaded.Rule.ConditionType,
				"error", err)
			metrics.RuleEvaluationErrors.WithLabelValues(string(loaded.Rule.ConditionType)).Inc()
			continue
		}
		if res.Matched {
			metrics.RuleMatches.WithLabelValues(string(res.Severity)).Inc()
			matched = append(matched, *res)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Severity.Rank() != matched[j].Severity.Rank() {
			return matched[i].Severity.Rank() > matched[j].Severity.Rank()
		}
		if matched[i].Score != matched[j].Score {
			return matched[i].Score > matched[j].Score
		}
		return matched[i].RuleID < matched[j].RuleID
	})

	return matched
}

// TestRule evaluates an ad-hoc rule against a context without loading it
// into the active set. Used by the rule-test endpoint.
func (e *RuleEngine) TestRule(rule *core.ThreatRule, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	ev, err := e.registry.Get(rule.ConditionType)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(rule, ctx)
}

// GetRule returns the loaded rule-with-evaluator binding, or nil when the
// rule is not in the active set. Callers must treat nil as "not found",
// not as "rule inactive": inactive rules are still loaded.
func (e *RuleEngine) GetRule(ruleID string) *LoadedRule {
	return e.active.Load().byID[ruleID]
}

// GetMetrics returns the engine-wide aggregate counters.
func (e *RuleEngine) GetMetrics() EngineMetrics {
	snapshot := e.active.Load()

	active := 0
	for i := range snapshot.rules {
		if snapshot.rules[i].Rule.Status == core.RuleStatusActive {
			active++
		}
	}

	executions := e.totalExecutions.Load()
	matches := e.totalMatches.Load()
	rate := 0.0
	if executions > 0 {
		rate = float64(matches) / float64(executions)
	}

	return EngineMetrics{
		TotalRules:      len(snapshot.rules),
		ActiveRules:     active,
		TotalExecutions: executions,
		TotalMatches:    matches,
		MatchRate:       rate,
	}
}

// GetRuleStats returns a copy of the per-rule counters.
func (e *RuleEngine) GetRuleStats(ruleID string) (RuleStats, error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	stats, ok := e.stats[ruleID]
	if !ok {
		return RuleStats{}, ErrRuleNotLoaded
	}
	return *stats, nil
}

// recordExecution updates per-rule counters with a cumulative moving
// average of execution time.
func (e *RuleEngine) recordExecution(ruleID string, elapsed time.Duration, matched bool) {
	e.totalExecutions.Add(1)
	if matched {
		e.totalMatches.Add(1)
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	stats, ok := e.stats[ruleID]
	if !ok {
		stats = &RuleStats{RuleID: ruleID}
		e.stats[ruleID] = stats
	}

	stats.TotalExecutions++
	if matched {
		stats.TotalMatches++
	}
	stats.LastExecution = time.Now()
	// Cumulative moving average: avg += (x - avg) / n
	stats.AvgExecutionTime += (elapsed - stats.AvgExecutionTime) / time.Duration(stats.TotalExecutions)
}
