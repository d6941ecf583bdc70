package detect

import (
	"fmt"
	"strings"

	"bluelight/core"
)

// Evaluator tests one event context against one rule's configuration. It is
// pure with respect to the given context: threshold evaluators read
// context.RecentEvents rather than hidden state.
//
// A malformed config must fail evaluation with a descriptive error rather
// than silently returning matched=false; the engine logs the error and
// treats it as a non-match for that rule only.
type Evaluator interface {
	Evaluate(rule *core.ThreatRule, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error)
}

// Registry dispatches to the evaluator registered for a condition type.
type Registry struct {
	evaluators map[core.ConditionType]Evaluator
}

// NewRegistry creates a registry with the built-in evaluators registered.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[core.ConditionType]Evaluator)}
	r.Register(core.ConditionPattern, NewPatternEvaluator())
	r.Register(core.ConditionThreshold, NewThresholdEvaluator())
	r.Register(core.ConditionComposite, NewCompositeEvaluator(r))
	return r
}

// Register binds an evaluator to a condition type.
func (r *Registry) Register(ct core.ConditionType, ev Evaluator) {
	r.evaluators[ct] = ev
}

// Get returns the evaluator for a condition type.
func (r *Registry) Get(ct core.ConditionType) (Evaluator, error) {
	ev, ok := r.evaluators[ct]
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for condition type %s", ct)
	}
	return ev, nil
}

// nonMatch builds the shared non-matching result shape.
func nonMatch(rule *core.ThreatRule, reason string) *core.RuleEvaluationResult {
	return &core.RuleEvaluationResult{
		Matched:  false,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Reason:   reason,
	}
}

// defaultActions maps a condition shape to the action tag suggested when a
// rule carries no explicit action tags.
var defaultActions = map[core.ConditionType]string{
	core.ConditionPattern:   "BLOCK_IP",
	core.ConditionThreshold: "RATE_LIMIT",
	core.ConditionComposite: "ESCALATE",
}

// suggestedActions derives action tags for a matched rule: explicit
// "action:<TAG>" rule tags win; otherwise a default per condition shape.
func suggestedActions(rule *core.ThreatRule) []string {
	var actions []string
	for _, tag := range rule.Tags {
		if strings.HasPrefix(tag, "action:") {
			actions = append(actions, strings.TrimPrefix(tag, "action:"))
		}
	}
	if len(actions) == 0 {
		if def, ok := defaultActions[rule.ConditionType]; ok {
			actions = append(actions, def)
		}
	}
	return actions
}

// stringify renders a context field value for pattern matching.
func stringify(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}
