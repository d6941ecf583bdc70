package detect

import (
	"fmt"

	"bluelight/core"
)

// CompositeEvaluator combines child conditions with a boolean operator.
// AND short-circuits on the first false child, OR on the first true child;
// either way the result carries merged evidence from every child that was
// actually evaluated.
type CompositeEvaluator struct {
	registry *Registry
}

// NewCompositeEvaluator creates a composite evaluator dispatching children
// through the given registry.
func NewCompositeEvaluator(registry *Registry) *CompositeEvaluator {
	return &CompositeEvaluator{registry: registry}
}

// Evaluate implements Evaluator.
func (ce *CompositeEvaluator) Evaluate(rule *core.ThreatRule, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	cfg, err := rule.CompositeConfig()
	if err != nil {
		return nil, err
	}

	switch cfg.Operator {
	case "AND", "OR":
		return ce.evaluateAndOr(rule, cfg, ctx)
	case "NOT":
		return ce.evaluateNot(rule, cfg, ctx)
	default:
		return nil, fmt.Errorf("composite rule %s has unknown operator %q", rule.ID, cfg.Operator)
	}
}

func (ce *CompositeEvaluator) evaluateAndOr(rule *core.ThreatRule, cfg *core.CompositeConfig, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	var childEvidence []interface{}
	var matchedScores []int

	for i, child := range cfg.Conditions {
		res, err := ce.evaluateChild(rule, i, child, ctx)
		if err != nil {
			return nil, err
		}
		childEvidence = append(childEvidence, childResultEvidence(i, res))

		if res.Matched {
			matchedScores = append(matchedScores, res.Score)
			if cfg.Operator == "OR" {
				break
			}
		} else if cfg.Operator == "AND" {
			return compositeNonMatch(rule, cfg.Operator, childEvidence,
				fmt.Sprintf("child condition %d did not match", i)), nil
		}
	}

	if len(matchedScores) == 0 {
		return compositeNonMatch(rule, cfg.Operator, childEvidence, "no child condition matched"), nil
	}

	return &core.RuleEvaluationResult{
		Matched:  true,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Score:    combineScores(cfg.Operator, matchedScores),
		Reason:   fmt.Sprintf("%s of %d child conditions satisfied", cfg.Operator, len(cfg.Conditions)),
		Evidence: map[string]interface{}{
			"operator": cfg.Operator,
			"children": childEvidence,
		},
		SuggestedActions: suggestedActions(rule),
	}, nil
}

func (ce *CompositeEvaluator) evaluateNot(rule *core.ThreatRule, cfg *core.CompositeConfig, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	if len(cfg.Conditions) != 1 {
		return nil, fmt.Errorf("composite rule %s: NOT requires exactly one child condition, got %d", rule.ID, len(cfg.Conditions))
	}

	res, err := ce.evaluateChild(rule, 0, cfg.Conditions[0], ctx)
	if err != nil {
		return nil, err
	}

	childEvidence := []interface{}{childResultEvidence(0, res)}
	if res.Matched {
		return compositeNonMatch(rule, "NOT", childEvidence, "negated child condition matched"), nil
	}

	return &core.RuleEvaluationResult{
		Matched:  true,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Score:    rule.Severity.BaseScore(),
		Reason:   "negated child condition did not match",
		Evidence: map[string]interface{}{
			"operator": "NOT",
			"children": childEvidence,
		},
		SuggestedActions: suggestedActions(rule),
	}, nil
}

// evaluateChild runs one child condition through the registry using a
// synthetic rule carrying the parent's identity and severity.
func (ce *CompositeEvaluator) evaluateChild(parent *core.ThreatRule, index int, child core.ChildCondition, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	ev, err := ce.registry.Get(child.ConditionType)
	if err != nil {
		return nil, fmt.Errorf("composite rule %s child %d: %w", parent.ID, index, err)
	}

	childRule := &core.ThreatRule{
		ID:            fmt.Sprintf("%s#%d", parent.ID, index),
		Name:          parent.Name,
		ConditionType: child.ConditionType,
		Severity:      parent.Severity,
		Status:        core.RuleStatusActive,
		Config:        child.Config,
	}

	res, err := ev.Evaluate(childRule, ctx)
	if err != nil {
		return nil, fmt.Errorf("composite rule %s child %d: %w", parent.ID, index, err)
	}
	return res, nil
}

func childResultEvidence(index int, res *core.RuleEvaluationResult) map[string]interface{} {
	return map[string]interface{}{
		"index":    index,
		"matched":  res.Matched,
		"score":    res.Score,
		"reason":   res.Reason,
		"evidence": res.Evidence,
	}
}

func compositeNonMatch(rule *core.ThreatRule, operator string, childEvidence []interface{}, reason string) *core.RuleEvaluationResult {
	res := nonMatch(rule, reason)
	res.Evidence = map[string]interface{}{
		"operator": operator,
		"children": childEvidence,
	}
	return res
}

// combineScores merges matched child scores: AND takes the weakest link,
// OR the strongest.
func combineScores(operator string, scores []int) int {
	combined := scores[0]
	for _, s := range scores[1:] {
		if operator == "AND" && s < combined {
			combined = s
		}
		if operator == "OR" && s > combined {
			combined = s
		}
	}
	return combined
}
