package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluelight/core"
)

func patternChild(field, pattern string) map[string]interface{} {
	return map[string]interface{}{
		"condition_type": "PATTERN",
		"config": map[string]interface{}{
			"patterns": []interface{}{map[string]interface{}{"field": field, "pattern": pattern}},
		},
	}
}

func compositeRule(operator string, children ...map[string]interface{}) *core.ThreatRule {
	conds := make([]interface{}, 0, len(children))
	for _, c := range children {
		conds = append(conds, c)
	}
	return &core.ThreatRule{
		ID:            "rule-composite",
		Name:          "composite rule",
		ConditionType: core.ConditionComposite,
		Severity:      core.SeverityCritical,
		Status:        core.RuleStatusActive,
		Config:        map[string]interface{}{"operator": operator, "conditions": conds},
	}
}

func TestCompositeEvaluator_AND(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	rule := compositeRule("AND",
		patternChild("user_agent", "sqlmap"),
		patternChild("event_type", "login_failed"),
	)

	res, err := ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "sqlmap", EventType: "login_failed"})
	require.NoError(t, err)
	assert.True(t, res.Matched)

	res, err = ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "sqlmap", EventType: "page_view"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestCompositeEvaluator_OR(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	rule := compositeRule("OR",
		patternChild("user_agent", "sqlmap"),
		patternChild("user_agent", "nikto"),
	)

	res, err := ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "nikto"})
	require.NoError(t, err)
	assert.True(t, res.Matched)

	res, err = ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "curl"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestCompositeEvaluator_NOT(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	rule := compositeRule("NOT", patternChild("user_agent", "trusted-agent"))

	res, err := ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "curl"})
	require.NoError(t, err)
	assert.True(t, res.Matched)

	res, err = ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "trusted-agent"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestCompositeEvaluator_NOTRequiresSingleChild(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	rule := compositeRule("NOT",
		patternChild("user_agent", "a"),
		patternChild("user_agent", "b"),
	)

	_, err := ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "x"})
	require.Error(t, err)
}

func TestCompositeEvaluator_ANDShortCircuits(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	// First child does not match; second child has an invalid regex that
	// would error if evaluated.
	rule := compositeRule("AND",
		patternChild("user_agent", "sqlmap"),
		map[string]interface{}{
			"condition_type": "PATTERN",
			"config": map[string]interface{}{
				"patterns": []interface{}{map[string]interface{}{"field": "user_agent", "pattern": "([bad", "is_regex": true}},
			},
		},
	)

	res, err := ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "curl"})
	require.NoError(t, err, "AND must stop at the first non-matching child")
	assert.False(t, res.Matched)
}

func TestCompositeEvaluator_ORShortCircuits(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	rule := compositeRule("OR",
		patternChild("user_agent", "sqlmap"),
		map[string]interface{}{
			"condition_type": "PATTERN",
			"config": map[string]interface{}{
				"patterns": []interface{}{map[string]interface{}{"field": "user_agent", "pattern": "([bad", "is_regex": true}},
			},
		},
	)

	res, err := ce.Evaluate(rule, &core.EvaluationContext{UserAgent: "sqlmap"})
	require.NoError(t, err, "OR must stop at the first matching child")
	assert.True(t, res.Matched)
}

func TestCompositeEvaluator_MixedConditionTypes(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	now := time.Now().UTC()

	rule := compositeRule("AND",
		patternChild("event_type", "login_failed"),
		map[string]interface{}{
			"condition_type": "THRESHOLD",
			"config":         map[string]interface{}{"threshold": 2, "window_seconds": 300},
		},
	)

	ctx := &core.EvaluationContext{
		EventType: "login_failed",
		Timestamp: now,
		RecentEvents: []core.SecurityEvent{
			{EventID: "e1", EventType: "login_failed", Timestamp: now.Add(-time.Second)},
			{EventID: "e2", EventType: "login_failed", Timestamp: now.Add(-2 * time.Second)},
		},
	}

	res, err := ce.Evaluate(rule, ctx)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "AND", res.Evidence["operator"])
}

func TestCompositeEvaluator_ScoreCombination(t *testing.T) {
	assert.Equal(t, 30, combineScores("AND", []int{70, 30, 50}), "AND takes the weakest child score")
	assert.Equal(t, 70, combineScores("OR", []int{30, 70, 50}), "OR takes the strongest child score")
}

func TestCompositeEvaluator_NestedComposite(t *testing.T) {
	ce := NewCompositeEvaluator(NewRegistry())
	inner := map[string]interface{}{
		"condition_type": "COMPOSITE",
		"config": map[string]interface{}{
			"operator":   "OR",
			"conditions": []interface{}{patternChild("user_agent", "sqlmap"), patternChild("user_agent", "nikto")},
		},
	}
	rule := compositeRule("AND", patternChild("event_type", "login_failed"), inner)

	res, err := ce.Evaluate(rule, &core.EvaluationContext{EventType: "login_failed", UserAgent: "nikto"})
	require.NoError(t, err)
	assert.True(t, res.Matched)
}
