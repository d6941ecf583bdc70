package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluelight/core"
)

func TestSuggestedActions_ExplicitTagsWin(t *testing.T) {
	rule := patternRule(core.FieldPattern{Field: "user_agent", Pattern: "sqlmap"})
	rule.Tags = []string{"scanner", "action:BLOCK_IP", "action:NOTIFY_SOC"}

	assert.Equal(t, []string{"BLOCK_IP", "NOTIFY_SOC"}, suggestedActions(rule))
}

func TestSuggestedActions_DefaultPerConditionShape(t *testing.T) {
	tests := []struct {
		conditionType core.ConditionType
		want          []string
	}{
		{core.ConditionPattern, []string{"BLOCK_IP"}},
		{core.ConditionThreshold, []string{"RATE_LIMIT"}},
		{core.ConditionComposite, []string{"ESCALATE"}},
	}

	for _, tt := range tests {
		rule := &core.ThreatRule{
			ID:            "rule-1",
			ConditionType: tt.conditionType,
			Tags:          []string{"scanner"},
		}
		assert.Equal(t, tt.want, suggestedActions(rule), string(tt.conditionType))
	}
}

func TestSuggestedActions_SurfacedOnMatchedResult(t *testing.T) {
	pe := NewPatternEvaluator()
	rule := patternRule(core.FieldPattern{Field: "user_agent", Pattern: "sqlmap"})

	res, err := pe.Evaluate(rule, &core.EvaluationContext{UserAgent: "sqlmap"})
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, []string{"BLOCK_IP"}, res.SuggestedActions)
}
