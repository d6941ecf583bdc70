package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPatternRule() *ThreatRule {
	return &ThreatRule{
		ID:            "rule-1",
		Name:          "suspicious user agent",
		ConditionType: ConditionPattern,
		Severity:      SeverityMedium,
		Status:        RuleStatusActive,
		Config: map[string]interface{}{
			"patterns": []interface{}{
				map[string]interface{}{"field": "user_agent", "pattern": "sqlmap", "is_regex": false},
			},
		},
	}
}

func TestThreatRule_Validate_Valid(t *testing.T) {
	require.NoError(t, validPatternRule().Validate())
}

func TestThreatRule_Validate_StructuralFields(t *testing.T) {
	rule := validPatternRule()
	rule.Name = "  "
	rule.Severity = "URGENT"
	rule.Status = "PAUSED"

	err := rule.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "name")
	assert.Contains(t, verr.Fields, "severity")
	assert.Contains(t, verr.Fields, "status")
}

func TestThreatRule_Validate_PatternSchema(t *testing.T) {
	rule := validPatternRule()
	rule.Config = map[string]interface{}{"patterns": []interface{}{}}

	err := rule.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestThreatRule_Validate_ThresholdSchema(t *testing.T) {
	rule := validPatternRule()
	rule.ConditionType = ConditionThreshold

	rule.Config = map[string]interface{}{"threshold": 5, "window_seconds": 300}
	require.NoError(t, rule.Validate())

	rule.Config = map[string]interface{}{"threshold": 0, "window_seconds": 300}
	require.Error(t, rule.Validate(), "threshold below minimum must fail schema validation")

	rule.Config = map[string]interface{}{"threshold": 5}
	require.Error(t, rule.Validate(), "missing window_seconds must fail schema validation")
}

func TestThreatRule_Validate_CompositeSchema(t *testing.T) {
	child := map[string]interface{}{
		"condition_type": "PATTERN",
		"config": map[string]interface{}{
			"patterns": []interface{}{map[string]interface{}{"field": "event_type", "pattern": "login_failed"}},
		},
	}

	rule := validPatternRule()
	rule.ConditionType = ConditionComposite
	rule.Config = map[string]interface{}{"operator": "AND", "conditions": []interface{}{child}}
	require.NoError(t, rule.Validate())

	rule.Config = map[string]interface{}{"operator": "XOR", "conditions": []interface{}{child}}
	require.Error(t, rule.Validate(), "unknown operator must fail")

	rule.Config = map[string]interface{}{"operator": "NOT", "conditions": []interface{}{child, child}}
	err := rule.Validate()
	require.Error(t, err, "NOT requires exactly one child")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "config.operator")
}

func TestThreatRule_Validate_CompositeRejectsMalformedChild(t *testing.T) {
	rule := validPatternRule()
	rule.ConditionType = ConditionComposite
	rule.Config = map[string]interface{}{
		"operator": "AND",
		"conditions": []interface{}{
			map[string]interface{}{
				"condition_type": "THRESHOLD",
				"config":         map[string]interface{}{"threshold": 5}, // missing window_seconds
			},
		},
	}

	require.Error(t, rule.Validate())
}

func TestThreatRule_ConfigDecoding(t *testing.T) {
	rule := validPatternRule()
	cfg, err := rule.PatternConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Patterns, 1)
	assert.Equal(t, "user_agent", cfg.Patterns[0].Field)

	_, err = rule.ThresholdConfig()
	require.Error(t, err, "decoding with the wrong condition type must fail")
}

func TestSeverity_Rank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, 0, Severity("BOGUS").Rank())
	assert.False(t, Severity("BOGUS").IsValid())
}

func TestEvaluationContext_Field(t *testing.T) {
	ec := &EvaluationContext{
		UserID:    "alice",
		EventType: "login_failed",
		Metadata:  map[string]interface{}{"path": "/admin", "attempts": 3},
	}

	assert.Equal(t, "alice", ec.Field("user_id"))
	assert.Equal(t, "login_failed", ec.Field("event_type"))
	assert.Equal(t, "/admin", ec.Field("metadata.path"))
	assert.Equal(t, 3, ec.Field("metadata.attempts"))
	assert.Nil(t, ec.Field("email"), "empty fields resolve to nil")
	assert.Nil(t, ec.Field("metadata.missing"))
	assert.Nil(t, ec.Field("no_such_field"))
}
