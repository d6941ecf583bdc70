package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bluelight/core"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRule(id string) *core.ThreatRule {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.ThreatRule{
		ID:            id,
		Name:          "suspicious user agent " + id,
		Description:   "matches known scanner user agents",
		ConditionType: core.ConditionPattern,
		Severity:      core.SeverityMedium,
		Status:        core.RuleStatusActive,
		Config: map[string]interface{}{
			"patterns": []interface{}{
				map[string]interface{}{"field": "user_agent", "pattern": "sqlmap"},
			},
		},
		Tags:      []string{"scanner", "web"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteRuleStorage_CreateAndGet(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	rule := sampleRule("rule-1")
	require.NoError(t, store.CreateRule(rule))

	got, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.ConditionType, got.ConditionType)
	assert.Equal(t, rule.Tags, got.Tags)
	require.Contains(t, got.Config, "patterns")
}

func TestSQLiteRuleStorage_CreateDuplicateFails(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	require.NoError(t, store.CreateRule(sampleRule("rule-1")))
	err := store.CreateRule(sampleRule("rule-1"))
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestSQLiteRuleStorage_GetMissing(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	_, err := store.GetRule("nope")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestSQLiteRuleStorage_Update(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	rule := sampleRule("rule-1")
	require.NoError(t, store.CreateRule(rule))

	rule.Name = "renamed rule"
	rule.Severity = core.SeverityCritical
	rule.Status = core.RuleStatusInactive
	require.NoError(t, store.UpdateRule(rule))

	got, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed rule", got.Name)
	assert.Equal(t, core.SeverityCritical, got.Severity)
	assert.Equal(t, core.RuleStatusInactive, got.Status)

	missing := sampleRule("ghost")
	assert.ErrorIs(t, store.UpdateRule(missing), ErrRuleNotFound)
}

func TestSQLiteRuleStorage_Delete(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	require.NoError(t, store.CreateRule(sampleRule("rule-1")))
	require.NoError(t, store.DeleteRule("rule-1"))

	_, err := store.GetRule("rule-1")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, store.DeleteRule("rule-1"), ErrRuleNotFound)
}

func TestSQLiteRuleStorage_GetRulesFiltering(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	active := sampleRule("rule-active")
	inactive := sampleRule("rule-inactive")
	inactive.Status = core.RuleStatusInactive
	inactive.Severity = core.SeverityHigh
	require.NoError(t, store.CreateRule(active))
	require.NoError(t, store.CreateRule(inactive))

	rules, err := store.GetRules(&core.RuleFilter{Status: core.RuleStatusActive}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "rule-active", rules[0].ID)

	rules, err = store.GetRules(&core.RuleFilter{Severity: core.SeverityHigh}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "rule-inactive", rules[0].ID)

	rules, err = store.GetRules(&core.RuleFilter{Tag: "scanner"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	rules, err = store.GetRules(nil, 1, 0)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "limit must apply")
}

func TestSQLiteRuleStorage_RecordMatchAndStatistics(t *testing.T) {
	store := NewSQLiteRuleStorage(newTestSQLite(t), zap.NewNop().Sugar())

	rule := sampleRule("rule-1")
	require.NoError(t, store.CreateRule(rule))
	other := sampleRule("rule-2")
	other.ConditionType = core.ConditionThreshold
	other.Config = map[string]interface{}{"threshold": 5, "window_seconds": 60}
	other.Severity = core.SeverityHigh
	other.Status = core.RuleStatusInactive
	require.NoError(t, store.CreateRule(other))

	require.NoError(t, store.RecordMatch("rule-1", time.Now().UTC()))
	require.NoError(t, store.RecordMatch("rule-1", time.Now().UTC()))

	count, err := store.GetRuleCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	stats, err := store.GetRuleStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRules)
	assert.Equal(t, int64(1), stats.ActiveRules)
	assert.Equal(t, int64(1), stats.InactiveRules)
	assert.Equal(t, int64(1), stats.RulesByType[core.ConditionPattern])
	assert.Equal(t, int64(1), stats.RulesByType[core.ConditionThreshold])
	assert.Equal(t, int64(1), stats.RulesBySeverity[core.SeverityHigh])
}
