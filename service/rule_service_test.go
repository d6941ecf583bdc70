package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/detect"
	"bluelight/storage"
)

func newRuleService(t *testing.T) (*RuleService, *detect.RuleEngine) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine := detect.NewRuleEngine(detect.NewRegistry(), logger)
	return NewRuleService(storage.NewSQLiteRuleStorage(db, logger), engine, logger), engine
}

func TestRuleService_CreateAssignsDefaultsAndReloads(t *testing.T) {
	rs, engine := newRuleService(t)

	rule := patternRule("")
	rule.Status = ""
	require.NoError(t, rs.CreateRule(&rule))

	assert.NotEmpty(t, rule.ID, "missing id is generated")
	assert.Equal(t, core.RuleStatusActive, rule.Status, "missing status defaults to active")
	assert.False(t, rule.CreatedAt.IsZero())

	// The engine picked the new rule up without a restart.
	assert.NotNil(t, engine.GetRule(rule.ID))
}

func TestRuleService_CreateRejectsInvalidRule(t *testing.T) {
	rs, engine := newRuleService(t)

	rule := patternRule("rule-bad")
	rule.Config = map[string]interface{}{"patterns": []interface{}{}}

	var verr *core.ValidationError
	require.ErrorAs(t, rs.CreateRule(&rule), &verr)

	_, err := rs.GetRule("rule-bad")
	assert.ErrorIs(t, err, storage.ErrRuleNotFound, "invalid rules are never persisted")
	assert.Nil(t, engine.GetRule("rule-bad"))
}

func TestRuleService_UpdatePreservesCreatedAt(t *testing.T) {
	rs, engine := newRuleService(t)

	rule := patternRule("rule-1")
	require.NoError(t, rs.CreateRule(&rule))
	created := rule.CreatedAt

	changed := patternRule("rule-1")
	changed.Status = core.RuleStatusInactive
	require.NoError(t, rs.UpdateRule(&changed))

	got, err := rs.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, core.RuleStatusInactive, got.Status)

	// Inactive rules stay loaded but out of the active set.
	assert.NotNil(t, engine.GetRule("rule-1"))
	assert.Equal(t, 0, engine.GetMetrics().ActiveRules)
}

func TestRuleService_DeleteUnloadsRule(t *testing.T) {
	rs, engine := newRuleService(t)

	rule := patternRule("rule-1")
	require.NoError(t, rs.CreateRule(&rule))
	require.NoError(t, rs.DeleteRule("rule-1"))

	assert.Nil(t, engine.GetRule("rule-1"))
	assert.ErrorIs(t, rs.DeleteRule("rule-1"), storage.ErrRuleNotFound)
}

func TestRuleService_ImportRulesUpsertsBatch(t *testing.T) {
	rs, engine := newRuleService(t)

	existing := patternRule("rule-1")
	require.NoError(t, rs.CreateRule(&existing))

	update := patternRule("rule-1")
	update.Name = "renamed scanner rule"
	fresh := patternRule("rule-2")

	created, updated, err := rs.ImportRules([]core.ThreatRule{update, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)

	got, err := rs.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed scanner rule", got.Name)
	assert.Equal(t, 2, engine.GetMetrics().TotalRules)

	exported, err := rs.ExportRules()
	require.NoError(t, err)
	assert.Len(t, exported, 2)
}

func TestRuleService_ListRulesClampsPagination(t *testing.T) {
	rs, _ := newRuleService(t)

	rule := patternRule("rule-1")
	require.NoError(t, rs.CreateRule(&rule))

	rules, err := rs.ListRules(nil, -5, -1)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}
