package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluelight/core"
)

func thresholdRule(cfg map[string]interface{}) *core.ThreatRule {
	return &core.ThreatRule{
		ID:            "rule-threshold",
		Name:          "threshold rule",
		ConditionType: core.ConditionThreshold,
		Severity:      core.SeverityHigh,
		Status:        core.RuleStatusActive,
		Config:        cfg,
	}
}

func priorEvents(n int, eventType, userID, ip string, base time.Time) []core.SecurityEvent {
	events := make([]core.SecurityEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, core.SecurityEvent{
			EventID:   fmt.Sprintf("ev-%d", i),
			EventType: eventType,
			UserID:    userID,
			IPAddress: ip,
			Timestamp: base.Add(-time.Duration(i+1) * time.Second),
		})
	}
	return events
}

func TestThresholdEvaluator_ExactBoundary(t *testing.T) {
	te := NewThresholdEvaluator()
	rule := thresholdRule(map[string]interface{}{"threshold": 5, "window_seconds": 300})
	now := time.Now().UTC()

	// 4 qualifying prior events: below threshold.
	ctx := &core.EvaluationContext{Timestamp: now, RecentEvents: priorEvents(4, "login_failed", "alice", "10.0.0.1", now)}
	res, err := te.Evaluate(rule, ctx)
	require.NoError(t, err)
	assert.False(t, res.Matched)

	// 5 qualifying prior events: at threshold.
	ctx.RecentEvents = priorEvents(5, "login_failed", "alice", "10.0.0.1", now)
	res, err = te.Evaluate(rule, ctx)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, core.SeverityHigh.BaseScore(), res.Score)
}

func TestThresholdEvaluator_EventsOutsideWindowDoNotCount(t *testing.T) {
	te := NewThresholdEvaluator()
	rule := thresholdRule(map[string]interface{}{"threshold": 3, "window_seconds": 60})
	now := time.Now().UTC()

	events := priorEvents(2, "login_failed", "alice", "10.0.0.1", now)
	// Two more events well outside the 60s window.
	events = append(events,
		core.SecurityEvent{EventID: "old-1", EventType: "login_failed", Timestamp: now.Add(-2 * time.Minute)},
		core.SecurityEvent{EventID: "old-2", EventType: "login_failed", Timestamp: now.Add(-3 * time.Minute)},
	)

	res, err := te.Evaluate(rule, &core.EvaluationContext{Timestamp: now, RecentEvents: events})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestThresholdEvaluator_EventTypeFilter(t *testing.T) {
	te := NewThresholdEvaluator()
	rule := thresholdRule(map[string]interface{}{"threshold": 2, "window_seconds": 300, "event_type": "login_failed"})
	now := time.Now().UTC()

	events := append(
		priorEvents(1, "login_failed", "alice", "10.0.0.1", now),
		priorEvents(3, "page_view", "alice", "10.0.0.1", now)...,
	)

	res, err := te.Evaluate(rule, &core.EvaluationContext{Timestamp: now, RecentEvents: events})
	require.NoError(t, err)
	assert.False(t, res.Matched, "only matching event types count toward the threshold")
}

func TestThresholdEvaluator_SameIP(t *testing.T) {
	te := NewThresholdEvaluator()
	rule := thresholdRule(map[string]interface{}{"threshold": 2, "window_seconds": 300, "same_ip": true})
	now := time.Now().UTC()

	events := append(
		priorEvents(1, "login_failed", "alice", "10.0.0.1", now),
		priorEvents(2, "login_failed", "alice", "192.168.1.5", now)...,
	)
	ctx := &core.EvaluationContext{Timestamp: now, IPAddress: "10.0.0.1", RecentEvents: events}

	res, err := te.Evaluate(rule, ctx)
	require.NoError(t, err)
	assert.False(t, res.Matched)

	// A context without an IP can never satisfy a same_ip rule.
	ctx.IPAddress = ""
	res, err = te.Evaluate(rule, ctx)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestThresholdEvaluator_SameUser(t *testing.T) {
	te := NewThresholdEvaluator()
	rule := thresholdRule(map[string]interface{}{"threshold": 2, "window_seconds": 300, "same_user": true})
	now := time.Now().UTC()

	events := append(
		priorEvents(2, "login_failed", "alice", "10.0.0.1", now),
		priorEvents(2, "login_failed", "mallory", "10.0.0.1", now)...,
	)

	res, err := te.Evaluate(rule, &core.EvaluationContext{Timestamp: now, UserID: "alice", RecentEvents: events})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 2, res.Evidence["count"])
}

func TestThresholdEvaluator_ScoreScalesWithOverage(t *testing.T) {
	te := NewThresholdEvaluator()
	rule := thresholdRule(map[string]interface{}{"threshold": 2, "window_seconds": 300})
	now := time.Now().UTC()

	res, err := te.Evaluate(rule, &core.EvaluationContext{
		Timestamp:    now,
		RecentEvents: priorEvents(4, "login_failed", "alice", "10.0.0.1", now),
	})
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, core.SeverityHigh.BaseScore()+10, res.Score)

	// Score caps at 100.
	res, err = te.Evaluate(rule, &core.EvaluationContext{
		Timestamp:    now,
		RecentEvents: priorEvents(30, "login_failed", "alice", "10.0.0.1", now),
	})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
}
