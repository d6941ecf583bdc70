package detect

import (
	"fmt"
	"time"

	"bluelight/core"
)

// ThresholdEvaluator counts qualifying events inside a sliding window ending
// at the context timestamp. The rule matches when the count of qualifying
// prior events reaches the configured threshold; the score scales with how
// far over threshold the count is.
type ThresholdEvaluator struct{}

// NewThresholdEvaluator creates a threshold evaluator.
func NewThresholdEvaluator() *ThresholdEvaluator {
	return &ThresholdEvaluator{}
}

// Evaluate implements Evaluator.
func (te *ThresholdEvaluator) Evaluate(rule *core.ThreatRule, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	cfg, err := rule.ThresholdConfig()
	if err != nil {
		return nil, err
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	windowStart := ctx.Timestamp.Add(-window)

	count := 0
	for i := range ctx.RecentEvents {
		if qualifies(&ctx.RecentEvents[i], cfg, ctx, windowStart) {
			count++
		}
	}

	if count < cfg.Threshold {
		return nonMatch(rule, fmt.Sprintf("%d of %d qualifying events in %s window", count, cfg.Threshold, window)), nil
	}

	return &core.RuleEvaluationResult{
		Matched:  true,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Score:    thresholdScore(rule.Severity, count, cfg.Threshold),
		Reason:   fmt.Sprintf("%d qualifying events in %s window (threshold %d)", count, window, cfg.Threshold),
		Evidence: map[string]interface{}{
			"count":          count,
			"threshold":      cfg.Threshold,
			"window_seconds": cfg.WindowSeconds,
			"event_type":     cfg.EventType,
		},
		SuggestedActions: suggestedActions(rule),
	}, nil
}

// qualifies applies the threshold criteria to one prior event. Events
// outside the window or newer than the triggering context never count.
func qualifies(ev *core.SecurityEvent, cfg *core.ThresholdConfig, ctx *core.EvaluationContext, windowStart time.Time) bool {
	if ev.Timestamp.Before(windowStart) || ev.Timestamp.After(ctx.Timestamp) {
		return false
	}
	if cfg.EventType != "" && ev.EventType != cfg.EventType {
		return false
	}
	if cfg.SameIP && (ctx.IPAddress == "" || ev.IPAddress != ctx.IPAddress) {
		return false
	}
	if cfg.SameUser && (ctx.UserID == "" || ev.UserID != ctx.UserID) {
		return false
	}
	return true
}

// thresholdScore grows the severity base score by 5 points per event over
// threshold, capped at 100.
func thresholdScore(severity core.Severity, count, threshold int) int {
	score := severity.BaseScore() + (count-threshold)*5
	if score > 100 {
		return 100
	}
	return score
}
