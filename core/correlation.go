package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluelight/metrics"
)

// CorrelationStore is the storage surface the correlator needs. Defined
// here (consumer side) so storage implementations and test mocks can both
// satisfy it.
type CorrelationStore interface {
	// FindOpenAlertByFingerprint returns the single non-terminal alert for
	// a fingerprint, or ErrAlertNotFound when none exists.
	FindOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*SecurityAlert, error)
	InsertAlert(ctx context.Context, alert *SecurityAlert) error
	UpdateAlert(ctx context.Context, alert *SecurityAlert) error
}

// ErrAlertNotFound is the sentinel for fingerprint lookups with no open
// alert. Storage implementations wrap their own not-found into this.
var ErrAlertNotFound = errors.New("alert not found")

// EscalationThreshold bumps alert severity once the occurrence count
// crosses Occurrences. Policy is configurable, not fixed.
type EscalationThreshold struct {
	Occurrences int      `mapstructure:"occurrences" json:"occurrences"`
	Severity    Severity `mapstructure:"severity" json:"severity"`
}

// CorrelationConfig holds correlator tuning.
type CorrelationConfig struct {
	EscalationThresholds []EscalationThreshold `mapstructure:"escalation_thresholds"`
}

// CorrelationOutcome describes what RecordMatch did with a rule match.
type CorrelationOutcome struct {
	Alert *SecurityAlert
	// Created is true when a new alert row was inserted.
	Created bool
	// Merged is true when the match merged into an existing open alert.
	Merged bool
	// Escalated is true when the merge bumped alert severity.
	Escalated bool
	// ShouldNotify is true when the caller should enqueue notifications:
	// new alerts and alerts leaving suppression notify; plain merges and
	// actively suppressed alerts do not.
	ShouldNotify bool
}

// lockStripes is the fixed number of merge-serialization mutexes. A stripe
// occasionally serializes two unrelated fingerprints, which is harmless;
// what matters is that two merges for the same fingerprint always share a
// stripe and that the lock set stays bounded for the process lifetime.
const lockStripes = 64

// Correlator turns rule matches into SecurityAlert rows, merging matches
// that share a fingerprint into the existing open alert. Merges for the
// same fingerprint are serialized through a striped mutex so concurrent
// evaluations never lose occurrence count updates.
type Correlator struct {
	store  CorrelationStore
	config CorrelationConfig
	logger *zap.SugaredLogger

	locks [lockStripes]sync.Mutex
}

// NewCorrelator creates an alert correlator. Escalation thresholds are
// sorted ascending by occurrence count at construction.
func NewCorrelator(store CorrelationStore, config CorrelationConfig, logger *zap.SugaredLogger) *Correlator {
	sort.Slice(config.EscalationThresholds, func(i, j int) bool {
		return config.EscalationThresholds[i].Occurrences < config.EscalationThresholds[j].Occurrences
	})
	return &Correlator{
		store:  store,
		config: config,
		logger: logger,
	}
}

// fingerprintLock returns the stripe serializing merges for one fingerprint.
func (c *Correlator) fingerprintLock(fingerprint string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return &c.locks[h.Sum32()%lockStripes]
}

// RecordMatch correlates one rule match into the alert store: merge into
// the open alert sharing the fingerprint, or create a new PENDING alert.
func (c *Correlator) RecordMatch(ctx context.Context, result *RuleEvaluationResult, evalCtx *EvaluationContext) (*CorrelationOutcome, error) {
	if !result.Matched {
		return nil, fmt.Errorf("cannot correlate a non-matched evaluation result for rule %s", result.RuleID)
	}

	fingerprint := AlertFingerprint(result.RuleID, evalCtx)

	mu := c.fingerprintLock(fingerprint)
	mu.Lock()
	defer mu.Unlock()

	existing, err := c.store.FindOpenAlertByFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		return c.merge(ctx, existing, result, evalCtx)
	case errors.Is(err, ErrAlertNotFound):
		return c.create(ctx, fingerprint, result, evalCtx)
	default:
		return nil, fmt.Errorf("failed to look up alert by fingerprint: %w", err)
	}
}

// merge folds a repeated match into the existing open alert.
func (c *Correlator) merge(ctx context.Context, alert *SecurityAlert, result *RuleEvaluationResult, evalCtx *EvaluationContext) (*CorrelationOutcome, error) {
	now := time.Now().UTC()

	alert.OccurrenceCount++
	alert.LastSeen = evalCtx.Timestamp
	if alert.LastSeen.IsZero() {
		alert.LastSeen = now
	}
	if result.Score > alert.Score {
		alert.Score = result.Score
	}
	appendEvidence(alert, result, evalCtx)

	escalated := c.applyEscalation(alert)

	outcome := &CorrelationOutcome{Alert: alert, Merged: true, Escalated: escalated}

	if alert.IsSuppressed(now) {
		// Suppressed alerts record the merge but stay quiet.
		outcome.ShouldNotify = false
	} else if alert.Status == AlertStatusSuppressed {
		// Suppression window elapsed and a new match arrived: back to
		// PENDING and notify again.
		if err := alert.Unsuppress(); err != nil {
			return nil, fmt.Errorf("failed to lift elapsed suppression: %w", err)
		}
		outcome.ShouldNotify = true
	}

	if err := c.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to merge match into alert %s: %w", alert.ID, err)
	}

	metrics.AlertsMerged.WithLabelValues(string(alert.Severity)).Inc()
	if escalated {
		metrics.AlertsEscalated.Inc()
		c.logger.Infow("Alert severity escalated",
			"alert_id", alert.ID,
			"severity", alert.Severity,
			"occurrence_count", alert.OccurrenceCount)
	}

	return outcome, nil
}

// create inserts a fresh PENDING alert for an unseen fingerprint.
func (c *Correlator) create(ctx context.Context, fingerprint string, result *RuleEvaluationResult, evalCtx *EvaluationContext) (*CorrelationOutcome, error) {
	now := time.Now().UTC()
	firstSeen := evalCtx.Timestamp
	if firstSeen.IsZero() {
		firstSeen = now
	}

	alert := &SecurityAlert{
		ID:              uuid.NewString(),
		Type:            evalCtx.EventType,
		Severity:        result.Severity,
		Title:           fmt.Sprintf("[%s] %s", result.Severity, result.RuleName),
		Description:     result.Reason,
		Fingerprint:     fingerprint,
		Status:          AlertStatusPending,
		RuleID:          result.RuleID,
		RuleName:        result.RuleName,
		UserID:          evalCtx.UserID,
		UserEmail:       evalCtx.Email,
		IPAddress:       evalCtx.IPAddress,
		UserAgent:       evalCtx.UserAgent,
		SessionID:       evalCtx.SessionID,
		Score:           result.Score,
		Evidence:        map[string]interface{}{"matches": []interface{}{matchEvidence(result, evalCtx)}},
		Context:         evalCtx.Metadata,
		OccurrenceCount: 1,
		FirstSeen:       firstSeen,
		LastSeen:        firstSeen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.store.InsertAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert for rule %s: %w", result.RuleID, err)
	}

	metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()

	return &CorrelationOutcome{Alert: alert, Created: true, ShouldNotify: true}, nil
}

// applyEscalation bumps severity when the occurrence count crosses a
// configured threshold and the target severity outranks the current one.
func (c *Correlator) applyEscalation(alert *SecurityAlert) bool {
	escalated := false
	for _, t := range c.config.EscalationThresholds {
		if alert.OccurrenceCount >= t.Occurrences && t.Severity.Rank() > alert.Severity.Rank() {
			alert.Severity = t.Severity
			escalated = true
		}
	}
	return escalated
}

// maxEvidenceMatches caps the evidence list so frequently-merged alerts
// cannot grow without bound.
const maxEvidenceMatches = 100

func appendEvidence(alert *SecurityAlert, result *RuleEvaluationResult, evalCtx *EvaluationContext) {
	if alert.Evidence == nil {
		alert.Evidence = map[string]interface{}{}
	}
	matches, _ := alert.Evidence["matches"].([]interface{})
	matches = append(matches, matchEvidence(result, evalCtx))
	if len(matches) > maxEvidenceMatches {
		matches = matches[len(matches)-maxEvidenceMatches:]
	}
	alert.Evidence["matches"] = matches
}

func matchEvidence(result *RuleEvaluationResult, evalCtx *EvaluationContext) map[string]interface{} {
	return map[string]interface{}{
		"rule_id":   result.RuleID,
		"score":     result.Score,
		"reason":    result.Reason,
		"evidence":  result.Evidence,
		"timestamp": evalCtx.Timestamp,
	}
}
