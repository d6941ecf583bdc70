package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memCorrelationStore is a minimal in-memory CorrelationStore.
type memCorrelationStore struct {
	mu     sync.Mutex
	alerts map[string]*SecurityAlert
}

func newMemCorrelationStore() *memCorrelationStore {
	return &memCorrelationStore{alerts: make(map[string]*SecurityAlert)}
}

func (s *memCorrelationStore) FindOpenAlertByFingerprint(_ context.Context, fingerprint string) (*SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Fingerprint == fingerprint && !a.IsTerminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAlertNotFound
}

func (s *memCorrelationStore) InsertAlert(_ context.Context, alert *SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *memCorrelationStore) UpdateAlert(_ context.Context, alert *SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func matchedResult(ruleID string, score int) *RuleEvaluationResult {
	return &RuleEvaluationResult{
		Matched:  true,
		RuleID:   ruleID,
		RuleName: "test rule",
		Severity: SeverityMedium,
		Score:    score,
		Reason:   "matched in test",
	}
}

func evalCtx(userID, eventType string) *EvaluationContext {
	return &EvaluationContext{
		UserID:    userID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func TestCorrelator_CreatesPendingAlert(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())

	outcome, err := c.RecordMatch(context.Background(), matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.False(t, outcome.Merged)
	assert.True(t, outcome.ShouldNotify)
	assert.Equal(t, AlertStatusPending, outcome.Alert.Status)
	assert.Equal(t, 1, outcome.Alert.OccurrenceCount)
	assert.NotEmpty(t, outcome.Alert.ID)
	assert.NotEmpty(t, outcome.Alert.Fingerprint)
}

func TestCorrelator_RejectsNonMatch(t *testing.T) {
	c := NewCorrelator(newMemCorrelationStore(), CorrelationConfig{}, zap.NewNop().Sugar())

	_, err := c.RecordMatch(context.Background(), &RuleEvaluationResult{Matched: false, RuleID: "rule-1"}, evalCtx("alice", "login_failed"))
	require.Error(t, err)
}

func TestCorrelator_MergesRepeatedMatch(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	first, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	second, err := c.RecordMatch(ctx, matchedResult("rule-1", 55), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	assert.True(t, second.Merged)
	assert.False(t, second.Created)
	assert.False(t, second.ShouldNotify, "plain merges do not notify again")
	assert.Equal(t, first.Alert.ID, second.Alert.ID)
	assert.Equal(t, 2, second.Alert.OccurrenceCount)
	assert.Equal(t, 55, second.Alert.Score, "merge keeps the max score")
}

func TestCorrelator_DifferentActorsGetSeparateAlerts(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	a, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)
	b, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("bob", "login_failed"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Alert.ID, b.Alert.ID)
	assert.True(t, b.Created)
}

func TestCorrelator_EscalatesOnThreshold(t *testing.T) {
	store := newMemCorrelationStore()
	cfg := CorrelationConfig{EscalationThresholds: []EscalationThreshold{
		{Occurrences: 3, Severity: SeverityHigh},
		{Occurrences: 5, Severity: SeverityCritical},
	}}
	c := NewCorrelator(store, cfg, zap.NewNop().Sugar())
	ctx := context.Background()

	var last *CorrelationOutcome
	var err error
	for i := 0; i < 3; i++ {
		last, err = c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
		require.NoError(t, err)
	}

	assert.True(t, last.Escalated)
	assert.Equal(t, SeverityHigh, last.Alert.Severity)

	for i := 0; i < 2; i++ {
		last, err = c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
		require.NoError(t, err)
	}
	assert.Equal(t, SeverityCritical, last.Alert.Severity)
}

func TestCorrelator_EscalationNeverLowersSeverity(t *testing.T) {
	store := newMemCorrelationStore()
	cfg := CorrelationConfig{EscalationThresholds: []EscalationThreshold{
		{Occurrences: 2, Severity: SeverityLow},
	}}
	c := NewCorrelator(store, cfg, zap.NewNop().Sugar())
	ctx := context.Background()

	_, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)
	second, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	assert.False(t, second.Escalated)
	assert.Equal(t, SeverityMedium, second.Alert.Severity)
}

func TestCorrelator_SuppressedAlertMergesQuietly(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	first, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	// Suppress the stored alert for an hour.
	stored := store.alerts[first.Alert.ID]
	require.NoError(t, stored.Suppress(time.Now().Add(time.Hour), "change window"))

	outcome, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	assert.True(t, outcome.Merged)
	assert.False(t, outcome.ShouldNotify, "active suppression stays quiet")
	assert.Equal(t, 2, outcome.Alert.OccurrenceCount)
	assert.Equal(t, AlertStatusSuppressed, outcome.Alert.Status)
}

func TestCorrelator_ElapsedSuppressionReturnsToPendingAndNotifies(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	first, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	// Simulate a suppression window that has already elapsed.
	stored := store.alerts[first.Alert.ID]
	past := time.Now().Add(-time.Minute)
	stored.Status = AlertStatusSuppressed
	stored.SuppressedUntil = &past

	outcome, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	assert.True(t, outcome.ShouldNotify)
	assert.Equal(t, AlertStatusPending, outcome.Alert.Status)
	assert.Nil(t, outcome.Alert.SuppressedUntil)
}

func TestCorrelator_ResolvedAlertDoesNotAbsorbNewMatches(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	first, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	store.alerts[first.Alert.ID].Status = AlertStatusResolved

	outcome, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.NotEqual(t, first.Alert.ID, outcome.Alert.ID)
}

func TestCorrelator_ConcurrentMergesKeepEveryOccurrence(t *testing.T) {
	store := newMemCorrelationStore()
	c := NewCorrelator(store, CorrelationConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	const matches = 20
	var wg sync.WaitGroup
	for i := 0; i < matches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RecordMatch(ctx, matchedResult("rule-1", 40), evalCtx("alice", "login_failed"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, store.alerts, 1)
	for _, a := range store.alerts {
		assert.Equal(t, matches, a.OccurrenceCount)
	}
}

func TestCorrelator_FingerprintLocksAreStableAndBounded(t *testing.T) {
	c := NewCorrelator(newMemCorrelationStore(), CorrelationConfig{}, zap.NewNop().Sugar())

	// The same fingerprint always serializes on the same mutex.
	assert.Same(t, c.fingerprintLock("fp-1"), c.fingerprintLock("fp-1"))

	// Distinct fingerprints draw from a fixed stripe set, so the lock
	// footprint does not grow with the number of fingerprints seen.
	seen := make(map[*sync.Mutex]bool)
	for i := 0; i < 10_000; i++ {
		seen[c.fingerprintLock(fmt.Sprintf("fp-%d", i))] = true
	}
	assert.LessOrEqual(t, len(seen), lockStripes)
}

func TestCorrelator_EvidenceCapped(t *testing.T) {
	alert := &SecurityAlert{Evidence: map[string]interface{}{}}
	for i := 0; i < maxEvidenceMatches+20; i++ {
		appendEvidence(alert, matchedResult("rule-1", i), evalCtx("alice", "login_failed"))
	}
	matches := alert.Evidence["matches"].([]interface{})
	assert.Len(t, matches, maxEvidenceMatches)
}
