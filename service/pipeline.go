package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/detect"
	"bluelight/notify"
	"bluelight/storage"
)

// MatchRecorder bumps persistent per-rule match counters. Optional: nil
// disables persistence of match counts.
type MatchRecorder interface {
	RecordMatch(ruleID string, at time.Time) error
}

// PipelineConfig tunes the event processing pipeline.
type PipelineConfig struct {
	// WindowLookback bounds how far back recent events are fetched for
	// threshold evaluation. It must cover the longest rule window.
	WindowLookback time.Duration `mapstructure:"window_lookback"`
	// Targets are the delivery destinations for every dispatched alert.
	Targets []notify.Target `mapstructure:"targets"`
}

// ProcessOutcome is what processing one event produced.
type ProcessOutcome struct {
	EventID  string                      `json:"event_id"`
	Matches  []core.RuleEvaluationResult `json:"matches"`
	AlertIDs []string                    `json:"alert_ids,omitempty"`
}

// Pipeline is the end-to-end path for one security event: window lookup,
// rule evaluation, idempotent correlation, and notification enqueue.
// Processing is idempotent per event id: a redelivered event with the same
// payload replays the recorded outcome instead of double-merging alerts.
type Pipeline struct {
	window      storage.EventWindowStore
	engine      *detect.RuleEngine
	correlator  *core.Correlator
	idempotency *core.IdempotencyCache
	dispatcher  *notify.Dispatcher
	recorder    MatchRecorder
	config      PipelineConfig
	logger      *zap.SugaredLogger
}

// NewPipeline wires the processing pipeline.
func NewPipeline(
	window storage.EventWindowStore,
	engine *detect.RuleEngine,
	correlator *core.Correlator,
	idempotency *core.IdempotencyCache,
	dispatcher *notify.Dispatcher,
	recorder MatchRecorder,
	config PipelineConfig,
	logger *zap.SugaredLogger,
) *Pipeline {
	if config.WindowLookback <= 0 {
		config.WindowLookback = time.Hour
	}
	return &Pipeline{
		window:      window,
		engine:      engine,
		correlator:  correlator,
		idempotency: idempotency,
		dispatcher:  dispatcher,
		recorder:    recorder,
		config:      config,
		logger:      logger,
	}
}

// ProcessEvent runs one event through the pipeline. The whole correlation
// step runs under the idempotency cache keyed by event id and payload
// fingerprint, so redelivered events share the in-flight execution or
// replay the cached outcome.
func (p *Pipeline) ProcessEvent(ctx context.Context, eventID string, ec *core.EvaluationContext) (*ProcessOutcome, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now().UTC()
	}

	event := ec.Event(eventID)

	result, err := p.idempotency.Execute(ctx, "event:"+eventID, event, func(ctx context.Context) (interface{}, error) {
		return p.processOnce(ctx, eventID, ec, &event)
	})
	if err != nil {
		return nil, err
	}

	outcome, ok := result.(*ProcessOutcome)
	if !ok {
		return nil, fmt.Errorf("unexpected idempotency payload type %T for event %s", result, eventID)
	}
	return outcome, nil
}

// processOnce is the non-idempotent body: executed at most once per
// distinct (event id, payload) inside the cache window.
func (p *Pipeline) processOnce(ctx context.Context, eventID string, ec *core.EvaluationContext, event *core.SecurityEvent) (*ProcessOutcome, error) {
	// Prior events only: the triggering event is recorded after
	// evaluation so threshold counts are over events that preceded it.
	since := ec.Timestamp.Add(-p.config.WindowLookback)
	recent, err := p.window.Recent(ctx, ec.UserID, ec.IPAddress, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events for %s: %w", eventID, err)
	}
	ec.RecentEvents = recent

	matches := p.engine.Evaluate(ec)

	outcome := &ProcessOutcome{EventID: eventID, Matches: matches}
	for i := range matches {
		match := &matches[i]

		if p.recorder != nil {
			if err := p.recorder.RecordMatch(match.RuleID, ec.Timestamp); err != nil {
				p.logger.Warnw("Failed to persist rule match counter",
					"rule_id", match.RuleID, "error", err)
			}
		}

		corr, err := p.correlator.RecordMatch(ctx, match, ec)
		if err != nil {
			return nil, fmt.Errorf("failed to correlate match of rule %s: %w", match.RuleID, err)
		}
		outcome.AlertIDs = append(outcome.AlertIDs, corr.Alert.ID)

		if corr.ShouldNotify && p.dispatcher != nil {
			if _, err := p.dispatcher.Enqueue(ctx, corr.Alert, p.config.Targets); err != nil {
				// Delivery problems must not fail event processing; the
				// alert row exists and can be re-dispatched.
				p.logger.Errorw("Failed to enqueue notifications",
					"alert_id", corr.Alert.ID, "error", err)
			}
		}
	}

	if err := p.window.Record(ctx, event); err != nil {
		p.logger.Warnw("Failed to record event in window store",
			"event_id", eventID, "error", err)
	}

	return outcome, nil
}

// TestRule evaluates an ad-hoc rule against a context without persisting
// anything, populating the recent-event window the same way ProcessEvent
// does.
func (p *Pipeline) TestRule(ctx context.Context, rule *core.ThreatRule, ec *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now().UTC()
	}
	since := ec.Timestamp.Add(-p.config.WindowLookback)
	recent, err := p.window.Recent(ctx, ec.UserID, ec.IPAddress, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events: %w", err)
	}
	ec.RecentEvents = recent

	return p.engine.TestRule(rule, ec)
}
