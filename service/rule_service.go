package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/detect"
	"bluelight/storage"
)

// RuleService owns the rule CRUD surface and keeps the engine's active
// rule set in sync with storage: every successful mutation triggers a hot
// reload.
type RuleService struct {
	store  storage.RuleStorage
	engine *detect.RuleEngine
	logger *zap.SugaredLogger
}

// NewRuleService creates the rule service.
func NewRuleService(store storage.RuleStorage, engine *detect.RuleEngine, logger *zap.SugaredLogger) *RuleService {
	return &RuleService{store: store, engine: engine, logger: logger}
}

// CreateRule validates and persists a new rule, then reloads the engine.
func (rs *RuleService) CreateRule(rule *core.ThreatRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = core.RuleStatusActive
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := rule.Validate(); err != nil {
		return err
	}
	if err := rs.store.CreateRule(rule); err != nil {
		return err
	}
	return rs.Reload()
}

// UpdateRule validates and persists a rule change, then reloads the engine.
func (rs *RuleService) UpdateRule(rule *core.ThreatRule) error {
	existing, err := rs.store.GetRule(rule.ID)
	if err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	if err := rule.Validate(); err != nil {
		return err
	}
	if err := rs.store.UpdateRule(rule); err != nil {
		return err
	}
	return rs.Reload()
}

// DeleteRule removes a rule and reloads the engine.
func (rs *RuleService) DeleteRule(id string) error {
	if err := rs.store.DeleteRule(id); err != nil {
		return err
	}
	return rs.Reload()
}

// GetRule fetches a rule from storage.
func (rs *RuleService) GetRule(id string) (*core.ThreatRule, error) {
	return rs.store.GetRule(id)
}

// ListRules fetches rules matching a filter with pagination.
func (rs *RuleService) ListRules(filter *core.RuleFilter, limit, offset int) ([]core.ThreatRule, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return rs.store.GetRules(filter, limit, offset)
}

// GetStatistics returns the repository-level rule aggregate.
func (rs *RuleService) GetStatistics() (*core.RuleStatistics, error) {
	return rs.store.GetRuleStatistics()
}

// Reload pushes the current stored rule set into the engine. Invalid rows
// are skipped inside the engine with a log line, never blocking the rest.
func (rs *RuleService) Reload() error {
	rules, err := rs.store.GetAllRules()
	if err != nil {
		return fmt.Errorf("failed to load rules for engine reload: %w", err)
	}
	rs.engine.ReloadRules(rules)
	return nil
}

// ImportRules persists a batch of rules. Existing rules with the same id
// are updated. Returns how many rules were created and updated; the engine
// reloads once at the end.
func (rs *RuleService) ImportRules(rules []core.ThreatRule) (created, updated int, err error) {
	now := time.Now().UTC()
	for i := range rules {
		rule := rules[i]
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if rule.Status == "" {
			rule.Status = core.RuleStatusActive
		}
		rule.UpdatedAt = now

		if verr := rule.Validate(); verr != nil {
			return created, updated, fmt.Errorf("rule %s failed validation: %w", rule.ID, verr)
		}

		existing, gerr := rs.store.GetRule(rule.ID)
		switch {
		case gerr == nil:
			rule.CreatedAt = existing.CreatedAt
			if uerr := rs.store.UpdateRule(&rule); uerr != nil {
				return created, updated, uerr
			}
			updated++
		default:
			rule.CreatedAt = now
			if cerr := rs.store.CreateRule(&rule); cerr != nil {
				return created, updated, cerr
			}
			created++
		}
	}

	rs.logger.Infof("Imported %d rules (%d created, %d updated)", created+updated, created, updated)
	return created, updated, rs.Reload()
}

// ExportRules returns every stored rule.
func (rs *RuleService) ExportRules() ([]core.ThreatRule, error) {
	return rs.store.GetAllRules()
}
