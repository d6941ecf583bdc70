package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ConditionType discriminates how a rule's config is interpreted.
type ConditionType string

const (
	// ConditionPattern matches context fields against literal or regex patterns
	ConditionPattern ConditionType = "PATTERN"
	// ConditionThreshold counts qualifying events over a sliding time window
	ConditionThreshold ConditionType = "THRESHOLD"
	// ConditionComposite combines child conditions with a boolean operator
	ConditionComposite ConditionType = "COMPOSITE"
)

// IsValid reports whether the condition type is known.
func (ct ConditionType) IsValid() bool {
	switch ct {
	case ConditionPattern, ConditionThreshold, ConditionComposite:
		return true
	}
	return false
}

// Severity levels for rules and alerts
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordering weight of a severity (higher is more severe).
// Unknown severities rank below LOW so they sort last.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid reports whether the severity is known.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// BaseScore maps a severity to a default match score.
func (s Severity) BaseScore() int {
	switch s {
	case SeverityLow:
		return 25
	case SeverityMedium:
		return 50
	case SeverityHigh:
		return 75
	case SeverityCritical:
		return 95
	}
	return 0
}

// RuleStatus controls whether a rule participates in evaluation.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusInactive RuleStatus = "INACTIVE"
)

// ThreatRule is a detection rule evaluated against inbound security events.
// Config is a condition-type-specific payload validated against a JSON
// schema before the rule is loaded into the engine.
type ThreatRule struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	ConditionType ConditionType          `json:"condition_type"`
	Severity      Severity               `json:"severity"`
	Status        RuleStatus             `json:"status"`
	Config        map[string]interface{} `json:"config"`
	Tags          []string               `json:"tags,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// FieldPattern is one pattern check inside a PATTERN rule config.
type FieldPattern struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
	IsRegex bool   `json:"is_regex,omitempty"`
}

// PatternConfig is the config payload for PATTERN rules.
type PatternConfig struct {
	Patterns []FieldPattern `json:"patterns"`
}

// ThresholdConfig is the config payload for THRESHOLD rules. Qualifying
// events are counted over the trailing window; SameIP/SameUser restrict
// counting to events from the same actor as the triggering context.
type ThresholdConfig struct {
	Threshold     int    `json:"threshold"`
	WindowSeconds int    `json:"window_seconds"`
	EventType     string `json:"event_type,omitempty"`
	SameIP        bool   `json:"same_ip,omitempty"`
	SameUser      bool   `json:"same_user,omitempty"`
}

// ChildCondition is one operand of a COMPOSITE rule.
type ChildCondition struct {
	ConditionType ConditionType          `json:"condition_type"`
	Config        map[string]interface{} `json:"config"`
}

// CompositeConfig is the config payload for COMPOSITE rules.
type CompositeConfig struct {
	Operator   string           `json:"operator"` // AND, OR, NOT
	Conditions []ChildCondition `json:"conditions"`
}

// JSON schemas for per-condition-type config validation. Rules whose config
// does not match the schema for their condition type must fail validation
// before being loaded into the engine.
const (
	patternConfigSchema = `{
		"type": "object",
		"required": ["patterns"],
		"properties": {
			"patterns": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["field", "pattern"],
					"properties": {
						"field":    {"type": "string", "minLength": 1},
						"pattern":  {"type": "string", "minLength": 1},
						"is_regex": {"type": "boolean"}
					}
				}
			}
		}
	}`

	thresholdConfigSchema = `{
		"type": "object",
		"required": ["threshold", "window_seconds"],
		"properties": {
			"threshold":      {"type": "integer", "minimum": 1},
			"window_seconds": {"type": "integer", "minimum": 1},
			"event_type":     {"type": "string"},
			"same_ip":        {"type": "boolean"},
			"same_user":      {"type": "boolean"}
		}
	}`

	compositeConfigSchema = `{
		"type": "object",
		"required": ["operator", "conditions"],
		"properties": {
			"operator": {"type": "string", "enum": ["AND", "OR", "NOT"]},
			"conditions": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["condition_type", "config"],
					"properties": {
						"condition_type": {"type": "string", "enum": ["PATTERN", "THRESHOLD", "COMPOSITE"]},
						"config":         {"type": "object"}
					}
				}
			}
		}
	}`
)

var configSchemas = map[ConditionType]*gojsonschema.Schema{}

func init() {
	for ct, raw := range map[ConditionType]string{
		ConditionPattern:   patternConfigSchema,
		ConditionThreshold: thresholdConfigSchema,
		ConditionComposite: compositeConfigSchema,
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid config schema for %s: %v", ct, err))
		}
		configSchemas[ct] = schema
	}
}

// ValidationError carries field-level validation failures for a rule.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return "rule validation failed: " + strings.Join(parts, "; ")
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Validate checks the rule's structural fields and validates Config against
// the schema for its condition type. Returns a *ValidationError describing
// every failing field.
func (r *ThreatRule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}

	verr := newValidationError()

	if strings.TrimSpace(r.Name) == "" {
		verr.Fields["name"] = "name is required"
	}
	if !r.ConditionType.IsValid() {
		verr.Fields["condition_type"] = fmt.Sprintf("unknown condition type: %s (must be PATTERN, THRESHOLD, or COMPOSITE)", r.ConditionType)
	}
	if !r.Severity.IsValid() {
		verr.Fields["severity"] = fmt.Sprintf("unknown severity: %s", r.Severity)
	}
	if r.Status != RuleStatusActive && r.Status != RuleStatusInactive {
		verr.Fields["status"] = fmt.Sprintf("unknown status: %s", r.Status)
	}
	if r.Config == nil {
		verr.Fields["config"] = "config is required"
	}

	if len(verr.Fields) > 0 {
		return verr
	}

	if err := validateConfig(r.ConditionType, r.Config); err != nil {
		return err
	}

	// Composite child configs are validated recursively so a malformed
	// nested condition cannot slip past loading.
	if r.ConditionType == ConditionComposite {
		cfg, err := r.CompositeConfig()
		if err != nil {
			return err
		}
		if cfg.Operator == "NOT" && len(cfg.Conditions) != 1 {
			verr.Fields["config.operator"] = "NOT requires exactly one child condition"
			return verr
		}
		for i, child := range cfg.Conditions {
			if err := validateConfig(child.ConditionType, child.Config); err != nil {
				if cerr, ok := err.(*ValidationError); ok {
					for f, msg := range cerr.Fields {
						verr.Fields[fmt.Sprintf("config.conditions[%d].%s", i, f)] = msg
					}
				} else {
					verr.Fields[fmt.Sprintf("config.conditions[%d]", i)] = err.Error()
				}
			}
		}
		if len(verr.Fields) > 0 {
			return verr
		}
	}

	return nil
}

// validateConfig validates a config payload against the schema registered
// for the given condition type.
func validateConfig(ct ConditionType, config map[string]interface{}) error {
	schema, ok := configSchemas[ct]
	if !ok {
		verr := newValidationError()
		verr.Fields["condition_type"] = fmt.Sprintf("unknown condition type: %s", ct)
		return verr
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate rule config: %w", err)
	}
	if !result.Valid() {
		verr := newValidationError()
		for _, re := range result.Errors() {
			field := re.Field()
			if field == "(root)" {
				field = "config"
			} else {
				field = "config." + field
			}
			verr.Fields[field] = re.Description()
		}
		return verr
	}
	return nil
}

// decodeConfig round-trips a loosely-typed config map into a typed payload.
func decodeConfig(config map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal rule config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode rule config: %w", err)
	}
	return nil
}

// PatternConfig decodes the rule's config as a PATTERN payload.
func (r *ThreatRule) PatternConfig() (*PatternConfig, error) {
	if r.ConditionType != ConditionPattern {
		return nil, fmt.Errorf("rule %s is not a PATTERN rule (got %s)", r.ID, r.ConditionType)
	}
	var cfg PatternConfig
	if err := decodeConfig(r.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Patterns) == 0 {
		return nil, fmt.Errorf("pattern rule %s has no patterns configured", r.ID)
	}
	return &cfg, nil
}

// ThresholdConfig decodes the rule's config as a THRESHOLD payload.
func (r *ThreatRule) ThresholdConfig() (*ThresholdConfig, error) {
	if r.ConditionType != ConditionThreshold {
		return nil, fmt.Errorf("rule %s is not a THRESHOLD rule (got %s)", r.ID, r.ConditionType)
	}
	var cfg ThresholdConfig
	if err := decodeConfig(r.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("threshold rule %s has invalid threshold %d", r.ID, cfg.Threshold)
	}
	if cfg.WindowSeconds < 1 {
		return nil, fmt.Errorf("threshold rule %s has invalid window %d", r.ID, cfg.WindowSeconds)
	}
	return &cfg, nil
}

// CompositeConfig decodes the rule's config as a COMPOSITE payload.
func (r *ThreatRule) CompositeConfig() (*CompositeConfig, error) {
	if r.ConditionType != ConditionComposite {
		return nil, fmt.Errorf("rule %s is not a COMPOSITE rule (got %s)", r.ID, r.ConditionType)
	}
	var cfg CompositeConfig
	if err := decodeConfig(r.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Conditions) == 0 {
		return nil, fmt.Errorf("composite rule %s has no child conditions", r.ID)
	}
	return &cfg, nil
}

// RuleEvaluationResult is produced fresh per (rule, context) pair and never
// mutated after creation.
type RuleEvaluationResult struct {
	Matched          bool                   `json:"matched"`
	RuleID           string                 `json:"rule_id"`
	RuleName         string                 `json:"rule_name"`
	Severity         Severity               `json:"severity"`
	Score            int                    `json:"score"` // 0-100
	Reason           string                 `json:"reason"`
	Evidence         map[string]interface{} `json:"evidence,omitempty"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
}

// RuleFilter narrows rule listing.
type RuleFilter struct {
	Status        RuleStatus    `json:"status,omitempty"`
	ConditionType ConditionType `json:"condition_type,omitempty"`
	Severity      Severity      `json:"severity,omitempty"`
	Tag           string        `json:"tag,omitempty"`
}

// RuleStatistics is the repository-level aggregate over stored rules.
type RuleStatistics struct {
	TotalRules      int64                   `json:"total_rules"`
	ActiveRules     int64                   `json:"active_rules"`
	InactiveRules   int64                   `json:"inactive_rules"`
	RulesByType     map[ConditionType]int64 `json:"rules_by_type"`
	RulesBySeverity map[Severity]int64      `json:"rules_by_severity"`
	RecentMatches   int64                   `json:"recent_matches"`
}
