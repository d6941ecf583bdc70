package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"bluelight/core"
)

// regexMatchTimeout bounds regex execution per pattern to protect against
// catastrophic backtracking on attacker-influenced field values.
const regexMatchTimeout = time.Second

// PatternEvaluator matches context fields against configured literal or
// regex patterns. The rule matches if any configured pattern matches.
type PatternEvaluator struct {
	timeout time.Duration
}

// NewPatternEvaluator creates a pattern evaluator with the default regex
// match timeout.
func NewPatternEvaluator() *PatternEvaluator {
	return &PatternEvaluator{timeout: regexMatchTimeout}
}

// Evaluate implements Evaluator.
func (pe *PatternEvaluator) Evaluate(rule *core.ThreatRule, ctx *core.EvaluationContext) (*core.RuleEvaluationResult, error) {
	cfg, err := rule.PatternConfig()
	if err != nil {
		return nil, err
	}

	for _, fp := range cfg.Patterns {
		value, ok := stringify(ctx.Field(fp.Field))
		if !ok {
			continue
		}

		matched, err := pe.matchOne(fp, value)
		if err != nil {
			return nil, fmt.Errorf("pattern rule %s field %q: %w", rule.ID, fp.Field, err)
		}
		if matched {
			return &core.RuleEvaluationResult{
				Matched:  true,
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Severity: rule.Severity,
				Score:    rule.Severity.BaseScore(),
				Reason:   fmt.Sprintf("field %q matched pattern %q", fp.Field, fp.Pattern),
				Evidence: map[string]interface{}{
					"field":   fp.Field,
					"pattern": fp.Pattern,
					"value":   value,
				},
				SuggestedActions: suggestedActions(rule),
			}, nil
		}
	}

	return nonMatch(rule, "no configured pattern matched"), nil
}

// matchOne tests a single field pattern: regex with a match timeout, or
// case-insensitive literal equality.
func (pe *PatternEvaluator) matchOne(fp core.FieldPattern, value string) (bool, error) {
	if !fp.IsRegex {
		return strings.EqualFold(fp.Pattern, value), nil
	}

	re, err := regexp2.Compile(fp.Pattern, regexp2.None)
	if err != nil {
		return false, fmt.Errorf("invalid regex pattern %q: %w", fp.Pattern, err)
	}
	re.MatchTimeout = pe.timeout

	matched, err := re.MatchString(value)
	if err != nil {
		return false, fmt.Errorf("regex match failed for pattern %q: %w", fp.Pattern, err)
	}
	return matched, nil
}
