package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalFingerprint produces a stable SHA-256 hex digest of arbitrary
// data. Object key order is irrelevant (keys are sorted recursively before
// hashing), array element order is significant (arrays hash positionally),
// and nil normalizes to a single sentinel. Values are first round-tripped
// through JSON so structs and maps hash identically for equal content.
func CanonicalFingerprint(data interface{}) (string, error) {
	normalized, err := normalizeValue(data)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	writeCanonical(&sb, normalized)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// normalizeValue round-trips a value through JSON so that equivalent inputs
// (structs vs maps, int vs float) collapse to one representation.
func normalizeValue(data interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize fingerprint data: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize fingerprint data: %w", err)
	}
	return normalized, nil
}

// writeCanonical serializes a normalized value deterministically.
func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			// Keys are quoted like string values so separator characters in
			// a key cannot collide with the structural delimiters.
			sb.WriteString(fmt.Sprintf("%q", k))
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case string:
		sb.WriteString(fmt.Sprintf("%q", val))
	case bool:
		sb.WriteString(fmt.Sprintf("%t", val))
	case float64:
		sb.WriteString(fmt.Sprintf("%g", val))
	default:
		sb.WriteString(fmt.Sprintf("%v", val))
	}
}

// ActorIdentity returns the normalized actor dimension for alert
// fingerprinting: user id when present, otherwise email, otherwise the
// source IP. Falls back to "unknown" for fully anonymous events.
func ActorIdentity(ctx *EvaluationContext) string {
	switch {
	case ctx.UserID != "":
		return strings.ToLower(strings.TrimSpace(ctx.UserID))
	case ctx.Email != "":
		return strings.ToLower(strings.TrimSpace(ctx.Email))
	case ctx.IPAddress != "":
		return strings.TrimSpace(ctx.IPAddress)
	}
	return "unknown"
}

// AlertFingerprint computes the deterministic correlation fingerprint for a
// rule match: same (rule, actor, event type) always produces the same hash.
func AlertFingerprint(ruleID string, ctx *EvaluationContext) string {
	input := fmt.Sprintf("%s|%s|%s", ruleID, ActorIdentity(ctx), ctx.EventType)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
