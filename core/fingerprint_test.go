package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalFingerprint_KeyOrderIrrelevant(t *testing.T) {
	a := map[string]interface{}{"user": "alice", "ip": "10.0.0.1", "count": 3}
	b := map[string]interface{}{"count": 3, "ip": "10.0.0.1", "user": "alice"}

	fpA, err := CanonicalFingerprint(a)
	require.NoError(t, err)
	fpB, err := CanonicalFingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestCanonicalFingerprint_NestedKeyOrderIrrelevant(t *testing.T) {
	a := map[string]interface{}{"outer": map[string]interface{}{"x": 1, "y": 2}}
	b := map[string]interface{}{"outer": map[string]interface{}{"y": 2, "x": 1}}

	fpA, err := CanonicalFingerprint(a)
	require.NoError(t, err)
	fpB, err := CanonicalFingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestCanonicalFingerprint_ArrayOrderSignificant(t *testing.T) {
	a := map[string]interface{}{"steps": []string{"login", "export"}}
	b := map[string]interface{}{"steps": []string{"export", "login"}}

	fpA, err := CanonicalFingerprint(a)
	require.NoError(t, err)
	fpB, err := CanonicalFingerprint(b)
	require.NoError(t, err)

	assert.NotEqual(t, fpA, fpB)
}

func TestCanonicalFingerprint_StructAndMapAgree(t *testing.T) {
	type payload struct {
		User string `json:"user"`
		IP   string `json:"ip"`
	}

	fpStruct, err := CanonicalFingerprint(payload{User: "alice", IP: "10.0.0.1"})
	require.NoError(t, err)
	fpMap, err := CanonicalFingerprint(map[string]interface{}{"ip": "10.0.0.1", "user": "alice"})
	require.NoError(t, err)

	assert.Equal(t, fpStruct, fpMap)
}

func TestCanonicalFingerprint_SeparatorCharactersInKeysDiffer(t *testing.T) {
	// Both payloads would serialize to {a:1,b:2} if keys were written raw;
	// quoted keys keep them apart.
	a := map[string]interface{}{"a": 1, "b": 2}
	b := map[string]interface{}{"a:1,b": 2}

	fpA, err := CanonicalFingerprint(a)
	require.NoError(t, err)
	fpB, err := CanonicalFingerprint(b)
	require.NoError(t, err)

	assert.NotEqual(t, fpA, fpB)

	// Keys containing braces must not collapse with nesting either.
	c := map[string]interface{}{"outer": map[string]interface{}{"x": 1}}
	d := map[string]interface{}{"outer:{x": 1}

	fpC, err := CanonicalFingerprint(c)
	require.NoError(t, err)
	fpD, err := CanonicalFingerprint(d)
	require.NoError(t, err)

	assert.NotEqual(t, fpC, fpD)
}

func TestCanonicalFingerprint_DifferentValuesDiffer(t *testing.T) {
	fpA, err := CanonicalFingerprint(map[string]interface{}{"user": "alice"})
	require.NoError(t, err)
	fpB, err := CanonicalFingerprint(map[string]interface{}{"user": "bob"})
	require.NoError(t, err)

	assert.NotEqual(t, fpA, fpB)
}

func TestCanonicalFingerprint_Nil(t *testing.T) {
	fpA, err := CanonicalFingerprint(nil)
	require.NoError(t, err)
	fpB, err := CanonicalFingerprint(nil)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, 64)
}

func TestActorIdentity_Precedence(t *testing.T) {
	assert.Equal(t, "u-1", ActorIdentity(&EvaluationContext{UserID: "U-1", Email: "a@x.io", IPAddress: "10.0.0.1"}))
	assert.Equal(t, "a@x.io", ActorIdentity(&EvaluationContext{Email: "A@X.io", IPAddress: "10.0.0.1"}))
	assert.Equal(t, "10.0.0.1", ActorIdentity(&EvaluationContext{IPAddress: " 10.0.0.1 "}))
	assert.Equal(t, "unknown", ActorIdentity(&EvaluationContext{}))
}

func TestAlertFingerprint_Deterministic(t *testing.T) {
	ctx := &EvaluationContext{UserID: "alice", EventType: "login_failed"}

	fp1 := AlertFingerprint("rule-1", ctx)
	fp2 := AlertFingerprint("rule-1", ctx)
	assert.Equal(t, fp1, fp2)

	// Any dimension change yields a different fingerprint.
	assert.NotEqual(t, fp1, AlertFingerprint("rule-2", ctx))
	assert.NotEqual(t, fp1, AlertFingerprint("rule-1", &EvaluationContext{UserID: "bob", EventType: "login_failed"}))
	assert.NotEqual(t, fp1, AlertFingerprint("rule-1", &EvaluationContext{UserID: "alice", EventType: "password_reset"}))
}
