package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlert_TransitionTo_ValidTransitions(t *testing.T) {
	testCases := []struct {
		name      string
		from      AlertStatus
		to        AlertStatus
		shouldErr bool
	}{
		// Valid transitions
		{"Pending to Processing", AlertStatusPending, AlertStatusProcessing, false},
		{"Pending to Acknowledged", AlertStatusPending, AlertStatusAcknowledged, false},
		{"Pending to Suppressed", AlertStatusPending, AlertStatusSuppressed, false},
		{"Processing to Dispatched", AlertStatusProcessing, AlertStatusDispatched, false},
		{"Processing to Failed", AlertStatusProcessing, AlertStatusFailed, false},
		{"Dispatched to Acknowledged", AlertStatusDispatched, AlertStatusAcknowledged, false},
		{"Dispatched to Suppressed", AlertStatusDispatched, AlertStatusSuppressed, false},
		{"Acknowledged to Resolved", AlertStatusAcknowledged, AlertStatusResolved, false},
		{"Suppressed to Pending", AlertStatusSuppressed, AlertStatusPending, false},

		// Invalid transitions
		{"Pending to Resolved", AlertStatusPending, AlertStatusResolved, true},
		{"Pending to Dispatched", AlertStatusPending, AlertStatusDispatched, true},
		{"Dispatched to Resolved", AlertStatusDispatched, AlertStatusResolved, true},
		{"Suppressed to Resolved", AlertStatusSuppressed, AlertStatusResolved, true},
		{"Resolved to any state", AlertStatusResolved, AlertStatusPending, true},
		{"Failed to Processing", AlertStatusFailed, AlertStatusProcessing, true},
		{"Processing to Acknowledged", AlertStatusProcessing, AlertStatusAcknowledged, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			alert := &SecurityAlert{ID: "alert-1", Status: tc.from}

			err := alert.TransitionTo(tc.to)
			if tc.shouldErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tc.from, alert.Status, "failed transition must not change status")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, alert.Status)
				assert.False(t, alert.UpdatedAt.IsZero())
			}
		})
	}
}

func TestAlert_TransitionTo_RejectsUnknownStatus(t *testing.T) {
	alert := &SecurityAlert{ID: "alert-1", Status: AlertStatusPending}

	require.Error(t, alert.TransitionTo(""))
	require.Error(t, alert.TransitionTo("EXPLODED"))
	assert.Equal(t, AlertStatusPending, alert.Status)
}

func TestAlert_CanTransitionTo(t *testing.T) {
	alert := &SecurityAlert{ID: "alert-1", Status: AlertStatusPending}

	assert.True(t, alert.CanTransitionTo(AlertStatusProcessing))
	assert.True(t, alert.CanTransitionTo(AlertStatusSuppressed))
	assert.False(t, alert.CanTransitionTo(AlertStatusResolved))
	assert.False(t, alert.CanTransitionTo(AlertStatusDispatched))
	assert.False(t, alert.CanTransitionTo("EXPLODED"))
}

func TestAlert_IsTerminal(t *testing.T) {
	terminal := []AlertStatus{AlertStatusResolved, AlertStatusFailed}
	open := []AlertStatus{
		AlertStatusPending, AlertStatusProcessing, AlertStatusDispatched,
		AlertStatusAcknowledged, AlertStatusSuppressed,
	}

	for _, status := range terminal {
		alert := &SecurityAlert{Status: status}
		assert.True(t, alert.IsTerminal(), "%s should be terminal", status)
	}
	for _, status := range open {
		alert := &SecurityAlert{Status: status}
		assert.False(t, alert.IsTerminal(), "%s should not be terminal", status)
	}
}

func TestAlert_Acknowledge_RecordsActor(t *testing.T) {
	alert := &SecurityAlert{ID: "alert-1", Status: AlertStatusDispatched}
	at := time.Now().UTC()

	require.NoError(t, alert.Acknowledge("analyst-7", at))

	assert.Equal(t, AlertStatusAcknowledged, alert.Status)
	assert.Equal(t, "analyst-7", alert.AcknowledgedBy)
	require.NotNil(t, alert.AcknowledgedAt)
	assert.Equal(t, at, *alert.AcknowledgedAt)
}

func TestAlert_Resolve_RecordsActorAndNotes(t *testing.T) {
	alert := &SecurityAlert{ID: "alert-1", Status: AlertStatusAcknowledged}
	at := time.Now().UTC()

	require.NoError(t, alert.Resolve("analyst-7", "false positive after review", at))

	assert.Equal(t, AlertStatusResolved, alert.Status)
	assert.Equal(t, "analyst-7", alert.ResolvedBy)
	assert.Equal(t, "false positive after review", alert.ResolutionNotes)
	require.NotNil(t, alert.ResolvedAt)
}

func TestAlert_Suppress_RequiresFutureWindow(t *testing.T) {
	alert := &SecurityAlert{ID: "alert-1", Status: AlertStatusPending}

	err := alert.Suppress(time.Now().Add(-time.Minute), "noisy")
	require.Error(t, err)
	assert.Equal(t, AlertStatusPending, alert.Status)

	until := time.Now().Add(time.Hour)
	require.NoError(t, alert.Suppress(until, "noisy"))
	assert.Equal(t, AlertStatusSuppressed, alert.Status)
	require.NotNil(t, alert.SuppressedUntil)
	assert.Equal(t, "noisy", alert.SuppressionReason)
}

func TestAlert_Unsuppress_ClearsWindow(t *testing.T) {
	until := time.Now().Add(time.Hour)
	alert := &SecurityAlert{ID: "alert-1", Status: AlertStatusSuppressed, SuppressedUntil: &until, SuppressionReason: "noisy"}

	require.NoError(t, alert.Unsuppress())

	assert.Equal(t, AlertStatusPending, alert.Status)
	assert.Nil(t, alert.SuppressedUntil)
	assert.Empty(t, alert.SuppressionReason)
}
