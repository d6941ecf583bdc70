package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/storage"
)

func newAlertService(t *testing.T) (*AlertService, *storage.MemoryAlertStorage) {
	t.Helper()
	store := storage.NewMemoryAlertStorage()
	return NewAlertService(store, nil, zap.NewNop().Sugar()), store
}

func seedAlert(t *testing.T, store *storage.MemoryAlertStorage, status core.AlertStatus) *core.SecurityAlert {
	t.Helper()
	now := time.Now().UTC()
	alert := &core.SecurityAlert{
		ID:              uuid.NewString(),
		Type:            "login_failed",
		Severity:        core.SeverityMedium,
		Title:           "[MEDIUM] brute force suspected",
		Fingerprint:     uuid.NewString(),
		Status:          status,
		RuleID:          "rule-1",
		RuleName:        "brute force",
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.InsertAlert(context.Background(), alert))
	return alert
}

func TestAlertService_AcknowledgeRecordsActor(t *testing.T) {
	as, store := newAlertService(t)
	ctx := context.Background()
	alert := seedAlert(t, store, core.AlertStatusDispatched)

	got, err := as.Acknowledge(ctx, alert.ID, "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusAcknowledged, got.Status)
	assert.Equal(t, "analyst-7", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)

	persisted, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusAcknowledged, persisted.Status)
}

func TestAlertService_ResolveRequiresAcknowledgement(t *testing.T) {
	as, store := newAlertService(t)
	ctx := context.Background()
	alert := seedAlert(t, store, core.AlertStatusPending)

	_, err := as.Resolve(ctx, alert.ID, "analyst-7", "false positive")
	require.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = as.Acknowledge(ctx, alert.ID, "analyst-7")
	require.NoError(t, err)

	got, err := as.Resolve(ctx, alert.ID, "analyst-7", "false positive")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusResolved, got.Status)
	assert.Equal(t, "false positive", got.ResolutionNotes)
	assert.True(t, got.IsTerminal())
}

func TestAlertService_SuppressAndUnsuppress(t *testing.T) {
	as, store := newAlertService(t)
	ctx := context.Background()
	alert := seedAlert(t, store, core.AlertStatusPending)

	until := time.Now().UTC().Add(time.Hour)
	got, err := as.Suppress(ctx, alert.ID, until, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusSuppressed, got.Status)
	assert.Equal(t, "maintenance window", got.SuppressionReason)

	got, err = as.Unsuppress(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusPending, got.Status)
	assert.Nil(t, got.SuppressedUntil)
}

func TestAlertService_SuppressRejectsPastWindow(t *testing.T) {
	as, store := newAlertService(t)
	alert := seedAlert(t, store, core.AlertStatusPending)

	_, err := as.Suppress(context.Background(), alert.ID, time.Now().UTC().Add(-time.Minute), "late")
	require.Error(t, err)
}

func TestAlertService_CancelNotifications(t *testing.T) {
	as, store := newAlertService(t)
	ctx := context.Background()
	alert := seedAlert(t, store, core.AlertStatusProcessing)

	now := time.Now().UTC()
	n := &core.AlertNotification{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		Channel:   core.ChannelWebhook,
		Recipient: "https://hooks.example.com/x",
		Status:    core.NotificationQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.InsertNotification(ctx, n))

	cancelled, err := as.CancelNotifications(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	ns, err := as.GetNotifications(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, core.NotificationCancelled, ns[0].Status)

	_, err = as.CancelNotifications(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrAlertNotFound)
}

func TestAlertService_Comments(t *testing.T) {
	as, store := newAlertService(t)
	ctx := context.Background()
	alert := seedAlert(t, store, core.AlertStatusPending)

	_, err := as.AddComment(ctx, alert.ID, "analyst-7", "analyst@example.com", "")
	require.Error(t, err, "empty comment body is rejected")

	comment, err := as.AddComment(ctx, alert.ID, "analyst-7", "analyst@example.com", "looks real")
	require.NoError(t, err)
	assert.NotEmpty(t, comment.ID)

	comments, err := as.GetComments(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "looks real", comments[0].Comment)

	_, err = as.GetComments(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrAlertNotFound)
}
