package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/metrics"
	"bluelight/notify"
	"bluelight/storage"
)

// AlertService owns the analyst-facing alert lifecycle operations.
type AlertService struct {
	store      storage.AlertStorage
	dispatcher *notify.Dispatcher
	logger     *zap.SugaredLogger
}

// NewAlertService creates the alert service.
func NewAlertService(store storage.AlertStorage, dispatcher *notify.Dispatcher, logger *zap.SugaredLogger) *AlertService {
	return &AlertService{store: store, dispatcher: dispatcher, logger: logger}
}

// GetAlert fetches an alert by id.
func (as *AlertService) GetAlert(ctx context.Context, id string) (*core.SecurityAlert, error) {
	return as.store.GetAlert(ctx, id)
}

// ListAlerts fetches alerts matching the filters with pagination.
func (as *AlertService) ListAlerts(ctx context.Context, filters *core.AlertFilters, limit, offset int) ([]core.SecurityAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return as.store.GetAlerts(ctx, filters, limit, offset)
}

// Acknowledge marks the alert seen by an analyst.
func (as *AlertService) Acknowledge(ctx context.Context, id, userID string) (*core.SecurityAlert, error) {
	alert, err := as.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Acknowledge(userID, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := as.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	as.logger.Infow("Alert acknowledged", "alert_id", id, "user_id", userID)
	return alert, nil
}

// Resolve closes the alert with resolution notes. Resolution is terminal:
// the next match for the same fingerprint opens a fresh alert.
func (as *AlertService) Resolve(ctx context.Context, id, userID, notes string) (*core.SecurityAlert, error) {
	alert, err := as.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Resolve(userID, notes, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := as.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	as.logger.Infow("Alert resolved", "alert_id", id, "user_id", userID)
	return alert, nil
}

// Suppress silences the alert until the given time and cancels any
// notifications still queued for it.
func (as *AlertService) Suppress(ctx context.Context, id string, until time.Time, reason string) (*core.SecurityAlert, error) {
	alert, err := as.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Suppress(until, reason); err != nil {
		return nil, err
	}
	if err := as.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	metrics.AlertsSuppressed.Inc()

	if as.dispatcher != nil {
		if _, err := as.dispatcher.Cancel(ctx, id); err != nil {
			as.logger.Warnw("Failed to cancel queued notifications for suppressed alert",
				"alert_id", id, "error", err)
		}
	}

	as.logger.Infow("Alert suppressed", "alert_id", id, "until", until, "reason", reason)
	return alert, nil
}

// Unsuppress lifts a suppression window early, returning the alert to
// PENDING.
func (as *AlertService) Unsuppress(ctx context.Context, id string) (*core.SecurityAlert, error) {
	alert, err := as.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Unsuppress(); err != nil {
		return nil, err
	}
	if err := as.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	as.logger.Infow("Alert suppression lifted", "alert_id", id)
	return alert, nil
}

// GetNotifications lists the delivery records for an alert.
func (as *AlertService) GetNotifications(ctx context.Context, alertID string) ([]core.AlertNotification, error) {
	if _, err := as.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return as.store.GetNotificationsForAlert(ctx, alertID)
}

// CancelNotifications cancels every still-queued notification for an alert.
func (as *AlertService) CancelNotifications(ctx context.Context, alertID string) (int64, error) {
	if _, err := as.store.GetAlert(ctx, alertID); err != nil {
		return 0, err
	}
	if as.dispatcher == nil {
		return as.store.CancelQueuedNotifications(ctx, alertID)
	}
	return as.dispatcher.Cancel(ctx, alertID)
}

// AddComment appends an analyst comment to an alert.
func (as *AlertService) AddComment(ctx context.Context, alertID, authorID, authorEmail, comment string) (*core.AlertComment, error) {
	if comment == "" {
		return nil, fmt.Errorf("comment body is required")
	}

	now := time.Now().UTC()
	c := &core.AlertComment{
		ID:          uuid.NewString(),
		AlertID:     alertID,
		AuthorID:    authorID,
		AuthorEmail: authorEmail,
		Comment:     comment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := as.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetComments lists the comments on an alert, oldest first.
func (as *AlertService) GetComments(ctx context.Context, alertID string) ([]core.AlertComment, error) {
	if _, err := as.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return as.store.GetComments(ctx, alertID)
}
