package storage

import (
	"context"
	"time"

	"bluelight/core"
)

// RuleStorage persists threat rules.
type RuleStorage interface {
	GetRules(filter *core.RuleFilter, limit, offset int) ([]core.ThreatRule, error)
	GetAllRules() ([]core.ThreatRule, error)
	GetRule(id string) (*core.ThreatRule, error)
	CreateRule(rule *core.ThreatRule) error
	UpdateRule(rule *core.ThreatRule) error
	DeleteRule(id string) error
	GetRuleCount() (int64, error)
	GetRuleStatistics() (*core.RuleStatistics, error)
}

// AlertStorage persists alerts, their notifications, and analyst comments.
type AlertStorage interface {
	InsertAlert(ctx context.Context, alert *core.SecurityAlert) error
	UpdateAlert(ctx context.Context, alert *core.SecurityAlert) error
	UpdateAlertDispatchState(ctx context.Context, alert *core.SecurityAlert) error
	GetAlert(ctx context.Context, id string) (*core.SecurityAlert, error)
	GetAlerts(ctx context.Context, filters *core.AlertFilters, limit, offset int) ([]core.SecurityAlert, error)
	FindOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*core.SecurityAlert, error)

	InsertNotification(ctx context.Context, n *core.AlertNotification) error
	UpdateNotification(ctx context.Context, n *core.AlertNotification) error
	GetNotification(ctx context.Context, id string) (*core.AlertNotification, error)
	GetNotificationsForAlert(ctx context.Context, alertID string) ([]core.AlertNotification, error)
	CancelQueuedNotifications(ctx context.Context, alertID string) (int64, error)

	AddComment(ctx context.Context, c *core.AlertComment) error
	GetComments(ctx context.Context, alertID string) ([]core.AlertComment, error)
}

// EventWindowStore keeps the recent-event window used by threshold rules.
// Events are indexed by user and source IP so a triggering event can pull
// every prior event that might count toward a threshold.
type EventWindowStore interface {
	Record(ctx context.Context, event *core.SecurityEvent) error
	Recent(ctx context.Context, userID, ipAddress string, since time.Time) ([]core.SecurityEvent, error)
	Close() error
}
