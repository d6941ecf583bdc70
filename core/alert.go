package core

import (
	"time"
)

// AlertStatus tracks a SecurityAlert through its lifecycle.
type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "PENDING"
	AlertStatusProcessing   AlertStatus = "PROCESSING"
	AlertStatusDispatched   AlertStatus = "DISPATCHED"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
	AlertStatusFailed       AlertStatus = "FAILED"
	AlertStatusSuppressed   AlertStatus = "SUPPRESSED"
)

// IsValid reports whether the status is known.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusPending, AlertStatusProcessing, AlertStatusDispatched,
		AlertStatusAcknowledged, AlertStatusResolved, AlertStatusFailed,
		AlertStatusSuppressed:
		return true
	}
	return false
}

// NotificationChannel identifies a delivery channel for alert notifications.
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelWebhook NotificationChannel = "webhook"
	ChannelSlack   NotificationChannel = "slack"
)

// NotificationStatus tracks an AlertNotification through dispatch.
type NotificationStatus string

const (
	NotificationQueued     NotificationStatus = "QUEUED"
	NotificationProcessing NotificationStatus = "PROCESSING"
	NotificationSent       NotificationStatus = "SENT"
	NotificationFailed     NotificationStatus = "FAILED"
	NotificationCancelled  NotificationStatus = "CANCELLED"
)

// IsTerminal reports whether the notification has reached a final state.
func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationSent || s == NotificationFailed || s == NotificationCancelled
}

// SecurityAlert is the correlated record for one or more rule matches
// sharing a fingerprint. Matches arriving while the alert is open merge
// into it (occurrence count, last seen) instead of creating a new row.
type SecurityAlert struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`

	// Fingerprint is a stable hash of the correlating dimensions
	// (rule id, actor identity, event type).
	Fingerprint string      `json:"fingerprint"`
	Status      AlertStatus `json:"status"`

	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`

	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Score    int                    `json:"score"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`

	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`

	DispatchedChannels []string   `json:"dispatched_channels,omitempty"`
	DispatchAttempts   int        `json:"dispatch_attempts"`
	LastDispatchAt     *time.Time `json:"last_dispatch_at,omitempty"`
	DispatchErrors     []string   `json:"dispatch_errors,omitempty"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`

	SuppressedUntil   *time.Time `json:"suppressed_until,omitempty"`
	SuppressionReason string     `json:"suppression_reason,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsSuppressed reports whether the alert has an active suppression window.
func (a *SecurityAlert) IsSuppressed(now time.Time) bool {
	return a.Status == AlertStatusSuppressed &&
		a.SuppressedUntil != nil && a.SuppressedUntil.After(now)
}

// AlertNotification is one delivery attempt sequence for an alert on a
// single (channel, recipient) pair. Rows are cascade-deleted with the alert.
type AlertNotification struct {
	ID            string              `json:"id"`
	AlertID       string              `json:"alert_id"`
	Channel       NotificationChannel `json:"channel"`
	Recipient     string              `json:"recipient"`
	Status        NotificationStatus  `json:"status"`
	Attempts      int                 `json:"attempts"`
	LastAttemptAt *time.Time          `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time          `json:"sent_at,omitempty"`
	Error         string              `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// AlertComment is a free-form analyst annotation on an alert.
type AlertComment struct {
	ID          string                 `json:"id"`
	AlertID     string                 `json:"alert_id"`
	AuthorID    string                 `json:"author_id"`
	AuthorEmail string                 `json:"author_email,omitempty"`
	Comment     string                 `json:"comment"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// AlertFilters narrows alert listing.
type AlertFilters struct {
	Status      AlertStatus `json:"status,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	RuleID      string      `json:"rule_id,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	IPAddress   string      `json:"ip_address,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Since       *time.Time  `json:"since,omitempty"`
	Until       *time.Time  `json:"until,omitempty"`
}
