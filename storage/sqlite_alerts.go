package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bluelight/core"
)

// SQLiteAlertStorage handles alert, notification, and comment persistence.
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStorage creates a new SQLite alert storage handler.
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{sqlite: sqlite, logger: logger}
}

const alertColumns = `id, type, severity, title, description, fingerprint, status,
	       rule_id, rule_name, user_id, user_email, ip_address, user_agent, session_id,
	       score, evidence, context, occurrence_count, first_seen, last_seen,
	       dispatched_channels, dispatch_attempts, last_dispatch_at, dispatch_errors,
	       acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_notes,
	       suppressed_until, suppression_reason, expires_at, created_at, updated_at`

// InsertAlert inserts a new alert row. The partial unique index on open
// fingerprints turns a lost create race into ErrDuplicateAlert.
func (sas *SQLiteAlertStorage) InsertAlert(ctx context.Context, alert *core.SecurityAlert) error {
	evidence, dispatchErrors, channels, contextJSON, err := encodeAlertFields(alert)
	if err != nil {
		return err
	}

	_, err = sas.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO security_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.Type, string(alert.Severity), alert.Title, alert.Description,
		alert.Fingerprint, string(alert.Status), alert.RuleID, alert.RuleName,
		alert.UserID, alert.UserEmail, alert.IPAddress, alert.UserAgent, alert.SessionID,
		alert.Score, evidence, contextJSON, alert.OccurrenceCount,
		formatTime(alert.FirstSeen), formatTime(alert.LastSeen),
		channels, alert.DispatchAttempts, formatTimePtr(alert.LastDispatchAt), dispatchErrors,
		alert.AcknowledgedBy, formatTimePtr(alert.AcknowledgedAt),
		alert.ResolvedBy, formatTimePtr(alert.ResolvedAt), alert.ResolutionNotes,
		formatTimePtr(alert.SuppressedUntil), alert.SuppressionReason,
		formatTimePtr(alert.ExpiresAt), formatTime(alert.CreatedAt), formatTime(alert.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAlert
		}
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// UpdateAlert rewrites the mutable columns of an alert, except the dispatch
// state columns. Those are owned by UpdateAlertDispatchState so a correlator
// merge and a dispatch finalization writing concurrently cannot overwrite
// each other's fields from a stale copy.
func (sas *SQLiteAlertStorage) UpdateAlert(ctx context.Context, alert *core.SecurityAlert) error {
	evidence, _, _, contextJSON, err := encodeAlertFields(alert)
	if err != nil {
		return err
	}
	alert.UpdatedAt = time.Now().UTC()

	result, err := sas.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE security_alerts
		SET severity = ?, status = ?, score = ?, evidence = ?, context = ?,
			occurrence_count = ?, last_seen = ?,
			acknowledged_by = ?, acknowledged_at = ?,
			resolved_by = ?, resolved_at = ?, resolution_notes = ?,
			suppressed_until = ?, suppression_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(alert.Severity), string(alert.Status), alert.Score, evidence, contextJSON,
		alert.OccurrenceCount, formatTime(alert.LastSeen),
		alert.AcknowledgedBy, formatTimePtr(alert.AcknowledgedAt),
		alert.ResolvedBy, formatTimePtr(alert.ResolvedAt), alert.ResolutionNotes,
		formatTimePtr(alert.SuppressedUntil), alert.SuppressionReason, formatTime(alert.UpdatedAt),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check alert update result: %w", err)
	}
	if affected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// UpdateAlertDispatchState writes only the dispatch bookkeeping columns and
// the status. The dispatcher finalizes alerts through this so a merge
// landing between its re-read and its write keeps its occurrence count,
// evidence, and severity.
func (sas *SQLiteAlertStorage) UpdateAlertDispatchState(ctx context.Context, alert *core.SecurityAlert) error {
	_, dispatchErrors, channels, _, err := encodeAlertFields(alert)
	if err != nil {
		return err
	}
	alert.UpdatedAt = time.Now().UTC()

	result, err := sas.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE security_alerts
		SET status = ?, dispatched_channels = ?, dispatch_attempts = ?,
			last_dispatch_at = ?, dispatch_errors = ?, updated_at = ?
		WHERE id = ?`,
		string(alert.Status), channels, alert.DispatchAttempts,
		formatTimePtr(alert.LastDispatchAt), dispatchErrors, formatTime(alert.UpdatedAt),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert dispatch state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check alert dispatch state update result: %w", err)
	}
	if affected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// GetAlert retrieves a single alert by ID.
func (sas *SQLiteAlertStorage) GetAlert(ctx context.Context, id string) (*core.SecurityAlert, error) {
	row := sas.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM security_alerts WHERE id = ?", id)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// FindOpenAlertByFingerprint returns the single non-terminal alert for a
// fingerprint. The partial unique index guarantees at most one row.
func (sas *SQLiteAlertStorage) FindOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*core.SecurityAlert, error) {
	row := sas.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM security_alerts
		WHERE fingerprint = ? AND status NOT IN ('RESOLVED', 'FAILED')`, fingerprint)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open alert by fingerprint: %w", err)
	}
	return alert, nil
}

// GetAlerts retrieves alerts matching the filters with pagination, newest
// last-seen first.
func (sas *SQLiteAlertStorage) GetAlerts(ctx context.Context, filters *core.AlertFilters, limit, offset int) ([]core.SecurityAlert, error) {
	query := "SELECT " + alertColumns + " FROM security_alerts"
	var conditions []string
	var args []interface{}

	if filters != nil {
		if filters.Status != "" {
			conditions = append(conditions, "status = ?")
			args = append(args, string(filters.Status))
		}
		if filters.Severity != "" {
			conditions = append(conditions, "severity = ?")
			args = append(args, string(filters.Severity))
		}
		if filters.RuleID != "" {
			conditions = append(conditions, "rule_id = ?")
			args = append(args, filters.RuleID)
		}
		if filters.UserID != "" {
			conditions = append(conditions, "user_id = ?")
			args = append(args, filters.UserID)
		}
		if filters.IPAddress != "" {
			conditions = append(conditions, "ip_address = ?")
			args = append(args, filters.IPAddress)
		}
		if filters.Fingerprint != "" {
			conditions = append(conditions, "fingerprint = ?")
			args = append(args, filters.Fingerprint)
		}
		if filters.Since != nil {
			conditions = append(conditions, "last_seen >= ?")
			args = append(args, formatTime(*filters.Since))
		}
		if filters.Until != nil {
			conditions = append(conditions, "last_seen <= ?")
			args = append(args, formatTime(*filters.Until))
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_seen DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := sas.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []core.SecurityAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

// InsertNotification inserts a delivery attempt record.
func (sas *SQLiteAlertStorage) InsertNotification(ctx context.Context, n *core.AlertNotification) error {
	_, err := sas.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_notifications (id, alert_id, channel, recipient, status,
			attempts, last_attempt_at, sent_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AlertID, string(n.Channel), n.Recipient, string(n.Status),
		n.Attempts, formatTimePtr(n.LastAttemptAt), formatTimePtr(n.SentAt),
		n.Error, formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// UpdateNotification rewrites the mutable columns of a notification.
func (sas *SQLiteAlertStorage) UpdateNotification(ctx context.Context, n *core.AlertNotification) error {
	n.UpdatedAt = time.Now().UTC()

	result, err := sas.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alert_notifications
		SET status = ?, attempts = ?, last_attempt_at = ?, sent_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(n.Status), n.Attempts, formatTimePtr(n.LastAttemptAt),
		formatTimePtr(n.SentAt), n.Error, formatTime(n.UpdatedAt), n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check notification update result: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

const notificationColumns = `id, alert_id, channel, recipient, status, attempts,
	       last_attempt_at, sent_at, last_error, created_at, updated_at`

// GetNotification retrieves a single notification by ID.
func (sas *SQLiteAlertStorage) GetNotification(ctx context.Context, id string) (*core.AlertNotification, error) {
	row := sas.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM alert_notifications WHERE id = ?", id)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// GetNotificationsForAlert lists delivery records for an alert, oldest first.
func (sas *SQLiteAlertStorage) GetNotificationsForAlert(ctx context.Context, alertID string) ([]core.AlertNotification, error) {
	rows, err := sas.sqlite.ReadDB.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM alert_notifications WHERE alert_id = ? ORDER BY created_at ASC", alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []core.AlertNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return notifications, nil
}

// CancelQueuedNotifications flips every still-queued notification for an
// alert to CANCELLED. In-flight and terminal rows are untouched.
func (sas *SQLiteAlertStorage) CancelQueuedNotifications(ctx context.Context, alertID string) (int64, error) {
	result, err := sas.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alert_notifications
		SET status = 'CANCELLED', updated_at = ?
		WHERE alert_id = ? AND status = 'QUEUED'`,
		formatTime(time.Now().UTC()), alertID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued notifications: %w", err)
	}
	return result.RowsAffected()
}

// AddComment appends an analyst comment to an alert.
func (sas *SQLiteAlertStorage) AddComment(ctx context.Context, c *core.AlertComment) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal comment metadata: %w", err)
	}

	_, err = sas.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_comments (id, alert_id, author_id, author_email, comment, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AlertID, c.AuthorID, c.AuthorEmail, c.Comment, string(metadataJSON),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		// FK violation means the alert row is gone
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrAlertNotFound
		}
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

// GetComments lists comments for an alert, oldest first.
func (sas *SQLiteAlertStorage) GetComments(ctx context.Context, alertID string) ([]core.AlertComment, error) {
	rows, err := sas.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, alert_id, author_id, author_email, comment, metadata, created_at, updated_at
		FROM alert_comments WHERE alert_id = ? ORDER BY created_at ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var comments []core.AlertComment
	for rows.Next() {
		var c core.AlertComment
		var authorEmail, metadataJSON sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.AlertID, &c.AuthorID, &authorEmail, &c.Comment, &metadataJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.AuthorEmail = authorEmail.String
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse comment metadata: %w", err)
			}
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse comment created_at: %w", err)
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse comment updated_at: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comments: %w", err)
	}
	return comments, nil
}

func encodeAlertFields(alert *core.SecurityAlert) (evidence, dispatchErrors, channels, contextJSON string, err error) {
	b, err := json.Marshal(alert.Evidence)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal alert evidence: %w", err)
	}
	evidence = string(b)

	b, err = json.Marshal(alert.DispatchErrors)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal dispatch errors: %w", err)
	}
	dispatchErrors = string(b)

	b, err = json.Marshal(alert.DispatchedChannels)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal dispatched channels: %w", err)
	}
	channels = string(b)

	b, err = json.Marshal(alert.Context)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal alert context: %w", err)
	}
	contextJSON = string(b)
	return evidence, dispatchErrors, channels, contextJSON, nil
}

func scanAlert(row rowScanner) (*core.SecurityAlert, error) {
	var alert core.SecurityAlert
	var severity, status string
	var description, userID, userEmail, ipAddress, userAgent, sessionID sql.NullString
	var evidence, contextJSON, channels, dispatchErrors sql.NullString
	var acknowledgedBy, resolvedBy, resolutionNotes, suppressionReason sql.NullString
	var firstSeen, lastSeen, createdAt, updatedAt string
	var lastDispatchAt, acknowledgedAt, resolvedAt, suppressedUntil, expiresAt sql.NullString

	err := row.Scan(
		&alert.ID, &alert.Type, &severity, &alert.Title, &description,
		&alert.Fingerprint, &status, &alert.RuleID, &alert.RuleName,
		&userID, &userEmail, &ipAddress, &userAgent, &sessionID,
		&alert.Score, &evidence, &contextJSON, &alert.OccurrenceCount,
		&firstSeen, &lastSeen,
		&channels, &alert.DispatchAttempts, &lastDispatchAt, &dispatchErrors,
		&acknowledgedBy, &acknowledgedAt, &resolvedBy, &resolvedAt, &resolutionNotes,
		&suppressedUntil, &suppressionReason, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Severity = core.Severity(severity)
	alert.Status = core.AlertStatus(status)
	alert.Description = description.String
	alert.UserID = userID.String
	alert.UserEmail = userEmail.String
	alert.IPAddress = ipAddress.String
	alert.UserAgent = userAgent.String
	alert.SessionID = sessionID.String
	alert.AcknowledgedBy = acknowledgedBy.String
	alert.ResolvedBy = resolvedBy.String
	alert.ResolutionNotes = resolutionNotes.String
	alert.SuppressionReason = suppressionReason.String

	if err := unmarshalNullJSON(evidence, &alert.Evidence); err != nil {
		return nil, fmt.Errorf("failed to parse alert evidence: %w", err)
	}
	if err := unmarshalNullJSON(contextJSON, &alert.Context); err != nil {
		return nil, fmt.Errorf("failed to parse alert context: %w", err)
	}
	if err := unmarshalNullJSON(channels, &alert.DispatchedChannels); err != nil {
		return nil, fmt.Errorf("failed to parse dispatched channels: %w", err)
	}
	if err := unmarshalNullJSON(dispatchErrors, &alert.DispatchErrors); err != nil {
		return nil, fmt.Errorf("failed to parse dispatch errors: %w", err)
	}

	if alert.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return nil, fmt.Errorf("failed to parse alert first_seen: %w", err)
	}
	if alert.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, fmt.Errorf("failed to parse alert last_seen: %w", err)
	}
	if alert.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse alert created_at: %w", err)
	}
	if alert.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse alert updated_at: %w", err)
	}

	if alert.LastDispatchAt, err = parseTimePtr(lastDispatchAt); err != nil {
		return nil, fmt.Errorf("failed to parse alert last_dispatch_at: %w", err)
	}
	if alert.AcknowledgedAt, err = parseTimePtr(acknowledgedAt); err != nil {
		return nil, fmt.Errorf("failed to parse alert acknowledged_at: %w", err)
	}
	if alert.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("failed to parse alert resolved_at: %w", err)
	}
	if alert.SuppressedUntil, err = parseTimePtr(suppressedUntil); err != nil {
		return nil, fmt.Errorf("failed to parse alert suppressed_until: %w", err)
	}
	if alert.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse alert expires_at: %w", err)
	}

	return &alert, nil
}

func scanNotification(row rowScanner) (*core.AlertNotification, error) {
	var n core.AlertNotification
	var channel, status string
	var recipient, lastError sql.NullString
	var lastAttemptAt, sentAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&n.ID, &n.AlertID, &channel, &recipient, &status,
		&n.Attempts, &lastAttemptAt, &sentAt, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	n.Channel = core.NotificationChannel(channel)
	n.Status = core.NotificationStatus(status)
	n.Recipient = recipient.String
	n.Error = lastError.String

	if n.LastAttemptAt, err = parseTimePtr(lastAttemptAt); err != nil {
		return nil, fmt.Errorf("failed to parse notification last_attempt_at: %w", err)
	}
	if n.SentAt, err = parseTimePtr(sentAt); err != nil {
		return nil, fmt.Errorf("failed to parse notification sent_at: %w", err)
	}
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse notification created_at: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse notification updated_at: %w", err)
	}
	return &n, nil
}

func unmarshalNullJSON(s sql.NullString, dest interface{}) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dest)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
