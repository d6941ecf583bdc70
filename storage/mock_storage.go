package storage

import (
	"context"
	"sync"
	"time"

	"bluelight/core"
)

// MemoryAlertStorage is an in-memory AlertStorage used by tests and by the
// pipeline's unit wiring. It enforces the same single-open-alert-per-
// fingerprint invariant as the SQLite backstop index.
type MemoryAlertStorage struct {
	mu            sync.Mutex
	alerts        map[string]*core.SecurityAlert
	notifications map[string]*core.AlertNotification
	comments      map[string][]core.AlertComment
}

// NewMemoryAlertStorage creates an empty in-memory alert store.
func NewMemoryAlertStorage() *MemoryAlertStorage {
	return &MemoryAlertStorage{
		alerts:        make(map[string]*core.SecurityAlert),
		notifications: make(map[string]*core.AlertNotification),
		comments:      make(map[string][]core.AlertComment),
	}
}

func copyAlert(a *core.SecurityAlert) *core.SecurityAlert {
	cp := *a
	return &cp
}

func copyNotification(n *core.AlertNotification) *core.AlertNotification {
	cp := *n
	return &cp
}

// InsertAlert implements AlertStorage.
func (m *MemoryAlertStorage) InsertAlert(_ context.Context, alert *core.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if existing.Fingerprint == alert.Fingerprint && !existing.IsTerminal() {
			return ErrDuplicateAlert
		}
	}
	m.alerts[alert.ID] = copyAlert(alert)
	return nil
}

// UpdateAlert implements AlertStorage. Like the SQLite store it leaves the
// dispatch state columns alone; UpdateAlertDispatchState owns those.
func (m *MemoryAlertStorage) UpdateAlert(_ context.Context, alert *core.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.alerts[alert.ID]
	if !ok {
		return ErrAlertNotFound
	}
	alert.UpdatedAt = time.Now().UTC()
	cp := copyAlert(alert)
	cp.DispatchedChannels = stored.DispatchedChannels
	cp.DispatchAttempts = stored.DispatchAttempts
	cp.LastDispatchAt = stored.LastDispatchAt
	cp.DispatchErrors = stored.DispatchErrors
	m.alerts[alert.ID] = cp
	return nil
}

// UpdateAlertDispatchState implements AlertStorage. Only the status and the
// dispatch bookkeeping fields are taken from the given copy.
func (m *MemoryAlertStorage) UpdateAlertDispatchState(_ context.Context, alert *core.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.alerts[alert.ID]
	if !ok {
		return ErrAlertNotFound
	}
	stored.Status = alert.Status
	stored.DispatchedChannels = append([]string(nil), alert.DispatchedChannels...)
	stored.DispatchAttempts = alert.DispatchAttempts
	stored.LastDispatchAt = alert.LastDispatchAt
	stored.DispatchErrors = append([]string(nil), alert.DispatchErrors...)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// GetAlert implements AlertStorage.
func (m *MemoryAlertStorage) GetAlert(_ context.Context, id string) (*core.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return copyAlert(alert), nil
}

// GetAlerts implements AlertStorage. Filtering supports the fields the
// tests exercise; pagination is applied after filtering.
func (m *MemoryAlertStorage) GetAlerts(_ context.Context, filters *core.AlertFilters, limit, offset int) ([]core.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.SecurityAlert
	for _, alert := range m.alerts {
		if filters != nil {
			if filters.Status != "" && alert.Status != filters.Status {
				continue
			}
			if filters.Severity != "" && alert.Severity != filters.Severity {
				continue
			}
			if filters.RuleID != "" && alert.RuleID != filters.RuleID {
				continue
			}
			if filters.UserID != "" && alert.UserID != filters.UserID {
				continue
			}
			if filters.Fingerprint != "" && alert.Fingerprint != filters.Fingerprint {
				continue
			}
		}
		out = append(out, *copyAlert(alert))
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// FindOpenAlertByFingerprint implements AlertStorage.
func (m *MemoryAlertStorage) FindOpenAlertByFingerprint(_ context.Context, fingerprint string) (*core.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.Fingerprint == fingerprint && !alert.IsTerminal() {
			return copyAlert(alert), nil
		}
	}
	return nil, core.ErrAlertNotFound
}

// InsertNotification implements AlertStorage.
func (m *MemoryAlertStorage) InsertNotification(_ context.Context, n *core.AlertNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = copyNotification(n)
	return nil
}

// UpdateNotification implements AlertStorage.
func (m *MemoryAlertStorage) UpdateNotification(_ context.Context, n *core.AlertNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[n.ID]; !ok {
		return ErrNotificationNotFound
	}
	n.UpdatedAt = time.Now().UTC()
	m.notifications[n.ID] = copyNotification(n)
	return nil
}

// GetNotification implements AlertStorage.
func (m *MemoryAlertStorage) GetNotification(_ context.Context, id string) (*core.AlertNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	return copyNotification(n), nil
}

// GetNotificationsForAlert implements AlertStorage.
func (m *MemoryAlertStorage) GetNotificationsForAlert(_ context.Context, alertID string) ([]core.AlertNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.AlertNotification
	for _, n := range m.notifications {
		if n.AlertID == alertID {
			out = append(out, *copyNotification(n))
		}
	}
	return out, nil
}

// CancelQueuedNotifications implements AlertStorage.
func (m *MemoryAlertStorage) CancelQueuedNotifications(_ context.Context, alertID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled int64
	for _, n := range m.notifications {
		if n.AlertID == alertID && n.Status == core.NotificationQueued {
			n.Status = core.NotificationCancelled
			n.UpdatedAt = time.Now().UTC()
			cancelled++
		}
	}
	return cancelled, nil
}

// AddComment implements AlertStorage.
func (m *MemoryAlertStorage) AddComment(_ context.Context, c *core.AlertComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[c.AlertID]; !ok {
		return ErrAlertNotFound
	}
	m.comments[c.AlertID] = append(m.comments[c.AlertID], *c)
	return nil
}

// GetComments implements AlertStorage.
func (m *MemoryAlertStorage) GetComments(_ context.Context, alertID string) ([]core.AlertComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.AlertComment, len(m.comments[alertID]))
	copy(out, m.comments[alertID])
	return out, nil
}
