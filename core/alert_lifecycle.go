package core

import (
	"errors"
	"fmt"
	"time"
)

// validTransitions defines allowed state transitions for alerts.
// RESOLVED and FAILED are terminal. SUPPRESSED is reachable from any
// non-terminal state and leaves only back to PENDING (once the suppression
// window has elapsed and a new match arrives).
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusPending:      {AlertStatusProcessing, AlertStatusAcknowledged, AlertStatusSuppressed},
	AlertStatusProcessing:   {AlertStatusDispatched, AlertStatusFailed, AlertStatusSuppressed},
	AlertStatusDispatched:   {AlertStatusAcknowledged, AlertStatusSuppressed},
	AlertStatusAcknowledged: {AlertStatusResolved, AlertStatusSuppressed},
	AlertStatusSuppressed:   {AlertStatusPending},
	AlertStatusResolved:     {},
	AlertStatusFailed:       {},
}

// ErrInvalidTransition is returned for disallowed alert status changes.
var ErrInvalidTransition = errors.New("invalid alert status transition")

// TransitionTo validates and executes an alert state transition.
func (a *SecurityAlert) TransitionTo(newStatus AlertStatus) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid alert status: %s", newStatus)
	}

	allowed, exists := validTransitions[a.Status]
	if !exists {
		return fmt.Errorf("unknown current status: %s", a.Status)
	}

	for _, status := range allowed {
		if status == newStatus {
			a.Status = newStatus
			a.UpdatedAt = time.Now().UTC()
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s (allowed: %v)", ErrInvalidTransition, a.Status, newStatus, allowed)
}

// CanTransitionTo checks if a transition is allowed without executing it.
func (a *SecurityAlert) CanTransitionTo(newStatus AlertStatus) bool {
	if !newStatus.IsValid() {
		return false
	}
	for _, status := range validTransitions[a.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the alert is in a final state.
func (a *SecurityAlert) IsTerminal() bool {
	allowed, exists := validTransitions[a.Status]
	return exists && len(allowed) == 0
}

// Acknowledge transitions the alert to ACKNOWLEDGED and records the actor.
func (a *SecurityAlert) Acknowledge(userID string, at time.Time) error {
	if err := a.TransitionTo(AlertStatusAcknowledged); err != nil {
		return err
	}
	a.AcknowledgedBy = userID
	a.AcknowledgedAt = &at
	return nil
}

// Resolve transitions the alert to RESOLVED and records the actor and notes.
func (a *SecurityAlert) Resolve(userID, notes string, at time.Time) error {
	if err := a.TransitionTo(AlertStatusResolved); err != nil {
		return err
	}
	a.ResolvedBy = userID
	a.ResolvedAt = &at
	a.ResolutionNotes = notes
	return nil
}

// Suppress sets a suppression window on the alert. Merges keep being
// recorded while suppressed but no new notifications are enqueued until
// the window elapses.
func (a *SecurityAlert) Suppress(until time.Time, reason string) error {
	if !until.After(time.Now()) {
		return fmt.Errorf("suppression window must end in the future, got %s", until.Format(time.RFC3339))
	}
	if err := a.TransitionTo(AlertStatusSuppressed); err != nil {
		return err
	}
	a.SuppressedUntil = &until
	a.SuppressionReason = reason
	return nil
}

// Unsuppress returns a suppressed alert to PENDING and clears the window.
func (a *SecurityAlert) Unsuppress() error {
	if err := a.TransitionTo(AlertStatusPending); err != nil {
		return err
	}
	a.SuppressedUntil = nil
	a.SuppressionReason = ""
	return nil
}
