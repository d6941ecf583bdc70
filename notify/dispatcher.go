package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluelight/core"
	"bluelight/metrics"
	"bluelight/storage"
)

// ErrNotificationCancelled is returned when a delivery sequence finds its
// notification cancelled between attempts.
var ErrNotificationCancelled = errors.New("notification cancelled")

// ErrUnknownChannel is returned when no channel implementation is
// registered for a notification's channel type.
var ErrUnknownChannel = errors.New("unknown notification channel")

// DispatchConfig tunes the notification dispatch queue.
type DispatchConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// Validate applies defaults and sanity checks.
func (c *DispatchConfig) Validate() error {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	return nil
}

// Target names one delivery destination for an alert.
type Target struct {
	Channel   core.NotificationChannel `mapstructure:"channel" json:"channel"`
	Recipient string                   `mapstructure:"recipient" json:"recipient"`
}

// Dispatcher runs the notification delivery queue: per-notification retry
// with exponential backoff, per-channel circuit breakers, and alert status
// finalization once every channel has settled.
type Dispatcher struct {
	ctx      context.Context
	store    storage.AlertStorage
	pool     *core.WorkerPool
	channels map[core.NotificationChannel]Channel
	config   DispatchConfig
	logger   *zap.SugaredLogger

	cbMu     sync.Mutex
	breakers map[core.NotificationChannel]*core.CircuitBreaker

	// sleep is swappable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher with the given channels registered.
func NewDispatcher(ctx context.Context, store storage.AlertStorage, channels []Channel, config DispatchConfig, logger *zap.SugaredLogger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		ctx:      ctx,
		store:    store,
		pool:     core.NewWorkerPool(ctx, config.Workers, config.QueueSize, "notify", logger),
		channels: make(map[core.NotificationChannel]Channel, len(channels)),
		config:   config,
		logger:   logger,
		breakers: make(map[core.NotificationChannel]*core.CircuitBreaker),
		sleep:    sleepCtx,
	}
	for _, ch := range channels {
		d.channels[ch.Type()] = ch
	}
	return d, nil
}

// Start launches the dispatch workers.
func (d *Dispatcher) Start() {
	d.pool.Start()
}

// Stop drains the dispatch workers.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Enqueue creates QUEUED notification rows for every target, moves the
// alert to PROCESSING, and submits the delivery job. It returns the
// created notifications.
func (d *Dispatcher) Enqueue(ctx context.Context, alert *core.SecurityAlert, targets []Target) ([]core.AlertNotification, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	notifications := make([]core.AlertNotification, 0, len(targets))
	for _, t := range targets {
		n := core.AlertNotification{
			ID:        uuid.NewString(),
			AlertID:   alert.ID,
			Channel:   t.Channel,
			Recipient: t.Recipient,
			Status:    core.NotificationQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.store.InsertNotification(ctx, &n); err != nil {
			return nil, fmt.Errorf("failed to enqueue notification for alert %s: %w", alert.ID, err)
		}
		notifications = append(notifications, n)
	}

	if alert.Status == core.AlertStatusPending {
		if err := alert.TransitionTo(core.AlertStatusProcessing); err != nil {
			return nil, err
		}
		if err := d.store.UpdateAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("failed to mark alert %s processing: %w", alert.ID, err)
		}
	}

	alertID := alert.ID
	if err := d.pool.Submit(func() { d.deliverAlert(alertID, notifications) }); err != nil {
		return notifications, fmt.Errorf("failed to submit dispatch job for alert %s: %w", alertID, err)
	}
	return notifications, nil
}

// Cancel flips every still-queued notification for the alert to CANCELLED.
// In-flight attempts finish; future attempts see the cancellation.
func (d *Dispatcher) Cancel(ctx context.Context, alertID string) (int64, error) {
	cancelled, err := d.store.CancelQueuedNotifications(ctx, alertID)
	if err != nil {
		return 0, err
	}
	if cancelled > 0 {
		d.logger.Infow("Cancelled queued notifications", "alert_id", alertID, "count", cancelled)
	}
	return cancelled, nil
}

// deliverAlert runs every notification's delivery sequence and finalizes
// the alert: DISPATCHED if any channel succeeded, FAILED if all failed.
func (d *Dispatcher) deliverAlert(alertID string, notifications []core.AlertNotification) {
	ctx := d.ctx

	alert, err := d.store.GetAlert(ctx, alertID)
	if err != nil {
		d.logger.Errorw("Dispatch job lost its alert", "alert_id", alertID, "error", err)
		return
	}

	var succeeded []string
	var failures []string
	settled := 0

	for i := range notifications {
		n := notifications[i]
		err := d.deliverOne(ctx, alert, &n)
		switch {
		case err == nil:
			succeeded = append(succeeded, string(n.Channel))
			settled++
		case errors.Is(err, ErrNotificationCancelled):
			// Cancelled deliveries neither succeed nor fail the alert.
		default:
			failures = append(failures, fmt.Sprintf("%s: %v", n.Channel, err))
			settled++
		}
	}

	if settled == 0 {
		// Everything was cancelled; leave the alert as-is.
		return
	}

	// Re-read: an operator may have suppressed or acknowledged the alert
	// while deliveries were in flight.
	alert, err = d.store.GetAlert(ctx, alertID)
	if err != nil {
		d.logger.Errorw("Failed to reload alert for finalization", "alert_id", alertID, "error", err)
		return
	}

	now := time.Now().UTC()
	alert.DispatchAttempts++
	alert.LastDispatchAt = &now
	alert.DispatchedChannels = appendUnique(alert.DispatchedChannels, succeeded)
	alert.DispatchErrors = append(alert.DispatchErrors, failures...)

	if alert.Status == core.AlertStatusProcessing {
		target := core.AlertStatusDispatched
		if len(succeeded) == 0 {
			target = core.AlertStatusFailed
		}
		if err := alert.TransitionTo(target); err != nil {
			d.logger.Warnw("Skipping alert finalization transition",
				"alert_id", alertID, "target", target, "error", err)
		}
	}

	// The narrow dispatch-state write cannot clobber a correlator merge
	// that lands between the re-read above and this statement.
	if err := d.store.UpdateAlertDispatchState(ctx, alert); err != nil {
		d.logger.Errorw("Failed to finalize dispatched alert", "alert_id", alertID, "error", err)
	}
}

// deliverOne runs the retry sequence for a single notification.
func (d *Dispatcher) deliverOne(ctx context.Context, alert *core.SecurityAlert, n *core.AlertNotification) error {
	ch, ok := d.channels[n.Channel]
	if !ok {
		n.Status = core.NotificationFailed
		n.Error = ErrUnknownChannel.Error()
		if err := d.store.UpdateNotification(ctx, n); err != nil {
			d.logger.Errorw("Failed to record unknown-channel failure", "notification_id", n.ID, "error", err)
		}
		metrics.NotificationsFailed.WithLabelValues(string(n.Channel)).Inc()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, n.Channel)
	}

	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		// Cancellation between attempts wins over delivery.
		current, err := d.store.GetNotification(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("failed to reload notification %s: %w", n.ID, err)
		}
		if current.Status == core.NotificationCancelled {
			d.logger.Infow("Skipping cancelled notification", "notification_id", n.ID, "alert_id", n.AlertID)
			return ErrNotificationCancelled
		}

		now := time.Now().UTC()
		n.Status = core.NotificationProcessing
		n.Attempts = attempt
		n.LastAttemptAt = &now
		if err := d.store.UpdateNotification(ctx, n); err != nil {
			return fmt.Errorf("failed to mark notification %s processing: %w", n.ID, err)
		}

		sendErr := d.attemptSend(ctx, ch, alert, n.Recipient)
		if sendErr == nil {
			sentAt := time.Now().UTC()
			n.Status = core.NotificationSent
			n.SentAt = &sentAt
			n.Error = ""
			if err := d.store.UpdateNotification(ctx, n); err != nil {
				d.logger.Errorw("Delivery succeeded but status update failed",
					"notification_id", n.ID, "error", err)
			}
			metrics.NotificationsSent.WithLabelValues(string(n.Channel)).Inc()
			return nil
		}

		n.Error = sendErr.Error()

		if !IsRetryable(sendErr) || attempt == d.config.MaxAttempts {
			n.Status = core.NotificationFailed
			if err := d.store.UpdateNotification(ctx, n); err != nil {
				d.logger.Errorw("Failed to record notification failure",
					"notification_id", n.ID, "error", err)
			}
			metrics.NotificationsFailed.WithLabelValues(string(n.Channel)).Inc()
			d.logger.Warnw("Notification delivery failed",
				"notification_id", n.ID,
				"alert_id", n.AlertID,
				"channel", n.Channel,
				"attempts", attempt,
				"retryable", IsRetryable(sendErr),
				"error", sendErr)
			return sendErr
		}

		// Back to QUEUED for the retry window so Cancel can still catch it.
		n.Status = core.NotificationQueued
		if err := d.store.UpdateNotification(ctx, n); err != nil {
			return fmt.Errorf("failed to requeue notification %s: %w", n.ID, err)
		}
		metrics.NotificationRetries.WithLabelValues(string(n.Channel)).Inc()

		delay := d.backoffDelay(attempt)
		d.logger.Infow("Retrying notification after backoff",
			"notification_id", n.ID, "attempt", attempt, "delay", delay)
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// attemptSend runs one send through the channel's circuit breaker. An open
// breaker counts as a retryable failure without hitting the channel.
func (d *Dispatcher) attemptSend(ctx context.Context, ch Channel, alert *core.SecurityAlert, recipient string) error {
	cb := d.breaker(ch.Type())
	if err := cb.Allow(); err != nil {
		return &DeliveryError{Retryable: true, Err: fmt.Errorf("circuit breaker open for %s: %w", ch.Type(), err)}
	}

	if err := ch.Send(ctx, alert, recipient); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (d *Dispatcher) breaker(channel core.NotificationChannel) *core.CircuitBreaker {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	cb, ok := d.breakers[channel]
	if !ok {
		cb = core.MustNewCircuitBreaker(core.CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             60 * time.Second,
			MaxHalfOpenRequests: 1,
		})
		d.breakers[channel] = cb
	}
	return cb
}

// backoffDelay doubles the base per completed attempt: base, 2x, 4x...
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func appendUnique(existing []string, more []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range more {
		if !seen[s] {
			existing = append(existing, s)
			seen[s] = true
		}
	}
	return existing
}
