package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"time"

	"go.uber.org/zap"

	"bluelight/core"
)

// Channel delivers one alert notification to one recipient.
type Channel interface {
	Type() core.NotificationChannel
	Send(ctx context.Context, alert *core.SecurityAlert, recipient string) error
}

// DeliveryError wraps a channel failure with retry semantics. Transport
// failures and 5xx responses are retryable; rejections (bad recipient,
// 4xx responses) are terminal and must not be retried.
type DeliveryError struct {
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("retryable delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("terminal delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRetryable reports whether a delivery error should be retried. Errors
// that are not DeliveryError (unexpected transport problems) default to
// retryable.
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	FromAddress  string `mapstructure:"from_address"`
}

// EmailChannel delivers alerts over SMTP with TLS.
type EmailChannel struct {
	config EmailConfig
	logger *zap.SugaredLogger
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(config EmailConfig, logger *zap.SugaredLogger) *EmailChannel {
	return &EmailChannel{config: config, logger: logger}
}

// Type implements Channel.
func (c *EmailChannel) Type() core.NotificationChannel { return core.ChannelEmail }

// Send implements Channel.
func (c *EmailChannel) Send(ctx context.Context, alert *core.SecurityAlert, recipient string) error {
	if recipient == "" {
		return &DeliveryError{Retryable: false, Err: errors.New("no recipient specified for email notification")}
	}

	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Title)
	message := fmt.Sprintf("From: %s\r\n", c.config.FromAddress)
	message += fmt.Sprintf("To: %s\r\n", recipient)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += "Content-Type: text/plain; charset=UTF-8\r\n"
	message += "\r\n" + formatAlertText(alert)

	addr := fmt.Sprintf("%s:%d", c.config.SMTPHost, c.config.SMTPPort)

	// Prefer CRAM-MD5 challenge-response, fall back to PLAIN over TLS.
	auth := smtp.CRAMMD5Auth(c.config.SMTPUsername, c.config.SMTPPassword)
	err := smtp.SendMail(addr, auth, c.config.FromAddress, []string{recipient}, []byte(message))
	if err != nil {
		auth = smtp.PlainAuth("", c.config.SMTPUsername, c.config.SMTPPassword, c.config.SMTPHost)
		err = smtp.SendMail(addr, auth, c.config.FromAddress, []string{recipient}, []byte(message))
	}
	if err != nil {
		return &DeliveryError{Retryable: true, Err: fmt.Errorf("smtp send to %s failed: %w", addr, err)}
	}

	c.logger.Infof("Sent email notification for alert %s to %s", alert.ID, recipient)
	return nil
}

// WebhookConfig holds settings for the webhook channel.
type WebhookConfig struct {
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// WebhookChannel POSTs the alert as JSON to the recipient URL.
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookChannel creates a webhook channel with a TLS 1.2+ client.
func NewWebhookChannel(config WebhookConfig, logger *zap.SugaredLogger) *WebhookChannel {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookChannel{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}
}

// Type implements Channel.
func (c *WebhookChannel) Type() core.NotificationChannel { return core.ChannelWebhook }

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, alert *core.SecurityAlert, recipient string) error {
	if recipient == "" {
		return &DeliveryError{Retryable: false, Err: errors.New("no webhook URL specified")}
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return &DeliveryError{Retryable: false, Err: fmt.Errorf("failed to marshal alert payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, c.config.Method, recipient, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Retryable: false, Err: fmt.Errorf("failed to build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Retryable: true, Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyHTTPStatus(resp.StatusCode, "webhook")
}

// SlackConfig holds settings for the Slack channel.
type SlackConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SlackChannel posts alerts to a Slack incoming webhook URL.
type SlackChannel struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(config SlackConfig, logger *zap.SugaredLogger) *SlackChannel {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &SlackChannel{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}
}

// Type implements Channel.
func (c *SlackChannel) Type() core.NotificationChannel { return core.ChannelSlack }

// Send implements Channel.
func (c *SlackChannel) Send(ctx context.Context, alert *core.SecurityAlert, recipient string) error {
	if recipient == "" {
		return &DeliveryError{Retryable: false, Err: errors.New("no Slack webhook URL specified")}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"text": fmt.Sprintf("*%s* %s", alert.Severity, alert.Title),
		"attachments": []map[string]interface{}{{
			"color": slackColor(alert.Severity),
			"text":  formatAlertText(alert),
		}},
	})
	if err != nil {
		return &DeliveryError{Retryable: false, Err: fmt.Errorf("failed to marshal Slack payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Retryable: false, Err: fmt.Errorf("failed to build Slack request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Retryable: true, Err: fmt.Errorf("Slack request failed: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyHTTPStatus(resp.StatusCode, "Slack")
}

// classifyHTTPStatus maps an HTTP response to delivery semantics: 2xx is
// success, 429 and 5xx are retryable, other 4xx are terminal.
func classifyHTTPStatus(status int, channel string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &DeliveryError{Retryable: true, Err: fmt.Errorf("%s returned status %d", channel, status)}
	default:
		return &DeliveryError{Retryable: false, Err: fmt.Errorf("%s returned status %d", channel, status)}
	}
}

func formatAlertText(alert *core.SecurityAlert) string {
	text := fmt.Sprintf("Alert: %s\nSeverity: %s\nRule: %s (%s)\nScore: %d\nOccurrences: %d\nFirst seen: %s\nLast seen: %s\n",
		alert.ID, alert.Severity, alert.RuleName, alert.RuleID, alert.Score,
		alert.OccurrenceCount,
		alert.FirstSeen.Format(time.RFC3339), alert.LastSeen.Format(time.RFC3339))
	if alert.UserID != "" {
		text += fmt.Sprintf("User: %s\n", alert.UserID)
	}
	if alert.IPAddress != "" {
		text += fmt.Sprintf("Source IP: %s\n", alert.IPAddress)
	}
	if alert.Description != "" {
		text += "\n" + alert.Description + "\n"
	}
	return text
}

func slackColor(severity core.Severity) string {
	switch severity {
	case core.SeverityCritical:
		return "#d32f2f"
	case core.SeverityHigh:
		return "#f44336"
	case core.SeverityMedium:
		return "#ff9800"
	default:
		return "#2196f3"
	}
}
