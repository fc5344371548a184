// Package notify implements the secondary alert channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// Mailer sends alert notifications and one-time codes to an address.
type Mailer interface {
	Send(ctx context.Context, address string, note domain.AlertNotification) domain.SendResult
	SendCode(ctx context.Context, address string, purpose domain.OTPPurpose, code string, expiresAt time.Time) error
}

// New creates the mailer selected by cfg.
func New(cfg domain.NotifyConfig) (Mailer, error) {
	switch cfg.Type {
	case "", "log":
		return NewLogMailer(), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook url is required")
		}
		return NewWebhookMailer(cfg.WebhookURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported notify type: %s", cfg.Type)
	}
}

// WebhookMailer posts notifications to an HTTP relay that delivers mail.
type WebhookMailer struct {
	url    string
	client *http.Client
}

// NewWebhookMailer constructs a webhook mailer.
func NewWebhookMailer(url string, timeout time.Duration) *WebhookMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookMailer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	To      string               `json:"to"`
	Subject string               `json:"subject"`
	Text    string               `json:"text"`
	Alert   *domain.PendingAlert `json:"alert,omitempty"`
}

// Send posts one notification.
func (m *WebhookMailer) Send(ctx context.Context, address string, note domain.AlertNotification) domain.SendResult {
	if address == "" {
		return domain.SendResult{Err: fmt.Errorf("no address for user %s", note.UserID)}
	}

	alert := note.Alert
	err := m.post(ctx, webhookPayload{
		To:      address,
		Subject: renderSubject(note),
		Text:    renderMessage(note),
		Alert:   &alert,
	})
	if err != nil {
		return domain.SendResult{Err: err}
	}

	slog.Info("secondary alert sent",
		"user_id", note.UserID,
		"alert_id", note.Alert.ID,
		"risk_level", note.Alert.RiskLevel,
	)
	return domain.SendResult{Sent: true}
}

// SendCode posts a one-time code.
func (m *WebhookMailer) SendCode(ctx context.Context, address string, purpose domain.OTPPurpose, code string, expiresAt time.Time) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}
	return m.post(ctx, webhookPayload{
		To:      address,
		Subject: codeSubject(purpose),
		Text:    renderCode(code, expiresAt),
	})
}

func (m *WebhookMailer) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogMailer writes notifications to the log. Used when no relay is set up.
type LogMailer struct{}

// NewLogMailer creates a log mailer.
func NewLogMailer() *LogMailer { return &LogMailer{} }

// Send logs the notification.
func (LogMailer) Send(ctx context.Context, address string, note domain.AlertNotification) domain.SendResult {
	if address == "" {
		return domain.SendResult{Err: fmt.Errorf("no address for user %s", note.UserID)}
	}
	slog.Info("secondary alert",
		"to", address,
		"subject", renderSubject(note),
		"user_id", note.UserID,
		"alert_id", note.Alert.ID,
	)
	return domain.SendResult{Sent: true}
}

// SendCode logs a one-time code. The code itself is only logged at debug
// level.
func (LogMailer) SendCode(ctx context.Context, address string, purpose domain.OTPPurpose, code string, expiresAt time.Time) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}
	slog.Info("one-time code issued",
		"to", address,
		"purpose", purpose,
		"expires_at", expiresAt,
	)
	slog.Debug("one-time code", "to", address, "code", code)
	return nil
}

func renderSubject(note domain.AlertNotification) string {
	return fmt.Sprintf("[CrowdGuard] %s %s from %s", strings.ToUpper(string(note.Alert.RiskLevel)), note.Alert.Channel, note.Alert.FromEntity)
}

func renderMessage(note domain.AlertNotification) string {
	a := note.Alert
	builder := strings.Builder{}
	builder.WriteString("CrowdGuard fraud alert\n")
	builder.WriteString(fmt.Sprintf("From: %s (%s)\n", a.FromEntity, a.Channel))
	builder.WriteString(fmt.Sprintf("Risk: %s (score %d)\n", a.RiskLevel, a.RiskScore))
	if a.Category != "" {
		builder.WriteString(fmt.Sprintf("Most reported as: %s\n", a.Category))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", a.CreatedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(a.Message)
	return builder.String()
}

func codeSubject(purpose domain.OTPPurpose) string {
	if purpose == domain.PurposePasswordReset {
		return "[CrowdGuard] Password reset code"
	}
	return "[CrowdGuard] Verification code"
}

func renderCode(code string, expiresAt time.Time) string {
	return fmt.Sprintf("Your CrowdGuard code is %s. It expires at %s UTC. Never share this code.",
		code, expiresAt.UTC().Format("15:04"))
}

var (
	_ Mailer = (*WebhookMailer)(nil)
	_ Mailer = LogMailer{}
)
