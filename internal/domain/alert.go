package domain

import (
	"fmt"
	"time"

	"github.com/opensource-finance/crowdguard/internal/capped"
)

// Inbox bounds.
const (
	MaxPendingAlerts = 100
	MaxAlertHistory  = 500
)

// AckAction is what the user did with an alert.
type AckAction string

const (
	ActionDismissed  AckAction = "dismissed"
	ActionBlocked    AckAction = "blocked"
	ActionMarkedSafe AckAction = "marked_safe"
	ActionReported   AckAction = "reported"
)

// DefaultAckAction is recorded when an acknowledgement names no action.
const DefaultAckAction = ActionDismissed

// Valid reports whether a is a known action.
func (a AckAction) Valid() bool {
	switch a {
	case ActionDismissed, ActionBlocked, ActionMarkedSafe, ActionReported:
		return true
	}
	return false
}

// PendingAlert is an unacknowledged risk notification.
type PendingAlert struct {
	ID             string     `json:"id"`
	Channel        Channel    `json:"channel"`
	FromEntity     string     `json:"fromEntity"`
	RiskLevel      RiskLevel  `json:"riskLevel"`
	RiskScore      int        `json:"riskScore"`
	Message        string     `json:"message"`
	Category       Category   `json:"category,omitempty"`
	AlertMode      AlertMode  `json:"alertMode"`
	CreatedAt      time.Time  `json:"createdAt"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// Key implements capped.Keyed.
func (a PendingAlert) Key() string { return a.ID }

// AlertHistoryEntry records an acknowledged alert.
type AlertHistoryEntry struct {
	AlertID    string    `json:"alertId"`
	Channel    Channel   `json:"channel"`
	FromEntity string    `json:"fromEntity"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	RiskScore  int       `json:"riskScore"`
	Action     AckAction `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key implements capped.Keyed.
func (h AlertHistoryEntry) Key() string { return h.AlertID }

// Inbox holds a user's pending alerts and alert history.
// Version is the optimistic-concurrency token the repository compares on write.
type Inbox struct {
	UserID  string                         `json:"userId"`
	Version int64                          `json:"version"`
	Pending *capped.Log[PendingAlert]      `json:"pending"`
	History *capped.Log[AlertHistoryEntry] `json:"history"`
}

// NewInbox returns an empty inbox with the standard bounds.
func NewInbox(userID string) *Inbox {
	return &Inbox{
		UserID:  userID,
		Pending: capped.New[PendingAlert](MaxPendingAlerts),
		History: capped.New[AlertHistoryEntry](MaxAlertHistory),
	}
}

// Push appends a pending alert, returning how many old alerts were evicted.
func (in *Inbox) Push(alert PendingAlert) int {
	return len(in.Pending.Append(alert))
}

// Acknowledge moves a pending alert into history with the given action.
// An unknown alert leaves the inbox unchanged and returns ErrNotFound.
func (in *Inbox) Acknowledge(alertID string, action AckAction, at time.Time) (PendingAlert, error) {
	if action == "" {
		action = DefaultAckAction
	}
	if !action.Valid() {
		return PendingAlert{}, Validationf("unknown action %q", action)
	}

	alert, ok := in.Pending.Remove(alertID)
	if !ok {
		return PendingAlert{}, fmt.Errorf("%w: alert %s", ErrNotFound, alertID)
	}

	alert.Acknowledged = true
	alert.AcknowledgedAt = &at

	in.History.Append(AlertHistoryEntry{
		AlertID:    alert.ID,
		Channel:    alert.Channel,
		FromEntity: alert.FromEntity,
		RiskLevel:  alert.RiskLevel,
		RiskScore:  alert.RiskScore,
		Action:     action,
		Timestamp:  at,
	})

	return alert, nil
}

// AlertNotification is the payload pushed to connected clients and sent to
// secondary channels.
type AlertNotification struct {
	Type   string       `json:"type"`
	UserID string       `json:"userId"`
	Alert  PendingAlert `json:"alert"`
}

// NotificationFraudAlert is the AlertNotification type for new alerts.
const NotificationFraudAlert = "fraud_alert"

// SendResult is the outcome of one secondary notification.
type SendResult struct {
	Sent bool
	Err  error
}
