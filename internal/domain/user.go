package domain

import "time"

// User is the contact record of a protected user. Credentials and sessions
// live in the external identity service.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MarkKind distinguishes blocked from safe-marked entities.
type MarkKind string

const (
	MarkBlocked MarkKind = "blocked"
	MarkSafe    MarkKind = "safe"
)

// Valid reports whether k is a known mark kind.
func (k MarkKind) Valid() bool {
	return k == MarkBlocked || k == MarkSafe
}

// Opposite returns the mark kind that k replaces.
func (k MarkKind) Opposite() MarkKind {
	if k == MarkBlocked {
		return MarkSafe
	}
	return MarkBlocked
}

// EntityMark is a user's personal verdict on an entity.
type EntityMark struct {
	UserID     string     `json:"userId"`
	Entity     string     `json:"entity"` // canonical form
	EntityType EntityType `json:"entityType"`
	Kind       MarkKind   `json:"kind"`
	MarkedAt   time.Time  `json:"markedAt"`
}

// Activity action types.
const (
	ActivityCheckRisk      = "check_risk"
	ActivityReportFraud    = "report_fraud"
	ActivityBlockEntity    = "block_entity"
	ActivityMarkSafe       = "mark_safe"
	ActivityProtection     = "protection_update"
	ActivityOTPSend        = "otp_send"
	ActivityOTPVerify      = "otp_verify"
	ActivityAcknowledge    = "alert_acknowledge"
	ActivityContactAttempt = "contact_attempt"
)

// ActivityEntry is an audit record of a user-facing action.
type ActivityEntry struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId,omitempty"`
	Action       string            `json:"action"`
	TargetEntity string            `json:"targetEntity,omitempty"`
	EntityType   EntityType        `json:"entityType,omitempty"`
	RiskLevel    RiskLevel         `json:"riskLevel,omitempty"`
	RiskScore    int               `json:"riskScore"`
	Result       string            `json:"result"`
	IPAddress    string            `json:"ipAddress,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	Browser      string            `json:"browser,omitempty"`
	OS           string            `json:"os,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}
