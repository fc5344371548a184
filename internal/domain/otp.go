package domain

import "time"

// OTPPurpose scopes a one-time code to a flow.
type OTPPurpose string

const (
	PurposeChannelVerification OTPPurpose = "channel_verification"
	PurposePasswordReset       OTPPurpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p OTPPurpose) Valid() bool {
	switch p {
	case PurposeChannelVerification, PurposePasswordReset:
		return true
	}
	return false
}

// OTPRecord is the single live one-time code for a (subject, purpose).
// Only a hash of the code is stored.
type OTPRecord struct {
	Subject           string     `json:"subject"`
	Purpose           OTPPurpose `json:"purpose"`
	CodeHash          string     `json:"codeHash"`
	IssuedAt          time.Time  `json:"issuedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	AttemptsRemaining int        `json:"attemptsRemaining"`
	Verified          bool       `json:"verified"`
}
