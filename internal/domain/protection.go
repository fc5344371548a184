package domain

import "time"

// Channel is a contact medium a user can protect.
type Channel string

const (
	ChannelCall  Channel = "call"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelUPI   Channel = "upi"
)

// Channels lists every protectable channel.
var Channels = []Channel{ChannelCall, ChannelSMS, ChannelEmail, ChannelUPI}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelCall, ChannelSMS, ChannelEmail, ChannelUPI:
		return true
	}
	return false
}

// EntityType returns the identifier kind registered on this channel.
func (c Channel) EntityType() EntityType {
	switch c {
	case ChannelEmail:
		return EntityEmail
	case ChannelUPI:
		return EntityUPI
	default:
		return EntityPhone
	}
}

// AlertMode controls how a client presents an alert.
type AlertMode string

const (
	AlertPopup  AlertMode = "popup"
	AlertSilent AlertMode = "silent"
	AlertBlock  AlertMode = "block"
)

// DefaultAlertMode is used when a registration omits the mode.
const DefaultAlertMode = AlertPopup

// Valid reports whether m is a known alert mode.
func (m AlertMode) Valid() bool {
	switch m {
	case AlertPopup, AlertSilent, AlertBlock:
		return true
	}
	return false
}

// ProtectionSetting is a user's registration for one channel.
type ProtectionSetting struct {
	UserID               string     `json:"userId"`
	Channel              Channel    `json:"channel"`
	Enabled              bool       `json:"enabled"`
	RegisteredIdentifier string     `json:"registeredIdentifier"` // canonical form
	AlertMode            AlertMode  `json:"alertMode"`
	ActivatedAt          *time.Time `json:"activatedAt,omitempty"`
	Verified             bool       `json:"verified"`
	VerifiedAt           *time.Time `json:"verifiedAt,omitempty"`
}

// DefaultProtectionSetting returns the disabled default for a channel.
func DefaultProtectionSetting(userID string, ch Channel) *ProtectionSetting {
	return &ProtectionSetting{
		UserID:    userID,
		Channel:   ch,
		AlertMode: DefaultAlertMode,
	}
}
