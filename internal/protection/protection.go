// Package protection manages per-user, per-channel protection registrations
// and matches incoming contact identifiers against them.
package protection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
)

// Store is the persistence the registry needs.
type Store interface {
	SaveProtectionSetting(ctx context.Context, setting *domain.ProtectionSetting) error
	ListProtectionSettings(ctx context.Context, userID string) ([]*domain.ProtectionSetting, error)
	FindProtectedUsers(ctx context.Context, identifier string, channel domain.Channel) ([]string, error)
}

// ProtectionRequest is a caller's registration for one channel.
type ProtectionRequest struct {
	Channel    domain.Channel   `json:"channel"`
	Identifier string           `json:"identifier"`
	AlertMode  domain.AlertMode `json:"alertMode,omitempty"`
	Enabled    *bool            `json:"enabled,omitempty"` // defaults to true
}

// Validate checks the request and fills defaults. It returns the canonical
// identifier.
func (r *ProtectionRequest) Validate() (string, error) {
	r.Channel = domain.Channel(strings.ToLower(strings.TrimSpace(string(r.Channel))))
	if !r.Channel.Valid() {
		return "", domain.Validationf("unknown channel %q", r.Channel)
	}

	if r.AlertMode == "" {
		r.AlertMode = domain.DefaultAlertMode
	}
	if !r.AlertMode.Valid() {
		return "", domain.Validationf("unknown alert mode %q", r.AlertMode)
	}

	canonical, err := entity.Validate(r.Identifier)
	if err != nil {
		return "", err
	}
	return canonical, nil
}

// Registry reads and writes protection settings.
type Registry struct {
	store Store
	clock domain.Clock
}

// NewRegistry creates a registry.
func NewRegistry(store Store, clock domain.Clock) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Registry{store: store, clock: clock}
}

// Register stores the user's setting for req.Channel. Changing the
// registered identifier clears its verification.
func (r *Registry) Register(ctx context.Context, userID string, req ProtectionRequest) (*domain.ProtectionSetting, error) {
	if userID == "" {
		return nil, domain.Validationf("user id is required")
	}
	canonical, err := req.Validate()
	if err != nil {
		return nil, err
	}

	current, err := r.setting(ctx, userID, req.Channel)
	if err != nil {
		return nil, err
	}

	enabled := req.Enabled == nil || *req.Enabled
	next := *current
	next.Enabled = enabled
	next.AlertMode = req.AlertMode

	if current.RegisteredIdentifier != canonical {
		next.RegisteredIdentifier = canonical
		next.Verified = false
		next.VerifiedAt = nil
	}
	if enabled && (!current.Enabled || current.ActivatedAt == nil) {
		now := r.clock.Now()
		next.ActivatedAt = &now
	}

	if err := r.store.SaveProtectionSetting(ctx, &next); err != nil {
		return nil, domain.StoreError("save protection", err)
	}

	slog.Info("protection registered",
		"user_id", userID,
		"channel", next.Channel,
		"enabled", next.Enabled,
		"alert_mode", next.AlertMode,
	)
	return &next, nil
}

// Disable turns off matching for a channel. The registered identifier is kept.
func (r *Registry) Disable(ctx context.Context, userID string, channel domain.Channel) (*domain.ProtectionSetting, error) {
	if !channel.Valid() {
		return nil, domain.Validationf("unknown channel %q", channel)
	}

	current, err := r.setting(ctx, userID, channel)
	if err != nil {
		return nil, err
	}
	if !current.Enabled {
		return current, nil
	}

	current.Enabled = false
	if err := r.store.SaveProtectionSetting(ctx, current); err != nil {
		return nil, domain.StoreError("save protection", err)
	}

	slog.Info("protection disabled", "user_id", userID, "channel", channel)
	return current, nil
}

// MarkVerified records that the user proved control of the registered
// identifier on channel.
func (r *Registry) MarkVerified(ctx context.Context, userID string, channel domain.Channel) (*domain.ProtectionSetting, error) {
	current, err := r.setting(ctx, userID, channel)
	if err != nil {
		return nil, err
	}
	if current.RegisteredIdentifier == "" {
		return nil, fmt.Errorf("%w: no identifier registered on %s", domain.ErrNotFound, channel)
	}

	now := r.clock.Now()
	current.Verified = true
	current.VerifiedAt = &now
	if err := r.store.SaveProtectionSetting(ctx, current); err != nil {
		return nil, domain.StoreError("save protection", err)
	}
	return current, nil
}

// Setting returns the user's setting for one channel, defaulted if absent.
func (r *Registry) Setting(ctx context.Context, userID string, channel domain.Channel) (*domain.ProtectionSetting, error) {
	if !channel.Valid() {
		return nil, domain.Validationf("unknown channel %q", channel)
	}
	return r.setting(ctx, userID, channel)
}

// Settings returns one setting per channel, in domain.Channels order.
// Channels never configured come back as disabled defaults.
func (r *Registry) Settings(ctx context.Context, userID string) ([]*domain.ProtectionSetting, error) {
	stored, err := r.store.ListProtectionSettings(ctx, userID)
	if err != nil {
		return nil, domain.StoreError("list protection", err)
	}

	byChannel := make(map[domain.Channel]*domain.ProtectionSetting, len(stored))
	for _, s := range stored {
		byChannel[s.Channel] = s
	}

	settings := make([]*domain.ProtectionSetting, 0, len(domain.Channels))
	for _, ch := range domain.Channels {
		if s, ok := byChannel[ch]; ok {
			settings = append(settings, s)
			continue
		}
		settings = append(settings, domain.DefaultProtectionSetting(userID, ch))
	}
	return settings, nil
}

// FindProtectedUsers returns every user with an enabled setting on channel
// whose registered identifier is the canonical form of raw. Matching is
// exact only.
func (r *Registry) FindProtectedUsers(ctx context.Context, raw string, channel domain.Channel) ([]string, error) {
	if !channel.Valid() {
		return nil, domain.Validationf("unknown channel %q", channel)
	}
	canonical, err := entity.Validate(raw)
	if err != nil {
		return nil, err
	}

	users, err := r.store.FindProtectedUsers(ctx, canonical, channel)
	if err != nil {
		return nil, domain.StoreError("find protected users", err)
	}
	return users, nil
}

func (r *Registry) setting(ctx context.Context, userID string, channel domain.Channel) (*domain.ProtectionSetting, error) {
	settings, err := r.Settings(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, s := range settings {
		if s.Channel == channel {
			return s, nil
		}
	}
	return domain.DefaultProtectionSetting(userID, channel), nil
}
