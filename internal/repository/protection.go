package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// SaveProtectionSetting upserts a user's setting for one channel.
// RegisteredIdentifier must already be canonical.
func (r *SQLRepository) SaveProtectionSetting(ctx context.Context, setting *domain.ProtectionSetting) error {
	if setting.UserID == "" || !setting.Channel.Valid() {
		return fmt.Errorf("%w: user id and a valid channel are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO protection_settings (
			user_id, channel, enabled, registered_identifier, alert_mode,
			activated_at, verified, verified_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, channel) DO UPDATE SET
			enabled = excluded.enabled,
			registered_identifier = excluded.registered_identifier,
			alert_mode = excluded.alert_mode,
			activated_at = excluded.activated_at,
			verified = excluded.verified,
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		setting.UserID, string(setting.Channel), boolInt(setting.Enabled),
		setting.RegisteredIdentifier, string(setting.AlertMode),
		nullTime(setting.ActivatedAt), boolInt(setting.Verified), nullTime(setting.VerifiedAt),
		time.Now().UTC(),
	)
	return err
}

// ListProtectionSettings returns the stored settings of a user, ordered by
// channel. Channels never configured are absent.
func (r *SQLRepository) ListProtectionSettings(ctx context.Context, userID string) ([]*domain.ProtectionSetting, error) {
	query := `
		SELECT user_id, channel, enabled, registered_identifier, alert_mode,
			   activated_at, verified, verified_at
		FROM protection_settings
		WHERE user_id = ?
		ORDER BY channel
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*domain.ProtectionSetting
	for rows.Next() {
		var (
			s           domain.ProtectionSetting
			channel     string
			mode        string
			enabled     int
			verified    int
			activatedAt sql.NullTime
			verifiedAt  sql.NullTime
		)
		if err := rows.Scan(
			&s.UserID, &channel, &enabled, &s.RegisteredIdentifier, &mode,
			&activatedAt, &verified, &verifiedAt,
		); err != nil {
			return nil, err
		}

		s.Channel = domain.Channel(channel)
		s.AlertMode = domain.AlertMode(mode)
		s.Enabled = enabled == 1
		s.Verified = verified == 1
		s.ActivatedAt = timePtr(activatedAt)
		s.VerifiedAt = timePtr(verifiedAt)
		settings = append(settings, &s)
	}

	return settings, rows.Err()
}

// FindProtectedUsers returns the users with an enabled setting on channel
// whose registered identifier equals identifier exactly.
func (r *SQLRepository) FindProtectedUsers(ctx context.Context, identifier string, channel domain.Channel) ([]string, error) {
	query := `
		SELECT user_id
		FROM protection_settings
		WHERE channel = ? AND registered_identifier = ? AND enabled = 1
		ORDER BY user_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(channel), identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}

	return userIDs, rows.Err()
}
