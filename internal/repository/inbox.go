package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// maxInboxAttempts bounds the compare-and-swap retries of UpdateInbox.
const maxInboxAttempts = 16

// GetInbox returns a user's inbox. A user without alerts gets an empty
// inbox at version 0.
func (r *SQLRepository) GetInbox(ctx context.Context, userID string) (*domain.Inbox, error) {
	query := `SELECT version, pending, history FROM alert_inboxes WHERE user_id = ?`

	var (
		version int64
		pending string
		history string
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&version, &pending, &history)

	inbox := domain.NewInbox(userID)
	if errors.Is(err, sql.ErrNoRows) {
		return inbox, nil
	}
	if err != nil {
		return nil, err
	}

	inbox.Version = version
	if err := json.Unmarshal([]byte(pending), inbox.Pending); err != nil {
		return nil, fmt.Errorf("corrupt pending alerts for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(history), inbox.History); err != nil {
		return nil, fmt.Errorf("corrupt alert history for %s: %w", userID, err)
	}
	return inbox, nil
}

// UpdateInbox reads the inbox, applies fn and writes it back only if no
// other writer got there first. On conflict the whole cycle repeats with a
// fresh read, so fn must not have side effects outside the inbox. Errors
// from fn abort without writing.
func (r *SQLRepository) UpdateInbox(ctx context.Context, userID string, fn func(*domain.Inbox) error) (*domain.Inbox, error) {
	for attempt := 0; attempt < maxInboxAttempts; attempt++ {
		inbox, err := r.GetInbox(ctx, userID)
		if err != nil {
			return nil, err
		}

		if err := fn(inbox); err != nil {
			return nil, err
		}

		written, err := r.swapInbox(ctx, inbox)
		if err != nil {
			return nil, err
		}
		if written {
			inbox.Version++
			return inbox, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("update inbox %s: %w", userID, domain.ErrConflict)
}

// swapInbox writes inbox if the stored version still equals inbox.Version.
func (r *SQLRepository) swapInbox(ctx context.Context, inbox *domain.Inbox) (bool, error) {
	pending, err := json.Marshal(inbox.Pending)
	if err != nil {
		return false, err
	}
	history, err := json.Marshal(inbox.History)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	var result sql.Result
	if inbox.Version == 0 {
		query := `
			INSERT INTO alert_inboxes (user_id, version, pending, history, updated_at)
			VALUES (?, 1, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING
		`
		result, err = r.db.ExecContext(ctx, r.rebind(query), inbox.UserID, string(pending), string(history), now)
	} else {
		query := `
			UPDATE alert_inboxes
			SET version = version + 1, pending = ?, history = ?, updated_at = ?
			WHERE user_id = ? AND version = ?
		`
		result, err = r.db.ExecContext(ctx, r.rebind(query), string(pending), string(history), now, inbox.UserID, inbox.Version)
	}
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
