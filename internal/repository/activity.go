package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// defaultActivityLimit applies when ListActivity is called without a limit.
const defaultActivityLimit = 50

// SaveEntityMark records a block or safe mark and removes the opposite mark
// for the same entity. It reports false if the mark already existed.
func (r *SQLRepository) SaveEntityMark(ctx context.Context, mark *domain.EntityMark) (bool, error) {
	if mark.UserID == "" || mark.Entity == "" || !mark.Kind.Valid() {
		return false, fmt.Errorf("%w: user, entity and a valid kind are required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		r.rebind(`DELETE FROM entity_marks WHERE user_id = ? AND entity = ? AND kind = ?`),
		mark.UserID, mark.Entity, string(mark.Kind.Opposite()),
	); err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO entity_marks (user_id, entity, entity_type, kind, marked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, entity, kind) DO NOTHING
	`), mark.UserID, mark.Entity, string(mark.EntityType), string(mark.Kind), mark.MarkedAt.UTC())
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// HasEntityMark reports whether the user holds the given mark on entity.
func (r *SQLRepository) HasEntityMark(ctx context.Context, userID string, entity string, kind domain.MarkKind) (bool, error) {
	query := `SELECT COUNT(*) FROM entity_marks WHERE user_id = ? AND entity = ? AND kind = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), userID, entity, string(kind)).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListEntityMarks returns a user's marks, newest first.
func (r *SQLRepository) ListEntityMarks(ctx context.Context, userID string) ([]*domain.EntityMark, error) {
	query := `
		SELECT user_id, entity, entity_type, kind, marked_at
		FROM entity_marks
		WHERE user_id = ?
		ORDER BY marked_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []*domain.EntityMark
	for rows.Next() {
		var m domain.EntityMark
		var entityType, kind string
		if err := rows.Scan(&m.UserID, &m.Entity, &entityType, &kind, &m.MarkedAt); err != nil {
			return nil, err
		}
		m.EntityType = domain.EntityType(entityType)
		m.Kind = domain.MarkKind(kind)
		m.MarkedAt = m.MarkedAt.UTC()
		marks = append(marks, &m)
	}

	return marks, rows.Err()
}

// LogActivity appends an activity entry.
func (r *SQLRepository) LogActivity(ctx context.Context, entry *domain.ActivityEntry) error {
	if entry.ID == "" || entry.Action == "" {
		return fmt.Errorf("%w: activity id and action are required", ErrInvalidInput)
	}

	details, _ := json.Marshal(entry.Details)

	query := `
		INSERT INTO activity_log (
			id, user_id, action, target_entity, entity_type, risk_level, risk_score,
			result, ip_address, user_agent, browser, os, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.UserID, entry.Action, entry.TargetEntity,
		string(entry.EntityType), string(entry.RiskLevel), entry.RiskScore,
		entry.Result, entry.IPAddress, entry.UserAgent, entry.Browser, entry.OS,
		string(details), entry.CreatedAt.UTC(),
	)
	return err
}

// ListActivity returns a user's most recent activity, newest first.
func (r *SQLRepository) ListActivity(ctx context.Context, userID string, limit int) ([]*domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}

	query := `
		SELECT id, user_id, action, target_entity, entity_type, risk_level, risk_score,
			   result, ip_address, user_agent, browser, os, details, created_at
		FROM activity_log
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.ActivityEntry
	for rows.Next() {
		var (
			e          domain.ActivityEntry
			entityType string
			riskLevel  string
			details    string
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Action, &e.TargetEntity, &entityType, &riskLevel, &e.RiskScore,
			&e.Result, &e.IPAddress, &e.UserAgent, &e.Browser, &e.OS, &details, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.EntityType = domain.EntityType(entityType)
		e.RiskLevel = domain.RiskLevel(riskLevel)
		e.CreatedAt = e.CreatedAt.UTC()
		if details != "" && details != "null" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}
