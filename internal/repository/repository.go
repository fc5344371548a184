// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrValidation
)

// topCategoryLimit bounds the category breakdown in report stats.
const topCategoryLimit = 5

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveReport stores a new fraud report. TargetEntity must already be canonical.
func (r *SQLRepository) SaveReport(ctx context.Context, report *domain.FraudReport) error {
	if report.ID == "" || report.TargetEntity == "" {
		return fmt.Errorf("%w: report id and target entity are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_reports (
			id, reporter_id, target_entity, entity_type, category,
			description, evidence, amount_lost, incident_date, timestamp, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.ID, report.ReporterID, report.TargetEntity,
		string(report.EntityType), string(report.Category),
		report.Description, report.Evidence,
		report.AmountLost.String(), nullTime(report.IncidentDate),
		report.Timestamp.UTC(), boolInt(report.Active),
	)
	return err
}

const reportColumns = `
	id, reporter_id, target_entity, entity_type, category,
	description, evidence, amount_lost, incident_date, timestamp, active
`

// GetReport retrieves a report by ID, active or not.
func (r *SQLRepository) GetReport(ctx context.Context, reportID string) (*domain.FraudReport, error) {
	query := `SELECT ` + reportColumns + ` FROM fraud_reports WHERE id = ?`

	report, err := scanReport(r.db.QueryRowContext(ctx, r.rebind(query), reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, reportID)
	}
	return report, err
}

// ListActiveReports returns active reports against entity with
// since <= timestamp <= until, newest first.
func (r *SQLRepository) ListActiveReports(ctx context.Context, entity string, since, until time.Time) ([]*domain.FraudReport, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM fraud_reports
		WHERE target_entity = ?
		  AND active = 1
		  AND timestamp >= ?
		  AND timestamp <= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entity, since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.FraudReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	return reports, rows.Err()
}

// DeactivateReport soft-deletes a report.
func (r *SQLRepository) DeactivateReport(ctx context.Context, reportID string) error {
	query := `UPDATE fraud_reports SET active = 0 WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), reportID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: report %s", ErrNotFound, reportID)
	}
	return nil
}

// GetReportStats summarizes active reports. Recent reports are those at or
// after since.
func (r *SQLRepository) GetReportStats(ctx context.Context, since time.Time) (*domain.ReportStats, error) {
	stats := &domain.ReportStats{
		TotalAmountLost: decimal.Zero,
		TopCategories:   []domain.CategoryCount{},
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fraud_reports WHERE active = 1`,
	).Scan(&stats.TotalReports); err != nil {
		return nil, err
	}

	if err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM fraud_reports WHERE active = 1 AND timestamp >= ?`), since.UTC(),
	).Scan(&stats.RecentReports); err != nil {
		return nil, err
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.TotalUsers); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT category, amount_lost FROM fraud_reports WHERE active = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Amounts are summed here rather than in SQL to keep decimal precision.
	counts := make(map[domain.Category]int64)
	for rows.Next() {
		var category string
		var amount decimal.Decimal
		if err := rows.Scan(&category, &amount); err != nil {
			return nil, err
		}
		counts[domain.Category(category)]++
		stats.TotalAmountLost = stats.TotalAmountLost.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for category, count := range counts {
		stats.TopCategories = append(stats.TopCategories, domain.CategoryCount{Category: category, Count: count})
	}
	sort.Slice(stats.TopCategories, func(i, j int) bool {
		a, b := stats.TopCategories[i], stats.TopCategories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	if len(stats.TopCategories) > topCategoryLimit {
		stats.TopCategories = stats.TopCategories[:topCategoryLimit]
	}

	return stats, nil
}

// SaveUser creates a user.
func (r *SQLRepository) SaveUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO users (id, name, email, phone, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		user.ID, user.Name, user.Email, user.Phone, user.CreatedAt.UTC(),
	)
	return err
}

// GetUser retrieves a user by ID.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT id, name, email, phone, created_at FROM users WHERE id = ?`

	var user domain.User
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&user.ID, &user.Name, &user.Email, &user.Phone, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*domain.FraudReport, error) {
	var (
		report       domain.FraudReport
		entityType   string
		category     string
		incidentDate sql.NullTime
		active       int
	)

	if err := row.Scan(
		&report.ID, &report.ReporterID, &report.TargetEntity,
		&entityType, &category,
		&report.Description, &report.Evidence,
		&report.AmountLost, &incidentDate, &report.Timestamp, &active,
	); err != nil {
		return nil, err
	}

	report.EntityType = domain.EntityType(entityType)
	report.Category = domain.Category(category)
	report.Active = active == 1
	report.Timestamp = report.Timestamp.UTC()
	report.IncidentDate = timePtr(incidentDate)
	return &report, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
