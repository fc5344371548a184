// Package domain defines the core interfaces and types for CrowdGuard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Fraud reports
	SaveReport(ctx context.Context, report *FraudReport) error
	GetReport(ctx context.Context, reportID string) (*FraudReport, error)
	ListActiveReports(ctx context.Context, entity string, since, until time.Time) ([]*FraudReport, error)
	DeactivateReport(ctx context.Context, reportID string) error
	GetReportStats(ctx context.Context, since time.Time) (*ReportStats, error)

	// Users
	SaveUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)

	// Protection settings
	SaveProtectionSetting(ctx context.Context, setting *ProtectionSetting) error
	ListProtectionSettings(ctx context.Context, userID string) ([]*ProtectionSetting, error)
	FindProtectedUsers(ctx context.Context, identifier string, channel Channel) ([]string, error)

	// Alert inbox. UpdateInbox applies fn under compare-and-swap on the
	// inbox version; fn may run more than once and must be side-effect free.
	GetInbox(ctx context.Context, userID string) (*Inbox, error)
	UpdateInbox(ctx context.Context, userID string, fn func(*Inbox) error) (*Inbox, error)

	// Blocked / safe-marked entities. SaveEntityMark replaces the opposite
	// mark and reports false if the same mark already exists.
	SaveEntityMark(ctx context.Context, mark *EntityMark) (bool, error)
	HasEntityMark(ctx context.Context, userID string, entity string, kind MarkKind) (bool, error)
	ListEntityMarks(ctx context.Context, userID string) ([]*EntityMark, error)

	// Activity log
	LogActivity(ctx context.Context, entry *ActivityEntry) error
	ListActivity(ctx context.Context, userID string, limit int) ([]*ActivityEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
