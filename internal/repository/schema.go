package repository

// Schema definitions for the CrowdGuard database.
// Compatible with both SQLite and PostgreSQL.

const schemaFraudReports = `
CREATE TABLE IF NOT EXISTS fraud_reports (
    id TEXT PRIMARY KEY,
    reporter_id TEXT NOT NULL DEFAULT '',
    target_entity TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    category TEXT NOT NULL,
    description TEXT NOT NULL,
    evidence TEXT NOT NULL DEFAULT '',
    amount_lost TEXT NOT NULL DEFAULT '0',
    incident_date TIMESTAMP,
    timestamp TIMESTAMP NOT NULL,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_fraud_reports_entity ON fraud_reports(target_entity, active, timestamp);
CREATE INDEX IF NOT EXISTS idx_fraud_reports_timestamp ON fraud_reports(timestamp);
CREATE INDEX IF NOT EXISTS idx_fraud_reports_category ON fraud_reports(category);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    phone TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

// schemaProtectionSettings holds one row per (user, channel).
// The matcher reads by (channel, registered_identifier).
const schemaProtectionSettings = `
CREATE TABLE IF NOT EXISTS protection_settings (
    user_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 0,
    registered_identifier TEXT NOT NULL DEFAULT '',
    alert_mode TEXT NOT NULL,
    activated_at TIMESTAMP,
    verified INTEGER NOT NULL DEFAULT 0,
    verified_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, channel)
);

CREATE INDEX IF NOT EXISTS idx_protection_match ON protection_settings(channel, registered_identifier, enabled);
`

// schemaAlertInboxes stores a user's pending alerts and history as JSON.
// Writers compare-and-swap on version.
const schemaAlertInboxes = `
CREATE TABLE IF NOT EXISTS alert_inboxes (
    user_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    pending TEXT NOT NULL,
    history TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaEntityMarks = `
CREATE TABLE IF NOT EXISTS entity_marks (
    user_id TEXT NOT NULL,
    entity TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    kind TEXT NOT NULL,
    marked_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, entity, kind)
);
`

const schemaActivityLog = `
CREATE TABLE IF NOT EXISTS activity_log (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    target_entity TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL DEFAULT '',
    risk_level TEXT NOT NULL DEFAULT '',
    risk_score INTEGER NOT NULL DEFAULT 0,
    result TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    browser TEXT NOT NULL DEFAULT '',
    os TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudReports,
		schemaUsers,
		schemaProtectionSettings,
		schemaAlertInboxes,
		schemaEntityMarks,
		schemaActivityLog,
	}
}
