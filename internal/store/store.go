// Package store is the persistence layer: a dual-driver (MySQL /
// SQLite) connection manager plus typed repositories for every entity
// in the data model, in place of kolajAi/internal/database's
// reflection-driven generic Repository.
//
// Grounded on kolajAi/internal/database/connection.go for the
// open-and-pool-and-ping shape, generalized to dial either driver from
// config.StorageConfig instead of a hardcoded MySQL DSN, and with no
// package-level `DB` singleton: callers hold an explicit *Store handle,
// per the composition-root wiring the specification calls for.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"notifyhub/internal/config"
)

// Store wraps a pooled *sql.DB plus the dialect it was opened with.
// Repository methods branch on Dialect when a query can't be written
// portably (e.g. upsert syntax).
type Store struct {
	DB      *sql.DB
	Dialect string // "mysql" | "sqlite3"
}

// Open dials the configured backend, pools connections and verifies
// connectivity.
func Open(cfg config.StorageConfig) (*Store, error) {
	driver := cfg.Driver
	dsn := cfg.DSN
	if driver == "" {
		driver = "sqlite3"
	}
	if driver == "sqlite3" && dsn == "" {
		path := cfg.SQLitePath
		if path == "" {
			path = "notifyhub.db"
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "mysql" {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// sqlite3 serializes writers regardless of pool size; keep one
		// connection so busy_timeout, not driver-level contention, governs.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	return &Store{DB: db, Dialect: driver}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Migrate creates every table the pipeline needs if it does not
// already exist. Schema is written to be valid under both MySQL and
// SQLite (TEXT/INTEGER/TIMESTAMP columns, no AUTO_INCREMENT - every ID is
// caller-supplied via google/uuid).
func (s *Store) Migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		template_id TEXT,
		subject TEXT,
		body TEXT,
		user_ids_json TEXT,
		channels_json TEXT,
		variables_json TEXT,
		metadata_json TEXT,
		scheduled_for TIMESTAMP NULL,
		expires_at TIMESTAMP NULL,
		persistent INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		type TEXT,
		priority TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		not_before TIMESTAMP NOT NULL,
		state TEXT NOT NULL,
		visible_until TIMESTAMP NULL,
		expires_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state_channel ON delivery_jobs(state, channel, priority, not_before)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_notification ON delivery_jobs(notification_id)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		attempt_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		provider_message_id TEXT,
		error_kind TEXT,
		error_message TEXT,
		token TEXT NOT NULL DEFAULT '',
		attempted_at TIMESTAMP NOT NULL,
		settled_at TIMESTAMP NULL,
		UNIQUE(job_id, attempt_index, status, token)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_job ON delivery_attempts(job_id)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		opt_in INTEGER NOT NULL DEFAULT 0,
		handle TEXT,
		type_overrides_json TEXT,
		quiet_hours_start TEXT,
		quiet_hours_end TEXT,
		timezone TEXT,
		PRIMARY KEY (user_id, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS device_tokens (
		user_id TEXT NOT NULL,
		token TEXT NOT NULL,
		platform TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_used TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, token)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_tokens_user ON device_tokens(user_id, active)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id TEXT NOT NULL,
		channel TEXT NOT NULL,
		subject TEXT,
		html TEXT,
		text TEXT,
		push_title TEXT,
		var_whitelist_json TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (id, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS inbox_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		notification_id TEXT NOT NULL,
		type TEXT,
		title TEXT,
		body TEXT,
		action_url TEXT,
		icon TEXT,
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP NULL,
		clicked_at TIMESTAMP NULL,
		dismissed_at TIMESTAMP NULL,
		expires_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_user ON inbox_items(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS suppressions (
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		reason TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS notification_analytics (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		type TEXT,
		event TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analytics_window ON notification_analytics(occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analytics_notification ON notification_analytics(notification_id)`,
}
