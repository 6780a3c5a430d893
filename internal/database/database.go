package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}

	// Initialize tables and run migrations
	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.migrateSchema(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetConnection returns the underlying database connection
func (db *DB) GetConnection() *sql.DB {
	return db.conn
}

// createTables creates the necessary tables
func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS server_configs (
			guild_id TEXT PRIMARY KEY,
			tracking_role_name TEXT NOT NULL DEFAULT 'Voice Active',
			report_channel_id TEXT,
			report_recipients TEXT[] NOT NULL DEFAULT '{}',
			excluded_channel_ids TEXT[] NOT NULL DEFAULT '{}',
			min_session_minutes INT NOT NULL DEFAULT 20,
			rejoin_window_minutes INT NOT NULL DEFAULT 20,
			weekly_report_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			weekly_report_day INT NOT NULL DEFAULT 0,
			weekly_report_hour INT NOT NULL DEFAULT 9,
			anti_cheat_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			min_users_in_channel INT NOT NULL DEFAULT 2
		)`,
		`CREATE TABLE IF NOT EXISTS report_logs (
			id SERIAL PRIMARY KEY,
			guild_id TEXT NOT NULL,
			report_type TEXT NOT NULL,
			days INT NOT NULL,
			sent_to TEXT[] NOT NULL DEFAULT '{}',
			success BOOLEAN NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema handles database schema migrations
func (db *DB) migrateSchema() error {
	migrations := []string{
		// Added after the first release; keep for databases created before
		// report delivery was configurable.
		`ALTER TABLE server_configs ADD COLUMN IF NOT EXISTS report_channel_id TEXT`,
		`ALTER TABLE server_configs ADD COLUMN IF NOT EXISTS report_recipients TEXT[] NOT NULL DEFAULT '{}'`,
		`ALTER TABLE server_configs ADD COLUMN IF NOT EXISTS weekly_report_day INT NOT NULL DEFAULT 0`,
		`ALTER TABLE server_configs ADD COLUMN IF NOT EXISTS weekly_report_hour INT NOT NULL DEFAULT 9`,

		`CREATE INDEX IF NOT EXISTS report_logs_guild_idx ON report_logs (guild_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			log.Printf("Warning: Migration failed (this might be expected): %v", err)
		}
	}

	return nil
}
