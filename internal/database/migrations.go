package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS accession_cache (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    accession TEXT UNIQUE NOT NULL,
    scrape_identifier TEXT UNIQUE,
    secondary_report_id INTEGER
);

CREATE TABLE IF NOT EXISTS user_report (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    accession TEXT NOT NULL,
    impression_ts INTEGER,
    overread_ts INTEGER,
    UNIQUE (user_id, accession)
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "add users table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ris_code TEXT UNIQUE NOT NULL,
    pacs_username TEXT NOT NULL,
    name TEXT NOT NULL,
    ps360_account_id INTEGER,
    active INTEGER DEFAULT 1,
    created_at TEXT DEFAULT (datetime('now'))
);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "add scrape run log and report indexes",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS scrape_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    started_at TEXT DEFAULT (datetime('now')),
    finished_at TEXT,
    impressions INTEGER DEFAULT 0,
    overreads INTEGER DEFAULT 0,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_user_report_impression ON user_report(user_id, impression_ts);
CREATE INDEX IF NOT EXISTS idx_user_report_overread ON user_report(user_id, overread_ts);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
