package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DB wraps the local SQLite cache. The handle is limited to a single open
// connection so every write is serialized at the driver.
type DB struct {
	conn *sql.DB
	path string
}

// pragmas are applied to every new handle, in order.
var pragmas = []struct{ stmt, what string }{
	{"journal_mode=WAL", "setting journal mode"},
	{"foreign_keys=ON", "enabling foreign keys"},
	{"busy_timeout=5000", "setting busy timeout"},
}

// Open opens the cache file at dbPath, creating its directory and bringing the
// schema to the latest version. Migrations are logged to logger.
func Open(dbPath string, logger zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := conn.Exec("PRAGMA " + p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	if err := migrate(conn, logger.With().Str("component", "database").Logger()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks the connection is usable.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM accession_cache", &s.Accessions},
		{"SELECT COUNT(*) FROM accession_cache WHERE scrape_identifier IS NOT NULL", &s.ResolvedIdentifiers},
		{"SELECT COUNT(*) FROM accession_cache WHERE secondary_report_id IS NOT NULL", &s.SecondaryReports},
		{"SELECT COUNT(*) FROM user_report", &s.ReportRecords},
		{"SELECT COUNT(*) FROM user_report WHERE impression_ts IS NOT NULL", &s.Impressions},
		{"SELECT COUNT(*) FROM user_report WHERE overread_ts IS NOT NULL", &s.Overreads},
		{"SELECT COUNT(*) FROM users", &s.TotalUsers},
		{"SELECT COUNT(*) FROM users WHERE active = 1", &s.ActiveUsers},
		{"SELECT COUNT(*) FROM scrape_runs", &s.ScrapeRuns},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}
