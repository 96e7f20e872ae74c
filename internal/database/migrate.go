package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// getSchemaVersion reads PRAGMA user_version from the database.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(conn *sql.DB, version int) error {
	// PRAGMA takes no bind parameters.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("setting schema version %d: %w", version, err)
	}
	return nil
}

// isLegacyDB returns true if the database has the cache tables but no
// user_version set. Cache files written by the previous reporting service
// look like this.
func isLegacyDB(conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('accession_cache', 'user_report')",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for legacy tables: %w", err)
	}
	return count == 2, nil
}

// adoptLegacy stamps an unversioned cache file as version 1, whose schema it
// already has, and returns the version the database is now at.
func adoptLegacy(conn *sql.DB, logger zerolog.Logger) (int, error) {
	legacy, err := isLegacyDB(conn)
	if err != nil || !legacy {
		return 0, err
	}
	logger.Info().Msg("Adopting unversioned cache database as version 1")
	if err := setSchemaVersion(conn, 1); err != nil {
		return 0, err
	}
	return 1, nil
}

// applyMigration runs one step in its own transaction. The version is stamped
// after commit, so a crash in between re-runs the (idempotent) DDL.
func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return setSchemaVersion(conn, m.Version)
}

// pending returns the migrations newer than current, in order.
func pending(current int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if m.Version > current {
			out = append(out, m)
		}
	}
	return out
}

// migrate brings the database schema up to the latest version.
func migrate(conn *sql.DB, logger zerolog.Logger) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}
	if current == 0 {
		if current, err = adoptLegacy(conn, logger); err != nil {
			return err
		}
	}

	for _, m := range pending(current) {
		logger.Info().Int("version", m.Version).Str("description", m.Description).Msg("Applying migration")
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	return nil
}
