package database

import (
	"database/sql"
	"fmt"
)

// LookupIdentifier returns the cache entry for a scrape identifier, or nil.
func (db *DB) LookupIdentifier(identifier string) (*AccessionEntry, error) {
	row := db.conn.QueryRow(
		"SELECT id, accession, scrape_identifier, secondary_report_id FROM accession_cache WHERE scrape_identifier = ?",
		identifier,
	)
	return scanEntry(row)
}

// LookupAccession returns the cache entry for an accession, or nil.
func (db *DB) LookupAccession(accession string) (*AccessionEntry, error) {
	row := db.conn.QueryRow(
		"SELECT id, accession, scrape_identifier, secondary_report_id FROM accession_cache WHERE accession = ?",
		accession,
	)
	return scanEntry(row)
}

// SaveIdentifier records that identifier resolves to accession. An existing
// identifier on the row is replaced, never cleared.
func (db *DB) SaveIdentifier(accession, identifier string) error {
	_, err := db.conn.Exec(`
INSERT INTO accession_cache (accession, scrape_identifier) VALUES (?, ?)
ON CONFLICT(accession) DO UPDATE SET
    scrape_identifier = COALESCE(excluded.scrape_identifier, accession_cache.scrape_identifier)`,
		accession, identifier,
	)
	if err != nil {
		return fmt.Errorf("saving identifier for %s: %w", accession, err)
	}
	return nil
}

// SaveReportID records the secondary-service report id for an accession.
func (db *DB) SaveReportID(accession string, reportID int64) error {
	_, err := db.conn.Exec(`
INSERT INTO accession_cache (accession, secondary_report_id) VALUES (?, ?)
ON CONFLICT(accession) DO UPDATE SET
    secondary_report_id = COALESCE(excluded.secondary_report_id, accession_cache.secondary_report_id)`,
		accession, reportID,
	)
	if err != nil {
		return fmt.Errorf("saving report id for %s: %w", accession, err)
	}
	return nil
}

func scanEntry(row *sql.Row) (*AccessionEntry, error) {
	var e AccessionEntry
	var ident sql.NullString
	var reportID sql.NullInt64
	err := row.Scan(&e.ID, &e.Accession, &ident, &reportID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ident.Valid {
		e.ScrapeIdentifier = &ident.String
	}
	if reportID.Valid {
		e.SecondaryReportID = &reportID.Int64
	}
	return &e, nil
}
