package database

import (
	"database/sql"
	"fmt"
	"time"
)

// upsertSQL keeps the earliest timestamp per (user, accession). The column
// name comes from columnFor, never from caller input.
const upsertSQL = `
INSERT INTO user_report (user_id, accession, %[1]s) VALUES (?, ?, ?)
ON CONFLICT(user_id, accession) DO UPDATE SET
    %[1]s = CASE
        WHEN user_report.%[1]s IS NULL OR user_report.%[1]s > excluded.%[1]s THEN excluded.%[1]s
        ELSE user_report.%[1]s
    END`

func columnFor(kind ReportKind) (string, error) {
	switch kind {
	case KindImpression:
		return "impression_ts", nil
	case KindOverread:
		return "overread_ts", nil
	}
	return "", fmt.Errorf("unknown report kind %q", kind)
}

// UpsertReport stores ts for (user, accession, kind) unless an earlier
// timestamp is already recorded. It reports whether the stored value changed.
func (db *DB) UpsertReport(userID, accession string, kind ReportKind, ts time.Time) (bool, error) {
	col, err := columnFor(kind)
	if err != nil {
		return false, err
	}

	ms := ts.UnixMilli()
	var before sql.NullInt64
	tx, err := db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRow(
		fmt.Sprintf("SELECT %s FROM user_report WHERE user_id = ? AND accession = ?", col),
		userID, accession,
	).Scan(&before)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("reading %s: %w", col, err)
	}

	if _, err := tx.Exec(fmt.Sprintf(upsertSQL, col), userID, accession, ms); err != nil {
		return false, fmt.Errorf("upserting %s for %s: %w", kind, accession, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}

	return !before.Valid || before.Int64 > ms, nil
}

// GetReport returns the cached record for (user, accession), or nil.
func (db *DB) GetReport(userID, accession string) (*ReportRecord, error) {
	rows, err := db.conn.Query(
		"SELECT user_id, accession, impression_ts, overread_ts FROM user_report WHERE user_id = ? AND accession = ?",
		userID, accession,
	)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// GetReports returns the user's records whose effective timestamp (overread,
// else impression) falls in [from, to).
func (db *DB) GetReports(userID string, from, to time.Time) ([]ReportRecord, error) {
	rows, err := db.conn.Query(`
SELECT user_id, accession, impression_ts, overread_ts FROM user_report
WHERE user_id = ?
  AND COALESCE(overread_ts, impression_ts) >= ?
  AND COALESCE(overread_ts, impression_ts) < ?
ORDER BY COALESCE(overread_ts, impression_ts), accession`,
		userID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	return scanRecords(rows)
}

// LatestReport returns the most recent cached timestamp of kind for the user.
// ok is false when the user has no record of that kind.
func (db *DB) LatestReport(userID string, kind ReportKind) (ts time.Time, ok bool, err error) {
	col, err := columnFor(kind)
	if err != nil {
		return time.Time{}, false, err
	}
	var latest sql.NullInt64
	err = db.conn.QueryRow(
		fmt.Sprintf("SELECT MAX(%s) FROM user_report WHERE user_id = ?", col),
		userID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading latest %s: %w", kind, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(latest.Int64), true, nil
}

func scanRecords(rows *sql.Rows) ([]ReportRecord, error) {
	defer rows.Close()

	var records []ReportRecord
	for rows.Next() {
		var r ReportRecord
		var imp, over sql.NullInt64
		if err := rows.Scan(&r.UserID, &r.Accession, &imp, &over); err != nil {
			return nil, err
		}
		r.ImpressionAt = fromMillis(imp)
		r.OverreadAt = fromMillis(over)
		records = append(records, r)
	}
	return records, rows.Err()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
