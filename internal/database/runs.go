package database

import "fmt"

// StartRun logs the start of a refresh for userID and returns the row id.
func (db *DB) StartRun(runID, userID string) (int64, error) {
	result, err := db.conn.Exec(
		"INSERT INTO scrape_runs (run_id, user_id) VALUES (?, ?)",
		runID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("logging run start: %w", err)
	}
	return result.LastInsertId()
}

// FinishRun records the outcome of a refresh. errMsg is nil on success.
func (db *DB) FinishRun(id int64, impressions, overreads int, errMsg *string) error {
	_, err := db.conn.Exec(
		`UPDATE scrape_runs SET finished_at = datetime('now'), impressions = ?, overreads = ?, error = ? WHERE id = ?`,
		impressions, overreads, errMsg, id,
	)
	return err
}

// GetRecentRuns returns the latest refreshes, newest first.
func (db *DB) GetRecentRuns(limit int) ([]ScrapeRun, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, user_id, started_at, finished_at, impressions, overreads, error
FROM scrape_runs ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ScrapeRun
	for rows.Next() {
		var r ScrapeRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.UserID, &r.StartedAt, &r.FinishedAt, &r.Impressions, &r.Overreads, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
