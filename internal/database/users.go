package database

import (
	"database/sql"
	"fmt"
)

const userColumns = "id, ris_code, pacs_username, name, ps360_account_id, active, created_at"

// InsertUser registers a user and returns its row id.
func (db *DB) InsertUser(risCode, pacsUsername, name string, ps360AccountID *int64) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO users (ris_code, pacs_username, name, ps360_account_id) VALUES (?, ?, ?, ?)`,
		risCode, pacsUsername, name, ps360AccountID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting user %s: %w", risCode, err)
	}
	return result.LastInsertId()
}

// GetUsers returns all users ordered by name, optionally only active ones.
func (db *DB) GetUsers(activeOnly bool) ([]User, error) {
	query := "SELECT " + userColumns + " FROM users"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY name"
	return db.queryUsers(query)
}

// GetUserByRIS returns the user with the given RIS code, or nil.
func (db *DB) GetUserByRIS(risCode string) (*User, error) {
	users, err := db.queryUsers("SELECT "+userColumns+" FROM users WHERE ris_code = ?", risCode)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

// SetSecondaryAccount sets or clears the secondary-service account id.
func (db *DB) SetSecondaryAccount(userID int64, accountID *int64) error {
	_, err := db.conn.Exec("UPDATE users SET ps360_account_id = ? WHERE id = ?", accountID, userID)
	return err
}

// ToggleUser toggles whether the user takes part in batch scrapes.
func (db *DB) ToggleUser(userID int64) error {
	_, err := db.conn.Exec(`UPDATE users SET active = NOT active WHERE id = ?`, userID)
	return err
}

// DeleteUser removes a user. Cached report records are kept.
func (db *DB) DeleteUser(userID int64) error {
	_, err := db.conn.Exec("DELETE FROM users WHERE id = ?", userID)
	return err
}

func (db *DB) queryUsers(query string, args ...any) ([]User, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var account sql.NullInt64
		var active int
		if err := rows.Scan(&u.ID, &u.RISCode, &u.PACSUsername, &u.Name, &account, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		if account.Valid {
			u.PS360AccountID = &account.Int64
		}
		u.Active = active != 0
		users = append(users, u)
	}
	return users, rows.Err()
}
