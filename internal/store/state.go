package store

import (
	"database/sql"
	"errors"
)

// Sync state keys.
const (
	StateLastSector = "last_sector"
)

// SetSyncState stores a checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetSyncState returns a checkpoint value and whether it was set.
func (db *DB) GetSyncState(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
