package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/sectorsync/internal/model"
)

// SaveContactSnapshot replaces the cached contact list of a sector in one transaction.
func (db *DB) SaveContactSnapshot(sector string, contacts []model.Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM contacts WHERE sector = ?`, sector); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range contacts {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode contact %d: %w", c.ID, err)
		}
		if _, err := tx.Exec(`INSERT INTO contacts (sector, id, data, updated_at) VALUES (?, ?, ?, ?)`,
			sector, c.ID, string(data), now); err != nil {
			return fmt.Errorf("insert contact %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// LoadContactSnapshot returns the cached contact list of a sector, unordered.
func (db *DB) LoadContactSnapshot(sector string) ([]model.Contact, error) {
	rows, err := db.Query(`SELECT data FROM contacts WHERE sector = ?`, sector)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Contact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c model.Contact
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode cached contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactCount returns the number of cached contacts of a sector.
func (db *DB) ContactCount(sector string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE sector = ?`, sector).Scan(&count)
	return count, err
}
