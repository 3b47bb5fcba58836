// Package storage caches contact avatars in a local SQLite database so the
// contact list renders without refetching every image. The cache is
// refreshed wholesale on each contact reload, matching the immutable-once-
// fetched user records.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the local cache database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the cache database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "cache.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the app and any inspector.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS avatars (
			user_id    TEXT PRIMARY KEY,
			image      TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create avatars table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// PutAvatar stores or replaces one user's avatar image.
func (d *DB) PutAvatar(userID, image string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO avatars (user_id, image, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET image = excluded.image, updated_at = CURRENT_TIMESTAMP
	`, userID, image)
	if err != nil {
		return fmt.Errorf("put avatar %s: %w", userID, err)
	}
	return nil
}

// GetAvatar returns the cached image for userID, if present.
func (d *DB) GetAvatar(userID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var image string
	err := d.db.QueryRow(`SELECT image FROM avatars WHERE user_id = ?`, userID).Scan(&image)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get avatar %s: %w", userID, err)
	}
	return image, true, nil
}

// ReplaceAll swaps the whole cache for the given set in one transaction,
// used on contact reload.
func (d *DB) ReplaceAll(avatars map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("replace avatars: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM avatars`); err != nil {
		return fmt.Errorf("replace avatars: %w", err)
	}
	for userID, image := range avatars {
		if _, err := tx.Exec(`INSERT INTO avatars (user_id, image) VALUES (?, ?)`, userID, image); err != nil {
			return fmt.Errorf("replace avatars: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
