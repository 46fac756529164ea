// Package opstate persists the small amount of bridge state that must
// survive a restart, chiefly the time of the last login attempt so a
// crash loop cannot hammer the battery's login endpoint. Values are
// stored as text in a namespaced key-value table in a single SQLite
// file.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DBFile is the database file name created inside the data directory.
const DBFile = "vartabridge.db"

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store inside dataDir.
func Open(dataDir string) (*Store, error) {
	return NewStore(filepath.Join(dataDir, DBFile))
}

// NewStore opens the database at dbPath and creates the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

// Get returns the stored value. A missing key yields "" and a nil error.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a value and refreshes its updated_at timestamp.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetTime decodes an RFC 3339 timestamp. A missing key yields the zero
// time.
func (s *Store) GetTime(namespace, key string) (time.Time, error) {
	v, err := s.Get(namespace, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return t, nil
}

// SetTime stores t as an RFC 3339 timestamp in UTC.
func (s *Store) SetTime(namespace, key string, t time.Time) error {
	return s.Set(namespace, key, t.UTC().Format(time.RFC3339Nano))
}
