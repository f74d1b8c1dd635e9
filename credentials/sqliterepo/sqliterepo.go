// Package sqliterepo persists credential slots in a SQLite database.
package sqliterepo

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/credentials"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credential_slots (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at TEXT,
	updated_at TEXT NOT NULL
);
`

var _ credentials.Repo = (*Repo)(nil)

// Repo is a SQLite-backed credentials.Repo.
type Repo struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and prepares the schema.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqliterepo: open: %w", err)
	}
	// one writer keeps the slot transaction simple
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliterepo: pragma: %w", err)
	}
	r, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New creates a repo on an existing connection.
func New(db *sql.DB) (*Repo, error) {
	if db == nil {
		return nil, errors.New("sqliterepo: db is nil")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqliterepo: create schema: %w", err)
	}
	return &Repo{db: db}, nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

// Put upserts every slot inside one transaction.
func (r *Repo) Put(slots ...credentials.Slot) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("sqliterepo: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, s := range slots {
		if s.Name == "" {
			return errors.New("sqliterepo: slot name cannot be empty")
		}
		_, err := tx.Exec(`
INSERT INTO credential_slots (name, value, expires_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
			s.Name, s.Value, formatTime(s.ExpiresAt), now)
		if err != nil {
			return fmt.Errorf("sqliterepo: put %s: %w", s.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqliterepo: commit: %w", err)
	}
	return nil
}

// Get returns the named slot.
func (r *Repo) Get(name string) (*credentials.Slot, error) {
	var (
		value     string
		expiresAt sql.NullString
	)
	err := r.db.QueryRow(`SELECT value, expires_at FROM credential_slots WHERE name = ?`, name).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credentials.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqliterepo: get %s: %w", name, err)
	}
	return scanSlot(name, value, expiresAt)
}

// GetAll reads the named slots with one query.
func (r *Repo) GetAll(names ...string) (map[string]credentials.Slot, error) {
	out := make(map[string]credentials.Slot, len(names))
	if len(names) == 0 {
		return out, nil
	}

	args := make([]any, len(names))
	for i, name := range names {
		args[i] = name
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	rows, err := r.db.Query(`SELECT name, value, expires_at FROM credential_slots WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqliterepo: get slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, value string
			expiresAt   sql.NullString
		)
		if err := rows.Scan(&name, &value, &expiresAt); err != nil {
			return nil, fmt.Errorf("sqliterepo: scan slot: %w", err)
		}
		slot, err := scanSlot(name, value, expiresAt)
		if err != nil {
			return nil, err
		}
		out[name] = *slot
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqliterepo: get slots: %w", err)
	}
	return out, nil
}

func scanSlot(name, value string, expiresAt sql.NullString) (*credentials.Slot, error) {
	slot := &credentials.Slot{Name: name, Value: value}
	if expiresAt.Valid && expiresAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("sqliterepo: parse expiry of %s: %w", name, err)
		}
		slot.ExpiresAt = t
	}
	return slot, nil
}

// Delete removes the named slots.
func (r *Repo) Delete(names ...string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("sqliterepo: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range names {
		if _, err := tx.Exec(`DELETE FROM credential_slots WHERE name = ?`, name); err != nil {
			return fmt.Errorf("sqliterepo: delete %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqliterepo: commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
