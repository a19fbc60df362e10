package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrCampusNotFound indicates no credential row exists for the campus.
	ErrCampusNotFound = errors.New("campus not found")
	// ErrInvalidCampus indicates an empty campus name or secret.
	ErrInvalidCampus = errors.New("campus name and secret must not be empty")
)

// Campus is one credential row
type Campus struct {
	Name      string
	Secret    string
	Enabled   bool
	CreatedAt int64 // Unix milliseconds
	UpdatedAt int64
}

// DB wraps the SQLite credentials database
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at the given path and applies pending migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer is all the credential tooling needs
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := upgradeSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// UpsertCampus creates or replaces the secret for a campus
func (db *DB) UpsertCampus(name, secret string) error {
	name = strings.TrimSpace(name)
	if name == "" || secret == "" {
		return ErrInvalidCampus
	}

	now := time.Now().UnixMilli()
	_, err := db.conn.Exec(`
		INSERT INTO campuses (name, secret, created_at, updated_at, enabled)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(name) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at
	`, name, secret, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert campus %s: %w", name, err)
	}
	return nil
}

// SetCampusEnabled toggles whether a campus is returned by ListCampuses
func (db *DB) SetCampusEnabled(name string, enabled bool) error {
	result, err := db.conn.Exec(
		"UPDATE campuses SET enabled = ?, updated_at = ? WHERE name = ?",
		enabled, time.Now().UnixMilli(), name,
	)
	if err != nil {
		return fmt.Errorf("failed to update campus %s: %w", name, err)
	}
	return requireRow(result)
}

// DeleteCampus removes a campus credential
func (db *DB) DeleteCampus(name string) error {
	result, err := db.conn.Exec("DELETE FROM campuses WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete campus %s: %w", name, err)
	}
	return requireRow(result)
}

// GetCampus loads one campus, enabled or not
func (db *DB) GetCampus(name string) (*Campus, error) {
	var c Campus
	err := db.conn.QueryRow(
		"SELECT name, secret, enabled, created_at, updated_at FROM campuses WHERE name = ?", name,
	).Scan(&c.Name, &c.Secret, &c.Enabled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campus %s: %w", name, err)
	}
	return &c, nil
}

// ListCampuses returns every enabled campus ordered by name
func (db *DB) ListCampuses() ([]*Campus, error) {
	rows, err := db.conn.Query(
		"SELECT name, secret, enabled, created_at, updated_at FROM campuses WHERE enabled = 1 ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list campuses: %w", err)
	}
	defer rows.Close()

	var campuses []*Campus
	for rows.Next() {
		var c Campus
		if err := rows.Scan(&c.Name, &c.Secret, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campus: %w", err)
		}
		campuses = append(campuses, &c)
	}
	return campuses, rows.Err()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCampusNotFound
	}
	return nil
}
