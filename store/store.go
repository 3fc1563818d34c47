// Package store persists execution snapshots in SQLite so that suspended
// guest work survives host restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates the requested snapshot doesn't exist
var ErrNotFound = errors.New("snapshot not found")

// Record is one persisted snapshot. ProgramSHA is the fingerprint of the
// program the snapshot was taken against; Data is the serialized bytes
// exactly as dumped.
type Record struct {
	ID         string
	ProgramSHA []byte
	Data       []byte
	CreatedAt  time.Time
}

// Store handles SQLite storage for snapshots
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates a snapshot store backed by the database at dbPath
func Open(dbPath string) (*Store, error) {
	s := &Store{dbPath: dbPath}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	// Set busy timeout for concurrent access
	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Create table if needed
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		program_sha BLOB NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save persists a snapshot, replacing any previous snapshot with the same ID
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (id, program_sha, data, created_at) VALUES (?, ?, ?, ?)",
		rec.ID, rec.ProgramSHA, rec.Data, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	return nil
}

// Load retrieves a snapshot from the database
func (s *Store) Load(id string) (Record, error) {
	rec := Record{ID: id}
	var createdAt int64

	err := s.db.QueryRow(
		"SELECT program_sha, data, created_at FROM snapshots WHERE id = ?", id,
	).Scan(&rec.ProgramSHA, &rec.Data, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("querying snapshot: %w", err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, nil
}

// Delete removes a snapshot from the database
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// List returns the IDs of all stored snapshots, newest first
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM snapshots ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindByProgram returns all snapshot IDs taken against a program fingerprint
func (s *Store) FindByProgram(programSHA []byte) ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM snapshots WHERE program_sha = ?", programSHA)
	if err != nil {
		return nil, fmt.Errorf("querying by program: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
