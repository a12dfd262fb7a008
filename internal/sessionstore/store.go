// Package sessionstore is a SQLite-backed, read-only mirror of the
// session-to-machine binding the external allocator's sync job populates.
// The router polls it to decide match/mismatch/not-found for a
// session-scoped request (spec.md §4.5, §6).
package sessionstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Session is a single row of the mirror table: {id, container_id,
// project_id, status}, per spec.md §6.
type Session struct {
	ID          string
	ContainerID string
	ProjectID   string
	Status      string
}

// ErrNotFound is returned by Lookup when no active record matches.
var ErrNotFound = errors.New("sessionstore: no active session found")

// Store provides read-only access to the session mirror table, plus the
// write path the allocator's sync job uses to keep it current.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the mirror database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
	`)
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

// Lookup returns the active session record for id, or ErrNotFound when
// no such record exists with status = 'active'.
func (s *Store) Lookup(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess Session
	row := s.db.QueryRow(`SELECT id, container_id, project_id, status FROM sessions WHERE id = ? AND status = 'active'`, id)
	if err := row.Scan(&sess.ID, &sess.ContainerID, &sess.ProjectID, &sess.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("query session %q: %w", id, err)
	}
	return sess, nil
}

// Upsert writes or updates the mirror record for a session. Exercised by
// the allocator's sync job, not by the router (which is read-only).
func (s *Store) Upsert(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, container_id, project_id, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET container_id = excluded.container_id, project_id = excluded.project_id, status = excluded.status
	`, sess.ID, sess.ContainerID, sess.ProjectID, sess.Status)
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", sess.ID, err)
	}
	return nil
}

// Ping performs a cheap reachability query, used by the health responder
// for checks.database (spec.md §4.6).
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Ping()
}
