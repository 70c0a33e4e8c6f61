package lifecycle

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists registration rows so that lifecycle state survives process
// respawn. The monitor-armed flag is never stored; only scope and state are.
type Store struct {
	conn *sql.DB
}

func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create registration store directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registration store: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize registration schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_registrations_scope ON registrations(scope);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Create inserts a fresh registration in the installing state and returns it.
func (s *Store) Create(scope string) (*Registration, error) {
	res, err := s.conn.Exec(
		`INSERT INTO registrations (scope, state, updated_at) VALUES (?, ?, ?)`,
		scope, string(StateInstalling), time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("create registration for %s: %w", scope, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return NewRegistration(id, scope, StateInstalling), nil
}

// SaveState writes the registration's current state through to disk.
func (s *Store) SaveState(r *Registration) error {
	_, err := s.conn.Exec(
		`UPDATE registrations SET state = ?, updated_at = ? WHERE id = ?`,
		string(r.State()), time.Now(), r.ID,
	)
	return err
}

// ActiveForScope returns the newest non-redundant registration for scope, or
// ok=false when the scope has never been claimed (or only redundant rows
// remain).
func (s *Store) ActiveForScope(scope string) (*Registration, bool, error) {
	row := s.conn.QueryRow(
		`SELECT id, state FROM registrations
		 WHERE scope = ? AND state != ?
		 ORDER BY id DESC LIMIT 1`,
		scope, string(StateRedundant),
	)
	var id int64
	var state string
	if err := row.Scan(&id, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return NewRegistration(id, scope, State(state)), true, nil
}

// OlderActive reports whether a non-redundant registration older than afterID
// still holds the scope.
func (s *Store) OlderActive(scope string, afterID int64) (bool, error) {
	row := s.conn.QueryRow(
		`SELECT COUNT(*) FROM registrations
		 WHERE scope = ? AND state != ? AND id < ?`,
		scope, string(StateRedundant), afterID,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Supersede marks every registration for scope redundant except keepID.
// This is the skip-waiting path: the new controller takes the scope without
// waiting for the old one's observers to detach.
func (s *Store) Supersede(scope string, keepID int64) error {
	_, err := s.conn.Exec(
		`UPDATE registrations SET state = ?, updated_at = ? WHERE scope = ? AND id != ?`,
		string(StateRedundant), time.Now(), scope, keepID,
	)
	return err
}
