package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SnapshotStore persists the single-row session snapshot in an embedded
// sqlite store. Every successful transition overwrites the row.
type SnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens (creating if needed) the store at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	return &SnapshotStore{db: db}, nil
}

// Save overwrites the snapshot row.
func (s *SnapshotStore) Save(state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO session_state (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot row. Returns (nil, nil) when no snapshot has been
// saved yet.
func (s *SnapshotStore) Load() (*State, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM session_state WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if state.TestFiles == nil {
		state.TestFiles = []string{}
	}
	return &state, nil
}

// Close closes the store.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
