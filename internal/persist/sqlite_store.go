package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/boundary-gateway/internal/snapshot"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the snapshot in a single-row table of a local database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS routing_snapshot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	generation INTEGER NOT NULL,
	saved_at   TEXT NOT NULL,
	blob       BLOB NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create snapshot table: %w", err)
	}
	return nil
}

// Save replaces the stored snapshot.
func (s *SQLiteStore) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	blob, err := Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO routing_snapshot (id, generation, saved_at, blob) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET generation = excluded.generation, saved_at = excluded.saved_at, blob = excluded.blob`,
		int64(snap.Generation), time.Now().UTC().Format(time.RFC3339Nano), blob)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM routing_snapshot WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return Decode(blob)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
