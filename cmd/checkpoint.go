package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CheckpointTable holds one resume cursor per job identifier
const CheckpointTable = "exporter_timeouts"

// Checkpoint backends accepted in checkpoint.backend
const (
	CheckpointBackendSource = "source"
	CheckpointBackendSQLite = "sqlite"
)

// CheckpointStore persists resume cursors keyed by job identifier.
type CheckpointStore interface {
	// Save upserts the cursor for jobID, replacing any earlier one.
	Save(ctx context.Context, jobID string, cursor Cursor) error
	// LoadAndClear returns and deletes the cursor for jobID. ok is false
	// when there is none.
	LoadAndClear(ctx context.Context, jobID string) (cursor Cursor, ok bool, err error)
}

// SQLCheckpointStore keeps checkpoints in a SQL table
type SQLCheckpointStore struct {
	db     *sql.DB
	driver string
}

// NewSQLCheckpointStore creates a store over db. driver selects the
// placeholder style.
func NewSQLCheckpointStore(db *sql.DB, driver string) *SQLCheckpointStore {
	return &SQLCheckpointStore{db: db, driver: driver}
}

// OpenSQLiteCheckpointStore opens (creating if needed) a local SQLite
// checkpoint database at path.
func OpenSQLiteCheckpointStore(ctx context.Context, path string) (*SQLCheckpointStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewSQLCheckpointStore(db, DriverSQLite)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLCheckpointStore) placeholder(n int) string {
	if s.driver == DriverSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// EnsureSchema creates the checkpoint table when missing
func (s *SQLCheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (query TEXT PRIMARY KEY, last_cursor TEXT NOT NULL)`, CheckpointTable)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Save upserts the cursor for jobID
func (s *SQLCheckpointStore) Save(ctx context.Context, jobID string, cursor Cursor) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (query, last_cursor) VALUES (%s, %s) ON CONFLICT (query) DO UPDATE SET last_cursor = excluded.last_cursor`,
		CheckpointTable, s.placeholder(1), s.placeholder(2))
	if _, err := s.db.ExecContext(ctx, query, jobID, cursor.String()); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", jobID, err)
	}
	return nil
}

// LoadAndClear reads and deletes the checkpoint for jobID in one statement
func (s *SQLCheckpointStore) LoadAndClear(ctx context.Context, jobID string) (Cursor, bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE query = %s RETURNING last_cursor`, CheckpointTable, s.placeholder(1))

	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("failed to load checkpoint for %s: %w", jobID, err)
	}

	cursor := ParseCursor(raw.String)
	if !cursor.IsSet() {
		return Cursor{}, false, nil
	}
	return cursor, true, nil
}

// Close closes the underlying database
func (s *SQLCheckpointStore) Close() error {
	return s.db.Close()
}
