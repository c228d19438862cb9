package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const snapshotRowID = 1

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS relay_snapshots (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL,
		saved_at BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`

type snapshotRow struct {
	Version int    `db:"version"`
	SavedAt int64  `db:"saved_at"`
	Payload string `db:"payload"`
}

// SQLStore keeps the snapshot as a single row in SQLite or PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the relay_snapshots table if needed.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, createSnapshotsTable); err != nil {
		return nil, fmt.Errorf("create relay_snapshots: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Load reads the stored document.
func (s *SQLStore) Load(ctx context.Context) (*Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT version, saved_at, payload FROM relay_snapshots WHERE id = ?
	`), snapshotRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return Decode([]byte(row.Payload))
}

// Save replaces the stored document.
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO relay_snapshots (id, version, saved_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			saved_at = excluded.saved_at,
			payload = excluded.payload
	`), snapshotRowID, snap.Version, snap.SavedAt, string(data))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
