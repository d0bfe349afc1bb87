// Package sqlite provides a SQLite-backed implementation of store.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT    NOT NULL,
	record_name TEXT,
	record_data BLOB,
	pending     INTEGER NOT NULL DEFAULT 0,
	attrs       TEXT    NOT NULL DEFAULT '{}',
	UNIQUE(type, record_name)
);

CREATE INDEX IF NOT EXISTS idx_entities_pending ON entities(type, pending);

CREATE TABLE IF NOT EXISTS links (
	source  INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	name    TEXT    NOT NULL,
	target  INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_many INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source, name, target)
);

CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);

CREATE TABLE IF NOT EXISTS sync_state (
	record_type TEXT PRIMARY KEY,
	pulled_at   TEXT NOT NULL
);
`

// DB wraps a sql.DB with entity store operations.
type DB struct {
	conn *sql.DB
	reg  *schema.Registry
	// SQLite allows one writer; Update holds this for the whole transaction.
	writer sync.Mutex
}

var (
	_ store.Store       = (*DB)(nil)
	_ store.Checkpoints = (*DB)(nil)
)

// Open opens (or creates) the SQLite database at path and applies the schema.
// reg supplies the delete rules applied by Tx.Delete.
func Open(path string, reg *schema.Registry) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{conn: conn, reg: reg}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Update runs fn in a read-write transaction.
func (db *DB) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	db.writer.Lock()
	defer db.writer.Unlock()
	return db.run(ctx, false, fn)
}

// View runs fn in a transaction that rejects writes.
func (db *DB) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return db.run(ctx, true, fn)
}

func (db *DB) run(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(&txn{tx: sqlTx, ctx: ctx, reg: db.reg, readOnly: readOnly}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Checkpoint returns the last pull checkpoint of recordType.
func (db *DB) Checkpoint(ctx context.Context, recordType string) (time.Time, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx,
		`SELECT pulled_at FROM sync_state WHERE record_type = ?`, recordType).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: checkpoint %s: %w", recordType, err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: checkpoint %s: %w", recordType, err)
	}
	return at, nil
}

// SetCheckpoint records the last pull checkpoint of recordType.
func (db *DB) SetCheckpoint(ctx context.Context, recordType string, at time.Time) error {
	db.writer.Lock()
	defer db.writer.Unlock()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_state (record_type, pulled_at) VALUES (?, ?)
		ON CONFLICT(record_type) DO UPDATE SET pulled_at = excluded.pulled_at`,
		recordType, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: set checkpoint %s: %w", recordType, err)
	}
	return nil
}
