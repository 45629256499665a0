package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Persister writes session snapshots somewhere durable. The live pipeline
// never reads them back.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NopPersister discards snapshots.
type NopPersister struct{}

func (NopPersister) Save(context.Context, Snapshot) error { return nil }
func (NopPersister) Load(context.Context, string) (Snapshot, error) {
	return Snapshot{}, ErrUnknownSession
}
func (NopPersister) Delete(context.Context, string) error { return nil }
func (NopPersister) Close() error                         { return nil }

// SQLitePersister stores one JSON document per session.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens or creates a SQLite database at the given path.
func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		document   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`
	_, err := p.db.Exec(schema)
	return err
}

// Save upserts the snapshot.
func (p *SQLitePersister) Save(ctx context.Context, snap Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, updated_at, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			document = excluded.document`,
		snap.ID, snap.Status, time.Now().UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	return nil
}

// Load returns the stored snapshot or ErrUnknownSession.
func (p *SQLitePersister) Load(ctx context.Context, id string) (Snapshot, error) {
	var doc string
	err := p.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrUnknownSession
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return snap, nil
}

// Delete removes the stored snapshot. Missing rows are not an error.
func (p *SQLitePersister) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
