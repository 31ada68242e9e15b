package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file, single-writer Store backed by SQLite,
// the way graph/store's SQLiteStore persists workflow steps: WAL mode,
// one connection, and durability sufficient for a single kern process.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// SQLite has no real concurrent-writer story; one connection avoids
	// SQLITE_BUSY under concurrent goroutines hitting the same *sql.DB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			name TEXT NOT NULL PRIMARY KEY,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			UNIQUE(run_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_label ON checkpoints(label) WHERE label != ''`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			event_data TEXT NOT NULL,
			emitted_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON events_outbox(emitted_at, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

func (s *SQLiteStore) SaveModule(ctx context.Context, name string, m *bytecode.Module) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodeModule(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modules (name, data) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, name, string(data))
	if err != nil {
		return fmt.Errorf("store: save module %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) LoadModule(ctx context.Context, name string) (*bytecode.Module, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM modules WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load module %q: %w", name, err)
	}
	return decodeModule([]byte(data))
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	snapJSON, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cp.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys (key_value) VALUES (?)`, cp.IdempotencyKey); err != nil {
			return fmt.Errorf("store: idempotency key %q already used or insert failed: %w", cp.IdempotencyKey, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, step, snapshot, idempotency_key, timestamp, label)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			snapshot = excluded.snapshot,
			idempotency_key = excluded.idempotency_key,
			timestamp = excluded.timestamp,
			label = excluded.label
	`, cp.RunID, cp.Step, string(snapJSON), cp.IdempotencyKey, cp.Timestamp.Format(time.RFC3339Nano), cp.Label)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var (
		cp        Checkpoint
		snapJSON  string
		timestamp string
	)
	err := row.Scan(&cp.RunID, &cp.Step, &snapJSON, &cp.IdempotencyKey, &timestamp, &cp.Label)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: scan checkpoint: %w", err)
	}
	cp.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: parse checkpoint timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(snapJSON), &cp.Snapshot); err != nil {
		return Checkpoint{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) LoadLatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, snapshot, idempotency_key, timestamp, label
		FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT 1
	`, runID)
	return s.scanCheckpoint(row)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string, step int) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, snapshot, idempotency_key, timestamp, label
		FROM checkpoints WHERE run_id = ? AND step = ?
	`, runID, step)
	return s.scanCheckpoint(row)
}

func (s *SQLiteStore) LoadCheckpointByLabel(ctx context.Context, label string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, snapshot, idempotency_key, timestamp, label
		FROM checkpoints WHERE label = ?
	`, label)
	return s.scanCheckpoint(row)
}

func (s *SQLiteStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys WHERE key_value = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check idempotency: %w", err)
	}
	return count > 0, nil
}

// PushEvent inserts event into the outbox under id, for an emitter that
// wants at-least-once delivery through the store's outbox pattern.
func (s *SQLiteStore) PushEvent(ctx context.Context, id string, event emit.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events_outbox (id, event_data) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, string(data))
	if err != nil {
		return fmt.Errorf("store: push event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as "no limit"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_data FROM events_outbox
		WHERE emitted_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var event emit.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("store: unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := make([]byte, 0, len(eventIDs)*2)
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE events_outbox SET emitted_at = CURRENT_TIMESTAMP WHERE id IN (%s)`, placeholders)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: mark events emitted: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
