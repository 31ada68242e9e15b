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
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store, for deployments that
// already run kern workers against a shared relational database rather
// than one file per process.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?params]
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a connection pool against dsn and ensures the
// schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			name VARCHAR(255) NOT NULL PRIMARY KEY,
			data LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			snapshot JSON NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
			timestamp TIMESTAMP(6) NOT NULL,
			label VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_run_id (run_id),
			UNIQUE KEY unique_run_step (run_id, step),
			UNIQUE KEY unique_label (label)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value VARCHAR(255) NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			event_data JSON NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_pending (emitted_at, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

func (s *MySQLStore) SaveModule(ctx context.Context, name string, m *bytecode.Module) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodeModule(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modules (name, data) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data)
	`, name, string(data))
	if err != nil {
		return fmt.Errorf("store: save module %q: %w", name, err)
	}
	return nil
}

func (s *MySQLStore) LoadModule(ctx context.Context, name string) (*bytecode.Module, error) {
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

func (s *MySQLStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
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
		ON DUPLICATE KEY UPDATE
			snapshot = VALUES(snapshot),
			idempotency_key = VALUES(idempotency_key),
			timestamp = VALUES(timestamp),
			label = VALUES(label)
	`, cp.RunID, cp.Step, snapJSON, cp.IdempotencyKey, cp.Timestamp, cp.Label)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *MySQLStore) scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var (
		cp       Checkpoint
		snapJSON []byte
	)
	err := row.Scan(&cp.RunID, &cp.Step, &snapJSON, &cp.IdempotencyKey, &cp.Timestamp, &cp.Label)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: scan checkpoint: %w", err)
	}
	if err := json.Unmarshal(snapJSON, &cp.Snapshot); err != nil {
		return Checkpoint{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return cp, nil
}

func (s *MySQLStore) LoadLatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, snapshot, idempotency_key, timestamp, label
		FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT 1
	`, runID)
	return s.scanCheckpoint(row)
}

func (s *MySQLStore) LoadCheckpoint(ctx context.Context, runID string, step int) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, snapshot, idempotency_key, timestamp, label
		FROM checkpoints WHERE run_id = ? AND step = ?
	`, runID, step)
	return s.scanCheckpoint(row)
}

func (s *MySQLStore) LoadCheckpointByLabel(ctx context.Context, label string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, snapshot, idempotency_key, timestamp, label
		FROM checkpoints WHERE label = ?
	`, label)
	return s.scanCheckpoint(row)
}

func (s *MySQLStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
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

// PushEvent inserts event into the outbox under id.
func (s *MySQLStore) PushEvent(ctx context.Context, id string, event emit.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT IGNORE INTO events_outbox (id, event_data) VALUES (?, ?)
	`, id, data)
	if err != nil {
		return fmt.Errorf("store: push event: %w", err)
	}
	return nil
}

func (s *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT event_data FROM events_outbox
		WHERE emitted_at IS NULL
		ORDER BY created_at ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var event emit.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("store: unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
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

	// #nosec G201 -- placeholders are "?" marks only, not user input
	query := fmt.Sprintf(`UPDATE events_outbox SET emitted_at = CURRENT_TIMESTAMP WHERE id IN (%s)`, placeholders)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: mark events emitted: %w", err)
	}
	return nil
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns the underlying connection pool statistics.
func (s *MySQLStore) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Stats()
}
