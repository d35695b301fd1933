// Package journal provides the terminal-side durable record of processed
// commands and a result outbox, so a command's effect happens at most
// once across retransmissions and adapter restarts, and its result is
// emitted even if the process crashes between execution and send.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite journal database
type Store struct {
	db *sql.DB
}

// OutboxEntry represents a result waiting to be published
type OutboxEntry struct {
	ID                  int64
	CommandID           string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the journal store
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The adapter and the outbox publisher share this pool; a single
	// connection serializes their transactions so neither ever observes
	// SQLITE_BUSY from the other.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS processed_commands (
			command_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			first_seen_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS result_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT NOT NULL UNIQUE,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON result_outbox(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// Seen reports whether a command id was already processed
func (s *Store) Seen(ctx context.Context, commandID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM processed_commands WHERE command_id = ?",
		commandID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed command: %w", err)
	}
	return true, nil
}

// Record atomically marks a command processed and queues its result in
// the outbox. It returns duplicate=true without touching the outbox when
// the command id was already recorded, so a retransmission never yields
// a second result.
func (s *Store) Record(ctx context.Context, result wire.ExecutionResult) (duplicate bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingStatus string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM processed_commands WHERE command_id = ?",
		result.CommandID,
	).Scan(&existingStatus)

	if err == nil {
		return true, nil
	} else if err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check existing command: %w", err)
	}

	now := time.Now().UnixMilli()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processed_commands (command_id, status, message, first_seen_unix_millis)
		 VALUES (?, ?, ?, ?)`,
		result.CommandID, result.Status, result.Message, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert processed command: %w", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO result_outbox (command_id, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, NULL)`,
		result.CommandID, string(payload), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return false, nil
}

// ListUnpublished returns outbox entries not yet delivered to the
// telemetry channel, oldest first
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, payload_json, created_unix_millis, published_unix_millis
		 FROM result_outbox
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished entries: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.CommandID, &e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkPublished marks an outbox entry as delivered
func (s *Store) MarkPublished(ctx context.Context, commandID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE result_outbox SET published_unix_millis = ? WHERE command_id = ?",
		nowMillis, commandID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry as published: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
