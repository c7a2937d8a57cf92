// Package sqlite implements the offline queue store over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumenwallet/lumen-core/internal/offline"
	"github.com/lumenwallet/lumen-core/internal/offline/sqlite/migrations"
	sqlitemigrate "github.com/lumenwallet/lumen-core/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements offline queue persistence over SQLite. The queue uses
// its own database file so replay traffic never contends with cache sweeps.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a queue SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append stores a new operation at the tail of the queue.
func (s *Store) Append(ctx context.Context, op offline.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("operation id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO queued_operations (id, op_type, description, payload, created_at, retry_count, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, op.ID, op.Type, op.Description, op.Payload, toMillis(op.CreatedAt), op.RetryCount, op.LastError)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// List returns all pending operations oldest first.
func (s *Store) List(ctx context.Context) ([]offline.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, op_type, description, payload, created_at, retry_count, last_error
FROM queued_operations
ORDER BY seq ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []offline.Operation
	for rows.Next() {
		var op offline.Operation
		var createdAt int64
		if err := rows.Scan(&op.ID, &op.Type, &op.Description, &op.Payload, &createdAt, &op.RetryCount, &op.LastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.CreatedAt = fromMillis(createdAt)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// Update persists the retry bookkeeping of an existing operation.
func (s *Store) Update(ctx context.Context, op offline.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE queued_operations
SET retry_count = ?, last_error = ?
WHERE id = ?
`, op.RetryCount, op.LastError, op.ID)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update: %w", err)
	}
	if affected == 0 {
		return offline.ErrNotFound
	}
	return nil
}

// Delete removes an operation. Deleting a missing operation is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM queued_operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

// Count returns the number of pending operations.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int
	row := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_operations")
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

// DeleteAll drops every queued operation.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM queued_operations"); err != nil {
		return fmt.Errorf("delete all operations: %w", err)
	}
	return nil
}

var _ offline.Store = (*Store)(nil)
