// Package sqlite implements the cache store over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lumenwallet/lumen-core/internal/cache"
	"github.com/lumenwallet/lumen-core/internal/cache/sqlite/migrations"
	sqlitemigrate "github.com/lumenwallet/lumen-core/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements cache persistence over SQLite.
//
// A single SQLite file backs all cached server responses so expiry sweeps
// and size-bound eviction see one consistent view.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a cache SQLite store and applies bundled migrations.
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

// Put upserts a cache entry keyed by (key, type tag).
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entry.Key) == "" {
		return fmt.Errorf("cache key is required")
	}
	if strings.TrimSpace(entry.TypeTag) == "" {
		return fmt.Errorf("type tag is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO cache_entries (key, type_tag, payload, checksum, timestamp, expires_at, size_bytes)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key, type_tag) DO UPDATE SET
	payload = excluded.payload,
	checksum = excluded.checksum,
	timestamp = excluded.timestamp,
	expires_at = excluded.expires_at,
	size_bytes = excluded.size_bytes
`,
		entry.Key,
		entry.TypeTag,
		entry.Payload,
		strconv.FormatUint(entry.Checksum, 10),
		toMillis(entry.Timestamp),
		toMillis(entry.ExpiresAt),
		entry.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Get fetches a cache entry by key and type tag.
func (s *Store) Get(ctx context.Context, key, typeTag string) (cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return cache.Entry{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT key, type_tag, payload, checksum, timestamp, expires_at, size_bytes
FROM cache_entries
WHERE key = ? AND type_tag = ?
`, key, typeTag)

	var entry cache.Entry
	var checksum string
	var timestamp, expiresAt int64
	if err := row.Scan(&entry.Key, &entry.TypeTag, &entry.Payload, &checksum, &timestamp, &expiresAt, &entry.SizeBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("get cache entry: %w", err)
	}

	parsed, err := strconv.ParseUint(checksum, 10, 64)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("parse stored checksum: %w", err)
	}
	entry.Checksum = parsed
	entry.Timestamp = fromMillis(timestamp)
	entry.ExpiresAt = fromMillis(expiresAt)
	return entry, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, key, typeTag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ? AND type_tag = ?", key, typeTag); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries whose expiry has passed and returns the
// freed bytes.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var freed sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx, "SELECT SUM(size_bytes) FROM cache_entries WHERE expires_at <= ?", toMillis(now))
	if err := row.Scan(&freed); err != nil {
		return 0, fmt.Errorf("sum expired entries: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", toMillis(now)); err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	return freed.Int64, nil
}

// DeleteOldest removes up to limit entries ordered by write timestamp.
func (s *Store) DeleteOldest(ctx context.Context, limit int) (int64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, 0, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return 0, 0, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT key, type_tag, size_bytes
FROM cache_entries
ORDER BY timestamp ASC
LIMIT ?
`, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list oldest entries: %w", err)
	}

	type victim struct {
		key     string
		typeTag string
	}
	var victims []victim
	var freed int64
	for rows.Next() {
		var v victim
		var size int64
		if err := rows.Scan(&v.key, &v.typeTag, &size); err != nil {
			_ = rows.Close()
			return 0, 0, fmt.Errorf("scan oldest entry: %w", err)
		}
		victims = append(victims, v)
		freed += size
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, 0, fmt.Errorf("iterate oldest entries: %w", err)
	}
	_ = rows.Close()

	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ? AND type_tag = ?", v.key, v.typeTag); err != nil {
			return 0, 0, fmt.Errorf("delete oldest entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit eviction: %w", err)
	}
	return freed, len(victims), nil
}

// DeleteByTag removes every entry carrying the given type tag.
func (s *Store) DeleteByTag(ctx context.Context, typeTag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM cache_entries WHERE type_tag = ?", typeTag); err != nil {
		return fmt.Errorf("delete entries by tag: %w", err)
	}
	return nil
}

// DeleteMatching removes entries of a type tag whose key contains the
// given fragment.
func (s *Store) DeleteMatching(ctx context.Context, typeTag, idFragment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	pattern := "%" + escapeLike(idFragment) + "%"
	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE type_tag = ? AND key LIKE ? ESCAPE '\\'", typeTag, pattern); err != nil {
		return fmt.Errorf("delete matching entries: %w", err)
	}
	return nil
}

// DeleteAll removes every cache entry.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("delete all entries: %w", err)
	}
	return nil
}

// TotalSize returns the summed payload size of all entries.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var total sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx, "SELECT SUM(size_bytes) FROM cache_entries")
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum cache size: %w", err)
	}
	return total.Int64, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

var _ cache.Store = (*Store)(nil)
