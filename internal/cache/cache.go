// Package cache provides the encrypted, checksummed, size- and time-bounded
// local store for server responses, plus the policy hooks the fetch engine
// and profile switcher rely on.
package cache

import (
	"context"
	"time"

	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// ErrNotFound indicates a requested cache entry is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "cache entry not found")

// ErrNoCachedData indicates a read found no usable cached value.
var ErrNoCachedData = apperrors.New(apperrors.CodeNoCachedData, "no cached data")

// Entry is one durable cache record keyed by (key, type tag). The payload
// is stored encrypted; the checksum covers the plaintext.
type Entry struct {
	Key       string
	TypeTag   string
	Payload   []byte // encrypted
	Checksum  uint64 // xxhash64 of the plaintext
	Timestamp time.Time
	ExpiresAt time.Time
	SizeBytes int64
}

// Expired reports whether the entry has passed its expiry.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Store persists cache entries.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, key, typeTag string) (Entry, error)
	Delete(ctx context.Context, key, typeTag string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// DeleteOldest removes up to limit entries ordered by write timestamp
	// and returns the freed bytes and the number of deleted rows.
	DeleteOldest(ctx context.Context, limit int) (int64, int, error)
	DeleteByTag(ctx context.Context, typeTag string) error
	// DeleteMatching removes entries of a type tag whose key contains the
	// given fragment.
	DeleteMatching(ctx context.Context, typeTag, idFragment string) error
	DeleteAll(ctx context.Context) error
	TotalSize(ctx context.Context) (int64, error)
}
