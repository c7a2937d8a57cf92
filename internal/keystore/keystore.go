// Package keystore provides durable, encrypted key/value storage for
// credential material: the access/refresh token pair, token expiry, and the
// cache encryption key.
package keystore

import (
	"crypto/rand"
	"fmt"

	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// ErrNotFound indicates a requested entry is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "keystore entry not found")

// Reserved keys used by the session core.
const (
	KeyAccessToken  = "auth.access_token"
	KeyRefreshToken = "auth.refresh_token"
	KeyTokenExpiry  = "auth.token_expiry"
	KeyCacheKey     = "cache.encryption_key"
)

// Store persists small secrets encrypted at rest.
type Store interface {
	Save(key string, value []byte) error
	Load(key string) ([]byte, error)
	Delete(key string) error
}

// LoadOrCreateCacheKey returns the persisted cache encryption key, creating
// and persisting a fresh 32-byte key on first use. The key is generated
// exactly once per installation so cache entries survive restarts.
func LoadOrCreateCacheKey(store Store) ([]byte, error) {
	if store == nil {
		return nil, fmt.Errorf("keystore is required")
	}

	key, err := store.Load(KeyCacheKey)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("persisted cache key has invalid length %d", len(key))
		}
		return key, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return nil, fmt.Errorf("load cache key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate cache key: %w", err)
	}
	if err := store.Save(KeyCacheKey, key); err != nil {
		return nil, fmt.Errorf("persist cache key: %w", err)
	}
	return key, nil
}
