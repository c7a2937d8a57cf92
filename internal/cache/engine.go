package cache

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lumenwallet/lumen-core/internal/identity"
	"github.com/lumenwallet/lumen-core/internal/keystore"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
	"github.com/lumenwallet/lumen-core/internal/platform/timeouts"
)

const (
	// maxCacheBytes bounds the total encrypted payload size on disk.
	maxCacheBytes = 50 * 1024 * 1024
	// evictTargetRatio is how far below the cap eviction drains the store.
	evictTargetRatio = 0.8
	// evictBatch is how many oldest entries one eviction round removes.
	evictBatch = 32

	snapshotKey     = "profiles.snapshot"
	snapshotTypeTag = "session"
	snapshotTTL     = 30 * 24 * time.Hour
)

// Engine encrypts, checksums and bounds the cache. Payloads are sealed
// with a per-installation key held in the keystore; the checksum covers
// the plaintext so tampering or key rot reads as a miss, never as bad
// data handed to callers.
type Engine struct {
	store Store
	aead  cipher.AEAD
	clock func() time.Time
	log   zerolog.Logger

	maxBytes int64

	mu            sync.RWMutex
	profileScoped map[string]struct{}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithMaxBytes overrides the cache size cap.
func WithMaxBytes(maxBytes int64) EngineOption {
	return func(e *Engine) { e.maxBytes = maxBytes }
}

// NewEngine creates a cache engine. The encryption key is loaded from the
// keystore, generated on first use.
func NewEngine(store Store, keys keystore.Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "cache store is required")
	}

	key, err := keystore.LoadOrCreateCacheKey(keys)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "load cache encryption key", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "init cache cipher", err)
	}

	e := &Engine{
		store:         store,
		aead:          aead,
		clock:         func() time.Time { return time.Now().UTC() },
		log:           zerolog.Nop(),
		maxBytes:      maxCacheBytes,
		profileScoped: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Put seals and stores a payload under (key, typeTag) with the given TTL,
// then enforces the size cap.
func (e *Engine) Put(ctx context.Context, key, typeTag string, plaintext []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return apperrors.New(apperrors.CodeValidation, "cache key is required")
	}
	if strings.TrimSpace(typeTag) == "" {
		return apperrors.New(apperrors.CodeValidation, "type tag is required")
	}
	if ttl <= 0 {
		return apperrors.New(apperrors.CodeValidation, "cache ttl must be positive")
	}

	sealed, err := e.seal(plaintext)
	if err != nil {
		return err
	}

	now := e.clock()
	entry := Entry{
		Key:       key,
		TypeTag:   typeTag,
		Payload:   sealed,
		Checksum:  xxhash.Sum64(plaintext),
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
		SizeBytes: int64(len(sealed)),
	}
	if err := e.store.Put(ctx, entry); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "persist cache entry", err)
	}

	if err := e.enforceCap(ctx); err != nil {
		e.log.Warn().Err(err).Msg("enforce cache size cap")
	}
	return nil
}

// Get returns the decrypted payload for (key, typeTag). Expired, corrupted
// or missing entries all surface as ErrNoCachedData; expired and corrupted
// rows are deleted on the way out.
func (e *Engine) Get(ctx context.Context, key, typeTag string) ([]byte, error) {
	entry, err := e.store.Get(ctx, key, typeTag)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, ErrNoCachedData
		}
		return nil, apperrors.Wrap(apperrors.CodeValidation, "read cache entry", err)
	}

	if entry.Expired(e.clock()) {
		e.discard(ctx, key, typeTag)
		return nil, ErrNoCachedData
	}

	plaintext, err := e.open(entry.Payload)
	if err != nil {
		e.log.Warn().Str("key", key).Str("type_tag", typeTag).Msg("cache entry failed decryption, dropping")
		e.discard(ctx, key, typeTag)
		return nil, ErrNoCachedData
	}
	if xxhash.Sum64(plaintext) != entry.Checksum {
		e.log.Warn().Str("key", key).Str("type_tag", typeTag).Msg("cache checksum mismatch, dropping")
		e.discard(ctx, key, typeTag)
		return nil, ErrNoCachedData
	}
	return plaintext, nil
}

// Invalidate removes every entry for a type tag.
func (e *Engine) Invalidate(ctx context.Context, typeTag string) error {
	return e.store.DeleteByTag(ctx, typeTag)
}

// InvalidateMatching removes entries of a type tag whose key contains the
// given fragment.
func (e *Engine) InvalidateMatching(ctx context.Context, typeTag, idFragment string) error {
	return e.store.DeleteMatching(ctx, typeTag, idFragment)
}

// InvalidateAll clears the entire cache.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	return e.store.DeleteAll(ctx)
}

// RegisterProfileScoped marks type tags whose entries belong to the active
// profile and must not survive a profile switch.
func (e *Engine) RegisterProfileScoped(typeTags ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tag := range typeTags {
		if strings.TrimSpace(tag) == "" {
			continue
		}
		e.profileScoped[tag] = struct{}{}
	}
}

// InvalidateProfileScoped removes every entry under a registered
// profile-scoped tag.
func (e *Engine) InvalidateProfileScoped(ctx context.Context) error {
	e.mu.RLock()
	tags := make([]string, 0, len(e.profileScoped))
	for tag := range e.profileScoped {
		tags = append(tags, tag)
	}
	e.mu.RUnlock()

	for _, tag := range tags {
		if err := e.store.DeleteByTag(ctx, tag); err != nil {
			return apperrors.Wrap(apperrors.CodeValidation, "invalidate profile-scoped cache", err)
		}
	}
	return nil
}

// profileSnapshot is the persisted shape of the committed profile list.
type profileSnapshot struct {
	Profiles        []identity.Profile `json:"profiles"`
	ActiveProfileID string             `json:"active_profile_id"`
	StoredAt        time.Time          `json:"stored_at"`
}

// StoreProfileSnapshot persists the committed profile list so a restart can
// restore the session without a network round trip.
func (e *Engine) StoreProfileSnapshot(ctx context.Context, profiles []identity.Profile, activeProfileID string) error {
	snapshot := profileSnapshot{
		Profiles:        profiles,
		ActiveProfileID: activeProfileID,
		StoredAt:        e.clock(),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDecodingFailure, "encode profile snapshot", err)
	}
	return e.Put(ctx, snapshotKey, snapshotTypeTag, payload, snapshotTTL)
}

// LoadProfileSnapshot returns the last committed profile list, or
// ErrNoCachedData when none is stored.
func (e *Engine) LoadProfileSnapshot(ctx context.Context) ([]identity.Profile, string, error) {
	payload, err := e.Get(ctx, snapshotKey, snapshotTypeTag)
	if err != nil {
		return nil, "", err
	}
	var snapshot profileSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		e.discard(ctx, snapshotKey, snapshotTypeTag)
		return nil, "", ErrNoCachedData
	}
	return snapshot.Profiles, snapshot.ActiveProfileID, nil
}

// StartJanitor sweeps expired entries and enforces the size cap on an
// hourly cadence until the context is cancelled.
func (e *Engine) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(timeouts.CacheJanitor)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one janitor pass: drop expired entries, then enforce the cap.
func (e *Engine) Sweep(ctx context.Context) {
	freed, err := e.store.DeleteExpired(ctx, e.clock())
	if err != nil {
		e.log.Warn().Err(err).Msg("sweep expired cache entries")
	} else if freed > 0 {
		e.log.Debug().Int64("freed_bytes", freed).Msg("swept expired cache entries")
	}
	if err := e.enforceCap(ctx); err != nil {
		e.log.Warn().Err(err).Msg("enforce cache size cap")
	}
}

// enforceCap drains the store below the size cap, dropping expired entries
// first and then the oldest writes until usage falls to the eviction target.
func (e *Engine) enforceCap(ctx context.Context) error {
	total, err := e.store.TotalSize(ctx)
	if err != nil {
		return err
	}
	if total <= e.maxBytes {
		return nil
	}

	if _, err := e.store.DeleteExpired(ctx, e.clock()); err != nil {
		return err
	}
	total, err = e.store.TotalSize(ctx)
	if err != nil {
		return err
	}

	target := int64(float64(e.maxBytes) * evictTargetRatio)
	for total > target {
		freed, deleted, err := e.store.DeleteOldest(ctx, evictBatch)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return nil
		}
		total -= freed
	}
	return nil
}

func (e *Engine) discard(ctx context.Context, key, typeTag string) {
	if err := e.store.Delete(ctx, key, typeTag); err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("drop unusable cache entry")
	}
}

func (e *Engine) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "generate cache nonce", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *Engine) open(sealed []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, apperrors.New(apperrors.CodeCacheCorruption, "sealed payload too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCacheCorruption, "open sealed payload", err)
	}
	return plaintext, nil
}
