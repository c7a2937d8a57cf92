// Package token owns the access/refresh credential pair: persistence,
// expiry detection, and single-flight refresh.
package token

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lumenwallet/lumen-core/internal/api"
	"github.com/lumenwallet/lumen-core/internal/keystore"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
	"github.com/lumenwallet/lumen-core/internal/platform/timeouts"
)

// Refresher exchanges a refresh token for a new token pair. *api.Client
// satisfies this.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (api.TokenPair, error)
}

// Sink receives the current access token on every credential mutation.
// *api.Client satisfies this.
type Sink interface {
	SetBearerToken(token string)
}

// Manager owns the CredentialPair. All mutation goes through SetCredentials
// and Clear; no other component writes tokens.
type Manager struct {
	store     keystore.Store
	refresher Refresher
	sink      Sink
	clock     func() time.Time
	log       zerolog.Logger

	onSessionExpired func()

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time // zero means absent, treated as expired

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSink registers the network boundary that receives token updates.
func WithSink(sink Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithSessionExpiredHandler registers the notification fired when the
// refresh token itself is rejected and the session must end.
func WithSessionExpiredHandler(notify func()) Option {
	return func(m *Manager) { m.onSessionExpired = notify }
}

// NewManager creates a token Manager backed by the given keystore.
func NewManager(store keystore.Store, refresher Refresher, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("keystore is required")
	}
	if refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		clock:     time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CurrentAccessToken returns the in-memory access token without blocking.
func (m *Manager) CurrentAccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

// IsExpired reports whether the stored credential has passed its expiry.
// An absent expiry is treated as expired.
func (m *Manager) IsExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.expiresAt.IsZero() {
		return true
	}
	return !m.expiresAt.After(m.clock().UTC())
}

// Validate performs the lightweight local check: a present, locally
// unexpired token is optimistically valid. The authoritative verdict comes
// from the next real API call.
func (m *Manager) Validate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.accessToken == "" {
		return false
	}
	if m.expiresAt.IsZero() || !m.expiresAt.After(m.clock().UTC()) {
		return false
	}
	return true
}

// HasRefreshToken reports whether a renewable credential is present.
func (m *Manager) HasRefreshToken() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshToken != ""
}

// RefreshIfNeeded refreshes the credential when it is expired. Concurrent
// callers share one in-flight network refresh; each caller's wait is
// bounded by its context and by the refresh wait timeout.
func (m *Manager) RefreshIfNeeded(ctx context.Context) error {
	if !m.IsExpired() {
		return nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh refreshes the credential regardless of the local expiry.
// The server rejecting a locally-valid token (revocation, clock skew) is
// the authoritative signal; this is the handler behind the one automatic
// refresh-and-retry after an unauthorized response. It shares the same
// single flight as RefreshIfNeeded.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	return m.refresh(ctx, true)
}

func (m *Manager) refresh(ctx context.Context, force bool) error {
	// The refresh itself is detached from the first caller's context so a
	// cancelled caller does not abort the shared flight.
	ch := m.group.DoChan("refresh", func() (any, error) {
		if !force && !m.IsExpired() {
			return nil, nil
		}
		return nil, m.doRefresh(context.WithoutCancel(ctx))
	})

	timer := time.NewTimer(timeouts.RefreshWait)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result.Err
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeNetwork, "refresh wait cancelled", ctx.Err())
	case <-timer.C:
		return apperrors.New(apperrors.CodeNetwork, "refresh still in flight after wait deadline")
	}
}

func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.RLock()
	refreshToken := m.refreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		m.expire()
		return apperrors.New(apperrors.CodeSessionExpired, "no refresh token available")
	}

	pair, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeUnauthorized) {
			// The refresh token itself is dead; the session cannot recover.
			m.expire()
			return apperrors.Wrap(apperrors.CodeSessionExpired, "refresh token rejected", err)
		}
		return err
	}

	if err := m.SetCredentials(pair); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}
	m.log.Debug().Time("expires_at", pair.ExpiresAt).Msg("access token refreshed")
	return nil
}

func (m *Manager) expire() {
	if err := m.Clear(); err != nil {
		m.log.Warn().Err(err).Msg("clear credentials after refresh failure")
	}
	if m.onSessionExpired != nil {
		m.onSessionExpired()
	}
}

// SetCredentials persists a new credential pair and updates memory. The
// expiry must come from the server response.
func (m *Manager) SetCredentials(pair api.TokenPair) error {
	if strings.TrimSpace(pair.AccessToken) == "" {
		return apperrors.New(apperrors.CodeValidation, "access token is required")
	}
	if pair.ExpiresAt.IsZero() {
		return apperrors.New(apperrors.CodeValidation, "token expiry is required")
	}

	if err := m.store.Save(keystore.KeyAccessToken, []byte(pair.AccessToken)); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if err := m.store.Save(keystore.KeyRefreshToken, []byte(pair.RefreshToken)); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}
	expiry := pair.ExpiresAt.UTC().Format(time.RFC3339Nano)
	if err := m.store.Save(keystore.KeyTokenExpiry, []byte(expiry)); err != nil {
		return fmt.Errorf("persist token expiry: %w", err)
	}

	m.mu.Lock()
	m.accessToken = pair.AccessToken
	m.refreshToken = pair.RefreshToken
	m.expiresAt = pair.ExpiresAt.UTC()
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SetBearerToken(pair.AccessToken)
	}
	return nil
}

// Clear destroys the credential pair in memory and at rest.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.accessToken = ""
	m.refreshToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SetBearerToken("")
	}

	for _, key := range []string{keystore.KeyAccessToken, keystore.KeyRefreshToken, keystore.KeyTokenExpiry} {
		if err := m.store.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// Restore loads a previously persisted credential pair. A missing
// credential is not an error; the session simply starts unauthenticated.
func (m *Manager) Restore() error {
	access, err := m.store.Load(keystore.KeyAccessToken)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil
		}
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, err := m.store.Load(keystore.KeyRefreshToken)
	if err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return fmt.Errorf("load refresh token: %w", err)
	}
	var expiresAt time.Time
	if raw, err := m.store.Load(keystore.KeyTokenExpiry); err == nil {
		parsed, parseErr := time.Parse(time.RFC3339Nano, string(raw))
		if parseErr != nil {
			return fmt.Errorf("parse token expiry: %w", parseErr)
		}
		expiresAt = parsed.UTC()
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return fmt.Errorf("load token expiry: %w", err)
	}

	m.mu.Lock()
	m.accessToken = string(access)
	m.refreshToken = string(refresh)
	m.expiresAt = expiresAt
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SetBearerToken(string(access))
	}
	return nil
}

// Claims returns the unverified claims of the current access token. Used
// for diagnostics and to pre-seed the identity id on session restore;
// never used to derive the stored expiry.
func (m *Manager) Claims() (jwt.MapClaims, error) {
	current := m.CurrentAccessToken()
	if current == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "no access token present")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(current, claims); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDecodingFailure, "parse access token claims", err)
	}
	return claims, nil
}

// Subject returns the identity id embedded in the access token, if any.
func (m *Manager) Subject() string {
	claims, err := m.Claims()
	if err != nil {
		return ""
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}
