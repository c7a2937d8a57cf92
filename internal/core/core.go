// Package core wires the session components together: keystore, token
// lifecycle, network client, session state, cache, fetch policies and the
// offline queue.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenwallet/lumen-core/internal/api"
	"github.com/lumenwallet/lumen-core/internal/authn"
	"github.com/lumenwallet/lumen-core/internal/cache"
	cachesqlite "github.com/lumenwallet/lumen-core/internal/cache/sqlite"
	"github.com/lumenwallet/lumen-core/internal/fetch"
	"github.com/lumenwallet/lumen-core/internal/identity"
	"github.com/lumenwallet/lumen-core/internal/keystore"
	"github.com/lumenwallet/lumen-core/internal/offline"
	offlinesqlite "github.com/lumenwallet/lumen-core/internal/offline/sqlite"
	"github.com/lumenwallet/lumen-core/internal/platform/config"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
	"github.com/lumenwallet/lumen-core/internal/platform/timeouts"
	"github.com/lumenwallet/lumen-core/internal/session"
	"github.com/lumenwallet/lumen-core/internal/token"
)

// Cache placement of the identity graph fetched on session restore.
const (
	identityGraphKey = "identity.graph"
	identityGraphTag = "identity"
	identityGraphTTL = 30 * 24 * time.Hour
)

// Config holds the environment-driven settings of the session core.
type Config struct {
	APIBaseURL string `env:"LUMEN_API_URL" envDefault:"https://api.lumen.example"`
	DataDir    string `env:"LUMEN_DATA_DIR" envDefault:"."`
	LogLevel   string `env:"LUMEN_LOG_LEVEL" envDefault:"info"`

	Platform   string `env:"LUMEN_PLATFORM" envDefault:"desktop"`
	AppVersion string `env:"LUMEN_APP_VERSION" envDefault:"dev"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Core is the composition root of the session core. All components are
// wired at construction; the zero value is not usable.
type Core struct {
	cfg Config
	log zerolog.Logger

	keys      *keystore.BoltStore
	tokens    *token.Manager
	client    *api.Client
	container *session.Container
	switcher  *session.Switcher
	normal    *authn.Normalizer
	cacheEng  *cache.Engine
	fetchEng  *fetch.Engine
	queue     *offline.Queue

	cacheStore *cachesqlite.Store
	queueStore *offlinesqlite.Store

	mu            sync.Mutex
	backgroundAt  time.Time
	guest         bool
	janitorCancel context.CancelFunc
}

// Option customizes a Core.
type Option func(*coreDeps)

// coreDeps lets tests substitute constructed components.
type coreDeps struct {
	log        zerolog.Logger
	httpClient func() []api.Option
}

// WithLogger sets the root logger shared by all components.
func WithLogger(log zerolog.Logger) Option {
	return func(d *coreDeps) { d.log = log }
}

// WithAPIOptions forwards extra options to the network client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(d *coreDeps) { d.httpClient = func() []api.Option { return opts } }
}

// New builds a fully wired Core. The master key seals the keystore at rest
// and must be 32 bytes, typically sourced from the OS keychain by the
// embedding application.
func New(cfg Config, masterKey []byte, opts ...Option) (*Core, error) {
	deps := &coreDeps{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(deps)
	}
	log := deps.log

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	keys, err := keystore.Open(filepath.Join(cfg.DataDir, "keystore.db"), masterKey)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	apiOpts := []api.Option{api.WithLogger(log.With().Str("component", "api").Logger())}
	if deps.httpClient != nil {
		apiOpts = append(apiOpts, deps.httpClient()...)
	}
	client, err := api.NewClient(cfg.APIBaseURL, apiOpts...)
	if err != nil {
		_ = keys.Close()
		return nil, err
	}

	c := &Core{cfg: cfg, log: log, keys: keys, client: client}

	c.container = session.NewContainer(
		session.WithContainerLogger(log.With().Str("component", "session").Logger()),
	)

	tokens, err := token.NewManager(keys, client,
		token.WithSink(client),
		token.WithLogger(log.With().Str("component", "token").Logger()),
		token.WithSessionExpiredHandler(c.onSessionExpired),
	)
	if err != nil {
		_ = keys.Close()
		return nil, err
	}
	c.tokens = tokens
	// The unauthorized retry must hit the refresh endpoint even when the
	// token looks valid locally; the server's 401 is authoritative.
	client.SetRefreshHandler(tokens.ForceRefresh)
	client.SetSessionExpiredHandler(c.onSessionExpired)

	cacheStore, err := cachesqlite.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		_ = keys.Close()
		return nil, err
	}
	c.cacheStore = cacheStore
	cacheEng, err := cache.NewEngine(cacheStore, keys,
		cache.WithLogger(log.With().Str("component", "cache").Logger()),
	)
	if err != nil {
		_ = cacheStore.Close()
		_ = keys.Close()
		return nil, err
	}
	c.cacheEng = cacheEng

	c.fetchEng = fetch.NewEngine(cacheEng,
		fetch.WithLogger(log.With().Str("component", "fetch").Logger()),
	)
	if err := c.fetchEng.RegisterPolicy(identityGraphTag, fetch.PolicyNetworkFirst, identityGraphTTL); err != nil {
		_ = cacheStore.Close()
		_ = keys.Close()
		return nil, err
	}

	queueStore, err := offlinesqlite.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		_ = cacheStore.Close()
		_ = keys.Close()
		return nil, err
	}
	c.queueStore = queueStore
	c.queue = offline.NewQueue(queueStore, &queueExecutor{client: client},
		offline.WithLogger(log.With().Str("component", "offline").Logger()),
	)

	c.switcher = session.NewSwitcher(c.container, client, cacheEng,
		session.WithSwitcherLogger(log.With().Str("component", "switch").Logger()),
	)

	c.normal = authn.NewNormalizer(client, tokens, c.container,
		api.Device{Platform: cfg.Platform, AppVersion: cfg.AppVersion},
		authn.WithLogger(log.With().Str("component", "authn").Logger()),
	)

	return c, nil
}

// Start launches the background maintenance loops: the cache janitor and
// the offline sync ticker.
func (c *Core) Start(ctx context.Context) {
	janitorCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.janitorCancel = cancel
	c.mu.Unlock()

	c.cacheEng.StartJanitor(janitorCtx)
	c.queue.StartSync(janitorCtx)
}

// Close releases all persistent resources.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.janitorCancel != nil {
		c.janitorCancel()
		c.janitorCancel = nil
	}
	c.mu.Unlock()

	c.fetchEng.WaitBackground()

	var firstErr error
	for _, closeFn := range []func() error{c.queueStore.Close, c.cacheStore.Close, c.keys.Close} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Session exposes the session state container.
func (c *Core) Session() *session.Container { return c.container }

// Switcher exposes the profile switch coordinator.
func (c *Core) Switcher() *session.Switcher { return c.switcher }

// Auth exposes the authentication normalizer.
func (c *Core) Auth() *authn.Normalizer { return c.normal }

// Tokens exposes the token lifecycle manager.
func (c *Core) Tokens() *token.Manager { return c.tokens }

// API exposes the network client.
func (c *Core) API() *api.Client { return c.client }

// Cache exposes the cache engine.
func (c *Core) Cache() *cache.Engine { return c.cacheEng }

// Fetch exposes the policy fetch engine.
func (c *Core) Fetch() *fetch.Engine { return c.fetchEng }

// Queue exposes the offline operation queue.
func (c *Core) Queue() *offline.Queue { return c.queue }

// Authenticate runs a strategy through the normalizer and tracks guest
// sessions so logout can skip the server round trip.
func (c *Core) Authenticate(ctx context.Context, strategy authn.Strategy, opts authn.Options) (authn.Outcome, error) {
	outcome, err := c.normal.Authenticate(ctx, strategy, opts)
	if err != nil {
		return authn.Outcome{}, err
	}
	c.mu.Lock()
	c.guest = outcome.Guest
	c.mu.Unlock()
	return outcome, nil
}

// LinkAccount attaches another authentication method to the identity and
// applies the server's updated account graph to the session.
func (c *Core) LinkAccount(ctx context.Context, accountType, identifier, credential string) error {
	graph, err := c.client.LinkAccount(ctx, accountType, identifier, credential)
	if err != nil {
		return err
	}
	c.invalidateIdentityGraph(ctx)
	return c.container.ReplaceIdentity(graph.Identity)
}

// UnlinkAccount removes a linked authentication method. The last linked
// account is rejected locally before any network call.
func (c *Core) UnlinkAccount(ctx context.Context, accountID string) error {
	ident, ok := c.container.Identity()
	if !ok {
		return apperrors.New(apperrors.CodeValidation, "no identity present")
	}
	if len(ident.LinkedAccounts) <= 1 {
		return apperrors.New(apperrors.CodeLastAccount, "the last linked account cannot be removed")
	}
	if err := c.client.UnlinkAccount(ctx, accountID); err != nil {
		return err
	}
	c.invalidateIdentityGraph(ctx)
	return c.container.RemoveAccount(accountID)
}

// CreateProfile creates a profile on the server and adds it to the session.
// The first profile ends the needsProfile state.
func (c *Core) CreateProfile(ctx context.Context, name string) (identity.Profile, error) {
	profile, err := c.client.CreateProfile(ctx, name)
	if err != nil {
		return identity.Profile{}, err
	}
	if err := c.container.AddProfile(profile); err != nil {
		return identity.Profile{}, err
	}
	c.invalidateIdentityGraph(ctx)
	return profile, nil
}

// DeleteProfile deletes a profile on the server and removes it from the
// session. Deleting the active profile re-selects the first remaining one
// or moves the session to needsProfile.
func (c *Core) DeleteProfile(ctx context.Context, profileID string) error {
	if err := c.client.DeleteProfile(ctx, profileID); err != nil {
		return err
	}
	c.invalidateIdentityGraph(ctx)
	return c.container.RemoveProfile(profileID)
}

// invalidateIdentityGraph drops the cached graph after a mutation so the
// next restore cannot serve the pre-mutation shape.
func (c *Core) invalidateIdentityGraph(ctx context.Context) {
	if err := c.cacheEng.Invalidate(ctx, identityGraphTag); err != nil {
		c.log.Warn().Err(err).Msg("invalidate cached identity graph")
	}
}

// Restore rebuilds the session from persisted state on startup: load the
// credential pair, then resolve the identity graph through the fetch
// engine, which serves the last cached graph when the network is
// unreachable. The profile snapshot is the final fallback.
func (c *Core) Restore(ctx context.Context) error {
	if err := c.tokens.Restore(); err != nil {
		return err
	}
	if c.tokens.CurrentAccessToken() == "" {
		return c.container.SetUnauthenticated()
	}

	if c.tokens.IsExpired() {
		if err := c.tokens.RefreshIfNeeded(ctx); err != nil {
			if apperrors.HasCode(err, apperrors.CodeSessionExpired) {
				// onSessionExpired already moved the container.
				return nil
			}
			return err
		}
	}

	result, err := c.fetchEng.Do(ctx, fetch.Request{
		Key:     identityGraphKey,
		TypeTag: identityGraphTag,
		Fetch: func(ctx context.Context) ([]byte, error) {
			graph, err := c.client.IdentityGraph(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(graph)
		},
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeUnauthorized) || apperrors.HasCode(err, apperrors.CodeSessionExpired) {
			c.onSessionExpired()
			return nil
		}
		if apperrors.HasCode(err, apperrors.CodeNetwork) || apperrors.HasCode(err, apperrors.CodeOffline) {
			return c.restoreFromSnapshot(ctx)
		}
		return err
	}

	var graph api.IdentityGraph
	if err := json.Unmarshal(result.Data, &graph); err != nil {
		return apperrors.Wrap(apperrors.CodeDecodingFailure, "decode identity graph", err)
	}
	return c.container.SetAuthenticated(graph.Identity, graph.Profiles, graph.ActiveProfileID)
}

// restoreFromSnapshot restores from the cached profile snapshot when the
// network is unreachable. The identity id comes from the token subject.
func (c *Core) restoreFromSnapshot(ctx context.Context) error {
	profiles, activeID, err := c.cacheEng.LoadProfileSnapshot(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("no usable profile snapshot, staying unauthenticated until online")
		return c.container.SetUnauthenticated()
	}
	ident := identityFromSubject(c.tokens.Subject())
	return c.container.SetAuthenticated(ident, profiles, activeID)
}

// Logout tears the session down: best-effort server logout, then local
// credential destruction and cache purge. Guest sessions skip the server.
func (c *Core) Logout(ctx context.Context) error {
	c.mu.Lock()
	wasGuest := c.guest
	c.guest = false
	c.mu.Unlock()

	if !wasGuest && c.tokens.CurrentAccessToken() != "" {
		if err := c.client.Logout(ctx); err != nil {
			c.log.Warn().Err(err).Msg("server logout failed, clearing local session anyway")
		}
	}

	if err := c.tokens.Clear(); err != nil {
		return err
	}
	if err := c.cacheEng.InvalidateAll(ctx); err != nil {
		c.log.Warn().Err(err).Msg("purge cache on logout")
	}
	if err := c.queue.Clear(ctx); err != nil {
		c.log.Warn().Err(err).Msg("drop offline queue on logout")
	}
	return c.container.SetUnauthenticated()
}

// Background records the app moving out of the foreground.
func (c *Core) Background() {
	c.mu.Lock()
	c.backgroundAt = time.Now()
	c.mu.Unlock()
}

// Foreground reports the app returning to the foreground. A session that
// stayed backgrounded past the lock window locks and requires unlock.
func (c *Core) Foreground() (locked bool) {
	c.mu.Lock()
	backgroundAt := c.backgroundAt
	c.backgroundAt = time.Time{}
	c.mu.Unlock()

	if backgroundAt.IsZero() || time.Since(backgroundAt) < timeouts.BackgroundLock {
		return false
	}
	if err := c.container.Lock(); err != nil {
		return false
	}
	return true
}

// Unlock returns a locked session to authenticated after the embedding
// application re-verified the user.
func (c *Core) Unlock() error {
	return c.container.Unlock()
}

// SetOnline forwards connectivity changes to the offline queue.
func (c *Core) SetOnline(ctx context.Context, online bool) {
	c.queue.SetOnline(ctx, online)
}

// onSessionExpired is invoked by the token manager and network client when
// a refresh definitively fails. Credentials are already cleared.
func (c *Core) onSessionExpired() {
	if err := c.container.SetUnauthenticated(); err != nil {
		c.log.Warn().Err(err).Msg("move session to unauthenticated after expiry")
	}
}
