// Package fetch coordinates cache policy and network retrieval for typed
// server data.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenwallet/lumen-core/internal/cache"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// Policy selects how a fetch balances cached data against the network.
type Policy string

const (
	// PolicyNetworkOnly always hits the network and never reads the cache.
	PolicyNetworkOnly Policy = "network_only"
	// PolicyCacheFirst serves cached data when present, falling back to the
	// network on a miss.
	PolicyCacheFirst Policy = "cache_first"
	// PolicyNetworkFirst prefers fresh data but serves the cache when the
	// network is unreachable.
	PolicyNetworkFirst Policy = "network_first"
	// PolicyCacheOnly never touches the network.
	PolicyCacheOnly Policy = "cache_only"
	// PolicyCacheAndNetwork serves cached data immediately and refreshes the
	// cache in the background.
	PolicyCacheAndNetwork Policy = "cache_and_network"
)

// Valid reports whether the policy is one of the supported modes.
func (p Policy) Valid() bool {
	switch p {
	case PolicyNetworkOnly, PolicyCacheFirst, PolicyNetworkFirst, PolicyCacheOnly, PolicyCacheAndNetwork:
		return true
	}
	return false
}

// Cache is the slice of the cache engine the fetch engine uses.
type Cache interface {
	Get(ctx context.Context, key, typeTag string) ([]byte, error)
	Put(ctx context.Context, key, typeTag string, plaintext []byte, ttl time.Duration) error
}

// Request describes one fetch. Fetch loads the payload from the network.
// Policy and TTL override the type tag defaults when set.
type Request struct {
	Key     string
	TypeTag string
	Policy  Policy
	TTL     time.Duration
	Fetch   func(ctx context.Context) ([]byte, error)
}

// Result carries the payload and where it came from. Refreshing is set when
// a background network refresh was started after serving cached data.
type Result struct {
	Data       []byte
	FromCache  bool
	Refreshing bool
}

type tagDefaults struct {
	policy Policy
	ttl    time.Duration
}

// Engine resolves fetches against per-type-tag cache policies.
type Engine struct {
	cache Cache
	log   zerolog.Logger

	mu       sync.RWMutex
	defaults map[string]tagDefaults

	background sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates a fetch engine over the given cache.
func NewEngine(c Cache, opts ...Option) *Engine {
	e := &Engine{
		cache:    c,
		log:      zerolog.Nop(),
		defaults: make(map[string]tagDefaults),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPolicy sets the default policy and TTL for a type tag.
func (e *Engine) RegisterPolicy(typeTag string, policy Policy, ttl time.Duration) error {
	if !policy.Valid() {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown cache policy %q", policy))
	}
	if ttl <= 0 {
		return apperrors.New(apperrors.CodeValidation, "policy ttl must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults[typeTag] = tagDefaults{policy: policy, ttl: ttl}
	return nil
}

// Do runs one fetch under the resolved policy.
func (e *Engine) Do(ctx context.Context, req Request) (Result, error) {
	policy, ttl, err := e.resolve(req)
	if err != nil {
		return Result{}, err
	}
	if req.Fetch == nil && policy != PolicyCacheOnly {
		return Result{}, apperrors.New(apperrors.CodeValidation, "fetch function is required")
	}

	switch policy {
	case PolicyNetworkOnly:
		data, err := e.fromNetwork(ctx, req, ttl)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data}, nil

	case PolicyCacheOnly:
		data, err := e.cache.Get(ctx, req.Key, req.TypeTag)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data, FromCache: true}, nil

	case PolicyCacheFirst:
		data, err := e.cache.Get(ctx, req.Key, req.TypeTag)
		if err == nil {
			e.refreshInBackground(ctx, req, ttl)
			return Result{Data: data, FromCache: true, Refreshing: true}, nil
		}
		if !errors.Is(err, cache.ErrNoCachedData) {
			return Result{}, err
		}
		data, err = e.fromNetwork(ctx, req, ttl)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data}, nil

	case PolicyNetworkFirst:
		data, netErr := e.fromNetwork(ctx, req, ttl)
		if netErr == nil {
			return Result{Data: data}, nil
		}
		if !reachableFallback(netErr) {
			return Result{}, netErr
		}
		cached, err := e.cache.Get(ctx, req.Key, req.TypeTag)
		if err != nil {
			return Result{}, netErr
		}
		e.log.Debug().Str("key", req.Key).Msg("network unreachable, serving cached data")
		return Result{Data: cached, FromCache: true}, nil

	case PolicyCacheAndNetwork:
		cached, err := e.cache.Get(ctx, req.Key, req.TypeTag)
		if err == nil {
			e.refreshInBackground(ctx, req, ttl)
			return Result{Data: cached, FromCache: true, Refreshing: true}, nil
		}
		if !errors.Is(err, cache.ErrNoCachedData) {
			return Result{}, err
		}
		data, err := e.fromNetwork(ctx, req, ttl)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data}, nil
	}

	return Result{}, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown cache policy %q", policy))
}

// WaitBackground blocks until all in-flight background refreshes finish.
func (e *Engine) WaitBackground() {
	e.background.Wait()
}

func (e *Engine) resolve(req Request) (Policy, time.Duration, error) {
	e.mu.RLock()
	defaults, ok := e.defaults[req.TypeTag]
	e.mu.RUnlock()

	policy := req.Policy
	if policy == "" {
		if !ok {
			return "", 0, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("no policy registered for type tag %q", req.TypeTag))
		}
		policy = defaults.policy
	}
	if !policy.Valid() {
		return "", 0, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown cache policy %q", policy))
	}

	ttl := req.TTL
	if ttl <= 0 {
		if !ok {
			ttl = time.Minute
		} else {
			ttl = defaults.ttl
		}
	}
	return policy, ttl, nil
}

func (e *Engine) fromNetwork(ctx context.Context, req Request, ttl time.Duration) ([]byte, error) {
	data, err := req.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(ctx, req.Key, req.TypeTag, data, ttl); err != nil {
		e.log.Warn().Err(err).Str("key", req.Key).Msg("store fetched payload")
	}
	return data, nil
}

// refreshInBackground refetches on a detached context so the refresh
// outlives the caller. The result only lands in the cache; the caller
// already has the cached payload.
func (e *Engine) refreshInBackground(ctx context.Context, req Request, ttl time.Duration) {
	detached := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if _, err := e.fromNetwork(detached, req, ttl); err != nil {
			e.log.Debug().Err(err).Str("key", req.Key).Msg("background cache refresh failed")
		}
	}()
}

// reachableFallback reports whether the failure is the kind a cached copy
// should paper over.
func reachableFallback(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeNetwork) ||
		apperrors.HasCode(err, apperrors.CodeOffline) ||
		apperrors.HasCode(err, apperrors.CodeServerError)
}
