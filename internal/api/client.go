// Package api implements the JSON network boundary consumed by the session
// core: authentication, token refresh, identity graph reads, profile
// activation, and generic resource calls used by the fetch engine and the
// offline queue.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenwallet/lumen-core/internal/identity"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
	"github.com/lumenwallet/lumen-core/internal/platform/id"
	"github.com/lumenwallet/lumen-core/internal/platform/timeouts"
)

const tracerName = "github.com/lumenwallet/lumen-core/internal/api"

// Client talks JSON to the backend with bearer-token authentication.
//
// The current access token is pushed into the client by the token manager
// on every credential mutation; the client never derives tokens itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	tracer     trace.Tracer

	mu             sync.RWMutex
	bearer         string
	refresh        func(ctx context.Context) error
	sessionExpired func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
		log:        zerolog.Nop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// SetBearerToken replaces the access token attached to authenticated calls.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

// SetRefreshHandler installs the single-flight refresh entry point invoked
// on the first unauthorized response of an authenticated request.
func (c *Client) SetRefreshHandler(refresh func(ctx context.Context) error) {
	c.mu.Lock()
	c.refresh = refresh
	c.mu.Unlock()
}

// SetSessionExpiredHandler installs the notification fired when a request
// stays unauthorized after the refresh-and-retry.
func (c *Client) SetSessionExpiredHandler(notify func()) {
	c.mu.Lock()
	c.sessionExpired = notify
	c.mu.Unlock()
}

func (c *Client) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

func (c *Client) refreshHandler() func(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresh
}

func (c *Client) notifySessionExpired() {
	c.mu.RLock()
	notify := c.sessionExpired
	c.mu.RUnlock()
	if notify != nil {
		notify()
	}
}

type serverErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do executes a JSON request against the backend and decodes the response
// into out (which may be nil for empty responses).
//
// When requiresAuth is true and the backend answers 401/403, the installed
// refresh handler runs exactly once and the original request is replayed; a
// second unauthorized response surfaces as an unauthorized error and fires
// the session-expired notification. There is no retry loop beyond that.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any, requiresAuth bool) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeValidation, "encode request body", err)
		}
		payload = encoded
	}

	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	err := c.doOnce(ctx, method, path, payload, out, requiresAuth)
	if requiresAuth && apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		refresh := c.refreshHandler()
		if refresh == nil {
			c.notifySessionExpired()
			span.SetStatus(codes.Error, "unauthorized")
			return err
		}
		if refreshErr := refresh(ctx); refreshErr != nil {
			span.SetStatus(codes.Error, "refresh failed")
			// Only a rejected refresh token ends the session. A transient
			// failure during the refresh leaves the credentials in place and
			// surfaces to the caller.
			if apperrors.HasCode(refreshErr, apperrors.CodeUnauthorized) || apperrors.HasCode(refreshErr, apperrors.CodeSessionExpired) {
				c.notifySessionExpired()
				return apperrors.Wrap(apperrors.CodeUnauthorized, "refresh after unauthorized", refreshErr)
			}
			return apperrors.Wrap(apperrors.CodeNetwork, "refresh after unauthorized", refreshErr)
		}
		err = c.doOnce(ctx, method, path, payload, out, requiresAuth)
		if apperrors.HasCode(err, apperrors.CodeUnauthorized) {
			c.notifySessionExpired()
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any, requiresAuth bool) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID, idErr := id.NewID(); idErr == nil {
		req.Header.Set("X-Request-Id", requestID)
	}
	if requiresAuth {
		token := c.bearerToken()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.CodeNetwork, "request cancelled or timed out", err)
		}
		c.log.Debug().Str("method", method).Str("path", path).Err(err).Msg("request failed")
		return apperrors.Wrap(apperrors.CodeNetwork, "send request", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return c.classifyError(method, path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeDecodingFailure, "decode response body", err)
	}
	return nil
}

func (c *Client) classifyError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	code := apperrors.FromHTTPStatus(resp.StatusCode)
	message := fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)

	if code == apperrors.CodeServerError {
		var body serverErrorBody
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			message = body.Error.Message
		}
		return apperrors.WithMetadata(code, message, map[string]string{
			"status": fmt.Sprintf("%d", resp.StatusCode),
		})
	}
	if code == apperrors.CodeUnauthorized {
		return apperrors.New(code, message)
	}

	// Remaining 4xx map onto validation problems with the request itself.
	var body serverErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		message = body.Error.Message
	}
	return apperrors.WithMetadata(apperrors.CodeValidation, message, map[string]string{
		"status": fmt.Sprintf("%d", resp.StatusCode),
	})
}

// Authenticate sends a canonical authentication request.
func (c *Client) Authenticate(ctx context.Context, req AuthRequest) (AuthResponse, error) {
	var wire wireAuthResponse
	if err := c.Do(ctx, http.MethodPost, "/v1/auth/authenticate", req, &wire, false); err != nil {
		return AuthResponse{}, err
	}
	return authResponseToDomain(wire), nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenPair{}, apperrors.New(apperrors.CodeValidation, "refresh token is required")
	}
	body := map[string]string{"refresh_token": refreshToken}
	var wire struct {
		Tokens TokenPair `json:"tokens"`
	}
	if err := c.Do(ctx, http.MethodPost, "/v1/auth/refresh", body, &wire, false); err != nil {
		return TokenPair{}, err
	}
	return wire.Tokens, nil
}

// Logout invalidates the server-side session. Best-effort: callers clear
// local state regardless of the result.
func (c *Client) Logout(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil, true)
}

// SendEmailCode requests a one-time login code for the given email.
func (c *Client) SendEmailCode(ctx context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return apperrors.New(apperrors.CodeValidation, "email is required")
	}
	body := map[string]string{"email": email}
	return c.Do(ctx, http.MethodPost, "/v1/auth/email-code", body, nil, false)
}

// RequestWalletChallenge obtains the nonce-bound message a wallet must sign.
func (c *Client) RequestWalletChallenge(ctx context.Context, address string) (WalletChallenge, error) {
	if strings.TrimSpace(address) == "" {
		return WalletChallenge{}, apperrors.New(apperrors.CodeValidation, "wallet address is required")
	}
	body := map[string]string{"address": address}
	var challenge WalletChallenge
	if err := c.Do(ctx, http.MethodPost, "/v1/auth/wallet-challenge", body, &challenge, false); err != nil {
		return WalletChallenge{}, err
	}
	return challenge, nil
}

// LinkAccount links an additional authentication method to the identity.
func (c *Client) LinkAccount(ctx context.Context, accountType, identifier, credential string) (IdentityGraph, error) {
	body := map[string]string{
		"type":       accountType,
		"identifier": identifier,
		"credential": credential,
	}
	var wire wireIdentityGraph
	if err := c.Do(ctx, http.MethodPost, "/v1/identity/accounts", body, &wire, true); err != nil {
		return IdentityGraph{}, err
	}
	return identityGraphToDomain(wire), nil
}

// UnlinkAccount removes a linked authentication method.
func (c *Client) UnlinkAccount(ctx context.Context, accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return apperrors.New(apperrors.CodeValidation, "account id is required")
	}
	return c.Do(ctx, http.MethodDelete, "/v1/identity/accounts/"+url.PathEscape(accountID), nil, nil, true)
}

// IdentityGraph fetches the authenticated identity's full account graph.
func (c *Client) IdentityGraph(ctx context.Context) (IdentityGraph, error) {
	var wire wireIdentityGraph
	if err := c.Do(ctx, http.MethodGet, "/v1/identity", nil, &wire, true); err != nil {
		return IdentityGraph{}, err
	}
	return identityGraphToDomain(wire), nil
}

// CreateProfile creates a new profile under the identity.
func (c *Client) CreateProfile(ctx context.Context, name string) (identity.Profile, error) {
	if err := identity.ValidateProfileName(name); err != nil {
		return identity.Profile{}, err
	}
	body := map[string]string{"name": name}
	var wire wireProfile
	if err := c.Do(ctx, http.MethodPost, "/v1/profiles", body, &wire, true); err != nil {
		return identity.Profile{}, err
	}
	return profileToDomain(wire), nil
}

// DeleteProfile deletes a profile by id.
func (c *Client) DeleteProfile(ctx context.Context, profileID string) error {
	if strings.TrimSpace(profileID) == "" {
		return apperrors.New(apperrors.CodeValidation, "profile id is required")
	}
	return c.Do(ctx, http.MethodDelete, "/v1/profiles/"+url.PathEscape(profileID), nil, nil, true)
}

// ActivateProfile marks the given profile active on the server.
func (c *Client) ActivateProfile(ctx context.Context, profileID string) error {
	if strings.TrimSpace(profileID) == "" {
		return apperrors.New(apperrors.CodeValidation, "profile id is required")
	}
	return c.Do(ctx, http.MethodPost, "/v1/profiles/"+url.PathEscape(profileID)+"/activate", nil, nil, true)
}

func identityGraphToDomain(w wireIdentityGraph) IdentityGraph {
	return IdentityGraph{
		Identity:        identityToDomain(w.Identity),
		Profiles:        profilesToDomain(w.Profiles),
		ActiveProfileID: w.ActiveProfileID,
	}
}
