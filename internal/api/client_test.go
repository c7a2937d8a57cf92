package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  "); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestDoSendsBearerToken(t *testing.T) {
	var gotAuth, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetBearerToken("token-123")

	if err := client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, true); err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotRequestID == "" {
		t.Fatal("expected a request id header")
	}
}

func TestDoRetriesOnceAfterUnauthorized(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			t.Errorf("expected refreshed token on retry, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetBearerToken("stale")

	var refreshes atomic.Int32
	client.SetRefreshHandler(func(ctx context.Context) error {
		refreshes.Add(1)
		client.SetBearerToken("fresh")
		return nil
	})

	if err := client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, true); err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", calls.Load())
	}
	if refreshes.Load() != 1 {
		t.Fatalf("expected 1 refresh, got %d", refreshes.Load())
	}
}

func TestDoSecondUnauthorizedSurfaces(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetRefreshHandler(func(ctx context.Context) error { return nil })

	var expired atomic.Int32
	client.SetSessionExpiredHandler(func() { expired.Add(1) })

	err = client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, true)
	if !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 requests (no retry loop), got %d", calls.Load())
	}
	if expired.Load() == 0 {
		t.Fatal("expected session-expired notification")
	}
}

func TestDoTransientRefreshFailureKeepsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetRefreshHandler(func(ctx context.Context) error {
		return apperrors.New(apperrors.CodeNetwork, "refresh endpoint unreachable")
	})

	var expired atomic.Int32
	client.SetSessionExpiredHandler(func() { expired.Add(1) })

	err = client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, true)
	if !apperrors.HasCode(err, apperrors.CodeNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if expired.Load() != 0 {
		t.Fatalf("expected no session-expired notification, got %d", expired.Load())
	}
}

func TestDoRejectedRefreshEndsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetRefreshHandler(func(ctx context.Context) error {
		return apperrors.New(apperrors.CodeSessionExpired, "refresh token rejected")
	})

	var expired atomic.Int32
	client.SetSessionExpiredHandler(func() { expired.Add(1) })

	err = client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, true)
	if !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if expired.Load() != 1 {
		t.Fatalf("expected 1 session-expired notification, got %d", expired.Load())
	}
}

func TestDoUnauthenticatedCallsSkipRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var refreshes atomic.Int32
	client.SetRefreshHandler(func(ctx context.Context) error {
		refreshes.Add(1)
		return nil
	})

	err = client.Do(context.Background(), http.MethodPost, "/v1/auth/refresh", nil, nil, false)
	if !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if refreshes.Load() != 0 {
		t.Fatal("expected no refresh for unauthenticated calls")
	}
}

func TestDoServerErrorPassesMessageThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "MAINTENANCE", "message": "service temporarily down"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, false)
	if !apperrors.HasCode(err, apperrors.CodeServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if err.Error() != "service temporarily down" {
		t.Fatalf("expected structured message passthrough, got %q", err.Error())
	}
}

func TestDoMalformedBodyIsDecodingFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var out map[string]any
	err = client.Do(context.Background(), http.MethodGet, "/v1/test", nil, &out, false)
	if !apperrors.HasCode(err, apperrors.CodeDecodingFailure) {
		t.Fatalf("expected decoding failure, got %v", err)
	}
}

func TestDoconnectivityFailureIsNetwork(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Do(context.Background(), http.MethodGet, "/v1/test", nil, nil, false)
	if !apperrors.HasCode(err, apperrors.CodeNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestAuthenticateDecodesCanonicalResponse(t *testing.T) {
	expiry := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode auth request: %v", err)
		}
		if req.Strategy != "email" || req.Identifier != "a@x.com" || req.Credential != "123456" {
			t.Errorf("unexpected canonical request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tokens": map[string]any{
				"access_token":  "at",
				"refresh_token": "rt",
				"expires_at":    expiry,
			},
			"identity": map[string]any{
				"id":   "id-1",
				"kind": "email",
				"linked_accounts": []map[string]any{
					{"id": "acc-1", "type": "email", "identifier": "a@x.com"},
				},
			},
			"profiles": []map[string]any{
				{"id": "p1", "name": "Main", "is_active": true},
			},
			"active_profile_id": "p1",
			"is_new_identity":   false,
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Authenticate(context.Background(), AuthRequest{
		Strategy:   "email",
		Identifier: "a@x.com",
		Credential: "123456",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if resp.Tokens.AccessToken != "at" || !resp.Tokens.ExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected tokens: %+v", resp.Tokens)
	}
	if resp.Identity.ID != "id-1" || len(resp.Identity.LinkedAccounts) != 1 {
		t.Fatalf("unexpected identity: %+v", resp.Identity)
	}
	if len(resp.Profiles) != 1 || resp.ActiveProfileID != "p1" {
		t.Fatalf("unexpected profiles: %+v", resp.Profiles)
	}
}

func TestRefreshRequiresToken(t *testing.T) {
	client, err := NewClient("http://localhost")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Refresh(context.Background(), " "); err == nil {
		t.Fatal("expected validation error")
	}
}
