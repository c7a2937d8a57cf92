package authn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lumenwallet/lumen-core/internal/api"
	"github.com/lumenwallet/lumen-core/internal/identity"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

type fakeBoundary struct {
	authCalls  int
	lastReq    api.AuthRequest
	resp       api.AuthResponse
	err        error
	sentCodes  []string
	challenges []string
}

func (f *fakeBoundary) Authenticate(_ context.Context, req api.AuthRequest) (api.AuthResponse, error) {
	f.authCalls++
	f.lastReq = req
	if f.err != nil {
		return api.AuthResponse{}, f.err
	}
	return f.resp, nil
}

func (f *fakeBoundary) SendEmailCode(_ context.Context, email string) error {
	f.sentCodes = append(f.sentCodes, email)
	return nil
}

func (f *fakeBoundary) RequestWalletChallenge(_ context.Context, address string) (api.WalletChallenge, error) {
	f.challenges = append(f.challenges, address)
	return api.WalletChallenge{Message: "sign me", Nonce: "nonce-1", Address: address}, nil
}

type fakeTokens struct {
	pairs []api.TokenPair
}

func (f *fakeTokens) SetCredentials(pair api.TokenPair) error {
	f.pairs = append(f.pairs, pair)
	return nil
}

type fakeSession struct {
	identity identity.Identity
	profiles []identity.Profile
	activeID string
	calls    int
}

func (f *fakeSession) SetAuthenticated(ident identity.Identity, profiles []identity.Profile, activeProfileID string) error {
	f.calls++
	f.identity = ident
	f.profiles = profiles
	f.activeID = activeProfileID
	return nil
}

func testDevice() api.Device {
	return api.Device{Platform: "ios", Model: "iPhone17,2", AppVersion: "2.4.0"}
}

func okResponse() api.AuthResponse {
	return api.AuthResponse{
		Tokens: api.TokenPair{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC),
		},
		Identity: identity.Identity{ID: "ident-1", Kind: identity.KindEmail},
		Profiles: []identity.Profile{
			{ID: "prof-1", Name: "Main", IsActive: true},
		},
		ActiveProfileID: "prof-1",
	}
}

func newTestNormalizer(boundary *fakeBoundary, tokens *fakeTokens, session *fakeSession) *Normalizer {
	return NewNormalizer(boundary, tokens, session, testDevice(),
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { return "fixed-guest-id" }),
	)
}

func TestAuthenticateEmailBuildsCanonicalRequest(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	tokens := &fakeTokens{}
	session := &fakeSession{}
	n := newTestNormalizer(boundary, tokens, session)

	outcome, err := n.Authenticate(context.Background(), EmailStrategy{
		Email: "  User@Example.COM ",
		Code:  "123456",
	}, Options{PrivacyMode: true})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if boundary.authCalls != 1 {
		t.Fatalf("auth calls = %d, want exactly 1", boundary.authCalls)
	}
	req := boundary.lastReq
	if req.Strategy != StrategyEmail {
		t.Fatalf("request strategy = %q, want %q", req.Strategy, StrategyEmail)
	}
	if req.Identifier != "user@example.com" {
		t.Fatalf("request identifier = %q, want normalized email", req.Identifier)
	}
	if req.Credential != "123456" {
		t.Fatalf("request credential = %q, want code", req.Credential)
	}
	if !req.PrivacyMode {
		t.Fatal("request privacyMode = false, want true")
	}
	if req.Device.Platform != "ios" {
		t.Fatalf("request device = %+v, want device metadata attached", req.Device)
	}

	if len(tokens.pairs) != 1 || tokens.pairs[0].AccessToken != "access-1" {
		t.Fatalf("credentials = %+v, want stored token pair", tokens.pairs)
	}
	if session.calls != 1 || session.activeID != "prof-1" {
		t.Fatalf("session update = %d calls active %q", session.calls, session.activeID)
	}
	if outcome.IsNewIdentity {
		t.Fatal("outcome.IsNewIdentity = true, want existing identity")
	}
	if outcome.ActiveProfileID != "prof-1" {
		t.Fatalf("outcome.ActiveProfileID = %q, want prof-1", outcome.ActiveProfileID)
	}
}

func TestAuthenticateEmailValidationFailsBeforeNetwork(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	cases := []struct {
		name     string
		strategy EmailStrategy
	}{
		{name: "missing email", strategy: EmailStrategy{Code: "123456"}},
		{name: "missing code", strategy: EmailStrategy{Email: "user@example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Authenticate(context.Background(), tc.strategy, Options{})
			if !apperrors.HasCode(err, apperrors.CodeValidation) {
				t.Fatalf("Authenticate() error = %v, want validation error", err)
			}
			if boundary.authCalls != 0 {
				t.Fatalf("auth calls = %d, want no network call", boundary.authCalls)
			}
		})
	}
}

func TestAuthenticateWalletShapesCredential(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	_, err := n.Authenticate(context.Background(), WalletStrategy{
		Address:   "0xabc123",
		Signature: "sig-bytes",
		Message:   "sign me nonce-1",
	}, Options{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	req := boundary.lastReq
	if req.Strategy != StrategyWallet || req.Identifier != "0xabc123" {
		t.Fatalf("request = %+v", req)
	}
	var credential struct {
		Signature string `json:"signature"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(req.Credential), &credential); err != nil {
		t.Fatalf("credential is not JSON: %v", err)
	}
	if credential.Signature != "sig-bytes" || credential.Message != "sign me nonce-1" {
		t.Fatalf("credential = %+v", credential)
	}
}

func TestAuthenticateWalletMissingSignatureFailsFast(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	_, err := n.Authenticate(context.Background(), WalletStrategy{
		Address: "0xabc123",
		Message: "sign me",
	}, Options{})
	if !apperrors.HasCode(err, apperrors.CodeMissingSignature) {
		t.Fatalf("Authenticate() error = %v, want missing signature", err)
	}
	if boundary.authCalls != 0 {
		t.Fatalf("auth calls = %d, want no network call", boundary.authCalls)
	}
}

func TestAuthenticateWalletMissingChallengeFailsFast(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	_, err := n.Authenticate(context.Background(), WalletStrategy{
		Address:   "0xabc123",
		Signature: "sig-bytes",
	}, Options{})
	if !apperrors.HasCode(err, apperrors.CodeMissingChallenge) {
		t.Fatalf("Authenticate() error = %v, want missing challenge", err)
	}
	if boundary.authCalls != 0 {
		t.Fatalf("auth calls = %d, want no network call", boundary.authCalls)
	}
}

func TestAuthenticateLegacyWalletLinkedWithoutProfileIsNewIdentity(t *testing.T) {
	resp := okResponse()
	resp.Linked = true
	resp.ActiveProfileID = ""
	resp.Profiles = nil
	boundary := &fakeBoundary{resp: resp}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	outcome, err := n.Authenticate(context.Background(), WalletStrategy{
		Address:   "0xabc123",
		Signature: "sig-bytes",
		Message:   "sign me",
	}, Options{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !outcome.IsNewIdentity {
		t.Fatal("outcome.IsNewIdentity = false, want legacy linked-without-profile treated as new")
	}
}

func TestAuthenticateSocial(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	_, err := n.Authenticate(context.Background(), SocialStrategy{
		Provider: " Google ",
		IDToken:  "id-token",
	}, Options{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if boundary.lastReq.Identifier != "google" {
		t.Fatalf("request identifier = %q, want lowercased provider", boundary.lastReq.Identifier)
	}
	if boundary.lastReq.Credential != "id-token" {
		t.Fatalf("request credential = %q", boundary.lastReq.Credential)
	}
}

func TestAuthenticatePasskeyCarriesRawAssertion(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	assertion := []byte(`{"id":"cred-1","response":{"signature":"s"}}`)
	_, err := n.Authenticate(context.Background(), PasskeyStrategy{AssertionJSON: assertion}, Options{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if boundary.lastReq.Strategy != StrategyPasskey {
		t.Fatalf("request strategy = %q", boundary.lastReq.Strategy)
	}
	if boundary.lastReq.Credential != string(assertion) {
		t.Fatalf("request credential = %q, want raw assertion", boundary.lastReq.Credential)
	}
}

func TestAuthenticatePasskeyRequiresAssertion(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	_, err := n.Authenticate(context.Background(), PasskeyStrategy{}, Options{})
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("Authenticate() error = %v, want validation error", err)
	}
	if boundary.authCalls != 0 {
		t.Fatalf("auth calls = %d, want no network call", boundary.authCalls)
	}
}

func TestAuthenticateGuestBypassesNetworkAndCredentials(t *testing.T) {
	boundary := &fakeBoundary{resp: okResponse()}
	tokens := &fakeTokens{}
	session := &fakeSession{}
	n := newTestNormalizer(boundary, tokens, session)

	outcome, err := n.Authenticate(context.Background(), GuestStrategy{}, Options{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if boundary.authCalls != 0 {
		t.Fatalf("auth calls = %d, want no network call", boundary.authCalls)
	}
	if len(tokens.pairs) != 0 {
		t.Fatalf("credentials = %+v, want none for guest", tokens.pairs)
	}
	if !outcome.Guest || !outcome.IsNewIdentity {
		t.Fatalf("outcome = %+v, want guest new identity", outcome)
	}
	if outcome.Identity.ID != "guest-fixed-guest-id" {
		t.Fatalf("guest id = %q", outcome.Identity.ID)
	}
	if !outcome.Identity.IsGuest() {
		t.Fatal("identity.IsGuest() = false")
	}
	if session.calls != 1 {
		t.Fatalf("session calls = %d, want 1", session.calls)
	}
}

func TestAuthenticateBoundaryErrorPropagates(t *testing.T) {
	boundary := &fakeBoundary{err: apperrors.New(apperrors.CodeInvalidCredentials, "wrong code")}
	tokens := &fakeTokens{}
	session := &fakeSession{}
	n := newTestNormalizer(boundary, tokens, session)

	_, err := n.Authenticate(context.Background(), EmailStrategy{Email: "user@example.com", Code: "000000"}, Options{})
	if !apperrors.HasCode(err, apperrors.CodeInvalidCredentials) {
		t.Fatalf("Authenticate() error = %v, want invalid credentials", err)
	}
	if len(tokens.pairs) != 0 || session.calls != 0 {
		t.Fatal("failed authentication must not touch credential or session state")
	}
}

func TestRequestEmailCodeNormalizes(t *testing.T) {
	boundary := &fakeBoundary{}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	if err := n.RequestEmailCode(context.Background(), " User@Example.com "); err != nil {
		t.Fatalf("RequestEmailCode() error = %v", err)
	}
	if len(boundary.sentCodes) != 1 || boundary.sentCodes[0] != "user@example.com" {
		t.Fatalf("sent codes = %v", boundary.sentCodes)
	}
}

func TestRequestWalletChallenge(t *testing.T) {
	boundary := &fakeBoundary{}
	n := newTestNormalizer(boundary, &fakeTokens{}, &fakeSession{})

	challenge, err := n.RequestWalletChallenge(context.Background(), "0xabc123")
	if err != nil {
		t.Fatalf("RequestWalletChallenge() error = %v", err)
	}
	if challenge.Nonce != "nonce-1" || challenge.Address != "0xabc123" {
		t.Fatalf("challenge = %+v", challenge)
	}
}
