package api

import (
	"time"

	"github.com/lumenwallet/lumen-core/internal/identity"
)

// TokenPair carries the bearer credential returned by authenticate/refresh.
// ExpiresAt always comes from the server response, never from a local guess.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Device carries client metadata attached to every canonical auth request.
type Device struct {
	Platform   string `json:"platform"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// AuthRequest is the canonical authentication request every strategy
// normalizes into.
type AuthRequest struct {
	Strategy    string `json:"strategy"`
	Identifier  string `json:"identifier,omitempty"`
	Credential  string `json:"credential,omitempty"`
	Device      Device `json:"device"`
	PrivacyMode bool   `json:"privacy_mode"`
}

type wireAccount struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Identifier string    `json:"identifier"`
	Provider   string    `json:"provider,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type wireIdentity struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	LinkedAccounts []wireAccount `json:"linked_accounts"`
	CreatedAt      time.Time     `json:"created_at"`
}

type wireProfile struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	IsActive            bool   `json:"is_active"`
	WalletAddress       string `json:"wallet_address,omitempty"`
	LinkedAccountsCount int    `json:"linked_accounts_count"`
	AppsCount           int    `json:"apps_count"`
}

type wireAuthResponse struct {
	Tokens          TokenPair     `json:"tokens"`
	Identity        wireIdentity  `json:"identity"`
	Profiles        []wireProfile `json:"profiles"`
	ActiveProfileID string        `json:"active_profile_id"`
	IsNewIdentity   bool          `json:"is_new_identity"`
	Linked          bool          `json:"linked"`
}

// AuthResponse is the canonical authentication response.
type AuthResponse struct {
	Tokens          TokenPair
	Identity        identity.Identity
	Profiles        []identity.Profile
	ActiveProfileID string
	IsNewIdentity   bool
	// Linked is set by legacy wallet responses that report a linked wallet
	// without a profile id; callers treat that combination as a new identity.
	Linked bool
}

// WalletChallenge is a nonce-bound message the wallet must sign before the
// wallet strategy can authenticate.
type WalletChallenge struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce"`
	Address string `json:"address"`
}

// IdentityGraph is the full account graph for the authenticated identity.
type IdentityGraph struct {
	Identity        identity.Identity
	Profiles        []identity.Profile
	ActiveProfileID string
}

type wireIdentityGraph struct {
	Identity        wireIdentity  `json:"identity"`
	Profiles        []wireProfile `json:"profiles"`
	ActiveProfileID string        `json:"active_profile_id"`
}

func accountToDomain(w wireAccount) identity.Account {
	kind, err := identity.ParseKind(w.Type)
	if err != nil {
		kind = identity.Kind(w.Type)
	}
	return identity.Account{
		ID:         w.ID,
		Type:       kind,
		Identifier: w.Identifier,
		Provider:   w.Provider,
		CreatedAt:  w.CreatedAt,
	}
}

func identityToDomain(w wireIdentity) identity.Identity {
	kind, err := identity.ParseKind(w.Kind)
	if err != nil {
		kind = identity.KindEmail
	}
	out := identity.Identity{
		ID:        w.ID,
		Kind:      kind,
		CreatedAt: w.CreatedAt,
	}
	for _, account := range w.LinkedAccounts {
		out.LinkedAccounts = append(out.LinkedAccounts, accountToDomain(account))
	}
	return out
}

func profileToDomain(w wireProfile) identity.Profile {
	return identity.Profile{
		ID:                  w.ID,
		Name:                w.Name,
		IsActive:            w.IsActive,
		WalletAddress:       w.WalletAddress,
		LinkedAccountsCount: w.LinkedAccountsCount,
		AppsCount:           w.AppsCount,
	}
}

func profilesToDomain(ws []wireProfile) []identity.Profile {
	if len(ws) == 0 {
		return nil
	}
	out := make([]identity.Profile, 0, len(ws))
	for _, w := range ws {
		out = append(out, profileToDomain(w))
	}
	return out
}

func authResponseToDomain(w wireAuthResponse) AuthResponse {
	return AuthResponse{
		Tokens:          w.Tokens,
		Identity:        identityToDomain(w.Identity),
		Profiles:        profilesToDomain(w.Profiles),
		ActiveProfileID: w.ActiveProfileID,
		IsNewIdentity:   w.IsNewIdentity,
		Linked:          w.Linked,
	}
}
