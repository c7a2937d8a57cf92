// Package authn normalizes the supported authentication strategies into one
// canonical request shape and interprets the canonical response.
package authn

import (
	"encoding/json"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/lumenwallet/lumen-core/internal/api"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// Strategy names carried on the canonical request wire.
const (
	StrategyEmail   = "email"
	StrategyWallet  = "wallet"
	StrategySocial  = "social"
	StrategyPasskey = "passkey"
	StrategyGuest   = "guest"
)

// Strategy is one way to prove who the user is. Each implementation
// validates its own inputs and shapes them into the canonical request;
// validation failures never reach the network.
type Strategy interface {
	Name() string
	// request builds the canonical auth request. Device metadata and
	// privacy mode are filled in by the normalizer.
	request() (api.AuthRequest, error)
}

// EmailStrategy authenticates with a one-time code sent to an address.
type EmailStrategy struct {
	Email string
	Code  string
}

// Name implements Strategy.
func (EmailStrategy) Name() string { return StrategyEmail }

func (s EmailStrategy) request() (api.AuthRequest, error) {
	email := NormalizeEmail(s.Email)
	if email == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "email address is required")
	}
	code := strings.TrimSpace(s.Code)
	if code == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "verification code is required")
	}
	return api.AuthRequest{
		Strategy:   StrategyEmail,
		Identifier: email,
		Credential: code,
	}, nil
}

// WalletStrategy authenticates with a signature over a server-issued
// challenge message. The signature is never verified locally, only shaped
// into the canonical payload.
type WalletStrategy struct {
	Address   string
	Signature string
	// Message is the nonce-bound challenge previously obtained from the
	// server.
	Message string
}

// Name implements Strategy.
func (WalletStrategy) Name() string { return StrategyWallet }

// walletCredential is the credential payload for the wallet strategy.
type walletCredential struct {
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

func (s WalletStrategy) request() (api.AuthRequest, error) {
	address := strings.TrimSpace(s.Address)
	if address == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "wallet address is required")
	}
	if strings.TrimSpace(s.Signature) == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeMissingSignature, "wallet signature is required")
	}
	if strings.TrimSpace(s.Message) == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeMissingChallenge, "signed challenge message is required")
	}

	credential, err := json.Marshal(walletCredential{Signature: s.Signature, Message: s.Message})
	if err != nil {
		return api.AuthRequest{}, apperrors.Wrap(apperrors.CodeValidation, "encode wallet credential", err)
	}
	return api.AuthRequest{
		Strategy:   StrategyWallet,
		Identifier: address,
		Credential: string(credential),
	}, nil
}

// SocialStrategy authenticates with a federated provider's id token.
type SocialStrategy struct {
	Provider string
	IDToken  string
}

// Name implements Strategy.
func (SocialStrategy) Name() string { return StrategySocial }

func (s SocialStrategy) request() (api.AuthRequest, error) {
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	if provider == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "social provider is required")
	}
	if strings.TrimSpace(s.IDToken) == "" {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "provider id token is required")
	}
	return api.AuthRequest{
		Strategy:   StrategySocial,
		Identifier: provider,
		Credential: s.IDToken,
	}, nil
}

// PasskeyStrategy authenticates with a WebAuthn assertion. Either the
// parsed assertion or the raw client JSON may be supplied.
type PasskeyStrategy struct {
	Assertion     *protocol.ParsedCredentialAssertionData
	AssertionJSON []byte
}

// Name implements Strategy.
func (PasskeyStrategy) Name() string { return StrategyPasskey }

func (s PasskeyStrategy) request() (api.AuthRequest, error) {
	raw := s.AssertionJSON
	if len(raw) == 0 && s.Assertion != nil {
		encoded, err := json.Marshal(s.Assertion.Raw)
		if err != nil {
			return api.AuthRequest{}, apperrors.Wrap(apperrors.CodeValidation, "encode passkey assertion", err)
		}
		raw = encoded
	}
	if len(raw) == 0 {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "passkey assertion is required")
	}
	if !json.Valid(raw) {
		return api.AuthRequest{}, apperrors.New(apperrors.CodeValidation, "passkey assertion is not valid JSON")
	}
	return api.AuthRequest{
		Strategy:   StrategyPasskey,
		Credential: string(raw),
	}, nil
}

// GuestStrategy creates a local, non-persisted session with no network
// round trip.
type GuestStrategy struct{}

// Name implements Strategy.
func (GuestStrategy) Name() string { return StrategyGuest }

func (GuestStrategy) request() (api.AuthRequest, error) {
	return api.AuthRequest{Strategy: StrategyGuest}, nil
}

// NormalizeEmail lowercases and trims an email address so the same mailbox
// always maps to the same identifier.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
