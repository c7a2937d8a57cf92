// Package identity defines the durable account graph a user authenticates
// into: one Identity linking one or more Accounts, with many isolated
// Profiles underneath it.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// Kind describes how an identity was first established.
type Kind string

const (
	KindEmail   Kind = "email"
	KindWallet  Kind = "wallet"
	KindSocial  Kind = "social"
	KindPasskey Kind = "passkey"
	KindGuest   Kind = "guest"
)

// ParseKind validates a wire-format identity kind.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindEmail:
		return KindEmail, nil
	case KindWallet:
		return KindWallet, nil
	case KindSocial:
		return KindSocial, nil
	case KindPasskey:
		return KindPasskey, nil
	case KindGuest:
		return KindGuest, nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeValidation, "unknown identity kind", map[string]string{"kind": value})
}

// Account is one authentication method linked to an Identity.
type Account struct {
	ID         string
	Type       Kind
	Identifier string // email address, wallet address, or provider subject id
	Provider   string // set for social accounts only
	CreatedAt  time.Time
}

// Identity is the durable account graph for one authenticated user.
type Identity struct {
	ID             string
	Kind           Kind
	LinkedAccounts []Account
	CreatedAt      time.Time
}

// Account returns the linked account with the given id.
func (i Identity) Account(accountID string) (Account, bool) {
	for _, account := range i.LinkedAccounts {
		if account.ID == accountID {
			return account, true
		}
	}
	return Account{}, false
}

// IsGuest reports whether this is a local, non-persisted guest identity.
func (i Identity) IsGuest() bool {
	return i.Kind == KindGuest
}

// NewGuest synthesizes a local guest identity. Guest identities never touch
// the network and are not persisted into identity-scoped cache entries.
func NewGuest(now func() time.Time) Identity {
	if now == nil {
		now = time.Now
	}
	return NewGuestWithID("guest-"+uuid.NewString(), now())
}

// NewGuestWithID builds a guest identity with a caller-supplied id.
func NewGuestWithID(id string, createdAt time.Time) Identity {
	createdAt = createdAt.UTC()
	return Identity{
		ID:   id,
		Kind: KindGuest,
		LinkedAccounts: []Account{{
			ID:         id,
			Type:       KindGuest,
			Identifier: id,
			CreatedAt:  createdAt,
		}},
		CreatedAt: createdAt,
	}
}

// Profile is an isolated workspace/wallet context under one Identity.
type Profile struct {
	ID                  string
	Name                string
	IsActive            bool
	WalletAddress       string
	LinkedAccountsCount int
	AppsCount           int
}

// ValidateProfileName enforces canonical profile name constraints.
func ValidateProfileName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeValidation, "profile name is required")
	}
	if len(trimmed) > 64 {
		return apperrors.New(apperrors.CodeValidation, "profile name must be at most 64 characters")
	}
	return nil
}

// FindProfile returns the profile with the given id from a slice.
func FindProfile(profiles []Profile, profileID string) (Profile, bool) {
	for _, p := range profiles {
		if p.ID == profileID {
			return p, true
		}
	}
	return Profile{}, false
}

// ActiveProfile returns the profile currently flagged active, if any.
func ActiveProfile(profiles []Profile) (Profile, bool) {
	for _, p := range profiles {
		if p.IsActive {
			return p, true
		}
	}
	return Profile{}, false
}

// String returns a short description for logs.
func (p Profile) String() string {
	return fmt.Sprintf("profile %s (%s)", p.ID, p.Name)
}
