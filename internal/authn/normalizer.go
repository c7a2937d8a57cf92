package authn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenwallet/lumen-core/internal/api"
	"github.com/lumenwallet/lumen-core/internal/identity"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// Boundary is the slice of the network client the normalizer dispatches to.
type Boundary interface {
	Authenticate(ctx context.Context, req api.AuthRequest) (api.AuthResponse, error)
	SendEmailCode(ctx context.Context, email string) error
	RequestWalletChallenge(ctx context.Context, address string) (api.WalletChallenge, error)
}

// CredentialSink receives the token pair of a successful authentication.
type CredentialSink interface {
	SetCredentials(pair api.TokenPair) error
}

// SessionSink receives the identity and profile state of a successful
// authentication.
type SessionSink interface {
	SetAuthenticated(ident identity.Identity, profiles []identity.Profile, activeProfileID string) error
}

// Outcome is the result of a normalized authentication.
type Outcome struct {
	Identity        identity.Identity
	Profiles        []identity.Profile
	ActiveProfileID string
	IsNewIdentity   bool
	// Guest marks a local-only session with no server credential.
	Guest bool
}

// Options adjust one authenticate call.
type Options struct {
	PrivacyMode bool
}

// Normalizer converts any supported strategy into exactly one canonical
// request, dispatches it, and applies the response to the credential and
// session sinks.
type Normalizer struct {
	boundary Boundary
	tokens   CredentialSink
	session  SessionSink
	device   api.Device
	clock    func() time.Time
	idGen    func() string
	log      zerolog.Logger
}

// NormalizerOption customizes a Normalizer.
type NormalizerOption func(*Normalizer)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) NormalizerOption {
	return func(n *Normalizer) { n.clock = clock }
}

// WithIDGenerator overrides guest id generation.
func WithIDGenerator(idGen func() string) NormalizerOption {
	return func(n *Normalizer) { n.idGen = idGen }
}

// WithLogger sets the normalizer logger.
func WithLogger(log zerolog.Logger) NormalizerOption {
	return func(n *Normalizer) { n.log = log }
}

// NewNormalizer creates a strategy normalizer. Device metadata is attached
// to every canonical request.
func NewNormalizer(boundary Boundary, tokens CredentialSink, session SessionSink, device api.Device, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		boundary: boundary,
		tokens:   tokens,
		session:  session,
		device:   device,
		clock:    func() time.Time { return time.Now().UTC() },
		idGen:    uuid.NewString,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Authenticate runs one strategy end to end: validate, build the canonical
// request, dispatch, store credentials, update session state. Validation
// failures return before any network call.
func (n *Normalizer) Authenticate(ctx context.Context, strategy Strategy, opts Options) (Outcome, error) {
	if strategy == nil {
		return Outcome{}, apperrors.New(apperrors.CodeValidation, "authentication strategy is required")
	}

	if _, ok := strategy.(GuestStrategy); ok {
		return n.authenticateGuest()
	}

	req, err := strategy.request()
	if err != nil {
		return Outcome{}, err
	}
	req.Device = n.device
	req.PrivacyMode = opts.PrivacyMode

	resp, err := n.boundary.Authenticate(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	outcome := interpret(resp)
	if err := n.tokens.SetCredentials(resp.Tokens); err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodeValidation, "store credentials", err)
	}
	if err := n.session.SetAuthenticated(outcome.Identity, outcome.Profiles, outcome.ActiveProfileID); err != nil {
		return Outcome{}, err
	}

	n.log.Info().
		Str("strategy", strategy.Name()).
		Bool("new_identity", outcome.IsNewIdentity).
		Msg("authenticated")
	return outcome, nil
}

// authenticateGuest synthesizes a local session: no network, no credential,
// nothing written to persistent identity caches.
func (n *Normalizer) authenticateGuest() (Outcome, error) {
	guest := identity.NewGuestWithID("guest-"+n.idGen(), n.clock())
	if err := n.session.SetAuthenticated(guest, nil, ""); err != nil {
		return Outcome{}, err
	}
	n.log.Info().Str("strategy", StrategyGuest).Msg("guest session created")
	return Outcome{Identity: guest, IsNewIdentity: true, Guest: true}, nil
}

// RequestEmailCode asks the server to send a one-time code. Unauthenticated.
func (n *Normalizer) RequestEmailCode(ctx context.Context, email string) error {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return apperrors.New(apperrors.CodeValidation, "email address is required")
	}
	return n.boundary.SendEmailCode(ctx, normalized)
}

// RequestWalletChallenge obtains the nonce-bound message a wallet must sign.
func (n *Normalizer) RequestWalletChallenge(ctx context.Context, address string) (api.WalletChallenge, error) {
	return n.boundary.RequestWalletChallenge(ctx, address)
}

// interpret classifies the canonical response. Legacy wallet responses
// report a linked wallet without a profile id; that combination routes to
// profile creation like a new identity.
func interpret(resp api.AuthResponse) Outcome {
	isNew := resp.IsNewIdentity
	if resp.Linked && resp.ActiveProfileID == "" {
		isNew = true
	}
	return Outcome{
		Identity:        resp.Identity,
		Profiles:        resp.Profiles,
		ActiveProfileID: resp.ActiveProfileID,
		IsNewIdentity:   isNew,
	}
}
