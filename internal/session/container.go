package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenwallet/lumen-core/internal/identity"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// EventType names the session changes observers can subscribe to.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventProfileChanged  EventType = "profile_changed"
	EventIdentityUpdated EventType = "identity_updated"
)

// Event is published to subscribers on session changes.
type Event struct {
	Type          EventType
	State         State
	PreviousState State
	ProfileID     string
}

const subscriberBuffer = 16

// Container owns the Identity, Profiles, active profile, and SessionState.
// All mutation goes through its methods; observers receive events over
// buffered channels and slow observers drop events rather than blocking
// the core.
type Container struct {
	clock func() time.Time
	log   zerolog.Logger

	mu              sync.RWMutex
	state           State
	identity        identity.Identity
	hasIdentity     bool
	profiles        []identity.Profile
	activeProfileID string

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithContainerClock overrides the time source.
func WithContainerClock(clock func() time.Time) ContainerOption {
	return func(c *Container) { c.clock = clock }
}

// WithContainerLogger attaches a structured logger.
func WithContainerLogger(log zerolog.Logger) ContainerOption {
	return func(c *Container) { c.log = log }
}

// NewContainer creates a Container in the loading state.
func NewContainer(opts ...ContainerOption) *Container {
	c := &Container{
		clock: time.Now,
		log:   zerolog.Nop(),
		state: StateLoading,
		subs:  make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current session state.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Identity returns the active identity, if any.
func (c *Container) Identity() (identity.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.hasIdentity
}

// Profiles returns a copy of the known profiles.
func (c *Container) Profiles() []identity.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]identity.Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// ActiveProfile returns the currently active profile, if any.
func (c *Container) ActiveProfile() (identity.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.activeProfileID == "" {
		return identity.Profile{}, false
	}
	return identity.FindProfile(c.profiles, c.activeProfileID)
}

// ActiveProfileID returns the id of the active profile, or empty.
func (c *Container) ActiveProfileID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeProfileID
}

// Subscribe registers an observer. The returned cancel function must be
// called to release the subscription.
func (c *Container) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, subscriberBuffer)
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
	}
}

func (c *Container) publish(event Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than block the session core.
		}
	}
}

// setStateLocked transitions the state machine. Callers hold c.mu.
func (c *Container) setStateLocked(to State) error {
	from := c.state
	if !CanTransition(from, to) {
		return transitionError(from, to)
	}
	c.state = to
	if from != to {
		c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("session state changed")
	}
	return nil
}

// SetAuthenticated installs an identity and its profiles after a successful
// authentication or session restore. The resulting state is authenticated
// when an active profile can be determined, needsProfile otherwise.
func (c *Container) SetAuthenticated(ident identity.Identity, profiles []identity.Profile, activeProfileID string) error {
	c.mu.Lock()
	from := c.state

	target := StateNeedsProfile
	resolvedActive := ""
	if len(profiles) > 0 {
		resolvedActive = activeProfileID
		if resolvedActive == "" {
			if active, ok := identity.ActiveProfile(profiles); ok {
				resolvedActive = active.ID
			}
		}
		if _, ok := identity.FindProfile(profiles, resolvedActive); !ok {
			resolvedActive = ""
		}
		if resolvedActive != "" {
			target = StateAuthenticated
		}
	}

	if err := c.setStateLocked(target); err != nil {
		c.mu.Unlock()
		return err
	}

	c.identity = ident
	c.hasIdentity = true
	c.profiles = withActiveFlag(profiles, resolvedActive)
	c.activeProfileID = resolvedActive
	state := c.state
	c.mu.Unlock()

	c.publish(Event{Type: EventStateChanged, State: state, PreviousState: from})
	c.publish(Event{Type: EventIdentityUpdated, State: state, ProfileID: resolvedActive})
	return nil
}

// SetUnauthenticated clears all session data on logout or failed restore.
func (c *Container) SetUnauthenticated() error {
	c.mu.Lock()
	from := c.state
	if err := c.setStateLocked(StateUnauthenticated); err != nil {
		c.mu.Unlock()
		return err
	}
	c.identity = identity.Identity{}
	c.hasIdentity = false
	c.profiles = nil
	c.activeProfileID = ""
	c.mu.Unlock()

	c.publish(Event{Type: EventStateChanged, State: StateUnauthenticated, PreviousState: from})
	return nil
}

// SetError moves the session to the unrecoverable error state.
func (c *Container) SetError() {
	c.mu.Lock()
	from := c.state
	c.state = StateError
	c.mu.Unlock()

	c.publish(Event{Type: EventStateChanged, State: StateError, PreviousState: from})
}

// Lock transitions authenticated → locked when the app backgrounds past
// its timeout.
func (c *Container) Lock() error {
	c.mu.Lock()
	from := c.state
	if err := c.setStateLocked(StateLocked); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.publish(Event{Type: EventStateChanged, State: StateLocked, PreviousState: from})
	return nil
}

// Unlock transitions locked → authenticated after re-verification.
func (c *Container) Unlock() error {
	c.mu.Lock()
	from := c.state
	if from != StateLocked {
		c.mu.Unlock()
		return transitionError(from, StateAuthenticated)
	}
	if err := c.setStateLocked(StateAuthenticated); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.publish(Event{Type: EventStateChanged, State: StateAuthenticated, PreviousState: from})
	return nil
}

// RemoveAccount removes a linked account from the identity. Removing the
// last account is rejected: an identity must retain at least one.
func (c *Container) RemoveAccount(accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasIdentity {
		return apperrors.New(apperrors.CodeValidation, "no identity present")
	}
	if len(c.identity.LinkedAccounts) <= 1 {
		return apperrors.New(apperrors.CodeLastAccount, "the last linked account cannot be removed")
	}
	accounts := c.identity.LinkedAccounts
	for i, account := range accounts {
		if account.ID == accountID {
			c.identity.LinkedAccounts = append(accounts[:i:i], accounts[i+1:]...)
			return nil
		}
	}
	return apperrors.New(apperrors.CodeAccountNotFound, "account is not linked to this identity")
}

// ReplaceIdentity swaps the identity graph after an account link/unlink.
func (c *Container) ReplaceIdentity(ident identity.Identity) error {
	c.mu.Lock()
	if !c.hasIdentity {
		c.mu.Unlock()
		return apperrors.New(apperrors.CodeValidation, "no identity present")
	}
	c.identity = ident
	state := c.state
	active := c.activeProfileID
	c.mu.Unlock()

	c.publish(Event{Type: EventIdentityUpdated, State: state, ProfileID: active})
	return nil
}

// AddProfile appends a newly created profile. When it is the first profile
// the session leaves needsProfile and the new profile becomes active.
func (c *Container) AddProfile(profile identity.Profile) error {
	c.mu.Lock()
	from := c.state
	c.profiles = append(c.profiles, profile)
	becameActive := false
	if c.activeProfileID == "" {
		c.activeProfileID = profile.ID
		becameActive = true
		if err := c.setStateLocked(StateAuthenticated); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.profiles = withActiveFlag(c.profiles, c.activeProfileID)
	state := c.state
	c.mu.Unlock()

	if becameActive {
		c.publish(Event{Type: EventStateChanged, State: state, PreviousState: from})
		c.publish(Event{Type: EventProfileChanged, State: state, ProfileID: profile.ID})
	}
	return nil
}

// RemoveProfile removes a profile. If the active profile is removed the
// session re-selects the first remaining profile, or moves to needsProfile
// when none remain.
func (c *Container) RemoveProfile(profileID string) error {
	c.mu.Lock()
	found := false
	remaining := c.profiles[:0:0]
	for _, p := range c.profiles {
		if p.ID == profileID {
			found = true
			continue
		}
		remaining = append(remaining, p)
	}
	if !found {
		c.mu.Unlock()
		return apperrors.New(apperrors.CodeProfileNotFound, "profile not found")
	}

	from := c.state
	c.profiles = remaining
	reselected := ""
	if c.activeProfileID == profileID {
		if len(remaining) > 0 {
			reselected = remaining[0].ID
			c.activeProfileID = reselected
		} else {
			c.activeProfileID = ""
			if err := c.setStateLocked(StateNeedsProfile); err != nil {
				c.mu.Unlock()
				return err
			}
		}
	}
	c.profiles = withActiveFlag(c.profiles, c.activeProfileID)
	state := c.state
	c.mu.Unlock()

	if state != from {
		c.publish(Event{Type: EventStateChanged, State: state, PreviousState: from})
	}
	if reselected != "" {
		c.publish(Event{Type: EventProfileChanged, State: state, ProfileID: reselected})
	}
	return nil
}

// commitActiveProfile finalizes a profile switch: the target becomes the
// single active profile and the session recommits to authenticated.
func (c *Container) commitActiveProfile(profileID string) error {
	c.mu.Lock()
	if _, ok := identity.FindProfile(c.profiles, profileID); !ok {
		c.mu.Unlock()
		return apperrors.New(apperrors.CodeProfileNotFound, "profile not found")
	}
	from := c.state
	if err := c.setStateLocked(StateAuthenticated); err != nil {
		c.mu.Unlock()
		return err
	}
	c.activeProfileID = profileID
	c.profiles = withActiveFlag(c.profiles, profileID)
	state := c.state
	c.mu.Unlock()

	if state != from {
		c.publish(Event{Type: EventStateChanged, State: state, PreviousState: from})
	}
	c.publish(Event{Type: EventProfileChanged, State: state, ProfileID: profileID})
	return nil
}

// withActiveFlag returns profiles with IsActive set only on activeID.
func withActiveFlag(profiles []identity.Profile, activeID string) []identity.Profile {
	out := make([]identity.Profile, len(profiles))
	for i, p := range profiles {
		p.IsActive = p.ID == activeID
		out[i] = p
	}
	return out
}
