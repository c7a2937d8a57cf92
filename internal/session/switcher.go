package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lumenwallet/lumen-core/internal/identity"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// Phase names the steps of a profile switch.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePreparing   Phase = "preparing"
	PhaseClearing    Phase = "clearingOldState"
	PhaseActivating  Phase = "activatingOnServer"
	PhaseLoading     Phase = "loadingNewState"
	PhaseFinalized   Phase = "finalized"
	PhaseRollingBack Phase = "rollingBack"
)

// Progress fractions reported at each phase boundary.
const (
	progressPreparing  = 0.2
	progressClearing   = 0.4
	progressActivating = 0.6
	progressLoading    = 0.8
	progressFinalized  = 1.0
)

// Activator marks a profile active on the server. *api.Client satisfies
// this.
type Activator interface {
	ActivateProfile(ctx context.Context, profileID string) error
}

// CacheControl is the slice of the cache engine the switcher needs:
// profile-scoped invalidation and persisting the committed snapshot.
type CacheControl interface {
	InvalidateProfileScoped(ctx context.Context) error
	StoreProfileSnapshot(ctx context.Context, profiles []identity.Profile, activeProfileID string) error
}

// Resource is a profile-scoped live resource (wallet connection, socket,
// profile service) that must be released before another profile activates.
type Resource interface {
	Close(ctx context.Context) error
}

// Switcher executes cancellable, rollback-capable transitions between
// active profiles. At most one switch runs at a time; starting a new one
// cancels the previous one cooperatively.
type Switcher struct {
	container *Container
	activator Activator
	cache     CacheControl
	loadState func(ctx context.Context, profileID string) error
	progress  func(fraction float64, phase Phase)
	log       zerolog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation uint64
	phase      Phase
	resources  map[string][]Resource
}

// SwitcherOption configures a Switcher.
type SwitcherOption func(*Switcher)

// WithStateLoader installs the hook that initializes profile-scoped state
// for the target profile during the loading phase.
func WithStateLoader(load func(ctx context.Context, profileID string) error) SwitcherOption {
	return func(s *Switcher) { s.loadState = load }
}

// WithProgress installs a progress observer. Progress is for UI feedback
// only; phase ordering and rollback carry the correctness guarantees.
func WithProgress(progress func(fraction float64, phase Phase)) SwitcherOption {
	return func(s *Switcher) { s.progress = progress }
}

// WithSwitcherLogger attaches a structured logger.
func WithSwitcherLogger(log zerolog.Logger) SwitcherOption {
	return func(s *Switcher) { s.log = log }
}

// NewSwitcher creates a profile switch coordinator.
func NewSwitcher(container *Container, activator Activator, cache CacheControl, opts ...SwitcherOption) *Switcher {
	s := &Switcher{
		container: container,
		activator: activator,
		cache:     cache,
		log:       zerolog.Nop(),
		phase:     PhaseIdle,
		resources: make(map[string][]Resource),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current switch phase.
func (s *Switcher) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RegisterResource associates a live resource with a profile so it can be
// torn down when that profile deactivates.
func (s *Switcher) RegisterResource(profileID string, resource Resource) {
	if resource == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[profileID] = append(s.resources[profileID], resource)
}

func (s *Switcher) setPhase(phase Phase, fraction float64) {
	s.mu.Lock()
	s.phase = phase
	progress := s.progress
	s.mu.Unlock()
	if progress != nil {
		progress(fraction, phase)
	}
}

// Switch transitions the active profile to target.
//
// A switch to the already-active profile is a no-op. A switch started
// while another is in flight cancels the older one; the older call returns
// a cancellation, not a failure. Failures after the clearing phase began
// trigger a best-effort server-side rollback to the previous profile;
// only a failed rollback surfaces as an unrecoverable error.
func (s *Switcher) Switch(ctx context.Context, targetID string) error {
	previous, hadPrevious := s.container.ActiveProfile()
	if hadPrevious && previous.ID == targetID {
		return nil
	}
	if _, ok := identity.FindProfile(s.container.Profiles(), targetID); !ok {
		return apperrors.New(apperrors.CodeProfileNotFound, "target profile not found")
	}

	switchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		// A new switch supersedes the in-flight one.
		s.cancel()
	}
	s.cancel = cancel
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	err := s.run(switchCtx, previous, hadPrevious, targetID)

	s.mu.Lock()
	if s.generation == generation {
		s.cancel = nil
	}
	s.mu.Unlock()
	cancel()
	return err
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeSwitchCancelled, "profile switch superseded or cancelled", err)
	}
	return nil
}

func (s *Switcher) run(ctx context.Context, previous identity.Profile, hadPrevious bool, targetID string) error {
	// Phase: preparing. Snapshot the old profile for rollback and prune
	// secondary resource registrations to only the old and new profiles.
	s.setPhase(PhasePreparing, progressPreparing)
	if err := cancelled(ctx); err != nil {
		s.setPhase(PhaseIdle, 0)
		return err
	}
	s.pruneResources(previous.ID, targetID)

	// Phase: clearing. Old-profile resources must be fully released before
	// the new profile activates; the ordering prevents cross-profile
	// leakage.
	s.setPhase(PhaseClearing, progressClearing)
	if hadPrevious {
		if err := s.teardownResources(ctx, previous.ID); err != nil {
			if cerr := cancelled(ctx); cerr != nil {
				s.setPhase(PhaseIdle, 0)
				return cerr
			}
			// Nothing changed remotely yet; the old profile stays active.
			s.setPhase(PhaseIdle, 0)
			return err
		}
	}
	if err := cancelled(ctx); err != nil {
		s.setPhase(PhaseIdle, 0)
		return err
	}

	// Phase: activating. From here on failures require rollback.
	s.setPhase(PhaseActivating, progressActivating)
	if err := s.activator.ActivateProfile(ctx, targetID); err != nil {
		return s.rollback(ctx, previous, hadPrevious, err)
	}

	// Phase: loading.
	s.setPhase(PhaseLoading, progressLoading)
	if s.loadState != nil {
		if err := s.loadState(ctx, targetID); err != nil {
			return s.rollback(ctx, previous, hadPrevious, err)
		}
	}

	// The cancellation flag is checked one last time before committing any
	// local side effects; a superseded switch must not finalize.
	if err := cancelled(ctx); err != nil {
		s.setPhase(PhaseIdle, 0)
		return err
	}

	// Phase: finalize. Commit locally, invalidate profile-scoped cache,
	// persist the committed snapshot, emit the profile-changed event.
	if err := s.container.commitActiveProfile(targetID); err != nil {
		return s.rollback(ctx, previous, hadPrevious, err)
	}
	if s.cache != nil {
		if err := s.cache.InvalidateProfileScoped(ctx); err != nil {
			s.log.Warn().Err(err).Msg("invalidate profile-scoped cache after switch")
		}
		if err := s.cache.StoreProfileSnapshot(ctx, s.container.Profiles(), targetID); err != nil {
			s.log.Warn().Err(err).Msg("persist profile snapshot after switch")
		}
	}
	s.setPhase(PhaseFinalized, progressFinalized)
	s.log.Info().Str("profile_id", targetID).Msg("profile switch finalized")

	s.setPhase(PhaseIdle, 0)
	return nil
}

// rollback re-activates the previously active profile on the server. The
// attempt is detached from the switch context so a cancelled switch can
// still restore the remote state it already disturbed.
func (s *Switcher) rollback(ctx context.Context, previous identity.Profile, hadPrevious bool, cause error) error {
	if cerr := cancelled(ctx); cerr != nil && !hadPrevious {
		s.setPhase(PhaseIdle, 0)
		return cerr
	}

	s.setPhase(PhaseRollingBack, progressActivating)
	if hadPrevious {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := s.activator.ActivateProfile(rollbackCtx, previous.ID); err != nil {
			s.log.Error().Err(err).Str("profile_id", previous.ID).Msg("profile switch rollback failed")
			s.container.SetError()
			s.setPhase(PhaseIdle, 0)
			return apperrors.Wrap(apperrors.CodeSwitchRollbackFailed, "rollback to previous profile failed", cause)
		}
		s.log.Warn().Err(cause).Str("profile_id", previous.ID).Msg("profile switch rolled back")
	}
	s.setPhase(PhaseIdle, 0)

	if cerr := cancelled(ctx); cerr != nil {
		return cerr
	}
	return cause
}

// pruneResources drops registrations for any profile other than the two
// involved in the switch.
func (s *Switcher) pruneResources(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for profileID := range s.resources {
		if profileID != oldID && profileID != newID {
			delete(s.resources, profileID)
		}
	}
}

// teardownResources closes all resources registered for a profile and
// waits for every teardown to complete.
func (s *Switcher) teardownResources(ctx context.Context, profileID string) error {
	s.mu.Lock()
	resources := s.resources[profileID]
	delete(s.resources, profileID)
	s.mu.Unlock()

	if len(resources) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, resource := range resources {
		resource := resource
		g.Go(func() error {
			return resource.Close(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return apperrors.Wrap(apperrors.CodeNetwork, "tear down profile resources", err)
	}
	return nil
}
