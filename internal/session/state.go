// Package session holds the authenticated identity, its profiles, and the
// session state machine, and coordinates profile switches.
package session

import (
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// State is the single gating value for the whole session.
type State string

const (
	StateLoading         State = "loading"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateNeedsProfile    State = "needsProfile"
	StateLocked          State = "locked"
	StateError           State = "error"
)

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// validTransitions enumerates the legal state machine edges. Any state may
// move to error; self transitions are allowed (profile switches recommit
// authenticated).
var validTransitions = map[State][]State{
	StateLoading:         {StateUnauthenticated, StateAuthenticated, StateNeedsProfile},
	StateUnauthenticated: {StateLoading, StateAuthenticated, StateNeedsProfile},
	StateAuthenticated:   {StateLocked, StateNeedsProfile, StateUnauthenticated},
	StateNeedsProfile:    {StateAuthenticated, StateUnauthenticated},
	StateLocked:          {StateAuthenticated, StateUnauthenticated},
	StateError:           {StateUnauthenticated, StateLoading},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if from == to || to == StateError {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "invalid session state transition", map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
}
