package session

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateLoading, StateUnauthenticated, true},
		{StateLoading, StateAuthenticated, true},
		{StateLoading, StateNeedsProfile, true},
		{StateAuthenticated, StateLocked, true},
		{StateLocked, StateAuthenticated, true},
		{StateAuthenticated, StateUnauthenticated, true},
		{StateNeedsProfile, StateUnauthenticated, true},
		{StateError, StateUnauthenticated, true},
		{StateLocked, StateUnauthenticated, true},
		{StateUnauthenticated, StateAuthenticated, true},
		{StateNeedsProfile, StateAuthenticated, true},
		{StateLocked, StateNeedsProfile, false},
		{StateUnauthenticated, StateLocked, false},
		{StateError, StateAuthenticated, false},
		// Any state may fail, and self transitions are no-ops.
		{StateNeedsProfile, StateError, true},
		{StateAuthenticated, StateAuthenticated, true},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}
