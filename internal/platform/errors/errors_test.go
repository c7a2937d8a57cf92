package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeUnauthorized, "token rejected")
	target := New(CodeUnauthorized, "different message")

	if !errors.Is(err, target) {
		t.Fatal("expected errors with equal codes to match")
	}
	if errors.Is(err, New(CodeNetwork, "token rejected")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeNetwork, "request failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if err.Error() != "request failed" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestCodeOfTraversesChain(t *testing.T) {
	inner := New(CodeCacheCorruption, "checksum mismatch")
	outer := fmt.Errorf("retrieve entry: %w", inner)

	if got := CodeOf(outer); got != CodeCacheCorruption {
		t.Fatalf("expected cache corruption code, got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected unknown code, got %s", got)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("expected unknown code for nil, got %s", got)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Code
	}{
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusForbidden, CodeUnauthorized},
		{http.StatusInternalServerError, CodeServerError},
		{http.StatusBadGateway, CodeServerError},
		{http.StatusNotFound, CodeUnknown},
	}
	for _, tc := range tests {
		if got := FromHTTPStatus(tc.status); got != tc.want {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.want, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !CodeNetwork.Retryable() {
		t.Fatal("expected network errors to be retryable")
	}
	if CodeUnauthorized.Retryable() {
		t.Fatal("expected unauthorized not to be retryable")
	}
	if CodeValidation.Retryable() {
		t.Fatal("expected validation not to be retryable")
	}
}
