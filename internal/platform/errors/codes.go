// Package errors provides structured error handling for the session core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Transport errors
	CodeNetwork         Code = "NETWORK"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeServerError     Code = "SERVER_ERROR"
	CodeDecodingFailure Code = "DECODING_FAILURE"
	CodeValidation      Code = "VALIDATION"

	// Auth errors
	CodeInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeSessionExpired     Code = "AUTH_SESSION_EXPIRED"
	CodeMissingSignature   Code = "AUTH_WALLET_MISSING_SIGNATURE"
	CodeMissingChallenge   Code = "AUTH_WALLET_MISSING_CHALLENGE"

	// Identity/account errors
	CodeLastAccount     Code = "ACCOUNT_LAST_CANNOT_UNLINK"
	CodeAccountNotFound Code = "ACCOUNT_NOT_FOUND"

	// Profile errors
	CodeProfileNotFound      Code = "PROFILE_NOT_FOUND"
	CodeSwitchCancelled      Code = "PROFILE_SWITCH_CANCELLED"
	CodeSwitchRollbackFailed Code = "PROFILE_SWITCH_ROLLBACK_FAILED"

	// Session state errors
	CodeInvalidTransition Code = "SESSION_INVALID_TRANSITION"

	// Cache errors
	CodeCacheCorruption Code = "CACHE_CORRUPTION"
	CodeNoCachedData    Code = "CACHE_NO_DATA"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Offline errors
	CodeOffline Code = "OFFLINE"
)

// FromHTTPStatus classifies an HTTP response status into a transport code.
func FromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeUnauthorized
	case status >= 500:
		return CodeServerError
	default:
		return CodeUnknown
	}
}

// Retryable reports whether the caller may usefully retry the operation.
// Unauthorized is excluded since the token layer already owns its single
// refresh-and-retry.
func (c Code) Retryable() bool {
	switch c {
	case CodeNetwork, CodeServerError, CodeOffline:
		return true
	}
	return false
}
