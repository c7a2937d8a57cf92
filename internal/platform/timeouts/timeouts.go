// Package timeouts defines shared timeout constants used across the session
// core. Centralizing these values prevents drift between components and
// makes the durations discoverable.
package timeouts

import "time"

// HTTPRequest caps the time allowed for a single request to the backend.
const HTTPRequest = 30 * time.Second

// RefreshWait bounds how long callers wait for an in-flight token refresh
// started by another caller.
const RefreshWait = 3 * time.Second

// WalletConnectWarn is when the outer wallet layer should surface a
// slow-connection warning.
const WalletConnectWarn = 15 * time.Second

// WalletConnectFail is when a wallet connection attempt is abandoned.
const WalletConnectFail = 30 * time.Second

// BackgroundLock is how long the app may stay backgrounded before the
// session locks and requires re-verification.
const BackgroundLock = 5 * time.Minute

// CacheJanitor is the interval between size/expiry sweeps of the cache.
const CacheJanitor = time.Hour

// OfflineSync is the default interval between background replay attempts
// of the offline queue.
const OfflineSync = 5 * time.Minute
