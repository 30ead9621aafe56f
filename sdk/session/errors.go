package session

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError wraps a transport failure or an unexpected backend status.
// It is retryable at the caller's discretion.
type NetworkError struct {
	// Op names the operation that failed, e.g. "login" or "refresh".
	Op string
	// StatusCode is the HTTP status when a response was received, 0 otherwise.
	StatusCode int
	// Body holds a snippet of the response body for diagnostics.
	Body string
	// Err is the underlying transport error, if any.
	Err error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("auth %s: request failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidCredentialsError is terminal for the attempt and user-correctable.
type InvalidCredentialsError struct {
	Reason string
}

func (e *InvalidCredentialsError) Error() string {
	if e.Reason == "" {
		return "auth: invalid credentials"
	}
	return fmt.Sprintf("auth: invalid credentials: %s", e.Reason)
}

// InvalidOAuthStateError indicates an OAuth callback whose state nonce is
// unknown, expired, consumed, or bound to a different provider. It is treated
// as CSRF suspicion: always terminal, never retried automatically, and never
// forwarded to the backend.
type InvalidOAuthStateError struct {
	State  string
	Reason string
}

func (e *InvalidOAuthStateError) Error() string {
	return fmt.Sprintf("oauth: invalid state: %s", e.Reason)
}

// OAuthProviderError surfaces an upstream denial verbatim.
type OAuthProviderError struct {
	Provider    string
	Code        string
	Description string
}

func (e *OAuthProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth %s: provider error %s: %s", e.Provider, e.Code, e.Description)
	}
	return fmt.Sprintf("oauth %s: provider error %s", e.Provider, e.Code)
}

// OAuthTimeoutError reports that the login surface exceeded its bounded
// lifetime and was force-closed.
type OAuthTimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *OAuthTimeoutError) Error() string {
	return fmt.Sprintf("oauth %s: timed out after %s waiting for callback", e.Provider, e.Timeout)
}

// RefreshFailedError marks a refresh the session cannot recover from; the
// orchestrator responds with a forced local logout.
type RefreshFailedError struct {
	Err error
}

func (e *RefreshFailedError) Error() string {
	if e.Err == nil {
		return "auth refresh: refresh failed"
	}
	return fmt.Sprintf("auth refresh: %v", e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

// PopupBlockedError reports that the local login surface could not be
// acquired: the callback port is busy or no browser can be opened. It is
// user-actionable and scoped to the single attempt.
type PopupBlockedError struct {
	Reason string
}

func (e *PopupBlockedError) Error() string {
	return fmt.Sprintf("oauth: login window blocked: %s", e.Reason)
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsInvalidCredentials reports whether err is (or wraps) an
// InvalidCredentialsError.
func IsInvalidCredentials(err error) bool {
	var target *InvalidCredentialsError
	return errors.As(err, &target)
}

// IsInvalidOAuthState reports whether err is (or wraps) an
// InvalidOAuthStateError.
func IsInvalidOAuthState(err error) bool {
	var target *InvalidOAuthStateError
	return errors.As(err, &target)
}

// IsRefreshFailed reports whether err is (or wraps) a RefreshFailedError.
func IsRefreshFailed(err error) bool {
	var target *RefreshFailedError
	return errors.As(err, &target)
}
