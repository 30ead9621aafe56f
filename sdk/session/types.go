// Package session defines the shared session model used across the authkit
// SDK: the token set, the user profile snapshot, the session status machine,
// the cross-process change events, and the closed set of typed auth errors.
// It deliberately has no dependencies on the rest of the SDK so that every
// component can exchange these values without import cycles.
package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// Status describes the lifecycle state of a client session.
type Status string

const (
	// StatusUnauthenticated is the initial state and the state after logout,
	// expiry, or refresh failure.
	StatusUnauthenticated Status = "unauthenticated"
	// StatusAuthenticating is entered while a login, register, OAuth exchange,
	// or bootstrap network call is outstanding.
	StatusAuthenticating Status = "authenticating"
	// StatusAuthenticated means tokens and user are present and unexpired.
	StatusAuthenticated Status = "authenticated"
	// StatusRefreshing is entered while a credential refresh is in flight.
	StatusRefreshing Status = "refreshing"
	// StatusError is terminal for the current attempt only; a subsequent
	// operation re-enters StatusAuthenticating.
	StatusError Status = "error"
)

// TokenSet carries the short-lived access credential and the optional
// longer-lived refresh credential issued by the backend.
//
// ExpiresAt is derived exactly once when the token set is persisted
// (issuance time plus ExpiresIn) and is the single source of truth for
// refresh scheduling; it is never recomputed from ExpiresIn afterwards.
type TokenSet struct {
	// AccessToken is the bearer token authorizing API calls.
	AccessToken string `json:"access_token"`
	// RefreshToken is exchanged for a new access token when present.
	RefreshToken string `json:"refresh_token,omitempty"`
	// TokenType is the scheme reported by the backend, normally "bearer".
	TokenType string `json:"token_type"`
	// ExpiresIn is the issued lifetime in seconds as reported by the backend.
	ExpiresIn int64 `json:"expires_in"`
	// ExpiresAt is the absolute expiry timestamp derived at issuance.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the access credential is past its absolute expiry.
// A zero ExpiresAt counts as expired.
func (t *TokenSet) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return t.ExpiresAt.IsZero() || !t.ExpiresAt.After(now)
}

// Clone returns a copy so callers can hand token sets across goroutines
// without sharing mutable state.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	copyTokens := *t
	return &copyTokens
}

// User is the opaque profile snapshot owned by the orchestrator. Common
// fields are extracted for convenience; the full backend payload is retained
// in Raw. A User value is replaced wholesale on update, never mutated.
type User struct {
	ID    string
	Email string
	Name  string
	Roles []string
	// Raw holds the complete profile record exactly as the backend sent it.
	Raw map[string]any
}

// UnmarshalJSON keeps the raw payload intact while extracting the handful of
// fields the SDK itself needs. Unknown shapes never fail the decode.
func (u *User) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Raw = raw
	u.ID = stringField(raw, "id")
	u.Email = stringField(raw, "email")
	u.Name = stringField(raw, "name")
	u.Roles = nil
	if roles, ok := raw["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok1 := r.(string); ok1 && s != "" {
				u.Roles = append(u.Roles, s)
			}
		}
	}
	return nil
}

// MarshalJSON re-emits the raw payload when present so round-tripping a
// profile through storage loses nothing the backend sent.
func (u *User) MarshalJSON() ([]byte, error) {
	if u.Raw != nil {
		return json.Marshal(u.Raw)
	}
	type plain struct {
		ID    string   `json:"id,omitempty"`
		Email string   `json:"email,omitempty"`
		Name  string   `json:"name,omitempty"`
		Roles []string `json:"roles,omitempty"`
	}
	return json.Marshal(plain{ID: u.ID, Email: u.Email, Name: u.Name, Roles: u.Roles})
}

// Clone deep copies the snapshot, duplicating the raw map and roles slice.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	copyUser := *u
	if len(u.Roles) > 0 {
		copyUser.Roles = append([]string(nil), u.Roles...)
	}
	if len(u.Raw) > 0 {
		copyUser.Raw = make(map[string]any, len(u.Raw))
		for k, v := range u.Raw {
			copyUser.Raw[k] = v
		}
	}
	return &copyUser
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Session is the authoritative client-side view of authentication. The
// orchestrator is its only writer; everyone else receives snapshots.
type Session struct {
	Status Status
	User   *User
	Tokens *TokenSet
	// Err records the failure of the most recent attempt for passive
	// observers. It is cleared when a new attempt starts.
	Err error
}

// Valid reports whether the session is fully authenticated: status
// authenticated with tokens and user present and an access credential that
// has not expired.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Status != StatusAuthenticated {
		return false
	}
	return s.Tokens != nil && s.User != nil && !s.Tokens.Expired(now)
}

// Clone deep copies the session so notification payloads cannot leak the
// orchestrator's internal state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	return &Session{
		Status: s.Status,
		User:   s.User.Clone(),
		Tokens: s.Tokens.Clone(),
		Err:    s.Err,
	}
}
