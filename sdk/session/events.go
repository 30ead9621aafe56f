package session

import (
	"encoding/json"
	"time"
)

// EventKind identifies the mutation a ChangeEvent describes.
type EventKind string

const (
	// EventTokensUpdated signals a new token set has been persisted.
	EventTokensUpdated EventKind = "tokens_updated"
	// EventTokensCleared signals both credential partitions were removed.
	EventTokensCleared EventKind = "tokens_cleared"
	// EventUserUpdated signals a new profile snapshot has been persisted.
	EventUserUpdated EventKind = "user_updated"
	// EventUserCleared signals the profile snapshot was removed.
	EventUserCleared EventKind = "user_cleared"
	// EventAuthCleared signals a full teardown of credentials and profile.
	EventAuthCleared EventKind = "auth_cleared"
)

// ChangeEvent is broadcast to every client process of the same profile
// whenever the credential store or the user snapshot mutates. Delivery is
// at-least-once; receivers must tolerate duplicates. Events are never
// persisted beyond delivery.
type ChangeEvent struct {
	Kind EventKind `json:"kind"`
	// Payload carries kind-specific data; for tokens_updated it includes the
	// absolute expiry so remote processes can re-arm their own schedulers.
	Payload map[string]any `json:"payload,omitempty"`
	// Timestamp is the publication time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Origin identifies the publishing client instance so a process can
	// recognize and skip events it emitted itself.
	Origin string `json:"origin,omitempty"`
}

// NewChangeEvent stamps an event with the current time and origin.
func NewChangeEvent(kind EventKind, origin string, payload map[string]any) ChangeEvent {
	return ChangeEvent{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Origin:    origin,
	}
}

// ClearsAuth reports whether the event forces the receiving process into the
// unauthenticated state.
func (e ChangeEvent) ClearsAuth() bool {
	return e.Kind == EventTokensCleared || e.Kind == EventAuthCleared
}

// Tokens reconstructs the token set carried by a tokens_updated payload.
// It returns nil when the payload holds no usable access credential.
func (e ChangeEvent) Tokens() *TokenSet {
	if e.Kind != EventTokensUpdated || e.Payload == nil {
		return nil
	}
	tokens := &TokenSet{}
	if v, ok := e.Payload["access_token"].(string); ok {
		tokens.AccessToken = v
	}
	if tokens.AccessToken == "" {
		return nil
	}
	if v, ok := e.Payload["refresh_token"].(string); ok {
		tokens.RefreshToken = v
	}
	if v, ok := e.Payload["token_type"].(string); ok {
		tokens.TokenType = v
	}
	switch v := e.Payload["expires_in"].(type) {
	case int64:
		tokens.ExpiresIn = v
	case float64:
		tokens.ExpiresIn = int64(v)
	}
	if v, ok := e.Payload["expires_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			tokens.ExpiresAt = ts
		}
	}
	return tokens
}

// User reconstructs the profile snapshot carried by a user_updated payload,
// or nil when the payload holds none.
func (e ChangeEvent) User() *User {
	if e.Kind != EventUserUpdated || e.Payload == nil {
		return nil
	}
	raw, err := json.Marshal(e.Payload["user"])
	if err != nil {
		return nil
	}
	user := &User{}
	if err = json.Unmarshal(raw, user); err != nil || user.ID == "" {
		return nil
	}
	return user
}
