// Package credstore persists the session credentials across two partitions:
// a volatile per-process directory for the access credential and profile
// snapshot (a fresh process never inherits another process's access token),
// and the shared durable directory for the refresh credential only.
//
// The store exclusively owns the persisted bytes. Corrupt records are logged,
// purged, and reported as absent rather than surfaced as errors.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tidegate/authkit/sdk/session"
)

// Partition file names. RefreshFile is exported so the composition root can
// ask the sync bus to watch it for out-of-band deletion.
const (
	RefreshFile = "refresh.json"
	accessFile  = "access.json"
	userFile    = "user.json"
)

// Publisher receives a change event after the mutation it describes has been
// durably persisted.
type Publisher interface {
	Publish(ev session.ChangeEvent)
}

type refreshRecord struct {
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the credential store for one client instance. Create it with New
// and release the volatile partition with Destroy.
type Store struct {
	mu          sync.Mutex
	durableDir  string
	volatileDir string
	bus         Publisher
}

// New creates a store rooted at the shared durable directory and provisions a
// fresh volatile partition for this process.
func New(durableDir string, bus Publisher) (*Store, error) {
	if strings.TrimSpace(durableDir) == "" {
		return nil, fmt.Errorf("credstore: durable directory is empty")
	}
	if err := os.MkdirAll(durableDir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create durable dir failed: %w", err)
	}
	volatileDir, err := os.MkdirTemp("", "authkit-session-")
	if err != nil {
		return nil, fmt.Errorf("credstore: create volatile dir failed: %w", err)
	}
	return &Store{
		durableDir:  durableDir,
		volatileDir: volatileDir,
		bus:         bus,
	}, nil
}

// VolatileDir exposes the per-process partition path, mainly for logging.
func (s *Store) VolatileDir() string { return s.volatileDir }

// Save persists the token set: access credential into the volatile partition,
// refresh credential (when present) into the durable partition. The absolute
// expiry is derived here exactly once — `now + expires_in` — and is never
// recomputed on later reads. Emits tokens_updated after both writes land.
func (s *Store) Save(tokens *session.TokenSet) (*session.TokenSet, error) {
	if tokens == nil || strings.TrimSpace(tokens.AccessToken) == "" {
		return nil, fmt.Errorf("credstore: token set is empty")
	}

	stored := tokens.Clone()
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = time.Now().Add(time.Duration(stored.ExpiresIn) * time.Second)
	}
	if strings.TrimSpace(stored.TokenType) == "" {
		stored.TokenType = "bearer"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	access := stored.Clone()
	access.RefreshToken = ""
	if err := writeJSONFile(filepath.Join(s.volatileDir, accessFile), access); err != nil {
		return nil, fmt.Errorf("credstore: write access credential failed: %w", err)
	}

	if strings.TrimSpace(stored.RefreshToken) != "" {
		record := refreshRecord{RefreshToken: stored.RefreshToken, UpdatedAt: time.Now().UTC()}
		if err := writeJSONFile(filepath.Join(s.durableDir, RefreshFile), record); err != nil {
			return nil, fmt.Errorf("credstore: write refresh credential failed: %w", err)
		}
	} else if existing := s.loadRefreshLocked(); existing != "" {
		// Refresh responses may rotate only the access credential; keep the
		// durable refresh token we already hold.
		stored.RefreshToken = existing
	}

	s.publish(session.EventTokensUpdated, tokenPayload(stored))
	return stored.Clone(), nil
}

// Load reconstructs the token set from both partitions. It returns nil when
// the volatile partition holds no access credential, even if a refresh
// credential exists in the durable partition.
func (s *Store) Load() *session.TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := &session.TokenSet{}
	if !s.readJSONFileLocked(filepath.Join(s.volatileDir, accessFile), tokens) {
		return nil
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return nil
	}
	tokens.RefreshToken = s.loadRefreshLocked()
	return tokens
}

// RefreshToken returns the durable refresh credential, or "" when none is
// stored. Unlike Load it does not require an access credential.
func (s *Store) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRefreshLocked()
}

// Clear removes both credential partitions and emits tokens_cleared.
func (s *Store) Clear() {
	s.mu.Lock()
	s.removeLocked(filepath.Join(s.volatileDir, accessFile))
	s.removeLocked(filepath.Join(s.durableDir, RefreshFile))
	s.mu.Unlock()
	s.publish(session.EventTokensCleared, nil)
}

// Adopt installs a token set announced by a sibling process. Only the
// volatile access credential is written; the sibling already performed the
// durable write, and no event is re-emitted.
func (s *Store) Adopt(tokens *session.TokenSet) {
	if tokens == nil || strings.TrimSpace(tokens.AccessToken) == "" {
		return
	}
	access := tokens.Clone()
	access.RefreshToken = ""
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONFile(filepath.Join(s.volatileDir, accessFile), access); err != nil {
		log.Warnf("adopt access credential failed: %v", err)
	}
}

// AdoptUser installs a profile snapshot learned from a sibling's event (or
// fetched while adopting its credentials) without re-announcing it.
func (s *Store) AdoptUser(user *session.User) {
	if user == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONFile(filepath.Join(s.volatileDir, userFile), user); err != nil {
		log.Warnf("adopt profile snapshot failed: %v", err)
	}
}

// AdoptClear drops the volatile partition's records without emitting an
// event; the sibling that cleared the durable partition already announced it.
func (s *Store) AdoptClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(filepath.Join(s.volatileDir, accessFile))
	s.removeLocked(filepath.Join(s.volatileDir, userFile))
}

// SaveUser persists the profile snapshot into the volatile partition and
// emits user_updated carrying the snapshot so sibling processes can adopt it
// without a round trip.
func (s *Store) SaveUser(user *session.User) error {
	if user == nil {
		return fmt.Errorf("credstore: user is nil")
	}
	s.mu.Lock()
	err := writeJSONFile(filepath.Join(s.volatileDir, userFile), user)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("credstore: write user snapshot failed: %w", err)
	}
	s.publish(session.EventUserUpdated, userPayload(user))
	return nil
}

// LoadUser reads the profile snapshot, or nil when absent or corrupt.
func (s *Store) LoadUser() *session.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := &session.User{}
	if !s.readJSONFileLocked(filepath.Join(s.volatileDir, userFile), user) {
		return nil
	}
	return user
}

// ClearUser removes the profile snapshot and emits user_cleared.
func (s *Store) ClearUser() {
	s.mu.Lock()
	s.removeLocked(filepath.Join(s.volatileDir, userFile))
	s.mu.Unlock()
	s.publish(session.EventUserCleared, nil)
}

// ClearAll removes credentials and profile in one sweep and emits a single
// auth_cleared event.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.removeLocked(filepath.Join(s.volatileDir, accessFile))
	s.removeLocked(filepath.Join(s.durableDir, RefreshFile))
	s.removeLocked(filepath.Join(s.volatileDir, userFile))
	s.mu.Unlock()
	s.publish(session.EventAuthCleared, nil)
}

// Destroy removes the volatile partition. The durable partition is left for
// sibling processes.
func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.volatileDir); err != nil {
		log.Warnf("remove volatile partition failed: %v", err)
	}
}

func (s *Store) loadRefreshLocked() string {
	record := &refreshRecord{}
	if !s.readJSONFileLocked(filepath.Join(s.durableDir, RefreshFile), record) {
		return ""
	}
	return strings.TrimSpace(record.RefreshToken)
}

// readJSONFileLocked decodes path into out. A missing file returns false; a
// corrupt file is purged and also returns false. Callers hold s.mu.
func (s *Store) readJSONFileLocked(path string, out any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("read %s failed: %v", filepath.Base(path), err)
		}
		return false
	}
	if len(data) == 0 || !gjson.ValidBytes(data) {
		log.Warnf("purging corrupt record %s", filepath.Base(path))
		s.removeLocked(path)
		return false
	}
	if err = json.Unmarshal(data, out); err != nil {
		log.Warnf("purging undecodable record %s: %v", filepath.Base(path), err)
		s.removeLocked(path)
		return false
	}
	return true
}

func (s *Store) removeLocked(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("remove %s failed: %v", filepath.Base(path), err)
	}
}

func (s *Store) publish(kind session.EventKind, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(session.NewChangeEvent(kind, "", payload))
}

// tokenPayload serializes the token set for cross-process adoption. Sibling
// processes re-arm their schedulers from the absolute expiry carried here.
func tokenPayload(tokens *session.TokenSet) map[string]any {
	return map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    tokens.TokenType,
		"expires_in":    tokens.ExpiresIn,
		"expires_at":    tokens.ExpiresAt.Format(time.RFC3339Nano),
	}
}

func userPayload(user *session.User) map[string]any {
	raw, err := json.Marshal(user)
	if err != nil {
		return nil
	}
	decoded := map[string]any{}
	if err = json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return map[string]any{"user": decoded}
}

func writeJSONFile(path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if existing, errRead := os.ReadFile(path); errRead == nil && string(existing) == string(raw) {
		return nil
	}
	return os.WriteFile(path, raw, 0o600)
}
