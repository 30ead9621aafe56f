package credstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidegate/authkit/sdk/session"
)

// recordingBus captures published events in order.
type recordingBus struct {
	mu     sync.Mutex
	events []session.ChangeEvent
}

func (b *recordingBus) Publish(ev session.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) kinds() []session.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]session.EventKind, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	store, err := New(t.TempDir(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Destroy)
	return store, bus
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store, bus := newTestStore(t)

	stored, err := store.Save(&session.TokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresIn:    900,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if stored.TokenType != "bearer" {
		t.Fatalf("TokenType = %q, want bearer default", stored.TokenType)
	}
	if stored.ExpiresAt.IsZero() {
		t.Fatal("ExpiresAt not derived")
	}

	loaded := store.Load()
	if loaded == nil {
		t.Fatal("Load returned nil")
	}
	if loaded.AccessToken != "at-1" || loaded.RefreshToken != "rt-1" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(stored.ExpiresAt) {
		t.Fatalf("ExpiresAt changed on read: %s vs %s", loaded.ExpiresAt, stored.ExpiresAt)
	}
	if kinds := bus.kinds(); len(kinds) != 1 || kinds[0] != session.EventTokensUpdated {
		t.Fatalf("events = %v", kinds)
	}
}

func TestExpiryDerivedExactlyOnce(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	at := time.Now().Add(42 * time.Minute).UTC().Truncate(time.Millisecond)
	stored, err := store.Save(&session.TokenSet{AccessToken: "at-1", ExpiresIn: 900, ExpiresAt: at})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !stored.ExpiresAt.Equal(at) {
		t.Fatalf("provided expiry recomputed: %s", stored.ExpiresAt)
	}
	// Re-reading later must not shift the deadline.
	time.Sleep(20 * time.Millisecond)
	if loaded := store.Load(); !loaded.ExpiresAt.Equal(at) {
		t.Fatalf("expiry drifted on read: %s", loaded.ExpiresAt)
	}
}

func TestSavePreservesDurableRefreshToken(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	if _, err := store.Save(&session.TokenSet{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 900}); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	// A rotation that carries no refresh token keeps the stored one.
	stored, err := store.Save(&session.TokenSet{AccessToken: "at-2", ExpiresIn: 900})
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if stored.RefreshToken != "rt-1" {
		t.Fatalf("RefreshToken = %q, want preserved rt-1", stored.RefreshToken)
	}
	if got := store.RefreshToken(); got != "rt-1" {
		t.Fatalf("durable refresh = %q", got)
	}
}

func TestLoadRequiresVolatileAccessCredential(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	if _, err := store.Save(&session.TokenSet{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 900}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Simulate a fresh process: the volatile partition starts empty while the
	// durable refresh credential persists.
	if err := os.Remove(filepath.Join(store.VolatileDir(), accessFile)); err != nil {
		t.Fatalf("drop access record: %v", err)
	}
	if got := store.Load(); got != nil {
		t.Fatalf("Load = %+v, want nil without access credential", got)
	}
	if store.RefreshToken() != "rt-1" {
		t.Fatal("durable refresh credential lost")
	}
}

func TestCorruptRecordsArePurged(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	if _, err := store.Save(&session.TokenSet{AccessToken: "at-1", ExpiresIn: 900}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(store.VolatileDir(), accessFile)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}
	if got := store.Load(); got != nil {
		t.Fatalf("Load = %+v, want nil for corrupt record", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt record was not purged")
	}
}

func TestClearAllEmitsSingleEvent(t *testing.T) {
	t.Parallel()
	store, bus := newTestStore(t)

	if _, err := store.Save(&session.TokenSet{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 900}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.SaveUser(&session.User{ID: "u-1", Email: "a@b.test"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	store.ClearAll()

	if store.Load() != nil || store.RefreshToken() != "" || store.LoadUser() != nil {
		t.Fatal("records survived ClearAll")
	}
	kinds := bus.kinds()
	if kinds[len(kinds)-1] != session.EventAuthCleared {
		t.Fatalf("last event = %q, want auth_cleared", kinds[len(kinds)-1])
	}
	for _, k := range kinds[:len(kinds)-1] {
		if k == session.EventTokensCleared || k == session.EventUserCleared {
			t.Fatalf("ClearAll emitted piecemeal event %q", k)
		}
	}
}

func TestUserSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	store, bus := newTestStore(t)

	user := &session.User{ID: "u-1", Email: "a@b.test", Name: "Ada", Roles: []string{"admin"}}
	if err := store.SaveUser(user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	loaded := store.LoadUser()
	if loaded == nil || loaded.ID != "u-1" || len(loaded.Roles) != 1 {
		t.Fatalf("LoadUser = %+v", loaded)
	}

	// The payload must let a sibling adopt the snapshot without a fetch.
	bus.mu.Lock()
	last := bus.events[len(bus.events)-1]
	bus.mu.Unlock()
	adopted := last.User()
	if adopted == nil || adopted.ID != "u-1" || adopted.Email != "a@b.test" {
		t.Fatalf("payload user = %+v", adopted)
	}

	store.ClearUser()
	if store.LoadUser() != nil {
		t.Fatal("snapshot survived ClearUser")
	}
}

func TestAdoptWritesOnlyVolatileAndStaysSilent(t *testing.T) {
	t.Parallel()
	store, bus := newTestStore(t)

	store.Adopt(&session.TokenSet{
		AccessToken:  "at-sib",
		RefreshToken: "rt-sib",
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if got := store.RefreshToken(); got != "" {
		t.Fatalf("Adopt wrote durable refresh credential %q", got)
	}
	loaded := store.Load()
	if loaded == nil || loaded.AccessToken != "at-sib" {
		t.Fatalf("Load = %+v", loaded)
	}
	if kinds := bus.kinds(); len(kinds) != 0 {
		t.Fatalf("Adopt emitted events: %v", kinds)
	}
}
