package syncbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidegate/authkit/sdk/session"
)

func newTestBus(t *testing.T, origin, dir string, clearFiles ...string) *Bus {
	t.Helper()
	b, err := New(origin, dir, clearFiles...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func recvEvent(t *testing.T, ch <-chan session.ChangeEvent, timeout time.Duration) session.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("no event delivered before deadline")
	}
	return session.ChangeEvent{}
}

func TestPublishReachesLocalSubscribers(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, "origin-a", t.TempDir())

	events, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(session.NewChangeEvent(session.EventTokensUpdated, "", map[string]any{"access_token": "at-1"}))

	ev := recvEvent(t, events, time.Second)
	if ev.Kind != session.EventTokensUpdated {
		t.Fatalf("Kind = %q", ev.Kind)
	}
	if ev.Origin != "origin-a" {
		t.Fatalf("Origin = %q, want stamped origin-a", ev.Origin)
	}
	if ev.Timestamp == 0 {
		t.Fatal("Timestamp not stamped")
	}
}

func TestBroadcastCrossesProcessBoundary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	publisher := newTestBus(t, "origin-a", dir)
	receiver := newTestBus(t, "origin-b", dir)

	remote, cancelRemote := receiver.Subscribe(4)
	defer cancelRemote()
	local, cancelLocal := publisher.Subscribe(4)
	defer cancelLocal()

	publisher.Publish(session.NewChangeEvent(session.EventTokensUpdated, "", map[string]any{"access_token": "at-1"}))

	ev := recvEvent(t, remote, 5*time.Second)
	if ev.Kind != session.EventTokensUpdated || ev.Origin != "origin-a" {
		t.Fatalf("remote event = %+v", ev)
	}
	if v, _ := ev.Payload["access_token"].(string); v != "at-1" {
		t.Fatalf("payload = %+v", ev.Payload)
	}

	// The publisher's own watcher must not echo the event back a second time:
	// exactly the one direct delivery.
	<-local
	select {
	case dup := <-local:
		t.Fatalf("own broadcast echoed back: %+v", dup)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBroadcastSequencePreventsReplay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	publisher := newTestBus(t, "origin-a", dir)
	receiver := newTestBus(t, "origin-b", dir)

	remote, cancel := receiver.Subscribe(8)
	defer cancel()

	publisher.Publish(session.NewChangeEvent(session.EventTokensUpdated, "", nil))
	first := recvEvent(t, remote, 5*time.Second)
	if first.Kind != session.EventTokensUpdated {
		t.Fatalf("first = %+v", first)
	}

	// Touching the file without bumping the sequence must not re-deliver.
	data, err := os.ReadFile(filepath.Join(dir, BroadcastFile))
	if err != nil {
		t.Fatalf("read broadcast file: %v", err)
	}
	if err = os.WriteFile(filepath.Join(dir, BroadcastFile), data, 0o600); err != nil {
		t.Fatalf("rewrite broadcast file: %v", err)
	}
	select {
	case dup := <-remote:
		t.Fatalf("stale broadcast re-delivered: %+v", dup)
	case <-time.After(300 * time.Millisecond):
	}

	// The next real publication still arrives.
	publisher.Publish(session.NewChangeEvent(session.EventUserCleared, "", nil))
	second := recvEvent(t, remote, 5*time.Second)
	if second.Kind != session.EventUserCleared {
		t.Fatalf("second = %+v", second)
	}
}

func TestOutOfBandDeletionSynthesizesClear(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	refreshPath := filepath.Join(dir, "refresh.json")
	if err := os.WriteFile(refreshPath, []byte(`{"refresh_token":"rt-1"}`), 0o600); err != nil {
		t.Fatalf("seed refresh file: %v", err)
	}
	b := newTestBus(t, "origin-a", dir, "refresh.json")

	events, cancel := b.Subscribe(4)
	defer cancel()

	if err := os.Remove(refreshPath); err != nil {
		t.Fatalf("remove refresh file: %v", err)
	}
	ev := recvEvent(t, events, 5*time.Second)
	if ev.Kind != session.EventTokensCleared {
		t.Fatalf("Kind = %q, want tokens_cleared", ev.Kind)
	}
}

func TestAtomicReplaceIsNotADeletion(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	refreshPath := filepath.Join(dir, "refresh.json")
	if err := os.WriteFile(refreshPath, []byte(`{"refresh_token":"rt-1"}`), 0o600); err != nil {
		t.Fatalf("seed refresh file: %v", err)
	}
	b := newTestBus(t, "origin-a", dir, "refresh.json")

	events, cancel := b.Subscribe(4)
	defer cancel()

	// Replace via rename: the path never stays absent.
	tmp := filepath.Join(dir, "refresh.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"refresh_token":"rt-2"}`), 0o600); err != nil {
		t.Fatalf("write replacement: %v", err)
	}
	if err := os.Rename(tmp, refreshPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind == session.EventTokensCleared {
			t.Fatalf("atomic replace synthesized a clear: %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, "origin-a", t.TempDir())

	events, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic or block.
	b.Publish(session.NewChangeEvent(session.EventTokensUpdated, "", nil))
}

func TestCloseClosesSubscribers(t *testing.T) {
	t.Parallel()
	b, err := New("origin-a", t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, _ := b.Subscribe(1)
	if err = b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatal("channel still open after Close")
	}
	if err = b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
