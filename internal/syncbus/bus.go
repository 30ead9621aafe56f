// Package syncbus propagates session change events between every client
// process sharing one credential profile, without a server round trip.
//
// Same-process subscribers receive events through buffered channels. Other
// processes observe them through the durable partition: the publisher appends
// the event to a broadcast file after the mutation it describes has been
// persisted, and an fsnotify watch on the partition re-delivers it locally.
// Delivery is at-least-once and receivers must be idempotent.
package syncbus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tidegate/authkit/sdk/session"
)

// BroadcastFile is the durable-partition file carrying the latest event.
const BroadcastFile = "broadcast.json"

// replaceCheckDelay lets an atomic replace (rename) settle before a Remove
// event is treated as a real deletion.
const replaceCheckDelay = 50 * time.Millisecond

// Bus fans session change events out to local subscribers and mirrors them
// into the shared broadcast file for sibling processes.
type Bus struct {
	origin        string
	dir           string
	broadcastPath string
	clearFiles    map[string]struct{}

	mu      sync.Mutex
	subs    map[int]chan session.ChangeEvent
	nextSub int
	lastSeq int64
	closed  bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// New creates a bus for the durable partition dir. origin identifies this
// process so it can recognize its own broadcasts. clearFiles names partition
// files whose out-of-band deletion should synthesize a tokens_cleared event
// (covers a user removing the refresh credential by hand).
func New(origin, dir string, clearFiles ...string) (*Bus, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	b := &Bus{
		origin:        origin,
		dir:           dir,
		broadcastPath: filepath.Join(dir, BroadcastFile),
		clearFiles:    make(map[string]struct{}, len(clearFiles)),
		subs:          make(map[int]chan session.ChangeEvent),
		watcher:       watcher,
	}
	for _, name := range clearFiles {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			b.clearFiles[filepath.Join(dir, trimmed)] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.processEvents(ctx)

	log.Debugf("watching durable partition: %s", dir)
	return b, nil
}

// Subscribe registers a listener. The returned cancel function must be called
// to release the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan session.ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan session.ChangeEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to local subscribers and appends it to the
// broadcast file so sibling processes observe it. Callers must have durably
// persisted the mutation the event describes before publishing.
func (b *Bus) Publish(ev session.ChangeEvent) {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.deliver(ev)
	b.writeBroadcast(ev)
}

// Close stops the watcher and closes every subscriber channel exactly once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[int]chan session.ChangeEvent{}
	b.mu.Unlock()

	b.cancel()
	for _, ch := range subs {
		close(ch)
	}
	return b.watcher.Close()
}

func (b *Bus) deliver(ev session.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Full buffer: drop the oldest queued event so slow subscribers
		// converge on recent state instead of stale history.
		select {
		case dropped := <-ch:
			log.Warnf("sync subscriber %d is backed up, dropping %s event", id, dropped.Kind)
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// writeBroadcast rewrites the broadcast file with a monotonically increasing
// sequence so every publication changes the file content and triggers a
// write event on sibling watchers.
func (b *Bus) writeBroadcast(ev session.ChangeEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("marshal change event failed: %v", err)
		return
	}

	b.mu.Lock()
	seq := b.lastSeq
	b.mu.Unlock()
	if existing, errRead := os.ReadFile(b.broadcastPath); errRead == nil {
		if onDisk := gjson.GetBytes(existing, "seq").Int(); onDisk > seq {
			seq = onDisk
		}
	}
	seq++

	out, err := sjson.SetBytes([]byte(`{}`), "seq", seq)
	if err == nil {
		out, err = sjson.SetRawBytes(out, "event", raw)
	}
	if err != nil {
		log.Errorf("build broadcast payload failed: %v", err)
		return
	}
	if errWrite := os.WriteFile(b.broadcastPath, out, 0o600); errWrite != nil {
		log.Errorf("write broadcast file failed: %v", errWrite)
		return
	}

	b.mu.Lock()
	b.lastSeq = seq
	b.mu.Unlock()
}

func (b *Bus) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleEvent(event)
		case errWatch, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("durable partition watcher error: %v", errWatch)
		}
	}
}

func (b *Bus) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	if name == filepath.Clean(b.broadcastPath) {
		if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
			b.readBroadcast()
		}
		return
	}

	if _, watched := b.clearFiles[name]; !watched {
		return
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	// Atomic replace may surface as Rename before the new file lands. Only a
	// path that stays absent counts as a deletion.
	time.Sleep(replaceCheckDelay)
	if _, statErr := os.Stat(name); statErr == nil {
		return
	}
	log.Debugf("durable credential %s removed out of band", filepath.Base(name))
	b.deliver(session.NewChangeEvent(session.EventTokensCleared, "", nil))
}

func (b *Bus) readBroadcast() {
	data, err := os.ReadFile(b.broadcastPath)
	if err != nil || len(data) == 0 {
		return
	}

	seq := gjson.GetBytes(data, "seq").Int()
	b.mu.Lock()
	stale := seq <= b.lastSeq
	if !stale {
		b.lastSeq = seq
	}
	b.mu.Unlock()
	if stale {
		return
	}

	var ev session.ChangeEvent
	if err = json.Unmarshal([]byte(gjson.GetBytes(data, "event").Raw), &ev); err != nil {
		log.Warnf("discarding malformed broadcast event: %v", err)
		return
	}
	if ev.Origin == b.origin {
		// Own publication echoed back by the filesystem watch.
		return
	}
	log.Debugf("adopted change event from sibling process: %s", ev.Kind)
	b.deliver(ev)
}
