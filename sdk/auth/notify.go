package auth

import (
	"sync"
	"time"

	"github.com/tidegate/authkit/sdk/session"
)

// notifyDebounce is the coalescing window: changes landing within it fold
// into a single delivery carrying the latest snapshot.
const notifyDebounce = 10 * time.Millisecond

// notifier debounces session snapshots. It guarantees that after a burst of
// updates listeners observe the final state, never an intermediate one out
// of order.
type notifier struct {
	emit func(session.Session)

	mu      sync.Mutex
	pending *session.Session
	timer   *time.Timer
	stopped bool
}

func newNotifier(emit func(session.Session)) *notifier {
	return &notifier{emit: emit}
}

// schedule records the snapshot as the pending delivery. The first call of a
// burst arms the timer; later calls only replace the payload.
func (n *notifier) schedule(snapshot session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.pending = &snapshot
	if n.timer == nil {
		n.timer = time.AfterFunc(notifyDebounce, n.fire)
	}
}

func (n *notifier) fire() {
	n.mu.Lock()
	snapshot := n.pending
	n.pending = nil
	n.timer = nil
	stopped := n.stopped
	n.mu.Unlock()
	if stopped || snapshot == nil {
		return
	}
	n.emit(*snapshot)
}

// stop drops any pending delivery and rejects future ones.
func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = nil
}
