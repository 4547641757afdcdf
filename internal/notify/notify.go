// Package notify fans work-item change events out to subscribed
// sessions. Each subscription has a bounded buffer; when a slow
// consumer falls behind, the oldest event is dropped and the
// subscription is flagged for resync, so clients reconcile by
// refetching rather than by replay.
package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// BufferSize is the per-subscription event buffer.
const BufferSize = 64

// MethodWorkItemUpdate is the notification method name on the wire.
const MethodWorkItemUpdate = "notifications/work_item_update"

// Event is one notification destined for a session.
type Event struct {
	Method string         `json:"method"`
	Params WorkItemUpdate `json:"params"`
}

// WorkItemUpdate lists the items whose progress, status, or position
// changed in one mutation.
type WorkItemUpdate struct {
	Namespace  string   `json:"namespace"`
	ChangedIDs []string `json:"changed_ids"`
}

// Subscription is one session's event feed.
type Subscription struct {
	SessionID string
	Namespace string

	ch     chan Event
	resync atomic.Bool
}

// Events returns the receive side of the feed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// NeedsResync reports whether events were dropped since the last check,
// clearing the flag.
func (s *Subscription) NeedsResync() bool { return s.resync.Swap(false) }

// Notifier routes mutation events to subscriptions by namespace.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	logger *zap.Logger
}

// New creates an empty notifier.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{subs: make(map[string]*Subscription), logger: logger}
}

// Subscribe registers a session for events in its namespace. A second
// subscribe for the same session replaces the first.
func (n *Notifier) Subscribe(sessionID, ns string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		Namespace: ns,
		ch:        make(chan Event, BufferSize),
	}
	n.mu.Lock()
	if old, ok := n.subs[sessionID]; ok {
		close(old.ch)
	}
	n.subs[sessionID] = sub
	n.mu.Unlock()
	return sub
}

// Unsubscribe drops the session's feed. Idempotent.
func (n *Notifier) Unsubscribe(sessionID string) {
	n.mu.Lock()
	if sub, ok := n.subs[sessionID]; ok {
		close(sub.ch)
		delete(n.subs, sessionID)
	}
	n.mu.Unlock()
}

// WorkItemUpdate emits a change event to every session bound to ns.
// Mutations within a namespace are serialized upstream, and the emit
// runs under the notifier lock, so per-namespace event order matches
// mutation order.
func (n *Notifier) WorkItemUpdate(ns string, changedIDs []string) {
	if len(changedIDs) == 0 {
		return
	}
	ev := Event{
		Method: MethodWorkItemUpdate,
		Params: WorkItemUpdate{Namespace: ns, ChangedIDs: changedIDs},
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.Namespace != ns {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Full buffer: drop the oldest and flag for resync.
			select {
			case <-sub.ch:
			default:
			}
			sub.resync.Store(true)
			select {
			case sub.ch <- ev:
			default:
			}
			n.logger.Debug("subscriber lagging; dropped oldest event",
				zap.String("session_id", sub.SessionID),
				zap.String("namespace", ns))
		}
	}
}
