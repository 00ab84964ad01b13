package node

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// SendFunc delivers one event to one node. Implementations write to the
// node's transport; an error fails only that node's delivery.
type SendFunc func(nodeID, event string, payload json.RawMessage) error

// SubscriptionRouter is the bidirectional node ↔ session-key fanout table.
// Event sources hand it a session key and it delivers to every node that
// subscribed, without the source knowing who is listening.
type SubscriptionRouter struct {
	logger *slog.Logger

	// OnSubscribe, if set, fires exactly once per session key when its
	// first subscriber appears (cold start). It does not fire again until
	// the session has been fully unsubscribed and re-subscribed. Callers
	// use it to lazily start upstream delivery for the session.
	OnSubscribe func(nodeID, sessionKey string)

	mu     sync.Mutex
	byNode map[string]map[string]struct{} // nodeID -> session keys
	byKey  map[string]map[string]struct{} // session key -> node IDs
}

// NewSubscriptionRouter creates an empty router.
func NewSubscriptionRouter(logger *slog.Logger) *SubscriptionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRouter{
		logger: logger,
		byNode: make(map[string]map[string]struct{}),
		byKey:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the node ↔ session relation. Returns true when this was
// the session's first subscriber.
func (r *SubscriptionRouter) Subscribe(nodeID, sessionKey string) bool {
	r.mu.Lock()

	if r.byNode[nodeID] == nil {
		r.byNode[nodeID] = make(map[string]struct{})
	}
	r.byNode[nodeID][sessionKey] = struct{}{}

	coldStart := len(r.byKey[sessionKey]) == 0
	if r.byKey[sessionKey] == nil {
		r.byKey[sessionKey] = make(map[string]struct{})
	}
	r.byKey[sessionKey][nodeID] = struct{}{}

	onSubscribe := r.OnSubscribe
	r.mu.Unlock()

	r.logger.Debug("node subscribed", "node", nodeID, "session", sessionKey)

	if coldStart && onSubscribe != nil {
		onSubscribe(nodeID, sessionKey)
	}
	return coldStart
}

// Unsubscribe removes one node ↔ session relation. Returns true when the
// session now has no subscribers left.
func (r *SubscriptionRouter) Unsubscribe(nodeID, sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(nodeID, sessionKey)
}

func (r *SubscriptionRouter) unsubscribeLocked(nodeID, sessionKey string) bool {
	if keys, ok := r.byNode[nodeID]; ok {
		delete(keys, sessionKey)
		if len(keys) == 0 {
			delete(r.byNode, nodeID)
		}
	}
	if nodes, ok := r.byKey[sessionKey]; ok {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(r.byKey, sessionKey)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every relation for the node (used on disconnect)
// and returns the session keys that are left with no subscribers at all.
func (r *SubscriptionRouter) UnsubscribeAll(nodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []string
	for sessionKey := range r.byNode[nodeID] {
		if r.unsubscribeLocked(nodeID, sessionKey) {
			orphaned = append(orphaned, sessionKey)
		}
	}
	return orphaned
}

// SendToSession calls send once per currently subscribed node and returns
// the number of successful deliveries. Deliveries are independent: one
// node's failure is logged and the rest still receive the event.
func (r *SubscriptionRouter) SendToSession(sessionKey, event string, payload json.RawMessage, send SendFunc) int {
	r.mu.Lock()
	nodes := make([]string, 0, len(r.byKey[sessionKey]))
	for nodeID := range r.byKey[sessionKey] {
		nodes = append(nodes, nodeID)
	}
	r.mu.Unlock()

	delivered := 0
	for _, nodeID := range nodes {
		if err := send(nodeID, event, payload); err != nil {
			r.logger.Warn("fanout delivery failed",
				"node", nodeID,
				"session", sessionKey,
				"event", event,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// SessionKeysForNode returns the session keys the node is subscribed to.
// Inverse lookup for diagnostics.
func (r *SubscriptionRouter) SessionKeysForNode(nodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.byNode[nodeID]))
	for key := range r.byNode[nodeID] {
		keys = append(keys, key)
	}
	return keys
}

// HasSubscribers reports whether any node listens to the session.
func (r *SubscriptionRouter) HasSubscribers(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[sessionKey]) > 0
}

// Counts returns (subscribed nodes, subscribed sessions) for status
// reporting.
func (r *SubscriptionRouter) Counts() (nodes, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byNode), len(r.byKey)
}
