package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/avermeil/lifeline/internal/zombie"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxNodes          = 32
	pairReadTimeout          = 10 * time.Second
	writeTimeout             = 10 * time.Second
	maxMissedHeartbeats      = 3
)

// Config holds node manager configuration.
type Config struct {
	PairingTokens     []string      `yaml:"pairing_tokens"`
	MaxNodes          int           `yaml:"max_nodes"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// defaults fills zero values with sensible defaults.
func (c *Config) defaults() {
	if c.MaxNodes <= 0 {
		c.MaxNodes = defaultMaxNodes
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
}

// nodeConn is one connected listener node.
type nodeConn struct {
	mu          sync.Mutex
	ID          string
	Name        string
	Platform    string
	ConnectedAt time.Time
	LastSeenAt  time.Time
	ws          *websocket.Conn
}

// touch stamps the node as recently seen.
func (n *nodeConn) touch() {
	n.mu.Lock()
	n.LastSeenAt = time.Now()
	n.mu.Unlock()
}

// connStore is a concurrency-safe table of connected nodes.
type connStore struct {
	mu    sync.RWMutex
	nodes map[string]*nodeConn
}

func newConnStore() *connStore {
	return &connStore{nodes: make(map[string]*nodeConn)}
}

// addIfUnder registers the node unless the table already holds limit
// entries. Check and insert are one operation so the cap cannot be raced.
func (s *connStore) addIfUnder(n *nodeConn, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nodes) >= limit {
		return false
	}
	s.nodes[n.ID] = n
	return true
}

func (s *connStore) get(id string) (*nodeConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *connStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

func (s *connStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *connStore) rangeAll(fn func(id string, n *nodeConn) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, n := range s.nodes {
		if !fn(id, n) {
			return
		}
	}
}

// Manager owns the WebSocket lifecycle of listener nodes: pairing,
// subscribe/unsubscribe handling, fanout delivery, and the hand-off to the
// zombie buffer when a session loses its last subscriber.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	router  *SubscriptionRouter
	zombies *zombie.Buffer
	tokens  map[string]struct{}
	store   *connStore
	cancel  context.CancelFunc
}

// NewManager creates a node manager. router and zombies must not be nil.
func NewManager(cfg Config, router *SubscriptionRouter, zombies *zombie.Buffer, logger *slog.Logger) (*Manager, error) {
	if router == nil {
		return nil, errors.New("node: nil SubscriptionRouter")
	}
	if zombies == nil {
		return nil, errors.New("node: nil zombie buffer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()

	tokens := make(map[string]struct{}, len(cfg.PairingTokens))
	for _, t := range cfg.PairingTokens {
		tokens[t] = struct{}{}
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		router:  router,
		zombies: zombies,
		tokens:  tokens,
		store:   newConnStore(),
	}, nil
}

// Validate checks the configuration is usable.
func (m *Manager) Validate() error {
	if len(m.tokens) == 0 {
		return errors.New("node: at least one pairing_token is required")
	}
	return nil
}

// Start launches the heartbeat staleness loop.
func (m *Manager) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go m.heartbeatLoop(ctx)

	m.logger.Info("node manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"max_nodes", m.cfg.MaxNodes,
	)
	return nil
}

// Stop cancels background work and closes every node connection.
func (m *Manager) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.store.rangeAll(func(_ string, n *nodeConn) bool {
		n.mu.Lock()
		if n.ws != nil {
			_ = n.ws.Close(websocket.StatusGoingAway, "server shutting down")
		}
		n.mu.Unlock()
		return true
	})

	m.logger.Info("node manager stopped")
	return nil
}

// ConnectedNodes returns the number of currently connected nodes.
func (m *Manager) ConnectedNodes() int {
	return m.store.len()
}

// ServeHTTP is the WebSocket endpoint for node connections. It runs the
// full lifecycle: pair, read loop, unsubscribe-and-zombie on disconnect.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusInternalError, "unexpected close")
	}()

	now := time.Now()
	n := &nodeConn{
		ConnectedAt: now,
		LastSeenAt:  now,
		ws:          ws,
	}

	if err := m.handlePairing(r.Context(), ws, n); err != nil {
		m.logger.Warn("pairing failed", "error", err)
		return
	}

	m.logger.Info("node paired",
		"node_id", n.ID,
		"name", n.Name,
		"platform", n.Platform,
	)

	m.readLoop(r.Context(), ws, n)

	// Disconnect: drop all subscriptions; any session this node was the
	// last listener for goes zombie so a quick reconnect can resume it.
	m.store.remove(n.ID)
	orphaned := m.router.UnsubscribeAll(n.ID)
	for _, sessionKey := range orphaned {
		m.zombies.MarkZombie(sessionKey)
	}
	m.logger.Info("node disconnected",
		"node_id", n.ID,
		"orphaned_sessions", len(orphaned),
	)
}

func (m *Manager) handlePairing(ctx context.Context, ws *websocket.Conn, n *nodeConn) error {
	pairCtx, cancel := context.WithTimeout(ctx, pairReadTimeout)
	defer cancel()

	_, data, err := ws.Read(pairCtx)
	if err != nil {
		return fmt.Errorf("read pair_request: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.sendError(ctx, ws, "", "invalid message format")
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type != MsgPairRequest {
		m.sendError(ctx, ws, env.ID, "expected pair_request")
		return fmt.Errorf("unexpected message type: %s", env.Type)
	}

	var req PairRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		m.sendError(ctx, ws, env.ID, "invalid pair_request payload")
		return fmt.Errorf("unmarshal pair_request: %w", err)
	}

	if _, ok := m.tokens[req.Token]; !ok {
		m.sendPairResponse(ctx, ws, env.ID, false, "", "invalid pairing token")
		return ErrInvalidToken
	}

	nodeID, err := generateNodeID()
	if err != nil {
		m.sendError(ctx, ws, env.ID, "internal error")
		return fmt.Errorf("generate node ID: %w", err)
	}

	n.ID = nodeID
	n.Name = req.NodeName
	n.Platform = req.Platform

	if !m.store.addIfUnder(n, m.cfg.MaxNodes) {
		m.sendPairResponse(ctx, ws, env.ID, false, "", "maximum number of nodes reached")
		return ErrMaxNodes
	}

	m.sendPairResponse(ctx, ws, env.ID, true, nodeID, "")
	return nil
}

func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn, n *nodeConn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("invalid message from node", "node_id", n.ID, "error", err)
			continue
		}

		n.touch()

		switch env.Type {
		case MsgHeartbeat:
			m.sendEnvelope(ctx, ws, Envelope{
				Type:      MsgHeartbeatAck,
				ID:        env.ID,
				Timestamp: time.Now(),
			})

		case MsgSubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				m.sendError(ctx, ws, env.ID, "invalid subscribe payload")
				continue
			}
			m.handleSubscribe(ctx, n, req.SessionKey)

		case MsgUnsubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				m.sendError(ctx, ws, env.ID, "invalid unsubscribe payload")
				continue
			}
			m.router.Unsubscribe(n.ID, req.SessionKey)

		default:
			m.logger.Warn("unexpected message type in read loop",
				"node_id", n.ID,
				"type", env.Type,
			)
		}
	}
}

// handleSubscribe registers the subscription and, if the session was
// waiting out a zombie grace window, re-binds it and replays the backlog
// to the newly attached node.
func (m *Manager) handleSubscribe(ctx context.Context, n *nodeConn, sessionKey string) {
	m.router.Subscribe(n.ID, sessionKey)

	backlog := m.zombies.ReBind(sessionKey)
	for _, p := range backlog {
		if err := m.writeEvent(ctx, n.ID, sessionKey, p.Event, p.Data); err != nil {
			m.logger.Warn("backlog replay failed",
				"node_id", n.ID,
				"session", sessionKey,
				"error", err,
			)
			return
		}
	}
	if len(backlog) > 0 {
		m.logger.Info("backlog replayed",
			"node_id", n.ID,
			"session", sessionKey,
			"events", len(backlog),
		)
	}
}

// Deliver fans one session event out to all subscribed nodes. When the
// session has no subscribers but is inside its zombie grace window, the
// event is buffered for replay instead. Returns the number of nodes that
// received the event.
func (m *Manager) Deliver(ctx context.Context, sessionKey, event string, data json.RawMessage) int {
	if !m.router.HasSubscribers(sessionKey) {
		if m.zombies.QueuePayload(sessionKey, zombie.Payload{Event: event, Data: data}) {
			m.logger.Debug("event buffered for zombie session",
				"session", sessionKey,
				"event", event,
			)
		}
		return 0
	}

	return m.router.SendToSession(sessionKey, event, data, func(nodeID, event string, payload json.RawMessage) error {
		return m.writeEvent(ctx, nodeID, sessionKey, event, payload)
	})
}

// writeEvent writes one event envelope to one node.
func (m *Manager) writeEvent(ctx context.Context, nodeID, sessionKey, event string, data json.RawMessage) error {
	n, ok := m.store.get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeGone, nodeID)
	}

	payload, err := json.Marshal(EventPayload{
		SessionKey: sessionKey,
		Event:      event,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("node: marshal event: %w", err)
	}

	env := Envelope{
		Type:      MsgEvent,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("node: marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ws.Write(writeCtx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("node: write to %s: %w", nodeID, err)
	}
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHeartbeats()
		}
	}
}

// checkHeartbeats disconnects nodes that have gone silent. The read loop
// notices the closed connection and runs the normal disconnect path, so
// subscriptions and zombie hand-off happen in one place.
func (m *Manager) checkHeartbeats() {
	now := time.Now()
	threshold := m.cfg.HeartbeatInterval * maxMissedHeartbeats

	m.store.rangeAll(func(_ string, n *nodeConn) bool {
		n.mu.Lock()
		silent := now.Sub(n.LastSeenAt) > threshold
		ws := n.ws
		n.mu.Unlock()

		if silent && ws != nil {
			m.logger.Warn("node heartbeat timeout, disconnecting",
				"node_id", n.ID,
			)
			_ = ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
		}
		return true
	})
}

// sendEnvelope marshals and writes an Envelope to the connection.
func (m *Manager) sendEnvelope(ctx context.Context, ws *websocket.Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("marshal envelope failed", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Warn("write envelope failed", "error", err)
	}
}

// sendPairResponse answers a pair_request, echoing the request ID so the
// node can match the verdict to its request.
func (m *Manager) sendPairResponse(ctx context.Context, ws *websocket.Conn, id string, accepted bool, nodeID, reason string) {
	payload, err := json.Marshal(PairResponse{
		Accepted: accepted,
		NodeID:   nodeID,
		Reason:   reason,
	})
	if err != nil {
		m.logger.Error("marshal pair_response failed", "error", err)
		return
	}
	m.sendEnvelope(ctx, ws, Envelope{
		Type:      MsgPairResponse,
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (m *Manager) sendError(ctx context.Context, ws *websocket.Conn, id, msg string) {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	m.sendEnvelope(ctx, ws, Envelope{
		Type:      MsgError,
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
