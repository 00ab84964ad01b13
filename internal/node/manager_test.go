package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/avermeil/lifeline/internal/zombie"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, NewSubscriptionRouter(slog.Default()), zombie.NewBuffer(time.Minute, slog.Default()), slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManager_ConfigDefaults(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{PairingTokens: []string{"tok"}})

	if m.cfg.MaxNodes != defaultMaxNodes {
		t.Errorf("MaxNodes = %d, want %d", m.cfg.MaxNodes, defaultMaxNodes)
	}
	if m.cfg.HeartbeatInterval != defaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want %v", m.cfg.HeartbeatInterval, defaultHeartbeatInterval)
	}
}

func TestManager_ValidateRequiresToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	if err := m.Validate(); err == nil {
		t.Fatal("expected validation error without pairing tokens")
	}

	m = newTestManager(t, Config{PairingTokens: []string{"tok"}})
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestManager_NilCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(Config{}, nil, zombie.NewBuffer(0, nil), nil); err == nil {
		t.Error("expected error for nil router")
	}
	if _, err := NewManager(Config{}, NewSubscriptionRouter(nil), nil, nil); err == nil {
		t.Error("expected error for nil zombie buffer")
	}
}

func TestManager_DeliverBuffersForZombieSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{PairingTokens: []string{"tok"}})

	// No subscribers, session in grace window: event must be buffered.
	m.zombies.MarkZombie("s1")
	delivered := m.Deliver(context.Background(), "s1", "agent", json.RawMessage(`{"a":1}`))
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0 (buffered)", delivered)
	}

	backlog := m.zombies.ReBind("s1")
	if len(backlog) != 1 || backlog[0].Event != "agent" {
		t.Fatalf("backlog = %v, want the buffered event", backlog)
	}
}

func TestManager_DeliverDropsForUnknownSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{PairingTokens: []string{"tok"}})

	// Neither subscribed nor zombie: nothing delivered, nothing buffered.
	if n := m.Deliver(context.Background(), "ghost", "agent", nil); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	if m.zombies.Len() != 0 {
		t.Fatal("nothing should be buffered for a live-but-unknown session")
	}
}

func TestManager_ConnStoreCap(t *testing.T) {
	t.Parallel()

	s := newConnStore()
	if !s.addIfUnder(&nodeConn{ID: "a"}, 2) {
		t.Fatal("first add should succeed")
	}
	if !s.addIfUnder(&nodeConn{ID: "b"}, 2) {
		t.Fatal("second add should succeed")
	}
	if s.addIfUnder(&nodeConn{ID: "c"}, 2) {
		t.Fatal("third add should hit the cap")
	}

	s.remove("a")
	if !s.addIfUnder(&nodeConn{ID: "c"}, 2) {
		t.Fatal("add after remove should succeed")
	}
	if s.len() != 2 {
		t.Fatalf("len = %d, want 2", s.len())
	}
}

func TestManager_StartStop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{PairingTokens: []string{"tok"}})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
