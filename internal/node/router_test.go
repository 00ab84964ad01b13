package node

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"testing"
)

func TestRouter_OnSubscribeFiresOncePerColdStart(t *testing.T) {
	t.Parallel()

	r := NewSubscriptionRouter(slog.Default())

	var fired []string
	r.OnSubscribe = func(nodeID, sessionKey string) {
		fired = append(fired, nodeID+":"+sessionKey)
	}

	r.Subscribe("n1", "s1")
	r.Subscribe("n2", "s1") // second subscriber, must not re-fire
	r.Subscribe("n1", "s1") // duplicate, must not re-fire

	if len(fired) != 1 || fired[0] != "n1:s1" {
		t.Fatalf("OnSubscribe calls = %v, want exactly [n1:s1]", fired)
	}

	// Fully unsubscribe, then a fresh subscribe is a new cold start.
	r.Unsubscribe("n1", "s1")
	r.Unsubscribe("n2", "s1")
	r.Subscribe("n3", "s1")

	if len(fired) != 2 || fired[1] != "n3:s1" {
		t.Fatalf("OnSubscribe calls = %v, want re-fire after full unsubscribe", fired)
	}
}

func TestRouter_SendToSessionDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	r := NewSubscriptionRouter(slog.Default())
	r.Subscribe("n1", "s1")
	r.Subscribe("n2", "s1")
	r.Subscribe("n3", "other")

	var got []string
	delivered := r.SendToSession("s1", "agent", json.RawMessage(`{"x":1}`), func(nodeID, event string, _ json.RawMessage) error {
		got = append(got, nodeID)
		return nil
	})

	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
	slices.Sort(got)
	if len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Errorf("recipients = %v, want [n1 n2]", got)
	}
}

func TestRouter_OneNodeFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	r := NewSubscriptionRouter(slog.Default())
	r.Subscribe("bad", "s1")
	r.Subscribe("good", "s1")

	var okNodes []string
	delivered := r.SendToSession("s1", "agent", nil, func(nodeID, _ string, _ json.RawMessage) error {
		if nodeID == "bad" {
			return errors.New("broken pipe")
		}
		okNodes = append(okNodes, nodeID)
		return nil
	})

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if len(okNodes) != 1 || okNodes[0] != "good" {
		t.Errorf("recipients = %v, want [good]", okNodes)
	}
}

func TestRouter_UnsubscribeAll(t *testing.T) {
	t.Parallel()

	r := NewSubscriptionRouter(slog.Default())
	r.Subscribe("n1", "s1")
	r.Subscribe("n1", "s2")
	r.Subscribe("n2", "s2")

	orphaned := r.UnsubscribeAll("n1")

	// s1 lost its only subscriber; s2 still has n2.
	if len(orphaned) != 1 || orphaned[0] != "s1" {
		t.Fatalf("orphaned = %v, want [s1]", orphaned)
	}
	if r.HasSubscribers("s1") {
		t.Error("s1 should have no subscribers")
	}
	if !r.HasSubscribers("s2") {
		t.Error("s2 should still have a subscriber")
	}
	if keys := r.SessionKeysForNode("n1"); len(keys) != 0 {
		t.Errorf("n1 keys = %v, want none", keys)
	}
}

func TestRouter_SessionKeysForNode(t *testing.T) {
	t.Parallel()

	r := NewSubscriptionRouter(slog.Default())
	r.Subscribe("n1", "s1")
	r.Subscribe("n1", "s2")

	keys := r.SessionKeysForNode("n1")
	slices.Sort(keys)
	if len(keys) != 2 || keys[0] != "s1" || keys[1] != "s2" {
		t.Errorf("keys = %v, want [s1 s2]", keys)
	}

	if keys := r.SessionKeysForNode("ghost"); len(keys) != 0 {
		t.Errorf("keys for unknown node = %v, want none", keys)
	}
}

func TestRouter_Counts(t *testing.T) {
	t.Parallel()

	r := NewSubscriptionRouter(slog.Default())
	r.Subscribe("n1", "s1")
	r.Subscribe("n2", "s1")
	r.Subscribe("n2", "s2")

	nodes, sessions := r.Counts()
	if nodes != 2 || sessions != 2 {
		t.Errorf("counts = (%d, %d), want (2, 2)", nodes, sessions)
	}
}
