package zombie

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func payload(event string) Payload {
	return Payload{Event: event, Data: json.RawMessage(`{}`)}
}

func TestBuffer_ReBindReturnsBacklogInOrder(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Minute, slog.Default())

	b.MarkZombie("s1")
	if !b.QueuePayload("s1", payload("a")) {
		t.Fatal("queue on zombie session must succeed")
	}
	if !b.QueuePayload("s1", payload("b")) {
		t.Fatal("queue on zombie session must succeed")
	}

	got := b.ReBind("s1")
	if len(got) != 2 || got[0].Event != "a" || got[1].Event != "b" {
		t.Fatalf("backlog = %v, want [a b]", got)
	}
	if b.IsZombie("s1") {
		t.Error("session must be live after re-bind")
	}
}

func TestBuffer_QueueOnLiveSessionIsNoop(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Minute, slog.Default())

	if b.QueuePayload("unknown", payload("x")) {
		t.Fatal("queue on a non-zombie session must be a no-op")
	}
	if got := b.ReBind("unknown"); got != nil {
		t.Fatalf("re-bind of non-zombie session = %v, want nil", got)
	}
}

func TestBuffer_ReaperFires(t *testing.T) {
	t.Parallel()

	b := NewBuffer(30*time.Millisecond, slog.Default())

	reaped := make(chan string, 1)
	b.OnReap = func(key string) { reaped <- key }

	b.MarkZombie("s1")
	b.QueuePayload("s1", payload("a"))

	select {
	case key := <-reaped:
		if key != "s1" {
			t.Fatalf("reaped %q, want s1", key)
		}
	case <-time.After(time.Second):
		t.Fatal("reaper never fired")
	}

	if b.IsZombie("s1") {
		t.Error("entry must be gone after reap")
	}
	if got := b.ReBind("s1"); got != nil {
		t.Errorf("backlog = %v after reap, want destroyed", got)
	}
}

func TestBuffer_ReaperNeverFiresAfterReBind(t *testing.T) {
	t.Parallel()

	b := NewBuffer(30*time.Millisecond, slog.Default())

	reaped := make(chan string, 1)
	b.OnReap = func(key string) { reaped <- key }

	b.MarkZombie("s1")
	_ = b.ReBind("s1")

	select {
	case <-reaped:
		t.Fatal("reaper fired after a successful re-bind")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBuffer_MarkZombieDebouncesReaper(t *testing.T) {
	t.Parallel()

	b := NewBuffer(200*time.Millisecond, slog.Default())

	reaped := make(chan string, 1)
	b.OnReap = func(key string) { reaped <- key }

	b.MarkZombie("s1")
	b.QueuePayload("s1", payload("a"))

	// Keep re-marking before the window lapses; backlog must survive and
	// the reaper must not fire while the debounce keeps pushing it out.
	for range 3 {
		time.Sleep(100 * time.Millisecond)
		b.MarkZombie("s1")
	}

	select {
	case <-reaped:
		t.Fatal("reaper fired despite debounce")
	default:
	}

	got := b.ReBind("s1")
	if len(got) != 1 || got[0].Event != "a" {
		t.Fatalf("backlog = %v, want [a] preserved across debounces", got)
	}
}

func TestBuffer_ReBindOnlyReturnsSinceLastMark(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Minute, slog.Default())

	// First zombie cycle ends in a re-bind that drains the backlog.
	b.MarkZombie("s1")
	b.QueuePayload("s1", payload("old"))
	_ = b.ReBind("s1")

	// Second cycle must start from an empty backlog.
	b.MarkZombie("s1")
	b.QueuePayload("s1", payload("new"))
	got := b.ReBind("s1")
	if len(got) != 1 || got[0].Event != "new" {
		t.Fatalf("backlog = %v, want only payloads queued since the last mark", got)
	}
}

func TestBuffer_OnReBindCallback(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Minute, slog.Default())

	var called []string
	b.OnReBind = func(key string) { called = append(called, key) }

	b.MarkZombie("s1")
	_ = b.ReBind("s1")
	_ = b.ReBind("s1") // non-zombie, must not fire

	if len(called) != 1 || called[0] != "s1" {
		t.Fatalf("OnReBind calls = %v, want exactly [s1]", called)
	}
}

func TestBuffer_ClearCancelsAllReapers(t *testing.T) {
	t.Parallel()

	b := NewBuffer(30*time.Millisecond, slog.Default())

	var mu sync.Mutex
	var reaped []string
	b.OnReap = func(key string) {
		mu.Lock()
		reaped = append(reaped, key)
		mu.Unlock()
	}

	b.MarkZombie("s1")
	b.MarkZombie("s2")
	b.Clear()

	if b.Len() != 0 {
		t.Fatalf("len = %d after clear, want 0", b.Len())
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(reaped) != 0 {
		t.Fatalf("reaped = %v after clear, want none", reaped)
	}
}
