// Package gate serializes calls against external singleton resources.
// Some tools a gateway invokes own a process-level resource (a CLI that
// writes a local config file, a daemon socket) and cannot tolerate two
// concurrent invocations. A Gate forces strictly one in-flight call per
// listed resource key while leaving every other key fully concurrent.
package gate

import (
	"context"
	"slices"
	"sync"
)

// state tracks one contended resource key. Created on first contention,
// deleted as soon as nothing is running and nobody waits, so the table
// only ever holds actively contended keys.
type state struct {
	running bool
	waiters []chan struct{}
}

// Gate is a per-key FIFO mutual exclusion table. Only keys present in the
// allow-set passed to New are serialized; Acquire on any other key succeeds
// immediately without touching the table.
type Gate struct {
	mu     sync.Mutex
	serial map[string]struct{}
	states map[string]*state
}

// New creates a Gate that serializes exactly the given resource keys.
func New(serializedKeys []string) *Gate {
	serial := make(map[string]struct{}, len(serializedKeys))
	for _, k := range serializedKeys {
		serial[k] = struct{}{}
	}
	return &Gate{
		serial: serial,
		states: make(map[string]*state),
	}
}

// Serializes reports whether the key is in the allow-set.
func (g *Gate) Serializes(key string) bool {
	_, ok := g.serial[key]
	return ok
}

// Acquire blocks until the caller owns the key, then returns a release
// function. Waiters are granted ownership in arrival order: release hands
// the key directly to the oldest waiter without clearing the running flag,
// so a fresh caller can never preempt one already queued.
//
// For keys outside the allow-set Acquire returns immediately with a no-op
// release. The release function is idempotent; calling it twice is safe.
// If ctx is cancelled while waiting, Acquire returns ctx.Err() and the
// waiter is withdrawn from the queue.
func (g *Gate) Acquire(ctx context.Context, key string) (release func(), err error) {
	if !g.Serializes(key) {
		return func() {}, nil
	}

	g.mu.Lock()
	st, ok := g.states[key]
	if !ok {
		st = &state{}
		g.states[key] = st
	}

	if !st.running {
		st.running = true
		g.mu.Unlock()
		return g.releaseFunc(key), nil
	}

	ready := make(chan struct{})
	st.waiters = append(st.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		// Ownership was handed to us; running stayed true throughout.
		return g.releaseFunc(key), nil
	case <-ctx.Done():
		g.withdraw(key, ready)
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the key.
func (g *Gate) Do(ctx context.Context, key string, fn func() error) error {
	release, err := g.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// releaseFunc builds the idempotent release closure for an owned key.
func (g *Gate) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.release(key) })
	}
}

// release hands the key to the next waiter, or clears and deletes the
// key's state when the queue is empty.
func (g *Gate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[key]
	if !ok {
		// Release without a live state is a contract violation by the
		// caller; tolerate it rather than corrupt the table.
		return
	}

	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(next)
		return
	}

	st.running = false
	delete(g.states, key)
}

// withdraw removes a cancelled waiter. If ownership was already handed to
// the waiter before cancellation won the race, the ownership is passed on
// so the key is not wedged.
func (g *Gate) withdraw(key string, ready chan struct{}) {
	g.mu.Lock()
	st, ok := g.states[key]
	if ok {
		for i, w := range st.waiters {
			if w == ready {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				g.mu.Unlock()
				return
			}
		}
	}
	g.mu.Unlock()

	// Not in the queue: the hand-off already happened. Pass it on.
	select {
	case <-ready:
		g.release(key)
	default:
	}
}

// contended returns the number of keys with live state. Used by tests and
// the gateway status endpoint.
func (g *Gate) contended() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}

// ContendedKeys returns the resource keys currently running or queued,
// sorted. A healthy idle gate reports none.
func (g *Gate) ContendedKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]string, 0, len(g.states))
	for key := range g.states {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
