// Package zombie keeps a logical session's server-side identity alive for
// a grace window after its connection drops. A prompt reconnect re-binds
// to the same session and replays the backlog of events that accumulated
// while the connection was down; if nobody reconnects in time, a reaper
// destroys the entry and tells the caller so upstream resources can go.
//
// Unlike the recovery tracker, expiry here is timer-driven: the buffer
// must release resources even if nobody ever asks about the session again.
package zombie

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultGraceWindow is the reconnect grace window applied when none is
// configured.
const DefaultGraceWindow = 30 * time.Second

// Payload is one buffered outbound event awaiting replay.
type Payload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// entry tracks one zombie session. gen guards against a reaper that fires
// concurrently with a debounce or re-bind: the reaper only acts if the
// entry it captured is still the live one.
type entry struct {
	disconnectedAt time.Time
	reaper         *time.Timer
	gen            uint64
	backlog        []Payload
}

// Buffer is the zombie session table. All methods are safe for
// concurrent use; timer callbacks run on their own goroutine.
type Buffer struct {
	grace  time.Duration
	logger *slog.Logger

	// OnReap, if set, is called (outside the table lock) after a session's
	// grace window lapses without a re-bind.
	OnReap func(sessionKey string)

	// OnReBind, if set, is called after a successful re-bind.
	OnReBind func(sessionKey string)

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
}

// NewBuffer creates a Buffer with the given grace window.
// A window <= 0 falls back to DefaultGraceWindow.
func NewBuffer(grace time.Duration, logger *slog.Logger) *Buffer {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		grace:   grace,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// MarkZombie records that the session's connection dropped and arms the
// reaper. Marking an already-zombie session debounces: the existing entry
// and backlog are kept and the reaper is pushed out by a full window.
func (b *Buffer) MarkZombie(sessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextGen++
	gen := b.nextGen

	if e, ok := b.entries[sessionKey]; ok {
		e.reaper.Stop()
		e.gen = gen
		e.reaper = time.AfterFunc(b.grace, func() { b.reap(sessionKey, gen) })
		b.logger.Debug("zombie reaper debounced", "session", sessionKey)
		return
	}

	e := &entry{
		disconnectedAt: time.Now(),
		gen:            gen,
	}
	e.reaper = time.AfterFunc(b.grace, func() { b.reap(sessionKey, gen) })
	b.entries[sessionKey] = e

	b.logger.Info("session marked zombie",
		"session", sessionKey,
		"grace", b.grace,
	)
}

// IsZombie reports whether the session is currently in the grace window.
func (b *Buffer) IsZombie(sessionKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[sessionKey]
	return ok
}

// QueuePayload appends an event to the session's backlog. It is a no-op
// for sessions that are not zombie; live sessions deliver directly.
func (b *Buffer) QueuePayload(sessionKey string, p Payload) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[sessionKey]
	if !ok {
		return false
	}
	e.backlog = append(e.backlog, p)
	return true
}

// ReBind cancels the reaper, removes the zombie entry, and returns the
// backlog in original order for the caller to replay over the newly
// attached connection. Returns nil for a session that is not zombie.
func (b *Buffer) ReBind(sessionKey string) []Payload {
	b.mu.Lock()
	e, ok := b.entries[sessionKey]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	e.reaper.Stop()
	delete(b.entries, sessionKey)
	backlog := e.backlog
	onReBind := b.OnReBind
	b.mu.Unlock()

	b.logger.Info("session re-bound",
		"session", sessionKey,
		"replayed", len(backlog),
		"down_for", time.Since(e.disconnectedAt),
	)
	if onReBind != nil {
		onReBind(sessionKey)
	}
	return backlog
}

// reap is the timer callback. gen must match the live entry; a stale
// generation means the session was debounced or re-bound after this timer
// was armed, and the fire is ignored.
func (b *Buffer) reap(sessionKey string, gen uint64) {
	b.mu.Lock()
	e, ok := b.entries[sessionKey]
	if !ok || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.entries, sessionKey)
	dropped := len(e.backlog)
	onReap := b.OnReap
	b.mu.Unlock()

	b.logger.Warn("zombie session reaped",
		"session", sessionKey,
		"dropped", dropped,
	)
	if onReap != nil {
		onReap(sessionKey)
	}
}

// Clear cancels every pending reaper and wipes all state. Used at process
// shutdown so no reaper callback fires into a torn-down gateway.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, e := range b.entries {
		e.reaper.Stop()
		delete(b.entries, key)
	}
}

// Len returns the number of sessions currently in the grace window.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
