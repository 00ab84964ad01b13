// Package recovery absorbs brief transport disconnects without dropping
// outbound messages. Each channel account gets a fixed recovery window on
// disconnect; sends attempted during the window are queued and replayed in
// order once the connection is back. Expiry is pull-based: the window is
// checked on every query, so no background timer is needed (the tracker is
// consulted on every send attempt anyway).
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avermeil/lifeline/pkg/message"
)

// DefaultWindow is the recovery window applied when none is configured.
const DefaultWindow = 30 * time.Second

// FlushHandler replays queued deliveries after a reconnect, in the order
// they were queued.
type FlushHandler func(ctx context.Context, queued []message.Outbound) error

// accountState tracks one recovering account. It exists only while the
// account is recovering; expiry or an explicit clear removes it.
type accountState struct {
	recoverUntil time.Time
	queue        []message.Outbound
	flush        FlushHandler
}

// Tracker is the per-account connection recovery table.
// All methods are safe for concurrent use.
type Tracker struct {
	window time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]*accountState
	handlers map[string]FlushHandler

	shuttingDown atomic.Bool

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewTracker creates a Tracker with the given recovery window.
// A window <= 0 falls back to DefaultWindow.
func NewTracker(window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		window:   window,
		logger:   logger,
		accounts: make(map[string]*accountState),
		handlers: make(map[string]FlushHandler),
		now:      time.Now,
	}
}

// SetFlushHandler registers the replay callback for an account. The handler
// survives recovery cycles; it is attached to each new recovery entry.
func (t *Tracker) SetFlushHandler(accountID string, fn FlushHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.handlers, accountID)
		return
	}
	t.handlers[accountID] = fn
	if st, ok := t.accounts[accountID]; ok {
		st.flush = fn
	}
}

// SetRecovering marks the account as recovering and stamps a fresh window
// from now. Calling it again while already recovering extends the window.
func (t *Tracker) SetRecovering(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.accounts[accountID]
	if !ok {
		st = &accountState{flush: t.handlers[accountID]}
		t.accounts[accountID] = st
	}
	st.recoverUntil = t.now().Add(t.window)

	t.logger.Debug("recovery window opened",
		"account", accountID,
		"until", st.recoverUntil,
	)
}

// IsRecovering reports whether the account is inside its recovery window.
// It is the sole driver of expiry: a lapsed entry is removed here and its
// queued deliveries are discarded.
func (t *Tracker) IsRecovering(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveState(accountID) != nil
}

// liveState returns the account state if still inside the window, expiring
// it otherwise. Caller must hold t.mu.
func (t *Tracker) liveState(accountID string) *accountState {
	st, ok := t.accounts[accountID]
	if !ok {
		return nil
	}
	if t.now().After(st.recoverUntil) {
		if n := len(st.queue); n > 0 {
			t.logger.Warn("recovery window lapsed, dropping queued deliveries",
				"account", accountID,
				"dropped", n,
			)
		}
		delete(t.accounts, accountID)
		return nil
	}
	return st
}

// QueueDelivery appends msg to the account's pending queue. It succeeds
// only while the account is recovering; callers must fall through to a
// direct send on false so no message is lost to an expiry race.
func (t *Tracker) QueueDelivery(accountID string, msg message.Outbound) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.liveState(accountID)
	if st == nil {
		return false
	}
	st.queue = append(st.queue, msg)
	return true
}

// ClearRecovering forces the account back to idle and returns whatever was
// queued, in original order, for the caller to handle itself.
func (t *Tracker) ClearRecovering(accountID string) []message.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.accounts[accountID]
	if !ok {
		return nil
	}
	delete(t.accounts, accountID)
	return st.queue
}

// ClearRecoveringAndFlush forces the account back to idle and, if a flush
// handler is registered, invokes it once with the full queue in original
// order. Returns the number of deliveries handed to the handler. Without a
// handler the queue is discarded and the count is zero.
func (t *Tracker) ClearRecoveringAndFlush(ctx context.Context, accountID string) (int, error) {
	t.mu.Lock()
	st, ok := t.accounts[accountID]
	if !ok {
		t.mu.Unlock()
		return 0, nil
	}
	delete(t.accounts, accountID)
	queued, flush := st.queue, st.flush
	t.mu.Unlock()

	if flush == nil || len(queued) == 0 {
		if len(queued) > 0 {
			t.logger.Warn("no flush handler registered, dropping queued deliveries",
				"account", accountID,
				"dropped", len(queued),
			)
		}
		return 0, nil
	}

	if err := flush(ctx, queued); err != nil {
		return len(queued), err
	}

	t.logger.Info("flushed deferred deliveries",
		"account", accountID,
		"count", len(queued),
	)
	return len(queued), nil
}

// MarkShuttingDown suppresses further recovery windows. Deliberate
// connection teardown at process exit must not queue anything.
func (t *Tracker) MarkShuttingDown() {
	t.shuttingDown.Store(true)
}

// OnConnectionClosed is the transport "connection closed" signal.
func (t *Tracker) OnConnectionClosed(accountID string) {
	if t.shuttingDown.Load() {
		return
	}
	t.SetRecovering(accountID)
}

// OnConnectionOpened is the transport "connection opened" signal. It
// flushes only if the account is currently recovering.
func (t *Tracker) OnConnectionOpened(ctx context.Context, accountID string) (int, error) {
	if !t.IsRecovering(accountID) {
		return 0, nil
	}
	return t.ClearRecoveringAndFlush(ctx, accountID)
}

// RecoveringCount returns the number of accounts currently inside a
// recovery window. Lapsed entries are expired on the way.
func (t *Tracker) RecoveringCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for id := range t.accounts {
		if t.liveState(id) != nil {
			count++
		}
	}
	return count
}
