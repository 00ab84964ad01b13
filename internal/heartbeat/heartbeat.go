// Package heartbeat drives the agent's periodic wake cycle: a ticker
// poses a heartbeat turn on a fixed interval, and collaborators (the
// cron scheduler, mostly) can demand an immediate out-of-band wake.
package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for heartbeat operations.
var (
	ErrAlreadyStarted = errors.New("heartbeat: already started")
	ErrNotStarted     = errors.New("heartbeat: not started")
	ErrInvalidQuiet   = errors.New("heartbeat: invalid quiet hours format")
)

// Runner executes one heartbeat turn. reason is "interval" for the
// periodic tick, or the caller-supplied reason for a forced wake.
type Runner interface {
	RunHeartbeat(ctx context.Context, reason string) error
}

// Config holds heartbeat configuration.
type Config struct {
	Interval   time.Duration  // default 30m
	QuietHours *QuietHours    // nil = no quiet hours
	Timezone   *time.Location // nil = UTC
	Logger     *slog.Logger
	Now        func() time.Time // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Heartbeat runs a dedicated goroutine that wakes the agent on a fixed
// interval and on demand. Forced wakes coalesce: requests arriving while
// one is already pending fold into it rather than queueing.
type Heartbeat struct {
	cfg    Config
	runner Runner
	wake   chan string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Heartbeat with the given configuration.
func New(cfg Config, runner Runner) (*Heartbeat, error) {
	if runner == nil {
		return nil, errors.New("heartbeat: nil Runner")
	}

	return &Heartbeat{
		cfg:    cfg.withDefaults(),
		runner: runner,
		wake:   make(chan string, 1),
	}, nil
}

// RequestNow demands an immediate heartbeat. Non-blocking; a request
// arriving while one is already pending coalesces into it. Forced wakes
// ignore quiet hours.
func (h *Heartbeat) RequestNow(reason string) {
	select {
	case h.wake <- reason:
	default:
	}
}

// Start begins the heartbeat loop. Returns ErrAlreadyStarted if called twice.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
	return nil
}

// Stop gracefully stops the heartbeat loop. Returns ErrNotStarted if not running.
func (h *Heartbeat) Stop(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return ErrNotStarted
	}

	h.cancel()
	h.cancel = nil
	return nil
}

// run is the main loop.
func (h *Heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		case reason := <-h.wake:
			h.fire(ctx, reason)
		}
	}
}

// tick runs one periodic heartbeat, unless quiet hours suppress it.
func (h *Heartbeat) tick(ctx context.Context) {
	now := h.cfg.Now().In(h.cfg.Timezone)

	if h.cfg.QuietHours != nil && h.cfg.QuietHours.IsQuiet(now) {
		h.cfg.Logger.Debug("heartbeat skipped: quiet hours")
		return
	}

	h.fire(ctx, "interval")
}

func (h *Heartbeat) fire(ctx context.Context, reason string) {
	if err := h.runner.RunHeartbeat(ctx, reason); err != nil {
		h.cfg.Logger.Warn("heartbeat run failed",
			"reason", reason,
			"error", err,
		)
	}
}
