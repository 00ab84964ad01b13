package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultShutdownTimeout bounds graceful shutdown when none is configured.
const DefaultShutdownTimeout = 15 * time.Second

// App manages the lifecycle of a set of named components. Components
// start in registration order and stop in reverse.
type App struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration

	mu         sync.Mutex
	components []component
	onShutdown []func()
}

type component struct {
	name    string
	value   any
	started bool
}

// NewApp creates an App. A timeout <= 0 falls back to
// DefaultShutdownTimeout.
func NewApp(logger *slog.Logger, shutdownTimeout time.Duration) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &App{
		logger:          logger.With("component", "core"),
		shutdownTimeout: shutdownTimeout,
	}
}

// Add registers a component. Components that implement neither Starter
// nor Stopper are accepted and simply skipped at each phase.
func (a *App) Add(name string, c any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components = append(a.components, component{name: name, value: c})
}

// OnShutdown registers fn to run at the start of Stop, before any
// component stops. Used for flags that must flip before teardown, like
// suppressing recovery windows during deliberate disconnects.
func (a *App) OnShutdown(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onShutdown = append(a.onShutdown, fn)
}

// Start starts all registered components that implement Starter, in
// order. If any Start fails, already-started components are stopped in
// reverse order.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.components {
		c := &a.components[i]
		s, ok := c.value.(Starter)
		if !ok {
			continue
		}
		a.logger.Info("starting component", "name", c.name)
		if err := s.Start(); err != nil {
			a.logger.Error("component start failed", "name", c.name, "error", err)
			a.stopLocked(i - 1)
			return fmt.Errorf("starting %s: %w", c.name, err)
		}
		c.started = true
	}
	a.logger.Info("all components started")
	return nil
}

// Stop runs the shutdown hooks, then stops all started components in
// reverse order with a timeout.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, fn := range a.onShutdown {
		fn()
	}
	a.stopLocked(len(a.components) - 1)
}

func (a *App) stopLocked(fromIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	for i := fromIndex; i >= 0; i-- {
		c := &a.components[i]
		if !c.started {
			continue
		}
		if s, ok := c.value.(Stopper); ok {
			a.logger.Info("stopping component", "name", c.name)
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("component stop error", "name", c.name, "error", err)
			}
		}
		c.started = false
	}
}

// Run starts all components and blocks until a shutdown signal is
// received.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	a.logger.Info("shutdown signal received", "signal", sig.String())

	a.Stop()
	a.logger.Info("shutdown complete")
	return nil
}
