// Package core manages the application lifecycle: ordered component
// startup, signal handling, and reverse-order shutdown with a timeout.
package core

import "context"

// Starter is implemented by components that need to start background work
// (goroutines, listeners, connections).
type Starter interface {
	Start() error
}

// Stopper is implemented by components that need to clean up resources.
// Called during shutdown in reverse order of Start().
type Stopper interface {
	Stop(ctx context.Context) error
}
