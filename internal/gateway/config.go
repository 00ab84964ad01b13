package gateway

import "time"

// Config holds the HTTP gateway configuration.
type Config struct {
	// Bind is the listen address, e.g. ":8080".
	Bind string

	// AuthToken protects /status and /api. Empty leaves those routes
	// unmounted; the gateway never serves an unauthenticated admin surface.
	AuthToken string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}
