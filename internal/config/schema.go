// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for lifeline.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "45m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Cron      CronConfig      `yaml:"cron"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat,omitempty"`
	Recovery  RecoveryConfig  `yaml:"recovery,omitempty"`
	Zombie    ZombieConfig    `yaml:"zombie,omitempty"`
	Node      NodeConfig      `yaml:"node,omitempty"`
	Gate      GateConfig      `yaml:"gate,omitempty"`
	Channels  ChannelConfig   `yaml:"channels,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// AuthToken protects the admin API. Empty disables auth.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// CronConfig configures the job scheduler.
type CronConfig struct {
	// StorePath is the flat JSON job store location.
	StorePath string `yaml:"store_path"`

	StaleRunningThreshold Duration `yaml:"stale_running_threshold,omitempty"`
	SelfCheckInterval     Duration `yaml:"self_check_interval,omitempty"`
	DeadTimerThreshold    Duration `yaml:"dead_timer_threshold,omitempty"`
}

// HeartbeatConfig configures the periodic wake cycle.
type HeartbeatConfig struct {
	Interval Duration `yaml:"interval,omitempty"`

	// QuietHours is a "HH:MM-HH:MM" blackout window. Empty disables it.
	QuietHours string `yaml:"quiet_hours,omitempty"`

	// Timezone is an IANA zone name for quiet hours. Default UTC.
	Timezone string `yaml:"timezone,omitempty"`
}

// RecoveryConfig configures connection recovery tracking.
type RecoveryConfig struct {
	// Window is how long after a disconnect sends are deferred.
	Window Duration `yaml:"window,omitempty"`
}

// ZombieConfig configures disconnected-session buffering.
type ZombieConfig struct {
	// GraceWindow is how long a disconnected session is kept before reap.
	GraceWindow Duration `yaml:"grace_window,omitempty"`
}

// NodeConfig configures the companion node WebSocket endpoint.
type NodeConfig struct {
	// PairingTokens authorize new node connections.
	PairingTokens []string `yaml:"pairing_tokens,omitempty"`

	MaxNodes          int      `yaml:"max_nodes,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
}

// GateConfig configures resource serialization.
type GateConfig struct {
	// SerializedKeys lists resource keys whose operations must not overlap.
	SerializedKeys []string `yaml:"serialized_keys,omitempty"`
}

// ChannelConfig configures outbound message handling.
type ChannelConfig struct {
	// MaxMessageLength splits longer outbound messages. 0 disables.
	MaxMessageLength int `yaml:"max_message_length,omitempty"`

	PreserveCodeBlocks bool `yaml:"preserve_code_blocks,omitempty"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the OTLP HTTP collector address, e.g. "localhost:4318".
	Endpoint string `yaml:"endpoint,omitempty"`

	// SampleRatio in [0,1]. Default 1 (sample everything).
	SampleRatio *float64 `yaml:"sample_ratio,omitempty"`
}
