package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/avermeil/lifeline/internal/heartbeat"
)

// Validate checks the structural validity of a Config. All problems are
// collected and returned together.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.Gateway.Listen == "" {
		errs = append(errs, errors.New("config: gateway.listen is required"))
	}
	if cfg.Cron.StorePath == "" {
		errs = append(errs, errors.New("config: cron.store_path is required"))
	}

	if cfg.Heartbeat.QuietHours != "" {
		if _, err := heartbeat.ParseQuietHours(cfg.Heartbeat.QuietHours); err != nil {
			errs = append(errs, fmt.Errorf("config: heartbeat.quiet_hours: %w", err))
		}
	}
	if cfg.Heartbeat.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Heartbeat.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("config: heartbeat.timezone: %w", err))
		}
	}

	if cfg.Node.MaxNodes < 0 {
		errs = append(errs, errors.New("config: node.max_nodes must not be negative"))
	}
	if cfg.Channels.MaxMessageLength < 0 {
		errs = append(errs, errors.New("config: channels.max_message_length must not be negative"))
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("config: telemetry.endpoint is required when telemetry is enabled"))
	}
	if r := cfg.Telemetry.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("config: telemetry.sample_ratio %v outside [0,1]", *r))
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"cron.stale_running_threshold", cfg.Cron.StaleRunningThreshold},
		{"cron.self_check_interval", cfg.Cron.SelfCheckInterval},
		{"cron.dead_timer_threshold", cfg.Cron.DeadTimerThreshold},
		{"heartbeat.interval", cfg.Heartbeat.Interval},
		{"recovery.window", cfg.Recovery.Window},
		{"zombie.grace_window", cfg.Zombie.GraceWindow},
		{"node.heartbeat_interval", cfg.Node.HeartbeatInterval},
		{"shutdown_timeout", cfg.ShutdownTimeout},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("config: %s must not be negative", d.name))
		}
	}

	return errors.Join(errs...)
}
