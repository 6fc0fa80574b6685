package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		errs = append(errs, fmt.Errorf("paths.api_bind: %w", err))
	}
	if c.Watcher.DebounceMillis <= 0 {
		errs = append(errs, fmt.Errorf("watcher.debounce_ms must be positive, got %d", c.Watcher.DebounceMillis))
	}
	if c.Watcher.MaxDeferralMillis < 0 {
		errs = append(errs, fmt.Errorf("watcher.max_deferral_ms must not be negative, got %d", c.Watcher.MaxDeferralMillis))
	}
	if c.Watcher.MaxDeferralMillis > 0 && c.Watcher.MaxDeferralMillis < c.Watcher.DebounceMillis {
		errs = append(errs, fmt.Errorf("watcher.max_deferral_ms (%d) must be 0 or at least debounce_ms (%d)",
			c.Watcher.MaxDeferralMillis, c.Watcher.DebounceMillis))
	}
	if c.Process.KillGraceSeconds <= 0 {
		errs = append(errs, fmt.Errorf("process.kill_grace_seconds must be positive, got %d", c.Process.KillGraceSeconds))
	}

	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
