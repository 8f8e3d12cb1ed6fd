package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	if c.Version <= 0 || c.Version > Version {
		errs = append(errs, fmt.Errorf("unsupported config version %d", c.Version))
	}

	e := c.Engine
	if e.RecordIntervalMs < 0 {
		errs = append(errs, errors.New("engine.record_interval_ms must not be negative"))
	}
	if e.WarmupDurationMs < 0 {
		errs = append(errs, errors.New("engine.warmup_duration_ms must not be negative"))
	}
	if e.MaxStepsPerSecond <= 0 {
		errs = append(errs, errors.New("engine.max_steps_per_second must be positive"))
	}
	if e.InactivityTimeoutMs < 0 {
		errs = append(errs, errors.New("engine.inactivity_timeout_ms must not be negative"))
	}
	if e.FlushIntervalMs <= 0 {
		errs = append(errs, errors.New("engine.flush_interval_ms must be positive"))
	}
	if e.RetentionDays < 0 {
		errs = append(errs, errors.New("engine.retention_days must not be negative"))
	}
	if !e.AggregatedMode && e.RecordIntervalMs == 0 {
		errs = append(errs, errors.New("engine.record_interval_ms required when aggregated_mode is off"))
	}

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}

	if c.Import.Enabled && c.Import.Dir == "" {
		errs = append(errs, errors.New("import.dir required when import is enabled"))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen required when metrics are enabled"))
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
