// Package config handles configuration loading, validation, and defaults
// for stepd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Engine holds validation and logging-policy settings.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Storage holds record store settings.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Import holds external-file import settings.
	Import ImportConfig `toml:"import" json:"import" yaml:"import"`

	// Metrics holds the metrics endpoint settings.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging holds logging settings.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// EngineConfig holds step validation thresholds and timing.
type EngineConfig struct {
	// RecordIntervalMs is the minimum spacing between records when
	// aggregated mode is off.
	RecordIntervalMs int `toml:"record_interval_ms" json:"record_interval_ms" yaml:"record_interval_ms"`

	// WarmupDurationMs is the grace period before steps are trusted.
	// 0 disables warmup.
	WarmupDurationMs int `toml:"warmup_duration_ms" json:"warmup_duration_ms" yaml:"warmup_duration_ms"`

	// MinStepsToValidate is the minimum step count warmup must accumulate.
	MinStepsToValidate uint32 `toml:"min_steps_to_validate" json:"min_steps_to_validate" yaml:"min_steps_to_validate"`

	// MaxStepsPerSecond is the fastest plausible walking cadence.
	MaxStepsPerSecond float64 `toml:"max_steps_per_second" json:"max_steps_per_second" yaml:"max_steps_per_second"`

	// InactivityTimeoutMs resets the session after this much quiet.
	// 0 disables the inactivity boundary.
	InactivityTimeoutMs int `toml:"inactivity_timeout_ms" json:"inactivity_timeout_ms" yaml:"inactivity_timeout_ms"`

	// AggregatedMode selects continuous per-increment logging with
	// buffering; off selects interval logging.
	AggregatedMode bool `toml:"aggregated_mode" json:"aggregated_mode" yaml:"aggregated_mode"`

	// FlushIntervalMs is the write buffer flush period.
	FlushIntervalMs int `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`

	// RetentionDays is how long records are kept; 0 keeps them forever.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// ImportConfig holds external-file import configuration.
type ImportConfig struct {
	// Enabled turns the import watcher on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Dir is the drop directory watched for FIT and JSON step files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled turns the HTTP metrics listener on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the address the metrics endpoint binds to.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Engine: EngineConfig{
			RecordIntervalMs:    10000,
			WarmupDurationMs:    10000,
			MinStepsToValidate:  8,
			MaxStepsPerSecond:   4.5,
			InactivityTimeoutMs: 300000, // 5 minutes
			AggregatedMode:      true,
			FlushIntervalMs:     3000,
			RetentionDays:       0,
		},
		Storage: StorageConfig{
			Path: filepath.Join(defaultDataDir(), "steps.db"),
		},
		Import: ImportConfig{
			Enabled: false,
			Dir:     filepath.Join(defaultDataDir(), "import"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9221",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// RecordInterval returns the record interval as a duration.
func (e EngineConfig) RecordInterval() time.Duration {
	return time.Duration(e.RecordIntervalMs) * time.Millisecond
}

// WarmupDuration returns the warmup duration as a duration.
func (e EngineConfig) WarmupDuration() time.Duration {
	return time.Duration(e.WarmupDurationMs) * time.Millisecond
}

// InactivityTimeout returns the inactivity timeout as a duration.
func (e EngineConfig) InactivityTimeout() time.Duration {
	return time.Duration(e.InactivityTimeoutMs) * time.Millisecond
}

// FlushInterval returns the flush interval as a duration.
func (e EngineConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalMs) * time.Millisecond
}

// RetentionPeriod returns the retention period as a duration; 0 means keep
// forever.
func (e EngineConfig) RetentionPeriod() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// defaultDataDir returns the platform-specific default data directory.
func defaultDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "stepd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "stepd")
	default: // Linux and other Unix
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			homeDir, _ := os.UserHomeDir()
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataHome, "stepd")
	}
}

// DefaultPath returns the platform-specific default config file path.
func DefaultPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "stepd", "config.toml")
	case "windows":
		appData := os.Getenv("APPDATA")
		return filepath.Join(appData, "stepd", "config.toml")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			homeDir, _ := os.UserHomeDir()
			configHome = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configHome, "stepd", "config.toml")
	}
}
