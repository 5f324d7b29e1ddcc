// Package config handles loading, validating, and writing the VeriTrail
// service configuration from <data-dir>/config.yaml.
//
// The config defines:
//   - Server bind address for the REST API, metrics and live feed
//   - Storage paths (SQLite database, signing key directory)
//   - Sealing batch size
//   - Anomaly scanner thresholds
//   - Archive directory and backup/restore job queue limits
//   - Cron schedules for the background seal/verify/scan sweeps
//
// Scanner pattern rules live in a separate scan_rules.yaml and the frozen
// tenant list in frozen.yaml; both sit next to config.yaml and are hot
// reloaded by the Watcher.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Well-known file names inside the data directory. The Watcher matches
// change events against these, and the CLI joins them onto --data-dir.
const (
	FileName        = "config.yaml"
	FrozenFileName  = "frozen.yaml"
	RulesFileName   = "scan_rules.yaml"
	TenantsFileName = "tenants.yaml"
)

// Config is the top-level VeriTrail service configuration.
// Loaded from <data-dir>/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sealing   SealingConfig   `yaml:"sealing"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Feed      FeedConfig      `yaml:"feed"`
	Schedules SchedulesConfig `yaml:"schedules"`
}

// ServerConfig defines where the API server listens.
// Default: 127.0.0.1:8440 (loopback only — put a real ingress in front
// before binding wider).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds file locations. Relative paths are resolved
// against the data directory by the caller.
type StorageConfig struct {
	Database string `yaml:"database"`
	KeyDir   string `yaml:"key_dir"`
}

// SealingConfig controls the batch sealer.
type SealingConfig struct {
	// BatchSize is how many entries one sealed batch covers. The sealer
	// also seals a final partial batch, so this is a ceiling, not a floor.
	BatchSize int `yaml:"batch_size"`
}

// ScannerConfig tunes the anomaly scanner's builtin detectors. All
// thresholds are per scan window; zero keeps the scanner default.
type ScannerConfig struct {
	WindowMinutes            int `yaml:"window_minutes"`
	DeniedBurstThreshold     int `yaml:"denied_burst_threshold"`
	DeniedBurstWindowMinutes int `yaml:"denied_burst_window_minutes"`
	BusinessStartHour        int `yaml:"business_start_hour"`
	BusinessEndHour          int `yaml:"business_end_hour"`
	OffHoursThreshold        int `yaml:"off_hours_threshold"`
	BulkReadThreshold        int `yaml:"bulk_read_threshold"`
	MaxEntries               int `yaml:"max_entries"`
}

// ArchiveConfig controls cold storage segments and the backup/restore
// job queue.
type ArchiveConfig struct {
	// Dir is where segment zip files land. Relative to the data dir.
	Dir string `yaml:"dir"`
	// Queue limits. RetryBaseDelayMs is the first retry backoff; each
	// further attempt doubles it.
	MaxConcurrent    int `yaml:"max_concurrent"`
	MaxQueueDepth    int `yaml:"max_queue_depth"`
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
}

// FeedConfig controls the live entry feed served over websocket.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SchedulesConfig holds cron expressions for the background sweeps.
// Standard 5-field cron plus @every descriptors (robfig/cron). An empty
// expression disables that sweep.
type SchedulesConfig struct {
	Seal   string `yaml:"seal"`
	Verify string `yaml:"verify"`
	Scan   string `yaml:"scan"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. This is normal on first run
			// before `veritrail init` creates the data directory.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `veritrail init` when no config file
// exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# VeriTrail Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 8440)
#
# storage:
#   database: SQLite file, relative to the data directory
#   key_dir: Where the ed25519 seal signing key lives
#
# sealing:
#   batch_size: Entries per sealed batch (the tail partial batch is sealed too)
#
# scanner:
#   Detector thresholds. window_minutes is how far back a scan looks.
#   Business hours are UTC; admin writes outside them count as off-hours.
#
# archive:
#   dir: Segment zip directory, relative to the data directory
#   max_concurrent / max_queue_depth / max_retries / retry_base_delay_ms:
#     backup and restore job queue limits
#
# feed:
#   enabled: Serve the live entry feed at /api/feed/ws
#
# schedules:
#   Cron expressions (5-field or @every) for the background sweeps.
#   Empty string disables a sweep.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8440,
		},
		Storage: StorageConfig{
			Database: "audit.db",
			KeyDir:   "keys",
		},
		Sealing: SealingConfig{
			BatchSize: 256,
		},
		Scanner: ScannerConfig{
			WindowMinutes:            24 * 60,
			DeniedBurstThreshold:     5,
			DeniedBurstWindowMinutes: 15,
			BusinessStartHour:        8,
			BusinessEndHour:          18,
			OffHoursThreshold:        10,
			BulkReadThreshold:        25,
			MaxEntries:               10000,
		},
		Archive: ArchiveConfig{
			Dir:              "archive",
			MaxConcurrent:    2,
			MaxQueueDepth:    16,
			MaxRetries:       3,
			RetryBaseDelayMs: 2000,
		},
		Feed: FeedConfig{
			Enabled: true,
		},
		Schedules: SchedulesConfig{
			Seal:   "*/5 * * * *",
			Verify: "7 * * * *",
			Scan:   "*/30 * * * *",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Storage.Database == "" {
		return fmt.Errorf("storage.database must not be empty")
	}
	if cfg.Storage.KeyDir == "" {
		return fmt.Errorf("storage.key_dir must not be empty")
	}

	if cfg.Sealing.BatchSize < 1 {
		return fmt.Errorf("sealing.batch_size must be at least 1")
	}

	if h := cfg.Scanner.BusinessStartHour; h < 0 || h > 23 {
		return fmt.Errorf("scanner.business_start_hour %d out of range (0-23)", h)
	}
	if h := cfg.Scanner.BusinessEndHour; h < 0 || h > 24 {
		return fmt.Errorf("scanner.business_end_hour %d out of range (0-24)", h)
	}
	if cfg.Scanner.BusinessEndHour <= cfg.Scanner.BusinessStartHour {
		return fmt.Errorf("scanner business hours: end %d must be after start %d",
			cfg.Scanner.BusinessEndHour, cfg.Scanner.BusinessStartHour)
	}

	if cfg.Archive.Dir == "" {
		return fmt.Errorf("archive.dir must not be empty")
	}
	if cfg.Archive.RetryBaseDelayMs < 0 {
		return fmt.Errorf("archive.retry_base_delay_ms must be non-negative")
	}

	return nil
}
