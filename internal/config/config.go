// Package config holds all configuration types and loading logic for listq.
// Config structure never shrinks — fields are only added, never renamed or
// removed, so existing deployments keep working across upgrades.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by all listq executables.
type Config struct {
	Site    SiteConfig    `yaml:"site"`
	Runner  RunnerConfig  `yaml:"runner"`
	Bounce  BounceConfig  `yaml:"bounce"`
	Notify  NotifyConfig  `yaml:"notify"`
	DKIM    DKIMConfig    `yaml:"dkim"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SiteConfig holds filesystem locations and the mail domain identity.
type SiteConfig struct {
	// DataDir is the root under which queue directories, the hold store,
	// the bounce ledger, and archives live.
	DataDir string `yaml:"data_dir"`

	// ListsFile is the YAML list directory consumed by the core. List
	// administration itself happens elsewhere; listq only reads (and, for
	// membership changes, atomically rewrites) this file.
	ListsFile string `yaml:"lists_file"`

	// Host is the mail domain list addresses live under.
	Host string `yaml:"host"`
}

// RunnerConfig tunes the queue runner polling loops.
type RunnerConfig struct {
	// PollInterval is the idle sleep between directory scans. This is the
	// only suspension point in a runner and bounds pickup latency.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxFailures is how many errored pipeline attempts a message gets
	// before it is shunted instead of retried.
	MaxFailures int `yaml:"max_failures"`

	// BatchSize caps how many messages one cycle may process, so a busy
	// queue cannot starve other runners sharing the host.
	BatchSize int `yaml:"batch_size"`

	// OrphanGrace is how old a payload half without its sidecar must be
	// before maintenance sweeps it away.
	OrphanGrace time.Duration `yaml:"orphan_grace"`

	// MaintenanceInterval is how often the hold-expiry and ledger
	// staleness sweeps run.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// BounceConfig sets site-wide bounce-processing defaults; per-list policy
// in the list directory overrides them.
type BounceConfig struct {
	// ScoreThreshold is the bounce score at which a member's delivery is
	// disabled.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// StaleAfter is how long after the last bounce a record is reset to
	// zero on the next maintenance pass.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MaxWarnings is how many disable warnings a member receives before
	// the membership is dropped.
	MaxWarnings int `yaml:"max_warnings"`

	// WarningInterval is the spacing between successive disable warnings.
	WarningInterval time.Duration `yaml:"warning_interval"`

	// HoldExpiry is how long a pending hold survives before the sweep
	// auto-discards it.
	HoldExpiry time.Duration `yaml:"hold_expiry"`
}

// NotifyConfig controls operational notices.
type NotifyConfig struct {
	// OwnerNoticeEvery rate-limits unparsable-bounce escalations to the
	// list owner; notices suppressed in between are counted and reported
	// in the next one that goes out.
	OwnerNoticeEvery time.Duration `yaml:"owner_notice_every"`
}

// DKIMConfig controls signing of outgoing list traffic. Signing is off
// unless both fields are set.
type DKIMConfig struct {
	Selector string `yaml:"selector"`
	// KeyFile is a PEM-encoded RSA or Ed25519 private key.
	KeyFile string `yaml:"key_file"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			DataDir:   "./data",
			ListsFile: "./lists.yaml",
			Host:      "localhost",
		},
		Runner: RunnerConfig{
			PollInterval:        time.Second,
			MaxFailures:         3,
			BatchSize:           50,
			OrphanGrace:         time.Hour,
			MaintenanceInterval: 15 * time.Minute,
		},
		Bounce: BounceConfig{
			ScoreThreshold:  5.0,
			StaleAfter:      7 * 24 * time.Hour,
			MaxWarnings:     3,
			WarningInterval: 7 * 24 * time.Hour,
			HoldExpiry:      30 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			OwnerNoticeEvery: 12 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of
// Default(). If the file does not exist the default config is returned
// without error, so listq runs with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	LISTQ_DATA_DIR      — sets site.data_dir
//	LISTQ_LISTS_FILE    — sets site.lists_file
//	LISTQ_HOST          — sets site.host
//	LISTQ_METRICS_PORT  — sets metrics.port and enables the endpoint
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTQ_DATA_DIR"); v != "" {
		cfg.Site.DataDir = v
	}
	if v := os.Getenv("LISTQ_LISTS_FILE"); v != "" {
		cfg.Site.ListsFile = v
	}
	if v := os.Getenv("LISTQ_HOST"); v != "" {
		cfg.Site.Host = v
	}
	if v := os.Getenv("LISTQ_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Metrics.Port = p
			cfg.Metrics.Enabled = true
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Site.DataDir == "" {
		return errors.New("site.data_dir must not be empty")
	}
	if c.Site.Host == "" {
		return errors.New("site.host must not be empty")
	}
	if c.Runner.PollInterval <= 0 {
		return errors.New("runner.poll_interval must be positive")
	}
	if c.Runner.MaxFailures < 1 {
		return errors.New("runner.max_failures must be at least 1")
	}
	if c.Runner.BatchSize < 1 {
		return errors.New("runner.batch_size must be at least 1")
	}
	if c.Runner.OrphanGrace <= 0 {
		return errors.New("runner.orphan_grace must be positive")
	}
	if c.Runner.MaintenanceInterval <= 0 {
		return errors.New("runner.maintenance_interval must be positive")
	}
	if c.Bounce.ScoreThreshold <= 0 {
		return errors.New("bounce.score_threshold must be positive")
	}
	if c.Bounce.MaxWarnings < 0 {
		return errors.New("bounce.max_warnings must be >= 0")
	}
	if c.Bounce.StaleAfter <= 0 {
		return errors.New("bounce.stale_after must be positive")
	}
	if c.Bounce.WarningInterval <= 0 {
		return errors.New("bounce.warning_interval must be positive")
	}
	if c.Bounce.HoldExpiry <= 0 {
		return errors.New("bounce.hold_expiry must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if (c.DKIM.Selector == "") != (c.DKIM.KeyFile == "") {
		return errors.New("dkim.selector and dkim.key_file must be set together")
	}
	return nil
}
