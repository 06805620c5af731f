// Package config handles configuration loading, validation, and defaults
// for the session engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the complete engine configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures on-disk layout and durability.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Checkpoint configures the snapshot engine.
	Checkpoint CheckpointConfig `toml:"checkpoint" json:"checkpoint" yaml:"checkpoint"`

	// Query configures retrieval limits, thresholds and caching.
	Query QueryConfig `toml:"query" json:"query" yaml:"query"`

	// Sync configures the optional remote reconciler.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Logging configures structured log output.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	// DataDir holds event logs, the index database and checkpoints.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// MasterKeyFile optionally points at a 32-byte key used to derive
	// per-session record authentication keys. Empty disables HMAC tags.
	MasterKeyFile string `toml:"master_key_file" json:"master_key_file" yaml:"master_key_file"`

	// MaxApplyRetries is how many times an index apply is retried before
	// the session is flagged index_degraded.
	MaxApplyRetries int `toml:"max_apply_retries" json:"max_apply_retries" yaml:"max_apply_retries"`

	// WatchExternal enables flagging sessions whose log files are
	// modified out-of-band.
	WatchExternal bool `toml:"watch_external" json:"watch_external" yaml:"watch_external"`
}

// CheckpointConfig controls the snapshot engine.
type CheckpointConfig struct {
	// Interval between timer-triggered checkpoints per active session.
	Interval duration `toml:"interval" json:"interval" yaml:"interval"`

	// RecentEvents is how many tail events resume contexts include.
	RecentEvents int `toml:"recent_events" json:"recent_events" yaml:"recent_events"`
}

// QueryConfig controls retrieval.
type QueryConfig struct {
	// DefaultLimit caps queries that pass no limit.
	DefaultLimit int `toml:"default_limit" json:"default_limit" yaml:"default_limit"`

	// MaxLimit is the hard cap; larger requested limits are clamped.
	MaxLimit int `toml:"max_limit" json:"max_limit" yaml:"max_limit"`

	// SimilarityFloor excludes semantic results scoring below it.
	SimilarityFloor float64 `toml:"similarity_floor" json:"similarity_floor" yaml:"similarity_floor"`

	// CacheTTL bounds cached query results; writes invalidate earlier.
	CacheTTL duration `toml:"cache_ttl" json:"cache_ttl" yaml:"cache_ttl"`

	// EmbeddingDim is the fixed embedding dimensionality for this
	// deployment. Zero disables the semantic store.
	EmbeddingDim int `toml:"embedding_dim" json:"embedding_dim" yaml:"embedding_dim"`
}

// SyncConfig controls the remote reconciler.
type SyncConfig struct {
	// Enabled turns the reconciler on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// BaseURL of the remote sync backend.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// Timeout for remote calls. Local operations are never timed out.
	Timeout duration `toml:"timeout" json:"timeout" yaml:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`
}

// duration wraps time.Duration for TOML/YAML string forms like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:         PlatformDataDir(),
			MaxApplyRetries: 3,
			WatchExternal:   false,
		},
		Checkpoint: CheckpointConfig{
			Interval:     duration{5 * time.Minute},
			RecentEvents: 10,
		},
		Query: QueryConfig{
			DefaultLimit:    1000,
			MaxLimit:        1000,
			SimilarityFloor: 0.25,
			CacheTTL:        duration{time.Minute},
			EmbeddingDim:    0,
		},
		Sync: SyncConfig{
			Enabled: false,
			Timeout: duration{30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// PlatformDataDir returns the platform-specific default data directory.
func PlatformDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessiond"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "sessiond")
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "sessiond")
		}
		return filepath.Join(home, "sessiond")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "sessiond")
		}
		return filepath.Join(home, ".local", "share", "sessiond")
	}
}

// Load reads a config file, TOML or YAML by extension, applies defaults
// for missing sections, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckpointInterval returns the effective checkpoint timer interval.
func (c *Config) CheckpointInterval() time.Duration { return c.Checkpoint.Interval.Duration }

// CacheTTL returns the effective query-cache TTL.
func (c *Config) CacheTTL() time.Duration { return c.Query.CacheTTL.Duration }

// SyncTimeout returns the effective remote-call timeout.
func (c *Config) SyncTimeout() time.Duration { return c.Sync.Timeout.Duration }
