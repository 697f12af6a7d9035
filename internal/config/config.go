// Package config handles configuration loading for the scatterbins server.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Binned   BinnedConfig   `yaml:"binned"`
	Cache    CacheConfig    `yaml:"cache"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// EngineConfig selects the hypercube engine. When RemoteURL is set the
// server talks to that engine over HTTP and DatasetPath is ignored.
type EngineConfig struct {
	DatasetPath           string `yaml:"dataset_path"`
	SyntheticPoints       int    `yaml:"synthetic_points"`
	RemoteURL             string `yaml:"remote_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// BinnedConfig contains fetch settings applied to every chart.
type BinnedConfig struct {
	DefaultResolution int `yaml:"default_resolution"`
	MaxRows           int `yaml:"max_rows"`
	FetchTimeoutMs    int `yaml:"fetch_timeout_ms"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	QueryCacheSize     int `yaml:"query_cache_size"`
	SnapshotCacheMB    int `yaml:"snapshot_cache_mb"`
	SnapshotTTLMinutes int `yaml:"snapshot_ttl_minutes"`
}

// SnapshotConfig contains snapshot persistence settings.
type SnapshotConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RequestTimeout returns the remote engine timeout.
func (c EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// FetchTimeout returns the per-fetch deadline, zero meaning none.
func (c BinnedConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// SnapshotTTL returns how long encoded snapshot payloads stay cached.
func (c CacheConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLMinutes) * time.Minute
}

// Retention returns how long snapshots are kept.
func (c SnapshotConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "scatterbins",
		},
		Engine: EngineConfig{
			SyntheticPoints:       200000,
			RequestTimeoutSeconds: 30,
		},
		Binned: BinnedConfig{
			DefaultResolution: 6,
			MaxRows:           10000,
		},
		Cache: CacheConfig{
			QueryCacheSize:     256,
			SnapshotCacheMB:    64,
			SnapshotTTLMinutes: 10,
		},
		Snapshot: SnapshotConfig{
			SQLitePath:    "./data/snapshots.sqlite",
			RetentionDays: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Engine.SyntheticPoints == 0 {
		cfg.Engine.SyntheticPoints = defaults.Engine.SyntheticPoints
	}
	if cfg.Engine.RequestTimeoutSeconds == 0 {
		cfg.Engine.RequestTimeoutSeconds = defaults.Engine.RequestTimeoutSeconds
	}
	if cfg.Binned.DefaultResolution == 0 {
		cfg.Binned.DefaultResolution = defaults.Binned.DefaultResolution
	}
	if cfg.Binned.MaxRows == 0 {
		cfg.Binned.MaxRows = defaults.Binned.MaxRows
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.SnapshotCacheMB == 0 {
		cfg.Cache.SnapshotCacheMB = defaults.Cache.SnapshotCacheMB
	}
	if cfg.Cache.SnapshotTTLMinutes == 0 {
		cfg.Cache.SnapshotTTLMinutes = defaults.Cache.SnapshotTTLMinutes
	}
	if cfg.Snapshot.SQLitePath == "" {
		cfg.Snapshot.SQLitePath = defaults.Snapshot.SQLitePath
	}
	if cfg.Snapshot.RetentionDays == 0 {
		cfg.Snapshot.RetentionDays = defaults.Snapshot.RetentionDays
	}
}

// applyEnv overrides file settings with SCATTERBINS_* variables. Callers
// load .env files before Load so those values are visible here.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SCATTERBINS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		} else {
			log.Printf("Warning: ignoring invalid SCATTERBINS_PORT %q", v)
		}
	}
	if v := os.Getenv("SCATTERBINS_DATASET"); v != "" {
		cfg.Engine.DatasetPath = v
	}
	if v := os.Getenv("SCATTERBINS_ENGINE_URL"); v != "" {
		cfg.Engine.RemoteURL = v
	}
	if v := os.Getenv("SCATTERBINS_SNAPSHOT_DB"); v != "" {
		cfg.Snapshot.SQLitePath = v
	}
}
