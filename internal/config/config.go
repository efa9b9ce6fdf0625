package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Observer ObserverConfig `toml:"observer"`
}

type DatabaseConfig struct {
	// Driver selects the snapshot store backend:
	// sqlite, postgres, libsql, or memory.
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
	TursoURL    string `toml:"turso_url"`
	TursoToken  string `toml:"turso_token"`
}

type EngineConfig struct {
	Version        int `toml:"version"`
	LockTTLSeconds int `toml:"lock_ttl_seconds"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// LockTTL returns the configured lease duration.
func (c EngineConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "caravan.db"},
		Engine:   EngineConfig{Version: 1, LockTTLSeconds: 60},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "caravan.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CARAVAN_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CARAVAN_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CARAVAN_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CARAVAN_TURSO_URL"); v != "" {
		cfg.Database.TursoURL = v
	}
	if v := os.Getenv("CARAVAN_TURSO_TOKEN"); v != "" {
		cfg.Database.TursoToken = v
	}
	if os.Getenv("CARAVAN_OBSERVER_ENABLED") == "true" || os.Getenv("CARAVAN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Engine.Version <= 0 {
		cfg.Engine.Version = 1
	}
	if cfg.Engine.LockTTLSeconds <= 0 {
		cfg.Engine.LockTTLSeconds = 60
	}

	return cfg
}
