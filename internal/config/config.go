package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig carries the process-wide credentials and defaults for one
// generation backend.
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Disabled bool   `json:"disabled"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`
	MaxUploadMB   int64  `json:"max_upload_mb"`
	// DefaultProvider labels turns generated without any persona framing.
	DefaultProvider string `json:"default_provider"`
	// DefaultPersonaID, when set, frames turns whose requested persona
	// does not resolve to an active record.
	DefaultPersonaID int64 `json:"default_persona_id"`
	// MaxConcurrentGenerations bounds in-flight provider calls; zero
	// means the built-in default.
	MaxConcurrentGenerations int `json:"max_concurrent_generations"`
	// SweepIntervalMinutes controls the orphaned-upload sweeper.
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// MaxUploadBytes returns the configured upload ceiling in bytes, defaulting
// to 10 MB when unset.
func (c *Config) MaxUploadBytes() int64 {
	if c.BasicConfig.MaxUploadMB <= 0 {
		return 10 << 20
	}
	return c.BasicConfig.MaxUploadMB << 20
}
