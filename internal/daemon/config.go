package daemon

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Health   HealthConfig   `yaml:"health"`
}

// DatabaseConfig configures the database connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig configures the cache store and its cleanup sweep.
type CacheConfig struct {
	Table           string        `yaml:"table"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SessionConfig configures the session store and its garbage collector.
type SessionConfig struct {
	Table       string        `yaml:"table"`
	DeviceTable string        `yaml:"device_table"`
	Lifetime    time.Duration `yaml:"lifetime"`
	GCInterval  time.Duration `yaml:"gc_interval"`
}

// HealthConfig configures the health check HTTP listener. An empty
// address disables the listener.
type HealthConfig struct {
	Address string `yaml:"address"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = time.Hour
	}
	if cfg.Session.Lifetime == 0 {
		cfg.Session.Lifetime = 2 * time.Hour
	}
	if cfg.Session.GCInterval == 0 {
		cfg.Session.GCInterval = time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
