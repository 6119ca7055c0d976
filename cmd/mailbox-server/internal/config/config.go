// Package config provides configuration management for the mailbox
// standalone server. Settings load from an optional YAML file and are
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mailbox server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Routing  RoutingConfig  `yaml:"routing"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig holds backing store configuration.
type StoreConfig struct {
	Backend          string `yaml:"backend"` // memory or redis
	RedisURL         string `yaml:"redisUrl"`
	BreakerThreshold uint32 `yaml:"breakerThreshold"` // Consecutive failures before the breaker opens
	BreakerResetSecs int    `yaml:"breakerResetSeconds"`
}

// DatabaseConfig holds SQL connection configuration for permission and
// audit persistence.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite3, or memory
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Prefix   string `yaml:"prefix"` // Table prefix (default: "mailbox_")
}

// RoutingConfig holds routing-core tunables.
type RoutingConfig struct {
	HeartbeatIntervalSecs int  `yaml:"heartbeatIntervalSeconds"`
	HeartbeatTimeoutSecs  int  `yaml:"heartbeatTimeoutSeconds"`
	RetryIntervalSecs     int  `yaml:"retryIntervalSeconds"`
	TokenTTLHours         int  `yaml:"tokenTtlHours"`
	MailboxMaxCount       int  `yaml:"mailboxMaxCount"`
	EnableNotifications   bool `yaml:"enableNotifications"`
}

// AuthConfig holds participant credentials for the static verifier, plus
// the initial permission bootstrap.
type AuthConfig struct {
	Credentials     map[string]string `yaml:"credentials"`     // participant -> secret
	OpenPermissions bool              `yaml:"openPermissions"` // Grant every participant full access on startup
}

// Load reads the YAML file at path (skipped when empty), then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Backend:          "memory",
			RedisURL:         "redis://localhost:6379/0",
			BreakerThreshold: 5,
			BreakerResetSecs: 10,
		},
		Database: DatabaseConfig{
			Driver:   "sqlite3",
			Database: "mailbox.db",
			Prefix:   "mailbox_",
		},
		Routing: RoutingConfig{
			HeartbeatIntervalSecs: 30,
			HeartbeatTimeoutSecs:  300,
			RetryIntervalSecs:     10,
			TokenTTLHours:         24,
			EnableNotifications:   true,
		},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.RedisURL = getEnv("STORE_REDIS_URL", cfg.Store.RedisURL)

	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.Prefix = getEnv("DB_PREFIX", cfg.Database.Prefix)

	cfg.Routing.RetryIntervalSecs = getEnvInt("ROUTING_RETRY_INTERVAL", cfg.Routing.RetryIntervalSecs)
	cfg.Routing.TokenTTLHours = getEnvInt("ROUTING_TOKEN_TTL_HOURS", cfg.Routing.TokenTTLHours)
	cfg.Routing.EnableNotifications = getEnvBool("ROUTING_ENABLE_NOTIFICATIONS", cfg.Routing.EnableNotifications)

	// AUTH_CREDENTIALS holds comma-separated participant:secret pairs.
	if pairs := os.Getenv("AUTH_CREDENTIALS"); pairs != "" {
		if cfg.Auth.Credentials == nil {
			cfg.Auth.Credentials = make(map[string]string)
		}
		for _, pair := range strings.Split(pairs, ",") {
			if participant, secret, found := strings.Cut(pair, ":"); found {
				cfg.Auth.Credentials[participant] = secret
			}
		}
	}
	cfg.Auth.OpenPermissions = getEnvBool("AUTH_OPEN_PERMISSIONS", cfg.Auth.OpenPermissions)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "postgres", "sqlite3", "memory":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
