package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds recognized by the store.
const (
	BackendEmbedded  = "embedded"
	BackendNetworked = "networked"
	BackendBadger    = "badger"
	BackendMemory    = "memory"
)

// Config represents the store configuration
type Config struct {
	Backend   string          `yaml:"backend"`
	Log       LogConfig       `yaml:"log"`
	Embedded  EmbeddedConfig  `yaml:"embedded"`
	Badger    BadgerConfig    `yaml:"badger"`
	Networked NetworkedConfig `yaml:"networked"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EmbeddedConfig contains embedded (SQLite) backend configuration
type EmbeddedConfig struct {
	DBPath              string        `yaml:"db_path"`
	WALMode             bool          `yaml:"wal_mode"`
	BusyTimeout         time.Duration `yaml:"busy_timeout"`
	AutoCleanupEnabled  bool          `yaml:"auto_cleanup_enabled"`
	CleanupIntervalDays int           `yaml:"cleanup_interval_days"`
}

// BadgerConfig contains BadgerDB backend configuration
type BadgerConfig struct {
	DataDir    string `yaml:"data_dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// NetworkedConfig contains networked (Redis) backend configuration
type NetworkedConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DB          int           `yaml:"db"`
	Password    string        `yaml:"password"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Default returns the configuration defaults shared by Load and LoadFile.
func Default() *Config {
	return &Config{
		Backend: BackendEmbedded,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Embedded: EmbeddedConfig{
			DBPath:              "./data/statekv.db",
			WALMode:             true,
			BusyTimeout:         5 * time.Second,
			AutoCleanupEnabled:  true,
			CleanupIntervalDays: 1,
		},
		Badger: BadgerConfig{
			DataDir:    "./data/badger",
			SyncWrites: true,
		},
		Networked: NetworkedConfig{
			Host:        "localhost",
			Port:        6379,
			DB:          0,
			KeyPrefix:   "",
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
	}
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	def := Default()
	config := &Config{
		Backend: getEnvString("STATEKV_BACKEND", def.Backend),
		Log: LogConfig{
			Level:  getEnvString("STATEKV_LOG_LEVEL", def.Log.Level),
			Format: getEnvString("STATEKV_LOG_FORMAT", def.Log.Format),
		},
		Embedded: EmbeddedConfig{
			DBPath:              getEnvString("STATEKV_DB_PATH", def.Embedded.DBPath),
			WALMode:             getEnvBool("STATEKV_WAL_MODE", def.Embedded.WALMode),
			BusyTimeout:         getEnvDuration("STATEKV_BUSY_TIMEOUT", def.Embedded.BusyTimeout),
			AutoCleanupEnabled:  getEnvBool("STATEKV_AUTO_CLEANUP_ENABLED", def.Embedded.AutoCleanupEnabled),
			CleanupIntervalDays: getEnvInt("STATEKV_CLEANUP_INTERVAL_DAYS", def.Embedded.CleanupIntervalDays),
		},
		Badger: BadgerConfig{
			DataDir:    getEnvString("STATEKV_BADGER_DIR", def.Badger.DataDir),
			SyncWrites: getEnvBool("STATEKV_BADGER_SYNC_WRITES", def.Badger.SyncWrites),
		},
		Networked: NetworkedConfig{
			Host:        getEnvString("STATEKV_REDIS_HOST", def.Networked.Host),
			Port:        getEnvInt("STATEKV_REDIS_PORT", def.Networked.Port),
			DB:          getEnvInt("STATEKV_REDIS_DB", def.Networked.DB),
			Password:    getEnvString("STATEKV_REDIS_PASSWORD", def.Networked.Password),
			KeyPrefix:   getEnvString("STATEKV_KEY_PREFIX", def.Networked.KeyPrefix),
			DialTimeout: getEnvDuration("STATEKV_REDIS_DIAL_TIMEOUT", def.Networked.DialTimeout),
			ReadTimeout: getEnvDuration("STATEKV_REDIS_READ_TIMEOUT", def.Networked.ReadTimeout),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadFile loads configuration from a YAML file. Missing fields keep their
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendEmbedded, BackendNetworked, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("invalid backend: %s (must be embedded, networked, badger, or memory)", c.Backend)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.Backend == BackendEmbedded {
		if c.Embedded.DBPath == "" {
			return fmt.Errorf("db_path must be specified for the embedded backend")
		}
		if c.Embedded.BusyTimeout <= 0 {
			return fmt.Errorf("invalid busy timeout: %v (must be positive)", c.Embedded.BusyTimeout)
		}
		if c.Embedded.CleanupIntervalDays < 0 {
			return fmt.Errorf("invalid cleanup interval: %d days (must not be negative)", c.Embedded.CleanupIntervalDays)
		}
	}

	if c.Backend == BackendBadger && c.Badger.DataDir == "" {
		return fmt.Errorf("data_dir must be specified for the badger backend")
	}

	if c.Backend == BackendNetworked {
		if c.Networked.Host == "" {
			return fmt.Errorf("host must be specified for the networked backend")
		}
		if c.Networked.Port <= 0 || c.Networked.Port > 65535 {
			return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Networked.Port)
		}
		if c.Networked.DB < 0 {
			return fmt.Errorf("invalid db index: %d (must not be negative)", c.Networked.DB)
		}
	}

	return nil
}

// getEnvString gets a string environment variable with a default value
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
