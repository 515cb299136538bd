// Package statekv is a state-persistence layer exposing a uniform,
// Redis-like data-structure API (scalars, hashes, ordered lists, sets, and
// per-key expiration) over interchangeable storage backends: an embedded
// SQLite file, a BadgerDB directory, a networked Redis server, or plain
// process memory.
//
// Consumers go through the Manager facade, which owns exactly one backend
// for its lifetime:
//
//	cfg, err := statekv.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := statekv.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.Set("greeting", "hi"); err != nil {
//		log.Fatal(err)
//	}
package statekv

import (
	"time"

	"github.com/neogan74/statekv/internal/config"
	"github.com/neogan74/statekv/internal/persistence"
)

// Backend is the contract every storage engine satisfies. Custom
// implementations can be injected through New.
type Backend = persistence.Backend

// Config is the store configuration consumed by Open.
type Config = config.Config

// TTL sentinels returned by Manager.TTL.
const (
	// TTLNone means the key exists but carries no expiration.
	TTLNone = persistence.TTLNone
	// TTLMissing means the key does not exist.
	TTLMissing = persistence.TTLMissing
)

// Typed errors surfaced by every backend.
var (
	ErrUnavailable = persistence.ErrUnavailable
	ErrBadPattern  = persistence.ErrBadPattern
	ErrClosed      = persistence.ErrClosed
)

// IsTypeMismatch checks if an error reports an operation applied to a key
// holding a different value shape.
func IsTypeMismatch(err error) bool {
	return persistence.IsTypeMismatch(err)
}

// IsUnavailable checks if an error reports an unreachable or broken backend.
func IsUnavailable(err error) bool {
	return persistence.IsUnavailable(err)
}

// IsBadPattern checks if an error reports a malformed glob pattern.
func IsBadPattern(err error) bool {
	return persistence.IsBadPattern(err)
}

// LoadConfig loads configuration from STATEKV_* environment variables with
// defaults.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// LoadConfigFile loads configuration from a YAML file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// CleanupInterval converts the advisory cleanup_interval_days setting into a
// duration for external schedulers that drive CleanupExpired on a timer.
func CleanupInterval(cfg *Config) time.Duration {
	return time.Duration(cfg.Embedded.CleanupIntervalDays) * 24 * time.Hour
}
