// Package persistence implements the storage backends behind the statekv
// facade: an embedded SQLite backend, a BadgerDB backend, a networked Redis
// backend, and an in-memory backend, all satisfying the same Backend contract.
package persistence

import (
	"time"
)

// TTL sentinels returned by Backend.TTL. They match the values the Redis TTL
// command reports, so every backend agrees without translation.
const (
	// TTLNone means the key exists but carries no expiration.
	TTLNone time.Duration = -1
	// TTLMissing means the key does not exist.
	TTLMissing time.Duration = -2
)

// Value kind names used in type-mismatch errors. They follow the Redis type
// names so the networked backend needs no mapping.
const (
	kindString = "string"
	kindHash   = "hash"
	kindList   = "list"
	kindSet    = "set"
)

// Backend represents a storage backend. A key holds at most one value shape
// at a time; operations against a key of a different shape fail with a
// *TypeMismatchError. Absent keys, fields, and members are reported through
// boolean results or sentinels, never through errors.
type Backend interface {
	// Scalar operations
	Set(key, value string) error
	Get(key string) (string, bool, error)
	Delete(key string) (bool, error)
	Exists(key string) (bool, error)
	// Keys returns the keys matching a glob pattern (*, ?, [...]).
	// An empty pattern matches every key.
	Keys(pattern string) ([]string, error)

	// Hash operations
	HSet(key, field, value string) error
	HGet(key, field string) (string, bool, error)
	HGetAll(key string) (map[string]string, error)
	HDel(key, field string) (bool, error)
	HExists(key, field string) (bool, error)

	// List operations. LRange uses inclusive slice semantics: negative
	// indices count from the end and stop=-1 means the last element.
	LPush(key, value string) error
	RPush(key, value string) error
	LRange(key string, start, stop int64) ([]string, error)
	LLen(key string) (int64, error)
	LPop(key string) (string, bool, error)
	RPop(key string) (string, bool, error)

	// Set operations
	SAdd(key string, members ...string) (int64, error)
	SMembers(key string) ([]string, error)
	SIsMember(key, member string) (bool, error)
	SRem(key string, members ...string) (int64, error)
	SCard(key string) (int64, error)

	// Expiration
	Expire(key string, ttl time.Duration) (bool, error)
	TTL(key string) (time.Duration, error)
	Persist(key string) (bool, error)

	// Maintenance
	CleanupExpired() (int64, error)
	Clear() error
	Close() error
}

// Backend type identifiers accepted by the factory.
const (
	TypeEmbedded  = "embedded"
	TypeNetworked = "networked"
	TypeBadger    = "badger"
	TypeMemory    = "memory"
)

// Config holds backend configuration
type Config struct {
	Type      string
	Embedded  EmbeddedConfig
	Badger    BadgerConfig
	Networked NetworkedConfig
}

// EmbeddedConfig configures the SQLite backend.
type EmbeddedConfig struct {
	Path        string
	WALMode     bool
	BusyTimeout time.Duration
}

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	Dir        string
	SyncWrites bool
}

// NetworkedConfig configures the Redis backend.
type NetworkedConfig struct {
	Host        string
	Port        int
	DB          int
	Password    string
	KeyPrefix   string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}
