package statekv

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/neogan74/statekv/internal/config"
	"github.com/neogan74/statekv/internal/logger"
	"github.com/neogan74/statekv/internal/metrics"
	"github.com/neogan74/statekv/internal/persistence"
)

// Manager owns one backend for its lifetime and re-exposes the Backend
// operation set unchanged. Backend errors propagate unmodified; the only
// error the Manager adds is ErrClosed for use after Close.
//
// A Manager is safe for concurrent use: every operation is a self-contained
// transaction serialized by the underlying engine.
type Manager struct {
	backend   persistence.Backend
	kind      string
	log       logger.Logger
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open instantiates the backend selected by the configuration and wraps it
// in a Manager.
func Open(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)

	backend, err := persistence.New(persistenceConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	metrics.OpenBackends.Inc()
	return &Manager{backend: backend, kind: cfg.Backend, log: log}, nil
}

// New wraps a pre-built backend, typically for tests. The Manager takes
// ownership: its Close closes the backend.
func New(backend persistence.Backend) *Manager {
	metrics.OpenBackends.Inc()
	return &Manager{backend: backend, kind: "custom", log: logger.Nop()}
}

func persistenceConfig(cfg *config.Config) persistence.Config {
	return persistence.Config{
		Type: cfg.Backend,
		Embedded: persistence.EmbeddedConfig{
			Path:        cfg.Embedded.DBPath,
			WALMode:     cfg.Embedded.WALMode,
			BusyTimeout: cfg.Embedded.BusyTimeout,
		},
		Badger: persistence.BadgerConfig{
			Dir:        cfg.Badger.DataDir,
			SyncWrites: cfg.Badger.SyncWrites,
		},
		Networked: persistence.NetworkedConfig{
			Host:        cfg.Networked.Host,
			Port:        cfg.Networked.Port,
			DB:          cfg.Networked.DB,
			Password:    cfg.Networked.Password,
			KeyPrefix:   cfg.Networked.KeyPrefix,
			DialTimeout: cfg.Networked.DialTimeout,
			ReadTimeout: cfg.Networked.ReadTimeout,
		},
	}
}

// check guards the Open -> Closed state machine: operations after Close fail
// loudly instead of silently no-opping.
func (m *Manager) check() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close releases the backend. It is safe to call more than once; only the
// first call closes and its error is returned, later calls return nil.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.closeErr = m.backend.Close()
		metrics.OpenBackends.Dec()
		err = m.closeErr
		m.log.Info("Store closed", logger.String("backend", m.kind))
	})
	return err
}

func (m *Manager) Set(key, value string) error {
	if err := m.check(); err != nil {
		return err
	}
	start := time.Now()
	err := m.backend.Set(key, value)
	metrics.RecordOperation(m.kind, "set", start, err)
	return err
}

func (m *Manager) Get(key string) (string, bool, error) {
	if err := m.check(); err != nil {
		return "", false, err
	}
	start := time.Now()
	value, ok, err := m.backend.Get(key)
	metrics.RecordOperation(m.kind, "get", start, err)
	return value, ok, err
}

// GetDefault returns def when the key is absent.
func (m *Manager) GetDefault(key, def string) (string, error) {
	value, ok, err := m.Get(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return value, nil
}

func (m *Manager) Delete(key string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	existed, err := m.backend.Delete(key)
	metrics.RecordOperation(m.kind, "delete", start, err)
	return existed, err
}

func (m *Manager) Exists(key string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	exists, err := m.backend.Exists(key)
	metrics.RecordOperation(m.kind, "exists", start, err)
	return exists, err
}

func (m *Manager) Keys(pattern string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	keys, err := m.backend.Keys(pattern)
	metrics.RecordOperation(m.kind, "keys", start, err)
	return keys, err
}

func (m *Manager) HSet(key, field, value string) error {
	if err := m.check(); err != nil {
		return err
	}
	start := time.Now()
	err := m.backend.HSet(key, field, value)
	metrics.RecordOperation(m.kind, "hset", start, err)
	return err
}

func (m *Manager) HGet(key, field string) (string, bool, error) {
	if err := m.check(); err != nil {
		return "", false, err
	}
	start := time.Now()
	value, ok, err := m.backend.HGet(key, field)
	metrics.RecordOperation(m.kind, "hget", start, err)
	return value, ok, err
}

func (m *Manager) HGetAll(key string) (map[string]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	fields, err := m.backend.HGetAll(key)
	metrics.RecordOperation(m.kind, "hgetall", start, err)
	return fields, err
}

func (m *Manager) HDel(key, field string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	deleted, err := m.backend.HDel(key, field)
	metrics.RecordOperation(m.kind, "hdel", start, err)
	return deleted, err
}

func (m *Manager) HExists(key, field string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	exists, err := m.backend.HExists(key, field)
	metrics.RecordOperation(m.kind, "hexists", start, err)
	return exists, err
}

func (m *Manager) LPush(key, value string) error {
	if err := m.check(); err != nil {
		return err
	}
	start := time.Now()
	err := m.backend.LPush(key, value)
	metrics.RecordOperation(m.kind, "lpush", start, err)
	return err
}

func (m *Manager) RPush(key, value string) error {
	if err := m.check(); err != nil {
		return err
	}
	start := time.Now()
	err := m.backend.RPush(key, value)
	metrics.RecordOperation(m.kind, "rpush", start, err)
	return err
}

func (m *Manager) LRange(key string, start, stop int64) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	began := time.Now()
	values, err := m.backend.LRange(key, start, stop)
	metrics.RecordOperation(m.kind, "lrange", began, err)
	return values, err
}

func (m *Manager) LLen(key string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	length, err := m.backend.LLen(key)
	metrics.RecordOperation(m.kind, "llen", start, err)
	return length, err
}

func (m *Manager) LPop(key string) (string, bool, error) {
	if err := m.check(); err != nil {
		return "", false, err
	}
	start := time.Now()
	value, ok, err := m.backend.LPop(key)
	metrics.RecordOperation(m.kind, "lpop", start, err)
	return value, ok, err
}

func (m *Manager) RPop(key string) (string, bool, error) {
	if err := m.check(); err != nil {
		return "", false, err
	}
	start := time.Now()
	value, ok, err := m.backend.RPop(key)
	metrics.RecordOperation(m.kind, "rpop", start, err)
	return value, ok, err
}

func (m *Manager) SAdd(key string, members ...string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	added, err := m.backend.SAdd(key, members...)
	metrics.RecordOperation(m.kind, "sadd", start, err)
	return added, err
}

func (m *Manager) SMembers(key string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	members, err := m.backend.SMembers(key)
	metrics.RecordOperation(m.kind, "smembers", start, err)
	return members, err
}

func (m *Manager) SIsMember(key, member string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	ok, err := m.backend.SIsMember(key, member)
	metrics.RecordOperation(m.kind, "sismember", start, err)
	return ok, err
}

func (m *Manager) SRem(key string, members ...string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	removed, err := m.backend.SRem(key, members...)
	metrics.RecordOperation(m.kind, "srem", start, err)
	return removed, err
}

func (m *Manager) SCard(key string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	count, err := m.backend.SCard(key)
	metrics.RecordOperation(m.kind, "scard", start, err)
	return count, err
}

func (m *Manager) Expire(key string, ttl time.Duration) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	set, err := m.backend.Expire(key, ttl)
	metrics.RecordOperation(m.kind, "expire", start, err)
	return set, err
}

func (m *Manager) TTL(key string) (time.Duration, error) {
	if err := m.check(); err != nil {
		return TTLMissing, err
	}
	start := time.Now()
	ttl, err := m.backend.TTL(key)
	metrics.RecordOperation(m.kind, "ttl", start, err)
	return ttl, err
}

func (m *Manager) Persist(key string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	start := time.Now()
	removed, err := m.backend.Persist(key)
	metrics.RecordOperation(m.kind, "persist", start, err)
	return removed, err
}

// CleanupExpired proactively removes every key whose expiration has elapsed.
// The core exposes the primitive only; scheduling is the caller's job.
func (m *Manager) CleanupExpired() (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	removed, err := m.backend.CleanupExpired()
	metrics.RecordOperation(m.kind, "cleanup_expired", start, err)
	if err == nil && removed > 0 {
		metrics.ExpiredKeysTotal.Add(float64(removed))
	}
	return removed, err
}

// Clear removes every key in the store.
func (m *Manager) Clear() error {
	if err := m.check(); err != nil {
		return err
	}
	start := time.Now()
	err := m.backend.Clear()
	metrics.RecordOperation(m.kind, "clear", start, err)
	return err
}
