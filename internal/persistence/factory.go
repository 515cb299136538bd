package persistence

import (
	"fmt"

	"github.com/neogan74/statekv/internal/logger"
)

// New creates a storage backend based on configuration
func New(cfg Config, log logger.Logger) (Backend, error) {
	switch cfg.Type {
	case TypeMemory:
		log.Info("Using in-memory backend")
		return NewMemoryBackend(), nil
	case TypeEmbedded, "":
		log.Info("Using embedded SQLite backend",
			logger.String("db_path", cfg.Embedded.Path))
		return NewSQLiteBackend(cfg.Embedded, log)
	case TypeBadger:
		log.Info("Using BadgerDB backend",
			logger.String("data_dir", cfg.Badger.Dir))
		return NewBadgerBackend(cfg.Badger, log)
	case TypeNetworked:
		log.Info("Using networked Redis backend",
			logger.String("host", cfg.Networked.Host),
			logger.Int("port", cfg.Networked.Port))
		return NewRedisBackend(cfg.Networked, log)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Type)
	}
}
