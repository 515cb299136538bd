package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/neogan74/statekv/internal/logger"
)

// One table per value shape plus an expirations table. List positions are
// assigned monotonically and never renumbered; order is ORDER BY pos, length
// is COUNT(*).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scalars (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hash_fields (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS list_items (
	key   TEXT    NOT NULL,
	pos   INTEGER NOT NULL,
	value TEXT    NOT NULL,
	PRIMARY KEY (key, pos)
);
CREATE TABLE IF NOT EXISTS set_members (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE TABLE IF NOT EXISTS expirations (
	key        TEXT    PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
`

// SQLiteBackend implements Backend on a single SQLite file. Every operation
// runs in one immediate transaction so concurrent writers to the same key
// are serialized by the engine's locking and busy-timeout retry.
type SQLiteBackend struct {
	db  *sql.DB
	log logger.Logger
}

// NewSQLiteBackend opens (creating if needed) the database file and applies
// the schema. WAL mode keeps readers unblocked by in-flight writes.
func NewSQLiteBackend(cfg EmbeddedConfig, log logger.Logger) (*SQLiteBackend, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.Path, busy.Milliseconds())
	if cfg.WALMode {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("open database", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, unavailable("apply schema", err)
	}

	log.Info("SQLite backend initialized",
		logger.String("db_path", cfg.Path),
		logger.Bool("wal_mode", cfg.WALMode),
		logger.Duration("busy_timeout", busy))

	return &SQLiteBackend{db: db, log: log}, nil
}

// withTx runs fn inside a single transaction. Typed errors from fn pass
// through unchanged; engine failures on begin/commit surface as unavailable.
func (s *SQLiteBackend) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// kindOf probes the four value tables for the key's current shape.
// Returns "" when the key holds nothing.
func (s *SQLiteBackend) kindOf(tx *sql.Tx, key string) (string, error) {
	var inScalars, inHashes, inLists, inSets int
	err := tx.QueryRow(`SELECT
		EXISTS(SELECT 1 FROM scalars WHERE key = ?),
		EXISTS(SELECT 1 FROM hash_fields WHERE key = ?),
		EXISTS(SELECT 1 FROM list_items WHERE key = ?),
		EXISTS(SELECT 1 FROM set_members WHERE key = ?)`,
		key, key, key, key).Scan(&inScalars, &inHashes, &inLists, &inSets)
	if err != nil {
		return "", unavailable("probe key kind", err)
	}
	switch {
	case inScalars == 1:
		return kindString, nil
	case inHashes == 1:
		return kindHash, nil
	case inLists == 1:
		return kindList, nil
	case inSets == 1:
		return kindSet, nil
	}
	return "", nil
}

// dropKey removes every row for key across all tables. Lazy expiration, the
// sweep, and Delete all share this path.
func (s *SQLiteBackend) dropKey(tx *sql.Tx, key string) error {
	for _, table := range []string{"scalars", "hash_fields", "list_items", "set_members", "expirations"} {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
			return unavailable("drop key", err)
		}
	}
	return nil
}

// expireIfDue enforces lazy expiration: an elapsed deadline removes the key
// before the operation looks at it.
func (s *SQLiteBackend) expireIfDue(tx *sql.Tx, key string) error {
	var expiresAt int64
	err := tx.QueryRow("SELECT expires_at FROM expirations WHERE key = ?", key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable("check expiration", err)
	}
	if expiresAt <= time.Now().UnixNano() {
		return s.dropKey(tx, key)
	}
	return nil
}

// ensure applies lazy expiration and rejects wrong-shape operations against
// a live key.
func (s *SQLiteBackend) ensure(tx *sql.Tx, key, want string) error {
	if err := s.expireIfDue(tx, key); err != nil {
		return err
	}
	kind, err := s.kindOf(tx, key)
	if err != nil {
		return err
	}
	if kind != "" && kind != want {
		return &TypeMismatchError{Key: key, Want: want, Got: kind}
	}
	return nil
}

// clearOrphanExpiry removes the expirations row once a container key has no
// rows left, so no TTL entry outlives its key.
func (s *SQLiteBackend) clearOrphanExpiry(tx *sql.Tx, key string) error {
	kind, err := s.kindOf(tx, key)
	if err != nil {
		return err
	}
	if kind != "" {
		return nil
	}
	if _, err := tx.Exec("DELETE FROM expirations WHERE key = ?", key); err != nil {
		return unavailable("clear expiration", err)
	}
	return nil
}

func (s *SQLiteBackend) Set(key, value string) error {
	return s.withTx("set", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindString); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO scalars (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return unavailable("set", err)
		}
		return nil
	})
}

func (s *SQLiteBackend) Get(key string) (string, bool, error) {
	var value string
	var found bool
	err := s.withTx("get", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindString); err != nil {
			return err
		}
		err := tx.QueryRow("SELECT value FROM scalars WHERE key = ?", key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return unavailable("get", err)
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *SQLiteBackend) Delete(key string) (bool, error) {
	var existed bool
	err := s.withTx("delete", func(tx *sql.Tx) error {
		if err := s.expireIfDue(tx, key); err != nil {
			return err
		}
		kind, err := s.kindOf(tx, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		existed = true
		return s.dropKey(tx, key)
	})
	return existed, err
}

func (s *SQLiteBackend) Exists(key string) (bool, error) {
	var exists bool
	err := s.withTx("exists", func(tx *sql.Tx) error {
		if err := s.expireIfDue(tx, key); err != nil {
			return err
		}
		kind, err := s.kindOf(tx, key)
		if err != nil {
			return err
		}
		exists = kind != ""
		return nil
	})
	return exists, err
}

func (s *SQLiteBackend) Keys(pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	result := []string{}
	err := s.withTx("keys", func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT key FROM scalars
			UNION SELECT key FROM hash_fields
			UNION SELECT key FROM list_items
			UNION SELECT key FROM set_members`)
		if err != nil {
			return unavailable("keys", err)
		}
		var all []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return unavailable("keys", err)
			}
			all = append(all, key)
		}
		if err := rows.Close(); err != nil {
			return unavailable("keys", err)
		}

		for _, key := range all {
			if err := s.expireIfDue(tx, key); err != nil {
				return err
			}
			kind, err := s.kindOf(tx, key)
			if err != nil {
				return err
			}
			if kind == "" {
				continue
			}
			ok, err := matchPattern(pattern, key)
			if err != nil {
				return err
			}
			if ok {
				result = append(result, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(result)
	return result, nil
}

func (s *SQLiteBackend) HSet(key, field, value string) error {
	return s.withTx("hset", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindHash); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO hash_fields (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`, key, field, value)
		if err != nil {
			return unavailable("hset", err)
		}
		return nil
	})
}

func (s *SQLiteBackend) HGet(key, field string) (string, bool, error) {
	var value string
	var found bool
	err := s.withTx("hget", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindHash); err != nil {
			return err
		}
		err := tx.QueryRow("SELECT value FROM hash_fields WHERE key = ? AND field = ?", key, field).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return unavailable("hget", err)
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *SQLiteBackend) HGetAll(key string) (map[string]string, error) {
	result := make(map[string]string)
	err := s.withTx("hgetall", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindHash); err != nil {
			return err
		}
		rows, err := tx.Query("SELECT field, value FROM hash_fields WHERE key = ?", key)
		if err != nil {
			return unavailable("hgetall", err)
		}
		defer rows.Close()
		for rows.Next() {
			var field, value string
			if err := rows.Scan(&field, &value); err != nil {
				return unavailable("hgetall", err)
			}
			result[field] = value
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteBackend) HDel(key, field string) (bool, error) {
	var deleted bool
	err := s.withTx("hdel", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindHash); err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM hash_fields WHERE key = ? AND field = ?", key, field)
		if err != nil {
			return unavailable("hdel", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("hdel", err)
		}
		deleted = n > 0
		if deleted {
			return s.clearOrphanExpiry(tx, key)
		}
		return nil
	})
	return deleted, err
}

func (s *SQLiteBackend) HExists(key, field string) (bool, error) {
	var exists int
	err := s.withTx("hexists", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindHash); err != nil {
			return err
		}
		err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM hash_fields WHERE key = ? AND field = ?)",
			key, field).Scan(&exists)
		if err != nil {
			return unavailable("hexists", err)
		}
		return nil
	})
	return exists == 1, err
}

func (s *SQLiteBackend) LPush(key, value string) error {
	return s.withTx("lpush", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindList); err != nil {
			return err
		}
		// New head position: one below the current minimum.
		_, err := tx.Exec(`INSERT INTO list_items (key, pos, value)
			SELECT ?, COALESCE(MIN(pos), 1) - 1, ? FROM list_items WHERE key = ?`,
			key, value, key)
		if err != nil {
			return unavailable("lpush", err)
		}
		return nil
	})
}

func (s *SQLiteBackend) RPush(key, value string) error {
	return s.withTx("rpush", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindList); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO list_items (key, pos, value)
			SELECT ?, COALESCE(MAX(pos), -1) + 1, ? FROM list_items WHERE key = ?`,
			key, value, key)
		if err != nil {
			return unavailable("rpush", err)
		}
		return nil
	})
}

func (s *SQLiteBackend) LRange(key string, start, stop int64) ([]string, error) {
	result := []string{}
	err := s.withTx("lrange", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindList); err != nil {
			return err
		}
		var length int64
		if err := tx.QueryRow("SELECT COUNT(*) FROM list_items WHERE key = ?", key).Scan(&length); err != nil {
			return unavailable("lrange", err)
		}
		lo, hi, ok := rangeBounds(length, start, stop)
		if !ok {
			return nil
		}
		rows, err := tx.Query("SELECT value FROM list_items WHERE key = ? ORDER BY pos LIMIT ? OFFSET ?",
			key, hi-lo+1, lo)
		if err != nil {
			return unavailable("lrange", err)
		}
		defer rows.Close()
		for rows.Next() {
			var value string
			if err := rows.Scan(&value); err != nil {
				return unavailable("lrange", err)
			}
			result = append(result, value)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteBackend) LLen(key string) (int64, error) {
	var length int64
	err := s.withTx("llen", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindList); err != nil {
			return err
		}
		if err := tx.QueryRow("SELECT COUNT(*) FROM list_items WHERE key = ?", key).Scan(&length); err != nil {
			return unavailable("llen", err)
		}
		return nil
	})
	return length, err
}

// pop removes and returns the extreme element. Positions of the remaining
// rows are left untouched.
func (s *SQLiteBackend) pop(op, key, order string) (string, bool, error) {
	var value string
	var found bool
	err := s.withTx(op, func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindList); err != nil {
			return err
		}
		var pos int64
		query := fmt.Sprintf("SELECT pos, value FROM list_items WHERE key = ? ORDER BY pos %s LIMIT 1", order)
		err := tx.QueryRow(query, key).Scan(&pos, &value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return unavailable(op, err)
		}
		if _, err := tx.Exec("DELETE FROM list_items WHERE key = ? AND pos = ?", key, pos); err != nil {
			return unavailable(op, err)
		}
		found = true
		return s.clearOrphanExpiry(tx, key)
	})
	return value, found, err
}

func (s *SQLiteBackend) LPop(key string) (string, bool, error) {
	return s.pop("lpop", key, "ASC")
}

func (s *SQLiteBackend) RPop(key string) (string, bool, error) {
	return s.pop("rpop", key, "DESC")
}

func (s *SQLiteBackend) SAdd(key string, members ...string) (int64, error) {
	var added int64
	err := s.withTx("sadd", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindSet); err != nil {
			return err
		}
		for _, member := range members {
			res, err := tx.Exec("INSERT OR IGNORE INTO set_members (key, member) VALUES (?, ?)", key, member)
			if err != nil {
				return unavailable("sadd", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return unavailable("sadd", err)
			}
			added += n
		}
		return nil
	})
	return added, err
}

func (s *SQLiteBackend) SMembers(key string) ([]string, error) {
	result := []string{}
	err := s.withTx("smembers", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindSet); err != nil {
			return err
		}
		rows, err := tx.Query("SELECT member FROM set_members WHERE key = ? ORDER BY member", key)
		if err != nil {
			return unavailable("smembers", err)
		}
		defer rows.Close()
		for rows.Next() {
			var member string
			if err := rows.Scan(&member); err != nil {
				return unavailable("smembers", err)
			}
			result = append(result, member)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteBackend) SIsMember(key, member string) (bool, error) {
	var exists int
	err := s.withTx("sismember", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindSet); err != nil {
			return err
		}
		err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM set_members WHERE key = ? AND member = ?)",
			key, member).Scan(&exists)
		if err != nil {
			return unavailable("sismember", err)
		}
		return nil
	})
	return exists == 1, err
}

func (s *SQLiteBackend) SRem(key string, members ...string) (int64, error) {
	var removed int64
	err := s.withTx("srem", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindSet); err != nil {
			return err
		}
		for _, member := range members {
			res, err := tx.Exec("DELETE FROM set_members WHERE key = ? AND member = ?", key, member)
			if err != nil {
				return unavailable("srem", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return unavailable("srem", err)
			}
			removed += n
		}
		if removed > 0 {
			return s.clearOrphanExpiry(tx, key)
		}
		return nil
	})
	return removed, err
}

func (s *SQLiteBackend) SCard(key string) (int64, error) {
	var count int64
	err := s.withTx("scard", func(tx *sql.Tx) error {
		if err := s.ensure(tx, key, kindSet); err != nil {
			return err
		}
		if err := tx.QueryRow("SELECT COUNT(*) FROM set_members WHERE key = ?", key).Scan(&count); err != nil {
			return unavailable("scard", err)
		}
		return nil
	})
	return count, err
}

func (s *SQLiteBackend) Expire(key string, ttl time.Duration) (bool, error) {
	var set bool
	err := s.withTx("expire", func(tx *sql.Tx) error {
		if err := s.expireIfDue(tx, key); err != nil {
			return err
		}
		kind, err := s.kindOf(tx, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		deadline := time.Now().Add(ttl).UnixNano()
		_, err = tx.Exec(`INSERT INTO expirations (key, expires_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`, key, deadline)
		if err != nil {
			return unavailable("expire", err)
		}
		set = true
		return nil
	})
	return set, err
}

func (s *SQLiteBackend) TTL(key string) (time.Duration, error) {
	ttl := TTLMissing
	err := s.withTx("ttl", func(tx *sql.Tx) error {
		if err := s.expireIfDue(tx, key); err != nil {
			return err
		}
		kind, err := s.kindOf(tx, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		var expiresAt int64
		err = tx.QueryRow("SELECT expires_at FROM expirations WHERE key = ?", key).Scan(&expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			ttl = TTLNone
			return nil
		}
		if err != nil {
			return unavailable("ttl", err)
		}
		ttl = time.Duration(expiresAt - time.Now().UnixNano())
		return nil
	})
	return ttl, err
}

func (s *SQLiteBackend) Persist(key string) (bool, error) {
	var removed bool
	err := s.withTx("persist", func(tx *sql.Tx) error {
		if err := s.expireIfDue(tx, key); err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM expirations WHERE key = ?", key)
		if err != nil {
			return unavailable("persist", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("persist", err)
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// CleanupExpired removes every key whose deadline has elapsed, in one pass.
// It shares dropKey with lazy expiration so the two can never disagree.
func (s *SQLiteBackend) CleanupExpired() (int64, error) {
	var removed int64
	err := s.withTx("cleanup expired", func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT key FROM expirations WHERE expires_at <= ?", time.Now().UnixNano())
		if err != nil {
			return unavailable("cleanup expired", err)
		}
		var due []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return unavailable("cleanup expired", err)
			}
			due = append(due, key)
		}
		if err := rows.Close(); err != nil {
			return unavailable("cleanup expired", err)
		}

		for _, key := range due {
			if err := s.dropKey(tx, key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Debug("Expiration sweep completed", logger.Int64("removed", removed))
	}
	return removed, nil
}

func (s *SQLiteBackend) Clear() error {
	return s.withTx("clear", func(tx *sql.Tx) error {
		for _, table := range []string{"scalars", "hash_fields", "list_items", "set_members", "expirations"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return unavailable("clear", err)
			}
		}
		return nil
	})
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
