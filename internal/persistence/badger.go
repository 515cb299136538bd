package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/neogan74/statekv/internal/logger"
)

// Record prefixes. Sub-keyed shapes (hash fields, list elements, set
// members) separate the key from the sub-key with a NUL byte.
const (
	bKindPrefix   = "m:" // key -> shape name
	bScalarPrefix = "s:"
	bHashPrefix   = "h:"
	bListPrefix   = "l:"
	bSetPrefix    = "t:"
	bExpiryPrefix = "e:" // key -> 8-byte big-endian deadline (unix nanos)
	bSep          = "\x00"
)

// BadgerBackend implements Backend on BadgerDB, encoding the five shapes as
// prefixed records. List order rides on fixed-width big-endian positions so
// the engine's key order is the list order.
type BadgerBackend struct {
	db     *badger.DB
	log    logger.Logger
	stopGC chan struct{}

	// Badger's conflict detection only tracks keys read through txn.Get;
	// iterator reads are invisible to it. Pushes and pops find their target
	// position by iterating, so they serialize here instead of relying on
	// ErrConflict retries.
	listMu sync.Mutex
}

// NewBadgerBackend creates a new BadgerDB backend
func NewBadgerBackend(cfg BadgerConfig, log logger.Logger) (*BadgerBackend, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil // Badger's internal logging is too chatty for a library

	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("open badger", err)
	}

	backend := &BadgerBackend{
		db:     db,
		log:    log,
		stopGC: make(chan struct{}),
	}
	go backend.runGarbageCollection()

	log.Info("Badger backend initialized",
		logger.String("data_dir", cfg.Dir),
		logger.Bool("sync_writes", cfg.SyncWrites))

	return backend, nil
}

func (b *BadgerBackend) runGarbageCollection() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warn("Badger garbage collection failed", logger.Error(err))
			}
		}
	}
}

// update retries on transaction conflicts so concurrent writers to the same
// key serialize instead of failing.
func (b *BadgerBackend) update(fn func(txn *badger.Txn) error) error {
	for {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func kindKey(key string) []byte   { return []byte(bKindPrefix + key) }
func scalarKey(key string) []byte { return []byte(bScalarPrefix + key) }
func expiryKey(key string) []byte { return []byte(bExpiryPrefix + key) }

func hashItemPrefix(key string) []byte { return []byte(bHashPrefix + key + bSep) }
func hashItemKey(key, field string) []byte {
	return append(hashItemPrefix(key), field...)
}

func setItemPrefix(key string) []byte { return []byte(bSetPrefix + key + bSep) }
func setItemKey(key, member string) []byte {
	return append(setItemPrefix(key), member...)
}

func listItemPrefix(key string) []byte { return []byte(bListPrefix + key + bSep) }

// encodePos maps signed positions onto big-endian bytes whose lexical order
// matches numeric order (offset-binary).
func encodePos(pos int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos)+(1<<63))
	return buf[:]
}

func decodePos(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) - (1 << 63))
}

func listItemKey(key string, pos int64) []byte {
	return append(listItemPrefix(key), encodePos(pos)...)
}

// getValue fetches a record's value, reporting absence as ok=false.
func getValue(txn *badger.Txn, k []byte) ([]byte, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("badger get", err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, unavailable("badger get", err)
	}
	return value, true, nil
}

// deadline returns the key's expiry deadline, if any.
func deadline(txn *badger.Txn, key string) (time.Time, bool, error) {
	raw, ok, err := getValue(txn, expiryKey(key))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw))), true, nil
}

// readKind reports the key's live shape without mutating anything, so it is
// safe inside read-only transactions. Expired keys read as absent.
func readKind(txn *badger.Txn, key string) (string, error) {
	due, ok, err := deadline(txn, key)
	if err != nil {
		return "", err
	}
	if ok && !time.Now().Before(due) {
		return "", nil
	}
	raw, ok, err := getValue(txn, kindKey(key))
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// forEachPrefix walks every record under prefix in key order.
func forEachPrefix(txn *badger.Txn, prefix []byte, withValues bool, fn func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		var v []byte
		if withValues {
			var err error
			v, err = item.ValueCopy(nil)
			if err != nil {
				return unavailable("badger iterate", err)
			}
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// dropKeyTxn removes every record belonging to key. Lazy expiration, the
// sweep, and Delete share it.
func (b *BadgerBackend) dropKeyTxn(txn *badger.Txn, key string) error {
	var doomed [][]byte
	doomed = append(doomed, kindKey(key), scalarKey(key), expiryKey(key))
	for _, prefix := range [][]byte{hashItemPrefix(key), listItemPrefix(key), setItemPrefix(key)} {
		if err := forEachPrefix(txn, prefix, false, func(k, _ []byte) error {
			doomed = append(doomed, k)
			return nil
		}); err != nil {
			return err
		}
	}
	for _, k := range doomed {
		if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return unavailable("badger delete", err)
		}
	}
	return nil
}

// liveKind is the write-path twin of readKind: an elapsed deadline removes
// the key's records before the operation proceeds.
func (b *BadgerBackend) liveKind(txn *badger.Txn, key string) (string, error) {
	due, ok, err := deadline(txn, key)
	if err != nil {
		return "", err
	}
	if ok && !time.Now().Before(due) {
		if err := b.dropKeyTxn(txn, key); err != nil {
			return "", err
		}
		return "", nil
	}
	raw, ok, err := getValue(txn, kindKey(key))
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// ensureWrite enforces the shape rule on the write path, registering the
// kind record for fresh keys.
func (b *BadgerBackend) ensureWrite(txn *badger.Txn, key, want string) error {
	kind, err := b.liveKind(txn, key)
	if err != nil {
		return err
	}
	if kind == "" {
		if err := txn.Set(kindKey(key), []byte(want)); err != nil {
			return unavailable("badger set", err)
		}
		return nil
	}
	if kind != want {
		return &TypeMismatchError{Key: key, Want: want, Got: kind}
	}
	return nil
}

// ensureRead enforces the shape rule on the read path. ok is false when the
// key is absent (or expired).
func ensureRead(txn *badger.Txn, key, want string) (bool, error) {
	kind, err := readKind(txn, key)
	if err != nil {
		return false, err
	}
	if kind == "" {
		return false, nil
	}
	if kind != want {
		return false, &TypeMismatchError{Key: key, Want: want, Got: kind}
	}
	return true, nil
}

// dropIfEmpty clears the kind and expiry records once a container key holds
// no sub-records.
func (b *BadgerBackend) dropIfEmpty(txn *badger.Txn, key string, prefix []byte) error {
	empty := true
	if err := forEachPrefix(txn, prefix, false, func(_, _ []byte) error {
		empty = false
		return nil
	}); err != nil {
		return err
	}
	if !empty {
		return nil
	}
	for _, k := range [][]byte{kindKey(key), expiryKey(key)} {
		if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return unavailable("badger delete", err)
		}
	}
	return nil
}

func (b *BadgerBackend) Set(key, value string) error {
	return b.update(func(txn *badger.Txn) error {
		if err := b.ensureWrite(txn, key, kindString); err != nil {
			return err
		}
		if err := txn.Set(scalarKey(key), []byte(value)); err != nil {
			return unavailable("set", err)
		}
		return nil
	})
}

func (b *BadgerBackend) Get(key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindString)
		if err != nil || !ok {
			return err
		}
		raw, ok, err := getValue(txn, scalarKey(key))
		if err != nil || !ok {
			return err
		}
		value = string(raw)
		found = true
		return nil
	})
	return value, found, err
}

func (b *BadgerBackend) Delete(key string) (bool, error) {
	var existed bool
	err := b.update(func(txn *badger.Txn) error {
		existed = false
		kind, err := b.liveKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		existed = true
		return b.dropKeyTxn(txn, key)
	})
	return existed, err
}

func (b *BadgerBackend) Exists(key string) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		kind, err := readKind(txn, key)
		if err != nil {
			return err
		}
		exists = kind != ""
		return nil
	})
	return exists, err
}

func (b *BadgerBackend) Keys(pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	keys := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, []byte(bKindPrefix), false, func(k, _ []byte) error {
			key := string(k[len(bKindPrefix):])
			kind, err := readKind(txn, key)
			if err != nil {
				return err
			}
			if kind == "" {
				return nil
			}
			ok, err := matchPattern(pattern, key)
			if err != nil {
				return err
			}
			if ok {
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *BadgerBackend) HSet(key, field, value string) error {
	return b.update(func(txn *badger.Txn) error {
		if err := b.ensureWrite(txn, key, kindHash); err != nil {
			return err
		}
		if err := txn.Set(hashItemKey(key, field), []byte(value)); err != nil {
			return unavailable("hset", err)
		}
		return nil
	})
}

func (b *BadgerBackend) HGet(key, field string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindHash)
		if err != nil || !ok {
			return err
		}
		raw, ok, err := getValue(txn, hashItemKey(key, field))
		if err != nil || !ok {
			return err
		}
		value = string(raw)
		found = true
		return nil
	})
	return value, found, err
}

func (b *BadgerBackend) HGetAll(key string) (map[string]string, error) {
	result := make(map[string]string)
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindHash)
		if err != nil || !ok {
			return err
		}
		prefix := hashItemPrefix(key)
		return forEachPrefix(txn, prefix, true, func(k, v []byte) error {
			result[string(k[len(prefix):])] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BadgerBackend) HDel(key, field string) (bool, error) {
	var deleted bool
	err := b.update(func(txn *badger.Txn) error {
		deleted = false
		kind, err := b.liveKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		if kind != kindHash {
			return &TypeMismatchError{Key: key, Want: kindHash, Got: kind}
		}
		_, ok, err := getValue(txn, hashItemKey(key, field))
		if err != nil || !ok {
			return err
		}
		if err := txn.Delete(hashItemKey(key, field)); err != nil {
			return unavailable("hdel", err)
		}
		deleted = true
		return b.dropIfEmpty(txn, key, hashItemPrefix(key))
	})
	return deleted, err
}

func (b *BadgerBackend) HExists(key, field string) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindHash)
		if err != nil || !ok {
			return err
		}
		_, exists, err = getValue(txn, hashItemKey(key, field))
		return err
	})
	return exists, err
}

// listBounds reports the current head and tail positions, ok=false for an
// empty list.
func listBounds(txn *badger.Txn, key string) (int64, int64, bool, error) {
	prefix := listItemPrefix(key)
	var head, tail int64
	found := false
	err := forEachPrefix(txn, prefix, false, func(k, _ []byte) error {
		pos := decodePos(k[len(prefix):])
		if !found {
			head = pos
			found = true
		}
		tail = pos
		return nil
	})
	return head, tail, found, err
}

func (b *BadgerBackend) push(key, value string, front bool) error {
	b.listMu.Lock()
	defer b.listMu.Unlock()

	return b.update(func(txn *badger.Txn) error {
		if err := b.ensureWrite(txn, key, kindList); err != nil {
			return err
		}
		head, tail, ok, err := listBounds(txn, key)
		if err != nil {
			return err
		}
		pos := int64(0)
		if ok {
			if front {
				pos = head - 1
			} else {
				pos = tail + 1
			}
		}
		if err := txn.Set(listItemKey(key, pos), []byte(value)); err != nil {
			return unavailable("push", err)
		}
		return nil
	})
}

func (b *BadgerBackend) LPush(key, value string) error {
	return b.push(key, value, true)
}

func (b *BadgerBackend) RPush(key, value string) error {
	return b.push(key, value, false)
}

func (b *BadgerBackend) LRange(key string, start, stop int64) ([]string, error) {
	result := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindList)
		if err != nil || !ok {
			return err
		}
		var values []string
		if err := forEachPrefix(txn, listItemPrefix(key), true, func(_, v []byte) error {
			values = append(values, string(v))
			return nil
		}); err != nil {
			return err
		}
		lo, hi, ok := rangeBounds(int64(len(values)), start, stop)
		if !ok {
			return nil
		}
		result = append(result, values[lo:hi+1]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BadgerBackend) LLen(key string) (int64, error) {
	var length int64
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindList)
		if err != nil || !ok {
			return err
		}
		return forEachPrefix(txn, listItemPrefix(key), false, func(_, _ []byte) error {
			length++
			return nil
		})
	})
	return length, err
}

func (b *BadgerBackend) pop(key string, front bool) (string, bool, error) {
	b.listMu.Lock()
	defer b.listMu.Unlock()

	var value string
	var found bool
	err := b.update(func(txn *badger.Txn) error {
		value, found = "", false
		kind, err := b.liveKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		if kind != kindList {
			return &TypeMismatchError{Key: key, Want: kindList, Got: kind}
		}
		prefix := listItemPrefix(key)
		var itemKey []byte
		var itemValue []byte
		if err := forEachPrefix(txn, prefix, true, func(k, v []byte) error {
			if front && itemKey != nil {
				return nil
			}
			itemKey = k
			itemValue = v
			return nil
		}); err != nil {
			return err
		}
		if itemKey == nil {
			return nil
		}
		if err := txn.Delete(itemKey); err != nil {
			return unavailable("pop", err)
		}
		value = string(itemValue)
		found = true
		return b.dropIfEmpty(txn, key, prefix)
	})
	return value, found, err
}

func (b *BadgerBackend) LPop(key string) (string, bool, error) {
	return b.pop(key, true)
}

func (b *BadgerBackend) RPop(key string) (string, bool, error) {
	return b.pop(key, false)
}

func (b *BadgerBackend) SAdd(key string, members ...string) (int64, error) {
	var added int64
	err := b.update(func(txn *badger.Txn) error {
		added = 0
		if err := b.ensureWrite(txn, key, kindSet); err != nil {
			return err
		}
		for _, member := range members {
			_, ok, err := getValue(txn, setItemKey(key, member))
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := txn.Set(setItemKey(key, member), nil); err != nil {
				return unavailable("sadd", err)
			}
			added++
		}
		return b.dropIfEmpty(txn, key, setItemPrefix(key))
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (b *BadgerBackend) SMembers(key string) ([]string, error) {
	members := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindSet)
		if err != nil || !ok {
			return err
		}
		prefix := setItemPrefix(key)
		return forEachPrefix(txn, prefix, false, func(k, _ []byte) error {
			members = append(members, string(k[len(prefix):]))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (b *BadgerBackend) SIsMember(key, member string) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindSet)
		if err != nil || !ok {
			return err
		}
		_, exists, err = getValue(txn, setItemKey(key, member))
		return err
	})
	return exists, err
}

func (b *BadgerBackend) SRem(key string, members ...string) (int64, error) {
	var removed int64
	err := b.update(func(txn *badger.Txn) error {
		removed = 0
		kind, err := b.liveKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		if kind != kindSet {
			return &TypeMismatchError{Key: key, Want: kindSet, Got: kind}
		}
		for _, member := range members {
			_, ok, err := getValue(txn, setItemKey(key, member))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := txn.Delete(setItemKey(key, member)); err != nil {
				return unavailable("srem", err)
			}
			removed++
		}
		if removed > 0 {
			return b.dropIfEmpty(txn, key, setItemPrefix(key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *BadgerBackend) SCard(key string) (int64, error) {
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		ok, err := ensureRead(txn, key, kindSet)
		if err != nil || !ok {
			return err
		}
		return forEachPrefix(txn, setItemPrefix(key), false, func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (b *BadgerBackend) Expire(key string, ttl time.Duration) (bool, error) {
	var set bool
	err := b.update(func(txn *badger.Txn) error {
		set = false
		kind, err := b.liveKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(time.Now().Add(ttl).UnixNano()))
		if err := txn.Set(expiryKey(key), buf[:]); err != nil {
			return unavailable("expire", err)
		}
		set = true
		return nil
	})
	return set, err
}

func (b *BadgerBackend) TTL(key string) (time.Duration, error) {
	ttl := TTLMissing
	err := b.db.View(func(txn *badger.Txn) error {
		kind, err := readKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		due, ok, err := deadline(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			ttl = TTLNone
			return nil
		}
		ttl = time.Until(due)
		return nil
	})
	return ttl, err
}

func (b *BadgerBackend) Persist(key string) (bool, error) {
	var removed bool
	err := b.update(func(txn *badger.Txn) error {
		removed = false
		kind, err := b.liveKind(txn, key)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		_, ok, err := getValue(txn, expiryKey(key))
		if err != nil || !ok {
			return err
		}
		if err := txn.Delete(expiryKey(key)); err != nil {
			return unavailable("persist", err)
		}
		removed = true
		return nil
	})
	return removed, err
}

func (b *BadgerBackend) CleanupExpired() (int64, error) {
	var removed int64
	now := time.Now()
	err := b.update(func(txn *badger.Txn) error {
		removed = 0
		var due []string
		prefix := []byte(bExpiryPrefix)
		if err := forEachPrefix(txn, prefix, true, func(k, v []byte) error {
			at := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			if !now.Before(at) {
				due = append(due, string(bytes.TrimPrefix(k, prefix)))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range due {
			if err := b.dropKeyTxn(txn, key); err != nil {
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
		b.log.Debug("Expiration sweep completed", logger.Int64("removed", removed))
	}
	return removed, nil
}

func (b *BadgerBackend) Clear() error {
	if err := b.db.DropAll(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

func (b *BadgerBackend) Close() error {
	close(b.stopGC)
	return b.db.Close()
}
