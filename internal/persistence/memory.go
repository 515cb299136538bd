package persistence

import (
	"sort"
	"sync"
	"time"
)

// memoryEntry holds one key's value. Exactly one of the shape fields is
// populated, selected by kind. A zero expiresAt means no expiration.
type memoryEntry struct {
	kind      string
	scalar    string
	hash      map[string]string
	list      []string
	set       map[string]struct{}
	expiresAt time.Time
}

// MemoryBackend is an in-memory implementation of Backend. It is the default
// for tests and throwaway stores; nothing survives the process.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
}

// NewMemoryBackend creates a new in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]*memoryEntry),
	}
}

// live returns the entry for key if it exists and has not expired, removing
// it when the deadline has elapsed. Caller must hold mu.
func (m *MemoryBackend) live(key string) *memoryEntry {
	entry, ok := m.data[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return entry
}

// typed returns the live entry for key, enforcing the value shape.
// A nil entry with a nil error means the key is absent.
func (m *MemoryBackend) typed(key, want string) (*memoryEntry, error) {
	entry := m.live(key)
	if entry == nil {
		return nil, nil
	}
	if entry.kind != want {
		return nil, &TypeMismatchError{Key: key, Want: want, Got: entry.kind}
	}
	return entry, nil
}

func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindString)
	if err != nil {
		return err
	}
	if entry == nil {
		m.data[key] = &memoryEntry{kind: kindString, scalar: value}
		return nil
	}
	entry.scalar = value
	return nil
}

func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindString)
	if err != nil || entry == nil {
		return "", false, err
	}
	return entry.scalar, true, nil
}

func (m *MemoryBackend) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(key) == nil {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryBackend) Exists(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.live(key) != nil, nil
}

func (m *MemoryBackend) Keys(pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []string{}
	for key := range m.data {
		if m.live(key) == nil {
			continue
		}
		ok, err := matchPattern(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) HSet(key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindHash)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &memoryEntry{kind: kindHash, hash: make(map[string]string)}
		m.data[key] = entry
	}
	entry.hash[field] = value
	return nil
}

func (m *MemoryBackend) HGet(key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindHash)
	if err != nil || entry == nil {
		return "", false, err
	}
	value, ok := entry.hash[field]
	return value, ok, nil
}

func (m *MemoryBackend) HGetAll(key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindHash)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	if entry == nil {
		return result, nil
	}
	for field, value := range entry.hash {
		result[field] = value
	}
	return result, nil
}

func (m *MemoryBackend) HDel(key, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindHash)
	if err != nil || entry == nil {
		return false, err
	}
	if _, ok := entry.hash[field]; !ok {
		return false, nil
	}
	delete(entry.hash, field)
	if len(entry.hash) == 0 {
		delete(m.data, key)
	}
	return true, nil
}

func (m *MemoryBackend) HExists(key, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindHash)
	if err != nil || entry == nil {
		return false, err
	}
	_, ok := entry.hash[field]
	return ok, nil
}

func (m *MemoryBackend) LPush(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindList)
	if err != nil {
		return err
	}
	if entry == nil {
		m.data[key] = &memoryEntry{kind: kindList, list: []string{value}}
		return nil
	}
	entry.list = append([]string{value}, entry.list...)
	return nil
}

func (m *MemoryBackend) RPush(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindList)
	if err != nil {
		return err
	}
	if entry == nil {
		m.data[key] = &memoryEntry{kind: kindList, list: []string{value}}
		return nil
	}
	entry.list = append(entry.list, value)
	return nil
}

func (m *MemoryBackend) LRange(key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindList)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return []string{}, nil
	}
	lo, hi, ok := rangeBounds(int64(len(entry.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	result := make([]string, hi-lo+1)
	copy(result, entry.list[lo:hi+1])
	return result, nil
}

func (m *MemoryBackend) LLen(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindList)
	if err != nil || entry == nil {
		return 0, err
	}
	return int64(len(entry.list)), nil
}

func (m *MemoryBackend) LPop(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindList)
	if err != nil || entry == nil {
		return "", false, err
	}
	value := entry.list[0]
	entry.list = entry.list[1:]
	if len(entry.list) == 0 {
		delete(m.data, key)
	}
	return value, true, nil
}

func (m *MemoryBackend) RPop(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindList)
	if err != nil || entry == nil {
		return "", false, err
	}
	last := len(entry.list) - 1
	value := entry.list[last]
	entry.list = entry.list[:last]
	if len(entry.list) == 0 {
		delete(m.data, key)
	}
	return value, true, nil
}

func (m *MemoryBackend) SAdd(key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindSet)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		entry = &memoryEntry{kind: kindSet, set: make(map[string]struct{})}
		m.data[key] = entry
	}
	var added int64
	for _, member := range members {
		if _, ok := entry.set[member]; !ok {
			entry.set[member] = struct{}{}
			added++
		}
	}
	if len(entry.set) == 0 {
		delete(m.data, key)
	}
	return added, nil
}

func (m *MemoryBackend) SMembers(key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindSet)
	if err != nil {
		return nil, err
	}
	members := []string{}
	if entry == nil {
		return members, nil
	}
	for member := range entry.set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryBackend) SIsMember(key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindSet)
	if err != nil || entry == nil {
		return false, err
	}
	_, ok := entry.set[member]
	return ok, nil
}

func (m *MemoryBackend) SRem(key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindSet)
	if err != nil || entry == nil {
		return 0, err
	}
	var removed int64
	for _, member := range members {
		if _, ok := entry.set[member]; ok {
			delete(entry.set, member)
			removed++
		}
	}
	if len(entry.set) == 0 {
		delete(m.data, key)
	}
	return removed, nil
}

func (m *MemoryBackend) SCard(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.typed(key, kindSet)
	if err != nil || entry == nil {
		return 0, err
	}
	return int64(len(entry.set)), nil
}

func (m *MemoryBackend) Expire(key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil {
		return false, nil
	}
	entry.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (m *MemoryBackend) TTL(key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil {
		return TTLMissing, nil
	}
	if entry.expiresAt.IsZero() {
		return TTLNone, nil
	}
	return time.Until(entry.expiresAt), nil
}

func (m *MemoryBackend) Persist(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.expiresAt.IsZero() {
		return false, nil
	}
	entry.expiresAt = time.Time{}
	return true, nil
}

func (m *MemoryBackend) CleanupExpired() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int64
	for key, entry := range m.data {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]*memoryEntry)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
