package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neogan74/statekv/internal/logger"
)

// RedisBackend maps Backend onto a Redis server's native command set. List
// order, set uniqueness, and TTL handling are the server's own; this adapter
// only adds key namespacing and error translation.
type RedisBackend struct {
	client *redis.Client
	prefix string
	log    logger.Logger
}

// NewRedisBackend connects and pings the server so an unreachable host fails
// at construction instead of on the first operation.
func NewRedisBackend(cfg NetworkedConfig, log logger.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeoutOrDefault(cfg.DialTimeout))
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("connect to redis", err)
	}

	log.Info("Redis backend initialized",
		logger.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		logger.Int("db", cfg.DB),
		logger.String("key_prefix", cfg.KeyPrefix))

	return &RedisBackend{client: client, prefix: cfg.KeyPrefix, log: log}, nil
}

func dialTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// k prepends the configured namespace so multiple logical stores can share
// one server and database index.
func (r *RedisBackend) k(key string) string {
	return r.prefix + key
}

// translate converts server replies into the shared error taxonomy:
// WRONGTYPE becomes a type mismatch, everything else means the backend is
// unreachable or misbehaving.
func (r *RedisBackend) translate(op, key, want string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return &TypeMismatchError{Key: key, Want: want}
	}
	return unavailable(op, err)
}

func (r *RedisBackend) Set(key, value string) error {
	ctx := context.Background()
	// SET overwrites any shape; probe first so scalar writes respect the
	// same mismatch rules as the embedded backends.
	kind, err := r.client.Type(ctx, r.k(key)).Result()
	if err != nil {
		return r.translate("set", key, kindString, err)
	}
	if kind != "none" && kind != kindString {
		return &TypeMismatchError{Key: key, Want: kindString, Got: kind}
	}
	return r.translate("set", key, kindString, r.client.Set(ctx, r.k(key), value, redis.KeepTTL).Err())
}

func (r *RedisBackend) Get(key string) (string, bool, error) {
	value, err := r.client.Get(context.Background(), r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.translate("get", key, kindString, err)
	}
	return value, true, nil
}

func (r *RedisBackend) Delete(key string) (bool, error) {
	n, err := r.client.Del(context.Background(), r.k(key)).Result()
	if err != nil {
		return false, r.translate("delete", key, "", err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Exists(key string) (bool, error) {
	n, err := r.client.Exists(context.Background(), r.k(key)).Result()
	if err != nil {
		return false, r.translate("exists", key, "", err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Keys(pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	keys, err := r.client.Keys(context.Background(), r.prefix+pattern).Result()
	if err != nil {
		return nil, r.translate("keys", pattern, "", err)
	}
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, strings.TrimPrefix(key, r.prefix))
	}
	return result, nil
}

func (r *RedisBackend) HSet(key, field, value string) error {
	return r.translate("hset", key, kindHash,
		r.client.HSet(context.Background(), r.k(key), field, value).Err())
}

func (r *RedisBackend) HGet(key, field string) (string, bool, error) {
	value, err := r.client.HGet(context.Background(), r.k(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.translate("hget", key, kindHash, err)
	}
	return value, true, nil
}

func (r *RedisBackend) HGetAll(key string) (map[string]string, error) {
	result, err := r.client.HGetAll(context.Background(), r.k(key)).Result()
	if err != nil {
		return nil, r.translate("hgetall", key, kindHash, err)
	}
	return result, nil
}

func (r *RedisBackend) HDel(key, field string) (bool, error) {
	n, err := r.client.HDel(context.Background(), r.k(key), field).Result()
	if err != nil {
		return false, r.translate("hdel", key, kindHash, err)
	}
	return n > 0, nil
}

func (r *RedisBackend) HExists(key, field string) (bool, error) {
	ok, err := r.client.HExists(context.Background(), r.k(key), field).Result()
	if err != nil {
		return false, r.translate("hexists", key, kindHash, err)
	}
	return ok, nil
}

func (r *RedisBackend) LPush(key, value string) error {
	return r.translate("lpush", key, kindList,
		r.client.LPush(context.Background(), r.k(key), value).Err())
}

func (r *RedisBackend) RPush(key, value string) error {
	return r.translate("rpush", key, kindList,
		r.client.RPush(context.Background(), r.k(key), value).Err())
}

func (r *RedisBackend) LRange(key string, start, stop int64) ([]string, error) {
	values, err := r.client.LRange(context.Background(), r.k(key), start, stop).Result()
	if err != nil {
		return nil, r.translate("lrange", key, kindList, err)
	}
	return values, nil
}

func (r *RedisBackend) LLen(key string) (int64, error) {
	n, err := r.client.LLen(context.Background(), r.k(key)).Result()
	if err != nil {
		return 0, r.translate("llen", key, kindList, err)
	}
	return n, nil
}

func (r *RedisBackend) LPop(key string) (string, bool, error) {
	value, err := r.client.LPop(context.Background(), r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.translate("lpop", key, kindList, err)
	}
	return value, true, nil
}

func (r *RedisBackend) RPop(key string) (string, bool, error) {
	value, err := r.client.RPop(context.Background(), r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.translate("rpop", key, kindList, err)
	}
	return value, true, nil
}

func (r *RedisBackend) SAdd(key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, member := range members {
		args[i] = member
	}
	n, err := r.client.SAdd(context.Background(), r.k(key), args...).Result()
	if err != nil {
		return 0, r.translate("sadd", key, kindSet, err)
	}
	return n, nil
}

func (r *RedisBackend) SMembers(key string) ([]string, error) {
	members, err := r.client.SMembers(context.Background(), r.k(key)).Result()
	if err != nil {
		return nil, r.translate("smembers", key, kindSet, err)
	}
	return members, nil
}

func (r *RedisBackend) SIsMember(key, member string) (bool, error) {
	ok, err := r.client.SIsMember(context.Background(), r.k(key), member).Result()
	if err != nil {
		return false, r.translate("sismember", key, kindSet, err)
	}
	return ok, nil
}

func (r *RedisBackend) SRem(key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, member := range members {
		args[i] = member
	}
	n, err := r.client.SRem(context.Background(), r.k(key), args...).Result()
	if err != nil {
		return 0, r.translate("srem", key, kindSet, err)
	}
	return n, nil
}

func (r *RedisBackend) SCard(key string) (int64, error) {
	n, err := r.client.SCard(context.Background(), r.k(key)).Result()
	if err != nil {
		return 0, r.translate("scard", key, kindSet, err)
	}
	return n, nil
}

func (r *RedisBackend) Expire(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		// Redis rejects non-positive EXPIRE by deleting; doing it
		// explicitly keeps the returned bool meaningful.
		return r.Delete(key)
	}
	ok, err := r.client.Expire(context.Background(), r.k(key), ttl).Result()
	if err != nil {
		return false, r.translate("expire", key, "", err)
	}
	return ok, nil
}

func (r *RedisBackend) TTL(key string) (time.Duration, error) {
	d, err := r.client.TTL(context.Background(), r.k(key)).Result()
	if err != nil {
		return TTLMissing, r.translate("ttl", key, "", err)
	}
	// go-redis reports the server's -1/-2 replies as raw durations.
	switch d {
	case -1:
		return TTLNone, nil
	case -2:
		return TTLMissing, nil
	}
	return d, nil
}

func (r *RedisBackend) Persist(key string) (bool, error) {
	ok, err := r.client.Persist(context.Background(), r.k(key)).Result()
	if err != nil {
		return false, r.translate("persist", key, "", err)
	}
	return ok, nil
}

// CleanupExpired is a no-op: the server expires keys natively.
func (r *RedisBackend) CleanupExpired() (int64, error) {
	return 0, nil
}

// Clear removes only the keys under this store's namespace. Without a
// prefix the whole logical database is flushed.
func (r *RedisBackend) Clear() error {
	ctx := context.Background()
	if r.prefix == "" {
		return r.translate("clear", "", "", r.client.FlushDB(ctx).Err())
	}

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return r.translate("clear", "", "", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return r.translate("clear", "", "", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
