package redisstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript is used on servers older than 6.2, which lack GETDEL.
var takeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
  redis.call("DEL", KEYS[1])
end
return v
`)

// KV is a Redis-backed ephemeral key-value store with TTL support.
// Keys are namespaced with an optional prefix so several sites can share one database.
type KV struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewKV(rdb redis.UniversalClient) *KV {
	return &KV{rdb: rdb}
}

// WithPrefix namespaces every key.
func (k *KV) WithPrefix(prefix string) *KV {
	k.prefix = prefix
	return k
}

func (k *KV) key(key string) string { return k.prefix + key }

func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := k.rdb.Get(ctx, k.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return k.rdb.Set(ctx, k.key(key), value, ttl).Err()
}

func (k *KV) Del(ctx context.Context, key string) error {
	return k.rdb.Del(ctx, k.key(key)).Err()
}

// TakeOnce reads and deletes key in a single server-side step.
func (k *KV) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	full := k.key(key)
	b, err := k.rdb.GetDel(ctx, full).Bytes()
	if err != nil && isUnknownCommand(err) {
		s, serr := takeScript.Run(ctx, k.rdb, []string{full}).Text()
		return k.result([]byte(s), serr)
	}
	return k.result(b, err)
}

func (k *KV) result(b []byte, err error) ([]byte, bool, error) {
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func isUnknownCommand(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unknown command")
}
