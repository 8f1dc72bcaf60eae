package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when it still holds our token, so a
// lock that expired and was re-acquired elsewhere is never released by the
// old owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a single-holder distributed lock backed by SET NX PX.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func NewLock(rdb *redis.Client, key string, ttl time.Duration) *Lock {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return &Lock{rdb: rdb, key: key, token: hex.EncodeToString(buf), ttl: ttl}
}

// Acquire returns true when the lock was obtained. It does not block.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release frees the lock if this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
