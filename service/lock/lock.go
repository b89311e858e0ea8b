// Package lock implements a distributed, token-authenticated, TTL-bounded
// mutual exclusion on Redis. Any number of independent worker and API
// instances can contend; a crashed holder is recovered passively by TTL
// expiry, never by another holder's release.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "anchor:lock:"

// Release and extend are single compare-then-act scripts so a holder can
// never release or extend a lease that has expired and been re-acquired by
// someone else in between the read and the write.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker provides lease operations against a Redis-compatible store.
type Locker struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

// NewLocker creates a new Locker.
func NewLocker(rdb redis.Cmdable, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		rdb:    rdb,
		logger: logger,
	}
}

func lockKey(name string) string {
	return keyPrefix + name
}

// Acquire attempts a set-if-absent with a random token and TTL. Returns the
// token and true on success, or "" and false when another instance holds the
// lease. Failing to acquire is not an error.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}

	l.logger.DebugContext(ctx, "acquired lock", "name", name, "ttl", ttl)
	return token, true, nil
}

// Release deletes the lease iff token still owns it. Returns false when the
// lease expired or belongs to another holder.
func (l *Locker) Release(ctx context.Context, name, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(name)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return res == 1, nil
}

// Extend resets the lease TTL iff token still owns it. Returns false when the
// lease expired or belongs to another holder.
func (l *Locker) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, l.rdb, []string{lockKey(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", name, err)
	}
	return res == 1, nil
}
