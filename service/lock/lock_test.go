package lock

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ownmark/anchor/service/fault"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// newTestRedis connects to the test Redis, or skips when it is unavailable so
// the rest of the suite runs without infrastructure.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("SKIP_REDIS_TESTS") != "" {
		t.Skip("Skipping Redis test (SKIP_REDIS_TESTS is set)")
	}

	rdb := redis.NewClient(&redis.Options{Addr: testRedisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Skipping Redis test: cannot ping %s: %v", testRedisAddr(), err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func newTestLocker(t *testing.T) *Locker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLocker(newTestRedis(t), logger)
}

// uniqueLockName keeps parallel test runs from contending on a shared Redis.
func uniqueLockName(t *testing.T) string {
	return t.Name() + "-" + uuid.NewString()
}

func TestAcquireRelease(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	released, err := locker.Release(ctx, name, token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestAcquire_HeldElsewhere(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer locker.Release(ctx, name, token)

	_, ok, err = locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the lease is held")
}

func TestRelease_WrongToken(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer locker.Release(ctx, name, token)

	released, err := locker.Release(ctx, name, "not-the-token")
	require.NoError(t, err)
	assert.False(t, released, "a stranger's token must not release the lease")

	// The rightful holder can still release.
	released, err = locker.Release(ctx, name, token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestExtend(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer locker.Release(ctx, name, token)

	extended, err := locker.Extend(ctx, name, token, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	extended, err = locker.Extend(ctx, name, "not-the-token", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestAcquire_AfterExpiry(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	_, ok, err := locker.Acquire(ctx, name, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)

	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease is free for the taking")
	locker.Release(ctx, name, token)
}

func TestWithHeartbeat(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	ran := false
	outcome := locker.WithHeartbeat(ctx, name, 10*time.Second, func(ctx context.Context) error {
		ran = true

		// The lease is held for the duration of fn.
		_, ok, err := locker.Acquire(ctx, name, 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Acquired)
	assert.False(t, outcome.Skipped())
	assert.True(t, ran)

	// Released on return.
	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	locker.Release(ctx, name, token)
}

func TestWithHeartbeat_LostLeaseSurfacesError(t *testing.T) {
	rdb := newTestRedis(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	locker := NewLocker(rdb, logger)
	ctx := context.Background()
	name := uniqueLockName(t)

	// A 6s TTL gives the minimum 2s heartbeat. Deleting the key from outside
	// simulates TTL expiry followed by takeover: the next heartbeat finds the
	// token gone, refuses to extend, and cancels fn.
	outcome := locker.WithHeartbeat(ctx, name, 6*time.Second, func(fnCtx context.Context) error {
		require.NoError(t, rdb.Del(ctx, lockKey(name)).Err())

		select {
		case <-fnCtx.Done():
			return fnCtx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})

	assert.True(t, outcome.Acquired)
	require.Error(t, outcome.Err)
	assert.ErrorIs(t, outcome.Err, fault.ErrLockNotAcquired)
}

func TestWithHeartbeat_SkipsWhenHeld(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	name := uniqueLockName(t)

	token, ok, err := locker.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer locker.Release(ctx, name, token)

	outcome := locker.WithHeartbeat(ctx, name, 10*time.Second, func(ctx context.Context) error {
		t.Fatal("fn must not run when the lease is held elsewhere")
		return nil
	})

	assert.True(t, outcome.Skipped())
	assert.NoError(t, outcome.Err)
}
