package savelock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairtrack/engine/internal/domain"
)

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	key := Key("job-1", "tpl-screen")

	unlock, err := l.TryLock(ctx, key)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrSaveInFlight), "second save must be refused, got %v", err)

	other, err := l.TryLock(ctx, Key("job-2", "tpl-screen"))
	require.NoError(t, err, "other jobs are independent")
	other()

	unlock()
	unlock() // idempotent

	again, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	again()
}

func TestLocalLocker(t *testing.T) {
	exerciseLocker(t, NewLocalLocker())
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	exerciseLocker(t, NewRedisLocker(client, time.Minute))
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLocker(client, time.Second)
	ctx := context.Background()
	key := Key("job-1", "tpl")

	staleUnlock, err := l.TryLock(ctx, key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	freshUnlock, err := l.TryLock(ctx, key)
	require.NoError(t, err, "expired lock can be re-acquired")

	staleUnlock()
	_, err = l.TryLock(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrSaveInFlight), "stale holder must not release the new lock")

	freshUnlock()
}

func TestKey(t *testing.T) {
	assert.Equal(t, "checklist-save:job-9:tpl-3", Key("job-9", "tpl-3"))
}
