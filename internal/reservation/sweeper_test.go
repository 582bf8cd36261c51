package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLockClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestSweeperLockSingleLeader(t *testing.T) {
	client, _ := setupLockClient(t)
	ctx := context.Background()

	first := &SweeperLock{Client: client, InstanceID: "instance-1", TTL: time.Minute}
	second := &SweeperLock{Client: client, InstanceID: "instance-2", TTL: time.Minute}

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeperLockHolderRefreshes(t *testing.T) {
	client, mr := setupLockClient(t)
	ctx := context.Background()

	lock := &SweeperLock{Client: client, InstanceID: "instance-1", TTL: time.Minute}

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(30 * time.Second)

	// Re-acquiring as the current holder refreshes the TTL.
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(45 * time.Second)
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "refreshed lock should not have expired")
}

func TestSweeperLockFailover(t *testing.T) {
	client, mr := setupLockClient(t)
	ctx := context.Background()

	first := &SweeperLock{Client: client, InstanceID: "instance-1", TTL: time.Minute}
	second := &SweeperLock{Client: client, InstanceID: "instance-2", TTL: time.Minute}

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Leader dies; its TTL lapses without a refresh.
	mr.FastForward(2 * time.Minute)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweeperLockReleaseOnlyByHolder(t *testing.T) {
	client, _ := setupLockClient(t)
	ctx := context.Background()

	first := &SweeperLock{Client: client, InstanceID: "instance-1", TTL: time.Minute}
	second := &SweeperLock{Client: client, InstanceID: "instance-2", TTL: time.Minute}

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-holder release must not free the lock.
	require.NoError(t, second.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
