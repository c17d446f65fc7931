package revstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedis(client, "test:revstore:")
}

func TestRedisLoadMissingReturnsNotOK(t *testing.T) {
	store := newTestRedisStore(t)
	_, ok, err := store.Load(context.Background(), "client")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSaveThenLoadRoundTrips(t *testing.T) {
	store := newTestRedisStore(t)
	require.NoError(t, store.Save(context.Background(), "server", 555))

	rev, ok, err := store.Load(context.Background(), "server")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(555), rev)
}

func TestRedisKeysAreNamespaced(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedis(client, "myapp:")
	require.NoError(t, store.Save(context.Background(), "client", 7))

	assert.True(t, mr.Exists("myapp:client"))
}
