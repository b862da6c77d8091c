package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/awgw/internal/retry"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Address = mr.Addr()
	config.Prefix = "test:"
	config.ConnectRetry = retry.NoRetryPolicy()

	s, err := NewRedisStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	config := DefaultRedisConfig()
	config.Address = "127.0.0.1:1"
	config.DialTimeout = 100 * time.Millisecond
	config.ConnectRetry = retry.NoRetryPolicy()

	_, err := NewRedisStore(config)
	assert.Error(t, err)
}

func TestRedisStore_SetGet(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "quota:alpha", 42, time.Minute))

	val, err := s.Get(ctx, "quota:alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)
}

func TestRedisStore_GetMissingKey(t *testing.T) {
	s := newTestRedisStore(t)

	_, err := s.Get(context.Background(), "absent")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Increment(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.Increment(ctx, "quota:alpha", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)

	val, err = s.Increment(ctx, "quota:alpha", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Address = mr.Addr()
	config.Prefix = "test:"
	config.ConnectRetry = retry.NoRetryPolicy()

	s, err := NewRedisStore(config)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	val, err := s.IncrementWithExpiry(ctx, "quota:alpha", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)

	val, err = s.IncrementWithExpiry(ctx, "quota:alpha", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(10), val)

	// The window resets once the key expires.
	mr.FastForward(2 * time.Minute)

	val, err = s.IncrementWithExpiry(ctx, "quota:alpha", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)
}

func TestRedisStore_Delete(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "quota:alpha", 1, time.Minute))
	require.NoError(t, s.Delete(ctx, "quota:alpha"))

	_, err := s.Get(ctx, "quota:alpha")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_KeysArePrefixed(t *testing.T) {
	mr := miniredis.RunT(t)

	s := NewRedisStoreFromClient(nil, "test:", nil)
	assert.Equal(t, "test:mykey", s.prefixKey("mykey"))

	config := DefaultRedisConfig()
	config.Address = mr.Addr()
	config.Prefix = "test:"
	config.ConnectRetry = retry.NoRetryPolicy()

	s2, err := NewRedisStore(config)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.Set(context.Background(), "mykey", 7, time.Minute))
	got, err := mr.Get("test:mykey")
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	s := newTestRedisStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
