package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientRejectsBadOptions(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRedisClient(RedisClientOptions{RedisURL: "not-a-url"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestFormatKeyNamespacing(t *testing.T) {
	bare := &RedisClient{}
	assert.Equal(t, "cmd:dev-1:pending", bare.FormatKey("cmd:dev-1:pending"))

	namespaced := &RedisClient{namespace: "gw-test"}
	assert.Equal(t, "gw-test:cmd:dev-1:pending", namespaced.FormatKey("cmd:dev-1:pending"))
	assert.Equal(t, "gw-test", namespaced.Namespace())
}

func TestRedisClientRoundTrip(t *testing.T) {
	requireRedis(t)

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  "redis://localhost:6379",
		DB:        RedisDBCommandQueue,
		Namespace: "gw-test",
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "roundtrip"
	require.NoError(t, client.Set(ctx, key, "v1", time.Minute))
	defer client.Del(ctx, key)

	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	ttl, err := client.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)

	require.NoError(t, client.Del(ctx, key))
	_, err = client.Get(ctx, key)
	assert.Error(t, err, "deleted key reads back as redis.Nil")

	require.NoError(t, client.HealthCheck(ctx))
}
