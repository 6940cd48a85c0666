package core

import (
	"context"
	"net"
	"testing"
	"time"
)

// requireRedis checks if the broker is available and skips the test if not.
// This provides consistent broker availability checking across all tests.
func requireRedis(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping broker test in short mode")
	}

	if !isRedisReachable() {
		t.Skip("broker not available at localhost:6379 (connection refused)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL: "redis://localhost:6379",
		DB:       RedisDBCommandQueue,
	})
	if err != nil {
		t.Skipf("broker not available: %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(ctx); err != nil {
		t.Skipf("broker not responsive: %v", err)
	}
}

// isRedisReachable performs a quick TCP connection check
func isRedisReachable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 1*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
