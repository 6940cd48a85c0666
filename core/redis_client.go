// Package core provides Redis client plumbing shared across the gateway.
// The broker package builds publish/subscribe and the command-queue
// primitives on top of this thin wrapper; nothing else in the gateway
// talks to Redis directly.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Logical database assignments. Keeping the queue, session, and pub/sub
// namespaces in separate Redis DBs means a FLUSHDB during an incident
// recovery touches one concern, not all of them.
const (
	RedisDBCommandQueue = 0 // per-device pending/claimed/completed indices and command records
	RedisDBSessions     = 1 // device-session token lookups (session:<token>)
	RedisDBPubSub       = 2 // channel publish/subscribe; nothing persistent
	RedisDBHITL         = 3 // HITL message-tracker bookkeeping
)

// RedisClient wraps one go-redis connection with key namespacing and a
// pinned logical DB.
type RedisClient struct {
	client    *redis.Client
	db        int
	namespace string
	logger    Logger
}

// RedisClientOptions configures NewRedisClient.
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // logical DB, see the RedisDB* constants
	Namespace string // prefix applied to every key
	Logger    Logger
}

// NewRedisClient parses opts.RedisURL, pins the logical DB, and verifies
// connectivity with a bounded ping before returning. A client that cannot
// reach Redis is never handed out.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL %q: %w", opts.RedisURL, ErrInvalidConfiguration)
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)
	ctx, cancel := context.WithTimeout(context.Background(), BrokerConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging Redis DB %d: %w", redisOpt.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		db:        redisOpt.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}
	if rc.logger != nil {
		rc.logger.Info("Redis client connected", map[string]interface{}{
			"db":        rc.db,
			"namespace": rc.namespace,
		})
	}
	return rc, nil
}

// Close releases the underlying connection pool.
func (r *RedisClient) Close() error {
	if err := r.client.Close(); err != nil {
		if r.logger != nil {
			r.logger.Error("closing Redis client", map[string]interface{}{"error": err.Error()})
		}
		return err
	}
	return nil
}

// Raw exposes the underlying go-redis client for callers that need
// primitives this wrapper doesn't surface (Eval, Publish, Subscribe,
// list and sorted-set operations). Keys passed through Raw are NOT
// namespaced automatically; callers must apply FormatKey themselves.
func (r *RedisClient) Raw() *redis.Client {
	return r.client
}

// FormatKey prefixes key with the client's namespace.
func (r *RedisClient) FormatKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Namespace returns the configured key prefix.
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// DB returns the pinned logical database number.
func (r *RedisClient) DB() int {
	return r.db
}

// Get retrieves a value. A missing key surfaces as redis.Nil.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.FormatKey(key)).Result()
}

// Set stores a value. A zero ttl means no expiry.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.FormatKey(key), value, ttl).Err()
}

// Del removes the given keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.FormatKey(k)
	}
	return r.client.Del(ctx, formatted...).Err()
}

// Expire sets a TTL on an existing key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.FormatKey(key), ttl).Err()
}

// TTL reports the remaining lifetime of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.FormatKey(key)).Result()
}

// HealthCheck verifies the connection is still live; the readiness
// endpoint hits this on every probe.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		if r.logger != nil {
			r.logger.ErrorWithContext(ctx, "Redis health check failed", map[string]interface{}{
				"error": err.Error(),
				"db":    r.db,
			})
		}
		return fmt.Errorf("redis health check: %v: %w", err, ErrBrokerUnavailable)
	}
	return nil
}
