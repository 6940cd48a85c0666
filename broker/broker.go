// Package broker implements the Broker Adapter: a typed wrapper over Redis
// that gives the rest of the gateway publish/subscribe, get/set-with-TTL,
// list push, and the atomic command-queue primitives, all JSON-encoded and
// namespaced, with every operation bound by a connect or command timeout.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/resilience"
)

// Adapter is the sole point of contact between the gateway and Redis.
type Adapter struct {
	client         *core.RedisClient
	logger         core.Logger
	commandTimeout time.Duration
	breaker        *resilience.CircuitBreaker
	retry          *resilience.RetryExecutor
}

// Options configures a new Adapter.
type Options struct {
	RedisURL       string
	Namespace      string
	DB             int
	Logger         core.Logger
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// Resilience, if non-zero, wraps every Redis round-trip in a circuit
	// breaker so a wedged Redis doesn't pile up goroutines behind slow
	// dials; trips per core.CircuitBreakerConfig and rejects with
	// core.ErrCircuitBreakerOpen while open.
	Resilience core.CircuitBreakerConfig

	// Retry, if MaxAttempts > 0, retries a Redis round-trip with backoff
	// before giving up. Runs inside the circuit breaker when both are set,
	// so a retry storm against a dead Redis still trips the breaker.
	Retry core.RetryConfig
}

// New dials Redis and returns an Adapter bound to a single logical database.
func New(opts Options) (*Adapter, error) {
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = core.BrokerCommandTimeout
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  opts.RedisURL,
		DB:        opts.DB,
		Namespace: opts.Namespace,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{client: client, logger: opts.Logger, commandTimeout: opts.CommandTimeout}
	if opts.Resilience.Enabled {
		cb, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:                "broker",
			FailureThreshold:    opts.Resilience.Threshold,
			OpenTimeout:         opts.Resilience.Timeout,
			HalfOpenMaxInFlight: opts.Resilience.HalfOpenRequests,
			Logger:              opts.Logger,
		})
		if err != nil {
			return nil, &core.FrameworkError{Op: "broker.New", Kind: "broker", Message: "failed to build circuit breaker", Err: err}
		}
		a.breaker = cb
	}
	if opts.Retry.MaxAttempts > 0 {
		executor := resilience.NewRetryExecutor(&resilience.RetryConfig{
			MaxAttempts:   opts.Retry.MaxAttempts,
			InitialDelay:  opts.Retry.InitialInterval,
			MaxDelay:      opts.Retry.MaxInterval,
			BackoffFactor: opts.Retry.Multiplier,
			JitterEnabled: true,
		})
		executor.SetLogger(opts.Logger)
		a.retry = executor
	}
	return a, nil
}

// guard runs fn directly, through retry, through the circuit breaker, or
// through both, depending on which resilience features are configured. A
// retry runs inside the breaker check on every attempt, so a retry storm
// against a dead Redis still trips it.
func (a *Adapter) guard(ctx context.Context, fn func() error) error {
	switch {
	case a.breaker != nil && a.retry != nil:
		return a.retry.ExecuteWithCircuitBreaker(ctx, a.breaker, fn)
	case a.breaker != nil:
		return a.breaker.Execute(ctx, fn)
	case a.retry != nil:
		return a.retry.Execute(ctx, fn)
	default:
		return fn()
	}
}

// wrapBrokerErr reports err as the sentinel it means: a tripped breaker
// stays core.ErrCircuitBreakerOpen, everything else becomes
// core.ErrBrokerUnavailable wrapped in a FrameworkError for op/id context.
func wrapBrokerErr(op, id string, err error) error {
	if errors.Is(err, core.ErrCircuitBreakerOpen) {
		return &core.FrameworkError{Op: op, Kind: "broker", ID: id, Message: "circuit breaker open", Err: core.ErrCircuitBreakerOpen}
	}
	return &core.FrameworkError{Op: op, Kind: "broker", ID: id, Message: "redis operation failed", Err: core.ErrBrokerUnavailable}
}

// Close releases the underlying connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// CircuitBreaker exposes the broker's breaker through the framework's
// abstract interface, for a status endpoint to report state without
// importing the resilience package. Returns nil, false when resilience is
// disabled for this adapter.
func (a *Adapter) CircuitBreaker() (core.CircuitBreaker, bool) {
	if a.breaker == nil {
		return nil, false
	}
	return a.breaker, true
}

// HealthCheck reports whether the broker is currently reachable.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()
	if err := a.client.HealthCheck(ctx); err != nil {
		return &core.FrameworkError{Op: "broker.HealthCheck", Kind: "broker", Message: "broker unreachable", Err: core.ErrBrokerUnavailable}
	}
	return nil
}

// Publish JSON-encodes value and fires it at channel. Fire-and-forget: a
// publish failure is returned to the caller, who per the command queue's
// contract logs it without reverting whatever produced the event.
func (a *Adapter) Publish(ctx context.Context, channel string, value interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return &core.FrameworkError{Op: "broker.Publish", Kind: "broker", ID: channel, Message: "marshal failed", Err: err}
	}
	if err := a.guard(ctx, func() error { return a.client.Raw().Publish(ctx, channel, data).Err() }); err != nil {
		return wrapBrokerErr("broker.Publish", channel, err)
	}
	return nil
}

// Subscription is a handle to a single-channel subscription.
type Subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe tears down the subscription and waits for its delivery
// goroutine to exit.
func (s *Subscription) Unsubscribe() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe opens a durable subscription to channel. handler is invoked
// with the parsed JSON payload of every message; payloads that fail to
// parse are logged and swallowed rather than delivered.
func (a *Adapter) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := a.client.Raw().Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, &core.FrameworkError{Op: "broker.Subscribe", Kind: "broker", ID: channel, Message: "subscribe failed", Err: core.ErrBrokerUnavailable}
	}

	sub := &Subscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for msg := range ch {
			if !json.Valid([]byte(msg.Payload)) {
				a.logger.Warn("broker: dropping non-JSON message", map[string]interface{}{"channel": channel})
				continue
			}
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

// ChannelHandler pairs a channel name with the handler invoked for its
// messages, for use with SubscribeMany.
type ChannelHandler struct {
	Channel string
	Handler func(payload []byte)
}

// MultiSubscription is a handle over a multiplexed subscription spanning
// many channels on a single underlying connection. Channels can be added
// and removed after construction; dispatch is guarded by mu since the
// delivery goroutine reads it concurrently with AddChannel/RemoveChannel.
type MultiSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	dispatch map[string]func([]byte)
}

// Disconnect tears down every channel in the multiplexed subscription at once.
func (m *MultiSubscription) Disconnect() error {
	m.cancel()
	err := m.pubsub.Close()
	<-m.done
	return err
}

// SubscribeMany opens one Redis connection carrying subscriptions to every
// channel named in configs, so a customer watching hundreds of devices
// costs one connection rather than hundreds.
func (a *Adapter) SubscribeMany(ctx context.Context, configs []ChannelHandler) (*MultiSubscription, error) {
	if len(configs) == 0 {
		return &MultiSubscription{done: make(chan struct{})}, nil
	}

	channels := make([]string, len(configs))
	dispatch := make(map[string]func([]byte), len(configs))
	for i, c := range configs {
		channels[i] = c.Channel
		dispatch[c.Channel] = c.Handler
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := a.client.Raw().Subscribe(subCtx, channels...)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, &core.FrameworkError{Op: "broker.SubscribeMany", Kind: "broker", Message: "subscribe failed", Err: core.ErrBrokerUnavailable}
	}

	ms := &MultiSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{}), dispatch: dispatch}
	go func() {
		defer close(ms.done)
		ch := pubsub.Channel()
		for msg := range ch {
			ms.mu.Lock()
			handler, ok := ms.dispatch[msg.Channel]
			ms.mu.Unlock()
			if !ok {
				continue
			}
			if !json.Valid([]byte(msg.Payload)) {
				a.logger.Warn("broker: dropping non-JSON message", map[string]interface{}{"channel": msg.Channel})
				continue
			}
			handler([]byte(msg.Payload))
		}
	}()
	return ms, nil
}

// AddChannel dynamically subscribes an already-open MultiSubscription to one
// more channel, used when a customer starts following a newly owned device.
// handler is invoked for every message delivered on channel from this point
// forward; channel's prior handler, if any, is replaced.
func (m *MultiSubscription) AddChannel(ctx context.Context, channel string, handler func(payload []byte)) error {
	if err := m.pubsub.Subscribe(ctx, channel); err != nil {
		return err
	}
	m.mu.Lock()
	if m.dispatch == nil {
		m.dispatch = make(map[string]func([]byte))
	}
	m.dispatch[channel] = handler
	m.mu.Unlock()
	return nil
}

// RemoveChannel drops one channel from an open MultiSubscription.
func (m *MultiSubscription) RemoveChannel(ctx context.Context, channel string) error {
	if err := m.pubsub.Unsubscribe(ctx, channel); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.dispatch, channel)
	m.mu.Unlock()
	return nil
}

// Get fetches and JSON-decodes the value stored at key.
func (a *Adapter) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()

	var raw string
	err := a.guard(ctx, func() error {
		var gerr error
		raw, gerr = a.client.Get(ctx, key)
		return gerr
	})
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, wrapBrokerErr("broker.Get", key, err)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return false, &core.FrameworkError{Op: "broker.Get", Kind: "broker", ID: key, Message: "decode failed", Err: err}
		}
	}
	return true, nil
}

// Set JSON-encodes value and stores it at key with an optional TTL.
func (a *Adapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return &core.FrameworkError{Op: "broker.Set", Kind: "broker", ID: key, Message: "marshal failed", Err: err}
	}
	if err := a.guard(ctx, func() error { return a.client.Set(ctx, key, data, ttl) }); err != nil {
		return wrapBrokerErr("broker.Set", key, err)
	}
	return nil
}

// Delete removes key.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()
	if err := a.guard(ctx, func() error { return a.client.Del(ctx, key) }); err != nil {
		return wrapBrokerErr("broker.Delete", key, err)
	}
	return nil
}

// ListPush JSON-encodes value and pushes it onto the head of the list at key.
func (a *Adapter) ListPush(ctx context.Context, key string, value interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return &core.FrameworkError{Op: "broker.ListPush", Kind: "broker", ID: key, Message: "marshal failed", Err: err}
	}
	if err := a.guard(ctx, func() error { return a.client.Raw().LPush(ctx, a.client.FormatKey(key), data).Err() }); err != nil {
		return wrapBrokerErr("broker.ListPush", key, err)
	}
	return nil
}

// eval runs a Lua script with namespaced keys, used by the queue primitives.
// It goes through the circuit breaker like every other Redis round-trip:
// the queue's claim/submit-result/extend primitives are exactly the calls a
// wedged Redis would otherwise stack up goroutines behind.
func (a *Adapter) eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()

	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = a.client.FormatKey(k)
	}

	var result interface{}
	err := a.guard(ctx, func() error {
		var rerr error
		result, rerr = script.Run(ctx, a.client.Raw(), formatted, args...).Result()
		return rerr
	})
	return result, err
}

var scriptCache sync.Map

func loadScript(src string) *redis.Script {
	if s, ok := scriptCache.Load(src); ok {
		return s.(*redis.Script)
	}
	s := redis.NewScript(src)
	actual, _ := scriptCache.LoadOrStore(src, s)
	return actual.(*redis.Script)
}
