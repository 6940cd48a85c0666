package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireBroker skips the test unless a Redis instance answers on
// localhost:6379, mirroring the skip pattern used by queue and connmgr
// tests that also need a real broker.
func requireBroker(t *testing.T) *Adapter {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}
	conn, err := net.DialTimeout("tcp", "localhost:6379", time.Second)
	if err != nil {
		t.Skip("broker not available at localhost:6379")
	}
	conn.Close()

	a, err := New(Options{RedisURL: "redis://localhost:6379", DB: 15, Namespace: "gwtest"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapterPublishSubscribe(t *testing.T) {
	a := requireBroker(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := a.Subscribe(ctx, "test:channel", func(payload []byte) { received <- payload })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Publish(ctx, "test:channel", map[string]string{"hello": "world"}))

	select {
	case payload := <-received:
		assert.Contains(t, string(payload), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestAdapterGetSetDelete(t *testing.T) {
	a := requireBroker(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "test:key", map[string]int{"n": 7}, time.Minute))

	var out map[string]int
	ok, err := a.Get(ctx, "test:key", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, out["n"])

	require.NoError(t, a.Delete(ctx, "test:key"))
	ok, err = a.Get(ctx, "test:key", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeManyDynamicAddAndRemoveChannel(t *testing.T) {
	a := requireBroker(t)
	ctx := context.Background()

	firstCh := make(chan []byte, 1)
	sub, err := a.SubscribeMany(ctx, []ChannelHandler{
		{Channel: "test:many:one", Handler: func(p []byte) { firstCh <- p }},
	})
	require.NoError(t, err)
	defer sub.Disconnect()

	require.NoError(t, a.Publish(ctx, "test:many:one", "a"))
	select {
	case <-firstCh:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive message on initial channel")
	}

	secondCh := make(chan []byte, 1)
	require.NoError(t, sub.AddChannel(ctx, "test:many:two", func(p []byte) { secondCh <- p }))

	require.NoError(t, a.Publish(ctx, "test:many:two", "b"))
	select {
	case <-secondCh:
	case <-time.After(2 * time.Second):
		t.Fatal("dynamically added channel never delivered a message")
	}

	require.NoError(t, sub.RemoveChannel(ctx, "test:many:two"))

	require.NoError(t, a.Publish(ctx, "test:many:two", "c"))
	select {
	case <-secondCh:
		t.Fatal("received a message on a removed channel")
	case <-time.After(300 * time.Millisecond):
	}
}
