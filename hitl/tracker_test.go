package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetops/gateway/core"
)

func TestTrackerDeduplicatesPerSession(t *testing.T) {
	tr := NewMessageTracker(core.NewInMemoryStore(), time.Hour, time.Hour, nil)
	ctx := context.Background()

	assert.False(t, tr.Seen(ctx, "sess-1", "req-1"))
	assert.True(t, tr.Seen(ctx, "sess-1", "req-1"))

	// Same request id on another session is independent.
	assert.False(t, tr.Seen(ctx, "sess-2", "req-1"))

	// A frame without a request id is never deduplicated.
	assert.False(t, tr.Seen(ctx, "sess-1", ""))
	assert.False(t, tr.Seen(ctx, "sess-1", ""))
}

func TestTrackerForget(t *testing.T) {
	tr := NewMessageTracker(core.NewInMemoryStore(), time.Hour, time.Hour, nil)
	ctx := context.Background()

	assert.False(t, tr.Seen(ctx, "sess-1", "req-1"))
	tr.Forget(ctx, "sess-1", "req-1")
	assert.False(t, tr.Seen(ctx, "sess-1", "req-1"))
}

func TestTrackerEntriesExpire(t *testing.T) {
	tr := NewMessageTracker(core.NewInMemoryStore(), 10*time.Millisecond, time.Hour, nil)
	ctx := context.Background()

	assert.False(t, tr.Seen(ctx, "sess-1", "req-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, tr.Seen(ctx, "sess-1", "req-1"), "expired entry reads as fresh")
}

func TestTrackerSweepRemovesExpired(t *testing.T) {
	store := core.NewInMemoryStore()
	tr := NewMessageTracker(store, 5*time.Millisecond, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		tr.Seen(ctx, "sess-1", id)
	}
	assert.Equal(t, 3, store.Len())

	tr.Start(ctx)
	defer tr.Stop()

	assert.Eventually(t, func() bool { return store.Len() == 0 },
		500*time.Millisecond, 10*time.Millisecond)

	// Stop is idempotent and Start after Stop works.
	tr.Stop()
	tr.Start(ctx)
	tr.Stop()
}
