package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/fleetops/gateway/core"
)

// MessageTracker remembers which request ids each session has already
// submitted, so a reconnecting browser that replays its outbox doesn't
// double-apply side-effecting frames (send_command, approve_session).
// Entries live for the session TTL and a periodic sweep clears the
// expired remainder. The tracker is process-local; replay
// across gateway instances is already covered by the queue's claim
// tokens and the approval registry's once-only resolution.
type MessageTracker struct {
	store   core.Memory
	ttl     time.Duration
	cadence time.Duration
	logger  core.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewMessageTracker builds a tracker over store. Zero durations fall
// back to the gateway-wide defaults (2h TTL, 30m sweep).
func NewMessageTracker(store core.Memory, ttl, cadence time.Duration, logger core.Logger) *MessageTracker {
	if ttl <= 0 {
		ttl = core.HITLSessionTTL
	}
	if cadence <= 0 {
		cadence = core.HITLSweepCadence
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/hitl")
	}
	return &MessageTracker{store: store, ttl: ttl, cadence: cadence, logger: logger}
}

func trackerKey(sessionID, requestID string) string {
	return "hitl:msg:" + sessionID + ":" + requestID
}

// Seen records (sessionID, requestID) and reports whether it was already
// present. An empty requestID is never tracked: the client opted out of
// idempotency, so every such frame is treated as fresh.
func (t *MessageTracker) Seen(ctx context.Context, sessionID, requestID string) bool {
	if requestID == "" {
		return false
	}
	key := trackerKey(sessionID, requestID)
	exists, err := t.store.Exists(ctx, key)
	if err != nil {
		t.logger.Warn("message tracker lookup failed, treating as fresh", map[string]interface{}{
			"session": sessionID, "error": err.Error(),
		})
		return false
	}
	if exists {
		return true
	}
	if err := t.store.Set(ctx, key, "1", t.ttl); err != nil {
		t.logger.Warn("message tracker record failed", map[string]interface{}{
			"session": sessionID, "error": err.Error(),
		})
	}
	return false
}

// Forget drops every tracked id for one session, called when the session
// closes for good.
func (t *MessageTracker) Forget(ctx context.Context, sessionID, requestID string) {
	_ = t.store.Delete(ctx, trackerKey(sessionID, requestID))
}

// sweeper is anything that can bulk-expire, which InMemoryStore can.
type sweeper interface {
	Sweep() int
}

// Start launches the periodic sweep. It must be called by the
// composition root, never from init, and is a no-op when the backing
// store has no bulk expiry.
func (t *MessageTracker) Start(ctx context.Context) {
	sw, ok := t.store.(sweeper)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.stopped = make(chan struct{})

	go func(stop, stopped chan struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(t.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sw.Sweep(); n > 0 {
					t.logger.Debug("message tracker sweep", map[string]interface{}{"removed": n})
				}
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}(t.stop, t.stopped)
}

// Stop halts the sweep and waits for it to exit. Idempotent.
func (t *MessageTracker) Stop() {
	t.mu.Lock()
	stop, stopped := t.stop, t.stopped
	t.stop, t.stopped = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}
