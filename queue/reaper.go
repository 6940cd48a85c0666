package queue

import (
	"context"
	"sync"
	"time"

	"github.com/fleetops/gateway/core"
)

// Reaper is the single process-wide background task that recycles expired
// leases. It scans every device ever registered via
// broker.RegisterQueueDevice at a fixed cadence and requeues any claimed
// command whose visibility deadline has passed.
type Reaper struct {
	queue   *Queue
	cadence time.Duration
	logger  core.Logger

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewReaper builds a Reaper bound to queue. It does not start running until
// Start is called explicitly by the composition root.
func NewReaper(q *Queue, cadence time.Duration, logger core.Logger) *Reaper {
	if cadence <= 0 {
		cadence = core.ReaperCadence
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/queue")
	}
	return &Reaper{
		queue:   q,
		cadence: cadence,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start runs the reaper loop until Stop is called or ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.stopped)
		ticker := time.NewTicker(r.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the reaper loop and waits for the in-flight sweep, if any, to
// finish. Idempotent.
func (r *Reaper) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
	<-r.stopped
}

func (r *Reaper) sweep(ctx context.Context) {
	devices, err := r.queue.broker.ListQueueDevices(ctx)
	if err != nil {
		r.logger.Error("reaper: failed to list devices", map[string]interface{}{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	for _, device := range devices {
		expired, err := r.queue.broker.ScanExpiredClaims(ctx, device, now.UnixMilli())
		if err != nil {
			r.logger.Error("reaper: scan failed", map[string]interface{}{"device_id": device, "error": err.Error()})
			continue
		}
		for _, commandID := range expired {
			r.requeueOne(ctx, device, commandID)
		}
	}
}

func (r *Reaper) requeueOne(ctx context.Context, device, commandID string) {
	record, err := r.queue.broker.GetCommandRecord(ctx, commandID)
	if err != nil || record == nil {
		return
	}
	cmd := recordToCommand(record)
	score := priorityScore(cmd.Priority, cmd.CreatedAt)

	ok, err := r.queue.broker.RequeueExpired(ctx, device, commandID, score)
	if err != nil {
		r.logger.Error("reaper: requeue failed, retrying next tick", map[string]interface{}{"command_id": commandID, "device_id": device, "error": err.Error()})
		return
	}
	if ok {
		r.logger.Info("reaper: requeued expired lease", map[string]interface{}{"command_id": commandID, "device_id": device})
	}
}
