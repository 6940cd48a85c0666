// Package queue implements the Command Queue: a per-device priority
// work queue with claim/extend/submit-result/expire lifecycle, delegating
// all cross-caller serialization to the broker's atomic Lua primitives. The
// queue itself holds no cross-request locks; it only validates, bounds, and
// shapes the records the broker stores.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/core"
)

// Status is one of the command's three mutually-exclusive broker-index
// memberships for its device.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the device-submitted outcome of executing a command. Output and
// Error are bounded by QueueConfig.MaxOutputBytes / MaxErrorBytes before
// being accepted.
type Result struct {
	Status     string `json:"status"` // "completed" or "failed"
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExecutedAt string `json:"executed_at"`
	DurationMs int64  `json:"duration_ms"`
}

// Command is one unit of work destined for exactly one device.
type Command struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	TenantID     string          `json:"tenant_id"`
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     int             `json:"priority"`
	Status       Status          `json:"status"`
	ClaimToken   string          `json:"claim_token,omitempty"`
	VisibleUntil *time.Time      `json:"visible_until,omitempty"`
	Result       *Result         `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// newCommandNotification is published to device:<device>:control on enqueue.
type newCommandNotification struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Priority  int    `json:"priority"`
}

// commandCompletedEvent is published to device:<device>:updates on
// submit_result success.
type commandCompletedEvent struct {
	Type      string  `json:"type"`
	CommandID string  `json:"command_id"`
	Result    *Result `json:"result"`
}

// Queue is the Command Queue component. It is safe for concurrent use; all
// serialization of concurrent claims/submits/extends is delegated to the
// broker's Lua scripts. Queue itself holds no cross-request locks of its
// own.
type Queue struct {
	broker *broker.Adapter
	cfg    core.QueueConfig
	logger core.Logger
}

// New constructs a Queue bound to broker for storage and notification.
func New(b *broker.Adapter, cfg core.QueueConfig, logger core.Logger) *Queue {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/queue")
	}
	return &Queue{broker: b, cfg: cfg, logger: logger}
}

func priorityScore(priority int, createdAt time.Time) float64 {
	// Priority dominates the score; created-at (as fractional seconds since
	// epoch, scaled down) breaks ties in FIFO order within a priority band.
	return float64(priority)*1e13 + float64(createdAt.UnixNano())/1e9
}

// Enqueue creates a new pending command for device and publishes a
// new_command notification on its control channel.
func (q *Queue) Enqueue(ctx context.Context, deviceID, tenantID, cmdType string, params json.RawMessage, priority int) (*Command, error) {
	if deviceID == "" || tenantID == "" {
		return nil, &core.FrameworkError{Op: "queue.Enqueue", Kind: "queue", Message: "device and tenant are required", Err: core.ErrInvalidConfiguration}
	}

	now := time.Now().UTC()
	cmd := &Command{
		ID:        "cmd_" + uuid.New().String(),
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Type:      cmdType,
		Params:    params,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
	}

	record := map[string]interface{}{
		"id":         cmd.ID,
		"device_id":  cmd.DeviceID,
		"tenant_id":  cmd.TenantID,
		"type":       cmd.Type,
		"params":     string(params),
		"priority":   fmt.Sprintf("%d", priority),
		"status":     string(StatusPending),
		"created_at": now.Format(time.RFC3339Nano),
	}

	if err := q.broker.EnqueuePending(ctx, deviceID, cmd.ID, priorityScore(priority, now), record); err != nil {
		return nil, err
	}
	// Best-effort: lets the reaper discover this device's claimed index.
	// Failure here only delays reaper coverage of a brand-new device; it
	// never loses the command itself.
	if err := q.broker.RegisterQueueDevice(ctx, deviceID); err != nil {
		q.logger.Warn("queue: failed to register device for reaper sweep", map[string]interface{}{"device_id": deviceID, "error": err.Error()})
	}

	if err := q.broker.Publish(ctx, fmt.Sprintf("device:%s:control", deviceID), newCommandNotification{
		Type:      "new_command",
		CommandID: cmd.ID,
		Priority:  priority,
	}); err != nil {
		// Publish failure is logged, not fatal; the device will still pick
		// up the command on its next poll.
		q.logger.Warn("queue: publish new_command failed", map[string]interface{}{"command_id": cmd.ID, "error": err.Error()})
	}

	return cmd, nil
}

// Claim atomically leases up to limit ready commands for device, in
// (priority ascending, created-at ascending) order, each tagged with a
// fresh claim token valid until now+visibility.
func (q *Queue) Claim(ctx context.Context, deviceID string, limit int, visibility time.Duration) ([]*Command, error) {
	if limit < 1 || limit > q.cfg.MaxClaimLimit {
		return nil, &core.FrameworkError{Op: "queue.Claim", Kind: "queue", ID: deviceID, Message: fmt.Sprintf("limit must be in [1,%d]", q.cfg.MaxClaimLimit), Err: core.ErrClaimLimitOutOfRange}
	}
	if visibility < q.cfg.MinVisibility || visibility > q.cfg.MaxVisibility {
		return nil, &core.FrameworkError{Op: "queue.Claim", Kind: "queue", ID: deviceID, Message: "visibility timeout out of range", Err: core.ErrVisibilityOutOfRange}
	}

	now := time.Now().UTC()
	visibleUntil := now.Add(visibility)
	claimed, err := q.broker.ClaimPending(ctx, deviceID, limit, visibleUntil.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}

	out := make([]*Command, 0, len(claimed))
	for _, c := range claimed {
		cmd := recordToCommand(c.Record)
		cmd.ID = c.ID
		cmd.ClaimToken = c.ClaimToken
		vu := visibleUntil
		cmd.VisibleUntil = &vu
		out = append(out, cmd)
	}
	return out, nil
}

// SubmitResult validates and applies a device's result for a claimed
// command, enforcing that the submitting device owns the claim and holds
// a current, unexpired claim token.
func (q *Queue) SubmitResult(ctx context.Context, commandID, claimToken, deviceID string, result Result) error {
	if len(result.Output) > q.cfg.MaxOutputBytes {
		result.Output = result.Output[:q.cfg.MaxOutputBytes]
	}
	if len(result.Error) > q.cfg.MaxErrorBytes {
		result.Error = result.Error[:q.cfg.MaxErrorBytes]
	}
	status := string(StatusCompleted)
	if result.Status == string(StatusFailed) {
		status = string(StatusFailed)
	}
	result.Status = status

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &core.FrameworkError{Op: "queue.SubmitResult", Kind: "queue", ID: commandID, Message: "marshal result failed", Err: err}
	}

	now := time.Now().UTC()
	outcome, err := q.broker.SubmitResult(ctx, deviceID, commandID, claimToken, status, string(resultJSON), now.UnixMilli(), q.cfg.CompletedHistorySize)
	if err != nil {
		return err
	}

	switch outcome {
	case broker.QueueResultOK:
		if pubErr := q.broker.Publish(ctx, fmt.Sprintf("device:%s:updates", deviceID), commandCompletedEvent{
			Type:      "command_completed",
			CommandID: commandID,
			Result:    &result,
		}); pubErr != nil {
			q.logger.Warn("queue: publish command_completed failed", map[string]interface{}{"command_id": commandID, "error": pubErr.Error()})
		}
		return nil
	case broker.QueueResultNotFound:
		return &core.FrameworkError{Op: "queue.SubmitResult", Kind: "queue", ID: commandID, Message: "command not found", Err: core.ErrCommandNotFound}
	case broker.QueueResultInvalidClaim:
		return &core.FrameworkError{Op: "queue.SubmitResult", Kind: "queue", ID: commandID, Message: "claim token mismatch", Err: core.ErrInvalidClaim}
	case broker.QueueResultAlreadyCompleted:
		return &core.FrameworkError{Op: "queue.SubmitResult", Kind: "queue", ID: commandID, Message: "command already completed", Err: core.ErrAlreadyCompleted}
	default:
		return &core.FrameworkError{Op: "queue.SubmitResult", Kind: "queue", ID: commandID, Message: "unexpected outcome: " + outcome, Err: core.ErrRequestFailed}
	}
}

// Extend lengthens the lease on a claimed command.
func (q *Queue) Extend(ctx context.Context, commandID, claimToken, deviceID string, extension time.Duration) (time.Time, error) {
	if extension < q.cfg.MinVisibility || extension > q.cfg.MaxExtension {
		return time.Time{}, &core.FrameworkError{Op: "queue.Extend", Kind: "queue", ID: commandID, Message: "extension out of range", Err: core.ErrVisibilityOutOfRange}
	}
	newVisible := time.Now().UTC().Add(extension)
	outcome, err := q.broker.ExtendVisibility(ctx, deviceID, commandID, claimToken, newVisible.UnixMilli())
	if err != nil {
		return time.Time{}, err
	}
	switch outcome {
	case broker.QueueResultOK:
		return newVisible, nil
	case broker.QueueResultInvalidClaim:
		return time.Time{}, &core.FrameworkError{Op: "queue.Extend", Kind: "queue", ID: commandID, Message: "claim token mismatch", Err: core.ErrInvalidClaim}
	default:
		return time.Time{}, &core.FrameworkError{Op: "queue.Extend", Kind: "queue", ID: commandID, Message: "command not found or not claimed", Err: core.ErrCommandNotFound}
	}
}

// Get returns a read-only view of a command by id, or nil if absent.
func (q *Queue) Get(ctx context.Context, commandID string) (*Command, error) {
	record, err := q.broker.GetCommandRecord(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	cmd := recordToCommand(record)
	cmd.ID = commandID
	return cmd, nil
}

func recordToCommand(record map[string]string) *Command {
	cmd := &Command{
		DeviceID: record["device_id"],
		TenantID: record["tenant_id"],
		Type:     record["type"],
		Status:   Status(record["status"]),
		Params:   json.RawMessage(record["params"]),
	}
	if p, ok := record["priority"]; ok {
		fmt.Sscanf(p, "%d", &cmd.Priority)
	}
	if ts, ok := record["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			cmd.CreatedAt = t
		}
	}
	if ts, ok := record["claimed_at"]; ok {
		if ms, err := parseEpochMs(ts); err == nil {
			t := time.UnixMilli(ms).UTC()
			cmd.ClaimedAt = &t
		}
	}
	if ts, ok := record["visible_until"]; ok {
		if ms, err := parseEpochMs(ts); err == nil {
			t := time.UnixMilli(ms).UTC()
			cmd.VisibleUntil = &t
		}
	}
	if tok, ok := record["claim_token"]; ok {
		cmd.ClaimToken = tok
	}
	if raw, ok := record["result"]; ok && raw != "" {
		var res Result
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			cmd.Result = &res
		}
	}
	if ts, ok := record["completed_at"]; ok {
		if ms, err := parseEpochMs(ts); err == nil {
			t := time.UnixMilli(ms).UTC()
			cmd.CompletedAt = &t
		}
	}
	return cmd
}

func parseEpochMs(s string) (int64, error) {
	var ms int64
	_, err := fmt.Sscanf(s, "%d", &ms)
	return ms, err
}
