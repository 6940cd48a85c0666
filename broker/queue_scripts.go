package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetops/gateway/core"
)

// contextWithTimeout bounds a broker operation by the adapter's configured
// command timeout; no adapter method is allowed to block indefinitely.
func contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// ClaimedCommand is one entry returned by ClaimPending: the command's
// opaque id, the fresh claim token minted for it, and the record fields
// already materialized in the broker so the caller needn't issue a
// follow-up read.
type ClaimedCommand struct {
	ID         string
	ClaimToken string
	Record     map[string]string
}

var claimScript = loadScript(`
local pendingKey = KEYS[1]
local claimedKey = KEYS[2]
local cmdPrefix = ARGV[1]
local limit = tonumber(ARGV[2])
local visibleUntil = ARGV[3]
local claimedAt = ARGV[4]

local ids = redis.call('ZRANGE', pendingKey, 0, limit - 1)
local out = {}
for i, id in ipairs(ids) do
	local token = ARGV[4 + i]
	redis.call('ZREM', pendingKey, id)
	redis.call('ZADD', claimedKey, visibleUntil, id)
	local key = cmdPrefix .. id
	redis.call('HSET', key, 'status', 'claimed', 'claim_token', token, 'visible_until', visibleUntil, 'claimed_at', claimedAt)
	table.insert(out, id)
	table.insert(out, token)
end
return out
`)

// ClaimPending atomically moves up to limit entries from the device's
// pending index into its claimed index, each tagged with a freshly minted
// claim token and the given visibility deadline (epoch milliseconds).
func (a *Adapter) ClaimPending(ctx context.Context, device string, limit int, visibleUntilMs, nowMs int64) ([]ClaimedCommand, error) {
	pendingKey := fmt.Sprintf("cmd:%s:pending", device)
	claimedKey := fmt.Sprintf("cmd:%s:claimed", device)
	cmdPrefix := a.client.FormatKey("cmd:") // matched against raw-keyed HSET below

	tokens := make([]interface{}, limit)
	for i := range tokens {
		tokens[i] = randomToken()
	}
	args := append([]interface{}{cmdPrefix, limit, visibleUntilMs, nowMs}, tokens...)

	res, err := a.eval(ctx, claimScript, []string{pendingKey, claimedKey}, args...)
	if err != nil {
		return nil, &core.FrameworkError{Op: "broker.ClaimPending", Kind: "broker", ID: device, Message: "claim script failed", Err: core.ErrBrokerUnavailable}
	}

	flat, _ := res.([]interface{})
	claimed := make([]ClaimedCommand, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		id, _ := flat[i].(string)
		token, _ := flat[i+1].(string)
		record, _ := a.client.Raw().HGetAll(ctx, cmdPrefix+id).Result()
		claimed = append(claimed, ClaimedCommand{ID: id, ClaimToken: token, Record: record})
	}
	return claimed, nil
}

const (
	QueueResultOK               = "OK"
	QueueResultNotFound         = "NOT_FOUND"
	QueueResultInvalidClaim     = "INVALID_CLAIM"
	QueueResultAlreadyCompleted = "ALREADY_COMPLETED"
)

var submitResultScript = loadScript(`
local cmdKey = KEYS[1]
local claimedKey = KEYS[2]
local completedKey = KEYS[3]
local device = ARGV[1]
local token = ARGV[2]
local status = ARGV[3]
local result = ARGV[4]
local completedAt = ARGV[5]
local id = ARGV[6]
local historyLimit = tonumber(ARGV[7])

if redis.call('EXISTS', cmdKey) == 0 then
	return 'NOT_FOUND'
end
local curStatus = redis.call('HGET', cmdKey, 'status')
if curStatus ~= 'claimed' then
	return 'ALREADY_COMPLETED'
end
local storedDevice = redis.call('HGET', cmdKey, 'device_id')
if storedDevice ~= device then
	return 'NOT_FOUND'
end
local storedToken = redis.call('HGET', cmdKey, 'claim_token')
if storedToken ~= token then
	return 'INVALID_CLAIM'
end

redis.call('HSET', cmdKey, 'status', status, 'result', result, 'completed_at', completedAt)
redis.call('HDEL', cmdKey, 'claim_token', 'visible_until')
redis.call('ZREM', claimedKey, id)
redis.call('LPUSH', completedKey, id)
redis.call('LTRIM', completedKey, 0, historyLimit - 1)
return 'OK'
`)

// SubmitResult atomically validates and applies a device's result for a
// claimed command. status must be "completed" or "failed". resultJSON is
// the already-bounded, already-serialized result payload.
func (a *Adapter) SubmitResult(ctx context.Context, device, commandID, claimToken, status, resultJSON string, completedAtMs int64, historyLimit int) (string, error) {
	claimedKey := fmt.Sprintf("cmd:%s:claimed", device)
	completedKey := fmt.Sprintf("cmd:%s:completed", device)

	res, err := a.eval(ctx, submitResultScript,
		[]string{"cmd:" + commandID, claimedKey, completedKey},
		device, claimToken, status, resultJSON, completedAtMs, commandID, historyLimit)
	if err != nil {
		return "", &core.FrameworkError{Op: "broker.SubmitResult", Kind: "broker", ID: commandID, Message: "submit script failed", Err: core.ErrBrokerUnavailable}
	}
	out, _ := res.(string)
	return out, nil
}

var extendScript = loadScript(`
local cmdKey = KEYS[1]
local claimedKey = KEYS[2]
local device = ARGV[1]
local token = ARGV[2]
local newVisible = ARGV[3]
local id = ARGV[4]

if redis.call('EXISTS', cmdKey) == 0 then
	return 'NOT_FOUND'
end
local status = redis.call('HGET', cmdKey, 'status')
if status ~= 'claimed' then
	return 'NOT_FOUND'
end
local storedDevice = redis.call('HGET', cmdKey, 'device_id')
if storedDevice ~= device then
	return 'NOT_FOUND'
end
local storedToken = redis.call('HGET', cmdKey, 'claim_token')
if storedToken ~= token then
	return 'INVALID_CLAIM'
end

redis.call('HSET', cmdKey, 'visible_until', newVisible)
redis.call('ZADD', claimedKey, newVisible, id)
return 'OK'
`)

// ExtendVisibility atomically extends the lease on a claimed command.
func (a *Adapter) ExtendVisibility(ctx context.Context, device, commandID, claimToken string, newVisibleUntilMs int64) (string, error) {
	claimedKey := fmt.Sprintf("cmd:%s:claimed", device)
	res, err := a.eval(ctx, extendScript,
		[]string{"cmd:" + commandID, claimedKey},
		device, claimToken, newVisibleUntilMs, commandID)
	if err != nil {
		return "", &core.FrameworkError{Op: "broker.ExtendVisibility", Kind: "broker", ID: commandID, Message: "extend script failed", Err: core.ErrBrokerUnavailable}
	}
	out, _ := res.(string)
	return out, nil
}

var requeueScript = loadScript(`
local cmdKey = KEYS[1]
local claimedKey = KEYS[2]
local pendingKey = KEYS[3]
local id = ARGV[1]
local priorityScore = ARGV[2]

local status = redis.call('HGET', cmdKey, 'status')
if status ~= 'claimed' then
	return 0
end
redis.call('ZREM', claimedKey, id)
redis.call('ZADD', pendingKey, priorityScore, id)
redis.call('HSET', cmdKey, 'status', 'pending')
redis.call('HDEL', cmdKey, 'claim_token', 'visible_until')
return 1
`)

// RequeueExpired atomically moves one expired claimed command back to
// pending, used by the reaper. priorityScore must reproduce the command's
// original (priority, created-at) ordering key.
func (a *Adapter) RequeueExpired(ctx context.Context, device, commandID string, priorityScore float64) (bool, error) {
	claimedKey := fmt.Sprintf("cmd:%s:claimed", device)
	pendingKey := fmt.Sprintf("cmd:%s:pending", device)
	res, err := a.eval(ctx, requeueScript,
		[]string{"cmd:" + commandID, claimedKey, pendingKey},
		commandID, priorityScore)
	if err != nil {
		return false, &core.FrameworkError{Op: "broker.RequeueExpired", Kind: "broker", ID: commandID, Message: "requeue script failed", Err: core.ErrBrokerUnavailable}
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ScanExpiredClaims returns command ids in device's claimed index whose
// visible-until score is less than nowMs, for the reaper to requeue.
func (a *Adapter) ScanExpiredClaims(ctx context.Context, device string, nowMs int64) ([]string, error) {
	claimedKey := a.client.FormatKey(fmt.Sprintf("cmd:%s:claimed", device))
	ctx, cancel := contextWithTimeout(ctx, a.commandTimeout)
	defer cancel()

	var ids []string
	err := a.guard(ctx, func() error {
		var gerr error
		ids, gerr = a.client.Raw().ZRangeByScore(ctx, claimedKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("(%d", nowMs),
		}).Result()
		return gerr
	})
	if err != nil {
		return nil, wrapBrokerErr("broker.ScanExpiredClaims", device, err)
	}
	return ids, nil
}

// EnqueuePending inserts a brand-new command into the device's pending
// index (scored for priority-ascending, created-at-ascending ordering) and
// writes its full record. The caller has already built the record fields.
func (a *Adapter) EnqueuePending(ctx context.Context, device, commandID string, priorityScore float64, record map[string]interface{}) error {
	ctx, cancel := contextWithTimeout(ctx, a.commandTimeout)
	defer cancel()

	pendingKey := a.client.FormatKey(fmt.Sprintf("cmd:%s:pending", device))
	cmdKey := a.client.FormatKey("cmd:" + commandID)

	pipe := a.client.Raw().Pipeline()
	pipe.ZAdd(ctx, pendingKey, &redis.Z{Score: priorityScore, Member: commandID})
	fields := make(map[string]interface{}, len(record))
	for k, v := range record {
		switch vv := v.(type) {
		case string:
			fields[k] = vv
		default:
			b, _ := json.Marshal(vv)
			fields[k] = string(b)
		}
	}
	pipe.HSet(ctx, cmdKey, fields)
	err := a.guard(ctx, func() error {
		_, perr := pipe.Exec(ctx)
		return perr
	})
	if err != nil {
		return wrapBrokerErr("broker.EnqueuePending", commandID, err)
	}
	return nil
}

// GetCommandRecord reads the full hash record for a command id.
func (a *Adapter) GetCommandRecord(ctx context.Context, commandID string) (map[string]string, error) {
	ctx, cancel := contextWithTimeout(ctx, a.commandTimeout)
	defer cancel()
	cmdKey := a.client.FormatKey("cmd:" + commandID)

	var m map[string]string
	err := a.guard(ctx, func() error {
		var gerr error
		m, gerr = a.client.Raw().HGetAll(ctx, cmdKey).Result()
		return gerr
	})
	if err != nil {
		return nil, wrapBrokerErr("broker.GetCommandRecord", commandID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RegisterQueueDevice records device in the set of devices with at least
// one command ever enqueued, so the reaper knows which per-device claimed
// indices to scan without an expensive key-space search.
func (a *Adapter) RegisterQueueDevice(ctx context.Context, device string) error {
	ctx, cancel := contextWithTimeout(ctx, a.commandTimeout)
	defer cancel()
	key := a.client.FormatKey("cmd:devices")
	err := a.guard(ctx, func() error { return a.client.Raw().SAdd(ctx, key, device).Err() })
	if err != nil {
		return wrapBrokerErr("broker.RegisterQueueDevice", device, err)
	}
	return nil
}

// ListQueueDevices returns every device ever registered via
// RegisterQueueDevice, for the reaper's per-device sweep.
func (a *Adapter) ListQueueDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := contextWithTimeout(ctx, a.commandTimeout)
	defer cancel()
	key := a.client.FormatKey("cmd:devices")

	var devices []string
	err := a.guard(ctx, func() error {
		var gerr error
		devices, gerr = a.client.Raw().SMembers(ctx, key).Result()
		return gerr
	})
	if err != nil {
		return nil, wrapBrokerErr("broker.ListQueueDevices", "", err)
	}
	return devices, nil
}
