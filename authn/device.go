package authn

import (
	"context"
	"time"

	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/core"
)

// deviceSessionRecord is the JSON value stored at session:<token> in the
// broker, written by whatever external system provisions devices.
type deviceSessionRecord struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
}

// DeviceAuthenticator resolves a device-session token to the device and
// tenant it belongs to, via the broker's session:<token> key. The gateway
// never issues these tokens itself; it only validates them.
type DeviceAuthenticator struct {
	broker *broker.Adapter
	ttl    time.Duration
}

// NewDeviceAuthenticator constructs a DeviceAuthenticator bound to b. ttl
// is used only when refreshing a session's TTL on successful resolution;
// it does not affect how long a token that was never refreshed remains
// valid.
func NewDeviceAuthenticator(b *broker.Adapter, ttl time.Duration) *DeviceAuthenticator {
	if ttl <= 0 {
		ttl = core.DeviceSessionTTL
	}
	return &DeviceAuthenticator{broker: b, ttl: ttl}
}

// Resolve looks up token and returns the device and tenant id it is bound
// to. A missing or unparseable session surfaces as core.ErrUnauthenticated
// so the caller can close the connection with WebSocket code 1008.
func (d *DeviceAuthenticator) Resolve(ctx context.Context, token string) (deviceID, tenantID string, err error) {
	if token == "" {
		return "", "", &core.FrameworkError{Op: "authn.Resolve", Kind: "authn", Message: "device session token is required", Err: core.ErrUnauthenticated}
	}

	var rec deviceSessionRecord
	ok, err := d.broker.Get(ctx, "session:"+token, &rec)
	if err != nil {
		return "", "", &core.FrameworkError{Op: "authn.Resolve", Kind: "authn", Message: "session lookup failed", Err: core.ErrBrokerUnavailable}
	}
	if !ok || rec.DeviceID == "" {
		return "", "", &core.FrameworkError{Op: "authn.Resolve", Kind: "authn", Message: "unknown or expired device session", Err: core.ErrUnauthenticated}
	}

	// Best-effort TTL refresh: a device that polls regularly should never
	// have its session silently expire out from under it. Failure here is
	// logged by the caller, not fatal to this resolution.
	_ = d.broker.Set(ctx, "session:"+token, rec, d.ttl)

	return rec.DeviceID, rec.TenantID, nil
}
