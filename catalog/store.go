// Package catalog defines the gateway's view of the persistent relational
// store: devices, customers, chat sessions, approval policies, and the
// approval/command audit trail. The gateway itself never owns this schema;
// it depends only on the narrow interfaces declared here, which hitl and
// httpapi consume without knowing whether the implementation behind them is
// Postgres, a test double, or something else entirely.
package catalog

import (
	"context"
	"time"

	"github.com/fleetops/gateway/hitl"
)

// DeviceRecord is a device's catalog-store identity: which tenant owns it
// and whether the gateway currently considers it connected.
type DeviceRecord struct {
	DeviceID string    `db:"device_id" json:"device_id"`
	TenantID string    `db:"tenant_id" json:"tenant_id"`
	Online   bool      `db:"online" json:"online"`
	LastSeen time.Time `db:"last_seen" json:"last_seen"`
}

// CustomerSession is a customer-facing chat/approval session scoped to one
// tenant.
type CustomerSession struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DeviceAction is a customer-initiated request against a device (e.g. a
// suggested remediation) awaiting a separate approve/reject decision from
// the device-actions HTTP surface, distinct from HITL tool-use approvals.
type DeviceAction struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	Status    string    `db:"status" json:"status"` // pending, approved, rejected
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// OwnershipStore answers the tenant-ownership questions the session router
// and HTTP surface must settle before any side effect: does this tenant own
// this device, and does it own this chat session. Every action that crosses
// a tenant boundary is validated against this store first.
type OwnershipStore interface {
	DeviceOwnedByTenant(ctx context.Context, deviceID, tenantID string) (bool, error)
	ChatSessionOwnedByTenant(ctx context.Context, sessionID, tenantID string) (bool, error)
}

// DevicePresenceStore records device connectivity as observed by the
// connection manager, so operators and other gateway instances can see
// which devices are currently reachable.
type DevicePresenceStore interface {
	MarkDeviceOnline(ctx context.Context, deviceID string) error
	MarkDeviceOffline(ctx context.Context, deviceID string) error
}

// CustomerSessionStore manages customer-facing chat sessions.
type CustomerSessionStore interface {
	CreateCustomerSession(ctx context.Context, tenantID, deviceID string) (*CustomerSession, error)
	GetCustomerSession(ctx context.Context, id, tenantID string) (*CustomerSession, error)
}

// CommandApprovalStore approves or denies a command pending a customer's
// decision, using the session's updated_at as an optimistic-concurrency CAS
// token: ApproveCommand must return core.ErrConcurrentUpdateConflict when
// the row it tried to update no longer matches expectedUpdatedAt.
type CommandApprovalStore interface {
	ApproveCommand(ctx context.Context, sessionID, commandID, tenantID string, approved bool, reason string, expectedUpdatedAt time.Time) error
}

// DeviceActionStore approves or rejects a standalone device action (the
// `/api/v1/device-actions/:id/{approve,reject}` HTTP endpoints), distinct
// from HITL tool-use approvals and from command approvals.
type DeviceActionStore interface {
	GetDeviceAction(ctx context.Context, id, tenantID string) (*DeviceAction, error)
	ResolveDeviceAction(ctx context.Context, id, tenantID string, approve bool) error
}

// HealthChecker reports whether the catalog store is reachable, consulted
// by GET /readyz alongside the broker's own health check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Store is the full catalog-store surface the gateway depends on. It
// embeds hitl.PolicyStore and hitl.RecordStore so a single *Postgres value
// can be handed to hitl.New without an adapter.
type Store interface {
	hitl.PolicyStore
	hitl.RecordStore
	OwnershipStore
	DevicePresenceStore
	CustomerSessionStore
	CommandApprovalStore
	DeviceActionStore
	HealthChecker

	Close() error
}
