package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/hitl"
)

// MemoryStore is an in-process Store implementation used by tests (and
// usable for single-instance development deployments that don't need a
// real Postgres instance). It holds no data beyond the process lifetime.
type MemoryStore struct {
	mu sync.Mutex

	policies map[string]map[string]*hitl.Policy // tenant -> tool -> policy
	devices  map[string]DeviceRecord            // device id -> record
	sessions map[string]*CustomerSession        // session id -> record
	actions  map[string]*DeviceAction           // action id -> record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]map[string]*hitl.Policy),
		devices:  make(map[string]DeviceRecord),
		sessions: make(map[string]*CustomerSession),
		actions:  make(map[string]*DeviceAction),
	}
}

// SetPolicy is a test/seed helper, not part of Store.
func (m *MemoryStore) SetPolicy(tenantID, tool string, p *hitl.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.policies[tenantID] == nil {
		m.policies[tenantID] = make(map[string]*hitl.Policy)
	}
	m.policies[tenantID][tool] = p
}

// RegisterDevice is a test/seed helper, not part of Store.
func (m *MemoryStore) RegisterDevice(deviceID, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = DeviceRecord{DeviceID: deviceID, TenantID: tenantID}
}

func (m *MemoryStore) LoadTenantPolicies(ctx context.Context, tenantID string) (map[string]*hitl.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[tenantID], nil
}

func (m *MemoryStore) InsertApproval(ctx context.Context, rec *hitl.ApprovalRecord) error {
	return nil
}

func (m *MemoryStore) UpdateApprovalStatus(ctx context.Context, id string, decision hitl.Decision, resolvedBy, reason string) error {
	return nil
}

func (m *MemoryStore) DeviceOwnedByTenant(ctx context.Context, deviceID, tenantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceID]
	return ok && rec.TenantID == tenantID, nil
}

func (m *MemoryStore) ChatSessionOwnedByTenant(ctx context.Context, sessionID, tenantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return ok && sess.TenantID == tenantID, nil
}

func (m *MemoryStore) MarkDeviceOnline(ctx context.Context, deviceID string) error {
	return m.setPresence(deviceID, true)
}

func (m *MemoryStore) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	return m.setPresence(deviceID, false)
}

func (m *MemoryStore) setPresence(deviceID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceID]
	if !ok {
		return &core.FrameworkError{Op: "catalog.setPresence", Kind: "catalog", ID: deviceID, Message: "unknown device", Err: core.ErrCommandNotFound}
	}
	rec.Online = online
	rec.LastSeen = time.Now()
	m.devices[deviceID] = rec
	return nil
}

func (m *MemoryStore) CreateCustomerSession(ctx context.Context, tenantID, deviceID string) (*CustomerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	sess := &CustomerSession{ID: uuid.New().String(), TenantID: tenantID, DeviceID: deviceID, CreatedAt: now, UpdatedAt: now}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *MemoryStore) GetCustomerSession(ctx context.Context, id, tenantID string) (*CustomerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.TenantID != tenantID {
		return nil, &core.FrameworkError{Op: "catalog.GetCustomerSession", Kind: "catalog", ID: id, Message: "session not found", Err: core.ErrSessionNotFound}
	}
	return sess, nil
}

func (m *MemoryStore) ApproveCommand(ctx context.Context, sessionID, commandID, tenantID string, approved bool, reason string, expectedUpdatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return &core.FrameworkError{Op: "catalog.ApproveCommand", Kind: "catalog", ID: sessionID, Message: "session not found", Err: core.ErrSessionNotFound}
	}
	if !sess.UpdatedAt.Equal(expectedUpdatedAt) {
		return &core.FrameworkError{Op: "catalog.ApproveCommand", Kind: "catalog", ID: commandID, Message: "command approval was modified concurrently", Err: core.ErrConcurrentUpdateConflict}
	}
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetDeviceAction(ctx context.Context, id, tenantID string) (*DeviceAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.TenantID != tenantID {
		return nil, &core.FrameworkError{Op: "catalog.GetDeviceAction", Kind: "catalog", ID: id, Message: "device action not found", Err: core.ErrCommandNotFound}
	}
	return a, nil
}

// SeedDeviceAction is a test/seed helper, not part of Store.
func (m *MemoryStore) SeedDeviceAction(a *DeviceAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
}

func (m *MemoryStore) ResolveDeviceAction(ctx context.Context, id, tenantID string, approve bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.TenantID != tenantID {
		return &core.FrameworkError{Op: "catalog.ResolveDeviceAction", Kind: "catalog", ID: id, Message: "device action not found", Err: core.ErrCommandNotFound}
	}
	if a.Status != "pending" {
		return &core.FrameworkError{Op: "catalog.ResolveDeviceAction", Kind: "catalog", ID: id, Message: "device action already resolved", Err: core.ErrAlreadyCompleted}
	}
	if approve {
		a.Status = "approved"
	} else {
		a.Status = "rejected"
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
