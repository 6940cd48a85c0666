package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" sql.DB driver

	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/hitl"
	"github.com/fleetops/gateway/resilience"
)

// Postgres is the catalog store's production implementation, backed by a
// relational schema of devices, chat_sessions, approval_policies,
// approvals, command_approvals, and device_actions tables. It satisfies
// Store in full.
type Postgres struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	breaker      *resilience.CircuitBreaker
	retry        *resilience.RetryExecutor
}

// Open connects to dsn and configures the pool per cfg. The returned
// *Postgres is safe for concurrent use by every package that depends on
// Store. When cfg.Resilience is enabled every query runs behind a circuit
// breaker, so a stalled Postgres fails fast instead of queuing requests
// behind dead connections.
func Open(dsn string, cfg core.CatalogConfig) (*Postgres, error) {
	if dsn == "" {
		return nil, &core.FrameworkError{Op: "catalog.Open", Kind: "catalog", Message: "catalog DSN is required", Err: core.ErrMissingConfiguration}
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, &core.FrameworkError{Op: "catalog.Open", Kind: "catalog", Message: "failed to connect to catalog store", Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Postgres{db: db, queryTimeout: timeout}
	if cfg.Resilience.Enabled {
		bcfg := resilience.DefaultConfig()
		bcfg.Name = "catalog"
		bcfg.FailureThreshold = cfg.Resilience.Threshold
		bcfg.OpenTimeout = cfg.Resilience.Timeout
		bcfg.HalfOpenMaxInFlight = cfg.Resilience.HalfOpenRequests
		// A concurrent-update conflict means the query round-tripped fine
		// and somebody else won a race; it says nothing about Postgres's
		// health, so it must not count toward tripping the breaker.
		bcfg.ErrorClassifier = func(err error) bool {
			if errors.Is(err, core.ErrConcurrentUpdateConflict) || errors.Is(err, core.ErrAlreadyCompleted) {
				return false
			}
			return resilience.DefaultErrorClassifier(err)
		}
		cb, err := resilience.NewCircuitBreaker(bcfg)
		if err != nil {
			return nil, &core.FrameworkError{Op: "catalog.Open", Kind: "catalog", Message: "failed to build circuit breaker", Err: err}
		}
		p.breaker = cb
	}
	if cfg.Retry.MaxAttempts > 0 {
		executor := resilience.NewRetryExecutor(&resilience.RetryConfig{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			InitialDelay:  cfg.Retry.InitialInterval,
			MaxDelay:      cfg.Retry.MaxInterval,
			BackoffFactor: cfg.Retry.Multiplier,
			JitterEnabled: true,
		})
		p.retry = executor
	}
	return p, nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}

// guard runs fn directly, or through whichever combination of circuit
// breaker and retry is configured. fn is expected to already translate
// infrastructure failures into core error sentinels, so the breaker's
// DefaultErrorClassifier can tell a true outage apart from an ordinary
// not-found or conflict.
func (p *Postgres) guard(ctx context.Context, fn func() error) error {
	switch {
	case p.breaker != nil && p.retry != nil:
		return p.retry.ExecuteWithCircuitBreaker(ctx, p.breaker, fn)
	case p.breaker != nil:
		return p.breaker.Execute(ctx, fn)
	case p.retry != nil:
		return p.retry.Execute(ctx, fn)
	default:
		return fn()
	}
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// CircuitBreaker exposes the catalog's breaker through the framework's
// abstract interface, for a status endpoint to report state without
// importing the resilience package. Returns nil, false when resilience is
// disabled for this store.
func (p *Postgres) CircuitBreaker() (core.CircuitBreaker, bool) {
	if p.breaker == nil {
		return nil, false
	}
	return p.breaker, true
}

// HealthCheck pings the database, used by GET /readyz.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return &core.FrameworkError{Op: "catalog.HealthCheck", Kind: "catalog", Message: "catalog store unreachable", Err: core.ErrBrokerUnavailable}
	}
	return nil
}

// policyRow mirrors one row of approval_policies.
type policyRow struct {
	Tool             string          `db:"tool"`
	AutoApprove      bool            `db:"auto_approve"`
	RequiresApproval bool            `db:"requires_approval"`
	RiskThreshold    float64         `db:"risk_threshold"`
	Conditions       json.RawMessage `db:"conditions"`
}

// LoadTenantPolicies implements hitl.PolicyStore.
func (p *Postgres) LoadTenantPolicies(ctx context.Context, tenantID string) (map[string]*hitl.Policy, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var rows []policyRow
	err := p.guard(ctx, func() error {
		return p.db.SelectContext(ctx, &rows,
			`SELECT tool, auto_approve, requires_approval, risk_threshold, conditions
			   FROM approval_policies WHERE tenant_id = $1`, tenantID)
	})
	if err != nil {
		return nil, &core.FrameworkError{Op: "catalog.LoadTenantPolicies", Kind: "catalog", ID: tenantID, Message: "failed to load tenant policies", Err: err}
	}

	out := make(map[string]*hitl.Policy, len(rows))
	for _, r := range rows {
		pol := &hitl.Policy{
			AutoApprove:      r.AutoApprove,
			RequiresApproval: r.RequiresApproval,
			RiskThreshold:    r.RiskThreshold,
		}
		if len(r.Conditions) > 0 {
			_ = json.Unmarshal(r.Conditions, &pol.Conditions)
		}
		out[r.Tool] = pol
	}
	return out, nil
}

// InsertApproval implements hitl.RecordStore. It must happen-before the
// Coordinator broadcasts the escalation to connected operators.
func (p *Postgres) InsertApproval(ctx context.Context, rec *hitl.ApprovalRecord) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	err := p.guard(ctx, func() error {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO approvals (id, tenant_id, device_id, tool, params, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, 'pending', $6)`,
			rec.ID, rec.TenantID, rec.DeviceID, rec.Tool, []byte(rec.Params), rec.CreatedAt)
		return err
	})
	if err != nil {
		return &core.FrameworkError{Op: "catalog.InsertApproval", Kind: "catalog", ID: rec.ID, Message: "failed to insert pending approval", Err: err}
	}
	return nil
}

// UpdateApprovalStatus implements hitl.RecordStore. The persisted enum is
// always one of {pending, approved, denied, timeout}: a "modified"
// resolution lands as approved (the substituted input travels to the
// requester, not the audit row), and an abort lands as denied.
func (p *Postgres) UpdateApprovalStatus(ctx context.Context, id string, decision hitl.Decision, resolvedBy, reason string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	status := decision
	switch status {
	case hitl.DecisionModified:
		status = hitl.DecisionApproved
	case hitl.DecisionAborted:
		status = hitl.DecisionDenied
	}
	err := p.guard(ctx, func() error {
		_, err := p.db.ExecContext(ctx,
			`UPDATE approvals SET status = $1, resolved_by = $2, reason = $3, decided_at = now() WHERE id = $4`,
			string(status), resolvedBy, reason, id)
		return err
	})
	if err != nil {
		return &core.FrameworkError{Op: "catalog.UpdateApprovalStatus", Kind: "catalog", ID: id, Message: "failed to persist approval resolution", Err: err}
	}
	return nil
}

// DeviceOwnedByTenant implements OwnershipStore.
func (p *Postgres) DeviceOwnedByTenant(ctx context.Context, deviceID, tenantID string) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var owned bool
	err := p.guard(ctx, func() error {
		return p.db.GetContext(ctx, &owned,
			`SELECT EXISTS(SELECT 1 FROM devices WHERE device_id = $1 AND tenant_id = $2)`, deviceID, tenantID)
	})
	if err != nil {
		return false, &core.FrameworkError{Op: "catalog.DeviceOwnedByTenant", Kind: "catalog", ID: deviceID, Message: "ownership check failed", Err: err}
	}
	return owned, nil
}

// ChatSessionOwnedByTenant implements OwnershipStore.
func (p *Postgres) ChatSessionOwnedByTenant(ctx context.Context, sessionID, tenantID string) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var owned bool
	err := p.guard(ctx, func() error {
		return p.db.GetContext(ctx, &owned,
			`SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id = $1 AND tenant_id = $2)`, sessionID, tenantID)
	})
	if err != nil {
		return false, &core.FrameworkError{Op: "catalog.ChatSessionOwnedByTenant", Kind: "catalog", ID: sessionID, Message: "ownership check failed", Err: err}
	}
	return owned, nil
}

// MarkDeviceOnline implements DevicePresenceStore.
func (p *Postgres) MarkDeviceOnline(ctx context.Context, deviceID string) error {
	return p.setDevicePresence(ctx, deviceID, true)
}

// MarkDeviceOffline implements DevicePresenceStore.
func (p *Postgres) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	return p.setDevicePresence(ctx, deviceID, false)
}

func (p *Postgres) setDevicePresence(ctx context.Context, deviceID string, online bool) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	err := p.guard(ctx, func() error {
		_, err := p.db.ExecContext(ctx,
			`UPDATE devices SET online = $1, last_seen = now() WHERE device_id = $2`, online, deviceID)
		return err
	})
	if err != nil {
		return &core.FrameworkError{Op: "catalog.setDevicePresence", Kind: "catalog", ID: deviceID, Message: "failed to update device presence", Err: err}
	}
	return nil
}

// CreateCustomerSession implements CustomerSessionStore.
func (p *Postgres) CreateCustomerSession(ctx context.Context, tenantID, deviceID string) (*CustomerSession, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var sess CustomerSession
	err := p.guard(ctx, func() error {
		return p.db.GetContext(ctx, &sess,
			`INSERT INTO chat_sessions (id, tenant_id, device_id, created_at, updated_at)
			 VALUES (gen_random_uuid()::text, $1, $2, now(), now())
			 RETURNING id, tenant_id, device_id, created_at, updated_at`,
			tenantID, deviceID)
	})
	if err != nil {
		return nil, &core.FrameworkError{Op: "catalog.CreateCustomerSession", Kind: "catalog", Message: "failed to create customer session", Err: err}
	}
	return &sess, nil
}

// GetCustomerSession implements CustomerSessionStore.
func (p *Postgres) GetCustomerSession(ctx context.Context, id, tenantID string) (*CustomerSession, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var sess CustomerSession
	err := p.guard(ctx, func() error {
		err := p.db.GetContext(ctx, &sess,
			`SELECT id, tenant_id, device_id, created_at, updated_at FROM chat_sessions WHERE id = $1 AND tenant_id = $2`,
			id, tenantID)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrSessionNotFound
		}
		return err
	})
	if errors.Is(err, core.ErrSessionNotFound) {
		return nil, &core.FrameworkError{Op: "catalog.GetCustomerSession", Kind: "catalog", ID: id, Message: "session not found", Err: core.ErrSessionNotFound}
	}
	if err != nil {
		return nil, &core.FrameworkError{Op: "catalog.GetCustomerSession", Kind: "catalog", ID: id, Message: "failed to load customer session", Err: err}
	}
	return &sess, nil
}

// ApproveCommand implements CommandApprovalStore using updated_at as the
// optimistic-concurrency CAS token: a zero-row update means somebody
// else resolved this command approval first.
func (p *Postgres) ApproveCommand(ctx context.Context, sessionID, commandID, tenantID string, approved bool, reason string, expectedUpdatedAt time.Time) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	status := "denied"
	if approved {
		status = "approved"
	}

	err := p.guard(ctx, func() error {
		res, err := p.db.ExecContext(ctx,
			`UPDATE command_approvals SET status = $1, reason = $2, updated_at = now()
			   WHERE session_id = $3 AND command_id = $4 AND tenant_id = $5 AND updated_at = $6`,
			status, reason, sessionID, commandID, tenantID, expectedUpdatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrConcurrentUpdateConflict
		}
		return nil
	})
	if errors.Is(err, core.ErrConcurrentUpdateConflict) {
		return &core.FrameworkError{Op: "catalog.ApproveCommand", Kind: "catalog", ID: commandID, Message: "command approval was modified concurrently", Err: core.ErrConcurrentUpdateConflict}
	}
	if err != nil {
		return &core.FrameworkError{Op: "catalog.ApproveCommand", Kind: "catalog", ID: commandID, Message: "failed to update command approval", Err: err}
	}
	return nil
}

// GetDeviceAction implements DeviceActionStore.
func (p *Postgres) GetDeviceAction(ctx context.Context, id, tenantID string) (*DeviceAction, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var action DeviceAction
	err := p.guard(ctx, func() error {
		err := p.db.GetContext(ctx, &action,
			`SELECT id, tenant_id, device_id, status, created_at, updated_at FROM device_actions WHERE id = $1 AND tenant_id = $2`,
			id, tenantID)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrCommandNotFound
		}
		return err
	})
	if errors.Is(err, core.ErrCommandNotFound) {
		return nil, &core.FrameworkError{Op: "catalog.GetDeviceAction", Kind: "catalog", ID: id, Message: "device action not found", Err: core.ErrCommandNotFound}
	}
	if err != nil {
		return nil, &core.FrameworkError{Op: "catalog.GetDeviceAction", Kind: "catalog", ID: id, Message: "failed to load device action", Err: err}
	}
	return &action, nil
}

// ResolveDeviceAction implements DeviceActionStore.
func (p *Postgres) ResolveDeviceAction(ctx context.Context, id, tenantID string, approve bool) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	status := "rejected"
	if approve {
		status = "approved"
	}
	err := p.guard(ctx, func() error {
		res, err := p.db.ExecContext(ctx,
			`UPDATE device_actions SET status = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3 AND status = 'pending'`,
			status, id, tenantID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrAlreadyCompleted
		}
		return nil
	})
	if errors.Is(err, core.ErrAlreadyCompleted) {
		return &core.FrameworkError{Op: "catalog.ResolveDeviceAction", Kind: "catalog", ID: id, Message: "device action not found or already resolved", Err: core.ErrAlreadyCompleted}
	}
	if err != nil {
		return &core.FrameworkError{Op: "catalog.ResolveDeviceAction", Kind: "catalog", ID: id, Message: "failed to resolve device action", Err: err}
	}
	return nil
}
