// Package hitl implements the HITL Approval Coordinator: a per-request
// rendezvous between an automated tool-use decision and a human operator.
// A caller asks Decide for permission to run a tool; the Coordinator either
// answers immediately from policy or escalates to connected operators and
// blocks the caller until a human resolves it, the timeout fires, or the
// request is aborted.
package hitl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/connmgr"
	"github.com/fleetops/gateway/core"
)

// Decision is the outcome of a Decide call.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	// DecisionModified is approval with a substituted tool input: the
	// operator edited the parameters before allowing the call. Persisted
	// as "approved"; the substitution travels on the Outcome.
	DecisionModified Decision = "modified"
	DecisionDenied   Decision = "denied"
	DecisionTimeout  Decision = "timeout"
	DecisionAborted  Decision = "aborted"
)

// Request describes the tool invocation a caller wants permission to run.
type Request struct {
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	Tool       string          `json:"tool"`
	ReadOnly   bool            `json:"read_only"`
	RiskScore  float64         `json:"risk_score"`
	Params     json.RawMessage `json:"params,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// Policy governs whether a tool invocation for a tenant is auto-approved,
// always escalated, or escalated only past a risk threshold. It is looked
// up per (tenant, tool); a missing policy escalates, logging a warning,
// rather than failing open or closed silently.
type Policy struct {
	AutoApprove      bool     `json:"auto_approve"`
	RequiresApproval bool     `json:"requires_approval"`
	RiskThreshold    float64  `json:"risk_threshold"`
	Conditions       []string `json:"conditions,omitempty"`
}

// Outcome is what Decide hands back to the requester.
type Outcome struct {
	Decision Decision

	// Params is the effective tool input: the operator's substitution
	// when the approval was resolved as DecisionModified, the original
	// request input otherwise.
	Params json.RawMessage

	// Reason carries the denial or abort explanation, when one exists.
	Reason string

	// Modified reports whether an operator substituted the input.
	Modified bool
}

// PolicyStore loads every approval policy configured for a tenant in one
// call. It is implemented by the catalog store; hitl only depends on this
// narrow interface so it can be tested without a database. Policies are
// cached per tenant (see policyCacheEntry) rather than looked up per
// decide call, per tool.
type PolicyStore interface {
	LoadTenantPolicies(ctx context.Context, tenantID string) (map[string]*Policy, error)
}

// RecordStore persists the lifecycle of an escalated approval. Insert must
// happen-before the approval is broadcast to operators, so that an
// operator who resolves instantly can never race ahead of the durable
// record (the catalog-store insert-before-broadcast invariant).
type RecordStore interface {
	InsertApproval(ctx context.Context, rec *ApprovalRecord) error
	UpdateApprovalStatus(ctx context.Context, id string, decision Decision, resolvedBy, reason string) error
}

// ApprovalRecord is the durable record of one escalated approval, from
// creation through its single terminal resolution.
type ApprovalRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	Tool       string          `json:"tool"`
	Params     json.RawMessage `json:"params,omitempty"`
	Status     Decision        `json:"status"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// resolution is the terminal verdict delivered to a blocked Decide call.
type resolution struct {
	decision Decision
	params   json.RawMessage // operator-substituted input, if any
	reason   string
}

// pendingApproval tracks one in-flight escalation awaiting resolution.
type pendingApproval struct {
	record   *ApprovalRecord
	resultCh chan resolution
	timer    *time.Timer
	once     sync.Once
}

func (p *pendingApproval) resolve(res resolution) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		p.timer.Stop()
		p.resultCh <- res
		close(p.resultCh)
	})
	return resolved
}

// approvalBroadcast is the wire shape pushed to operator/customer/web
// portal connections when an approval is escalated.
type approvalBroadcast struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	DeviceID string          `json:"device_id"`
	Tool     string          `json:"tool"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type approvalTimeoutEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Coordinator is the HITL Approval Coordinator. It is safe for concurrent
// use.
type Coordinator struct {
	policies PolicyStore
	records  RecordStore
	conns    *connmgr.Manager
	bkr      *broker.Adapter
	cfg      core.HITLCoordinatorConfig
	logger   core.Logger

	mu       sync.Mutex
	pending  map[string]*pendingApproval // by approval id
	byTenant map[string]map[string]*pendingApproval

	policyMu    sync.RWMutex
	policyCache map[string]policyCacheEntry // by tenant id
}

// policyCacheEntry holds every policy loaded for one tenant, keyed by tool
// name, plus the time it was loaded so the cache can be refreshed after
// HITLCoordinatorConfig.PolicyCacheTTL elapses.
type policyCacheEntry struct {
	policies map[string]*Policy
	loadedAt time.Time
}

// New constructs a Coordinator. conns is used to broadcast escalations to
// live operator/customer/web-portal sessions; bkr additionally publishes
// the same escalation so operators connected to a different gateway
// instance still observe it.
func New(policies PolicyStore, records RecordStore, conns *connmgr.Manager, bkr *broker.Adapter, cfg core.HITLCoordinatorConfig, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/hitl")
	}
	return &Coordinator{
		policies:    policies,
		records:     records,
		conns:       conns,
		bkr:         bkr,
		cfg:         cfg,
		logger:      logger,
		pending:     make(map[string]*pendingApproval),
		byTenant:    make(map[string]map[string]*pendingApproval),
		policyCache: make(map[string]policyCacheEntry),
	}
}

// policyFor returns the policy tenant has configured for tool, loading and
// caching the tenant's full policy set on a cache miss or expiry. A tenant
// with no policies loaded successfully is not cached, so a transient
// catalog-store outage does not pin every subsequent decide call to
// "escalate" for the cache's full TTL.
func (c *Coordinator) policyFor(ctx context.Context, tenantID, tool string) (*Policy, error) {
	ttl := c.cfg.PolicyCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c.policyMu.RLock()
	entry, ok := c.policyCache[tenantID]
	c.policyMu.RUnlock()
	if ok && time.Since(entry.loadedAt) < ttl {
		return entry.policies[tool], nil
	}

	policies, err := c.policies.LoadTenantPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.policyMu.Lock()
	c.policyCache[tenantID] = policyCacheEntry{policies: policies, loadedAt: time.Now()}
	c.policyMu.Unlock()
	return policies[tool], nil
}

// Decide resolves req to an Outcome. It first consults policy; if policy
// doesn't settle the question it escalates to human operators and blocks
// until resolved, the configured timeout elapses, or ctx is canceled
// (treated as an abort).
func (c *Coordinator) Decide(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		// The request died before any human could see it, but the
		// refusal is still auditable: insert a record and close it out
		// as aborted in one breath. Background context because ctx is
		// exactly what's already dead.
		rec := c.newRecord(req)
		bg := context.Background()
		if ierr := c.records.InsertApproval(bg, rec); ierr != nil {
			c.logger.Error("hitl: failed to audit pre-aborted approval", map[string]interface{}{"tenant_id": req.TenantID, "tool": req.Tool, "error": ierr.Error()})
		} else if uerr := c.records.UpdateApprovalStatus(bg, rec.ID, DecisionAborted, "", "aborted before approval"); uerr != nil {
			c.logger.Error("hitl: failed to persist pre-abort status", map[string]interface{}{"approval_id": rec.ID, "error": uerr.Error()})
		}
		return Outcome{Decision: DecisionAborted, Params: req.Params, Reason: "aborted before approval"}, nil
	}

	allow := Outcome{Decision: DecisionApproved, Params: req.Params}

	policy, err := c.policyFor(ctx, req.TenantID, req.Tool)
	if err != nil {
		c.logger.Warn("hitl: policy lookup failed, requiring approval", map[string]interface{}{"tenant_id": req.TenantID, "tool": req.Tool, "error": err.Error()})
		policy = nil
	} else if policy == nil {
		c.logger.Warn("hitl: no policy found for tenant/tool, requiring approval", map[string]interface{}{"tenant_id": req.TenantID, "tool": req.Tool})
	}
	if policy != nil {
		if policy.AutoApprove {
			return allow, nil
		}
		if !policy.RequiresApproval {
			return allow, nil
		}
		if policy.RiskThreshold > 0 && req.RiskScore < policy.RiskThreshold {
			return allow, nil
		}
	}

	// Read-only tools are allowed outright, policy or no policy.
	if req.ReadOnly {
		return allow, nil
	}
	// A suggestion-bearing call is allowed carrying its original input.
	if req.Suggestion != "" {
		return allow, nil
	}

	return c.escalate(ctx, req)
}

func (c *Coordinator) newRecord(req Request) *ApprovalRecord {
	return &ApprovalRecord{
		ID:        "appr_" + uuid.New().String(),
		TenantID:  req.TenantID,
		DeviceID:  req.DeviceID,
		Tool:      req.Tool,
		Params:    req.Params,
		Status:    DecisionPending,
		CreatedAt: time.Now().UTC(),
	}
}

func (c *Coordinator) escalate(ctx context.Context, req Request) (Outcome, error) {
	rec := c.newRecord(req)
	id := rec.ID

	if err := c.records.InsertApproval(ctx, rec); err != nil {
		return Outcome{}, &core.FrameworkError{Op: "hitl.Decide", Kind: "hitl", ID: id, Message: "failed to record pending approval", Err: err}
	}

	timeout := c.cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = core.ApprovalDefaultTimeout
	}

	pa := &pendingApproval{
		record:   rec,
		resultCh: make(chan resolution, 1),
	}
	pa.timer = time.AfterFunc(timeout, func() { c.expire(id) })

	c.mu.Lock()
	c.pending[id] = pa
	if c.byTenant[req.TenantID] == nil {
		c.byTenant[req.TenantID] = make(map[string]*pendingApproval)
	}
	c.byTenant[req.TenantID][id] = pa
	c.mu.Unlock()

	// Insert-before-broadcast: the durable record above is already
	// persisted, so a human resolving the instant it appears on their
	// screen can never race ahead of storage.
	c.broadcast(ctx, rec)

	select {
	case res := <-pa.resultCh:
		c.untrack(req.TenantID, id)
		out := Outcome{Decision: res.decision, Params: req.Params, Reason: res.reason}
		if res.decision == DecisionModified {
			// Modify means allow with the operator's input substituted.
			out.Decision = DecisionApproved
			out.Modified = true
			if len(res.params) > 0 {
				out.Params = res.params
			}
		}
		return out, nil
	case <-ctx.Done():
		c.abort(id, "aborted by client")
		c.untrack(req.TenantID, id)
		return Outcome{Decision: DecisionAborted, Params: req.Params, Reason: "aborted by client"}, nil
	}
}

func (c *Coordinator) broadcast(ctx context.Context, rec *ApprovalRecord) {
	payload, err := json.Marshal(approvalBroadcast{
		Type:     "approval_requested",
		ID:       rec.ID,
		TenantID: rec.TenantID,
		DeviceID: rec.DeviceID,
		Tool:     rec.Tool,
		Params:   rec.Params,
	})
	if err != nil {
		c.logger.Error("hitl: failed to encode approval broadcast", map[string]interface{}{"approval_id": rec.ID, "error": err.Error()})
		return
	}
	if c.conns != nil {
		c.conns.BroadcastApprovalFanout(rec.TenantID, payload)
	}
	if c.bkr != nil {
		if err := c.bkr.Publish(ctx, "hitl:"+rec.TenantID+":approvals", payload); err != nil {
			c.logger.Warn("hitl: cross-instance approval publish failed", map[string]interface{}{"approval_id": rec.ID, "error": err.Error()})
		}
	}
}

// ResolveOptions carries the optional parts of an operator's decision.
type ResolveOptions struct {
	ResolvedBy string

	// Reason explains a denial (or annotates an approval); it travels to
	// both the audit record and the blocked requester.
	Reason string

	// ModifiedParams is the substituted tool input for DecisionModified.
	// Empty means "approve with the original input".
	ModifiedParams json.RawMessage
}

// Resolve records a human operator's decision for a pending approval.
// DecisionModified is approval with opts.ModifiedParams substituted for
// the original tool input; it is persisted as "approved". Returns
// core.ErrApprovalNotFound if id is unknown or already resolved.
func (c *Coordinator) Resolve(ctx context.Context, id string, decision Decision, opts ResolveOptions) error {
	if decision != DecisionApproved && decision != DecisionDenied && decision != DecisionModified {
		return &core.FrameworkError{Op: "hitl.Resolve", Kind: "hitl", ID: id, Message: "decision must be approved, modified, or denied", Err: core.ErrInvalidConfiguration}
	}
	c.mu.Lock()
	pa, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return &core.FrameworkError{Op: "hitl.Resolve", Kind: "hitl", ID: id, Message: "approval not found or already resolved", Err: core.ErrApprovalNotFound}
	}
	if !pa.resolve(resolution{decision: decision, params: opts.ModifiedParams, reason: opts.Reason}) {
		return &core.FrameworkError{Op: "hitl.Resolve", Kind: "hitl", ID: id, Message: "approval already resolved", Err: core.ErrApprovalNotFound}
	}
	if err := c.records.UpdateApprovalStatus(ctx, id, decision, opts.ResolvedBy, opts.Reason); err != nil {
		c.logger.Error("hitl: failed to persist approval resolution", map[string]interface{}{"approval_id": id, "error": err.Error()})
	}
	return nil
}

// Cancel aborts a pending approval, e.g. because the requesting session
// disconnected before a human responded.
func (c *Coordinator) Cancel(ctx context.Context, id string) {
	c.abort(id, "aborted by client")
}

func (c *Coordinator) abort(id, reason string) {
	c.mu.Lock()
	pa, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if pa.resolve(resolution{decision: DecisionAborted, reason: reason}) {
		if err := c.records.UpdateApprovalStatus(context.Background(), id, DecisionAborted, "", reason); err != nil {
			c.logger.Error("hitl: failed to persist approval abort", map[string]interface{}{"approval_id": id, "error": err.Error()})
		}
	}
}

func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	pa, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if pa.resolve(resolution{decision: DecisionTimeout, reason: "approval request timed out"}) {
		ctx := context.Background()
		if err := c.records.UpdateApprovalStatus(ctx, id, DecisionTimeout, "", "approval request timed out"); err != nil {
			c.logger.Error("hitl: failed to persist approval timeout", map[string]interface{}{"approval_id": id, "error": err.Error()})
		}
		payload, err := json.Marshal(approvalTimeoutEvent{Type: "approval_timeout", ID: id})
		if err == nil {
			if c.conns != nil {
				c.conns.BroadcastApprovalFanout(pa.record.TenantID, payload)
			}
			if c.bkr != nil {
				_ = c.bkr.Publish(ctx, "hitl:"+pa.record.TenantID+":approvals", payload)
			}
		}
	}
}

func (c *Coordinator) untrack(tenantID, id string) {
	c.mu.Lock()
	delete(c.pending, id)
	if tm := c.byTenant[tenantID]; tm != nil {
		delete(tm, id)
		if len(tm) == 0 {
			delete(c.byTenant, tenantID)
		}
	}
	c.mu.Unlock()
}

// PendingForTenant returns the approval records currently awaiting
// resolution for tenantID, for an operator console's initial snapshot.
func (c *Coordinator) PendingForTenant(tenantID string) []*ApprovalRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.byTenant[tenantID]
	out := make([]*ApprovalRecord, 0, len(tm))
	for _, pa := range tm {
		out = append(out, pa.record)
	}
	return out
}

// Shutdown resolves every still-pending approval as Aborted, so no caller
// blocked in Decide is left hanging when the gateway is stopping.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.abort(id, "service shutting down")
	}

	c.policyMu.Lock()
	c.policyCache = make(map[string]policyCacheEntry)
	c.policyMu.Unlock()
}
