package hitl

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/gateway/core"
)

type fakePolicyStore struct {
	mu       sync.Mutex
	policies map[string]map[string]*Policy // tenant -> tool -> policy
	calls    int
}

func (f *fakePolicyStore) LoadTenantPolicies(ctx context.Context, tenantID string) (map[string]*Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.policies[tenantID], nil
}

type approvalUpdate struct {
	id         string
	decision   Decision
	resolvedBy string
	reason     string
}

type fakeRecordStore struct {
	mu      sync.Mutex
	inserts []*ApprovalRecord
	updates []approvalUpdate
	failIns bool
}

func (f *fakeRecordStore) InsertApproval(ctx context.Context, rec *ApprovalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIns {
		return core.ErrBrokerUnavailable
	}
	f.inserts = append(f.inserts, rec)
	return nil
}

func (f *fakeRecordStore) UpdateApprovalStatus(ctx context.Context, id string, decision Decision, resolvedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, approvalUpdate{id: id, decision: decision, resolvedBy: resolvedBy, reason: reason})
	return nil
}

func newTestCoordinator(policies *fakePolicyStore, records *fakeRecordStore, cfg core.HITLCoordinatorConfig) *Coordinator {
	return New(policies, records, nil, nil, cfg, nil)
}

// awaitEscalation blocks until the coordinator has inserted a pending
// approval record and returns its id.
func awaitEscalation(t *testing.T, records *fakeRecordStore) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		records.mu.Lock()
		defer records.mu.Unlock()
		if len(records.inserts) == 0 {
			return false
		}
		id = records.inserts[0].ID
		return true
	}, time.Second, 5*time.Millisecond)
	return id
}

func TestDecideAutoApprovesFromPolicy(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{
		"tenant-1": {"network_read": {AutoApprove: true}},
	}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: time.Second})

	out, err := c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "network_read"})
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, out.Decision)
	assert.False(t, out.Modified)
	assert.Empty(t, records.inserts, "auto-approved decisions never escalate to the audit log")
}

func TestDecideAllowsReadOnlyWithoutPolicy(t *testing.T) {
	// No policy configured at all: a read-only tool is still allowed
	// outright, without an escalation.
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: time.Second})

	out, err := c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "disk_usage", ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, out.Decision)
	assert.Empty(t, records.inserts)
}

func TestDecideAllowsSuggestionWithoutPolicy(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: time.Second})

	params := json.RawMessage(`{"path":"/tmp"}`)
	out, err := c.Decide(context.Background(), Request{
		TenantID: "tenant-1", Tool: "cleanup", Params: params, Suggestion: "remove stale files",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, out.Decision)
	assert.Equal(t, params, out.Params, "suggestion-based allow carries the original input")
	assert.Empty(t, records.inserts)
}

func TestDecidePolicyCacheIsReusedWithinTTL(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{
		"tenant-1": {"network_read": {AutoApprove: true}},
	}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: time.Second, PolicyCacheTTL: time.Hour})

	for i := 0; i < 5; i++ {
		_, err := c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "network_read"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, policies.calls, "five decides for one tenant should load its policy set exactly once")
}

// TestApprovalTimeoutScenario: a tenant with no policy for a tool
// escalates, and the escalation times out with a deny whose message
// matches /timed out/i.
func TestApprovalTimeoutScenario(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 100 * time.Millisecond})

	start := time.Now()
	out, err := c.Decide(context.Background(), Request{TenantID: "tenant-t", Tool: "network_write"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, DecisionTimeout, out.Decision)
	assert.Regexp(t, `(?i)timed out`, out.Reason)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	require.Len(t, records.updates, 1)
	assert.Equal(t, DecisionTimeout, records.updates[0].decision)
}

func TestDecideEscalatesOnMissingPolicyAndResolvesApproved(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	var out Outcome
	var decideErr error
	done := make(chan struct{})
	go func() {
		out, decideErr = c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "network_write"})
		close(done)
	}()

	id := awaitEscalation(t, records)
	require.NoError(t, c.Resolve(context.Background(), id, DecisionApproved, ResolveOptions{ResolvedBy: "operator-1"}))
	<-done

	require.NoError(t, decideErr)
	assert.Equal(t, DecisionApproved, out.Decision)
	assert.False(t, out.Modified)

	require.Len(t, records.updates, 1)
	assert.Equal(t, "operator-1", records.updates[0].resolvedBy)
}

func TestResolveModifiedSubstitutesInput(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	original := json.RawMessage(`{"cmd":"rm -rf /data"}`)
	edited := json.RawMessage(`{"cmd":"rm -rf /data/tmp"}`)

	var out Outcome
	done := make(chan struct{})
	go func() {
		out, _ = c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "shell", Params: original})
		close(done)
	}()

	id := awaitEscalation(t, records)
	require.NoError(t, c.Resolve(context.Background(), id, DecisionModified, ResolveOptions{
		ResolvedBy:     "operator-1",
		Reason:         "narrowed the target path",
		ModifiedParams: edited,
	}))
	<-done

	// Modify is allow-with-substitution: the requester runs the edited
	// input, and the audit row records the decision as modified's
	// approved mapping.
	assert.Equal(t, DecisionApproved, out.Decision)
	assert.True(t, out.Modified)
	assert.Equal(t, edited, out.Params)

	require.Len(t, records.updates, 1)
	assert.Equal(t, DecisionModified, records.updates[0].decision)
	assert.Equal(t, "narrowed the target path", records.updates[0].reason)
}

func TestResolveModifiedWithoutParamsKeepsOriginal(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	original := json.RawMessage(`{"cmd":"uptime"}`)
	var out Outcome
	done := make(chan struct{})
	go func() {
		out, _ = c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "shell", Params: original})
		close(done)
	}()

	id := awaitEscalation(t, records)
	require.NoError(t, c.Resolve(context.Background(), id, DecisionModified, ResolveOptions{ResolvedBy: "op"}))
	<-done

	assert.Equal(t, DecisionApproved, out.Decision)
	assert.True(t, out.Modified)
	assert.Equal(t, original, out.Params)
}

func TestResolveDeniedCarriesReason(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	var out Outcome
	done := make(chan struct{})
	go func() {
		out, _ = c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "shell"})
		close(done)
	}()

	id := awaitEscalation(t, records)
	require.NoError(t, c.Resolve(context.Background(), id, DecisionDenied, ResolveOptions{ResolvedBy: "op", Reason: "too risky"}))
	<-done

	assert.Equal(t, DecisionDenied, out.Decision)
	assert.Equal(t, "too risky", out.Reason)
	require.Len(t, records.updates, 1)
	assert.Equal(t, "too risky", records.updates[0].reason)
}

func TestResolveUnknownApprovalFails(t *testing.T) {
	c := newTestCoordinator(&fakePolicyStore{}, &fakeRecordStore{}, core.HITLCoordinatorConfig{})
	err := c.Resolve(context.Background(), "appr_missing", DecisionApproved, ResolveOptions{ResolvedBy: "op"})
	require.Error(t, err)
}

func TestResolveIsExactlyOnce(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		_, _ = c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "network_write"})
		close(done)
	}()

	id := awaitEscalation(t, records)
	require.NoError(t, c.Resolve(context.Background(), id, DecisionDenied, ResolveOptions{ResolvedBy: "op-1"}))
	<-done

	// A second resolution of the same (already-resolved) id must fail:
	// exactly one of {human, timeout, abort, shutdown} ever resolves a
	// pending approval.
	err := c.Resolve(context.Background(), id, DecisionApproved, ResolveOptions{ResolvedBy: "op-2"})
	require.Error(t, err)
}

func TestDecideFailsWhenInsertAuditFails(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{failIns: true}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: time.Second})

	_, err := c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "network_write"})
	require.Error(t, err, "an approval that cannot be made auditable must never be issued")
}

func TestDecideOnPreAbortedContextEmitsAudit(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := c.Decide(ctx, Request{TenantID: "tenant-1", Tool: "network_write"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAborted, out.Decision)
	assert.Regexp(t, `(?i)aborted`, out.Reason)

	// The refusal is still auditable: one insert, closed out as aborted.
	require.Len(t, records.inserts, 1)
	require.Len(t, records.updates, 1)
	assert.Equal(t, records.inserts[0].ID, records.updates[0].id)
	assert.Equal(t, DecisionAborted, records.updates[0].decision)
}

func TestDecideAbortsOnContextCancel(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.Decide(ctx, Request{TenantID: "tenant-1", Tool: "network_write"})
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, DecisionAborted, out.Decision)
	case <-time.After(time.Second):
		t.Fatal("Decide did not unwind after context cancellation")
	}
}

func TestShutdownResolvesAllPendingAsAborted(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	results := make([]chan Outcome, 3)
	for i := range results {
		results[i] = make(chan Outcome, 1)
		go func(ch chan Outcome) {
			out, _ := c.Decide(context.Background(), Request{TenantID: "tenant-1", Tool: "network_write"})
			ch <- out
		}(results[i])
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 3
	}, time.Second, 5*time.Millisecond)

	c.Shutdown()

	for _, ch := range results {
		select {
		case out := <-ch:
			assert.Equal(t, DecisionAborted, out.Decision)
			assert.Equal(t, "service shutting down", out.Reason)
		case <-time.After(time.Second):
			t.Fatal("shutdown did not resolve a pending approval")
		}
	}
}

func TestPendingForTenantReflectsOutstandingApprovals(t *testing.T) {
	policies := &fakePolicyStore{policies: map[string]map[string]*Policy{}}
	records := &fakeRecordStore{}
	c := newTestCoordinator(policies, records, core.HITLCoordinatorConfig{DefaultTimeout: 5 * time.Second})

	go func() { _, _ = c.Decide(context.Background(), Request{TenantID: "tenant-x", Tool: "t"}) }()

	require.Eventually(t, func() bool {
		return len(c.PendingForTenant("tenant-x")) == 1
	}, time.Second, 5*time.Millisecond)

	c.Shutdown()
}
