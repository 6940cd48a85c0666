// Package httpapi implements the gateway's peripheral HTTP surface: the
// request/response endpoints that produce commands and approvals without
// holding a live connection open. It is a thin adapter in front of the
// command queue, HITL coordinator, and catalog store; every invariant
// those components enforce (claim-token ownership, tenant isolation,
// optimistic-concurrency on approvals) is enforced there, not here; this
// package only translates HTTP requests into their calls and their errors
// into the response codes §7 of the design specifies.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fleetops/gateway/authn"
	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/catalog"
	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/queue"
)

// Deps collects the HTTP surface's collaborators.
type Deps struct {
	Queue      *queue.Queue
	Store      catalog.Store
	Broker     *broker.Adapter
	DeviceAuth *authn.DeviceAuthenticator
	JWT        *authn.JWTVerifier
	Logger     core.Logger

	// InternalAuthToken guards the internal metrics surface. Empty means
	// the surface always returns 401, never accidentally open.
	InternalAuthToken string
}

// Handler is the composed HTTP surface. It holds no state of its own past
// its collaborators, so it can be constructed once by the composition root
// and mounted at any path prefix.
type Handler struct {
	deps   Deps
	logger core.Logger
}

// New constructs a Handler and registers its routes on mux.
func New(mux *http.ServeMux, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/httpapi")
	}
	h := &Handler{deps: deps, logger: logger}

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /metrics", h.handleInternalMetrics)

	mux.HandleFunc("POST /api/v1/device/commands/claim", h.deviceMiddleware(h.handleClaim))
	mux.HandleFunc("POST /api/v1/device/commands/{id}/extend", h.deviceMiddleware(h.handleExtend))
	mux.HandleFunc("POST /api/v1/device/commands/{id}/result", h.deviceMiddleware(h.handleResult))
	mux.HandleFunc("GET /api/v1/device/commands/{id}", h.deviceMiddleware(h.handleGetCommand))

	mux.HandleFunc("POST /api/v1/customer/sessions", h.customerMiddleware(h.handleCreateSession))
	mux.HandleFunc("GET /api/v1/customer/sessions/{id}", h.customerMiddleware(h.handleGetSession))
	mux.HandleFunc("POST /api/v1/customer/sessions/{id}/approve", h.customerMiddleware(h.handleApproveSession))

	mux.HandleFunc("POST /api/v1/device-actions/{id}/approve", h.customerMiddleware(h.handleDeviceActionApprove))
	mux.HandleFunc("POST /api/v1/device-actions/{id}/reject", h.customerMiddleware(h.handleDeviceActionReject))

	return h
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorBody{Error: message})
}

// statusForError maps the gateway's sentinel error taxonomy onto the HTTP
// status codes §6 and §7 specify: 401 unauthenticated, 403
// authorization/invalid-claim, 404 not-found, 409 already-completed or
// concurrent conflict, 500 otherwise.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUnauthorized), errors.Is(err, core.ErrInvalidClaim):
		return http.StatusForbidden
	case errors.Is(err, core.ErrCommandNotFound), errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyCompleted), errors.Is(err, core.ErrConcurrentUpdateConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrClaimLimitOutOfRange), errors.Is(err, core.ErrVisibilityOutOfRange), errors.Is(err, core.ErrInvalidConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeMappedError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	code := "INTERNAL_ERROR"
	switch status {
	case http.StatusUnauthorized:
		code = "UNAUTHENTICATED"
	case http.StatusForbidden:
		code = "FORBIDDEN"
	case http.StatusNotFound:
		code = "NOT_FOUND"
	case http.StatusConflict:
		if errors.Is(err, core.ErrConcurrentUpdateConflict) {
			code = "CONCURRENT_UPDATE_CONFLICT"
		} else {
			code = "ALREADY_COMPLETED"
		}
	case http.StatusBadRequest:
		code = "INVALID_REQUEST"
	}
	h.writeJSON(w, status, struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{Error: err.Error(), Code: code})
}

// requestID reads X-Request-ID, minting one if absent, and reflects it back
// on the response per §6's correlation-header contract.
func requestID(w http.ResponseWriter, r *http.Request) (context.Context, string) {
	id := r.Header.Get(core.CorrelationHeader)
	if id == "" {
		id = core.NewCorrelationID()
	}
	w.Header().Set(core.CorrelationHeader, id)
	return core.WithCorrelationID(r.Context(), id), id
}

// deviceCtx carries the authenticated device identity resolved from a
// device-session token for the duration of one HTTP request.
type deviceCtx struct {
	DeviceID string
	TenantID string
}

type deviceCtxKey struct{}

// deviceMiddleware resolves the device-session token (bearer
// Authorization header or X-Device-Session, mirroring the websocket path)
// before calling next; unauthenticated requests never reach it.
func (h *Handler) deviceMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := requestID(w, r)

		token := r.Header.Get("X-Device-Session")
		if token == "" {
			token = authn.BearerFromHeader(r.Header.Get("Authorization"))
		}
		deviceID, tenantID, err := h.deps.DeviceAuth.Resolve(ctx, token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx = context.WithValue(ctx, deviceCtxKey{}, deviceCtx{DeviceID: deviceID, TenantID: tenantID})
		next(w, r.WithContext(ctx))
	}
}

type customerCtxKey struct{}

type customerCtx struct {
	TenantID    string
	PrincipalID string
}

// customerMiddleware verifies the caller's bearer JWT before calling next.
func (h *Handler) customerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := requestID(w, r)

		bearer := authn.BearerFromHeader(r.Header.Get("Authorization"))
		if bearer == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := h.deps.JWT.Verify(bearer)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx = context.WithValue(ctx, customerCtxKey{}, customerCtx{TenantID: claims.TenantID, PrincipalID: claims.PrincipalID})
		next(w, r.WithContext(ctx))
	}
}

// --- Health ---

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.deps.Broker != nil {
		if err := h.deps.Broker.HealthCheck(ctx); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker unavailable"})
			return
		}
	}
	if h.deps.Store != nil {
		if err := h.deps.Store.HealthCheck(ctx); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "catalog store unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInternalMetrics guards a minimal internal snapshot behind a
// constant-time comparison against InternalAuthToken: 401 when the caller
// sent nothing, 403 when it sent the wrong value. It never exposes
// anything beyond connection counts; the scrape target proper is the
// telemetry package's own OTEL exporter.
func (h *Handler) handleInternalMetrics(w http.ResponseWriter, r *http.Request) {
	presented := authn.BearerFromHeader(r.Header.Get("Authorization"))
	if presented == "" {
		h.writeError(w, http.StatusUnauthorized, "missing internal auth token")
		return
	}
	if !authn.CheckInternalToken(h.deps.InternalAuthToken, presented) {
		h.writeError(w, http.StatusForbidden, "invalid internal auth token")
		return
	}

	snapshot := map[string]interface{}{"status": "ok"}
	if breakers := h.breakerStates(); len(breakers) > 0 {
		snapshot["circuit_breakers"] = breakers
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// circuitBreakerReporter is satisfied by any collaborator that exposes its
// resilience.CircuitBreaker through the framework's abstract interface,
// letting this handler report breaker state without importing resilience.
type circuitBreakerReporter interface {
	CircuitBreaker() (core.CircuitBreaker, bool)
}

// breakerStates collects per-collaborator circuit breaker state/metrics for
// the internal metrics snapshot. Collaborators with resilience disabled, or
// that don't implement circuitBreakerReporter, are omitted.
func (h *Handler) breakerStates() map[string]interface{} {
	out := make(map[string]interface{})
	if h.deps.Broker != nil {
		if cb, enabled := h.deps.Broker.CircuitBreaker(); enabled {
			out["broker"] = map[string]interface{}{"state": cb.GetState(), "metrics": cb.GetMetrics()}
		}
	}
	if h.deps.Store != nil {
		if r, ok := h.deps.Store.(circuitBreakerReporter); ok {
			if cb, enabled := r.CircuitBreaker(); enabled {
				out["catalog"] = map[string]interface{}{"state": cb.GetState(), "metrics": cb.GetMetrics()}
			}
		}
	}
	return out
}

// --- Device commands ---

type claimRequest struct {
	Limit             int `json:"limit"`
	VisibilityTimeout int `json:"visibilityTimeout"`
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dc := ctx.Value(deviceCtxKey{}).(deviceCtx)

	var body claimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	// limit=0 asks for nothing and gets exactly that: no queue call, no
	// lease started on a command the device never wanted.
	if body.Limit <= 0 {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"commands": []interface{}{}})
		return
	}
	visibility := core.CommandLeaseDefault
	if body.VisibilityTimeout > 0 {
		visibility = time.Duration(body.VisibilityTimeout) * time.Millisecond
	}

	cmds, err := h.deps.Queue.Claim(ctx, dc.DeviceID, body.Limit, visibility)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"commands": cmds})
}

type extendRequest struct {
	ClaimToken  string `json:"claimToken"`
	ExtensionMs int64  `json:"extensionMs"`
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dc := ctx.Value(deviceCtxKey{}).(deviceCtx)
	id := r.PathValue("id")

	var body extendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	extension := time.Duration(body.ExtensionMs) * time.Millisecond
	if extension <= 0 {
		extension = core.CommandLeaseDefault
	}

	newVisible, err := h.deps.Queue.Extend(ctx, id, body.ClaimToken, dc.DeviceID, extension)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"visibleUntil": newVisible})
}

type resultRequest struct {
	ClaimToken string       `json:"claimToken"`
	Result     queue.Result `json:"result"`
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dc := ctx.Value(deviceCtxKey{}).(deviceCtx)
	id := r.PathValue("id")

	var body resultRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.deps.Queue.SubmitResult(ctx, id, body.ClaimToken, dc.DeviceID, body.Result); err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"commandId": id})
}

func (h *Handler) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	cmd, err := h.deps.Queue.Get(ctx, id)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	if cmd == nil {
		h.writeError(w, http.StatusNotFound, "command not found")
		return
	}
	h.writeJSON(w, http.StatusOK, cmd)
}

// --- Customer sessions ---

type createSessionRequest struct {
	DeviceID string `json:"deviceId"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cc := ctx.Value(customerCtxKey{}).(customerCtx)

	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owned, err := h.deps.Store.DeviceOwnedByTenant(ctx, body.DeviceID, cc.TenantID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	if !owned {
		h.writeError(w, http.StatusForbidden, "Unauthorized")
		return
	}
	session, err := h.deps.Store.CreateCustomerSession(ctx, cc.TenantID, body.DeviceID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cc := ctx.Value(customerCtxKey{}).(customerCtx)
	id := r.PathValue("id")

	session, err := h.deps.Store.GetCustomerSession(ctx, id, cc.TenantID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

type approveSessionRequest struct {
	CommandID         string    `json:"commandId"`
	Approved          bool      `json:"approved"`
	Reason            string    `json:"reason,omitempty"`
	ExpectedUpdatedAt time.Time `json:"expectedUpdatedAt"`
}

// handleApproveSession uses the session's updated_at as an optimistic
// concurrency CAS token: a zero-rows-affected update surfaces as HTTP 409
// CONCURRENT_UPDATE_CONFLICT, per §6 and the REDESIGN note in §9.
func (h *Handler) handleApproveSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cc := ctx.Value(customerCtxKey{}).(customerCtx)
	id := r.PathValue("id")

	var body approveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.deps.Store.ApproveCommand(ctx, id, body.CommandID, cc.TenantID, body.Approved, body.Reason, body.ExpectedUpdatedAt); err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "commandId": body.CommandID})
}

// --- Device actions ---

func (h *Handler) handleDeviceActionApprove(w http.ResponseWriter, r *http.Request) {
	h.resolveDeviceAction(w, r, true)
}

func (h *Handler) handleDeviceActionReject(w http.ResponseWriter, r *http.Request) {
	h.resolveDeviceAction(w, r, false)
}

func (h *Handler) resolveDeviceAction(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	cc := ctx.Value(customerCtxKey{}).(customerCtx)
	id := r.PathValue("id")

	if _, err := h.deps.Store.GetDeviceAction(ctx, id, cc.TenantID); err != nil {
		h.writeMappedError(w, err)
		return
	}
	if err := h.deps.Store.ResolveDeviceAction(ctx, id, cc.TenantID, approve); err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
