// Package router implements the Session Router: it authenticates incoming
// WebSocket upgrades, registers the resulting connection with the
// connection manager, subscribes it to the broker channels its kind cares
// about, and dispatches every inbound frame to the right subsystem
// (command queue, HITL coordinator, catalog store) based on its "type"
// field. It is the one place that knows how devices, customers, and
// web-portal operators differ.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fleetops/gateway/authn"
	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/catalog"
	"github.com/fleetops/gateway/connmgr"
	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/hitl"
	"github.com/fleetops/gateway/queue"
	"github.com/fleetops/gateway/scriptintegrity"
)

// inboundFrame is the union of every field any device or customer message
// type carries. Unrecognized fields for a given Type are simply ignored.
type inboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// device -> server
	Limit             int             `json:"limit,omitempty"`
	VisibilityTimeout int             `json:"visibilityTimeout,omitempty"`
	CommandID         string          `json:"commandId,omitempty"`
	ClaimToken        string          `json:"claimToken,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Status            json.RawMessage `json:"status,omitempty"`

	// customer -> server
	Token          string          `json:"token,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Approved       *bool           `json:"approved,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	ModifiedParams json.RawMessage `json:"modifiedParams,omitempty"`
	DeviceID       string          `json:"deviceId,omitempty"`
	CommandType    string          `json:"commandType,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Rooms          []string        `json:"rooms,omitempty"`
	Channel        string          `json:"channel,omitempty"`
}

// Router wires the connection manager to the command queue, HITL
// coordinator, and catalog store, and owns the broker subscriptions each
// live connection needs for its lifetime.
type Router struct {
	conns      *connmgr.Manager
	bkr        *broker.Adapter
	q          *queue.Queue
	coord      *hitl.Coordinator
	store      catalog.Store
	jwt        *authn.JWTVerifier
	deviceAuth *authn.DeviceAuthenticator
	signer     *scriptintegrity.Signer
	tracker    *hitl.MessageTracker
	logger     core.Logger

	subMu sync.Mutex
	subs  map[string]*broker.MultiSubscription // by connection id
}

// Deps collects the Router's collaborators so New's signature stays
// readable as the gateway grows. Conns must already be constructed (e.g.
// via connmgr.NewManager(cfg, logger, nil, nil)) since the HITL
// coordinator typically needs the same Manager instance to broadcast
// escalations, creating a construction-order dependency the router
// resolves by binding its own handlers in after the fact.
type Deps struct {
	Conns       *connmgr.Manager
	Broker      *broker.Adapter
	Queue       *queue.Queue
	Coordinator *hitl.Coordinator
	Store       catalog.Store
	JWTVerifier *authn.JWTVerifier
	DeviceAuth  *authn.DeviceAuthenticator
	Signer      *scriptintegrity.Signer

	// Tracker, when set, deduplicates side-effecting customer frames by
	// request id, so a reconnecting browser replaying its outbox doesn't
	// enqueue the same command twice.
	Tracker *hitl.MessageTracker

	Logger core.Logger
}

// New constructs a Router and binds it as the message/close handler for
// d.Conns. The composition root is expected to have already constructed
// d.Conns (handlers unset) and any collaborator that also depends on it,
// such as the HITL coordinator.
func New(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/router")
	}
	r := &Router{
		conns:      d.Conns,
		bkr:        d.Broker,
		q:          d.Queue,
		coord:      d.Coordinator,
		store:      d.Store,
		jwt:        d.JWTVerifier,
		deviceAuth: d.DeviceAuth,
		signer:     d.Signer,
		tracker:    d.Tracker,
		logger:     logger,
		subs:       make(map[string]*broker.MultiSubscription),
	}
	r.conns.SetHandlers(r.onMessage, r.onClose)
	return r
}

// Conns returns the connection manager the Router drives, for use by the
// composition root's graceful-shutdown sequence and the internal metrics
// surface.
func (r *Router) Conns() *connmgr.Manager {
	return r.conns
}

func (r *Router) reply(connID, frameType, requestID string, fields map[string]interface{}) {
	out := map[string]interface{}{"type": frameType}
	if requestID != "" {
		out["requestId"] = requestID
	}
	for k, v := range fields {
		out[k] = v
	}
	payload, err := json.Marshal(out)
	if err != nil {
		r.logger.Error("router: failed to encode reply", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := r.conns.Send(connID, payload); err != nil {
		r.logger.Warn("router: failed to deliver reply", map[string]interface{}{"conn_id": connID, "error": err.Error()})
	}
}

func (r *Router) replyError(connID, requestID, message string) {
	r.reply(connID, "error", requestID, map[string]interface{}{"error": message})
}

// HandleDevice upgrades a device WebSocket connection. The device-session
// token is carried either as a bearer Authorization header or a
// X-Device-Session header; on failure the handler refuses the upgrade
// outright (there is no unauthenticated device path).
func (r *Router) HandleDevice(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	token := req.Header.Get("X-Device-Session")
	if token == "" {
		token = authn.BearerFromHeader(req.Header.Get("Authorization"))
	}

	deviceID, tenantID, err := r.deviceAuth.Resolve(ctx, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.conns.Accept(w, req, deviceID, connmgr.KindDevice, tenantID, deviceID)
	if err != nil {
		r.logger.Warn("router: device upgrade failed", map[string]interface{}{"device_id": deviceID, "error": err.Error()})
		return
	}

	if err := r.store.MarkDeviceOnline(ctx, deviceID); err != nil {
		r.logger.Warn("router: failed to mark device online", map[string]interface{}{"device_id": deviceID, "error": err.Error()})
	}

	sub, err := r.bkr.SubscribeMany(ctx, []broker.ChannelHandler{
		{Channel: "device:" + deviceID + ":control", Handler: func(payload []byte) {
			_ = r.conns.Send(conn.ID, payload)
		}},
	})
	if err != nil {
		r.logger.Warn("router: device control subscription failed", map[string]interface{}{"device_id": deviceID, "error": err.Error()})
		return
	}
	r.subMu.Lock()
	r.subs[conn.ID] = sub
	r.subMu.Unlock()
}

// HandleCustomer upgrades a customer or web-portal WebSocket connection.
// Authentication may arrive via Authorization header, the
// "auth-<jwt>" subprotocol, or (if neither is present) a late "auth" frame
// sent as the connection's first message; the router accepts all three.
func (r *Router) HandleCustomer(w http.ResponseWriter, req *http.Request) {
	kind := connmgr.KindCustomer
	if req.URL.Query().Get("portal") == "true" {
		kind = connmgr.KindWebPortal
	}

	bearer := authn.BearerFromHeader(req.Header.Get("Authorization"))
	if bearer == "" {
		bearer = authn.BearerFromSubprotocols(websocketProtocols(req))
	}

	var tenantID, principalID string
	if bearer != "" {
		claims, err := r.jwt.Verify(bearer)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tenantID, principalID = claims.TenantID, claims.PrincipalID
	}

	connID := core.NewCorrelationID()
	if _, err := r.conns.Accept(w, req, connID, kind, tenantID, principalID); err != nil {
		r.logger.Warn("router: customer upgrade failed", map[string]interface{}{"error": err.Error()})
	}
}

func websocketProtocols(req *http.Request) []string {
	v := req.Header.Get("Sec-WebSocket-Protocol")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// onMessage is the single dispatch point for every inbound frame, shared
// across all connections regardless of kind. It never blocks the
// connection's read pump longer than the operation it performs requires.
func (r *Router) onMessage(conn *connmgr.Connection, msg []byte) {
	var f inboundFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		r.replyError(conn.ID, "", "malformed message")
		return
	}

	ctx := core.WithCorrelationID(context.Background(), f.RequestID)

	switch conn.Kind {
	case connmgr.KindDevice:
		r.dispatchDevice(ctx, conn, f)
	default:
		r.dispatchCustomer(ctx, conn, f)
	}
}

func (r *Router) dispatchDevice(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	switch f.Type {
	case "claim_command":
		r.handleClaimCommand(ctx, conn, f)
	case "command_result":
		r.handleCommandResult(ctx, conn, f)
	case "heartbeat":
		r.reply(conn.ID, "heartbeat_ack", f.RequestID, nil)
	case "status_update":
		payload, _ := json.Marshal(map[string]interface{}{"type": "device_status", "deviceId": conn.ID, "status": json.RawMessage(f.Status)})
		r.conns.BroadcastTenant(conn.TenantID, payload)
	default:
		r.replyError(conn.ID, f.RequestID, "unknown message type")
	}
}

func (r *Router) handleClaimCommand(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	// limit=0 asks for nothing and gets exactly that: no queue call, no
	// lease started on a command the device never wanted.
	if f.Limit <= 0 {
		r.reply(conn.ID, "commands_claimed", f.RequestID, map[string]interface{}{"commands": []interface{}{}})
		return
	}
	limit := f.Limit
	visibility := core.CommandLeaseDefault
	if f.VisibilityTimeout > 0 {
		visibility = time.Duration(f.VisibilityTimeout) * time.Second
	}
	cmds, err := r.q.Claim(ctx, conn.ID, limit, visibility)
	if err != nil {
		r.replyError(conn.ID, f.RequestID, err.Error())
		return
	}
	r.reply(conn.ID, "commands_claimed", f.RequestID, map[string]interface{}{"commands": cmds})
}

func (r *Router) handleCommandResult(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	var result queue.Result
	if len(f.Result) > 0 {
		if err := json.Unmarshal(f.Result, &result); err != nil {
			r.replyError(conn.ID, f.RequestID, "malformed result")
			return
		}
	}
	if err := r.q.SubmitResult(ctx, f.CommandID, f.ClaimToken, conn.ID, result); err != nil {
		r.replyError(conn.ID, f.RequestID, err.Error())
		return
	}
	r.reply(conn.ID, "command_result_ack", f.RequestID, map[string]interface{}{"commandId": f.CommandID})

	payload, _ := json.Marshal(map[string]interface{}{"type": "command_completed", "commandId": f.CommandID, "deviceId": conn.ID, "result": result})
	r.conns.BroadcastTenant(conn.TenantID, payload)
}

// replayed reports whether this frame re-submits a request id the
// session already used, acknowledging the duplicate without re-running
// its side effects.
func (r *Router) replayed(ctx context.Context, conn *connmgr.Connection, f inboundFrame) bool {
	if r.tracker == nil {
		return false
	}
	// Key on the principal, not the connection: a reconnect gets a fresh
	// connection id but replays the same outbox.
	key := conn.PrincipalID
	if key == "" {
		key = conn.ID
	}
	if !r.tracker.Seen(ctx, key, f.RequestID) {
		return false
	}
	r.reply(conn.ID, "duplicate_request", f.RequestID, map[string]interface{}{"originalType": f.Type})
	return true
}

func (r *Router) dispatchCustomer(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	switch f.Type {
	case "auth":
		r.handleLateAuth(ctx, conn, f)
	case "approve_session":
		if r.replayed(ctx, conn, f) {
			return
		}
		r.handleApproveSession(ctx, conn, f)
	case "get_system_info":
		r.handleGetSystemInfo(ctx, conn, f)
	case "send_command":
		if r.replayed(ctx, conn, f) {
			return
		}
		r.handleSendCommand(ctx, conn, f)
	case "join_rooms":
		r.handleJoinRooms(ctx, conn, f)
	case "ping":
		r.reply(conn.ID, "pong", f.RequestID, nil)
	case "subscribe", "unsubscribe":
		r.handleChatSubscription(ctx, conn, f)
	default:
		r.replyError(conn.ID, f.RequestID, "unknown message type")
	}
}

func (r *Router) handleLateAuth(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	claims, err := r.jwt.Verify(f.Token)
	if err != nil {
		r.replyError(conn.ID, f.RequestID, "unauthorized")
		return
	}
	conn.TenantID = claims.TenantID
	conn.PrincipalID = claims.PrincipalID
	r.reply(conn.ID, "auth_ok", f.RequestID, map[string]interface{}{"tenantId": claims.TenantID})
}

func (r *Router) handleApproveSession(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	if !r.requireAuthenticated(conn, f.RequestID) {
		return
	}
	if f.Approved == nil {
		r.replyError(conn.ID, f.RequestID, "approved is required")
		return
	}
	decision := hitl.DecisionDenied
	if *f.Approved {
		decision = hitl.DecisionApproved
		if len(f.ModifiedParams) > 0 {
			decision = hitl.DecisionModified
		}
	}
	opts := hitl.ResolveOptions{ResolvedBy: conn.PrincipalID, Reason: f.Reason, ModifiedParams: f.ModifiedParams}
	if err := r.coord.Resolve(ctx, f.CommandID, decision, opts); err != nil {
		r.replyError(conn.ID, f.RequestID, err.Error())
		return
	}
	r.reply(conn.ID, "approve_session_ack", f.RequestID, map[string]interface{}{"commandId": f.CommandID})
}

func (r *Router) handleGetSystemInfo(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	if !r.requireAuthenticated(conn, f.RequestID) {
		return
	}
	owned, err := r.store.DeviceOwnedByTenant(ctx, f.DeviceID, conn.TenantID)
	if err != nil {
		r.replyError(conn.ID, f.RequestID, "lookup failed")
		return
	}
	if !owned {
		r.replyError(conn.ID, f.RequestID, "Unauthorized")
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{"type": "get_system_info", "requestId": f.RequestID, "deviceId": f.DeviceID})
	if err := r.bkr.Publish(ctx, "device:"+f.DeviceID+":control", payload); err != nil {
		r.replyError(conn.ID, f.RequestID, "failed to reach device")
	}
}

func (r *Router) handleSendCommand(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	if !r.requireAuthenticated(conn, f.RequestID) {
		return
	}
	owned, err := r.store.DeviceOwnedByTenant(ctx, f.DeviceID, conn.TenantID)
	if err != nil {
		r.replyError(conn.ID, f.RequestID, "lookup failed")
		return
	}
	if !owned {
		r.replyError(conn.ID, f.RequestID, "Unauthorized")
		return
	}
	params := f.Params
	if f.CommandType == "script" {
		packaged, err := r.packageScript(f.Params)
		if err != nil {
			r.replyError(conn.ID, f.RequestID, err.Error())
			return
		}
		params = packaged
	}

	cmd, err := r.q.Enqueue(ctx, f.DeviceID, conn.TenantID, f.CommandType, params, f.Priority)
	if err != nil {
		r.replyError(conn.ID, f.RequestID, err.Error())
		return
	}
	r.reply(conn.ID, "send_command_ack", f.RequestID, map[string]interface{}{"commandId": cmd.ID})
}

// scriptCommandRequest is the customer-supplied shape of a "script"
// command's params: a base64 script body plus its execution manifest.
type scriptCommandRequest struct {
	Script     string                   `json:"script"`
	Manifest   scriptintegrity.Manifest `json:"manifest"`
	ApprovalID string                   `json:"approvalId,omitempty"`
}

// packageScript signs a customer-submitted script body and manifest into a
// verifiable scriptintegrity.Package, which becomes the command's params
// so the device can verify both checksum and signature before executing
// it. Returns an error if no signer is configured for this router.
func (r *Router) packageScript(raw json.RawMessage) (json.RawMessage, error) {
	if r.signer == nil {
		return nil, &core.FrameworkError{Op: "router.packageScript", Kind: "router", Message: "script signing is not configured", Err: core.ErrMissingConfiguration}
	}
	var req scriptCommandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &core.FrameworkError{Op: "router.packageScript", Kind: "router", Message: "invalid script command params", Err: err}
	}
	script, err := base64.StdEncoding.DecodeString(req.Script)
	if err != nil {
		return nil, &core.FrameworkError{Op: "router.packageScript", Kind: "router", Message: "script must be base64-encoded", Err: err}
	}
	pkg, err := r.signer.Package(script, req.Manifest, req.ApprovalID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return json.Marshal(pkg)
}

func (r *Router) handleJoinRooms(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	if !r.requireAuthenticated(conn, f.RequestID) {
		return
	}
	for _, room := range f.Rooms {
		if !strings.HasPrefix(room, "chat:") {
			continue
		}
		sessionID := strings.TrimPrefix(room, "chat:")
		owned, err := r.store.ChatSessionOwnedByTenant(ctx, sessionID, conn.TenantID)
		if err != nil || !owned {
			continue
		}
		r.subscribeChannel(ctx, conn.ID, room)
	}
	r.reply(conn.ID, "join_rooms_ack", f.RequestID, map[string]interface{}{"rooms": f.Rooms})
}

func (r *Router) handleChatSubscription(ctx context.Context, conn *connmgr.Connection, f inboundFrame) {
	if !r.requireAuthenticated(conn, f.RequestID) {
		return
	}
	if !strings.HasPrefix(f.Channel, "chat:") {
		r.replyError(conn.ID, f.RequestID, "subscriptions are restricted to chat channels")
		return
	}
	sessionID := strings.TrimPrefix(f.Channel, "chat:")
	owned, err := r.store.ChatSessionOwnedByTenant(ctx, sessionID, conn.TenantID)
	if err != nil {
		r.replyError(conn.ID, f.RequestID, "lookup failed")
		return
	}
	if !owned {
		r.replyError(conn.ID, f.RequestID, "Unauthorized")
		return
	}
	if f.Type == "subscribe" {
		r.subscribeChannel(ctx, conn.ID, f.Channel)
	} else {
		r.unsubscribeChannel(conn.ID, f.Channel)
	}
	r.reply(conn.ID, f.Type+"_ack", f.RequestID, map[string]interface{}{"channel": f.Channel})
}

func (r *Router) requireAuthenticated(conn *connmgr.Connection, requestID string) bool {
	if conn.TenantID == "" {
		r.replyError(conn.ID, requestID, "authentication required")
		return false
	}
	return true
}

func (r *Router) subscribeChannel(ctx context.Context, connID, channel string) {
	r.subMu.Lock()
	sub := r.subs[connID]
	r.subMu.Unlock()

	handler := func(payload []byte) { _ = r.conns.Send(connID, payload) }
	if sub == nil {
		newSub, err := r.bkr.SubscribeMany(ctx, []broker.ChannelHandler{{Channel: channel, Handler: handler}})
		if err != nil {
			r.logger.Warn("router: chat subscribe failed", map[string]interface{}{"channel": channel, "error": err.Error()})
			return
		}
		r.subMu.Lock()
		r.subs[connID] = newSub
		r.subMu.Unlock()
		return
	}
	if err := sub.AddChannel(ctx, channel, handler); err != nil {
		r.logger.Warn("router: chat subscribe failed", map[string]interface{}{"channel": channel, "error": err.Error()})
	}
}

func (r *Router) unsubscribeChannel(connID, channel string) {
	r.subMu.Lock()
	sub := r.subs[connID]
	r.subMu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.RemoveChannel(context.Background(), channel); err != nil {
		r.logger.Warn("router: chat unsubscribe failed", map[string]interface{}{"channel": channel, "error": err.Error()})
	}
}

// onClose tears down every broker subscription the connection accumulated
// and, for device connections, marks the device offline in the catalog
// store. It runs exactly once per connection, after the connection manager
// has already removed it from its registries.
func (r *Router) onClose(conn *connmgr.Connection) {
	r.subMu.Lock()
	sub := r.subs[conn.ID]
	delete(r.subs, conn.ID)
	r.subMu.Unlock()

	if sub != nil {
		if err := sub.Disconnect(); err != nil {
			r.logger.Warn("router: subscription teardown failed", map[string]interface{}{"conn_id": conn.ID, "error": err.Error()})
		}
	}

	if conn.Kind == connmgr.KindDevice {
		if err := r.store.MarkDeviceOffline(context.Background(), conn.ID); err != nil {
			r.logger.Warn("router: failed to mark device offline", map[string]interface{}{"device_id": conn.ID, "error": err.Error()})
		}
	}
}
