// Package connmgr implements the Connection Manager: the gateway component
// that owns every live WebSocket connection to a device or customer client,
// enforces per-connection backpressure, and drives the heartbeat/reaper
// lifecycle described for the fleet gateway.
package connmgr

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetops/gateway/core"
)

// Kind distinguishes the classes of peer the gateway talks to.
type Kind string

const (
	KindDevice   Kind = "device"
	KindCustomer Kind = "customer"
	// KindApproval identifies an operator console connection subscribed to
	// pending-approval broadcasts.
	KindApproval Kind = "approval"
	// KindWebPortal identifies a customer-facing web session distinct from
	// a direct API customer connection; it receives the same broadcasts as
	// KindCustomer for its tenant.
	KindWebPortal Kind = "web_portal"
)

// Config controls the queueing and backpressure thresholds for every
// connection managed by a Manager.
type Config struct {
	MaxMessageBytes    int
	MaxQueueEntries    int
	MaxQueueBytes      int
	HighWaterMarkBytes int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
}

// DefaultConfig mirrors core.ConnManagerConfig defaults for standalone use.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:    256 * 1024,
		MaxQueueEntries:    1000,
		MaxQueueBytes:      4 * 1024 * 1024,
		HighWaterMarkBytes: 2 * 1024 * 1024,
		HeartbeatInterval:  core.HeartbeatInterval,
		HeartbeatTimeout:   core.HeartbeatTimeout,
	}
}

// Connection represents one live socket held open by the gateway.
type Connection struct {
	ID       string
	Kind     Kind
	TenantID string
	// PrincipalID identifies the authenticated actor behind the
	// connection: a device id, a customer id, or an operator id. Empty for
	// connections that don't carry one.
	PrincipalID string

	conn   *websocket.Conn
	cfg    Config
	logger core.Logger

	mu         sync.Mutex
	queue      [][]byte
	queueBytes int
	draining   bool
	closed     bool

	lastPong time.Time

	wake chan struct{}
	done chan struct{}
}

// Manager tracks every open Connection and is the single place backpressure,
// broadcast and close-all semantics are implemented.
type Manager struct {
	cfg    Config
	logger core.Logger

	mu    sync.RWMutex
	byID  map[string]*Connection
	byTen map[string]map[string]*Connection

	onMessage func(conn *Connection, msg []byte)
	onClose   func(conn *Connection)
}

// NewManager constructs a Manager with the given configuration. onMessage is
// invoked from the per-connection read goroutine for every inbound frame;
// onClose is invoked once, after the connection is fully torn down.
func NewManager(cfg Config, logger core.Logger, onMessage func(*Connection, []byte), onClose func(*Connection)) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		byID:      make(map[string]*Connection),
		byTen:     make(map[string]map[string]*Connection),
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// SetHandlers (re)binds the onMessage/onClose callbacks. It exists so a
// router that itself depends on other collaborators (which in turn depend
// on this Manager) can be wired in after construction, breaking what would
// otherwise be a construction-order cycle. Must be called before Accept is
// first invoked; it is not safe to call concurrently with dispatch.
func (m *Manager) SetHandlers(onMessage func(*Connection, []byte), onClose func(*Connection)) {
	m.onMessage = onMessage
	m.onClose = onClose
}

func wrapErr(op, id, message string, sentinel error) *core.FrameworkError {
	return &core.FrameworkError{Op: op, Kind: "connmgr", ID: id, Message: message, Err: sentinel}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an HTTP request to a WebSocket connection, registers it
// under the given id/kind/tenant/principal, and starts its read/write
// pumps. The caller is expected to have already authenticated the request.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, id string, kind Kind, tenantID string, principalID string) (*Connection, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, wrapErr("connmgr.Accept", id, "websocket upgrade failed", core.ErrConnectionFailed)
	}

	c := &Connection{
		ID:          id,
		Kind:        kind,
		TenantID:    tenantID,
		PrincipalID: principalID,
		conn:        ws,
		cfg:         m.cfg,
		logger:      m.logger,
		lastPong:    time.Now(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	m.register(c)

	go m.writePump(c)
	go m.readPump(c)
	go m.heartbeat(c)

	return c, nil
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[c.ID]; ok {
		old.closeLocked(websocket.CloseNormalClosure, "replaced by new connection")
	}
	m.byID[c.ID] = c
	tm := m.byTen[c.TenantID]
	if tm == nil {
		tm = make(map[string]*Connection)
		m.byTen[c.TenantID] = tm
	}
	tm[c.ID] = c
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	if existing, ok := m.byID[c.ID]; ok && existing == c {
		delete(m.byID, c.ID)
	}
	if tm, ok := m.byTen[c.TenantID]; ok {
		delete(tm, c.ID)
		if len(tm) == 0 {
			delete(m.byTen, c.TenantID)
		}
	}
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(c)
	}
}

// Get returns the connection registered under id, if any.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Send enqueues payload for delivery to the connection identified by id. It
// enforces per-connection queue-entry count, queue-byte size, and message
// size limits: a full queue sheds its oldest entries to make room for the
// new payload, so only an oversized message or a closed connection fails.
func (m *Manager) Send(id string, payload []byte) error {
	c, ok := m.Get(id)
	if !ok {
		return wrapErr("connmgr.Send", id, "connection not found", core.ErrSessionNotFound)
	}
	return c.enqueue(payload)
}

func (c *Connection) enqueue(payload []byte) error {
	if len(payload) > c.cfg.MaxMessageBytes {
		return wrapErr("connmgr.enqueue", c.ID,
			fmt.Sprintf("message of %d bytes exceeds max %d", len(payload), c.cfg.MaxMessageBytes), core.ErrInvalidConfiguration)
	}
	// A message no queue shape could ever hold is the only other refusal.
	if len(payload) > c.cfg.MaxQueueBytes || c.cfg.MaxQueueEntries < 1 {
		return wrapErr("connmgr.enqueue", c.ID,
			fmt.Sprintf("message of %d bytes cannot fit queue limits", len(payload)), core.ErrConnectionFailed)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wrapErr("connmgr.enqueue", c.ID, "connection closed", core.ErrConnectionFailed)
	}
	// The newest message wins: drop queued entries oldest-first until the
	// new one fits under both the entry and byte limits. The evicted sends
	// were already acknowledged to their callers as queued, so the drop is
	// logged and counted rather than surfaced.
	dropped := 0
	for len(c.queue) > 0 &&
		(len(c.queue)+1 > c.cfg.MaxQueueEntries || c.queueBytes+len(payload) > c.cfg.MaxQueueBytes) {
		head := c.queue[0]
		c.queue = c.queue[1:]
		c.queueBytes -= len(head)
		dropped++
	}
	c.queue = append(c.queue, payload)
	c.queueBytes += len(payload)
	queueBytes := c.queueBytes
	overHighWater := queueBytes > c.cfg.HighWaterMarkBytes
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("send queue full, dropped oldest entries", map[string]interface{}{
			"connection_id": c.ID,
			"dropped":       dropped,
		})
	}
	if overHighWater {
		c.logger.Warn("connection queue above high-water mark", map[string]interface{}{
			"connection_id": c.ID,
			"queue_bytes":   queueBytes,
		})
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// writePump is the single flight draining the outbound queue for a
// connection: only one goroutine ever calls conn.WriteMessage, and it
// yields back to the scheduler between every write so a single slow
// connection cannot monopolize a CPU under heavy queue pressure.
func (m *Manager) writePump(c *Connection) {
	defer func() {
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				msg := c.queue[0]
				c.queue = c.queue[1:]
				c.queueBytes -= len(msg)
				c.mu.Unlock()

				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
				runtime.Gosched()
			}
		}
	}
}

// readPump pumps inbound frames to the manager's onMessage callback and
// tracks pong frames for heartbeat liveness.
func (m *Manager) readPump(c *Connection) {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		m.unregister(c)
	}()

	c.conn.SetReadLimit(int64(c.cfg.MaxMessageBytes))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if m.onMessage != nil {
			m.onMessage(c, data)
		}
	}
}

// heartbeat pings the peer on HeartbeatInterval and force-closes the
// connection if no pong (or other read activity) has been seen within
// HeartbeatTimeout.
func (m *Manager) heartbeat(c *Connection) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPong) > c.cfg.HeartbeatTimeout
			c.mu.Unlock()
			if stale {
				c.close(websocket.CloseGoingAway, "heartbeat timeout")
				m.unregister(c)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseGoingAway, "ping failed")
				m.unregister(c)
				return
			}
		}
	}
}

func (c *Connection) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Connection) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	close(c.done)
}

// BroadcastAll delivers payload to every currently connected socket.
func (m *Manager) BroadcastAll(payload []byte) {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	for _, c := range targets {
		_ = c.enqueue(payload)
	}
}

// BroadcastKind delivers payload to every connection of the given Kind.
func (m *Manager) BroadcastKind(kind Kind, payload []byte) {
	m.mu.RLock()
	targets := make([]*Connection, 0)
	for _, c := range m.byID {
		if c.Kind == kind {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range targets {
		_ = c.enqueue(payload)
	}
}

// BroadcastTenant delivers payload to every connection belonging to tenantID.
func (m *Manager) BroadcastTenant(tenantID string, payload []byte) {
	m.mu.RLock()
	tm := m.byTen[tenantID]
	targets := make([]*Connection, 0, len(tm))
	for _, c := range tm {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	for _, c := range targets {
		_ = c.enqueue(payload)
	}
}

// BroadcastApprovalFanout delivers payload to every KindApproval connection
// (operator consoles watch every tenant) plus every KindCustomer/
// KindWebPortal connection scoped to tenantID. This is the fan-out shape
// the HITL coordinator needs when escalating a pending approval: every
// operator sees it, and the owning tenant's own customer/web sessions see
// it too.
func (m *Manager) BroadcastApprovalFanout(tenantID string, payload []byte) {
	m.mu.RLock()
	targets := make([]*Connection, 0)
	for _, c := range m.byID {
		if c.Kind == KindApproval {
			targets = append(targets, c)
			continue
		}
		if (c.Kind == KindCustomer || c.Kind == KindWebPortal) && c.TenantID == tenantID {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range targets {
		_ = c.enqueue(payload)
	}
}

// CloseAll closes every managed connection with WebSocket close code 1001
// (going away), e.g. during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Stats summarizes the manager's current connection population.
type Stats struct {
	TotalConnections int
	DeviceCount      int
	CustomerCount    int
	TenantCount      int
	TotalQueueBytes  int
}

// Stats returns a point-in-time snapshot of connection counts and queue
// pressure across the manager.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{TotalConnections: len(m.byID), TenantCount: len(m.byTen)}
	for _, c := range m.byID {
		if c.Kind == KindDevice {
			s.DeviceCount++
		} else {
			s.CustomerCount++
		}
		c.mu.Lock()
		s.TotalQueueBytes += c.queueBytes
		c.mu.Unlock()
	}
	return s
}

// Shutdown closes every connection and waits up to ctx's deadline for
// in-flight writes to flush.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.CloseAll()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}
