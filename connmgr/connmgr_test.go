package connmgr

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/gateway/core"
)

func startServer(t *testing.T, m *Manager, kind Kind) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		_, err := m.Accept(w, r, id, kind, "tenant-1", id)
		require.NoError(t, err)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	url := "ws" + srv.URL[len("http"):] + "/?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestManagerSendDeliversToClient(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager(cfg, nil, nil, nil)
	srv := startServer(t, m, KindDevice)
	conn := dial(t, srv, "dev-1")

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Send("dev-1", []byte("hello")))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestManagerSendUnknownConnection(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	err := m.Send("missing", []byte("x"))
	require.Error(t, err)
}

func TestManagerRejectsOversizedMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageBytes = 4
	m := NewManager(cfg, nil, nil, nil)
	srv := startServer(t, m, KindDevice)
	dial(t, srv, "dev-2")
	time.Sleep(20 * time.Millisecond)

	err := m.Send("dev-2", []byte("toolong"))
	require.Error(t, err)
}

// TestBackpressureDropsOldestWhenStalled models a peer whose transport has
// stalled: nothing drains, fifteen 50 KiB messages arrive, and the queue
// holds exactly ten at any instant with the overflow shed oldest-first.
func TestBackpressureDropsOldestWhenStalled(t *testing.T) {
	cfg := Config{
		MaxMessageBytes:    100 * 1024,
		MaxQueueEntries:    10,
		MaxQueueBytes:      512 * 1024,
		HighWaterMarkBytes: 256 * 1024,
	}
	// No pumps are started, so the queue never drains: the stalled-peer
	// case without needing a real socket.
	c := &Connection{
		ID:     "dev-stalled",
		cfg:    cfg,
		logger: &core.NoOpLogger{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	payload := func(i int) []byte {
		b := make([]byte, 50*1024)
		b[0] = byte(i)
		return b
	}
	for i := 1; i <= 15; i++ {
		require.NoError(t, c.enqueue(payload(i)))
		assert.LessOrEqual(t, len(c.queue), 10)
		assert.LessOrEqual(t, c.queueBytes, 512*1024)
	}

	// Messages 1-5 were evicted; 6-15 remain in arrival order.
	require.Len(t, c.queue, 10)
	assert.Equal(t, 10*50*1024, c.queueBytes)
	assert.Equal(t, byte(6), c.queue[0][0])
	assert.Equal(t, byte(15), c.queue[9][0])
}

func TestEnqueueRefusesMessageThatCanNeverFit(t *testing.T) {
	cfg := Config{
		MaxMessageBytes: 100 * 1024,
		MaxQueueEntries: 10,
		MaxQueueBytes:   8 * 1024,
	}
	c := &Connection{
		ID:     "dev-tiny-queue",
		cfg:    cfg,
		logger: &core.NoOpLogger{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	// Under MaxMessageBytes but over the whole queue's byte budget: no
	// amount of eviction makes room, so the send fails.
	err := c.enqueue(make([]byte, 16*1024))
	require.Error(t, err)
	assert.Empty(t, c.queue)
}

func TestManagerStatsCountsByKind(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	srv := startServer(t, m, KindDevice)
	dial(t, srv, "dev-3")
	dial(t, srv, "dev-4")
	time.Sleep(20 * time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.DeviceCount)
}

func TestManagerBroadcastTenant(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	srv := startServer(t, m, KindCustomer)
	conn := dial(t, srv, "cust-1")
	time.Sleep(20 * time.Millisecond)

	m.BroadcastTenant("tenant-1", []byte("notice"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "notice", string(data))
}
