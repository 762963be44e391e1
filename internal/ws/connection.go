package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection id (UUID)
	Identity  string    // hashed client identifier, from the admit hook
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	reader     io.Reader     // frame source; the poller may buffer ahead of Conn
	fd         int           // socket descriptor registered with the poller
	lastActive atomic.Int64  // unix nanos of the last frame received
	writeMu    sync.Mutex    // serializes writes to this connection
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	resume     chan struct{} // poller fallback: signalled when a read finishes
}

func newConnection(id, identity string, conn net.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Identity:  identity,
		Conn:      conn,
		CreatedAt: now,
		reader:    conn,
		fd:        -1,
		resume:    make(chan struct{}, 1),
	}
	c.touch(now)
	return c
}

func (c *Connection) touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

// LastActive returns when the last frame arrived from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection and closes its socket. It returns false
// if the connection was already gone, so only one caller runs cleanup.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
