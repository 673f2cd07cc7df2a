package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/counselly/edge/internal/identity"
)

// Connection is one relay socket and the identity it was opened with.
type Connection struct {
	ID        string
	Session   identity.SessionData
	Conn      net.Conn
	CreatedAt time.Time

	lastActive atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex
	writeWait  time.Duration
}

func newConnection(id string, conn net.Conn, sd identity.SessionData, writeWait time.Duration) *Connection {
	c := &Connection{
		ID:        id,
		Session:   sd,
		Conn:      conn,
		CreatedAt: time.Now(),
		writeWait: writeWait,
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the last frame was read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a text frame. Writes are serialized per connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeWait > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a goroutine-safe registry of live connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection. It reports false if the
// connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Broadcast writes msg to every live connection, ignoring write errors.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}
