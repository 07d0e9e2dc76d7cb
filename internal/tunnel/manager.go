// Package tunnel implements the Tunnel Manager: a single carrier WebSocket
// per session multiplexing many duplex byte streams to loopback TCP ports
// inside the session, via a small binary frame protocol plus a JSON control
// channel on the same connection.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/coder/websocket"
)

// controlMessage is the shape of text-frame control JSON, both directions.
// Outbound uses Type/ID/Host/Port; inbound err uses Type/ID/Message. Other
// inbound types are tolerated and ignored.
type controlMessage struct {
	Type    string `json:"type"`
	ID      uint32 `json:"id,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Message string `json:"message,omitempty"`
}

// Carrier is the one WebSocket connection per session that multiplexes all
// of that session's proxied streams.
type Carrier struct {
	sessionID string
	conn      *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool
}

func newCarrier(sessionID string, conn *websocket.Conn) *Carrier {
	return &Carrier{
		sessionID: sessionID,
		conn:      conn,
		streams:   make(map[uint32]*Stream),
	}
}

// allocID returns the next monotonic 31-bit stream id, skipping zero and
// wrapping back to 1 rather than into the sign bit.
func (c *Carrier) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID == 0 || c.nextID > 0x7fffffff {
		c.nextID = 1
	}
	return c.nextID
}

// OpenStream validates port, allocates a stream id, registers a duplex
// stream, and sends the control "open" message requesting the in-session
// helper connect to 127.0.0.1:port.
func (c *Carrier) OpenStream(ctx context.Context, port int) (*Stream, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("tunnel: port %d out of range", port)
	}

	id := c.allocID()
	st := newStream(id, c)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("tunnel: carrier for session %s is closed", c.sessionID)
	}
	c.streams[id] = st
	c.mu.Unlock()

	msg := controlMessage{Type: "open", ID: id, Host: "127.0.0.1", Port: port}
	data, err := json.Marshal(msg)
	if err != nil {
		c.releaseStream(id)
		return nil, err
	}

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.releaseStream(id)
		return nil, fmt.Errorf("tunnel: send open control: %w", err)
	}

	return st, nil
}

func (c *Carrier) sendBinary(ctx context.Context, typ byte, streamID uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, encodeFrame(typ, streamID, payload))
}

func (c *Carrier) releaseStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Carrier) getStream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	return st, ok
}

// readLoop consumes frames until the connection closes or errors, then
// tears every stream down. It is started once by Manager.Register and runs
// for the carrier's lifetime.
func (c *Carrier) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.teardown(err)
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleControl(data)
		case websocket.MessageBinary:
			c.handleBinary(data)
		}
	}
}

func (c *Carrier) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "err":
		if st, ok := c.getStream(msg.ID); ok {
			st.end(fmt.Errorf("tunnel: %s", msg.Message))
			c.releaseStream(msg.ID)
		}
	default:
		// Forward-compatible: "hello" and any other control type is
		// tolerated and ignored.
	}
}

func (c *Carrier) handleBinary(data []byte) {
	typ, streamID, payload, ok := decodeFrame(data)
	if !ok {
		return
	}
	st, ok := c.getStream(streamID)
	if !ok {
		// End-frames (and stray data) for unknown ids are no-ops.
		return
	}
	switch typ {
	case frameTypeData:
		st.deliver(append([]byte(nil), payload...))
	case frameTypeEnd:
		st.end(nil)
		c.releaseStream(streamID)
	}
}

// teardown ends every active stream with err and marks the carrier closed.
func (c *Carrier) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.streams = make(map[uint32]*Stream)
	c.mu.Unlock()

	for _, st := range streams {
		st.end(err)
	}
}

// Manager tracks at most one Carrier per session.
type Manager struct {
	mu       sync.Mutex
	carriers map[string]*Carrier
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{carriers: make(map[string]*Carrier)}
}

// Register installs ws as the carrier for sessionID, replacing (and closing
// with code 1012, "replaced") any prior carrier for that session. The
// returned Carrier's read loop is already running in the background.
func (m *Manager) Register(ctx context.Context, sessionID string, ws *websocket.Conn) *Carrier {
	carrier := newCarrier(sessionID, ws)

	m.mu.Lock()
	prior, hadPrior := m.carriers[sessionID]
	m.carriers[sessionID] = carrier
	m.mu.Unlock()

	if hadPrior {
		prior.teardown(fmt.Errorf("tunnel: replaced by new carrier registration"))
		if err := prior.conn.Close(websocket.StatusCode(1012), "replaced"); err != nil {
			log.Printf("[tunnel] session %s: close prior carrier: %v", sessionID, err)
		}
	}

	go carrier.readLoop(ctx)
	return carrier
}

// Get returns the registered carrier for a session, if any.
func (m *Manager) Get(sessionID string) (*Carrier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carriers[sessionID]
	return c, ok
}

// Remove drops the registry entry for a session (used once a session is
// known to be terminated).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	c, ok := m.carriers[sessionID]
	delete(m.carriers, sessionID)
	m.mu.Unlock()
	if ok {
		c.teardown(fmt.Errorf("tunnel: session removed"))
	}
}
