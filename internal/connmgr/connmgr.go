// Package connmgr implements the Connection Manager: a registry of client
// WebSocket connections plus visibility-aware broadcast. It owns the only
// path by which clients are evicted, so route handlers and the session
// runtime never touch client sockets directly.
package connmgr

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/coder/websocket"
)

// Sender is satisfied by *websocket.Conn; narrowed so the manager does not
// depend on anything beyond "write a text message, or close".
type Sender interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one registered browser connection.
type Client struct {
	ID          string
	Username    string
	Permissions map[string]bool
	Conn        Sender

	mu       sync.Mutex
	attached map[string]bool // session_id -> attached
}

func newClient(id, username string, permissions map[string]bool, conn Sender) *Client {
	return &Client{ID: id, Username: username, Permissions: permissions, Conn: conn, attached: make(map[string]bool)}
}

// AttachedSessions returns the set of session ids this client is currently
// attached to.
func (c *Client) AttachedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.attached))
	for id := range c.attached {
		out = append(out, id)
	}
	return out
}

func (c *Client) setAttached(sessionID string, attached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attached {
		c.attached[sessionID] = true
	} else {
		delete(c.attached, sessionID)
	}
}

func (c *Client) isAttached(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[sessionID]
}

// SessionView is the minimal session information the visibility filter
// needs: who owns the session and how visible it is. The session store
// provides this without the manager importing the session package, keeping
// the dependency direction leaf-ward.
type SessionView struct {
	Owner      string
	Visibility string // "private", "shared_readonly", "public"
}

// Manager is the Connection Manager. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// Register adds a client to the registry.
func (m *Manager) Register(id, username string, permissions map[string]bool, conn Sender) *Client {
	c := newClient(id, username, permissions, conn)
	m.mu.Lock()
	m.clients[id] = c
	m.mu.Unlock()
	return c
}

// Unregister removes a client without attempting to close its socket (the
// caller already knows the socket is going away).
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

// Get returns the registered client, if any.
func (m *Manager) Get(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Attach marks client_id as attached to sessionID. The attachment decides
// which clients BroadcastToAttached delivers session output to, and is what
// IsAttached reports to callers that admit session input.
func (m *Manager) Attach(clientID, sessionID string) {
	if c, ok := m.Get(clientID); ok {
		c.setAttached(sessionID, true)
	}
}

// Detach clears the attachment.
func (m *Manager) Detach(clientID, sessionID string) {
	if c, ok := m.Get(clientID); ok {
		c.setAttached(sessionID, false)
	}
}

// IsAttached reports whether clientID is currently attached to sessionID.
// Callers that admit input to a session's runtime (stdin, resize) must
// check this themselves; the runtime does not.
func (m *Manager) IsAttached(clientID, sessionID string) bool {
	c, ok := m.Get(clientID)
	if !ok {
		return false
	}
	return c.isAttached(sessionID)
}

// Count returns the number of registered clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// evict removes a client from the registry and best-effort closes its
// socket. Called only after a send failure.
func (m *Manager) evict(id string) {
	m.mu.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if ok {
		c.Conn.Close(websocket.StatusInternalError, "send failed")
	}
}

// SendToClient serializes msg as JSON and writes it to clientID. A failed
// send evicts the client and returns false.
func (m *Manager) SendToClient(ctx context.Context, clientID string, msg interface{}) bool {
	c, ok := m.Get(clientID)
	if !ok {
		return false
	}
	return m.send(ctx, c, msg)
}

func (m *Manager) send(ctx context.Context, c *Client, msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[connmgr] marshal message for client %s: %v", c.ID, err)
		return false
	}
	if err := c.Conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.evict(c.ID)
		return false
	}
	return true
}

// taggedMessage is the shape visibility filtering inspects: an optional
// "user" field for owner-targeted messages, and optional session update
// fields for private-session filtering.
type taggedMessage struct {
	User       string `json:"user,omitempty"`
	Type       string `json:"type,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

func extractTags(msg interface{}) taggedMessage {
	data, err := json.Marshal(msg)
	if err != nil {
		return taggedMessage{}
	}
	var t taggedMessage
	json.Unmarshal(data, &t)
	return t
}

// Broadcast delivers msg to every client for which visibility filtering
// permits it, skipping excludeClientID if non-empty. session, when non-nil,
// is the current record for the session this message concerns (required to
// evaluate private-session filtering); nil means the message carries no
// session context and only the "user" tag (if any) applies.
func (m *Manager) Broadcast(ctx context.Context, msg interface{}, excludeClientID string, session *SessionView) {
	tags := extractTags(msg)

	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for id, c := range m.clients {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if !visible(c, tags, session) {
			continue
		}
		m.send(ctx, c, msg)
	}
}

// BroadcastToAttached delivers msg only to clients currently attached to
// sessionID (c.attached[sessionID] is set via Attach), which is the delivery
// path for session output: a client that has not attached, or has since
// detached, must not receive it.
func (m *Manager) BroadcastToAttached(ctx context.Context, sessionID string, msg interface{}) {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if !c.isAttached(sessionID) {
			continue
		}
		m.send(ctx, c, msg)
	}
}

func visible(c *Client, tags taggedMessage, session *SessionView) bool {
	if tags.User != "" {
		return c.Username == tags.User
	}
	if tags.Type == "session_updated" && session != nil && session.Visibility == "private" {
		if c.Username == session.Owner {
			return true
		}
		return c.Permissions["manage_all_sessions"]
	}
	return true
}
