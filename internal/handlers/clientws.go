package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gluk-w/claworc/control-plane/internal/connmgr"
	"github.com/gluk-w/claworc/control-plane/internal/middleware"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
)

// clientMessage is the inbound shape for every client WebSocket message
// type; fields not relevant to a given type are simply left zero.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	Title     string `json:"title"`
}

// ClientWebSocket handles WS /{clientID}: the browser's multiplexed
// control connection. Identity has already been resolved by the router's
// Require middleware (the browser's session cookie travels with the
// upgrade request like any other same-origin request).
func (d *Deps) ClientWebSocket(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := d.Conns.Register(clientID, ident.Profile.Username, ident.Profile.Permissions, conn)
	defer d.Conns.Unregister(clientID)

	ctx := r.Context()
	d.Conns.SendToClient(ctx, clientID, map[string]string{"type": "auth_success", "client_id": clientID})

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		d.handleClientMessage(ctx, clientID, client, ident, &msg)
	}

	for _, sessionID := range client.AttachedSessions() {
		d.Conns.Detach(clientID, sessionID)
	}
}

func (d *Deps) handleClientMessage(ctx context.Context, clientID string, client *connmgr.Client, ident *middleware.Identity, msg *clientMessage) {
	switch msg.Type {
	case "stdin":
		d.handleStdin(clientID, ident, msg)
	case "resize":
		d.handleResize(ident, msg)
	case "attach":
		d.handleAttach(clientID, ident, msg)
	case "detach":
		d.handleDetach(clientID, msg)
	case "title_set":
		d.handleTitleSet(ident, msg)
	case "ping":
		// control ping: no reply payload required beyond the WS-level pong.
	}
}

func (d *Deps) sessionForClient(username string, perms map[string]bool, sessionID string) (*sessionstore.Session, bool) {
	id := d.Sessions.ResolveIDFromAliasOrID(sessionID)
	sess, ok := d.Sessions.GetSession(id)
	if !ok || !canView(username, perms, sess) {
		return nil, false
	}
	return sess, true
}

func (d *Deps) handleStdin(clientID string, ident *middleware.Identity, msg *clientMessage) {
	sess, ok := d.sessionForClient(ident.Profile.Username, ident.Profile.Permissions, msg.SessionID)
	if !ok {
		return
	}
	// WriteInput trusts the caller to have already checked attachment; a
	// viewer that only canView's the session (but never attached) must not
	// be able to drive its PTY.
	if !d.Conns.IsAttached(clientID, sess.SessionID) {
		return
	}
	sess.Runtime.WriteInput([]byte(msg.Data))
}

func (d *Deps) handleResize(ident *middleware.Identity, msg *clientMessage) {
	sess, ok := d.sessionForClient(ident.Profile.Username, ident.Profile.Permissions, msg.SessionID)
	if !ok {
		return
	}
	sess.Runtime.Resize(msg.Cols, msg.Rows)
}

func (d *Deps) handleAttach(clientID string, ident *middleware.Identity, msg *clientMessage) {
	sess, ok := d.sessionForClient(ident.Profile.Username, ident.Profile.Permissions, msg.SessionID)
	if !ok {
		return
	}
	d.Conns.Attach(clientID, sess.SessionID)
}

func (d *Deps) handleDetach(clientID string, msg *clientMessage) {
	d.Conns.Detach(clientID, msg.SessionID)
}

func (d *Deps) handleTitleSet(ident *middleware.Identity, msg *clientMessage) {
	sess, ok := d.sessionForClient(ident.Profile.Username, ident.Profile.Permissions, msg.SessionID)
	if !ok {
		return
	}
	sess.Title = msg.Title
	d.broadcastSessionUpdate("updated", sess)
}
