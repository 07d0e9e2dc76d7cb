package handlers

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// TunnelCarrier handles WS /api/sessions/:sid/tunnel?token=…: registers the
// per-session carrier used by the service proxy. Authorization is the
// access token alone (§4.7), not the router's cookie/Basic chain, since the
// in-session helper that dials this endpoint has no browser session.
func (d *Deps) TunnelCarrier(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	id := d.Sessions.ResolveIDFromAliasOrID(sid)

	token := r.URL.Query().Get("token")
	payload, ok := d.Tokens.VerifyAccessToken(token)
	if !ok || payload.SessionID != id {
		writeError(w, http.StatusUnauthorized, "invalid or mismatched tunnel token")
		return
	}
	sess, ok := d.Sessions.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}

	carrier := d.Tunnels.Register(r.Context(), sess.SessionID, conn)
	d.Audit.LogTunnelStreamOpen(sess.SessionID, sess.CreatedBy, "")

	<-r.Context().Done()
	_ = carrier
}
