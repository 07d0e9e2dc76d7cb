// Package handlers implements the HTTP and WebSocket route surface: session
// CRUD, history replay, container ops, interactive notification responses,
// password reset, and the two WebSocket endpoints (browser client and
// per-session tunnel carrier). It composes the other internal packages
// rather than owning any state itself.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gluk-w/claworc/control-plane/internal/accounts"
	"github.com/gluk-w/claworc/control-plane/internal/audit"
	"github.com/gluk-w/claworc/control-plane/internal/connmgr"
	"github.com/gluk-w/claworc/control-plane/internal/containerrt"
	"github.com/gluk-w/claworc/control-plane/internal/notify"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
	"github.com/gluk-w/claworc/control-plane/internal/tokens"
	"github.com/gluk-w/claworc/control-plane/internal/tunnel"
	"github.com/gluk-w/claworc/control-plane/internal/workspace"
)

// Deps are every dependency the route handlers need, composed once in
// main and shared across requests.
type Deps struct {
	Sessions  *sessionstore.Store
	Conns     *connmgr.Manager
	Tunnels   *tunnel.Manager
	Notify    *notify.Store
	Workspace *workspace.Store
	Runtime   containerrt.Runtime
	Tokens    *tokens.Service
	Accounts  *accounts.Store
	Audit     *audit.Auditor

	// ShuttingDown is set to true by the shutdown sequence; REST handlers
	// that create new work consult it and refuse with 503.
	ShuttingDown *atomic.Bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer io.Copy(io.Discard, r.Body)
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *Deps) refuseIfShuttingDown(w http.ResponseWriter) bool {
	if d.ShuttingDown != nil && d.ShuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return true
	}
	return false
}
