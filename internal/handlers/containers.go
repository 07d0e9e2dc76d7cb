package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gluk-w/claworc/control-plane/internal/middleware"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
)

type containerView struct {
	SessionID     string `json:"session_id"`
	ContainerName string `json:"container_name"`
	Owner         string `json:"owner"`
}

func containerSessions(d *Deps) []*sessionstore.Session {
	var out []*sessionstore.Session
	for _, sess := range d.Sessions.GetActiveSessions() {
		if sess.IsolationMode == sessionstore.IsolationContainer && sess.ContainerName != "" {
			out = append(out, sess)
		}
	}
	return out
}

// ListContainers handles GET /api/containers: every container-isolated
// session visible to the caller.
func (d *Deps) ListContainers(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	out := []containerView{}
	for _, sess := range containerSessions(d) {
		if canView(ident.Profile.Username, ident.Profile.Permissions, sess) {
			out = append(out, containerView{SessionID: sess.SessionID, ContainerName: sess.ContainerName, Owner: sess.CreatedBy})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

func (d *Deps) lookupContainerSession(w http.ResponseWriter, r *http.Request, sessionID string) (*sessionstore.Session, bool) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	id := d.Sessions.ResolveIDFromAliasOrID(sessionID)
	sess, ok := d.Sessions.GetSession(id)
	if !ok || sess.IsolationMode != sessionstore.IsolationContainer {
		writeError(w, http.StatusNotFound, "container session not found")
		return nil, false
	}
	if !ident.Profile.Permissions["sandbox_login"] && sess.CreatedBy != ident.Profile.Username {
		writeError(w, http.StatusForbidden, "access denied")
		return nil, false
	}
	return sess, true
}

// LookupContainer handles GET /api/containers/lookup?session_id=….
func (d *Deps) LookupContainer(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.lookupContainerSession(w, r, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, containerView{SessionID: sess.SessionID, ContainerName: sess.ContainerName, Owner: sess.CreatedBy})
}

// AttachContainer handles POST /api/containers/attach: confirms the
// container is reachable. Interactive I/O happens over the client
// WebSocket's attach message, not over this REST call.
func (d *Deps) AttachContainer(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sess, ok := d.lookupContainerSession(w, r, req.SessionID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, containerView{SessionID: sess.SessionID, ContainerName: sess.ContainerName, Owner: sess.CreatedBy})
}

type execRequest struct {
	SessionID string   `json:"session_id"`
	Command   []string `json:"command"`
}

// ExecContainer handles POST /api/containers/exec: runs a one-off command
// inside the session's container and returns its captured output.
func (d *Deps) ExecContainer(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sess, ok := d.lookupContainerSession(w, r, req.SessionID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	execSess, err := d.Runtime.Exec(ctx, sess.ContainerName, req.Command)
	if err != nil {
		writeError(w, http.StatusBadGateway, "exec failed: "+err.Error())
		return
	}
	defer execSess.Close()
	execSess.Stdin.Close()

	buf := make([]byte, 64*1024)
	n, _ := execSess.Stdout.Read(buf)
	writeJSON(w, http.StatusOK, map[string]string{"output": string(buf[:n])})
}

// StopContainer handles POST /api/containers/stop.
func (d *Deps) StopContainer(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil || !ident.Profile.Permissions["terminate_containers"] {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}
	var req sessionIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id := d.Sessions.ResolveIDFromAliasOrID(req.SessionID)
	sess, ok := d.Sessions.GetSession(id)
	if !ok || sess.IsolationMode != sessionstore.IsolationContainer {
		writeError(w, http.StatusNotFound, "container session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := d.Runtime.Stop(ctx, sess.ContainerName); err != nil {
		writeError(w, http.StatusBadGateway, "stop failed: "+err.Error())
		return
	}
	d.Sessions.TerminateSession(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// TerminateAllContainers handles POST /api/containers/terminate-all: bulk
// cleanup, gated on terminate_containers.
func (d *Deps) TerminateAllContainers(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil || !ident.Profile.Permissions["terminate_containers"] {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	stopped := 0
	for _, sess := range containerSessions(d) {
		if err := d.Runtime.Stop(ctx, sess.ContainerName); err == nil {
			d.Sessions.TerminateSession(sess.SessionID)
			stopped++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}
