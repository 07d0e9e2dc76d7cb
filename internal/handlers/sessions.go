package handlers

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gluk-w/claworc/control-plane/internal/config"
	"github.com/gluk-w/claworc/control-plane/internal/connmgr"
	"github.com/gluk-w/claworc/control-plane/internal/containerrt"
	"github.com/gluk-w/claworc/control-plane/internal/middleware"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
)

// canView reports whether ident may see sess in listings and broadcasts:
// its owner, anyone if it is public or shared_readonly, or an admin with
// manage_all_sessions.
func canView(username string, perms map[string]bool, sess *sessionstore.Session) bool {
	if sess.CreatedBy == username {
		return true
	}
	if sess.Visibility == sessionstore.VisibilityPublic || sess.Visibility == sessionstore.VisibilitySharedReadonly {
		return true
	}
	return perms["manage_all_sessions"]
}

func toConnView(sess *sessionstore.Session) *connmgr.SessionView {
	return &connmgr.SessionView{Owner: sess.CreatedBy, Visibility: string(sess.Visibility)}
}

type sessionUpdate struct {
	Type       string                `json:"type"`
	Action     string                `json:"action"`
	SessionID  string                `json:"session_id"`
	Visibility string                `json:"visibility,omitempty"`
	User       string                `json:"user,omitempty"`
	Session    *sessionstore.Session `json:"session,omitempty"`
}

func (d *Deps) broadcastSessionUpdate(action string, sess *sessionstore.Session) {
	msg := sessionUpdate{Type: "session_updated", Action: action, SessionID: sess.SessionID, Visibility: string(sess.Visibility), Session: sess}
	d.Conns.Broadcast(context.Background(), msg, "", toConnView(sess))
}

// ListSessions handles GET /api/sessions: every active session visible to
// the caller, in no particular order.
func (d *Deps) ListSessions(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	all := d.Sessions.GetActiveSessions()
	out := make([]*sessionstore.Session, 0, len(all))
	for _, sess := range all {
		if canView(ident.Profile.Username, ident.Profile.Permissions, sess) {
			out = append(out, sess)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// createSessionRequest is the POST /api/sessions body: either a template_id
// to resolve via the workspace store, or a direct command.
type createSessionRequest struct {
	Alias          string            `json:"alias"`
	Visibility     string            `json:"visibility"`
	Workspace      string            `json:"workspace"`
	WorkspaceOrder int               `json:"workspace_order"`
	Title          string            `json:"title"`
	TemplateID     string            `json:"template_id"`
	Shell          string            `json:"shell"`
	Args           []string          `json:"args"`
	Dir            string            `json:"dir"`
	Env            map[string]string `json:"env"`
	Cols           uint16            `json:"cols"`
	Rows           uint16            `json:"rows"`
}

// CreateSession handles POST /api/sessions: creates a session either from a
// workspace template or a directly-specified command, applying container
// isolation when the resolved template calls for it.
func (d *Deps) CreateSession(w http.ResponseWriter, r *http.Request) {
	if d.refuseIfShuttingDown(w) {
		return
	}
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	visibility := sessionstore.Visibility(req.Visibility)
	if visibility == "" {
		visibility = sessionstore.VisibilityPrivate
	}

	opts := sessionstore.CreateOptions{
		Alias:          req.Alias,
		CreatedBy:      ident.Profile.Username,
		Visibility:     visibility,
		Workspace:      req.Workspace,
		WorkspaceOrder: req.WorkspaceOrder,
		Title:          req.Title,
		TemplateID:     req.TemplateID,
		Shell:          req.Shell,
		Args:           req.Args,
		Dir:            req.Dir,
		Cols:           req.Cols,
		Rows:           req.Rows,
		HistoryLines:   config.Cfg.TerminalHistoryLines,
	}
	for k, v := range req.Env {
		opts.Env = append(opts.Env, k+"="+v)
	}

	if req.TemplateID != "" {
		if !ident.Profile.Permissions["sandbox_login"] {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		resolved, err := d.Workspace.Resolve(req.TemplateID, ident.Profile.Username)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Shell = resolved.Command
		opts.Args = resolved.Args
		for k, v := range resolved.Parameters {
			opts.Env = append(opts.Env, k+"="+v)
		}
		opts.IsolationMode = sessionstore.IsolationMode(resolved.IsolationMode)

		if opts.IsolationMode == sessionstore.IsolationContainer {
			containerName := "ts-" + uuid.NewString()[:12]
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			env := map[string]string{}
			for k, v := range resolved.Parameters {
				env[k] = v
			}
			if _, err := d.Runtime.Start(ctx, containerrt.StartSpec{
				Name:    containerName,
				Image:   resolved.ContainerImage,
				Command: []string{"sleep", "infinity"},
				Env:     env,
			}); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to start container: "+err.Error())
				return
			}
			opts.ContainerName = containerName
			execArgs := append([]string{"exec", "-it", containerName}, append([]string{resolved.Command}, resolved.Args...)...)
			opts.Shell = "docker"
			opts.Args = execArgs
		}
	}

	if opts.TranscriptPath == "" && config.Cfg.TerminalRecordingDir != "" {
		opts.TranscriptPath = filepath.Join(config.Cfg.TerminalRecordingDir, uuid.NewString()+".log")
	}

	containerName := opts.ContainerName
	isolation := opts.IsolationMode
	runtime := d.Runtime
	opts.OnOutput = func(sessionID string, data []byte) {
		d.Conns.BroadcastToAttached(context.Background(), sessionID, map[string]interface{}{
			"type":       "output",
			"session_id": sessionID,
			"data":       string(data),
		})
	}
	opts.OnTerminate = func(sess *sessionstore.Session) {
		d.Audit.LogSessionTerminate(sess.SessionID, sess.CreatedBy, "")
		d.broadcastSessionUpdate("terminated", sess)
		if isolation == sessionstore.IsolationContainer && containerName != "" && runtime != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			runtime.Stop(ctx, containerName)
		}
	}

	sess, err := d.Sessions.CreateSession(opts)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	d.Audit.LogSessionCreate(sess.SessionID, ident.Profile.Username, sess.TemplateID)
	d.broadcastSessionUpdate("created", sess)
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /api/sessions/:id.
func (d *Deps) GetSession(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := d.Sessions.ResolveIDFromAliasOrID(chi.URLParam(r, "id"))
	sess, ok := d.Sessions.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !canView(ident.Profile.Username, ident.Profile.Permissions, sess) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// TerminateSession handles POST /api/sessions/:id/terminate.
func (d *Deps) TerminateSession(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := d.Sessions.ResolveIDFromAliasOrID(chi.URLParam(r, "id"))
	sess, ok := d.Sessions.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.CreatedBy != ident.Profile.Username && !ident.Profile.Permissions["manage_all_sessions"] {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	if err := d.Sessions.TerminateSession(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminating"})
}

// StreamHistory handles GET /api/sessions/:id/history/raw: a snapshot of
// the session's ring-buffered transcript, honoring ?since_offset=N or a
// Range: bytes=N- header (equivalent, both addressing the true stream
// offset rather than the returned body's own length).
func (d *Deps) StreamHistory(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := d.Sessions.ResolveIDFromAliasOrID(chi.URLParam(r, "id"))
	sess, ok := d.Sessions.GetSessionIncludingTerminated(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !canView(ident.Profile.Username, ident.Profile.Permissions, sess) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	ring := sess.Runtime.Ring()
	if ring == nil {
		writeError(w, http.StatusNotFound, "history is disabled for this session")
		return
	}

	var offset int64 = -1
	if v := r.URL.Query().Get("since_offset"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
			spec := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
			if parsed, err := strconv.ParseInt(spec, 10, 64); err == nil {
				offset = parsed
			}
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if offset >= 0 {
		data, newOffset := ring.SinceOffset(offset)
		w.Header().Set("X-Stream-Offset", strconv.FormatInt(newOffset, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(data))))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data)
		return
	}

	data := ring.Snapshot()
	w.Header().Set("X-Stream-Offset", strconv.FormatInt(ring.TotalWritten(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
