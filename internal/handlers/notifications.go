package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/control-plane/internal/middleware"
)

// ListNotifications handles GET /api/notifications.
func (d *Deps) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, d.Notify.List(ident.Profile.Username))
}

type notificationActionRequest struct {
	Action string `json:"action"`
	Input  string `json:"input"`
	Masked bool   `json:"masked"`
}

// ActionNotification handles POST /api/notifications/:id/action: records
// approve/input outcomes for an interactive notification. 409 if it was
// already responded to; 400 if it isn't interactive (has no kind set to an
// action-capable type).
func (d *Deps) ActionNotification(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := chi.URLParam(r, "id")
	n, ok := d.Notify.GetByID(ident.Profile.Username, id)
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if !n.IsActive {
		writeError(w, http.StatusConflict, "notification already responded to")
		return
	}
	if n.Kind != "interactive" {
		writeError(w, http.StatusBadRequest, "notification is not interactive")
		return
	}

	var req notificationActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	action := req.Action
	if action == "" {
		action = "approve"
	}
	d.Notify.SetResponse(ident.Profile.Username, id, action, req.Input, req.Masked)
	updated, _ := d.Notify.GetByID(ident.Profile.Username, id)
	writeJSON(w, http.StatusOK, updated)
}

// CancelNotification handles POST /api/notifications/:id/cancel.
func (d *Deps) CancelNotification(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := chi.URLParam(r, "id")
	n, ok := d.Notify.GetByID(ident.Profile.Username, id)
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if !n.IsActive {
		writeError(w, http.StatusConflict, "notification already responded to")
		return
	}
	if n.Kind != "interactive" {
		writeError(w, http.StatusBadRequest, "notification is not interactive")
		return
	}
	d.Notify.SetResponse(ident.Profile.Username, id, "cancel", "", false)
	updated, _ := d.Notify.GetByID(ident.Profile.Username, id)
	writeJSON(w, http.StatusOK, updated)
}
