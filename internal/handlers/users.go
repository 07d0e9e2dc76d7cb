package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/control-plane/internal/accounts"
	"github.com/gluk-w/claworc/control-plane/internal/middleware"
)

type resetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// ResetPassword handles POST /api/user/reset-password: gated by the
// password_reset_enabled feature flag, requires the request to have
// authenticated via Basic for the identity it is changing (not a cookie or
// access token), and rejects setting the same password again.
func (d *Deps) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !ident.Profile.Features["password_reset_enabled"] {
		writeError(w, http.StatusForbidden, "password reset is disabled")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok || username != ident.Profile.Username || !d.Accounts.VerifyPassword(username, password) {
		writeError(w, http.StatusUnauthorized, "current password verification required")
		return
	}

	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "new_password is required")
		return
	}
	if req.NewPassword == password {
		writeError(w, http.StatusConflict, "new password must differ from the current password")
		return
	}

	hash, err := accounts.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := d.Accounts.SetPassword(username, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}
