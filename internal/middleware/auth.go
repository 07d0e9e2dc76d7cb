package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/claworc/control-plane/internal/accounts"
	"github.com/gluk-w/claworc/control-plane/internal/config"
	"github.com/gluk-w/claworc/control-plane/internal/tokens"
)

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionCookieName            = "ts_session"
	accessTokenQuery             = "token"
	accessTokenHeader            = "x-session-token"
	noAuthPromptHeader           = "x-no-auth-prompt"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ActiveSessionLookup reports whether sessionID currently names an active
// session and, if so, its owning username. Supplied by the session store so
// this package does not import it directly.
type ActiveSessionLookup func(sessionID string) (owner string, active bool)

// Auth builds the Router & Auth Middleware: the first-match-wins chain of
// access token, session cookie, and HTTP Basic, falling back to 401 (or a
// fixed identity when authentication is globally disabled).
type Auth struct {
	Tokens        *tokens.Service
	Accounts      *accounts.Store
	LookupSession ActiveSessionLookup
}

// NewAuth constructs an Auth middleware from its dependencies.
func NewAuth(tokenSvc *tokens.Service, accountStore *accounts.Store, lookup ActiveSessionLookup) *Auth {
	return &Auth{Tokens: tokenSvc, Accounts: accountStore, LookupSession: lookup}
}

// Identity is the resolved request identity attached to the context.
type Identity struct {
	Profile   accounts.Profile
	SessionID string // non-empty when identity came from a session-bound access token
}

// Require is the middleware: it resolves identity via the chain described
// for the router, or responds 401.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Cfg.AuthDisabled {
			username := config.Cfg.DefaultUsername
			if basicUser, _, ok := r.BasicAuth(); ok && basicUser != "" {
				username = basicUser
			}
			profile, ok := a.Accounts.Resolve(username)
			if !ok {
				profile = accounts.Profile{Username: username}
			}
			a.serveWithIdentity(w, r, next, Identity{Profile: profile})
			return
		}

		if ident, ok := a.tryAccessToken(r); ok {
			a.serveWithIdentity(w, r, next, ident)
			return
		}

		if ident, ok := a.tryCookie(w, r); ok {
			a.serveWithIdentity(w, r, next, ident)
			return
		}

		if ident, ok := a.tryBasic(w, r); ok {
			a.serveWithIdentity(w, r, next, ident)
			return
		}

		if r.Header.Get(noAuthPromptHeader) != "1" {
			w.Header().Set("WWW-Authenticate", `Basic realm="claworc"`)
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "authentication required"})
	})
}

func (a *Auth) tryAccessToken(r *http.Request) (Identity, bool) {
	token := r.URL.Query().Get(accessTokenQuery)
	if token == "" {
		token = r.Header.Get(accessTokenHeader)
	}
	if token == "" {
		return Identity{}, false
	}

	payload, ok := a.Tokens.VerifyAccessToken(token)
	if !ok {
		return Identity{}, false
	}
	owner, active := a.LookupSession(payload.SessionID)
	if !active {
		return Identity{}, false
	}

	profile, ok := a.Accounts.Resolve(owner)
	if !ok {
		profile = accounts.Profile{Username: owner}
	}
	return Identity{Profile: profile, SessionID: payload.SessionID}, true
}

func (a *Auth) tryCookie(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Identity{}, false
	}
	payload, ok := a.Tokens.VerifyCookie(cookie.Value)
	if !ok {
		return Identity{}, false
	}

	profile, ok := a.Accounts.Resolve(payload.Username)
	if !ok {
		profile = accounts.Profile{Username: payload.Username}
	}

	refreshed, exp := a.Tokens.IssueCookie(payload.Username, 0)
	setSessionCookie(w, r, refreshed, exp)

	return Identity{Profile: profile}, true
}

func (a *Auth) tryBasic(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return Identity{}, false
	}
	if !a.Accounts.VerifyPassword(username, password) {
		return Identity{}, false
	}

	profile, ok := a.Accounts.Resolve(username)
	if !ok {
		profile = accounts.Profile{Username: username}
	}

	cookie, exp := a.Tokens.IssueCookie(username, 0)
	setSessionCookie(w, r, cookie, exp)

	return Identity{Profile: profile}, true
}

// isHTTPSRequest reports whether r reached the service over TLS, directly
// or via a reverse proxy that terminates it and says so in
// X-Forwarded-Proto (trusted per the listener config).
func isHTTPSRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// setSessionCookie sets ts_session with SameSite=None; Secure whenever the
// request is HTTPS-terminated (directly or behind a proxy), so a
// cross-site embed carrying ?token= still gets a cookie the browser will
// send back. Any other request (plain HTTP, e.g. local development) gets
// SameSite=Lax, with Secure taken from config.Cfg.CookieSecure.
func setSessionCookie(w http.ResponseWriter, r *http.Request, value string, exp time.Time) {
	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
	}
	if isHTTPSRequest(r) {
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true
	} else {
		cookie.SameSite = http.SameSiteLaxMode
		cookie.Secure = config.Cfg.CookieSecure
	}
	http.SetCookie(w, cookie)
}

func (a *Auth) serveWithIdentity(w http.ResponseWriter, r *http.Request, next http.Handler, ident Identity) {
	ctx := context.WithValue(r.Context(), userContextKey, ident)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// RequirePermission gates a route on a single resolved permission key.
func RequirePermission(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := GetIdentity(r)
			if ident == nil || !ident.Profile.Permissions[key] {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "permission denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentity retrieves the resolved identity set by Auth.Require.
func GetIdentity(r *http.Request) *Identity {
	ident, _ := r.Context().Value(userContextKey).(Identity)
	if ident.Profile.Username == "" {
		return nil
	}
	return &ident
}

// WithIdentity returns a new context with the given identity set. Useful
// for testing handlers in isolation.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, userContextKey, ident)
}
