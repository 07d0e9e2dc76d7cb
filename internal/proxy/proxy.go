// Package proxy implements the Service Proxy: the HTTP and Upgrade bridges
// that let a browser reach a TCP service listening on loopback inside a
// session, tunneled over that session's carrier WebSocket.
package proxy

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// SessionView is the minimal session information the proxy needs to
// authorize and address a request, supplied by the session store without
// this package importing it directly.
type SessionView struct {
	SessionID  string
	Owner      string
	Visibility string
	Active     bool
}

// Deps are the callbacks a Proxy needs from the rest of the server. Each is
// narrowed to exactly what this package uses, keeping the dependency
// direction leaf-ward.
type Deps struct {
	// ResolveSessionID resolves an alias or raw id to a session id.
	ResolveSessionID func(aliasOrID string) string

	// LookupActiveSession returns the active session's view, or ok=false if
	// it does not exist or is not active.
	LookupActiveSession func(sessionID string) (SessionView, bool)

	// Authorize reports whether the requesting identity may reach session.
	Authorize func(session SessionView) bool

	// OpenStream opens a new tunnel stream to 127.0.0.1:port within
	// sessionID's carrier. ok=false (via the returned error) when no
	// carrier is registered for the session.
	OpenStream func(ctx context.Context, sessionID string, port int) (io.ReadWriteCloser, error)

	RateLimiter *RateLimiter

	// FirstByteTimeout bounds how long the HTTP proxy waits for the
	// upstream's first response byte before failing with 502.
	FirstByteTimeout time.Duration
}

// Proxy implements the Service Proxy (HTTP) and Service Proxy (Upgrade)
// components described for §4.8/§4.9.
type Proxy struct {
	deps Deps
}

// New constructs a Proxy from its dependencies.
func New(deps Deps) *Proxy {
	if deps.FirstByteTimeout == 0 {
		deps.FirstByteTimeout = 15 * time.Second
	}
	return &Proxy{deps: deps}
}

func newRequestID() string { return uuid.NewString() }
