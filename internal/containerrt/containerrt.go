// Package containerrt defines the narrow container isolation boundary used
// by the session and container HTTP handlers when a resolved template's
// isolation_mode is "container", and ships one concrete Docker-backed
// implementation of it.
package containerrt

import (
	"context"
	"io"
)

// Runtime starts, stops, and execs into one isolated container per session.
// It does not know about sessions, templates, or workspaces; its callers are
// internal/handlers and the shutdown sequence in main.
type Runtime interface {
	// Start creates and starts a container for a session, returning its
	// runtime-assigned name.
	Start(ctx context.Context, spec StartSpec) (string, error)
	// Stop stops and removes a previously started container.
	Stop(ctx context.Context, name string) error
	// Exec runs cmd inside the named container and streams its combined
	// stdio through the returned session.
	Exec(ctx context.Context, name string, cmd []string) (*ExecSession, error)
	// Wait blocks until the named container exits, returning its exit code.
	Wait(ctx context.Context, name string) (int, error)
}

// StartSpec describes a container to create for one session.
type StartSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

// ExecSession is an interactive exec attached to a running container.
type ExecSession struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
}
