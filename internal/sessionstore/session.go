// Package sessionstore implements the Session Store: the in-memory registry
// of live and recently-terminated terminal sessions, alias resolution, and
// the glue that wires a Session record to its underlying Session Runtime.
package sessionstore

import (
	"time"

	"github.com/gluk-w/claworc/control-plane/internal/termsession"
)

// Visibility controls which clients may observe a session's broadcasts.
type Visibility string

const (
	VisibilityPrivate        Visibility = "private"
	VisibilitySharedReadonly Visibility = "shared_readonly"
	VisibilityPublic         Visibility = "public"
)

// IsolationMode describes how the session's process is sandboxed from the
// host. The runtime adapter interprets this; the store only records it.
type IsolationMode string

const (
	IsolationNone      IsolationMode = "none"
	IsolationDirectory IsolationMode = "directory"
	IsolationContainer IsolationMode = "container"
)

// Session is one terminal session's metadata record. The live PTY state
// machine lives in Runtime; this struct is what gets persisted, listed, and
// broadcast.
type Session struct {
	SessionID string `json:"session_id"`
	Alias     string `json:"alias,omitempty"`

	CreatedBy      string     `json:"created_by"`
	Visibility     Visibility `json:"visibility"`
	Workspace      string     `json:"workspace"`
	WorkspaceOrder int        `json:"workspace_order"`

	Title        string `json:"title,omitempty"`
	DynamicTitle string `json:"dynamic_title,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
	ExitCode  *int      `json:"exit_code,omitempty"`

	TemplateID         string            `json:"template_id,omitempty"`
	TemplateParameters map[string]string `json:"template_parameters,omitempty"`
	IsolationMode      IsolationMode     `json:"isolation_mode"`
	ContainerName      string            `json:"container_name,omitempty"`
	ParentSessionID    string            `json:"parent_session_id,omitempty"`
	ChildTabType       string            `json:"child_tab_type,omitempty"`
	ShowInSidebar      bool              `json:"show_in_sidebar"`

	Runtime *termsession.Runtime `json:"-"`
}

// CreateOptions describes a new session request.
type CreateOptions struct {
	Alias              string
	CreatedBy          string
	Visibility         Visibility
	Workspace          string
	WorkspaceOrder     int
	Title              string
	TemplateID         string
	TemplateParameters map[string]string
	IsolationMode      IsolationMode
	ContainerName      string
	ParentSessionID    string
	ChildTabType       string
	ShowInSidebar      bool

	Shell          string
	Args           []string
	Dir            string
	Env            []string
	Cols, Rows     uint16
	HistoryLines   int
	TranscriptPath string

	OnOutput    func(sessionID string, data []byte)
	OnTerminate func(session *Session)
}
