package sessionstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/claworc/control-plane/internal/termsession"
)

// maxTerminatedRetained bounds the terminated-set so a long-running server
// does not accumulate metadata forever between GC sweeps.
const maxTerminatedRetained = 2000

// Store is the Session Store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	sessions   map[string]*Session // session_id -> session, active only
	aliases    map[string]string   // alias -> session_id, active only
	terminated map[string]*Session // session_id -> session, bounded

	metadataDir string
}

// New creates an empty Store. metadataDir, if non-empty, is where
// saveTerminatedSessionMetadata writes per-session JSON records.
func New(metadataDir string) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		aliases:     make(map[string]string),
		terminated:  make(map[string]*Session),
		metadataDir: metadataDir,
	}
}

// CreateSession spawns a PTY through the runtime adapter and registers the
// resulting session record.
func (s *Store) CreateSession(opts CreateOptions) (*Session, error) {
	s.mu.Lock()
	if opts.Alias != "" {
		if _, taken := s.aliases[opts.Alias]; taken {
			s.mu.Unlock()
			return nil, fmt.Errorf("alias %q is already in use by an active session", opts.Alias)
		}
	}
	s.mu.Unlock()

	sessionID := uuid.NewString()
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "Default"
	}

	sess := &Session{
		SessionID:          sessionID,
		Alias:              opts.Alias,
		CreatedBy:          opts.CreatedBy,
		Visibility:         opts.Visibility,
		Workspace:          workspace,
		WorkspaceOrder:     opts.WorkspaceOrder,
		Title:              opts.Title,
		CreatedAt:          time.Now(),
		IsActive:           true,
		TemplateID:         opts.TemplateID,
		TemplateParameters: opts.TemplateParameters,
		IsolationMode:      opts.IsolationMode,
		ContainerName:      opts.ContainerName,
		ParentSessionID:    opts.ParentSessionID,
		ChildTabType:       opts.ChildTabType,
		ShowInSidebar:      opts.ShowInSidebar,
	}

	rt, err := termsession.Start(termsession.Spec{
		SessionID:      sessionID,
		Shell:          opts.Shell,
		Args:           opts.Args,
		Dir:            opts.Dir,
		Env:            opts.Env,
		Cols:           opts.Cols,
		Rows:           opts.Rows,
		Interactive:    true,
		HistoryLines:   opts.HistoryLines,
		TranscriptPath: opts.TranscriptPath,
		OnOutput: func(data []byte) {
			if opts.OnOutput != nil {
				opts.OnOutput(sessionID, data)
			}
		},
		OnTerminate: func(exitCode int) {
			s.onRuntimeTerminate(sessionID, exitCode, opts.OnTerminate)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess.Runtime = rt

	s.mu.Lock()
	s.sessions[sessionID] = sess
	if opts.Alias != "" {
		s.aliases[opts.Alias] = sessionID
	}
	s.mu.Unlock()

	return sess, nil
}

func (s *Store) onRuntimeTerminate(sessionID string, exitCode int, callback func(*Session)) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	if sess.Alias != "" {
		delete(s.aliases, sess.Alias)
	}
	sess.IsActive = false
	code := exitCode
	sess.ExitCode = &code
	s.terminated[sessionID] = sess
	s.evictOldestTerminatedLocked()
	s.mu.Unlock()

	s.saveTerminatedSessionMetadata(sess, false)

	if callback != nil {
		callback(sess)
	}
}

// evictOldestTerminatedLocked drops the oldest terminated records once the
// bound is exceeded. Caller must hold mu.
func (s *Store) evictOldestTerminatedLocked() {
	if len(s.terminated) <= maxTerminatedRetained {
		return
	}
	var oldestID string
	var oldestAt time.Time
	for id, sess := range s.terminated {
		if oldestID == "" || sess.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = sess.CreatedAt
		}
	}
	if oldestID != "" {
		delete(s.terminated, oldestID)
	}
}

// GetSession returns an active session by id.
func (s *Store) GetSession(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// GetSessionIncludingTerminated looks up id among both active and
// terminated sessions.
func (s *Store) GetSessionIncludingTerminated(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, true
	}
	sess, ok := s.terminated[id]
	return sess, ok
}

// ResolveIDFromAliasOrID resolves x as an alias first, falling through to
// treating it as a raw session id.
func (s *Store) ResolveIDFromAliasOrID(x string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.aliases[x]; ok {
		return id
	}
	return x
}

// GetAllSessions returns every active session, order unspecified.
func (s *Store) GetAllSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// GetActiveSessions is an alias for GetAllSessions: the active map only
// ever holds active sessions, terminated ones move out immediately.
func (s *Store) GetActiveSessions() []*Session {
	return s.GetAllSessions()
}

// CleanupClientSessions returns the ids in attachedSessionIDs (the sessions a
// disconnecting client was attached to, typically from
// connmgr.Client.AttachedSessions) that are still active, so the caller can
// broadcast updates. It changes no attachment state; that bookkeeping lives
// in the connection manager.
func (s *Store) CleanupClientSessions(attachedSessionIDs []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	affected := make([]string, 0, len(attachedSessionIDs))
	for _, id := range attachedSessionIDs {
		if _, ok := s.sessions[id]; ok {
			affected = append(affected, id)
		}
	}
	return affected
}

// TerminateSession signals the owning process and lets the runtime's own
// termination callback (registered at CreateSession) move the record to the
// terminated set. Returns an error only if the session id is unknown.
func (s *Store) TerminateSession(id string) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %q is not active", id)
	}
	return sess.Runtime.Terminate()
}

// SaveTerminatedSessionMetadata writes a best-effort durable record for a
// terminated session. When metadataDir is unset this is a no-op (common in
// tests and ephemeral deployments); force does not change that, nor
// anything else the write does.
func (s *Store) SaveTerminatedSessionMetadata(sess *Session, force bool) {
	s.saveTerminatedSessionMetadata(sess, force)
}

func (s *Store) saveTerminatedSessionMetadata(sess *Session, force bool) {
	if s.metadataDir == "" {
		return
	}
	if err := os.MkdirAll(s.metadataDir, 0o755); err != nil {
		log.Printf("[sessionstore] mkdir metadata dir: %v", err)
		return
	}

	data, err := json.Marshal(sess)
	if err != nil {
		log.Printf("[sessionstore] marshal metadata for session %s: %v", sess.SessionID, err)
		return
	}

	path := filepath.Join(s.metadataDir, sess.SessionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("[sessionstore] write metadata for session %s: %v", sess.SessionID, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Printf("[sessionstore] rename metadata for session %s: %v", sess.SessionID, err)
	}
}
