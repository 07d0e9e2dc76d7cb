// Package notify implements the Notification Store: a per-user list of
// notifications with bounded retention and a debounced, atomically-written
// JSON persistence file.
package notify

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxPerUser      = 500
	maxAge          = 30 * 24 * time.Hour
	debounceWindow  = 400 * time.Millisecond
	fileName        = "notifications.json"
	filePermissions = 0o644
)

// Notification is one per-user record.
type Notification struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	Read      bool      `json:"read"`

	// Response records the outcome of an interactive notification (approve,
	// cancel, or a captured input) once setResponse is called.
	Response *Response `json:"response,omitempty"`

	// MaskedInputIDs holds ids of secret/sensitive captured inputs; values
	// themselves are never stored here.
	MaskedInputIDs []string `json:"masked_input_ids,omitempty"`
}

// Response is the recorded outcome of an interactive notification.
type Response struct {
	Action    string    `json:"action"` // "approve" | "cancel"
	Input     string    `json:"input,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type userRecord struct {
	Notifications []*Notification `json:"notifications"`
}

type document struct {
	Users map[string]*userRecord `json:"users"`
}

// Store is the Notification Store. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	docs map[string]*userRecord

	dir string

	persistMu      sync.Mutex
	persistTimer   *time.Timer
	persistPending bool
}

// New loads any existing notifications.json under dir (missing file yields
// an empty store) and returns a ready Store.
func New(dir string) (*Store, error) {
	s := &Store{docs: make(map[string]*userRecord), dir: dir}

	path := s.path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("[notify] malformed %s, starting empty: %v", path, err)
		return s, nil
	}
	if doc.Users != nil {
		s.docs = doc.Users
	}
	return s, nil
}

func (s *Store) path() string {
	if s.dir == "" {
		return fileName
	}
	return filepath.Join(s.dir, fileName)
}

func (s *Store) userRecord(user string) *userRecord {
	rec, ok := s.docs[user]
	if !ok {
		rec = &userRecord{}
		s.docs[user] = rec
	}
	return rec
}

// Add prepends a new notification for user, applies retention, and
// schedules a debounced persist. Returns the generated record.
func (s *Store) Add(user, title, message, kind, sessionID string) *Notification {
	n := &Notification{
		ID:        uuid.NewString(),
		User:      user,
		Title:     title,
		Message:   message,
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: sessionID,
		IsActive:  true,
	}

	s.mu.Lock()
	rec := s.userRecord(user)
	rec.Notifications = append([]*Notification{n}, rec.Notifications...)
	s.applyRetentionLocked(rec)
	s.mu.Unlock()

	s.schedulePersist()
	return n
}

// applyRetentionLocked enforces the count and age caps. Caller must hold mu.
func (s *Store) applyRetentionLocked(rec *userRecord) {
	cutoff := time.Now().Add(-maxAge)
	kept := rec.Notifications[:0:0]
	for _, n := range rec.Notifications {
		if n.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, n)
		if len(kept) >= maxPerUser {
			break
		}
	}
	rec.Notifications = kept
}

// List returns user's notifications, newest first.
func (s *Store) List(user string) []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[user]
	if !ok {
		return nil
	}
	out := make([]*Notification, len(rec.Notifications))
	copy(out, rec.Notifications)
	return out
}

// GetByID finds a notification by id for the given user.
func (s *Store) GetByID(user, id string) (*Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[user]
	if !ok {
		return nil, false
	}
	for _, n := range rec.Notifications {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// MarkRead marks a single notification read.
func (s *Store) MarkRead(user, id string) bool {
	s.mu.Lock()
	n, ok := s.findLocked(user, id)
	if ok {
		n.Read = true
	}
	s.mu.Unlock()
	if ok {
		s.schedulePersist()
	}
	return ok
}

// MarkAllRead marks every notification for user as read. Idempotent: a
// second call changes nothing and still succeeds.
func (s *Store) MarkAllRead(user string) {
	s.mu.Lock()
	rec, ok := s.docs[user]
	changed := false
	if ok {
		for _, n := range rec.Notifications {
			if !n.Read {
				n.Read = true
				changed = true
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.schedulePersist()
	}
}

// Delete removes a single notification.
func (s *Store) Delete(user, id string) bool {
	s.mu.Lock()
	rec, ok := s.docs[user]
	removed := false
	if ok {
		for i, n := range rec.Notifications {
			if n.ID == id {
				rec.Notifications = append(rec.Notifications[:i], rec.Notifications[i+1:]...)
				removed = true
				break
			}
		}
	}
	s.mu.Unlock()
	if removed {
		s.schedulePersist()
	}
	return removed
}

// ClearAll removes every notification for user.
func (s *Store) ClearAll(user string) {
	s.mu.Lock()
	if rec, ok := s.docs[user]; ok {
		rec.Notifications = nil
	}
	s.mu.Unlock()
	s.schedulePersist()
}

// SetResponse records the outcome of an interactive notification. input,
// if the notification is tagged as carrying a masked input, is recorded
// only under MaskedInputIDs (never by value) when masked is true.
func (s *Store) SetResponse(user, id, action, input string, masked bool) bool {
	s.mu.Lock()
	n, ok := s.findLocked(user, id)
	if ok {
		resp := &Response{Action: action, Timestamp: time.Now()}
		if masked {
			n.MaskedInputIDs = append(n.MaskedInputIDs, uuid.NewString())
		} else {
			resp.Input = input
		}
		n.Response = resp
		n.IsActive = false
	}
	s.mu.Unlock()
	if ok {
		s.schedulePersist()
	}
	return ok
}

func (s *Store) findLocked(user, id string) (*Notification, bool) {
	rec, ok := s.docs[user]
	if !ok {
		return nil, false
	}
	for _, n := range rec.Notifications {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// schedulePersist debounces writes: repeated calls within debounceWindow
// coalesce into a single write debounceWindow after the first call in the
// burst.
func (s *Store) schedulePersist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.persistPending = true
	if s.persistTimer != nil {
		return
	}
	s.persistTimer = time.AfterFunc(debounceWindow, func() {
		s.persistMu.Lock()
		s.persistTimer = nil
		s.persistPending = false
		s.persistMu.Unlock()
		if err := s.persist(); err != nil {
			log.Printf("[notify] persist: %v", err)
		}
	})
}

// Flush forces a synchronous persist, used at shutdown so no debounced
// write is lost.
func (s *Store) Flush() error {
	s.persistMu.Lock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	s.persistPending = false
	s.persistMu.Unlock()
	return s.persist()
}

func (s *Store) persist() error {
	s.mu.Lock()
	doc := document{Users: s.docs}
	data, err := json.Marshal(doc)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	path := s.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
