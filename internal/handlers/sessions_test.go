package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/control-plane/internal/config"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
)

func newSessionRouter(d *Deps) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/sessions", d.ListSessions)
	r.Post("/api/sessions", d.CreateSession)
	r.Get("/api/sessions/{id}", d.GetSession)
	r.Post("/api/sessions/{id}/terminate", d.TerminateSession)
	r.Get("/api/sessions/{id}/history/raw", d.StreamHistory)
	return r
}

func TestCreateSessionThenGetAndTerminate(t *testing.T) {
	d := newTestDeps(t)
	router := newSessionRouter(d)

	body, _ := json.Marshal(createSessionRequest{
		Shell:      "/bin/sh",
		Args:       []string{"-c", "sleep 5"},
		Visibility: "private",
	})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body)), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created sessionstore.Session
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}
	defer d.Sessions.TerminateSession(created.SessionID)

	// Owner can fetch it; a stranger cannot.
	getReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID, nil), "alice", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, getReq)
	if w.Code != http.StatusOK {
		t.Fatalf("owner GetSession: expected 200, got %d", w.Code)
	}

	strangerReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID, nil), "bob", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, strangerReq)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger GetSession: expected 403, got %d", w.Code)
	}

	// Stranger cannot terminate either.
	termReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/terminate", nil), "bob", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, termReq)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger TerminateSession: expected 403, got %d", w.Code)
	}

	ownerTermReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/terminate", nil), "alice", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, ownerTermReq)
	if w.Code != http.StatusOK {
		t.Fatalf("owner TerminateSession: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListSessionsFiltersByVisibility(t *testing.T) {
	d := newTestDeps(t)
	router := newSessionRouter(d)

	privateBody, _ := json.Marshal(createSessionRequest{Shell: "/bin/sh", Args: []string{"-c", "sleep 5"}, Visibility: "private"})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(privateBody)), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var priv sessionstore.Session
	json.Unmarshal(w.Body.Bytes(), &priv)
	defer d.Sessions.TerminateSession(priv.SessionID)

	listReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/sessions", nil), "bob", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, listReq)

	var visible []sessionstore.Session
	if err := json.Unmarshal(w.Body.Bytes(), &visible); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	for _, s := range visible {
		if s.SessionID == priv.SessionID {
			t.Fatal("expected bob not to see alice's private session")
		}
	}

	adminReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/sessions", nil), "bob", map[string]bool{"manage_all_sessions": true})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, adminReq)
	visible = nil
	json.Unmarshal(w.Body.Bytes(), &visible)
	found := false
	for _, s := range visible {
		if s.SessionID == priv.SessionID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an admin with manage_all_sessions to see alice's private session")
	}
}

func TestStreamHistoryReturnsSinceOffset(t *testing.T) {
	d := newTestDeps(t)
	router := newSessionRouter(d)

	// CreateSession sizes the history ring from config, which tests do not load.
	prevHistory := config.Cfg.TerminalHistoryLines
	config.Cfg.TerminalHistoryLines = 2000
	defer func() { config.Cfg.TerminalHistoryLines = prevHistory }()

	body, _ := json.Marshal(createSessionRequest{Shell: "/bin/sh", Args: []string{"-c", "echo hello; sleep 5"}, Visibility: "private"})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body)), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var sess sessionstore.Session
	json.Unmarshal(w.Body.Bytes(), &sess)
	defer d.Sessions.TerminateSession(sess.SessionID)

	time.Sleep(200 * time.Millisecond)

	histReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.SessionID+"/history/raw?since_offset=0", nil), "alice", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, histReq)
	if w.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Stream-Offset") == "" {
		t.Fatal("expected X-Stream-Offset header to be set")
	}
}
