package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/control-plane/internal/containerrt"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
)

// fakeRuntime is a containerrt.Runtime stand-in: no containers are ever
// actually started, it just tracks which names were stopped.
type fakeRuntime struct {
	stopped []string
	failAll bool
}

func (f *fakeRuntime) Start(ctx context.Context, spec containerrt.StartSpec) (string, error) {
	return spec.Name, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	if f.failAll {
		return errStopFailed
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, name string, cmd []string) (*containerrt.ExecSession, error) {
	return nil, errStopFailed
}

func (f *fakeRuntime) Wait(ctx context.Context, name string) (int, error) {
	return 0, nil
}

var errStopFailed = &stopError{}

type stopError struct{}

func (*stopError) Error() string { return "stop failed" }

func newContainerRouter(d *Deps) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/containers", d.ListContainers)
	r.Get("/api/containers/lookup", d.LookupContainer)
	r.Post("/api/containers/attach", d.AttachContainer)
	r.Post("/api/containers/stop", d.StopContainer)
	r.Post("/api/containers/terminate-all", d.TerminateAllContainers)
	return r
}

// newContainerSession creates a real PTY-backed session but tags it as
// container-isolated, the way CreateSession does after starting a
// container, without actually starting one.
func newContainerSession(t *testing.T, d *Deps, owner, containerName string, visibility sessionstore.Visibility) *sessionstore.Session {
	t.Helper()
	sess, err := d.Sessions.CreateSession(sessionstore.CreateOptions{
		CreatedBy:     owner,
		Visibility:    visibility,
		Shell:         "/bin/sh",
		Args:          []string{"-c", "sleep 5"},
		IsolationMode: sessionstore.IsolationContainer,
		ContainerName: containerName,
	})
	if err != nil {
		t.Fatalf("create container session: %v", err)
	}
	t.Cleanup(func() { d.Sessions.TerminateSession(sess.SessionID) })
	return sess
}

func TestListContainersFiltersByVisibility(t *testing.T) {
	d := newTestDeps(t)
	d.Runtime = &fakeRuntime{}
	router := newContainerRouter(d)

	sess := newContainerSession(t, d, "alice", "ctr-alice", sessionstore.VisibilityPrivate)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/containers", nil), "bob", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var views []containerView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, v := range views {
		if v.SessionID == sess.SessionID {
			t.Fatal("expected bob not to see alice's private container session")
		}
	}
}

func TestLookupAndAttachContainer(t *testing.T) {
	d := newTestDeps(t)
	d.Runtime = &fakeRuntime{}
	router := newContainerRouter(d)

	sess := newContainerSession(t, d, "alice", "ctr-alice", sessionstore.VisibilityPrivate)

	lookupReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/containers/lookup?session_id="+sess.SessionID, nil), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, lookupReq)
	if w.Code != http.StatusOK {
		t.Fatalf("owner lookup: expected 200, got %d", w.Code)
	}

	strangerReq := withIdentity(httptest.NewRequest(http.MethodGet, "/api/containers/lookup?session_id="+sess.SessionID, nil), "bob", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, strangerReq)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger lookup: expected 403, got %d", w.Code)
	}

	body, _ := json.Marshal(sessionIDRequest{SessionID: sess.SessionID})
	attachReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/containers/attach", bytes.NewReader(body)), "alice", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, attachReq)
	if w.Code != http.StatusOK {
		t.Fatalf("owner attach: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStopContainerRequiresPermission(t *testing.T) {
	d := newTestDeps(t)
	rt := &fakeRuntime{}
	d.Runtime = rt
	router := newContainerRouter(d)

	sess := newContainerSession(t, d, "alice", "ctr-alice", sessionstore.VisibilityPrivate)
	body, _ := json.Marshal(sessionIDRequest{SessionID: sess.SessionID})

	noPermReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/containers/stop", bytes.NewReader(body)), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, noPermReq)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without terminate_containers, got %d", w.Code)
	}

	permReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/containers/stop", bytes.NewReader(body)), "alice", map[string]bool{"terminate_containers": true})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, permReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with terminate_containers, got %d: %s", w.Code, w.Body.String())
	}
	if len(rt.stopped) != 1 || rt.stopped[0] != "ctr-alice" {
		t.Fatalf("expected fake runtime to record a stop of ctr-alice, got %v", rt.stopped)
	}
}

func TestTerminateAllContainersRequiresPermission(t *testing.T) {
	d := newTestDeps(t)
	rt := &fakeRuntime{}
	d.Runtime = rt
	router := newContainerRouter(d)

	newContainerSession(t, d, "alice", "ctr-a", sessionstore.VisibilityPrivate)
	newContainerSession(t, d, "bob", "ctr-b", sessionstore.VisibilityPrivate)

	noPermReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/containers/terminate-all", nil), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, noPermReq)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without terminate_containers, got %d", w.Code)
	}

	permReq := withIdentity(httptest.NewRequest(http.MethodPost, "/api/containers/terminate-all", nil), "alice", map[string]bool{"terminate_containers": true})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, permReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(rt.stopped) != 2 {
		t.Fatalf("expected both containers stopped, got %v", rt.stopped)
	}
}
