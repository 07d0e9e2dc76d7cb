package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newNotificationRouter(d *Deps) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/notifications", d.ListNotifications)
	r.Post("/api/notifications/{id}/action", d.ActionNotification)
	r.Post("/api/notifications/{id}/cancel", d.CancelNotification)
	return r
}

func TestActionNotificationRecordsResponse(t *testing.T) {
	d := newTestDeps(t)
	router := newNotificationRouter(d)

	n := d.Notify.Add("alice", "approve deploy", "please confirm", "interactive", "sess-1")

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/notifications/"+n.ID+"/action", nil), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if updated, ok := d.Notify.GetByID("alice", n.ID); !ok || updated.IsActive {
		t.Fatal("expected notification to no longer be active after action")
	}

	// Acting again on an already-resolved notification is a conflict.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeat action, got %d", w.Code)
	}
}

func TestActionNotificationRejectsNonInteractive(t *testing.T) {
	d := newTestDeps(t)
	router := newNotificationRouter(d)

	n := d.Notify.Add("alice", "fyi", "container stopped", "info", "sess-1")

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/notifications/"+n.ID+"/action", nil), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-interactive notification, got %d", w.Code)
	}
}

func TestCancelNotification(t *testing.T) {
	d := newTestDeps(t)
	router := newNotificationRouter(d)

	n := d.Notify.Add("alice", "approve deploy", "please confirm", "interactive", "sess-1")

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/notifications/"+n.ID+"/cancel", nil), "alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	updated, _ := d.Notify.GetByID("alice", n.ID)
	if updated.Response == nil || updated.Response.Action != "cancel" {
		t.Fatal("expected response action to be recorded as cancel")
	}
}

func TestListNotificationsRequiresIdentity(t *testing.T) {
	d := newTestDeps(t)
	router := newNotificationRouter(d)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}
}
