package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gluk-w/claworc/control-plane/internal/accounts"
	"github.com/gluk-w/claworc/control-plane/internal/audit"
	"github.com/gluk-w/claworc/control-plane/internal/connmgr"
	"github.com/gluk-w/claworc/control-plane/internal/database"
	"github.com/gluk-w/claworc/control-plane/internal/middleware"
	"github.com/gluk-w/claworc/control-plane/internal/notify"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
	"github.com/gluk-w/claworc/control-plane/internal/tunnel"
	"github.com/gluk-w/claworc/control-plane/internal/workspace"
)

// newTestDeps builds a Deps wired to real, temp-dir-backed stores rather
// than fakes: sessionstore spawns real PTYs, so tests that create a
// session must terminate it when done.
func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	dir := t.TempDir()

	notifyStore, err := notify.New(filepath.Join(dir, "notifications"))
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}
	wsStore, err := workspace.New(filepath.Join(dir, "templates.yaml"), dir)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	accountStore, err := accounts.NewStore(dir)
	if err != nil {
		t.Fatalf("accounts.NewStore: %v", err)
	}
	db, err := database.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	auditor, err := audit.New(db, 0)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	var shuttingDown atomic.Bool
	return &Deps{
		Sessions:     sessionstore.New(""),
		Conns:        connmgr.New(),
		Tunnels:      tunnel.New(),
		Notify:       notifyStore,
		Workspace:    wsStore,
		Accounts:     accountStore,
		Audit:        auditor,
		ShuttingDown: &shuttingDown,
	}
}

func withIdentity(r *http.Request, username string, perms map[string]bool) *http.Request {
	ident := middleware.Identity{Profile: accounts.Profile{Username: username, Permissions: perms}}
	return r.WithContext(middleware.WithIdentity(context.Background(), ident))
}

func TestRefuseIfShuttingDown(t *testing.T) {
	d := newTestDeps(t)
	w := httptest.NewRecorder()
	if d.refuseIfShuttingDown(w) {
		t.Fatal("expected not shutting down by default")
	}
	d.ShuttingDown.Store(true)
	if !d.refuseIfShuttingDown(w) {
		t.Fatal("expected refuseIfShuttingDown to report true once flipped")
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
