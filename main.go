package main

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/control-plane/internal/accounts"
	"github.com/gluk-w/claworc/control-plane/internal/audit"
	"github.com/gluk-w/claworc/control-plane/internal/config"
	"github.com/gluk-w/claworc/control-plane/internal/connmgr"
	"github.com/gluk-w/claworc/control-plane/internal/containerrt"
	"github.com/gluk-w/claworc/control-plane/internal/database"
	"github.com/gluk-w/claworc/control-plane/internal/handlers"
	"github.com/gluk-w/claworc/control-plane/internal/logging"
	"github.com/gluk-w/claworc/control-plane/internal/logutil"
	"github.com/gluk-w/claworc/control-plane/internal/middleware"
	"github.com/gluk-w/claworc/control-plane/internal/notify"
	"github.com/gluk-w/claworc/control-plane/internal/proxy"
	"github.com/gluk-w/claworc/control-plane/internal/sessionstore"
	"github.com/gluk-w/claworc/control-plane/internal/tokens"
	"github.com/gluk-w/claworc/control-plane/internal/tunnel"
	"github.com/gluk-w/claworc/control-plane/internal/workspace"
)

//go:embed frontend/dist
var frontendFS embed.FS

func main() {
	config.Load()
	logging.Init()

	db, err := database.Open(filepath.Join(config.Cfg.DataPath, "audit.db"))
	if err != nil {
		log.Fatalf("open audit database: %v", err)
	}
	defer database.Close(db)

	auditor, err := audit.New(db, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("init auditor: %v", err)
	}

	accountStore, err := accounts.NewStore(config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}

	tokenSvc, err := tokens.New(config.Cfg.DataPath, time.Duration(config.Cfg.CookieTTLSeconds)*time.Second)
	if err != nil {
		log.Fatalf("init token service: %v", err)
	}

	sessions := sessionstore.New(filepath.Join(config.Cfg.DataPath, "sessions"))
	conns := connmgr.New()
	tunnels := tunnel.New()

	notifyStore, err := notify.New(filepath.Join(config.Cfg.DataPath, "notifications"))
	if err != nil {
		log.Fatalf("init notification store: %v", err)
	}

	workspaceStore, err := workspace.New(filepath.Join(config.Cfg.DataPath, "templates.yaml"), config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("init workspace store: %v", err)
	}

	ctx := context.Background()
	var containerRuntime containerrt.Runtime
	if docker, err := containerrt.NewDocker(ctx); err != nil {
		log.Printf("WARNING: container isolation unavailable: %v", err)
	} else {
		containerRuntime = docker
	}

	var shuttingDown atomic.Bool

	hd := &handlers.Deps{
		Sessions:     sessions,
		Conns:        conns,
		Tunnels:      tunnels,
		Notify:       notifyStore,
		Workspace:    workspaceStore,
		Runtime:      containerRuntime,
		Tokens:       tokenSvc,
		Accounts:     accountStore,
		Audit:        auditor,
		ShuttingDown: &shuttingDown,
	}

	authMw := middleware.NewAuth(tokenSvc, accountStore, func(sessionID string) (string, bool) {
		sess, ok := sessions.GetSession(sessionID)
		if !ok {
			return "", false
		}
		return sess.CreatedBy, sess.IsActive
	})

	rateLimiter := proxy.NewRateLimiter(
		time.Duration(config.Cfg.ProxyRateLimitWindowSeconds)*time.Second,
		config.Cfg.ProxyRateLimitMaxRequests,
	)
	svcProxy := proxy.New(proxy.Deps{
		ResolveSessionID: sessions.ResolveIDFromAliasOrID,
		LookupActiveSession: func(id string) (proxy.SessionView, bool) {
			sess, ok := sessions.GetSession(id)
			if !ok {
				return proxy.SessionView{}, false
			}
			return proxy.SessionView{
				SessionID:  sess.SessionID,
				Owner:      sess.CreatedBy,
				Visibility: string(sess.Visibility),
				Active:     sess.IsActive,
			}, true
		},
		// Per-request identity is checked by proxyAuthorize below, which
		// wraps these routes; this package stays identity-agnostic.
		Authorize: func(proxy.SessionView) bool { return true },
		OpenStream: func(ctx context.Context, sessionID string, port int) (io.ReadWriteCloser, error) {
			carrier, ok := tunnels.Get(sessionID)
			if !ok {
				return nil, fmt.Errorf("no tunnel registered for session %s", sessionID)
			}
			return carrier.OpenStream(ctx, port)
		},
		RateLimiter:      rateLimiter,
		FirstByteTimeout: time.Duration(config.Cfg.ProxyFirstByteTimeoutSeconds) * time.Second,
	})

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", healthHandler(&shuttingDown))

	r.Route("/api", func(r chi.Router) {
		// Bound to the access token alone, not the cookie/Basic chain.
		r.Get("/sessions/{sid}/tunnel", hd.TunnelCarrier)

		r.Group(func(r chi.Router) {
			r.Use(authMw.Require)

			r.Get("/sessions", hd.ListSessions)
			r.Post("/sessions", hd.CreateSession)
			r.Get("/sessions/{id}", hd.GetSession)
			r.Post("/sessions/{id}/terminate", hd.TerminateSession)
			r.Get("/sessions/{id}/history/raw", hd.StreamHistory)

			r.Get("/containers", hd.ListContainers)
			r.Get("/containers/lookup", hd.LookupContainer)
			r.Post("/containers/attach", hd.AttachContainer)
			r.Post("/containers/exec", hd.ExecContainer)
			r.Post("/containers/stop", hd.StopContainer)
			r.Post("/containers/terminate-all", hd.TerminateAllContainers)

			r.Get("/notifications", hd.ListNotifications)
			r.Post("/notifications/{id}/action", hd.ActionNotification)
			r.Post("/notifications/{id}/cancel", hd.CancelNotification)

			r.Post("/user/reset-password", hd.ResetPassword)

			r.Group(func(r chi.Router) {
				r.Use(proxyAuthorize(sessions))
				r.HandleFunc("/sessions/{sid}/service/{port}/*", serviceProxyHandler(svcProxy))
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMw.Require)
		r.Get("/{clientID}", hd.ClientWebSocket)
	})

	distFS, _ := fs.Sub(frontendFS, "frontend/dist")
	spa := middleware.NewSPAHandler(distFS)
	r.NotFound(spa.ServeHTTP)

	addr := fmt.Sprintf("%s:%d", config.Cfg.ListenHost, config.Cfg.ListenPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditor.StartRetentionCleanup(sigCtx)

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")
	shutdown(srv, sessions, conns, containerRuntime, notifyStore, &shuttingDown)
	log.Println("Server stopped")
}

// healthHandler reports 503 once the shutdown sequence has begun, so load
// balancers stop routing new traffic here before the listener actually
// closes.
func healthHandler(shuttingDown *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"shutting_down"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// proxyAuthorize enforces the Service Proxy's per-request identity check.
// internal/proxy is deliberately leaf-ward and knows nothing about
// identity, so this duplicates the sid resolution its Deps.Authorize
// skips, done once here rather than inside that package.
func proxyAuthorize(sessions *sessionstore.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := middleware.GetIdentity(r)
			if ident == nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			id := sessions.ResolveIDFromAliasOrID(chi.URLParam(r, "sid"))
			sess, ok := sessions.GetSession(id)
			if !ok {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
			allowed := sess.CreatedBy == ident.Profile.Username ||
				sess.Visibility == sessionstore.VisibilityPublic ||
				sess.Visibility == sessionstore.VisibilitySharedReadonly ||
				ident.Profile.Permissions["manage_all_sessions"]
			if !allowed {
				http.Error(w, "access denied", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// serviceProxyHandler dispatches a request to the Upgrade bridge when the
// client asked for a protocol upgrade, and to the plain HTTP bridge
// otherwise.
func serviceProxyHandler(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if isUpgradeRequest(r) {
			p.ServeUpgrade(w, r)
			return
		}
		p.ServeHTTP(w, r)
	}
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "Upgrade") {
			return true
		}
	}
	return false
}

// shutdown runs the idempotent, coalesced shutdown sequence: refuse new
// REST work, tell connected clients, give them a moment to notice, then
// terminate every active session and its container before closing the
// listener.
func shutdown(srv *http.Server, sessions *sessionstore.Store, conns *connmgr.Manager, runtime containerrt.Runtime, notifyStore *notify.Store, shuttingDown *atomic.Bool) {
	shuttingDown.Store(true)
	conns.Broadcast(context.Background(), map[string]string{"type": "server_shutdown"}, "", nil)
	time.Sleep(500 * time.Millisecond)

	active := sessions.GetActiveSessions()
	for _, sess := range active {
		if err := sessions.TerminateSession(sess.SessionID); err != nil {
			log.Printf("[shutdown] terminate session %s: %v", logutil.SanitizeForLog(sess.SessionID), err)
		}
		if sess.IsolationMode == sessionstore.IsolationContainer && sess.ContainerName != "" && runtime != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := runtime.Stop(ctx, sess.ContainerName); err != nil {
				log.Printf("[shutdown] stop container %s: %v", logutil.SanitizeForLog(sess.ContainerName), err)
			}
			cancel()
		}
	}

	if err := notifyStore.Flush(); err != nil {
		log.Printf("[shutdown] flush notifications: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[shutdown] HTTP server shutdown: %v", err)
	}
}
