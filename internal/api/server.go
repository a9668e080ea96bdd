// Package api exposes the HTTP surface: the full UI API on the
// loopback horizon and the /api/remote subtree on the tunnel horizon.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modelvault/internal/assets"
	"modelvault/internal/bus"
	"modelvault/internal/config"
	"modelvault/internal/dedupe"
	"modelvault/internal/differ"
	"modelvault/internal/downloader"
	"modelvault/internal/hasher"
	"modelvault/internal/indexer"
	"modelvault/internal/queue"
	"modelvault/internal/remote"
	"modelvault/internal/storage"
)

type Server struct {
	db       *storage.Storage
	cfg      *config.Settings
	log      *slog.Logger
	bus      *bus.Bus
	index    *indexer.Service
	diff     *differ.Service
	hash     *hasher.Service
	queue    *queue.Service
	dedupe   *dedupe.Service
	dl       *downloader.Manager
	broker   *remote.Broker
	resolver *assets.Resolver

	router     *chi.Mux
	http       *http.Server
	remoteHost string
}

type Deps struct {
	DB       *storage.Storage
	Cfg      *config.Settings
	Log      *slog.Logger
	Bus      *bus.Bus
	Index    *indexer.Service
	Diff     *differ.Service
	Hash     *hasher.Service
	Queue    *queue.Service
	Dedupe   *dedupe.Service
	DL       *downloader.Manager
	Broker   *remote.Broker
	Resolver *assets.Resolver
}

func NewServer(d Deps) *Server {
	s := &Server{
		db:       d.DB,
		cfg:      d.Cfg,
		log:      d.Log,
		bus:      d.Bus,
		index:    d.Index,
		diff:     d.Diff,
		hash:     d.Hash,
		queue:    d.Queue,
		dedupe:   d.Dedupe,
		dl:       d.DL,
		broker:   d.Broker,
		resolver: d.Resolver,
		router:   chi.NewRouter(),
	}
	s.remoteHost = hostOf(d.Cfg.RemoteBaseURL)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.admissionMiddleware)

	s.router.Route("/api/index", func(r chi.Router) {
		r.Post("/refresh", s.handleIndexRefresh)
		r.Get("/files", s.handleIndexFiles)
		r.Get("/folders", s.handleIndexFolders)
		r.Get("/diff", s.handleIndexDiff)
		r.Get("/stats", s.handleIndexStats)
		r.Post("/verify", s.handleIndexVerify)
		r.Post("/hash", s.handleIndexHash)
		r.Get("/sources", s.handleSourcesList)
		r.Get("/sources/by-relpath/*", s.handleSourceGetByRelpath)
		r.Put("/sources/by-relpath/*", s.handleSourcePutByRelpath)
		r.Delete("/sources/by-relpath/*", s.handleSourceDeleteByRelpath)
		r.Get("/sources/{hash}", s.handleSourceGet)
		r.Put("/sources/{hash}", s.handleSourcePut)
		r.Delete("/sources/{hash}", s.handleSourceDelete)
	})

	s.router.Route("/api/queue", func(r chi.Router) {
		r.Get("/", s.handleQueueList)
		r.Get("/active", s.handleQueueActive)
		r.Post("/copy", s.handleQueueCopy)
		r.Post("/move", s.handleQueueMove)
		r.Post("/delete", s.handleQueueDelete)
		r.Post("/pause", s.handleQueuePause)
		r.Post("/resume", s.handleQueueResume)
		r.Post("/cancel/{id}", s.handleQueueCancel)
		r.Delete("/{id}", s.handleQueueRemove)
		r.Post("/mirror/plan", s.handleMirrorPlan)
		r.Post("/mirror/execute", s.handleMirrorExecute)
	})

	s.router.Route("/api/dedupe", func(r chi.Router) {
		r.Post("/scan", s.handleDedupeScan)
		r.Get("/results/{scanID}", s.handleDedupeResults)
		r.Post("/execute", s.handleDedupeExecute)
		r.Delete("/results/{scanID}", s.handleDedupeClear)
	})

	s.router.Route("/api/downloader", func(r chi.Router) {
		r.Get("/jobs", s.handleDownloadList)
		r.Post("/jobs", s.handleDownloadCreate)
		r.Post("/jobs/{id}/start", s.handleDownloadStart)
		r.Post("/jobs/{id}/cancel", s.handleDownloadCancel)
		r.Post("/jobs/cancel-all", s.handleDownloadCancelAll)
	})

	s.router.Route("/api/bundles", func(r chi.Router) {
		r.Get("/", s.handleBundleList)
		r.Post("/", s.handleBundleCreate)
		r.Get("/{name}", s.handleBundleGet)
		r.Delete("/{name}", s.handleBundleDelete)
		r.Post("/{name}/assets", s.handleBundleAddAssets)
		r.Delete("/{name}/assets", s.handleBundleRemoveAsset)
		r.Post("/{name}/add-folder", s.handleBundleAddFolder)
	})

	s.router.Route("/api/remote", func(r chi.Router) {
		r.Get("/status", s.handleRemoteStatus)
		r.Post("/session/enable", s.handleSessionEnable)
		r.Post("/session/end", s.handleSessionEnd)
		r.Get("/tasks", s.handleRemoteTaskList)
		r.Post("/tasks/enqueue", s.handleRemoteEnqueue)
		r.Post("/tasks/cancel/{id}", s.handleRemoteCancel)

		r.Group(func(r chi.Router) {
			r.Use(s.bearerMiddleware)
			r.Post("/agent/register", s.handleAgentRegister)
			r.Post("/agent/heartbeat", s.handleAgentHeartbeat)
			r.Get("/tasks/next", s.handleTaskNext)
			r.Post("/tasks/progress", s.handleTaskProgress)
			r.Post("/assets/resolve", s.handleAssetResolve)
			r.Get("/assets/file", s.handleAssetFile)
			r.Get("/bundles/{name}/resolve", s.handleBundleResolve)
		})
	})

	s.router.Get("/ws", s.bus.ServeWS)
}

// Start binds and serves until Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("api listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// admissionMiddleware classifies requests by Host header. Requests
// arriving on the remote tunnel hostname may only touch /api/remote.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.remoteHost != "" && hostname(r.Host) == s.remoteHost {
			if !strings.HasPrefix(r.URL.Path, "/api/remote/") {
				s.log.Warn("external request refused", "host", r.Host, "path", r.URL.Path)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bearerMiddleware guards agent-facing endpoints with the session key.
func (s *Server) bearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !s.broker.ValidateKey(key) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hostname strips the port and lowercases for the split-horizon
// comparison.
func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(strings.Trim(hostport, "[]"))
}

func hostOf(base string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return strings.ToLower(base)
	}
	return strings.ToLower(u.Hostname())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
