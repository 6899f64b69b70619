// Package server exposes the query pipeline to applications and the access
// control store to administrators over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/cache"
	"github.com/kartoza/kartoza-pgql/internal/logging"
	"github.com/kartoza/kartoza-pgql/internal/metrics"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
	"github.com/kartoza/kartoza-pgql/internal/security"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Answerer runs a question through the pipeline
type Answerer interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// TableLoader lists the tables tracked by the gateway
type TableLoader interface {
	Configured() bool
	TrackedTables(ctx context.Context, allowed []string) ([]string, error)
}

// Options wires a Server
type Options struct {
	Store        *apps.Store
	Pipeline     Answerer
	Gateway      TableLoader
	Limiter      *security.RateLimiter
	Cache        cache.Cache
	Metrics      *metrics.Recorder
	Registry     *prometheus.Registry
	DashboardKey string
	JWTSecret    string
	TokenTTL     time.Duration
	Version      string
	Logger       *zap.Logger
}

// Server is the HTTP surface
type Server struct {
	router       *mux.Router
	store        *apps.Store
	pipeline     Answerer
	gateway      TableLoader
	limiter      *security.RateLimiter
	cache        cache.Cache
	metrics      *metrics.Recorder
	registry     *prometheus.Registry
	dashboardKey string
	jwtSecret    []byte
	tokenTTL     time.Duration
	version      string
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a server and registers its routes
func New(opts Options) *Server {
	if opts.Limiter == nil {
		opts.Limiter = security.NewRateLimiter(0, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	secret := opts.JWTSecret
	if secret == "" {
		secret = opts.DashboardKey
	}

	s := &Server{
		router:       mux.NewRouter(),
		store:        opts.Store,
		pipeline:     opts.Pipeline,
		gateway:      opts.Gateway,
		limiter:      opts.Limiter,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		registry:     opts.Registry,
		dashboardKey: opts.DashboardKey,
		jwtSecret:    []byte(secret),
		tokenTTL:     opts.TokenTTL,
		version:      opts.Version,
		logger:       logging.OrNop(opts.Logger),
		now:          time.Now,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root handler. CORS wraps the router so that preflight
// requests are answered before method matching.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		s.router.Handle("/metrics", metrics.Handler(s.registry)).Methods(http.MethodGet)
	}

	// External API, authenticated by application credential
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.requireApp)
	v1.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	v1.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet)
	v1.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)

	// Token exchange sits outside the admin guard
	s.router.HandleFunc("/api/auth/token", s.handleIssueToken).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/api").Subrouter()
	admin.Use(s.requireAdmin)

	appsRouter := admin.PathPrefix("/apps").Subrouter()
	appsRouter.HandleFunc("", s.handleListApps).Methods(http.MethodGet)
	appsRouter.HandleFunc("", s.handleCreateApp).Methods(http.MethodPost)
	appsRouter.HandleFunc("/schema/tables", s.handleSchemaTables).Methods(http.MethodGet)
	appsRouter.HandleFunc("/schema/reload", s.handleSchemaReload).Methods(http.MethodPost)
	appsRouter.HandleFunc("/{app_id}", s.handleGetApp).Methods(http.MethodGet)
	appsRouter.HandleFunc("/{app_id}", s.handleUpdateApp).Methods(http.MethodPut)
	appsRouter.HandleFunc("/{app_id}", s.handleDeleteApp).Methods(http.MethodDelete)
	appsRouter.HandleFunc("/{app_id}/regenerate-key", s.handleRegenerateKey).Methods(http.MethodPost)

	cfg := admin.PathPrefix("/config").Subrouter()
	cfg.HandleFunc("/rate-limit", s.handleGetRateLimit).Methods(http.MethodGet)
	cfg.HandleFunc("/rate-limit", s.handleUpdateRateLimit).Methods(http.MethodPut)
	cfg.HandleFunc("/cache", s.handleCacheStats).Methods(http.MethodGet)
	cfg.HandleFunc("/cache/clear", s.handleClearCache).Methods(http.MethodPost)

	m := admin.PathPrefix("/metrics").Subrouter()
	m.HandleFunc("", s.handleMetricsSummary).Methods(http.MethodGet)
	m.HandleFunc("/requests", s.handleRecentRequests).Methods(http.MethodGet)
	m.HandleFunc("/errors", s.handleRecentErrors).Methods(http.MethodGet)
	m.HandleFunc("/reset", s.handleResetMetrics).Methods(http.MethodPost)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": s.metrics.Summary().UptimeSeconds,
		"version":        s.version,
	})
}
