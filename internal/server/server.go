package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wesm/spendtrace/internal/config"
	"github.com/wesm/spendtrace/internal/query"
	"github.com/wesm/spendtrace/internal/telemetry"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server exposing the query service.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	svc     *query.Service
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo
	log     *log.Entry

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server.
func New(
	cfg config.Config, svc *query.Service, opts ...Option,
) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		mux: http.NewServeMux(),
		log: log.WithField("component", "http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the request logger.
func WithLogger(l *log.Entry) Option {
	return func(s *Server) { s.log = l }
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.Handle("GET /health", s.withTimeout(s.handleHealth))
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))

	s.mux.Handle(
		"POST /api/v1/sessions/search", s.withTimeout(s.handleSearchSessions),
	)
	s.mux.Handle(
		"GET /api/v1/sessions/{id}/summary", s.withTimeout(s.handleSessionSummary),
	)
	s.mux.Handle(
		"GET /api/v1/sessions/{id}/messages", s.withTimeout(s.handleSessionMessages),
	)

	s.mux.Handle("GET /api/v1/analytics/overview", s.withTimeout(s.handleOverview))
	s.mux.Handle("GET /api/v1/analytics/models", s.withTimeout(s.handleModels))
	s.mux.Handle("GET /api/v1/analytics/agents", s.withTimeout(s.handleAgents))
	s.mux.Handle(
		"GET /api/v1/analytics/cost-breakdown", s.withTimeout(s.handleCostBreakdown),
	)
	// Trends stream: not wrapped, since http.TimeoutHandler buffers
	// the whole body. The query deadline still applies.
	s.mux.HandleFunc("GET /api/v1/analytics/usage-trends", s.handleUsageTrends)

	s.mux.Handle("GET /api/v1/requests/{id}", s.withTimeout(s.handleRequest))
	s.mux.Handle(
		"GET /api/v1/requests/{id}/messages", s.withTimeout(s.handleRequestMessages),
	)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "LLM spend log traceability API",
		"version": s.version.Version,
		"health":  "/health",
	})
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	if err := s.svc.Health(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"database": "connected",
	})
}

// queryContext bounds a store query by the configured deadline.
func (s *Server) queryContext(
	r *http.Request,
) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(
		s.logMiddleware(telemetry.Middleware(s.mux, "spendtrace")),
	)
}

// SetPort updates the listen port. It must be called before
// ListenAndServe.
func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Port = port
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.httpSrv = srv
	s.mu.Unlock()
	s.log.Infof("listening on http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set(
			"Access-Control-Allow-Headers", "Content-Type, X-Request-ID",
		)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestPath(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return fmt.Sprintf("%s?%s", r.URL.Path, r.URL.RawQuery)
}

// apiPath reports whether p is under the versioned API.
func apiPath(p string) bool {
	return strings.HasPrefix(p, "/api/")
}
