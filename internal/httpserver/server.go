package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/cache"
	"wa-notifier/internal/convo"
	"wa-notifier/internal/metrics"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/queue"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/templates"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	WhatsAppWebhook http.Handler
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Repository    repo.Repository
	Redis         *cache.Redis
	Dispatcher    *queue.Dispatcher
	OptOuts       *optout.Registry
	Conversations *convo.Service
	Templates     *templates.Resolver
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
	adminToken string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook and admin endpoints. Admin endpoints answer 503 while adminToken is empty.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath, adminToken string) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		handlers:   handlers,
		basePath:   normaliseBasePath(basePath),
		adminToken: strings.TrimSpace(adminToken),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mountWithBasePath(server.basePath, server.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	if server.adminToken == "" {
		server.logger.Warn("ADMIN_TOKEN not set, admin api disabled")
	}

	return server
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.handlers.WhatsAppWebhook != nil {
		mux.Handle("/webhook/whatsapp", s.handlers.WhatsAppWebhook)
	}

	mux.Handle("POST /admin/queue", s.admin(s.handleEnqueue))
	mux.Handle("POST /admin/queue/dispatch", s.admin(s.handleDispatch))
	mux.Handle("POST /admin/queue/{id}/cancel", s.admin(s.handleCancel))
	mux.Handle("POST /admin/queue/{id}/retry", s.admin(s.handleRetry))
	mux.Handle("GET /admin/queue/stats", s.admin(s.handleQueueStats))
	mux.Handle("GET /admin/queue/pending", s.admin(s.handlePending))
	mux.Handle("POST /admin/optouts", s.admin(s.handleAddOptOut))
	mux.Handle("GET /admin/optouts/{phone}", s.admin(s.handleGetOptOut))
	mux.Handle("DELETE /admin/optouts/{phone}", s.admin(s.handleRemoveOptOut))
	mux.Handle("GET /admin/conversations/{id}", s.admin(s.handleConversation))
	mux.Handle("POST /admin/conversations/{id}/reply", s.admin(s.handleReply))
	mux.Handle("GET /admin/templates/preview", s.admin(s.handleTemplatePreview))
	return mux
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok", "database": "disabled", "redis": "disabled"}
	if s.deps.Repository != nil {
		body["database"] = "ok"
		if err := s.deps.Repository.Ping(ctx); err != nil {
			s.logger.Warn("health check: database", "error", err)
			body["database"] = "unavailable"
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Redis != nil {
		body["redis"] = "ok"
		// Redis only deduplicates; the service keeps working without it.
		if err := s.deps.Redis.Ping(ctx); err != nil {
			s.logger.Warn("health check: redis", "error", err)
			body["redis"] = "unavailable"
		}
	}
	writeJSONStatus(w, status, body)
}

// admin guards a handler with the bearer admin token.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSONStatus(w, http.StatusServiceUnavailable, errorBody{Error: "admin api disabled", Code: "ADMIN_DISABLED"})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
			writeJSONStatus(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		next(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.Message(err), Code: apperr.TextCode(err)}
	if status >= http.StatusInternalServerError {
		s.metrics.CountError("http")
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if body.Code == apperr.CodeInternal {
			body.Error = "internal error"
		}
	}
	writeJSONStatus(w, status, body)
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	writeJSONStatus(w, http.StatusServiceUnavailable, errorBody{Error: what + " unavailable", Code: "UNAVAILABLE"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid json body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("failed to encode json", "error", err)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
