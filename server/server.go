// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/httprouter"

	"github.com/tsuru/healthcheck-as-a-service/pkg/hcaas"
)

// Broker is the provisioning surface the handlers drive.
type Broker interface {
	NewInstance(ctx context.Context, name string) error
	RemoveInstance(ctx context.Context, name string) error
	AddURL(ctx context.Context, name, url, expectedString, comment string) error
	RemoveURL(ctx context.Context, name, url string) error
	ListURLs(ctx context.Context, name string) ([]hcaas.URLStatus, error)
	AddWatcher(ctx context.Context, name, email, password string) error
	RemoveWatcher(ctx context.Context, name, email string) error
	ListWatchers(ctx context.Context, name string) ([]string, error)
}

// Server handles HTTP requests.
type Server struct {
	broker   Broker
	logger   *slog.Logger
	router   *httprouter.Router
	apiURL   string
	username string
	password string
}

// Config holds server configuration. Username/Password enable basic auth on
// every route when both are set.
type Config struct {
	Broker   Broker
	Logger   *slog.Logger
	APIURL   string
	Username string
	Password string
}

// New creates a new HTTP server handler with all routes registered.
func New(cfg *Config) *Server {
	s := &Server{
		broker:   cfg.Broker,
		logger:   cfg.Logger,
		apiURL:   cfg.APIURL,
		username: cfg.Username,
		password: cfg.Password,
	}

	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/healthz", s.wrap(s.handleHealth))
	r.HandlerFunc(http.MethodGet, "/plugin", s.wrap(s.handlePlugin))

	r.HandlerFunc(http.MethodPost, "/resources", s.wrap(s.handleNewInstance))
	r.HandlerFunc(http.MethodDelete, "/resources/:name", s.wrap(s.handleRemoveInstance))
	r.HandlerFunc(http.MethodGet, "/resources/:name/status", s.wrap(s.handleStatus))
	r.HandlerFunc(http.MethodPost, "/resources/:name", s.wrap(s.handleBind))
	r.HandlerFunc(http.MethodDelete, "/resources/:name/hostname/:host", s.wrap(s.handleUnbind))

	r.HandlerFunc(http.MethodPost, "/url", s.wrap(s.handleAddURL))
	r.HandlerFunc(http.MethodGet, "/resources/:name/url", s.wrap(s.handleListURLs))
	r.HandlerFunc(http.MethodDelete, "/resources/:name/url/*url", s.wrap(s.handleRemoveURL))

	r.HandlerFunc(http.MethodPost, "/watcher", s.wrap(s.handleAddWatcher))
	r.HandlerFunc(http.MethodGet, "/resources/:name/watcher", s.wrap(s.handleListWatchers))
	r.HandlerFunc(http.MethodDelete, "/resources/:name/watcher/:watcher", s.wrap(s.handleRemoveWatcher))

	s.router = r
	return s
}

// ServeHTTP dispatches to the router; it also makes Server usable directly in
// tests via httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with timeouts to prevent resource
// exhaustion.
func (s *Server) ListenAndServe(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrap applies basic auth (when configured) and per-request logging with a
// correlation id.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="healthcheck"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := uuid.NewString()
		start := time.Now()
		h(rec, r)
		s.logger.Info("Request handled",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// writeBrokerError maps the broker's error taxonomy to status codes: lookup
// misses to 404, the idempotency guard to 409, cross-instance removal to 400.
// Remote and infrastructure failures stay generic.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hcaas.ErrHealthCheckNotFound),
		errors.Is(err, hcaas.ErrItemNotFound),
		errors.Is(err, hcaas.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, hcaas.ErrWatcherAlreadyRegistered):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, hcaas.ErrWatcherNotInInstance):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("Operation failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
