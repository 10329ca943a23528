// Package server exposes the collector's own metrics, health and job progress over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/config"
)

// Server serves /metrics, /health and /status for the running collection job.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
	mux      *http.ServeMux
	routes   []string
	health   func() error
	status   func() any
}

type Option func(*Server)

// WithHealth sets the health probe. A non-nil error turns /health into 503.
func WithHealth(f func() error) Option {
	return func(s *Server) { s.health = f }
}

// WithStatus sets the snapshot rendered as JSON on /status.
func WithStatus(f func() any) Option {
	return func(s *Server) { s.status = f }
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func NewHTTPServer(cfg config.ServerConfig, logger *zap.Logger, registry *prometheus.Registry, opts ...Option) *Server {
	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		mux:      http.NewServeMux(),
		health:   func() error { return nil },
		status:   func() any { return struct{}{} },
	}
	for _, o := range opts {
		o(srv)
	}
	srv.registerEndpoints()
	srv.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.accessLog(srv.mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return srv
}

// Handler is the root handler including the access log.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Routes lists the registered paths in sorted order.
func (s *Server) Routes() []string {
	out := append([]string(nil), s.routes...)
	sort.Strings(out)
	return out
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, h)
}

func (s *Server) registerEndpoints() {
	s.handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger),
	}))

	s.handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	s.handle("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.status())
	}))

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"routes": s.Routes()})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// Start binds the listen address and serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()), zap.Strings("routes", s.Routes()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests until ctx expires. An expired drain is logged, not returned.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	switch {
	case err == nil:
		s.logger.Info("http server stopped")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("http server drain timed out")
		return nil
	default:
		return fmt.Errorf("http shutdown: %w", err)
	}
}
