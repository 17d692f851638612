// Package healthsrv exposes the supervisor's only HTTP surface:
// /healthz and /metrics. Unlike the teacher's internal/api, which serves a
// full workload CRUD surface, this supervisor's lifecycle is driven
// entirely by the bus and the state store — the HTTP surface exists
// purely for liveness probes and Prometheus scraping, per SPEC_FULL.md's
// ambient-stack carry-over of the teacher's chi/cors server shape without
// its application routes.
package healthsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// ReadyFunc reports whether the supervisor is ready to accept work. The
// healthz handler folds this into its response so a load balancer can
// distinguish "process is up" from "process is draining".
type ReadyFunc func() bool

// Server wraps the chi router serving healthz/metrics.
type Server struct {
	router *chi.Mux
	addr   string
	logger *slog.Logger
	ready  ReadyFunc
}

// New creates a Server bound to addr. ready defaults to always-ready if nil.
func New(addr string, ready ReadyFunc, logger *slog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	srv := &Server{
		router: chi.NewRouter(),
		addr:   addr,
		logger: logger,
		ready:  ready,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
		MaxAge:         300,
	}))

	srv.router.Get("/healthz", srv.handleHealthz)
	srv.router.Handle("/metrics", promhttp.Handler())

	return srv
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled, at which
// point it shuts down gracefully within shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("healthsrv listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("healthsrv: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("healthsrv: shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.ready() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: status}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
