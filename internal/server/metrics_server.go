package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/health"
	"github.com/devrev/tiersync/internal/orchestrator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the orchestrator surface the server exposes
type Engine interface {
	Status(ctx context.Context) (orchestrator.Status, error)
	SyncNow(ctx context.Context) error
}

// MetricsServer serves Prometheus metrics, probes and tenant status via HTTP
type MetricsServer struct {
	router     *mux.Router
	httpServer *http.Server
	engine     Engine
	health     *health.HealthChecker
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port        int
	MetricsPath string
	// Gatherer defaults to the prometheus default registry
	Gatherer prometheus.Gatherer
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, engine Engine, hc *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()

	s := &MetricsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		engine: engine,
		health: hc,
		logger: logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	router.Use(s.recovery)
	router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/sync", s.syncHandler).Methods(http.MethodPost)

	return s
}

// Handler returns the router, mainly for tests
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

// Start starts serving in the background
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// syncHandler runs a full flush and answers with the resulting status
func (s *MetricsServer) syncHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SyncNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.statusHandler(w, r)
}

func (s *MetricsServer) writeError(w http.ResponseWriter, err error) {
	code := syncerrors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{
		"status":  "error",
		"message": err.Error(),
	})
}

func (s *MetricsServer) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in HTTP handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
