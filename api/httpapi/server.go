package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/flexiblepower/defpi-core-sub002/internal/scheduler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	manager    *scheduler.Manager
	registry   *change.Registry
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, mgr *scheduler.Manager, reg *change.Registry) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger:   logger,
		manager:  mgr,
		registry: reg,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Pending changes. Fixed paths before {id}.
	r.HandleFunc("/api/v1/kinds", srv.handleListKinds).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/changes", srv.handleSubmitChange).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/changes", srv.handleListChanges).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/changes/count", srv.handleCountChanges).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/changes/cleanup", srv.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/changes/locks", srv.handleListLocks).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/changes/{id}", srv.handleGetChange).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/changes/{id}", srv.handleDeleteChange).Methods(http.MethodDelete)

	// Attempt history
	r.HandleFunc("/api/v1/changes/{id}/attempts", srv.handleListAttempts).Methods(http.MethodGet)

	s := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv.httpServer = s
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
