package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/api/handlers"
	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/config"
	"github.com/certainly-param/tracelens/fork"
	"github.com/certainly-param/tracelens/graph"
	"github.com/certainly-param/tracelens/internal/metrics"
	"github.com/certainly-param/tracelens/internal/server"
	"github.com/certainly-param/tracelens/internal/telemetry"
	"github.com/certainly-param/tracelens/storage"
)

// Server wires storage, telemetry, domain components and HTTP serving.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store         *storage.Store
	otelProviders *telemetry.Providers

	// Domain components
	checkpointLog *checkpoint.Log
	graphBuilder  *graph.Builder
	forkEngine    *fork.Engine

	// Server managers
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler       *handlers.HealthHandler
	runsHandler         *handlers.RunsHandler
	interventionHandler *handlers.InterventionHandler

	metricsCollector *metrics.Collector

	// Background goroutine lifecycle: rate limiter cleanup, pool stats.
	bgCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer creates a server over an opened store.
func NewServer(cfg *config.Config, store *storage.Store, otelProviders *telemetry.Providers, metricsCollector *metrics.Collector, logger *zap.Logger) *Server {
	return &Server{
		cfg:              cfg,
		store:            store,
		otelProviders:    otelProviders,
		metricsCollector: metricsCollector,
		logger:           logger,
	}
}

// Start brings up all components and both listeners.
func (s *Server) Start() error {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s.bgCancel = bgCancel

	s.initComponents()
	s.startPoolStatsLoop(bgCtx)

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

func (s *Server) initComponents() {
	s.checkpointLog = checkpoint.NewLog(s.store, checkpoint.Options{
		MaxStateBytes: s.cfg.Storage.MaxStateBytes,
		Metrics:       s.metricsCollector,
	}, s.logger)
	s.graphBuilder = graph.NewBuilder(s.store, s.checkpointLog, s.logger)
	s.forkEngine = fork.NewEngine(s.checkpointLog, s.logger)
	s.forkEngine.SetMetrics(s.metricsCollector)
}

// startPoolStatsLoop publishes connection pool gauges on an interval.
func (s *Server) startPoolStatsLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.store.Stats()
				s.metricsCollector.RecordDBConnections("sqlite", stats.OpenConnections, stats.Idle)
			}
		}
	}()
}

func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("sqlite", s.store.Ping))

	s.runsHandler = handlers.NewRunsHandler(s.store, s.checkpointLog, s.graphBuilder, s.logger)
	s.interventionHandler = handlers.NewInterventionHandler(s.forkEngine, s.store.MaxStateBytes(), s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

func (s *Server) startHTTPServer(bgCtx context.Context) error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// Read API
	mux.HandleFunc("GET /api/v1/runs", s.runsHandler.HandleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/graph", s.runsHandler.HandleGraph)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/checkpoints", s.runsHandler.HandleListCheckpoints)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}", s.runsHandler.HandleGetCheckpoint)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}/diff", s.runsHandler.HandleDiff)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/spans", s.runsHandler.HandleSpans)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/timeline", s.runsHandler.HandleTimeline)

	// Write API: history interventions are sensitive endpoints and get
	// their own auth and a tighter rate limit, wrapped per-route instead
	// of relying on the global middleware chain's ordering.
	writeGuard := s.writeGuard(bgCtx)
	mux.Handle("PUT /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}/state",
		writeGuard(http.HandlerFunc(s.interventionHandler.HandleUpdateState)))
	mux.Handle("POST /api/v1/runs/{thread_id}/resume",
		writeGuard(http.HandlerFunc(s.interventionHandler.HandleResume)))
	mux.Handle("POST /api/v1/runs/{thread_id}/branch",
		writeGuard(http.HandlerFunc(s.interventionHandler.HandleBranch)))
	mux.Handle("POST /api/v1/runs/{thread_id}/validate",
		writeGuard(http.HandlerFunc(s.interventionHandler.HandleValidate)))

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(bgCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// writeGuard builds the per-route wrapper for mutation endpoints:
// API key auth plus a dedicated write rate limit.
func (s *Server) writeGuard(ctx context.Context) Middleware {
	auth := APIKeyAuth(s.cfg.Server.APIKeys, nil, s.logger)
	limit := RateLimiter(ctx, float64(s.cfg.Server.WriteRateLimitRPS), s.cfg.Server.WriteRateLimitBurst, s.logger)
	return func(next http.Handler) http.Handler {
		return auth(limit(next))
	}
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a shutdown signal, then cleans up.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown stops all services in order: stop accepting requests, drain
// the span export queues, then close the store.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.bgCancel != nil {
		s.bgCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// Flush queued spans before the store goes away.
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Store close error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
