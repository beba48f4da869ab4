// Package server provides the HTTP server for the orchestrator: the
// node-facing agent API, the VM REST surface, the VNC console proxy, and the
// health endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/cache"
	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/coordination"
	"github.com/stratomesh/stratomesh/internal/events"
	"github.com/stratomesh/stratomesh/internal/ingress"
	"github.com/stratomesh/stratomesh/internal/perf"
	"github.com/stratomesh/stratomesh/internal/scheduler"
	"github.com/stratomesh/stratomesh/internal/server/middleware"
	"github.com/stratomesh/stratomesh/internal/services/access"
	"github.com/stratomesh/stratomesh/internal/services/auth"
	"github.com/stratomesh/stratomesh/internal/services/node"
	"github.com/stratomesh/stratomesh/internal/services/relay"
	"github.com/stratomesh/stratomesh/internal/services/system"
	"github.com/stratomesh/stratomesh/internal/services/user"
	"github.com/stratomesh/stratomesh/internal/services/vm"
	"github.com/stratomesh/stratomesh/internal/store"
	memorystore "github.com/stratomesh/stratomesh/internal/store/memory"
)

// Server owns the HTTP surface and the background loops around it.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	docs  store.DocumentStore
	data  *store.DataStore
	cache *cache.Cache
	coord *coordination.Coordinator

	// Services
	bus       *events.Bus
	jwt       *auth.JWTManager
	evaluator *perf.Evaluator
	scheduler *scheduler.Scheduler
	users     *user.Service
	lifecycle *vm.Lifecycle
	vms       *vm.Service
	nodes     *node.Service
	relays    *relay.Service
	access    *access.Service
	system    *system.Reconciler

	// Leader election (nil without etcd; single instance is always leader)
	election *coordination.Election
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithDocumentStore wires a durable document store. Without one the
// orchestrator runs on the in-memory driver (development mode).
func WithDocumentStore(docs store.DocumentStore) ServerOption {
	return func(s *Server) {
		s.docs = docs
	}
}

// WithCache wires Redis for event fan-out and registration rate limiting.
func WithCache(c *cache.Cache) ServerOption {
	return func(s *Server) {
		s.cache = c
	}
}

// WithCoordinator wires etcd for leader election over the background loops.
func WithCoordinator(c *coordination.Coordinator) ServerOption {
	return func(s *Server) {
		s.coord = c
	}
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config: cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.initStore()
	s.initServices()
	s.registerRoutes()

	handler := s.setupMiddleware(s.mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initStore builds the hot data store over whichever document driver was
// injected.
func (s *Server) initStore() {
	durable := s.docs != nil
	if !durable {
		s.logger.Info("No document store wired, using the in-memory driver")
		s.docs = memorystore.New()
	}
	s.data = store.New(s.docs, durable, s.logger)

	s.logger.Info("Data store initialized",
		zap.Bool("durable", durable),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.coord != nil),
	)
}

// initServices builds the service graph. Construction order follows the
// dependency direction; the node service gets its relay coordinator and
// pending-VM trigger through late binding because the relay and VM services
// also read node records.
func (s *Server) initServices() {
	s.logger.Info("Initializing services")

	// Broadcast through Redis only when it is wired. The interface value
	// must stay nil otherwise.
	var broadcast events.Broadcaster
	if s.cache != nil {
		broadcast = s.cache
	}
	s.bus = events.NewBus(s.data, broadcast, s.logger)

	s.jwt = auth.NewJWTManager(s.config.JWT)
	s.evaluator = perf.NewEvaluator(s.config.Scheduling, s.logger)
	s.scheduler = scheduler.New(s.data, s.config.Scheduling, s.logger)
	s.users = user.NewService(s.data, s.logger)

	s.lifecycle = vm.NewLifecycle(s.data, s.users, ingress.NewLogHook(s.logger), s.bus, s.logger)
	s.vms = vm.NewService(
		s.data,
		s.users,
		s.lifecycle,
		s.scheduler,
		s.bus,
		vm.NewTemplateCatalog(),
		s.config.Images,
		s.config.Scheduling,
		s.logger,
	)

	s.nodes = node.NewService(
		s.data,
		s.lifecycle,
		s.evaluator,
		s.jwt,
		s.bus,
		s.config.Node,
		s.config.Scheduling,
		s.config.DHT,
		s.logger,
	)

	s.relays = relay.New(s.data, s.bus, s.config.Relay, s.logger)
	s.nodes.SetRelayCoordinator(s.relays)
	s.nodes.SetPendingScheduler(s.vms)

	s.access = access.New(s.data, s.config.Access, s.logger)
	s.system = system.NewReconciler(s.data, s.vms, s.relays, s.config.System, s.logger)

	s.logger.Info("Services initialized",
		zap.String("scheduling_config_version", s.config.Scheduling.Version),
	)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// Node-facing agent API
	nodeHandler := NewNodeHandler(s)
	s.mux.Handle("/api/v1/nodes", nodeHandler)
	s.mux.Handle("/api/v1/nodes/", nodeHandler)

	// VM REST surface
	vmHandler := NewVMHandler(s)
	s.mux.Handle("/api/v1/vms", vmHandler)
	s.mux.Handle("/api/v1/vms/", vmHandler)

	// VNC console proxy
	s.mux.Handle("/api/v1/console/", NewConsoleHandler(s))

	// Recent events (operator surface)
	s.mux.HandleFunc("/api/v1/events", s.eventsHandler)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures the middleware chain: auth guards the node
// endpoints, then CORS, logging, and panic recovery from the inside out.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	nodeAuth := middleware.NewNodeAuthenticator(s.jwt, s.data, s.logger)
	handler = nodeAuth.Wrap(handler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})
	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Health checks and heartbeats would drown the log.
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"stratomesh-orchestrator"}`)
}

// readyHandler reports readiness of the wired infrastructure.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	components := map[string]string{}

	if s.data.IsBackedByDocumentStore() {
		if err := s.docs.Ping(ctx); err != nil {
			ready = false
			components["documents"] = "unhealthy"
		} else {
			components["documents"] = "healthy"
		}
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			components["redis"] = "unhealthy"
		} else {
			components["redis"] = "healthy"
		}
	}
	if s.coord != nil {
		if err := s.coord.Health(ctx); err != nil {
			ready = false
			components["etcd"] = "unhealthy"
		} else {
			components["etcd"] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(s.logger, w, status, map[string]any{
		"ready":      ready,
		"components": components,
	})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"name":        "Stratomesh Orchestrator",
		"version":     "0.1.0",
		"api_version": "v1",
		"description": "Distributed VM orchestration control plane",
		"leader":      s.isLeader(),
		"infrastructure": map[string]bool{
			"documents": s.data.IsBackedByDocumentStore(),
			"redis":     s.cache != nil,
			"etcd":      s.coord != nil,
		},
	})
}

// eventsHandler returns the most recent orchestrator events.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(s.logger, w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(s.logger, w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be an integer in [1,500]")
			return
		}
		limit = parsed
	}
	evs, err := s.data.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "INTERNAL", "failed to load events")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) isLeader() bool {
	if s.election == nil {
		return true
	}
	return s.election.IsLeader()
}

// leaderChecker returns the gate the background loops poll. Without etcd a
// single instance is always the leader.
func (s *Server) leaderChecker() store.LeaderChecker {
	if s.election != nil {
		return s.election
	}
	return coordination.AlwaysLeader{}
}

// Run starts the server and blocks until ctx is cancelled. It loads the warm
// state, campaigns for leadership when etcd is wired, and starts the
// background loops.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server", zap.String("address", s.config.Server.Address()))

	if err := s.data.WarmStart(ctx); err != nil {
		return fmt.Errorf("warm start failed: %w", err)
	}

	if s.coord != nil {
		election, err := s.coord.Campaign(ctx, "orchestrator")
		if err != nil {
			s.logger.Warn("Leader election unavailable, running standalone", zap.Error(err))
		} else {
			s.election = election
		}
	}

	if s.config.Seed.Enabled && !s.data.IsBackedByDocumentStore() {
		s.seedDemoData(ctx)
	}

	// Background loops. Each one gates itself on the leader checker every
	// tick, so followers keep them parked without restarts on failover.
	leader := s.leaderChecker()
	go s.nodes.RunWatchdog(ctx, leader)
	go s.nodes.RunCommandSweeper(ctx, leader)
	go s.system.Run(ctx, leader)
	if s.data.IsBackedByDocumentStore() {
		go s.data.RunSync(ctx, s.config.Database.SyncInterval, leader)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server: stop accepting requests, flush the
// dirty state, resign leadership, release connections.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown error", zap.Error(err))
	}

	if s.data.IsBackedByDocumentStore() {
		if err := s.data.Flush(shutdownCtx); err != nil {
			s.logger.Error("Final flush failed, unsynced changes may be lost", zap.Error(err))
		}
	}

	if s.election != nil {
		if err := s.election.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}
	if s.coord != nil {
		if err := s.coord.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if err := s.docs.Close(); err != nil {
		s.logger.Warn("Failed to close document store", zap.Error(err))
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
