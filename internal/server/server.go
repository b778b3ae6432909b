package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/config"
	"github.com/tanoshi/narration/internal/home"
	"github.com/tanoshi/narration/internal/server/endpoints"
	"github.com/tanoshi/narration/internal/svcctx"
)

// Server is the main narration HTTP server.
// It owns the storage backend, the pipeline and the HTTP listener; Start
// brings them up in that order and shutdown tears them down in reverse.
type Server struct {
	httpServer *http.Server
	configMgr  *config.Manager
	home       *home.Dir
	logger     *slog.Logger

	embeddedNATS bool

	// services holds all core services for context enrichment
	services *svcctx.Services
	stack    *stack

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Home is the narration home directory (blobs and broker state)
	Home *home.Dir
	// EmbeddedNATS runs a NATS server in-process for the nats backend
	EmbeddedNATS bool
	// KeepAlive overrides the event stream keep-alive interval
	KeepAlive time.Duration
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, err
		}
		cfg.Home = h
	}
	c := cfg.ConfigManager.Get()

	s := &Server{
		configMgr:    cfg.ConfigManager,
		home:         cfg.Home,
		logger:       cfg.Logger,
		embeddedNATS: cfg.EmbeddedNATS,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		KeepAlive:   cfg.KeepAlive,
		CORSOrigins: c.CORSOrigins,
	}) {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	host, port := c.Server.Host, c.Server.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "8080"
	}
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(host, port),
		Handler:      s.Handler(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler wraps mux with the server middleware.
func (s *Server) Handler(mux http.Handler) http.Handler {
	return s.withServices(s.logRequests(cors(s.configMgr.Get().CORSOrigins, mux)))
}

// HTTPHandler returns the complete handler, for tests that serve it with
// httptest.
func (s *Server) HTTPHandler() http.Handler {
	return s.httpServer.Handler
}

// Init builds the storage backend and the pipeline and starts the
// background workers. They stop when ctx is cancelled.
func (s *Server) Init(ctx context.Context) error {
	st, err := buildStack(ctx, s.configMgr.Get(), s.home, s.embeddedNATS, s.logger)
	if err != nil {
		return err
	}

	restored, err := st.coordinator.Restore(ctx)
	if err != nil {
		st.close()
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	if restored > 0 {
		s.logger.Info("restored jobs", "count", restored)
	}

	st.start(ctx)
	s.configMgr.OnChange(st.reload)

	s.mu.Lock()
	s.stack = st
	s.services = &svcctx.Services{
		Sessions:  st.sessions,
		Pipeline:  st.coordinator,
		Events:    st.events,
		Voices:    st.voices,
		Blobs:     st.blobs,
		Providers: st.providers,
		Signer:    st.signer,
		Config:    s.configMgr,
		Logger:    s.logger,
		Home:      s.home,
	}
	s.mu.Unlock()
	return nil
}

// Start initializes the server and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("starting pipeline", "backend", s.configMgr.Get().Store.Backend)
	if err := s.Init(runCtx); err != nil {
		s.setNotRunning()
		return err
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	cancel()
	s.shutdown()
	return serveErr
}

// shutdown stops the HTTP server, waits for the pipeline and closes the
// backend.
func (s *Server) shutdown() {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.mu.Lock()
	st := s.stack
	s.mu.Unlock()
	if st != nil {
		st.wait()
		st.close()
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
}

// Close releases the backend after Init without Start, once the context
// passed to Init is cancelled.
func (s *Server) Close() {
	s.mu.Lock()
	st := s.stack
	s.mu.Unlock()
	if st != nil {
		st.wait()
		st.close()
	}
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Services returns the initialized services, or nil before Init.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Endpoints returns the endpoint registry, used to build CLI commands.
func (s *Server) Endpoints() *api.Registry {
	return s.endpointRegistry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if services := s.Services(); services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the pipeline isn't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Services() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
