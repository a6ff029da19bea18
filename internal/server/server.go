// Package server assembles the orchestration service: event bus, work
// store, agent pool, tracker backend, orchestrator, and the HTTP API on
// top of them. It owns startup order and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/internal/agent"
	"github.com/forgeline/foreman/internal/api/handlers"
	"github.com/forgeline/foreman/internal/api/middleware"
	"github.com/forgeline/foreman/internal/api/stream"
	"github.com/forgeline/foreman/internal/config"
	"github.com/forgeline/foreman/internal/crypto"
	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/orchestrator"
	"github.com/forgeline/foreman/internal/pool"
	"github.com/forgeline/foreman/internal/tracker"
	"github.com/forgeline/foreman/internal/work"
	"github.com/forgeline/foreman/pkg/logger"
)

const shutdownGrace = 15 * time.Second

// Options tweak construction beyond what config covers.
type Options struct {
	// Version is reported by the health endpoint.
	Version string

	// Launcher overrides the agent launcher built from config. Dev mode
	// and tests inject fakes here.
	Launcher agent.Launcher

	// Tracker overrides the tracker backend built from config.
	Tracker tracker.Tracker
}

// Server is the assembled service. Build one with New, then either call
// Run to serve on the configured address or mount Handler yourself.
type Server struct {
	cfg    *config.Config
	bus    *eventbus.Bus
	store  *work.Store
	agents *pool.Pool
	orch   *orchestrator.Orchestrator
	router *gin.Engine
	http   *http.Server

	closeTracker func() error

	// addrCh carries the bound address once the listener is up.
	addrCh chan string
}

// New wires the service together from config. It does not start
// listening; call Run for that.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	bus := eventbus.New()
	store := work.NewStore(bus)
	agents := pool.New(cfg.Workers)

	trk := opts.Tracker
	var closeTracker func() error
	if trk == nil {
		var err error
		trk, closeTracker, err = buildTracker(cfg)
		if err != nil {
			bus.Close()
			agents.Close()
			return nil, err
		}
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = &agent.CLILauncher{Binary: cfg.AgentBin}
	}

	orch := orchestrator.New(store, agents, launcher, trk, orchestrator.Options{
		WorkTimeout: cfg.WorkTimeout,
	})

	var jwtManager *crypto.JWTManager
	if cfg.AuthSecret != "" {
		var err error
		jwtManager, err = crypto.NewJWTManager(cfg.AuthSecret)
		if err != nil {
			bus.Close()
			agents.Close()
			if closeTracker != nil {
				closeTracker()
			}
			return nil, fmt.Errorf("initializing auth: %w", err)
		}
	}

	s := &Server{
		cfg:          cfg,
		bus:          bus,
		store:        store,
		agents:       agents,
		orch:         orch,
		closeTracker: closeTracker,
		addrCh:       make(chan string, 1),
	}
	s.router = s.buildRouter(jwtManager, opts.Version)
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s, nil
}

func buildTracker(cfg *config.Config) (tracker.Tracker, func() error, error) {
	switch cfg.Tracker {
	case config.TrackerSQLite:
		db, err := tracker.OpenSQLite(cfg.TrackerDB)
		if err != nil {
			return nil, nil, fmt.Errorf("opening tracker db: %w", err)
		}
		return db, db.Close, nil
	case config.TrackerCLI:
		return tracker.NewCLI(cfg.TrackerBin, ""), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown tracker backend %q", cfg.Tracker)
	}
}

func (s *Server) buildRouter(jwtManager *crypto.JWTManager, version string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	router.Use(middleware.RequestLogger())

	workHandler := handlers.NewWorkHandler(s.orch)
	planningHandler := handlers.NewPlanningHandler(s.orch, s.agents)
	healthHandler := handlers.NewHealthHandler(version)
	sseGateway := stream.NewSSEGateway(s.store, stream.Options{})
	wsGateway := stream.NewWSGateway(s.store, stream.Options{})

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Welcome to Foreman")
	})
	router.GET("/healthz", healthHandler.Healthz)

	api := router.Group("")
	if jwtManager != nil {
		api.Use(middleware.RequireAuth(jwtManager))
	}

	api.POST("/work/start", workHandler.StartWork)
	api.GET("/work/status/:issueId", workHandler.WorkStatus)
	api.GET("/work/session/:workId", workHandler.WorkSession)
	api.GET("/work/active", workHandler.ActiveWork)
	api.POST("/work/cancel/:issueId", workHandler.CancelWork)
	api.GET("/work/events", sseGateway.HandleEvents)
	api.GET("/work/events/ws", wsGateway.HandleEvents)
	api.GET("/planning/pool/status", planningHandler.PoolStatus)
	api.POST("/planning/breakdown", planningHandler.Breakdown)

	return router
}

// Handler exposes the HTTP surface for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr reports the bound listen address once Run is serving. It blocks
// until the listener is up or ctx ends.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-s.addrCh:
		s.addrCh <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run serves until ctx is cancelled, then drains in-flight work and
// shuts the stack down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	s.store.StartSweeper(sweepCtx)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		stopSweeper()
		s.closeStack(context.Background())
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.addrCh <- ln.Addr().String()
	logger.Infof("[server] listening on %s", ln.Addr())

	serveErr := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		stopSweeper()
		s.closeStack(context.Background())
		if ok && err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("[server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("[server] http shutdown: %v", err)
		s.http.Close()
	}
	stopSweeper()
	s.closeStack(shutdownCtx)
	return nil
}

// closeStack tears down everything behind the HTTP layer. Safe to call
// once serving has stopped.
func (s *Server) closeStack(ctx context.Context) {
	if err := s.orch.Shutdown(ctx); err != nil {
		logger.Warnf("[server] orchestrator shutdown: %v", err)
	}
	s.agents.Close()
	s.bus.Close()
	if s.closeTracker != nil {
		if err := s.closeTracker(); err != nil {
			logger.Warnf("[server] closing tracker: %v", err)
		}
	}
}
