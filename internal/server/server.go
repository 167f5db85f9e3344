// Package server hosts the operational HTTP surface of the gateway:
// health, pool inspection and management, on-demand health sweeps,
// allocation, usage probes, background-task stats, and log streaming.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/NevinXuHui/KiroGate/internal/allocator"
	"github.com/NevinXuHui/KiroGate/internal/auth"
	"github.com/NevinXuHui/KiroGate/internal/config"
	"github.com/NevinXuHui/KiroGate/internal/constants"
	"github.com/NevinXuHui/KiroGate/internal/health"
	"github.com/NevinXuHui/KiroGate/internal/kiro"
	"github.com/NevinXuHui/KiroGate/internal/logging"
	"github.com/NevinXuHui/KiroGate/internal/middleware"
	"github.com/NevinXuHui/KiroGate/internal/runtime"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

// Dependencies are the wired components the routes operate on. Usage may be
// nil; a client is then built per identity region.
type Dependencies struct {
	Config    *config.Config
	Store     store.Store
	Registry  *auth.Registry
	Allocator *allocator.Allocator
	Checker   *health.Checker
	Tasks     *runtime.TaskManager
	WSLogger  *logging.WebSocketLogger
	Usage     *kiro.UsageClient
}

// Server wraps the gin engine and the net/http server around it.
type Server struct {
	deps   Dependencies
	engine *gin.Engine
	srv    *http.Server
}

// New builds the engine, middleware chain, and routes.
func New(deps Dependencies) *Server {
	if deps.Config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(),
		middleware.RateLimiter(deps.Config.RateLimitRPS, deps.Config.RateLimitBurst),
	)

	s := &Server{deps: deps, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.deps.Config.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("addr", addr).Info("Ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the server shutdown budget.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, constants.ServerShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/version", s.handleVersion)

	api := s.engine.Group("/api", middleware.ManagementAuth(s.deps.Config.ManagementKeyHash))
	{
		api.GET("/tokens", s.handleListTokens)
		api.POST("/tokens", s.handleCreateToken)
		api.GET("/tokens/:id", s.handleGetToken)
		api.DELETE("/tokens/:id", s.handleDeleteToken)
		api.POST("/tokens/:id/status", s.handleSetStatus)
		api.GET("/tokens/:id/usage", s.handleUsage)

		api.POST("/allocate", s.handleAllocate)
		api.POST("/allocate/reset", s.handleResetSequential)

		api.POST("/health/check", s.handleHealthSweep)

		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/stats", s.handleTaskStats)

		api.GET("/logs/history", s.handleLogHistory)
		api.GET("/logs/stream", s.handleLogStream)
	}
}
