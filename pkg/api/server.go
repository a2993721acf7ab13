package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds the listener addresses. An empty GRPCAddr disables the
// gRPC health service.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server serves the plugin hooks, the orchestration API, health and
// metrics over HTTP, and gRPC health on a second listener
type Server struct {
	cfg       Config
	orch      Orchestrator
	fleet     *fleet.Table
	publisher fleet.Publisher
	hooks     *Hooks
	engine    *gin.Engine
	http      *http.Server
	grpc      *GRPCHealth
	now       func() time.Time
	logger    zerolog.Logger
}

// NewServer builds the router. Host notifications are published as fleet
// events through publisher once every listener in hooks accepts them.
func NewServer(cfg Config, orch Orchestrator, table *fleet.Table, publisher fleet.Publisher, hooks *Hooks) *Server {
	if hooks == nil {
		hooks = NewHooks()
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		fleet:     table,
		publisher: publisher,
		hooks:     hooks,
		now:       time.Now,
		logger:    log.WithComponent("api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), instrument())
	engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	engine.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	engine.GET("/live", gin.WrapF(metrics.LivenessHandler()))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.registerPlugins(&engine.RouterGroup)
	s.registerOrchestration(&engine.RouterGroup)
	s.engine = engine
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start opens both listeners and serves them in the background
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	s.http = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
			metrics.UpdateComponent("api", false, err.Error())
		}
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")

	if s.cfg.GRPCAddr != "" {
		glis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = s.http.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpc = NewGRPCHealth()
		go func() {
			if err := s.grpc.Serve(glis); err != nil {
				s.logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
		s.logger.Info().Str("addr", glis.Addr().String()).Msg("gRPC health listening")
	}

	metrics.RegisterComponent("api", true, "")
	return nil
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "stopping")
	if s.grpc != nil {
		s.grpc.Stop()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
