// Package api assembles the relay's HTTP server: the gin engine, the
// middleware chain and the route table, plus lifecycle control around
// net/http serving.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/api/middleware"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/relay"
)

// Server runs the relay's HTTP API. Route handlers read refreshed state
// through the relay service and the live config, so configuration reloads
// never rebuild the engine.
type Server struct {
	service    *relay.Service
	requestLog *logging.FileRequestLogger
	httpServer *http.Server

	mu  sync.RWMutex
	cfg *config.Config
}

// NewServer wires the engine, middleware and routes for the given
// configuration.
func NewServer(cfg *config.Config, service *relay.Service) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		service:    service,
		requestLog: logging.NewFileRequestLogger(cfg.RequestLog, cfg.LogDir),
		cfg:        cfg,
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	h := handlers.New(service)
	engine.GET("/health", h.Health)

	v1 := engine.Group("/v1",
		middleware.RequestLogging(s.requestLog),
		middleware.APIKeyAuth(s.apiKeys),
	)
	v1.POST("/chat/completions", h.ChatCompletions)
	v1.GET("/models", h.Models)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// apiKeys snapshots the configured client keys for the auth middleware.
func (s *Server) apiKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.APIKeys
}

// Run serves until Shutdown is called. The nil error on clean shutdown lets
// callers treat Run as blocking until done.
func (s *Server) Run() error {
	log.Infof("relay listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Reload applies a changed configuration to the running server: routing
// table, client keys and the request-log switch. The listen address and the
// request-log directory stay fixed until restart.
func (s *Server) Reload(cfg *config.Config) error {
	if err := s.service.Reload(cfg); err != nil {
		return err
	}
	s.requestLog.SetEnabled(cfg.RequestLog)

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	log.Info("configuration reloaded")
	return nil
}
