// Package server owns the admin HTTP listener. API routes are mounted by
// the caller to avoid import cycles with the core.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/telepilot/telepilot/config"
	"github.com/telepilot/telepilot/log"
)

type Server struct {
	cfg    *config.Config
	router *gin.Engine
	http   *http.Server
}

func New(cfg *config.Config) *Server {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinLogger())
	router.SetTrustedProxies(nil)

	return &Server{cfg: cfg, router: router}
}

// Router exposes the engine so main can mount API routes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdLogger(zerolog.ErrorLevel),
	}

	log.Info().Str("addr", s.http.Addr).Str("env", s.cfg.Env).Msg("admin HTTP server starting")
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
