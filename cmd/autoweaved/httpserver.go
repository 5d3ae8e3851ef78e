package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoweaved/autoweaved/internal/adminapi"
	"github.com/autoweaved/autoweaved/internal/lifecycle"
	"github.com/autoweaved/autoweaved/internal/logger"
	"github.com/autoweaved/autoweaved/internal/pluginhost"
	"github.com/autoweaved/autoweaved/internal/workerpool"
)

// adminHTTPServer wraps the gin engine serving internal/adminapi in a
// plain http.Server, following the teacher's listen-in-goroutine,
// shutdown-on-signal pattern.
type adminHTTPServer struct {
	srv *http.Server
}

func newAdminHTTPServer(controller *lifecycle.Controller, host *pluginhost.Host, scheduler *workerpool.Scheduler, addr string) *adminHTTPServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	adminapi.NewHandler(controller, host, scheduler).RegisterRoutes(router.Group(""))

	return &adminHTTPServer{srv: &http.Server{
		Addr:    addr,
		Handler: router,
	}}
}

func (a *adminHTTPServer) run() {
	log := logger.HTTP()
	log.Info().Str("addr", a.srv.Addr).Msg("admin HTTP server listening")
	if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin HTTP server stopped unexpectedly")
	}
}

func (a *adminHTTPServer) shutdown(ctx context.Context) {
	log := logger.HTTP()
	log.Info().Msg("shutting down admin HTTP server")
	if err := a.srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("admin HTTP server forced to shutdown")
	}
}
