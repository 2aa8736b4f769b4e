// Package server exposes the emotion classifier over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/logging"
)

const shutdownTimeout = 5 * time.Second

// Server owns the gin router and the listening http.Server.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// New builds the router for service.
func New(service *Service, uploadLimit int64, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestLogger(logger), recovery(logger))
	if uploadLimit > 0 {
		router.MaxMultipartMemory = uploadLimit
	}

	setupRoutes(router, NewHandler(service, uploadLimit))

	return &Server{router: router, logger: logger}
}

func setupRoutes(router *gin.Engine, h *Handler) {
	router.POST("/predict-emotion", h.HandlePredictEmotion)
	router.POST("/predict-emotion/", h.HandlePredictEmotion)
	router.GET("/healthz", h.HandleHealth)
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}

	s.logger.Info("server exiting")
	return nil
}
