// Package api provides the worker's local HTTP status API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/httpmw"
	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/tracing"
	"github.com/Pandinosaurus/deepforge/internal/worker/client"
)

const serverName = "deepforge-worker-status"

// SessionLister reports the worker's live sessions.
type SessionLister interface {
	Sessions() []client.SessionStatus
}

// Server serves /health and /api/v1/sessions.
type Server struct {
	workerID string
	sessions SessionLister
	logger   *logger.Logger
	router   *gin.Engine
}

// NewServer creates the status API.
func NewServer(workerID string, sessions SessionLister, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		workerID: workerID,
		sessions: sessions,
		logger:   log.WithComponent("status-api"),
		router:   gin.New(),
	}
	s.router.Use(
		gin.Recovery(),
		httpmw.Tracing(tracing.Tracer(serverName), attribute.String("worker.id", workerID)),
		httpmw.RequestLogger(s.logger, serverName),
	)

	s.router.GET("/health", s.handleHealth)
	api := s.router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleSessions)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", WorkerID: s.workerID})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.Sessions())
}
