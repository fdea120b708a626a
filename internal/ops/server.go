package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chorusproject/chorus/internal/session"
)

// QueueHealth reports whether the event queue connection is up
type QueueHealth func() bool

// Server is the operator HTTP surface: health plus recent session
// outcomes. There is no interactive workflow here; sessions are
// observed, never driven, through it.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the ops server listening on the given port
func NewServer(port int, ledger session.Ledger, queueHealthy QueueHealth, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(logger))

	r.GET("/healthz", func(c *gin.Context) {
		if queueHealthy != nil && !queueHealthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"queue":  "disconnected",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/sessions", func(c *gin.Context) {
			limit := 50
			if raw := c.Query("limit"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed <= 0 || parsed > 500 {
					c.JSON(http.StatusBadRequest, gin.H{
						"error": "limit must be a positive integer up to 500",
					})
					return
				}
				limit = parsed
			}

			records, err := ledger.Recent(c.Request.Context(), limit)
			if err != nil {
				logger.Error("Failed to list recent sessions",
					slog.Any("error", err),
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to list sessions",
				})
				return
			}

			c.JSON(http.StatusOK, gin.H{
				"sessions": records,
				"count":    len(records),
			})
		})
	}

	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Ops server listening",
		slog.String("addr", s.srv.Addr),
	)

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// loggerMiddleware logs HTTP requests with slog
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
