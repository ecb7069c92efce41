package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/inference"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const predictTimeout = 30 * time.Second

// RiskService is the inference surface the API needs.
type RiskService interface {
	Predict(ctx context.Context, ts time.Time) (domain.RiskMap, error)
	Info() inference.Info
}

// Server exposes health, readiness, metrics, and the risk map API.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	svc        RiskService
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /api/v1 routes. svc may be nil when no model is loaded; the API routes then
// answer 503.
func NewServer(addr string, ready sharedobs.ReadinessChecker, svc RiskService, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: predictTimeout + 5*time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: engine,
		svc:    svc,
		logger: logger,
	}

	engine.GET("/healthz", gin.WrapF(sharedobs.LivenessHandler()))
	engine.GET("/readyz", gin.WrapF(sharedobs.ReadinessHandler(ready)))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	v1.GET("/model", s.handleModel)
	v1.GET("/riskmap/:timestamp", s.handleRiskMap)

	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// handleModel returns metadata about the loaded parameters.
// GET /api/v1/model
func (s *Server) handleModel(c *gin.Context) {
	if s.svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.svc.Info()})
}

// handleRiskMap predicts the window ending at :timestamp (RFC 3339 or
// YYYY-MM-DD). ?view=summary drops the per-cell probabilities.
// GET /api/v1/riskmap/:timestamp
func (s *Server) handleRiskMap(c *gin.Context) {
	if s.svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model loaded"})
		return
	}
	ts, err := parseTimestamp(c.Param("timestamp"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), predictTimeout)
	defer cancel()

	rm, err := s.svc.Predict(ctx, ts)
	if err != nil {
		status, kind := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("predict failed", "timestamp", ts, "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
		return
	}

	if c.Query("view") == "summary" {
		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"timestamp":     rm.Timestamp,
				"issued_at":     rm.IssuedAt,
				"model_version": rm.ModelVersion,
				"threshold":     rm.Threshold,
				"grid":          rm.Grid,
				"summary":       rm.Summarize(),
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rm})
}

func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("timestamp must be RFC 3339 or YYYY-MM-DD")
	}
	return ts, nil
}

// statusFor maps domain failures to client errors; anything else is a 5xx.
func statusFor(err error) (int, string) {
	kind := observability.ErrorKind(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kind
	case errors.Is(err, domain.ErrTemporalAlignment):
		return http.StatusNotFound, kind
	case kind != "other":
		return http.StatusUnprocessableEntity, kind
	default:
		return http.StatusInternalServerError, kind
	}
}
