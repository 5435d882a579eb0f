// Package server provides the HTTP and gRPC listener lifecycles.
//
// The HTTP surface carries both the generation API and the operator
// endpoints. Generation endpoints sit behind the auth middleware; operator
// endpoints stay open so probes and scrapes work without credentials.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/solatis/floodgate/internal/alerting"
	"github.com/solatis/floodgate/internal/core/auth"
	"github.com/solatis/floodgate/internal/health"
	"github.com/solatis/floodgate/internal/metrics"
	"github.com/solatis/floodgate/internal/resilience"
	"github.com/solatis/floodgate/internal/types"
)

// HTTPServer serves the generation API and operator endpoints.
type HTTPServer struct {
	srv *http.Server
	log zerolog.Logger
}

// HTTPDeps carries the collaborators the handlers need. Store may be nil
// when no database is configured; the history endpoint then serves the
// in-memory history only.
type HTTPDeps struct {
	Manager  *resilience.Manager
	Alerts   *alerting.Manager
	Store    *alerting.Store
	Health   *health.Checker
	Registry *metrics.Registry
	Auth     *auth.Authenticator
}

// generateRequest is the wire form of a generation call.
type generateRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
	Priority    string   `json:"priority"`
}

// NewHTTPServer builds the router and wraps it in a server with sane
// timeouts. Streaming responses disable the write timeout per-request.
func NewHTTPServer(addr string, deps HTTPDeps, log zerolog.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	logger := log.With().Str("component", "http").Logger()

	// Operator surface, unauthenticated.
	router.GET("/healthz", func(c *gin.Context) {
		if deps.Health.Healthy() {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
	})
	router.GET("/health/detailed", func(c *gin.Context) {
		report := deps.Health.Report()
		code := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
	router.GET("/stats", func(c *gin.Context) {
		stats := deps.Manager.Stats()
		c.JSON(http.StatusOK, gin.H{
			"queue_depth":           stats.QueueDepth,
			"in_flight":             stats.InFlight,
			"breaker_state":         stats.BreakerState.String(),
			"admitted":              stats.Admitted,
			"completed":             stats.Completed,
			"rejected_rate_limited": stats.RejectedRateLimited,
			"rejected_queue_full":   stats.RejectedQueueFull,
			"rejected_circuit_open": stats.RejectedCircuitOpen,
			"engine_errors":         stats.EngineErrors,
			"timeouts":              stats.Timeouts,
			"tracked_clients":       stats.TrackedClients,
		})
	})
	router.GET("/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alerts": deps.Alerts.CurrentAlerts()})
	})
	router.GET("/alerts/history", func(c *gin.Context) {
		if deps.Store != nil {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
			records, err := deps.Store.Recent(c.Request.Context(), limit)
			if err != nil {
				logger.Error().Err(err).Msg("failed to read alert history")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read alert history"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"history": records})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": deps.Alerts.History()})
	})
	router.GET("/metrics", gin.WrapH(deps.Registry.Handler()))

	// Generation surface, authenticated.
	api := router.Group("/v1")
	api.Use(deps.Auth.Middleware())
	api.POST("/generate", handleGenerate(deps.Manager))
	api.POST("/generate/stream", handleGenerateStream(deps.Manager))

	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

// Start serves until Shutdown. Blocks.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleGenerate runs one blocking generation through the pipeline.
func handleGenerate(mgr *resilience.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		clientID := auth.ClientID(c)
		result, err := mgr.Generate(c.Request.Context(), clientID, toGenerationRequest(req), parsePriority(req.Priority))
		if err != nil {
			writeAdmissionError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"text":             result.Text,
			"prompt_tokens":    result.PromptTokens,
			"generated_tokens": result.GeneratedTokens,
			"finish_reason":    result.FinishReason,
			"latency_ms":       result.Latency.Milliseconds(),
		})
	}
}

// handleGenerateStream streams token deltas as server-sent events.
func handleGenerateStream(mgr *resilience.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		clientID := auth.ClientID(c)
		stream, err := mgr.GenerateStream(c.Request.Context(), clientID, toGenerationRequest(req))
		if err != nil {
			writeAdmissionError(c, err)
			return
		}
		defer stream.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")

		for {
			ev, err := stream.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				// Headers are already out; the most we can do is report the
				// error in-band and end the stream.
				c.SSEvent("error", gin.H{"error": err.Error()})
				return
			}
			if ev.Final {
				c.SSEvent("done", gin.H{})
			} else {
				c.SSEvent("token", gin.H{"delta": ev.Delta})
			}
			c.Writer.Flush()
		}
	}
}

// writeAdmissionError maps pipeline rejections onto HTTP status codes, one
// code per failure domain.
func writeAdmissionError(c *gin.Context, err error) {
	var rle *types.RateLimitError
	switch {
	case errors.As(err, &rle):
		retryAfter := int(rle.RetryAfter.Seconds() + 0.999)
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})

	case errors.Is(err, types.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full, retry later"})

	case errors.Is(err, types.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine temporarily isolated"})

	case errors.Is(err, types.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})

	case errors.Is(err, types.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})

	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "engine call failed"})
	}
}

func toGenerationRequest(req generateRequest) *types.GenerationRequest {
	return &types.GenerationRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
}

func parsePriority(s string) types.Priority {
	switch s {
	case "high":
		return types.PriorityHigh
	case "low":
		return types.PriorityLow
	default:
		return types.PriorityNormal
	}
}
