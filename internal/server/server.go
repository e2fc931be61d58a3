// Package server exposes a churn session over HTTP: churn rates as JSON,
// explanations as PNG, stored runs, and Prometheus metrics.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"churnrisk/internal/explain"
	"churnrisk/internal/metrics"
	"churnrisk/internal/ml"
	"churnrisk/internal/storage"
)

// Session is the part of ml.Session the API reads
type Session interface {
	Summary() ml.SessionSummary
	GetChurnRate(row int) (float64, error)
	GetShapExplanation(ctx context.Context, row int) (*explain.Figure, error)
	GetTopNegativeFeatureExplanation(ctx context.Context, row int) (*explain.Figure, error)
	GetTopPositiveFeatureExplanation(ctx context.Context, row int) (*explain.Figure, error)
}

// RunStore lists persisted runs and their scores
type RunStore interface {
	ListRuns() ([]storage.Run, error)
	GetRun(id string) (storage.Run, bool, error)
	GetScores(runID string) ([]storage.Score, error)
}

// RequestMetrics counts API requests
type RequestMetrics interface {
	APIRequestsInc(route string, status int)
}

type Options struct {
	Port int
	// Store is optional; without it the /runs routes answer 404
	Store   RunStore
	Metrics RequestMetrics
	// Gatherer backs /metrics and the engine failure rate in /health
	Gatherer prometheus.Gatherer
	// ExplainTimeout bounds a single explanation request
	ExplainTimeout time.Duration
}

// Server provides HTTP API for a churn session
type Server struct {
	session Session
	opts    Options
	router  *gin.Engine
	server  *http.Server
}

// ChurnResponse is the churn rate of one customer row
type ChurnResponse struct {
	Row       int     `json:"row"`
	ChurnRate float64 `json:"churn_rate"`
	ModelID   string  `json:"model_id"`
}

// HealthResponse reports whether the session can serve requests
type HealthResponse struct {
	Status            string  `json:"status"`
	Started           bool    `json:"started"`
	Predicted         bool    `json:"predicted"`
	EngineFailureRate float64 `json:"engine_failure_rate"`
}

func New(session Session, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ExplainTimeout <= 0 {
		opts.ExplainTimeout = 2 * time.Minute
	}

	s := &Server{session: session, opts: opts}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	r.GET("/health", s.handleHealth)
	r.GET("/session", s.handleSession)
	r.GET("/customers/:row/churn", s.handleChurn)
	r.GET("/customers/:row/explanations/:kind", s.handleExplanation)
	r.GET("/runs", s.handleRuns)
	r.GET("/runs/:id/scores", s.handleScores)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: opts.ExplainTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting churn API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	if s.opts.Metrics != nil {
		s.opts.Metrics.APIRequestsInc(route, status)
	}

	log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Msg("api request")
}

func (s *Server) handleHealth(c *gin.Context) {
	sum := s.session.Summary()
	resp := HealthResponse{
		Status:            "ok",
		Started:           sum.Started,
		Predicted:         sum.Predicted,
		EngineFailureRate: metrics.EngineFailureRate(s.opts.Gatherer),
	}

	status := http.StatusOK
	if !sum.Started {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	} else if !sum.Predicted {
		resp.Status = "degraded"
	}
	c.JSON(status, resp)
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Summary())
}

func rowParam(c *gin.Context) (int, bool) {
	row, err := strconv.Atoi(c.Param("row"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid row %q", c.Param("row"))})
		return 0, false
	}
	return row, true
}

func (s *Server) handleChurn(c *gin.Context) {
	row, ok := rowParam(c)
	if !ok {
		return
	}

	rate, err := s.session.GetChurnRate(row)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ChurnResponse{
		Row:       row,
		ChurnRate: rate,
		ModelID:   s.session.Summary().ModelID,
	})
}

func (s *Server) handleExplanation(c *gin.Context) {
	row, ok := rowParam(c)
	if !ok {
		return
	}

	var explainRow func(context.Context, int) (*explain.Figure, error)
	switch c.Param("kind") {
	case "shap":
		explainRow = s.session.GetShapExplanation
	case "negative":
		explainRow = s.session.GetTopNegativeFeatureExplanation
	case "positive":
		explainRow = s.session.GetTopPositiveFeatureExplanation
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown explanation %q", c.Param("kind"))})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ExplainTimeout)
	defer cancel()

	fig, err := explainRow(ctx, row)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var buf bytes.Buffer
	if _, err := fig.WriteTo(&buf); err != nil {
		log.Error().Err(err).Int("row", row).Msg("failed to render explanation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "render failed"})
		return
	}
	if fig.Dependence != nil {
		c.Header("X-Explained-Feature", fig.Dependence.Column)
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.opts.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run store configured"})
		return
	}
	runs, err := s.opts.Store.ListRuns()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleScores(c *gin.Context) {
	if s.opts.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run store configured"})
		return
	}
	id := c.Param("id")
	run, ok, err := s.opts.Store.GetRun(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %q not found", id)})
		return
	}
	scores, err := s.opts.Store.GetScores(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if scores == nil {
		scores = []storage.Score{}
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "scores": scores})
}

// statusFor maps session errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, ml.ErrRowIndexOutOfRange):
		return http.StatusNotFound
	case errors.IsAny(err, ml.ErrSessionNotStarted, ml.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case ml.IsPrecondition(err):
		return http.StatusConflict
	case errors.Is(err, ml.ErrColumnNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
