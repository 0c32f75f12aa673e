// Package server exposes the session API over HTTP. It is a thin layer:
// every handler validates input, delegates to the engine, and maps the
// engine's error taxonomy onto status codes.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tbellor/clipscout/pkg/modelspace"
	"github.com/tbellor/clipscout/pkg/runner"
	"github.com/tbellor/clipscout/pkg/sampling"
	"github.com/tbellor/clipscout/pkg/session"
	"github.com/tbellor/clipscout/pkg/store"
)

// Server wires the engine, the model runner, and the registry behind a gin
// router.
type Server struct {
	engine           *session.Engine
	models           *modelspace.Registry
	runner           runner.ModelRunner
	defaultBatchSize int
	logger           *zap.Logger
	router           *gin.Engine
}

// New builds the server and its routes. modelRunner may be nil when no
// external model executables are configured; the run endpoints then return
// 503.
func New(engine *session.Engine, models *modelspace.Registry, modelRunner runner.ModelRunner, defaultBatchSize int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultBatchSize <= 0 {
		defaultBatchSize = 12
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{
		engine:           engine,
		models:           models,
		runner:           modelRunner,
		defaultBatchSize: defaultBatchSize,
		logger:           logger,
		router:           router,
	}

	router.Use(gin.Recovery(), s.requestLog())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/api/models", s.listModels)

	router.POST("/api/sessions", s.createSession)
	router.GET("/api/sessions", s.listSessions)
	router.GET("/api/sessions/:id", s.getSession)
	router.GET("/api/sessions/:id/labels", s.getLabels)
	router.POST("/api/sessions/:id/batch", s.nextBatch)
	router.POST("/api/sessions/:id/labels", s.submitLabels)
	router.POST("/api/sessions/:id/advance", s.advanceRound)
	router.POST("/api/sessions/:id/finalize", s.finalize)
	router.POST("/api/sessions/:id/abandon", s.abandon)

	router.POST("/api/runs/embeddings", s.runEmbeddings)
	router.POST("/api/runs/:id/predictions", s.runPredictions)

	return s
}

// Handler returns the underlying http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves the API on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("session API listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) listModels(c *gin.Context) {
	specs := s.models.List()
	out := make([]gin.H, 0, len(specs))
	for _, spec := range specs {
		out = append(out, gin.H{
			"name":           spec.Name,
			"dimensions":     spec.Dimensions,
			"default_metric": spec.DefaultMetric,
			"sample_rate_hz": spec.SampleRateHz,
			"window_seconds": spec.WindowSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (s *Server) createSession(c *gin.Context) {
	var req struct {
		Model      string      `json:"model" binding:"required"`
		ModelRunID string      `json:"model_run_id" binding:"required"`
		Metric     string      `json:"metric"`
		References [][]float32 `json:"references" binding:"required"`
		Scope      struct {
			Dataset    string `json:"dataset"`
			ClipPrefix string `json:"clip_prefix"`
			Limit      int    `json:"limit"`
		} `json:"scope"`
		Seed int64 `json:"seed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := s.engine.Create(c.Request.Context(), session.CreateParams{
		Model:      req.Model,
		ModelRunID: req.ModelRunID,
		Metric:     req.Metric,
		References: req.References,
		Scope: store.DatasetScope{
			Dataset:    req.Scope.Dataset,
			ClipPrefix: req.Scope.ClipPrefix,
			Limit:      req.Scope.Limit,
		},
		Seed: req.Seed,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) listSessions(c *gin.Context) {
	views := s.engine.List()
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

func (s *Server) getSession(c *gin.Context) {
	view, err := s.engine.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getLabels(c *gin.Context) {
	labels, err := s.engine.Labels(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels, "count": len(labels)})
}

func (s *Server) nextBatch(c *gin.Context) {
	var req struct {
		K        int    `json:"k"`
		Strategy string `json:"strategy"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.K <= 0 {
		req.K = s.defaultBatchSize
	}

	items, err := s.engine.NextBatch(c.Request.Context(), c.Param("id"), req.K, sampling.Strategy(req.Strategy))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": items, "count": len(items)})
}

func (s *Server) submitLabels(c *gin.Context) {
	var req struct {
		Labels []session.LabelRecord `json:"labels" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := s.engine.SubmitLabels(c.Param("id"), req.Labels)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) advanceRound(c *gin.Context) {
	view, err := s.engine.AdvanceRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		// Degradation is part of the workflow, not a failure: the session
		// has already fallen back to boundary sampling.
		var insufficient *session.InsufficientTrainingDataError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusOK, gin.H{
				"session":  view,
				"degraded": true,
				"detail":   insufficient.Error(),
			})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": view, "degraded": false})
}

func (s *Server) finalize(c *gin.Context) {
	artifact, err := s.engine.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

func (s *Server) abandon(c *gin.Context) {
	view, err := s.engine.Abandon(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) runEmbeddings(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model runner configured"})
		return
	}
	var req struct {
		Model     string `json:"model" binding:"required"`
		Dataset   string `json:"dataset" binding:"required"`
		BatchSize int    `json:"batch_size"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.runner.RunEmbeddings(c.Request.Context(), runner.RunConfig{
		Model:     req.Model,
		Dataset:   req.Dataset,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		s.logger.Error("start embedding run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) runPredictions(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model runner configured"})
		return
	}
	if err := s.runner.RunPredictions(c.Request.Context(), c.Param("id")); err != nil {
		s.logger.Error("start prediction run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("id")})
}

// fail maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		invalidState *session.InvalidStateError
		emptyPool    *session.EmptyPoolError
		busy         *session.BusyError
		dimMismatch  *session.DimensionMismatchError
	)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &busy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &invalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &emptyPool):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "pool_exhausted": true})
	case errors.As(err, &dimMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
