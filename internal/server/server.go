// Package server exposes the self-tuning loop over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/internal/orchestrator"
	"github.com/llm-d-incubation/pipeline-selftune/internal/utils"
)

// Server is the REST front end of an Orchestrator.
type Server struct {
	router *gin.Engine
	orc    *orchestrator.Orchestrator
	addr   string
}

// New wires every route. Metrics are served from gatherer.
func New(orc *orchestrator.Orchestrator, gatherer prometheus.Gatherer, addr string) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router: router,
		orc:    orc,
		addr:   addr,
	}

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/telemetry/latest", s.getLatestTelemetry)

	v1.GET("/params", s.getParams)
	v1.GET("/params/specs", s.getParamSpecs)
	v1.PUT("/params/:name", s.setParam)
	v1.GET("/audit", s.getAuditLog)
	v1.GET("/guards", s.getRollbackGuards)

	v1.GET("/config/history", s.getConfigHistory)
	v1.GET("/config/snapshots/:id", s.getSnapshot)
	v1.GET("/config/diff", s.getDiff)
	v1.POST("/config/rollback/:id", s.rollback)

	v1.GET("/experiments", s.getExperiments)
	v1.POST("/experiments", s.registerExperiment)
	v1.GET("/experiments/:name", s.getExperiment)
	v1.GET("/experiments/:name/route/:requestID", s.routeExperiment)
	v1.POST("/experiments/:name/record", s.recordExperiment)
	v1.POST("/experiments/:name/stop", s.stopExperiment)

	v1.GET("/cost", s.getCostReport)
	v1.POST("/cost/requests", s.recordCost)
	v1.POST("/cost/reconcile", s.reconcileCost)
	v1.GET("/cost/pareto", s.getPareto)
	v1.GET("/cost/preferred", s.getPreferred)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: utils.DefaultReadHeaderTimeout,
		ReadTimeout:       utils.DefaultReadTimeout,
		WriteTimeout:      utils.DefaultWriteTimeout,
		IdleTimeout:       utils.DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Infow("Starting HTTP server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), utils.DefaultShutdownTimeout)
	defer cancel()
	logger.Log.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requestLogger logs every request at debug level through the process logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Log.Debugw("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status())
	}
}
