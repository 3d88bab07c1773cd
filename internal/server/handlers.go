package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/llm-d-incubation/pipeline-selftune/internal/orchestrator"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/cost"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/experiment"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/snapshot"
)

// Request bodies

type setParamRequest struct {
	Value    *float64 `json:"value" binding:"required"`
	Operator string   `json:"operator"`
}

type recordExperimentRequest struct {
	Variant experiment.Variant `json:"variant"`
	Metric  *float64           `json:"metric" binding:"required"`
}

type reconcileRequest struct {
	Backend   cost.Backend `json:"backend" binding:"required"`
	ActualUSD *float64     `json:"actualUsd" binding:"required"`
}

func respondError(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, gin.H{"message": err.Error()})
}

func parseID(c *gin.Context, raw string) (uint64, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

// Handlers for REST API calls

func (s *Server) healthz(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{"status": "ok", "running": s.orc.Status().Running})
}

func (s *Server) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.Status())
}

func (s *Server) getLatestTelemetry(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.LatestTelemetry())
}

func (s *Server) getParams(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.Params())
}

func (s *Server) getParamSpecs(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.ParamSpecs())
}

func (s *Server) setParam(c *gin.Context) {
	var req setParamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := s.orc.SetParam(c.Param("name"), *req.Value, req.Operator)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownParam):
		respondError(c, http.StatusNotFound, err)
	case err != nil:
		respondError(c, http.StatusBadRequest, err)
	default:
		c.IndentedJSON(http.StatusOK, snap)
	}
}

func (s *Server) getAuditLog(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.AuditLog())
}

func (s *Server) getRollbackGuards(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.RollbackGuards())
}

func (s *Server) getConfigHistory(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.ConfigHistory())
}

func (s *Server) getSnapshot(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	snap, found := s.orc.Snapshot(id)
	if !found {
		respondError(c, http.StatusNotFound, fmt.Errorf("snapshot %d %w", id, snapshot.ErrSnapshotNotFound))
		return
	}
	c.IndentedJSON(http.StatusOK, snap)
}

func (s *Server) getDiff(c *gin.Context) {
	from, ok := parseID(c, c.Query("from"))
	if !ok {
		return
	}
	to, ok := parseID(c, c.Query("to"))
	if !ok {
		return
	}
	diff, err := s.orc.Diff(from, to)
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, diff)
}

func (s *Server) rollback(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	restored, err := s.orc.RollbackTo(id, c.Query("operator"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, restored)
}

func (s *Server) getExperiments(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.Experiments())
}

func (s *Server) getExperiment(c *gin.Context) {
	name := c.Param("name")
	info, ok := s.orc.Experiment(name)
	if !ok {
		respondError(c, http.StatusNotFound, fmt.Errorf("%w: %s", experiment.ErrNotFound, name))
		return
	}
	c.IndentedJSON(http.StatusOK, info)
}

func (s *Server) registerExperiment(c *gin.Context) {
	spec := experiment.DefaultSpec()
	spec.Name = ""
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	info, err := s.orc.RegisterExperiment(spec)
	switch {
	case errors.Is(err, experiment.ErrDuplicateExperiment), errors.Is(err, experiment.ErrRegistryFull):
		respondError(c, http.StatusConflict, err)
	case err != nil:
		respondError(c, http.StatusBadRequest, err)
	default:
		c.IndentedJSON(http.StatusCreated, info)
	}
}

func (s *Server) routeExperiment(c *gin.Context) {
	requestID, ok := parseID(c, c.Param("requestID"))
	if !ok {
		return
	}
	a, err := s.orc.RouteExperiment(c.Param("name"), requestID)
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, a)
}

func (s *Server) recordExperiment(c *gin.Context) {
	var req recordExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	st, err := s.orc.RecordExperiment(c.Param("name"), req.Variant, *req.Metric)
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (s *Server) stopExperiment(c *gin.Context) {
	st, err := s.orc.StopExperiment(c.Param("name"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (s *Server) getCostReport(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.CostReport())
}

func (s *Server) recordCost(c *gin.Context) {
	var req cost.RequestCost
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s.orc.RecordCost(req))
}

func (s *Server) reconcileCost(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if !s.orc.ReconcileCost(req.Backend, *req.ActualUSD) {
		respondError(c, http.StatusNotFound, fmt.Errorf("no unreconciled request for backend %s", req.Backend))
		return
	}
	c.IndentedJSON(http.StatusOK, s.orc.CostReport())
}

func (s *Server) getPareto(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.Pareto())
}

func (s *Server) getPreferred(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.orc.PreferredBackends())
}
