package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/internal/utils"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/controller"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/cost"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/experiment"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/snapshot"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

var (
	ErrUnknownParam = errors.New("unknown parameter")
	ErrInvalidValue = errors.New("parameter value must be finite")
)

// defaultOperator attributes manual changes made without a named operator.
const defaultOperator = "api"

// Status returns a copy of the loop counters together with live gauges.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.status
	s.RecentAnomalies = slices.Clone(o.status.RecentAnomalies)
	s.ActiveRollbackGuards = o.ctrl.ActiveRollbackGuards()
	s.ActiveExperiments = o.experiments.ActiveCount()
	s.ConfigSnapshots = o.snapshots.Len()
	if latest, ok := o.snapshots.Latest(); ok {
		s.LatestSnapshotID = latest.ID
	}
	s.BudgetPressure = o.costs.Pressure()
	return s
}

// LatestTelemetry is the bus's most recent snapshot.
func (o *Orchestrator) LatestTelemetry() telemetry.TelemetrySnapshot {
	return o.bus.Latest()
}

func (o *Orchestrator) Params() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctrl.Values()
}

// ParamSpecs lists the bounds and tuning constants of every parameter.
func (o *Orchestrator) ParamSpecs() map[string]controller.ParameterSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]controller.ParameterSpec)
	for _, p := range controller.AllParams() {
		out[p.String()] = o.ctrl.Spec(p)
	}
	return out
}

// SetParam overrides one parameter on behalf of operator and commits the
// result. The stored value is clamped to the parameter's bounds.
func (o *Orchestrator) SetParam(name string, value float64, operator string) (snapshot.ConfigSnapshot, error) {
	p, err := controller.ParseParam(name)
	if err != nil {
		return snapshot.ConfigSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	if !utils.CheckValue(value) {
		return snapshot.ConfigSnapshot{}, fmt.Errorf("%w, got %v", ErrInvalidValue, value)
	}
	if operator == "" {
		operator = defaultOperator
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	applied := o.ctrl.Set(p, value)
	id := o.commitLocked(snapshot.Manual(operator), fmt.Sprintf("set %s=%g", name, applied))
	o.emitter.EmitParamValues(o.ctrl.Values())
	logger.Log.Infow("Parameter set manually", "param", name, "value", applied, "operator", operator)
	snap, _ := o.snapshots.Get(id)
	return snap, nil
}

func (o *Orchestrator) AuditLog() []controller.AdjustmentRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctrl.AuditLog()
}

func (o *Orchestrator) RollbackGuards() []controller.RollbackGuardInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctrl.RollbackGuards()
}

func (o *Orchestrator) ConfigHistory() []snapshot.HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshots.ConfigHistory()
}

func (o *Orchestrator) Snapshot(id uint64) (snapshot.ConfigSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshots.Get(id)
}

// Diff compares two retained snapshots.
func (o *Orchestrator) Diff(fromID, toID uint64) (snapshot.ConfigDiff, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range []uint64{fromID, toID} {
		if _, ok := o.snapshots.Get(id); !ok {
			return snapshot.ConfigDiff{}, fmt.Errorf("snapshot %d %w", id, snapshot.ErrSnapshotNotFound)
		}
	}
	diff, _ := o.snapshots.Diff(fromID, toID)
	return diff, nil
}

// RollbackTo restores the parameters of snapshot id on behalf of operator.
func (o *Orchestrator) RollbackTo(id uint64, operator string) (snapshot.ConfigSnapshot, error) {
	if operator == "" {
		operator = defaultOperator
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	restored, err := o.snapshots.RollbackTo(id, snapshot.Manual(operator), o.lastMetrics)
	if err != nil {
		return snapshot.ConfigSnapshot{}, err
	}
	o.ctrl.Apply(restored.Params)
	o.retargetBaselines()
	o.emitter.EmitParamValues(o.ctrl.Values())
	o.emitter.EmitConfigSnapshots(o.snapshots.Len())
	logger.Log.Infow("Configuration rolled back manually", "target", id, "snapshot", restored.ID, "operator", operator)
	return restored, nil
}

func (o *Orchestrator) Experiments() []experiment.Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.experiments.Infos()
}

func (o *Orchestrator) Experiment(name string) (experiment.Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.experiments.Get(name)
	if !ok {
		return experiment.Info{}, false
	}
	return exp.Info(), true
}

func (o *Orchestrator) RegisterExperiment(spec experiment.Spec) (experiment.Info, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, err := o.experiments.Register(spec)
	if err != nil {
		return experiment.Info{}, err
	}
	logger.Log.Infow("Experiment registered",
		"experiment", spec.Name, "parameter", spec.Parameter, "split", spec.TrafficSplit)
	o.emitter.EmitExperiments(o.experiments.CountByState())
	return exp.Info(), nil
}

// Assignment is the routing decision for one request.
type Assignment struct {
	Experiment string             `json:"experiment"`
	RequestID  uint64             `json:"requestId"`
	Variant    experiment.Variant `json:"variant"`
	Value      float64            `json:"value"`
}

func (o *Orchestrator) RouteExperiment(name string, requestID uint64) (Assignment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.experiments.Get(name)
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %s", experiment.ErrNotFound, name)
	}
	v := exp.Route(requestID)
	return Assignment{Experiment: name, RequestID: requestID, Variant: v, Value: exp.ValueFor(v)}, nil
}

// RecordExperiment adds one observation. A conclusion reached here is applied
// on the next loop iteration or housekeeping run.
func (o *Orchestrator) RecordExperiment(name string, v experiment.Variant, metric float64) (experiment.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.experiments.Record(name, v, metric); err != nil {
		return experiment.Status{}, err
	}
	st, _ := o.experiments.Status(name)
	return st, nil
}

func (o *Orchestrator) StopExperiment(name string) (experiment.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.experiments.Get(name)
	if !ok {
		return experiment.Status{}, fmt.Errorf("%w: %s", experiment.ErrNotFound, name)
	}
	exp.Stop()
	return exp.Status(), nil
}

// RecordCost estimates the request's cost when no estimate was supplied and adds it to the ledger.
func (o *Orchestrator) RecordCost(req cost.RequestCost) cost.RequestCost {
	o.mu.Lock()
	defer o.mu.Unlock()
	if req.EstimatedUSD == 0 {
		req.EstimatedUSD = o.costs.Estimate(req.Backend, req.InputTokens, req.OutputTokens)
	}
	o.costs.RecordRequest(req)
	o.emitter.EmitBudget(o.costs.TotalSpentUSD(), o.costs.Pressure())
	return req
}

func (o *Orchestrator) ReconcileCost(b cost.Backend, actualUSD float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ok := o.costs.Reconcile(b, actualUSD)
	if ok {
		o.emitter.EmitBudget(o.costs.TotalSpentUSD(), o.costs.Pressure())
	}
	return ok
}

// CostReport summarises budget state and per-backend spend.
type CostReport struct {
	TotalSpentUSD  float64              `json:"totalSpentUsd"`
	CeilingUSD     float64              `json:"ceilingUsd"`
	RemainingUSD   float64              `json:"remainingUsd"`
	BudgetFraction float64              `json:"budgetFraction"`
	Pressure       cost.BudgetPressure  `json:"pressure"`
	Cheapest       *cost.Backend        `json:"cheapest,omitempty"`
	Backends       []cost.BackendReport `json:"backends"`
	HistoryLen     int                  `json:"historyLen"`
}

func (o *Orchestrator) CostReport() CostReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := CostReport{
		TotalSpentUSD:  o.costs.TotalSpentUSD(),
		CeilingUSD:     o.costs.Config().CeilingUSD,
		RemainingUSD:   o.costs.RemainingUSD(),
		BudgetFraction: o.costs.BudgetFraction(),
		Pressure:       o.costs.Pressure(),
		Backends:       o.costs.BackendReport(),
		HistoryLen:     o.costs.HistoryLen(),
	}
	if b, ok := o.costs.CheapestBackend(); ok {
		r.Cheapest = &b
	}
	return r
}

func (o *Orchestrator) Pareto() []cost.ParetoPoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.costs.ParetoFrontier()
}

func (o *Orchestrator) PreferredBackends() []cost.Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.costs.PreferredBackends()
}
