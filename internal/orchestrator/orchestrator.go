// Package orchestrator closes the self-tuning loop: telemetry flows through the
// anomaly detector and the PID controller, every configuration change is
// committed to the snapshot history, critical anomalies roll the pipeline back
// to a known-good configuration and concluded experiments apply their winners.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/pipeline-selftune/internal/config"
	"github.com/llm-d-incubation/pipeline-selftune/internal/constants"
	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/internal/metrics"
	"github.com/llm-d-incubation/pipeline-selftune/internal/utils"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/anomaly"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/controller"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/cost"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/experiment"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/snapshot"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// SnapshotPersister mirrors the configuration history to durable storage.
type SnapshotPersister interface {
	Restore(ctx context.Context, reg *snapshot.Registry) (int, error)
	Attach(reg *snapshot.Registry)
}

// Status is the externally visible state of the loop.
type Status struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Running   bool      `json:"running"`

	SnapshotsProcessed   uint64     `json:"snapshotsProcessed"`
	LastSnapshotAt       *time.Time `json:"lastSnapshotAt,omitempty"`
	SnapshotsLagged      uint64     `json:"snapshotsLagged"`
	AnomaliesDetected    uint64     `json:"anomaliesDetected"`
	CriticalAnomalies    uint64     `json:"criticalAnomalies"`
	ParamAdjustments     uint64     `json:"paramAdjustments"`
	GuardRollbacks       uint64     `json:"guardRollbacks"`
	AnomalyRollbacks     uint64     `json:"anomalyRollbacks"`
	ExperimentsConcluded uint64     `json:"experimentsConcluded"`

	ActiveRollbackGuards int                 `json:"activeRollbackGuards"`
	ActiveExperiments    int                 `json:"activeExperiments"`
	ConfigSnapshots      int                 `json:"configSnapshots"`
	LatestSnapshotID     uint64              `json:"latestSnapshotId"`
	BudgetPressure       cost.BudgetPressure `json:"budgetPressure"`

	// RecentAnomalies holds the newest anomalies, oldest first.
	RecentAnomalies []anomaly.Anomaly `json:"recentAnomalies"`
}

// CycleResult describes what one ProcessSnapshot call did.
type CycleResult struct {
	Anomalies   []anomaly.Anomaly
	Adjustments []controller.AdjustmentRecord
	Committed   []uint64
	// RolledBackTo is the snapshot restored after a critical anomaly, if any.
	RolledBackTo *uint64
	Concluded    []string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock shared by every component and the poll ticker.
func WithClock(c clock.WithTicker) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithMetricsEmitter(e *metrics.MetricsEmitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithPersistence restores history from p during New and mirrors every later commit to it.
func WithPersistence(p SnapshotPersister) Option {
	return func(o *Orchestrator) { o.persister = p }
}

// Orchestrator owns the detector, controller, snapshot history, experiment
// registry and cost optimizer. All access goes through one mutex.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	bus       *telemetry.Bus
	interval  time.Duration
	clock     clock.WithTicker
	emitter   *metrics.MetricsEmitter
	persister SnapshotPersister

	mu           sync.Mutex
	detector     *anomaly.Detector
	ctrl         *controller.Controller
	snapshots    *snapshot.Registry
	experiments  *experiment.Registry
	costs        *cost.Optimizer
	status       Status
	lastMetrics  snapshot.SnapshotMetrics
	lastCaptured time.Time
}

// New builds the loop from cfg, registers the configured experiments and
// commits the initial snapshot. With persistence configured, stored history is
// replayed first and the newest restored parameters become live.
func New(ctx context.Context, cfg config.Config, bus *telemetry.Bus, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg.Orchestrator,
		bus:      bus,
		interval: cfg.Bus.EmitInterval,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(o)
	}

	detector, err := anomaly.NewDetector(cfg.Detector, anomaly.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly detector: %w", err)
	}
	o.detector = detector
	o.ctrl = controller.New(cfg.Controller, controller.WithClock(o.clock))
	o.snapshots = snapshot.NewRegistry(cfg.Snapshots.Capacity, snapshot.WithClock(o.clock))
	o.experiments = experiment.NewRegistry(cfg.Orchestrator.MaxActiveExperiments, experiment.WithClock(o.clock))
	o.costs = cost.NewOptimizer(cfg.Budget)
	o.retargetBaselines()

	for _, spec := range cfg.Experiments {
		if _, err := o.experiments.Register(spec); err != nil {
			return nil, fmt.Errorf("failed to register experiment %s: %w", spec.Name, err)
		}
	}

	note := ""
	if o.persister != nil {
		var restored int
		err := utils.RetryWithBackoff(ctx, utils.StandardBackoff, "restore snapshots", func(ctx context.Context) error {
			n, err := o.persister.Restore(ctx, o.snapshots)
			restored = n
			return err
		})
		if err != nil {
			logger.Log.Warnw("Failed to restore configuration history, starting fresh", "error", err)
		}
		if latest, ok := o.snapshots.Latest(); ok && restored > 0 {
			o.ctrl.Apply(latest.Params)
			note = fmt.Sprintf("restored %d snapshots", restored)
			logger.Log.Infow("Restored configuration history", "snapshots", restored, "latestId", latest.ID)
		}
		o.persister.Attach(o.snapshots)
	}

	o.status = Status{
		RunID:     uuid.NewString(),
		StartedAt: o.clock.Now(),
	}
	o.commitLocked(snapshot.Initial(), note)
	o.emitter.EmitParamValues(o.ctrl.Values())
	return o, nil
}

// Run processes every snapshot published on the bus, and the bus's latest
// snapshot on each poll tick, until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe()
	defer sub.Close()
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.setRunning(true)
	defer o.setRunning(false)
	logger.Log.Infow("Self-tuning loop started", "pollInterval", o.cfg.PollInterval.String())

	for {
		var snap telemetry.TelemetrySnapshot
		select {
		case <-ctx.Done():
			logger.Log.Info("Self-tuning loop stopped")
			return nil
		case s, ok := <-sub.C():
			if !ok {
				return telemetry.ErrSubscriptionClosed
			}
			if lagged := sub.Lagged(); lagged > 0 {
				logger.Log.Warnw("Telemetry subscriber lagged", "missed", lagged)
				o.mu.Lock()
				o.status.SnapshotsLagged += lagged
				o.mu.Unlock()
			}
			snap = s
		case <-ticker.C():
			snap = o.bus.Latest()
		}
		o.ProcessSnapshot(snap)
	}
}

func (o *Orchestrator) setRunning(running bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Running = running
}

// ProcessSnapshot runs one loop iteration. Snapshots never emitted by the bus,
// and snapshots already processed, are ignored.
func (o *Orchestrator) ProcessSnapshot(snap telemetry.TelemetrySnapshot) CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res CycleResult
	if snap.CapturedAt.IsZero() || !snap.CapturedAt.After(o.lastCaptured) {
		return res
	}
	o.lastCaptured = snap.CapturedAt
	o.lastMetrics = snapshot.MetricsFromTelemetry(snap, o.interval)

	res.Anomalies = o.detector.Observe(snap)
	o.recordAnomalies(res.Anomalies)

	if o.cfg.AutoAdjust {
		res.Adjustments = o.ctrl.Observe(snap)
		if len(res.Adjustments) > 0 {
			res.Committed = append(res.Committed, o.commitLocked(adjustmentSource(res.Adjustments), ""))
			o.recordAdjustments(res.Adjustments)
			logger.Log.Debugw("Controller adjusted parameters", "records", utils.MarshalStructToJsonString(res.Adjustments))
		}
	}

	if o.cfg.RollbackOnCritical && anomaly.HasCritical(res.Anomalies) {
		if restored, ok := o.rollbackToKnownGood(); ok {
			res.RolledBackTo = utils.Ptr(restored.target)
			res.Committed = append(res.Committed, restored.id)
		}
	}

	for _, exp := range o.experiments.DrainConcluded() {
		res.Committed = append(res.Committed, o.applyConclusion(exp))
		res.Concluded = append(res.Concluded, exp.Spec.Name)
	}

	o.status.SnapshotsProcessed++
	captured := snap.CapturedAt
	o.status.LastSnapshotAt = &captured
	o.emitter.EmitSnapshotProcessed()
	return res
}

// adjustmentSource labels a controller batch. A batch made only of guard
// rollbacks is attributed to the metric that tripped the first guard.
func adjustmentSource(records []controller.AdjustmentRecord) snapshot.ChangeSource {
	for _, r := range records {
		if !r.IsRollback {
			return snapshot.Controller()
		}
	}
	metric := snapshot.MetricP95LatencyMs
	if records[0].Param == controller.BackpressureShedThreshold {
		metric = snapshot.MetricDropRatePct
	}
	return snapshot.AutoRollback(metric)
}

func (o *Orchestrator) recordAnomalies(found []anomaly.Anomaly) {
	if len(found) == 0 {
		return
	}
	for _, a := range found {
		switch a.Severity {
		case anomaly.Critical:
			o.status.CriticalAnomalies++
			logger.Log.Errorw("Critical anomaly detected",
				"detector", a.Detector.String(), "metric", a.Metric, "value", a.MetricValue, "message", a.Message)
		case anomaly.Warn:
			logger.Log.Warnw("Anomaly detected",
				"detector", a.Detector.String(), "metric", a.Metric, "value", a.MetricValue, "message", a.Message)
		}
	}
	o.status.AnomaliesDetected += uint64(len(found))
	o.status.RecentAnomalies = append(o.status.RecentAnomalies, found...)
	if over := len(o.status.RecentAnomalies) - constants.MaxRecentAnomalies; over > 0 {
		o.status.RecentAnomalies = append(o.status.RecentAnomalies[:0], o.status.RecentAnomalies[over:]...)
	}
	o.emitter.EmitAnomalies(found)
}

func (o *Orchestrator) recordAdjustments(records []controller.AdjustmentRecord) {
	for _, r := range records {
		if r.IsRollback {
			o.status.GuardRollbacks++
		} else {
			o.status.ParamAdjustments++
		}
	}
	o.emitter.EmitAdjustments(records)
	o.emitter.EmitParamValues(o.ctrl.Values())
}

type rollbackResult struct {
	target uint64
	id     uint64
}

// rollbackToKnownGood restores the lowest-p95 snapshot committed before the
// live configuration within the search window. Snapshots recorded without
// traffic carry no usable latency and are skipped.
func (o *Orchestrator) rollbackToKnownGood() (rollbackResult, bool) {
	latest, ok := o.snapshots.Latest()
	if !ok {
		return rollbackResult{}, false
	}
	best, ok := o.snapshots.BestWhere(snapshot.MetricP95LatencyMs, o.cfg.RollbackSearchWindow, false,
		func(s snapshot.ConfigSnapshot) bool {
			return s.ID < latest.ID && measured(s.Metrics)
		})
	if !ok {
		logger.Log.Warnw("Critical anomaly but no known-good snapshot to roll back to",
			"window", o.cfg.RollbackSearchWindow.String())
		return rollbackResult{}, false
	}
	restored, err := o.snapshots.RollbackTo(best.ID, snapshot.AnomalyRollback(), o.lastMetrics)
	if err != nil {
		logger.Log.Errorw("Anomaly rollback failed", "target", best.ID, "error", err)
		return rollbackResult{}, false
	}
	o.ctrl.Apply(restored.Params)
	o.retargetBaselines()
	o.status.AnomalyRollbacks++
	o.emitter.EmitParamValues(o.ctrl.Values())
	o.emitter.EmitConfigSnapshots(o.snapshots.Len())
	logger.Log.Warnw("Rolled back configuration after critical anomaly",
		"target", best.ID, "snapshot", restored.ID, "targetP95Ms", best.Metrics.P95LatencyMs)
	return rollbackResult{target: best.ID, id: restored.ID}, true
}

func measured(m snapshot.SnapshotMetrics) bool {
	return m.ThroughputRps > 0 || m.P95LatencyMs > 0
}

// retargetBaselines points the drift detectors at the controller's targets.
func (o *Orchestrator) retargetBaselines() {
	cc := o.ctrl.Config()
	o.detector.ResetBaseline(cc.TargetLatencyUs, cc.TargetDropRate)
}

// applyConclusion commits the outcome of a concluded experiment, first
// installing the treatment value when it won and names a controller parameter.
func (o *Orchestrator) applyConclusion(exp *experiment.Experiment) uint64 {
	spec := exp.Spec
	winner := exp.Status().Winner
	note := fmt.Sprintf("winner %s", winner)
	if winner == experiment.Treatment {
		if p, err := controller.ParseParam(spec.Parameter); err == nil {
			applied := o.ctrl.Set(p, spec.TreatmentValue)
			note = fmt.Sprintf("winner treatment: %s=%g", spec.Parameter, applied)
			o.emitter.EmitParamValues(o.ctrl.Values())
		}
	}
	o.status.ExperimentsConcluded++
	logger.Log.Infow("Experiment concluded",
		"experiment", spec.Name, "parameter", spec.Parameter, "winner", winner.String())
	return o.commitLocked(snapshot.Experiment(spec.Name), note)
}

// commitLocked snapshots the live controller values with the last observed metrics.
func (o *Orchestrator) commitLocked(source snapshot.ChangeSource, note string) uint64 {
	id := o.snapshots.Commit(o.ctrl.Values(), source, o.lastMetrics, note)
	o.emitter.EmitConfigSnapshots(o.snapshots.Len())
	logger.Log.Debugw("Committed configuration snapshot", "id", id, "source", source.String())
	return id
}

// Housekeeping settles concluded experiments, collects finished ones and
// refreshes the budget and experiment gauges. It is meant to run periodically.
func (o *Orchestrator) Housekeeping(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, exp := range o.experiments.DrainConcluded() {
		o.applyConclusion(exp)
	}
	// Gauges are published before GC so finished experiments are counted once.
	o.emitter.EmitExperiments(o.experiments.CountByState())
	if removed := o.experiments.GC(); removed > 0 {
		logger.Log.Debugw("Collected finished experiments", "removed", removed)
	}
	o.emitter.EmitBudget(o.costs.TotalSpentUSD(), o.costs.Pressure())
	o.emitter.EmitConfigSnapshots(o.snapshots.Len())
	return nil
}
