package controller

import (
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// Targets for the ratio-driven loops.
const (
	targetCacheHitRate = 0.5
	targetDedupHitRate = 0.05
	targetQueueFill    = 0.5
	targetErrorRate    = 0.05

	// minDt bounds the PID time step so back-to-back snapshots cannot blow up the derivative.
	minDt = 0.001
)

// Config holds controller targets and bookkeeping limits.
type Config struct {
	TargetLatencyUs float64       `yaml:"targetLatencyUs" json:"targetLatencyUs" validate:"gt=0"`
	TargetDropRate  float64       `yaml:"targetDropRate" json:"targetDropRate" validate:"gte=0,lte=1"`
	AuditLogCap     int           `yaml:"auditLogCap" json:"auditLogCap" validate:"gte=1"`
	RollbackWindow  time.Duration `yaml:"rollbackWindow" json:"rollbackWindow" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		TargetLatencyUs: 5_000,
		TargetDropRate:  0.01,
		AuditLogCap:     1_000,
		RollbackWindow:  30 * time.Second,
	}
}

// AdjustmentRecord is one entry of the audit log. TriggerMetric is the metric
// value that drove the change, or the guarded baseline for a rollback.
type AdjustmentRecord struct {
	Param         Param     `json:"param"`
	Before        float64   `json:"before"`
	After         float64   `json:"after"`
	ErrorSignal   float64   `json:"errorSignal"`
	PIDOutput     float64   `json:"pidOutput"`
	TriggerMetric float64   `json:"triggerMetric"`
	Timestamp     time.Time `json:"timestamp"`
	IsRollback    bool      `json:"isRollback"`
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock sets the clock used for cooldowns, rollback windows and PID time steps.
func WithClock(c clock.PassiveClock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// Controller runs one PID loop per Param and installs a rollback guard on every change.
//
// A Controller is not safe for concurrent use; callers sharing one across
// goroutines must serialise access.
type Controller struct {
	cfg   Config
	clock clock.PassiveClock

	specs        [numParams]ParameterSpec
	values       [numParams]float64
	pid          [numParams]pidState
	lastAdjusted [numParams]time.Time

	guards   []rollbackGuard
	audit    []AdjustmentRecord
	batch    []AdjustmentRecord // records produced by the current Observe
	lastSeen time.Time
}

// New creates a controller with default specs and values for all parameters.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	// Start every parameter outside its cooldown so the first snapshot may act.
	past := c.clock.Now().Add(-time.Hour)
	for _, p := range AllParams() {
		c.specs[p] = DefaultSpec(p)
		c.values[p] = DefaultValue(p)
		c.lastAdjusted[p] = past
	}
	return c
}

func (c *Controller) Config() Config { return c.cfg }

// SetSpec replaces the ParameterSpec for p and re-clamps its current value.
func (c *Controller) SetSpec(p Param, spec ParameterSpec) {
	if !valid(p) {
		return
	}
	c.specs[p] = spec
	c.values[p] = spec.Clamp(c.values[p])
}

func (c *Controller) Spec(p Param) ParameterSpec {
	if !valid(p) {
		return ParameterSpec{}
	}
	return c.specs[p]
}

func (c *Controller) Get(p Param) float64 {
	if !valid(p) {
		return 0
	}
	return c.values[p]
}

// Set overrides a value without running the PID loop. The value is clamped to spec.
func (c *Controller) Set(p Param, value float64) float64 {
	if !valid(p) {
		return 0
	}
	c.values[p] = c.specs[p].Clamp(value)
	return c.values[p]
}

// Values returns the current parameter map keyed by parameter name.
func (c *Controller) Values() map[string]float64 {
	out := make(map[string]float64, numParams)
	for _, p := range AllParams() {
		out[p.String()] = c.values[p]
	}
	return out
}

// Apply installs a whole parameter map, as when restoring a snapshot. Unknown
// names are ignored. Each applied parameter has its PID state cleared, its
// cooldown restarted and any pending guard dropped. It returns the number of
// parameters applied.
func (c *Controller) Apply(values map[string]float64) int {
	now := c.clock.Now()
	applied := 0
	for name, v := range values {
		p, err := ParseParam(name)
		if err != nil {
			continue
		}
		c.values[p] = c.specs[p].Clamp(v)
		c.pid[p].reset()
		c.lastAdjusted[p] = now
		c.dropGuards(p)
		applied++
	}
	return applied
}

func (c *Controller) dropGuards(p Param) {
	kept := c.guards[:0]
	for _, g := range c.guards {
		if g.param != p {
			kept = append(kept, g)
		}
	}
	c.guards = kept
}

// Observe runs rollback checks and then every PID loop whose cooldown has
// elapsed. It returns the audit records produced by this call.
func (c *Controller) Observe(snap telemetry.TelemetrySnapshot) []AdjustmentRecord {
	now := c.clock.Now()
	dt := 1.0
	if !c.lastSeen.IsZero() {
		dt = now.Sub(c.lastSeen).Seconds()
	}
	dt = math.Max(dt, minDt)
	c.lastSeen = now

	c.batch = nil
	c.checkRollbacks(snap, now)

	latencyErr := c.cfg.TargetLatencyUs - snap.AvgLatencyUs
	dropErr := c.cfg.TargetDropRate - snap.DropRate
	for _, p := range []Param{DedupChannelBuf, RateLimitChannelBuf, PriorityChannelBuf, CacheChannelBuf, InferenceChannelBuf} {
		c.applyPID(p, latencyErr, snap.AvgLatencyUs, dt, now)
	}
	c.applyPID(BackpressureShedThreshold, dropErr, snap.DropRate, dt, now)
	c.applyPID(DedupTTLMs, snap.CacheHitRate-targetCacheHitRate, snap.CacheHitRate, dt, now)

	dedupRate := snap.DedupHitRate()
	c.applyPID(DedupHashBuckets, dedupRate-targetDedupHitRate, dedupRate, dt, now)
	c.applyPID(RateLimiterRefillRate, targetQueueFill-snap.QueueFillFrac, snap.QueueFillFrac, dt, now)
	c.applyPID(CircuitBreakerTimeoutMs, latencyErr, snap.AvgLatencyUs, dt, now)

	errRate := snap.ErrorRate()
	errRateErr := targetErrorRate - errRate
	c.applyPID(CircuitBreakerFailureThreshold, errRateErr, errRate, dt, now)
	c.applyPID(CircuitBreakerSuccessRate, -errRateErr, errRate, dt, now)

	out := c.batch
	c.batch = nil
	return out
}

// guardMetric picks the snapshot metric a guard for p compares against its baseline.
func guardMetric(p Param, snap telemetry.TelemetrySnapshot) float64 {
	if p == BackpressureShedThreshold {
		return snap.DropRate
	}
	return snap.AvgLatencyUs
}

func (c *Controller) checkRollbacks(snap telemetry.TelemetrySnapshot, now time.Time) {
	var triggered []rollbackGuard
	kept := c.guards[:0]
	for _, g := range c.guards {
		switch {
		case g.expired(now):
		case g.shouldRollback(guardMetric(g.param, snap)):
			triggered = append(triggered, g)
		default:
			kept = append(kept, g)
		}
	}
	c.guards = kept

	for _, g := range triggered {
		current := c.values[g.param]
		c.values[g.param] = g.valueBefore
		c.pid[g.param].reset()
		c.lastAdjusted[g.param] = now
		logger.Log.Infow("Rolling back parameter change",
			"param", g.param.String(), "from", current, "to", g.valueBefore, "metricBefore", g.metricBefore)
		c.pushAudit(AdjustmentRecord{
			Param:         g.param,
			Before:        current,
			After:         g.valueBefore,
			TriggerMetric: g.metricBefore,
			Timestamp:     now,
			IsRollback:    true,
		})
	}
}

func (c *Controller) applyPID(p Param, errSignal, trigger, dt float64, now time.Time) {
	spec := c.specs[p]
	if now.Sub(c.lastAdjusted[p]) < spec.Cooldown {
		return
	}

	out := c.pid[p].update(errSignal, spec, dt)
	if math.Abs(out) < spec.Step {
		return
	}

	current := c.values[p]
	candidate := spec.Snap(current + out)
	if math.Abs(candidate-current) < spec.Step*0.5 {
		return
	}

	c.guards = append(c.guards, rollbackGuard{
		param:        p,
		valueBefore:  current,
		metricBefore: trigger,
		appliedAt:    now,
		window:       c.cfg.RollbackWindow,
		threshold:    spec.RollbackThreshold,
	})
	c.values[p] = candidate
	c.lastAdjusted[p] = now

	logger.Log.Debugw("Adjusted parameter",
		"param", p.String(), "from", current, "to", candidate, "error", errSignal, "output", out)
	c.pushAudit(AdjustmentRecord{
		Param:         p,
		Before:        current,
		After:         candidate,
		ErrorSignal:   errSignal,
		PIDOutput:     out,
		TriggerMetric: trigger,
		Timestamp:     now,
	})
}

// pushAudit appends to the capped audit log, evicting the oldest entries.
func (c *Controller) pushAudit(r AdjustmentRecord) {
	limit := max(c.cfg.AuditLogCap, 1)
	if len(c.audit) >= limit {
		c.audit = append(c.audit[:0], c.audit[len(c.audit)-limit+1:]...)
	}
	c.audit = append(c.audit, r)
	c.batch = append(c.batch, r)
}

// AuditLog returns a copy of the audit log, oldest first.
func (c *Controller) AuditLog() []AdjustmentRecord {
	out := make([]AdjustmentRecord, len(c.audit))
	copy(out, c.audit)
	return out
}

func (c *Controller) ClearAuditLog() {
	c.audit = nil
}

func (c *Controller) ActiveRollbackGuards() int {
	return len(c.guards)
}

// RollbackGuards lists the active guards in installation order.
func (c *Controller) RollbackGuards() []RollbackGuardInfo {
	out := make([]RollbackGuardInfo, 0, len(c.guards))
	for _, g := range c.guards {
		out = append(out, RollbackGuardInfo{
			Param:        g.param,
			ValueBefore:  g.valueBefore,
			MetricBefore: g.metricBefore,
			AppliedAt:    g.appliedAt,
			ExpiresAt:    g.appliedAt.Add(g.window),
			Threshold:    g.threshold,
		})
	}
	return out
}

func valid(p Param) bool {
	return p >= 0 && p < numParams
}
