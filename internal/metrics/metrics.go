package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d-incubation/pipeline-selftune/internal/constants"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/anomaly"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/controller"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/cost"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/experiment"
)

var (
	snapshotsEmitted   prometheus.Counter
	anomaliesTotal     *prometheus.CounterVec
	paramValue         *prometheus.GaugeVec
	paramAdjustments   *prometheus.CounterVec
	configSnapshots    prometheus.Gauge
	budgetSpentUSD     prometheus.Gauge
	budgetPressure     prometheus.Gauge
	experimentsByState *prometheus.GaugeVec
)

// InitMetrics registers all custom metrics with the provided registry
func InitMetrics(registry prometheus.Registerer) {
	snapshotsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: constants.SelfTuneSnapshotsEmittedTotal,
			Help: "Total number of telemetry snapshots processed by the self-tuning loop",
		},
	)
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: constants.SelfTuneAnomaliesTotal,
			Help: "Total number of anomalies raised, by detector and severity",
		},
		[]string{constants.LabelDetector, constants.LabelSeverity},
	)
	paramValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: constants.SelfTuneParamValue,
			Help: "Current value of each tunable pipeline parameter",
		},
		[]string{constants.LabelParam},
	)
	paramAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: constants.SelfTuneParamAdjustmentsTotal,
			Help: "Total number of parameter changes made by the controller",
		},
		[]string{constants.LabelParam, constants.LabelKind},
	)
	configSnapshots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: constants.SelfTuneConfigSnapshots,
			Help: "Number of configuration snapshots retained in history",
		},
	)
	budgetSpentUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: constants.SelfTuneBudgetSpentUSD,
			Help: "Total spend in USD across all backends",
		},
	)
	budgetPressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: constants.SelfTuneBudgetPressure,
			Help: "Budget pressure level: 0 normal, 1 warn, 2 critical",
		},
	)
	experimentsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: constants.SelfTuneExperiments,
			Help: "Number of registered experiments by status",
		},
		[]string{constants.LabelStatus},
	)

	registry.MustRegister(snapshotsEmitted)
	registry.MustRegister(anomaliesTotal)
	registry.MustRegister(paramValue)
	registry.MustRegister(paramAdjustments)
	registry.MustRegister(configSnapshots)
	registry.MustRegister(budgetSpentUSD)
	registry.MustRegister(budgetPressure)
	registry.MustRegister(experimentsByState)
}

// InitMetricsAndEmitter registers metrics with Prometheus and creates a metrics emitter
// This is a convenience function that handles both registration and emitter creation
func InitMetricsAndEmitter(registry prometheus.Registerer) *MetricsEmitter {
	InitMetrics(registry)
	return NewMetricsEmitter()
}

// MetricsEmitter handles emission of custom metrics. Every method is a no-op
// until InitMetrics has run, and on a nil emitter.
type MetricsEmitter struct{}

// NewMetricsEmitter creates a new metrics emitter
func NewMetricsEmitter() *MetricsEmitter {
	return &MetricsEmitter{}
}

// EmitSnapshotProcessed counts one processed telemetry snapshot
func (m *MetricsEmitter) EmitSnapshotProcessed() {
	if m == nil || snapshotsEmitted == nil {
		return
	}
	snapshotsEmitted.Inc()
}

// EmitAnomalies counts anomalies by detector and severity
func (m *MetricsEmitter) EmitAnomalies(found []anomaly.Anomaly) {
	if m == nil || anomaliesTotal == nil {
		return
	}
	for _, a := range found {
		anomaliesTotal.With(prometheus.Labels{
			constants.LabelDetector: a.Detector.String(),
			constants.LabelSeverity: a.Severity.String(),
		}).Inc()
	}
}

// EmitParamValues publishes the current parameter map
func (m *MetricsEmitter) EmitParamValues(values map[string]float64) {
	if m == nil || paramValue == nil {
		return
	}
	for name, v := range values {
		paramValue.With(prometheus.Labels{constants.LabelParam: name}).Set(v)
	}
}

// EmitAdjustments counts controller adjustments and rollbacks
func (m *MetricsEmitter) EmitAdjustments(records []controller.AdjustmentRecord) {
	if m == nil || paramAdjustments == nil {
		return
	}
	for _, r := range records {
		kind := constants.KindAdjust
		if r.IsRollback {
			kind = constants.KindRollback
		}
		paramAdjustments.With(prometheus.Labels{
			constants.LabelParam: r.Param.String(),
			constants.LabelKind:  kind,
		}).Inc()
	}
}

// EmitConfigSnapshots publishes the configuration history length
func (m *MetricsEmitter) EmitConfigSnapshots(n int) {
	if m == nil || configSnapshots == nil {
		return
	}
	configSnapshots.Set(float64(n))
}

// EmitBudget publishes spend and pressure
func (m *MetricsEmitter) EmitBudget(spentUSD float64, pressure cost.BudgetPressure) {
	if m == nil || budgetSpentUSD == nil {
		return
	}
	budgetSpentUSD.Set(spentUSD)
	budgetPressure.Set(float64(pressure))
}

// EmitExperiments publishes experiment counts per state
func (m *MetricsEmitter) EmitExperiments(counts map[experiment.State]int) {
	if m == nil || experimentsByState == nil {
		return
	}
	for state, n := range counts {
		experimentsByState.With(prometheus.Labels{constants.LabelStatus: state.String()}).Set(float64(n))
	}
}
