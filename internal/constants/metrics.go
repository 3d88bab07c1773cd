// Package constants provides centralized constant definitions for the self-tuner.
package constants

// Self-tuner Output Metrics
// These metric names are emitted to Prometheus by the self-tuning loop.
// They expose detector firings, controller decisions and budget state for monitoring and alerting.
const (
	// SelfTuneSnapshotsEmittedTotal is a counter of telemetry snapshots processed by the loop.
	SelfTuneSnapshotsEmittedTotal = "selftune_snapshots_emitted_total"

	// SelfTuneAnomaliesTotal is a counter of anomalies raised by the detectors.
	// Labels: detector, severity
	SelfTuneAnomaliesTotal = "selftune_anomalies_total"

	// SelfTuneParamValue is a gauge holding the live value of each tunable parameter.
	// Labels: param
	SelfTuneParamValue = "selftune_param_value"

	// SelfTuneParamAdjustmentsTotal is a counter of parameter changes made by the controller.
	// Labels: param, kind (adjust/rollback)
	SelfTuneParamAdjustmentsTotal = "selftune_param_adjustments_total"

	// SelfTuneConfigSnapshots is a gauge of the retained configuration history length.
	SelfTuneConfigSnapshots = "selftune_config_snapshots"

	// SelfTuneBudgetSpentUSD is a gauge of the running spend against the budget ceiling.
	SelfTuneBudgetSpentUSD = "selftune_budget_spent_usd"

	// SelfTuneBudgetPressure is a gauge of budget pressure: 0 normal, 1 warn, 2 critical.
	SelfTuneBudgetPressure = "selftune_budget_pressure"

	// SelfTuneExperiments is a gauge of registered experiments by status.
	// Labels: status
	SelfTuneExperiments = "selftune_experiments"
)

// Metric Label Names
// Common label names used across metrics for consistency.
const (
	LabelDetector = "detector"
	LabelSeverity = "severity"
	LabelParam    = "param"
	LabelKind     = "kind"
	LabelStatus   = "status"
)

// Adjustment kinds used with LabelKind.
const (
	KindAdjust   = "adjust"
	KindRollback = "rollback"
)
