package snapshot

import (
	"time"

	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// Metric names understood by SnapshotMetrics.Get.
const (
	MetricP95LatencyMs  = "p95_latency_ms"
	MetricDropRatePct   = "drop_rate_pct"
	MetricCacheHitRate  = "cache_hit_rate"
	MetricErrorRate     = "error_rate"
	MetricThroughputRps = "throughput_rps"
)

// SnapshotMetrics is the telemetry recorded alongside a snapshot.
type SnapshotMetrics struct {
	P95LatencyMs  float64            `json:"p95_latency_ms"`
	DropRatePct   float64            `json:"drop_rate_pct"`
	CacheHitRate  float64            `json:"cache_hit_rate"`
	ErrorRate     float64            `json:"error_rate"`
	ThroughputRps float64            `json:"throughput_rps"`
	Extras        map[string]float64 `json:"extras,omitempty"`
}

// Get looks a metric up by name, falling back to Extras.
func (m SnapshotMetrics) Get(name string) (float64, bool) {
	switch name {
	case MetricP95LatencyMs:
		return m.P95LatencyMs, true
	case MetricDropRatePct:
		return m.DropRatePct, true
	case MetricCacheHitRate:
		return m.CacheHitRate, true
	case MetricErrorRate:
		return m.ErrorRate, true
	case MetricThroughputRps:
		return m.ThroughputRps, true
	}
	v, ok := m.Extras[name]
	return v, ok
}

// MetricsFromTelemetry condenses a telemetry snapshot. interval is the bus
// emit interval used to turn the interval request count into a rate.
func MetricsFromTelemetry(snap telemetry.TelemetrySnapshot, interval time.Duration) SnapshotMetrics {
	m := SnapshotMetrics{
		P95LatencyMs: snap.P95_1mUs / 1000,
		DropRatePct:  snap.DropRate * 100,
		CacheHitRate: snap.CacheHitRate,
		ErrorRate:    snap.ErrorRate(),
	}
	if interval > 0 {
		m.ThroughputRps = float64(snap.IntervalRequests) / interval.Seconds()
	}
	return m
}
