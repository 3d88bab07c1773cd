package telemetry

import (
	"time"
)

// Rolling window capacities, one sample per emit.
const (
	Window1mCap  = 60
	Window5mCap  = 300
	Window15mCap = 900
	Window1hCap  = 3600

	// ChannelCap is the per-subscriber buffer; subscribers further behind lose the oldest snapshots.
	ChannelCap = 256
)

// PipelineStage names the pipeline stage that produced an observation.
type PipelineStage int

const (
	StageDedup PipelineStage = iota
	StageRateLimit
	StagePriority
	StageCache
	StageInference
	StageCircuitBreaker
	StageOther
)

var stageNames = [...]string{
	StageDedup:          "dedup",
	StageRateLimit:      "rate_limit",
	StagePriority:       "priority",
	StageCache:          "cache",
	StageInference:      "inference",
	StageCircuitBreaker: "circuit_breaker",
	StageOther:          "other",
}

func (s PipelineStage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return stageNames[StageOther]
	}
	return stageNames[s]
}

// TelemetrySnapshot is a point-in-time view of pipeline metrics.
// Latencies are in microseconds; rates are fractions in [0, 1].
type TelemetrySnapshot struct {
	CapturedAt time.Time `json:"capturedAt"`

	TotalRequests  uint64 `json:"totalRequests"`
	TotalDropped   uint64 `json:"totalDropped"`
	TotalErrors    uint64 `json:"totalErrors"`
	TotalCacheHits uint64 `json:"totalCacheHits"`
	TotalDedupHits uint64 `json:"totalDedupHits"`

	IntervalRequests uint64  `json:"intervalRequests"`
	IntervalErrors   uint64  `json:"intervalErrors"`
	DropRate         float64 `json:"dropRate"`     // last interval
	CacheHitRate     float64 `json:"cacheHitRate"` // since startup

	AvgLatencyUs float64 `json:"avgLatencyUs"`
	P95_1mUs     float64 `json:"p95_1mUs"`
	P95_5mUs     float64 `json:"p95_5mUs"`
	P95_15mUs    float64 `json:"p95_15mUs"`

	// StageAvgLatencyUs holds the last interval's average per stage; stages with no samples are absent.
	StageAvgLatencyUs map[string]float64 `json:"stageAvgLatencyUs,omitempty"`

	CircuitOpen  bool   `json:"circuitOpen"`
	CircuitTrips uint64 `json:"circuitTrips"`

	QueueDepth    uint64  `json:"queueDepth"`
	QueueFillFrac float64 `json:"queueFillFrac"`
}

// ErrorRate is total errors over total requests, 0 before any request.
func (s TelemetrySnapshot) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalRequests)
}

// DedupHitRate is total dedup hits over total requests, 0 before any request.
func (s TelemetrySnapshot) DedupHitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalDedupHits) / float64(s.TotalRequests)
}

// Clone returns a deep copy so subscribers never share the stage map.
func (s TelemetrySnapshot) Clone() TelemetrySnapshot {
	if s.StageAvgLatencyUs != nil {
		m := make(map[string]float64, len(s.StageAvgLatencyUs))
		for k, v := range s.StageAvgLatencyUs {
			m[k] = v
		}
		s.StageAvgLatencyUs = m
	}
	return s
}

type stageSum struct {
	sumUs uint64
	count uint64
}

// accumulator collects per-interval latency and error observations.
type accumulator struct {
	latencySumUs uint64
	latencyCount uint64
	errorCount   uint64
	stages       map[PipelineStage]stageSum
}

func (a *accumulator) recordLatency(stage PipelineStage, micros uint64) {
	a.latencySumUs = saturatingAdd(a.latencySumUs, micros)
	a.latencyCount++
	if a.stages == nil {
		a.stages = make(map[PipelineStage]stageSum)
	}
	s := a.stages[stage]
	s.sumUs = saturatingAdd(s.sumUs, micros)
	s.count++
	a.stages[stage] = s
}

func (a *accumulator) recordError() {
	a.errorCount++
}

func (a *accumulator) avgLatencyUs() float64 {
	if a.latencyCount == 0 {
		return 0
	}
	return float64(a.latencySumUs) / float64(a.latencyCount)
}

func (a *accumulator) stageAverages() map[string]float64 {
	if len(a.stages) == 0 {
		return nil
	}
	out := make(map[string]float64, len(a.stages))
	for stage, s := range a.stages {
		if s.count > 0 {
			out[stage.String()] = float64(s.sumUs) / float64(s.count)
		}
	}
	return out
}

// reset returns the accumulated state and zeroes the receiver.
func (a *accumulator) reset() accumulator {
	old := *a
	*a = accumulator{}
	return old
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
