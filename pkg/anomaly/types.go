package anomaly

import (
	"fmt"
	"time"
)

// Severity orders anomalies: Info < Warn < Critical.
type Severity int

const (
	Info Severity = iota
	Warn
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DetectorKind identifies which detector raised an anomaly.
type DetectorKind int

const (
	ZScore DetectorKind = iota
	Cusum
	IsolationForest
)

func (k DetectorKind) String() string {
	switch k {
	case ZScore:
		return "z_score"
	case Cusum:
		return "cusum"
	case IsolationForest:
		return "isolation_forest"
	default:
		return fmt.Sprintf("detector(%d)", int(k))
	}
}

func (k DetectorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Monitored metric names carried on Anomaly.Metric.
const (
	MetricAvgLatency   = "avg_latency_us"
	MetricDropRate     = "drop_rate"
	MetricMultivariate = "multivariate"
)

// Anomaly is a single detector firing.
type Anomaly struct {
	Severity    Severity     `json:"severity"`
	Detector    DetectorKind `json:"detector"`
	Metric      string       `json:"metric,omitempty"`
	Message     string       `json:"message"`
	MetricValue float64      `json:"metricValue"`
	Score       float64      `json:"score"`
	DetectedAt  time.Time    `json:"detectedAt"`
}

// HasCritical reports whether any anomaly in the slice is Critical.
func HasCritical(anomalies []Anomaly) bool {
	for _, a := range anomalies {
		if a.Severity == Critical {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity present, or false for an empty slice.
func MaxSeverity(anomalies []Anomaly) (Severity, bool) {
	if len(anomalies) == 0 {
		return Info, false
	}
	max := anomalies[0].Severity
	for _, a := range anomalies[1:] {
		if a.Severity > max {
			max = a.Severity
		}
	}
	return max, true
}
