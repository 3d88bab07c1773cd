package anomaly

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/clock"
)

// ErrWindowTooSmall is returned for z-score windows shorter than two samples.
var ErrWindowTooSmall = errors.New("z-score window must be >= 2")

// minStdDev below which a history is treated as constant.
const minStdDev = 1e-10

// ZScoreDetector flags values that sit far from the mean of the preceding window.
type ZScoreDetector struct {
	window   int
	warn     float64
	critical float64
	samples  []float64
	clock    clock.PassiveClock
}

func NewZScoreDetector(window int, warn, critical float64) (*ZScoreDetector, error) {
	if window < 2 {
		return nil, ErrWindowTooSmall
	}
	return &ZScoreDetector{
		window:   window,
		warn:     warn,
		critical: critical,
		samples:  make([]float64, 0, window),
		clock:    clock.RealClock{},
	}, nil
}

// Observe adds value to the window and scores it against the samples that precede it.
// Nothing is scored until the window is full or while the history has no variance.
func (d *ZScoreDetector) Observe(value float64) *Anomaly {
	if len(d.samples) >= d.window {
		d.samples = append(d.samples[:0], d.samples[1:]...)
	}
	d.samples = append(d.samples, value)

	if len(d.samples) < d.window {
		return nil
	}

	history := d.samples[:len(d.samples)-1]
	if len(history) < 2 {
		return nil
	}
	mean, std := stat.MeanStdDev(history, nil)
	if std < minStdDev || math.IsNaN(std) {
		return nil
	}

	zAbs := math.Abs((value - mean) / std)
	var severity Severity
	var threshold float64
	switch {
	case zAbs > d.critical:
		severity, threshold = Critical, d.critical
	case zAbs > d.warn:
		severity, threshold = Warn, d.warn
	default:
		return nil
	}

	return &Anomaly{
		Severity: severity,
		Detector: ZScore,
		Message: fmt.Sprintf("z-score %.2f exceeds threshold %.1f (mean=%.1f, std=%.1f)",
			zAbs, threshold, mean, std),
		MetricValue: value,
		Score:       zAbs,
		DetectedAt:  d.clock.Now(),
	}
}

// Mean of every sample currently held, including the newest.
func (d *ZScoreDetector) Mean() float64 {
	if len(d.samples) == 0 {
		return 0
	}
	return stat.Mean(d.samples, nil)
}

func (d *ZScoreDetector) SampleCount() int { return len(d.samples) }
