package anomaly

import (
	"fmt"
	"math"

	"k8s.io/utils/clock"
)

// CusumDetector tracks cumulative upward and downward deviation from a target
// and signals once either sum crosses the threshold. Both sums reset after a signal.
//
// threshold and critical are independent; a critical below threshold makes every signal Critical.
type CusumDetector struct {
	target    float64
	slack     float64
	threshold float64
	critical  float64
	sHigh     float64
	sLow      float64
	observed  uint64
	clock     clock.PassiveClock
}

func NewCusumDetector(target, slack, threshold, critical float64) *CusumDetector {
	return &CusumDetector{
		target:    target,
		slack:     slack,
		threshold: threshold,
		critical:  critical,
		clock:     clock.RealClock{},
	}
}

func (d *CusumDetector) Observe(value float64) *Anomaly {
	d.observed++

	dev := value - d.target
	d.sHigh = math.Max(0, d.sHigh+dev-d.slack)
	d.sLow = math.Max(0, d.sLow-dev-d.slack)

	score := math.Max(d.sHigh, d.sLow)
	if score < d.threshold {
		return nil
	}

	severity := Warn
	if score >= d.critical {
		severity = Critical
	}
	direction := "upward"
	if d.sHigh < d.sLow {
		direction = "downward"
	}

	d.sHigh, d.sLow = 0, 0

	return &Anomaly{
		Severity:    severity,
		Detector:    Cusum,
		Message:     fmt.Sprintf("CUSUM detected %s drift: score=%.2f (target=%.1f)", direction, score, d.target),
		MetricValue: value,
		Score:       score,
		DetectedAt:  d.clock.Now(),
	}
}

// UpdateTarget moves the reference mean and clears both accumulators.
func (d *CusumDetector) UpdateTarget(target float64) {
	d.target = target
	d.sHigh, d.sLow = 0, 0
}

func (d *CusumDetector) Target() float64      { return d.target }
func (d *CusumDetector) SHigh() float64       { return d.sHigh }
func (d *CusumDetector) SLow() float64        { return d.sLow }
func (d *CusumDetector) Observations() uint64 { return d.observed }
