package anomaly

import (
	"fmt"
	"math"

	"k8s.io/utils/clock"
)

const eulerGamma = 0.5772156649

// cFactor is the average path length of an unsuccessful BST search over n points.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn)+eulerGamma) - 2*(fn-1)/fn
}

type itree struct {
	leaf    bool
	size    int
	feature int
	split   float64
	left    *itree
	right   *itree
}

func buildTree(data [][]float64, depth int, rng *SimpleRNG) *itree {
	if len(data) <= 1 || depth == 0 {
		return &itree{leaf: true, size: len(data)}
	}
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return &itree{leaf: true, size: len(data)}
	}

	feature := rng.NextIntn(nFeatures)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range data {
		lo = math.Min(lo, row[feature])
		hi = math.Max(hi, row[feature])
	}
	if math.Abs(hi-lo) < 1e-10 {
		return &itree{leaf: true, size: len(data)}
	}

	t := lo + rng.NextFloat64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < t {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &itree{leaf: true, size: len(data)}
	}

	return &itree{
		feature: feature,
		split:   t,
		left:    buildTree(left, depth-1, rng),
		right:   buildTree(right, depth-1, rng),
	}
}

func (n *itree) pathLength(point []float64, depth int) float64 {
	for !n.leaf {
		if n.feature < len(point) && point[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + cFactor(n.size)
}

// IsolationForestDetector scores feature vectors by how quickly random splits isolate them.
// The forest is trained the first time the rolling window fills, and again on RebuildForest.
type IsolationForestDetector struct {
	nTrees        int
	maxDepth      int
	subsampleSize int
	windowCap     int
	window        [][]float64
	forest        []*itree
	rng           *SimpleRNG
	warn          float64
	critical      float64
	trained       bool
	clock         clock.PassiveClock
}

func NewIsolationForestDetector(nTrees, subsampleSize, windowCap int, warn, critical float64, seed uint64) *IsolationForestDetector {
	maxDepth := 0
	if subsampleSize > 1 {
		maxDepth = int(math.Ceil(math.Log2(float64(subsampleSize))))
	}
	return &IsolationForestDetector{
		nTrees:        nTrees,
		maxDepth:      maxDepth,
		subsampleSize: subsampleSize,
		windowCap:     windowCap,
		window:        make([][]float64, 0, windowCap),
		rng:           NewSimpleRNG(seed),
		warn:          warn,
		critical:      critical,
		clock:         clock.RealClock{},
	}
}

// Observe appends features to the window and scores them once a forest exists.
func (d *IsolationForestDetector) Observe(features []float64) *Anomaly {
	point := append([]float64(nil), features...)
	if d.windowCap > 0 && len(d.window) >= d.windowCap {
		d.window = append(d.window[:0], d.window[1:]...)
	}
	d.window = append(d.window, point)

	if len(d.window) == d.windowCap && !d.trained {
		d.RebuildForest()
	}
	if len(d.forest) == 0 {
		return nil
	}

	score := d.AnomalyScore(point)
	var severity Severity
	switch {
	case score >= d.critical:
		severity = Critical
	case score >= d.warn:
		severity = Warn
	default:
		return nil
	}

	return &Anomaly{
		Severity: severity,
		Detector: IsolationForest,
		Message: fmt.Sprintf("isolation forest anomaly score %.3f (warn=%.2f, critical=%.2f)",
			score, d.warn, d.critical),
		MetricValue: score,
		Score:       score,
		DetectedAt:  d.clock.Now(),
	}
}

// RebuildForest retrains every tree from random draws (with replacement) of the current window.
func (d *IsolationForestDetector) RebuildForest() {
	d.forest = d.forest[:0]
	n := min(d.subsampleSize, len(d.window))
	if n < 2 {
		return
	}
	for i := 0; i < d.nTrees; i++ {
		sample := make([][]float64, n)
		for j := range sample {
			sample[j] = d.window[d.rng.NextIntn(len(d.window))]
		}
		d.forest = append(d.forest, buildTree(sample, d.maxDepth, d.rng))
	}
	d.trained = true
}

// AnomalyScore returns 2^(-E[h(x)]/c(subsample)). It is 0.5 without a forest.
func (d *IsolationForestDetector) AnomalyScore(features []float64) float64 {
	if len(d.forest) == 0 {
		return 0.5
	}
	c := cFactor(d.subsampleSize)
	if c <= 0 {
		return 0.5
	}
	var total float64
	for _, t := range d.forest {
		total += t.pathLength(features, 0)
	}
	avg := total / float64(len(d.forest))
	return math.Pow(2, -avg/c)
}

func (d *IsolationForestDetector) IsTrained() bool { return d.trained }
func (d *IsolationForestDetector) ForestSize() int { return len(d.forest) }
func (d *IsolationForestDetector) WindowLen() int  { return len(d.window) }
