package experiment

import "math"

// VariantStats keeps a bounded window of outcomes with running sums.
type VariantStats struct {
	samples    []float64
	maxSamples int
	sum        float64
	sumSq      float64
}

func NewVariantStats(maxSamples int) *VariantStats {
	return &VariantStats{maxSamples: max(maxSamples, 1)}
}

// Record adds an outcome, evicting the oldest once the window is full.
func (s *VariantStats) Record(v float64) {
	if len(s.samples) >= s.maxSamples {
		old := s.samples[0]
		s.samples = s.samples[1:]
		s.sum -= old
		s.sumSq -= old * old
	}
	s.samples = append(s.samples, v)
	s.sum += v
	s.sumSq += v * v
}

func (s *VariantStats) Count() int { return len(s.samples) }

func (s *VariantStats) Mean() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	return s.sum / float64(len(s.samples))
}

// Variance is the sample variance (n-1). It is 0 below two samples and never negative.
func (s *VariantStats) Variance() float64 {
	n := len(s.samples)
	if n < 2 {
		return 0
	}
	m := s.Mean()
	v := (s.sumSq - float64(n)*m*m) / float64(n-1)
	return math.Max(v, 0)
}

func (s *VariantStats) StdDev() float64 { return math.Sqrt(s.Variance()) }

// Summary is a serialisable view of VariantStats.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

func (s *VariantStats) Summary() Summary {
	return Summary{Count: s.Count(), Mean: s.Mean(), StdDev: s.StdDev()}
}
