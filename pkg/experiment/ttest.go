package experiment

import (
	"encoding/json"
	"math"
)

// meanTolerance below which two means are treated as equal.
const meanTolerance = 1e-10

// TTestResult is the outcome of a Welch comparison. Better is nil when the means are equal.
type TTestResult struct {
	TStat       float64  `json:"tStat"`
	DF          float64  `json:"df"`
	PValue      float64  `json:"pValue"`
	Significant bool     `json:"significant"`
	Better      *Variant `json:"better,omitempty"`
}

// MarshalJSON encodes a non-finite t statistic, produced when neither variant has spread, as null.
func (r TTestResult) MarshalJSON() ([]byte, error) {
	type plain TTestResult
	out := struct {
		plain
		TStat *float64 `json:"tStat"`
	}{plain: plain(r)}
	if !math.IsInf(r.TStat, 0) && !math.IsNaN(r.TStat) {
		t := r.TStat
		out.TStat = &t
	}
	return json.Marshal(out)
}

// WelchTTest compares control and treatment assuming unequal variances, with
// Welch-Satterthwaite degrees of freedom. Lower means are better. It reports
// false when either side has fewer than two samples.
func WelchTTest(control, treatment *VariantStats, significance float64) (TTestResult, bool) {
	n1, n2 := float64(control.Count()), float64(treatment.Count())
	if n1 < 2 || n2 < 2 {
		return TTestResult{}, false
	}

	m1, m2 := control.Mean(), treatment.Mean()
	se1 := control.Variance() / n1
	se2 := treatment.Variance() / n2
	se := se1 + se2

	better := lowerMean(m1, m2)

	// No spread at all: any difference in means is decisive.
	if se <= 0 {
		return TTestResult{
			TStat:       math.Inf(1),
			DF:          n1 + n2 - 2,
			PValue:      0,
			Significant: true,
			Better:      better,
		}, true
	}

	t := (m1 - m2) / math.Sqrt(se)
	df := (se * se) / (se1*se1/(n1-1) + se2*se2/(n2-1))
	p := twoTailedP(math.Abs(t), df)

	return TTestResult{
		TStat:       t,
		DF:          df,
		PValue:      p,
		Significant: p < 1-significance,
		Better:      better,
	}, true
}

func lowerMean(control, treatment float64) *Variant {
	var v Variant
	switch {
	case math.Abs(control-treatment) < meanTolerance:
		return nil
	case treatment < control:
		v = Treatment
	default:
		v = Control
	}
	return &v
}

// twoTailedP approximates the two-tailed p-value of |t| by shrinking it toward
// a normal deviate for small df.
func twoTailedP(tAbs, df float64) float64 {
	z := tAbs
	if df <= 100 {
		z = tAbs * (1 - 0.25/math.Max(df, 1))
	}
	return math.Min(2*normalUpperTail(z), 1)
}

// normalUpperTail is P(Z > x) via Abramowitz & Stegun 26.2.17.
func normalUpperTail(x float64) float64 {
	if x < 0 {
		return 1 - normalUpperTail(-x)
	}
	if x > 8 {
		return 0
	}
	t := 1 / (1 + 0.2316419*x)
	poly := t * (0.319381530 + t*(-0.356563782+t*(1.781477937+t*(-1.821255978+t*1.330274429))))
	pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
	return pdf * poly
}
