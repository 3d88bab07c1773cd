package cost

import (
	"cmp"
	"slices"
)

const defaultEMAAlpha = 0.1

// BudgetConfig bounds spend. Routing narrows to cheaper backends above
// WarnFraction of the ceiling and to the single cheapest above CriticalFraction.
type BudgetConfig struct {
	CeilingUSD       float64               `yaml:"ceilingUsd" json:"ceilingUsd" validate:"gte=0"`
	WarnFraction     float64               `yaml:"warnFraction" json:"warnFraction" validate:"gte=0"`
	CriticalFraction float64               `yaml:"criticalFraction" json:"criticalFraction" validate:"gtefield=WarnFraction"`
	HistoryCap       int                   `yaml:"historyCap" json:"historyCap" validate:"gte=1"`
	EMAAlpha         float64               `yaml:"emaAlpha" json:"emaAlpha" validate:"gte=0,lte=1"`
	Prices           map[string]TokenPrice `yaml:"prices" json:"prices,omitempty" validate:"dive"`
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		CeilingUSD:       10.0,
		WarnFraction:     0.80,
		CriticalFraction: 0.95,
		HistoryCap:       10_000,
		EMAAlpha:         defaultEMAAlpha,
	}
}

type backendStats struct {
	totalSpentUSD float64
	requestCount  uint64
	qualitySum    float64
	qualityCount  uint64
	costEMA       float64
	qualityEMA    float64
	alpha         float64
}

func newBackendStats(alpha float64) *backendStats {
	if alpha <= 0 {
		alpha = defaultEMAAlpha
	}
	return &backendStats{alpha: alpha}
}

func (s *backendStats) recordCost(usd float64) {
	s.totalSpentUSD += usd
	s.requestCount++
	if s.requestCount == 1 {
		s.costEMA = usd
	} else {
		s.costEMA = s.alpha*usd + (1-s.alpha)*s.costEMA
	}
}

func (s *backendStats) recordQuality(score float64) {
	s.qualitySum += score
	s.qualityCount++
	if s.qualityCount == 1 {
		s.qualityEMA = score
	} else {
		s.qualityEMA = s.alpha*score + (1-s.alpha)*s.qualityEMA
	}
}

func (s *backendStats) avgCost() float64 {
	if s.requestCount == 0 {
		return 0
	}
	return s.totalSpentUSD / float64(s.requestCount)
}

func (s *backendStats) avgQuality() float64 {
	if s.qualityCount == 0 {
		return 0
	}
	return s.qualitySum / float64(s.qualityCount)
}

// Optimizer tracks per-backend spend and quality and advises on routing under
// budget pressure.
//
// An Optimizer is not safe for concurrent use.
type Optimizer struct {
	cfg     BudgetConfig
	prices  map[Backend]TokenPrice
	stats   map[Backend]*backendStats
	history []RequestCost
}

// NewOptimizer creates an optimizer seeded with the prices in cfg.
func NewOptimizer(cfg BudgetConfig) *Optimizer {
	o := &Optimizer{
		cfg:    cfg,
		prices: make(map[Backend]TokenPrice, len(cfg.Prices)),
		stats:  make(map[Backend]*backendStats),
	}
	for name, p := range cfg.Prices {
		o.prices[Backend(name)] = p
	}
	return o
}

func (o *Optimizer) Config() BudgetConfig { return o.cfg }

func (o *Optimizer) SetPrice(b Backend, p TokenPrice) {
	o.prices[b] = p
}

// Estimate prices a request before it is sent. Unknown backends cost 0.
func (o *Optimizer) Estimate(b Backend, inputTokens, outputTokens uint64) float64 {
	p, ok := o.prices[b]
	if !ok {
		return 0
	}
	return p.Estimate(inputTokens, outputTokens)
}

func (o *Optimizer) RecordRequest(req RequestCost) {
	s, ok := o.stats[req.Backend]
	if !ok {
		s = newBackendStats(o.cfg.EMAAlpha)
		o.stats[req.Backend] = s
	}
	s.recordCost(req.EffectiveUSD())
	if req.QualityScore != nil {
		s.recordQuality(*req.QualityScore)
	}

	limit := max(o.cfg.HistoryCap, 1)
	if len(o.history) >= limit {
		o.history = append(o.history[:0], o.history[len(o.history)-limit+1:]...)
	}
	o.history = append(o.history, req)
}

// Reconcile applies a billed amount to the most recent unreconciled request
// for b and moves the running total by the difference. It reports whether a
// request was found.
func (o *Optimizer) Reconcile(b Backend, actualUSD float64) bool {
	for i := len(o.history) - 1; i >= 0; i-- {
		req := &o.history[i]
		if req.Backend != b || req.ActualUSD != nil {
			continue
		}
		actual := actualUSD
		req.ActualUSD = &actual
		if s, ok := o.stats[b]; ok {
			s.totalSpentUSD += actualUSD - req.EstimatedUSD
		}
		return true
	}
	return false
}

func (o *Optimizer) TotalSpentUSD() float64 {
	total := 0.0
	for _, s := range o.stats {
		total += s.totalSpentUSD
	}
	return total
}

// BudgetFraction is spend over ceiling; 0 when no ceiling is set.
func (o *Optimizer) BudgetFraction() float64 {
	if o.cfg.CeilingUSD <= 0 {
		return 0
	}
	return o.TotalSpentUSD() / o.cfg.CeilingUSD
}

func (o *Optimizer) Pressure() BudgetPressure {
	frac := o.BudgetFraction()
	switch {
	case frac >= o.cfg.CriticalFraction:
		return PressureCritical
	case frac >= o.cfg.WarnFraction:
		return PressureWarn
	default:
		return PressureNormal
	}
}

func (o *Optimizer) RemainingUSD() float64 {
	return max(o.cfg.CeilingUSD-o.TotalSpentUSD(), 0)
}

// BackendsByCost orders known backends by average cost, cheapest first. Ties
// are ordered by name.
func (o *Optimizer) BackendsByCost() []Backend {
	out := make([]Backend, 0, len(o.stats))
	for b := range o.stats {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Backend) int {
		if c := cmp.Compare(o.stats[a].avgCost(), o.stats[b].avgCost()); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return out
}

// PreferredBackends narrows BackendsByCost by pressure: everything when
// normal, the cheaper half (at least one) on warn, the cheapest on critical.
func (o *Optimizer) PreferredBackends() []Backend {
	byCost := o.BackendsByCost()
	switch o.Pressure() {
	case PressureWarn:
		return byCost[:min(max(len(byCost)/2, 1), len(byCost))]
	case PressureCritical:
		return byCost[:min(1, len(byCost))]
	default:
		return byCost
	}
}

func (o *Optimizer) CheapestBackend() (Backend, bool) {
	byCost := o.BackendsByCost()
	if len(byCost) == 0 {
		return "", false
	}
	return byCost[0], true
}

// ParetoFrontier returns the backends not dominated by a cheaper (or equally
// cheap) backend of strictly higher quality, cheapest first. Backends without
// a quality sample are left out.
func (o *Optimizer) ParetoFrontier() []ParetoPoint {
	points := make([]ParetoPoint, 0, len(o.stats))
	for b, s := range o.stats {
		if s.requestCount == 0 || s.qualityCount == 0 {
			continue
		}
		points = append(points, ParetoPoint{
			Backend:      b,
			AvgCostUSD:   s.avgCost(),
			AvgQuality:   s.avgQuality(),
			RequestCount: s.requestCount,
		})
	}
	slices.SortFunc(points, func(a, b ParetoPoint) int {
		if c := cmp.Compare(a.AvgCostUSD, b.AvgCostUSD); c != 0 {
			return c
		}
		if c := cmp.Compare(b.AvgQuality, a.AvgQuality); c != 0 {
			return c
		}
		return cmp.Compare(a.Backend, b.Backend)
	})

	frontier := make([]ParetoPoint, 0, len(points))
	for _, p := range points {
		if len(frontier) == 0 || p.AvgQuality > frontier[len(frontier)-1].AvgQuality {
			frontier = append(frontier, p)
		}
	}
	return frontier
}

// BackendReport summarises every backend, ordered by name.
func (o *Optimizer) BackendReport() []BackendReport {
	out := make([]BackendReport, 0, len(o.stats))
	for b, s := range o.stats {
		out = append(out, BackendReport{
			Backend:       b,
			TotalSpentUSD: s.totalSpentUSD,
			RequestCount:  s.requestCount,
			AvgCostUSD:    s.avgCost(),
			CostEMAUSD:    s.costEMA,
			AvgQuality:    s.avgQuality(),
			QualityEMA:    s.qualityEMA,
		})
	}
	slices.SortFunc(out, func(a, b BackendReport) int { return cmp.Compare(a.Backend, b.Backend) })
	return out
}

func (o *Optimizer) HistoryLen() int { return len(o.history) }

func (o *Optimizer) KnownBackendCount() int { return len(o.stats) }
