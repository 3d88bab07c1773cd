package cost

// Backend names a model backend.
type Backend string

func (b Backend) String() string { return string(b) }

// TokenPrice is a backend's price model in USD per token.
type TokenPrice struct {
	InputPerToken  float64 `yaml:"inputPerToken" json:"inputPerToken" validate:"gte=0"`
	OutputPerToken float64 `yaml:"outputPerToken" json:"outputPerToken" validate:"gte=0"`
}

func (p TokenPrice) Estimate(inputTokens, outputTokens uint64) float64 {
	return p.InputPerToken*float64(inputTokens) + p.OutputPerToken*float64(outputTokens)
}

// RequestCost records one completed request. ActualUSD is set once billing is
// reconciled; QualityScore, in [-1, 1], once a quality signal arrives.
type RequestCost struct {
	Backend      Backend  `json:"backend" binding:"required"`
	EstimatedUSD float64  `json:"estimatedUsd"`
	ActualUSD    *float64 `json:"actualUsd,omitempty"`
	InputTokens  uint64   `json:"inputTokens"`
	OutputTokens uint64   `json:"outputTokens"`
	QualityScore *float64 `json:"qualityScore,omitempty"`
}

// EffectiveUSD prefers the reconciled cost over the estimate.
func (r RequestCost) EffectiveUSD() float64 {
	if r.ActualUSD != nil {
		return *r.ActualUSD
	}
	return r.EstimatedUSD
}

// BudgetPressure classifies spend against the ceiling.
type BudgetPressure int

const (
	PressureNormal BudgetPressure = iota
	PressureWarn
	PressureCritical
)

func (p BudgetPressure) String() string {
	switch p {
	case PressureWarn:
		return "warn"
	case PressureCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (p BudgetPressure) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParetoPoint is a backend's position in cost/quality space.
type ParetoPoint struct {
	Backend      Backend `json:"backend"`
	AvgCostUSD   float64 `json:"avgCostUsd"`
	AvgQuality   float64 `json:"avgQuality"`
	RequestCount uint64  `json:"requestCount"`
}

// BackendReport summarises one backend.
type BackendReport struct {
	Backend       Backend `json:"backend"`
	TotalSpentUSD float64 `json:"totalSpentUsd"`
	RequestCount  uint64  `json:"requestCount"`
	AvgCostUSD    float64 `json:"avgCostUsd"`
	CostEMAUSD    float64 `json:"costEmaUsd"`
	AvgQuality    float64 `json:"avgQuality"`
	QualityEMA    float64 `json:"qualityEma"`
}
