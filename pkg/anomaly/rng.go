package anomaly

// SimpleRNG is a 64-bit linear congruential generator. It is deterministic for a
// given seed and is not suitable for anything security related.
type SimpleRNG struct {
	state uint64
}

const (
	lcgMultiplier = 6364136223846793005
	lcgIncrement  = 1442695040888963407
)

// NewSimpleRNG seeds the generator; the seed is forced odd.
func NewSimpleRNG(seed uint64) *SimpleRNG {
	return &SimpleRNG{state: seed | 1}
}

func (r *SimpleRNG) NextUint64() uint64 {
	r.state = r.state*lcgMultiplier + lcgIncrement
	return r.state
}

// NextIntn returns a value in [0, n). n must be positive.
func (r *SimpleRNG) NextIntn(n int) int {
	return int(r.NextUint64() % uint64(n))
}

// NextFloat64 returns a value in [0, 1) built from the top 53 bits.
func (r *SimpleRNG) NextFloat64() float64 {
	return float64(r.NextUint64()>>11) / float64(uint64(1)<<53)
}
