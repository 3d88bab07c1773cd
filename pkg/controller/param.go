package controller

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnknownParam is returned when a parameter name does not match any tunable.
var ErrUnknownParam = errors.New("unknown parameter")

// Param is one of the twelve tunables owned by the controller.
type Param int

const (
	DedupChannelBuf Param = iota
	RateLimitChannelBuf
	PriorityChannelBuf
	CacheChannelBuf
	InferenceChannelBuf
	BackpressureShedThreshold
	CircuitBreakerFailureThreshold
	CircuitBreakerSuccessRate
	CircuitBreakerTimeoutMs
	DedupTTLMs
	DedupHashBuckets
	RateLimiterRefillRate

	numParams
)

var paramNames = [numParams]string{
	DedupChannelBuf:                "dedup_channel_buf",
	RateLimitChannelBuf:            "rate_limit_channel_buf",
	PriorityChannelBuf:             "priority_channel_buf",
	CacheChannelBuf:                "cache_channel_buf",
	InferenceChannelBuf:            "inference_channel_buf",
	BackpressureShedThreshold:      "backpressure_shed_threshold",
	CircuitBreakerFailureThreshold: "circuit_breaker_failure_threshold",
	CircuitBreakerSuccessRate:      "circuit_breaker_success_rate",
	CircuitBreakerTimeoutMs:        "circuit_breaker_timeout_ms",
	DedupTTLMs:                     "dedup_ttl_ms",
	DedupHashBuckets:               "dedup_hash_buckets",
	RateLimiterRefillRate:          "rate_limiter_refill_rate",
}

func (p Param) String() string {
	if p < 0 || p >= numParams {
		return fmt.Sprintf("param(%d)", int(p))
	}
	return paramNames[p]
}

func (p Param) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Param) UnmarshalText(b []byte) error {
	parsed, err := ParseParam(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AllParams returns every parameter in a fixed order.
func AllParams() []Param {
	out := make([]Param, numParams)
	for i := range out {
		out[i] = Param(i)
	}
	return out
}

func ParseParam(name string) (Param, error) {
	for i, n := range paramNames {
		if n == name {
			return Param(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownParam, name)
}

func (p Param) isChannelBuffer() bool {
	return p >= DedupChannelBuf && p <= InferenceChannelBuf
}

// ParameterSpec bounds a parameter and carries its PID gains.
type ParameterSpec struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
	// Cooldown is the minimum time between two changes of the parameter.
	Cooldown time.Duration `json:"cooldown"`
	// RollbackThreshold is the relative metric degradation that reverts a change, e.g. 0.10 for 10%.
	RollbackThreshold float64 `json:"rollbackThreshold"`
	Kp                float64 `json:"kp"`
	Ki                float64 `json:"ki"`
	Kd                float64 `json:"kd"`
}

// DefaultParameterSpec is the generic spec used when nothing more specific applies.
func DefaultParameterSpec() ParameterSpec {
	return ParameterSpec{
		Min:               1,
		Max:               10_000,
		Step:              1,
		Cooldown:          30 * time.Second,
		RollbackThreshold: 0.10,
		Kp:                0.5,
		Ki:                0.05,
		Kd:                0.1,
	}
}

func (s ParameterSpec) Clamp(v float64) float64 {
	return math.Max(s.Min, math.Min(s.Max, v))
}

// Snap rounds v to the nearest multiple of Step, then clamps.
func (s ParameterSpec) Snap(v float64) float64 {
	if s.Step <= 0 {
		return s.Clamp(v)
	}
	return s.Clamp(math.Round(v/s.Step) * s.Step)
}

// DefaultSpec returns the built-in spec for p.
func DefaultSpec(p Param) ParameterSpec {
	if p.isChannelBuffer() {
		return ParameterSpec{Min: 16, Max: 4096, Step: 16, Cooldown: 10 * time.Second,
			RollbackThreshold: 0.10, Kp: 0.001, Ki: 0.0001, Kd: 0.0005}
	}
	switch p {
	case BackpressureShedThreshold:
		return ParameterSpec{Min: 0.05, Max: 1, Step: 0.01, Cooldown: 15 * time.Second,
			RollbackThreshold: 0.20, Kp: 0.5, Ki: 0.05, Kd: 0.1}
	case CircuitBreakerFailureThreshold:
		return ParameterSpec{Min: 1, Max: 50, Step: 1, Cooldown: 30 * time.Second,
			RollbackThreshold: 0.10, Kp: 2, Ki: 0.1, Kd: 0.5}
	case CircuitBreakerSuccessRate:
		return ParameterSpec{Min: 0.10, Max: 1, Step: 0.05, Cooldown: 30 * time.Second,
			RollbackThreshold: 0.10, Kp: 0.5, Ki: 0.05, Kd: 0.1}
	case CircuitBreakerTimeoutMs:
		return ParameterSpec{Min: 100, Max: 30_000, Step: 100, Cooldown: 20 * time.Second,
			RollbackThreshold: 0.15, Kp: 0.0001, Ki: 0.00001, Kd: 0.00005}
	case DedupTTLMs:
		return ParameterSpec{Min: 100, Max: 60_000, Step: 100, Cooldown: 20 * time.Second,
			RollbackThreshold: 0.10, Kp: 100, Ki: 10, Kd: 20}
	case DedupHashBuckets:
		return ParameterSpec{Min: 64, Max: 65_536, Step: 64, Cooldown: 60 * time.Second,
			RollbackThreshold: 0.10, Kp: 1000, Ki: 50, Kd: 200}
	case RateLimiterRefillRate:
		return ParameterSpec{Min: 1, Max: 10_000, Step: 1, Cooldown: 5 * time.Second,
			RollbackThreshold: 0.15, Kp: 10, Ki: 1, Kd: 2}
	}
	return DefaultParameterSpec()
}

// DefaultValue returns the starting value for p.
func DefaultValue(p Param) float64 {
	if p.isChannelBuffer() {
		return 256
	}
	switch p {
	case BackpressureShedThreshold:
		return 0.80
	case CircuitBreakerFailureThreshold:
		return 5
	case CircuitBreakerSuccessRate:
		return 0.50
	case CircuitBreakerTimeoutMs, DedupTTLMs:
		return 5_000
	case DedupHashBuckets:
		return 1024
	case RateLimiterRefillRate:
		return 100
	}
	return DefaultParameterSpec().Min
}
