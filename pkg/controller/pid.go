package controller

import "math"

// pidState carries the integral and previous error of one loop.
type pidState struct {
	integral  float64
	prevError float64
}

// update returns kp*e + ki*integral + kd*de/dt. The integral is held within ±(max-min).
func (s *pidState) update(err float64, spec ParameterSpec, dt float64) float64 {
	s.integral += err * dt
	limit := math.Abs(spec.Max - spec.Min)
	s.integral = math.Max(-limit, math.Min(limit, s.integral))

	var derivative float64
	if dt > 0 {
		derivative = (err - s.prevError) / dt
	}
	s.prevError = err

	return spec.Kp*err + spec.Ki*s.integral + spec.Kd*derivative
}

func (s *pidState) reset() {
	s.integral = 0
	s.prevError = 0
}
