package controller

import (
	"time"
)

// rollbackGuard watches one change and reverts it if the driving metric degrades.
type rollbackGuard struct {
	param        Param
	valueBefore  float64
	metricBefore float64
	appliedAt    time.Time
	window       time.Duration
	threshold    float64
}

// shouldRollback treats higher metric values as worse. A non-positive baseline never triggers.
func (g rollbackGuard) shouldRollback(current float64) bool {
	if g.metricBefore <= 0 {
		return false
	}
	return (current-g.metricBefore)/g.metricBefore > g.threshold
}

func (g rollbackGuard) expired(now time.Time) bool {
	return now.Sub(g.appliedAt) > g.window
}

// RollbackGuardInfo is a read-only view of an active guard.
type RollbackGuardInfo struct {
	Param        Param     `json:"param"`
	ValueBefore  float64   `json:"valueBefore"`
	MetricBefore float64   `json:"metricBefore"`
	AppliedAt    time.Time `json:"appliedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Threshold    float64   `json:"threshold"`
}
