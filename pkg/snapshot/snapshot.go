package snapshot

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// ParamMap is the full set of tunables at one instant, keyed by name.
type ParamMap map[string]float64

func (p ParamMap) Clone() ParamMap {
	out := make(ParamMap, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ParamDiff is one changed parameter.
type ParamDiff struct {
	Name   string  `json:"param"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

func (d ParamDiff) Delta() float64 { return d.After - d.Before }

// PctChange is the relative change in percent, 0 when Before is 0.
func (d ParamDiff) PctChange() float64 {
	if d.Before == 0 {
		return 0
	}
	return (d.After - d.Before) / math.Abs(d.Before) * 100
}

// ConfigDiff lists the parameters that differ between two snapshots, sorted by name.
type ConfigDiff struct {
	FromID  uint64      `json:"fromId"`
	ToID    uint64      `json:"toId"`
	Changes []ParamDiff `json:"changes"`
}

func (d ConfigDiff) IsEmpty() bool { return len(d.Changes) == 0 }

// ConfigSnapshot is an immutable point-in-time copy of the configuration.
type ConfigSnapshot struct {
	ID          uint64          `json:"id"`
	TimestampMs uint64          `json:"timestamp_ms"`
	Source      ChangeSource    `json:"source"`
	Params      ParamMap        `json:"params"`
	Metrics     SnapshotMetrics `json:"metrics"`
	Note        string          `json:"note,omitempty"`
}

func (s ConfigSnapshot) Time() time.Time {
	return time.UnixMilli(int64(s.TimestampMs))
}

// DiffTo reports changes going from s to other. Added keys have Before 0 and
// removed keys have After 0.
func (s ConfigSnapshot) DiffTo(other ConfigSnapshot) ConfigDiff {
	changes := []ParamDiff{}
	for name, after := range other.Params {
		before := s.Params[name]
		if math.Abs(after-before) > epsilon {
			changes = append(changes, ParamDiff{Name: name, Before: before, After: after})
		}
	}
	for name, before := range s.Params {
		if _, ok := other.Params[name]; !ok {
			changes = append(changes, ParamDiff{Name: name, Before: before})
		}
	}
	slices.SortFunc(changes, func(a, b ParamDiff) int { return cmp.Compare(a.Name, b.Name) })
	return ConfigDiff{FromID: s.ID, ToID: other.ID, Changes: changes}
}

// epsilon is the float64 machine epsilon.
const epsilon = 2.220446049250313e-16
