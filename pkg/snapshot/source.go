package snapshot

import "strings"

// SourceKind identifies what produced a snapshot.
type SourceKind int

const (
	SourceController SourceKind = iota
	SourceInitial
	SourceAnomalyRollback
	SourceExperiment
	SourceManual
	SourceAutoRollback
)

// ChangeSource records who or what changed the configuration. Detail holds the
// experiment name, operator, or degraded metric for the kinds that carry one.
type ChangeSource struct {
	Kind   SourceKind
	Detail string
}

func Controller() ChangeSource      { return ChangeSource{Kind: SourceController} }
func Initial() ChangeSource         { return ChangeSource{Kind: SourceInitial} }
func AnomalyRollback() ChangeSource { return ChangeSource{Kind: SourceAnomalyRollback} }

func Experiment(name string) ChangeSource {
	return ChangeSource{Kind: SourceExperiment, Detail: name}
}

func Manual(operator string) ChangeSource {
	return ChangeSource{Kind: SourceManual, Detail: operator}
}

func AutoRollback(metric string) ChangeSource {
	return ChangeSource{Kind: SourceAutoRollback, Detail: metric}
}

func (s ChangeSource) String() string {
	switch s.Kind {
	case SourceController:
		return "controller"
	case SourceInitial:
		return "initial"
	case SourceAnomalyRollback:
		return "anomaly-rollback"
	case SourceExperiment:
		return "experiment:" + s.Detail
	case SourceAutoRollback:
		return "auto-rollback:" + s.Detail
	default:
		return "manual:" + s.Detail
	}
}

// ParseChangeSource inverts String. Anything unrecognised is treated as a
// manual change by an operator of that name.
func ParseChangeSource(s string) ChangeSource {
	switch s {
	case "controller":
		return Controller()
	case "initial":
		return Initial()
	case "anomaly-rollback":
		return AnomalyRollback()
	}
	if name, ok := strings.CutPrefix(s, "experiment:"); ok {
		return Experiment(name)
	}
	if op, ok := strings.CutPrefix(s, "manual:"); ok {
		return Manual(op)
	}
	if metric, ok := strings.CutPrefix(s, "auto-rollback:"); ok {
		return AutoRollback(metric)
	}
	return Manual(s)
}

func (s ChangeSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ChangeSource) UnmarshalText(b []byte) error {
	*s = ParseChangeSource(string(b))
	return nil
}
