package experiment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// routeMultiplier is Knuth's multiplicative hash constant.
const routeMultiplier uint64 = 2654435761

// State of an experiment.
type State int

const (
	Running State = iota
	Concluded
	Stopped
)

func (s State) String() string {
	switch s {
	case Concluded:
		return "concluded"
	case Stopped:
		return "stopped"
	default:
		return "running"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "running":
		*s = Running
	case "concluded":
		*s = Concluded
	case "stopped":
		*s = Stopped
	default:
		return fmt.Errorf("unknown experiment state %q", string(b))
	}
	return nil
}

// Status is the lifecycle position of an experiment. Winner is only meaningful when Concluded.
type Status struct {
	State  State   `json:"state"`
	Winner Variant `json:"winner"`
}

func (s Status) String() string {
	if s.State == Concluded {
		return "concluded(" + s.Winner.String() + ")"
	}
	return s.State.String()
}

// Experiment is a single A/B test over one parameter.
type Experiment struct {
	ID   string
	Spec Spec

	clock       clock.PassiveClock
	status      Status
	control     *VariantStats
	treatment   *VariantStats
	startedAt   time.Time
	concludedAt time.Time
	lastResult  *TTestResult
	drained     bool
}

// NewExperiment validates spec and starts the experiment on clk.
func NewExperiment(spec Spec, clk clock.PassiveClock) (*Experiment, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Experiment{
		ID:        uuid.NewString(),
		Spec:      spec,
		clock:     clk,
		control:   NewVariantStats(spec.MaxSamples),
		treatment: NewVariantStats(spec.MaxSamples),
		startedAt: clk.Now(),
	}, nil
}

// Route deterministically assigns a request to a variant.
func (e *Experiment) Route(requestID uint64) Variant {
	hash := requestID * routeMultiplier
	frac := float64((hash>>16)&0xFFFF) / 65536.0
	if frac < e.Spec.TrafficSplit {
		return Treatment
	}
	return Control
}

// ValueFor returns the parameter value served to v.
func (e *Experiment) ValueFor(v Variant) float64 {
	if v == Treatment {
		return e.Spec.TreatmentValue
	}
	return e.Spec.ControlValue
}

// Record adds an outcome for v and re-tests. It is a no-op unless the
// experiment is running. An expired experiment is stopped without recording.
func (e *Experiment) Record(v Variant, metric float64) {
	if e.status.State != Running {
		return
	}
	if e.Spec.TTL > 0 && e.clock.Since(e.startedAt) > e.Spec.TTL {
		e.status = Status{State: Stopped}
		return
	}
	e.stats(v).Record(metric)
	e.MaybeConclude()
}

func (e *Experiment) stats(v Variant) *VariantStats {
	if v == Treatment {
		return e.treatment
	}
	return e.control
}

// MaybeConclude runs the t-test once both variants have enough samples and
// concludes the experiment when the difference is significant.
func (e *Experiment) MaybeConclude() {
	if e.status.State != Running {
		return
	}
	if e.control.Count() < e.Spec.MinSamples || e.treatment.Count() < e.Spec.MinSamples {
		return
	}
	res, ok := WelchTTest(e.control, e.treatment, e.Spec.Significance)
	if !ok {
		return
	}
	e.lastResult = &res
	if !res.Significant {
		return
	}
	winner := Control
	if res.Better != nil {
		winner = *res.Better
	}
	e.status = Status{State: Concluded, Winner: winner}
	e.concludedAt = e.clock.Now()
}

func (e *Experiment) Stop() {
	if e.status.State == Running {
		e.status = Status{State: Stopped}
	}
}

func (e *Experiment) Status() Status { return e.status }

func (e *Experiment) IsFinished() bool { return e.status.State != Running }

// WinningValue is the treatment value when treatment won, otherwise the
// control value: running, stopped and control-won experiments keep control.
func (e *Experiment) WinningValue() *float64 {
	v := e.Spec.ControlValue
	if e.status.State == Concluded && e.status.Winner == Treatment {
		v = e.Spec.TreatmentValue
	}
	return &v
}

func (e *Experiment) LastResult() *TTestResult {
	if e.lastResult == nil {
		return nil
	}
	r := *e.lastResult
	return &r
}

func (e *Experiment) ControlStats() *VariantStats { return e.control }

func (e *Experiment) TreatmentStats() *VariantStats { return e.treatment }

func (e *Experiment) StartedAt() time.Time { return e.startedAt }

// ConcludedAt is zero until the experiment concludes.
func (e *Experiment) ConcludedAt() time.Time { return e.concludedAt }

// Info is a serialisable view of an experiment.
type Info struct {
	ID          string       `json:"id"`
	Spec        Spec         `json:"spec"`
	Status      Status       `json:"status"`
	Control     Summary      `json:"control"`
	Treatment   Summary      `json:"treatment"`
	StartedAt   time.Time    `json:"startedAt"`
	ConcludedAt *time.Time   `json:"concludedAt,omitempty"`
	LastResult  *TTestResult `json:"lastResult,omitempty"`
}

func (e *Experiment) Info() Info {
	info := Info{
		ID:         e.ID,
		Spec:       e.Spec,
		Status:     e.status,
		Control:    e.control.Summary(),
		Treatment:  e.treatment.Summary(),
		StartedAt:  e.startedAt,
		LastResult: e.LastResult(),
	}
	if !e.concludedAt.IsZero() {
		t := e.concludedAt
		info.ConcludedAt = &t
	}
	return info
}
