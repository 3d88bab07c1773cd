package experiment

import (
	"errors"
	"fmt"
	"slices"

	"k8s.io/utils/clock"
)

var (
	ErrRegistryFull        = errors.New("registry full")
	ErrDuplicateExperiment = errors.New("already registered")
	ErrNotFound            = errors.New("experiment not found")
)

// Option customises a Registry.
type Option func(*Registry)

// WithClock sets the clock handed to every registered experiment.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) { r.clock = c }
}

// Registry holds named experiments and caps how many may run at once.
//
// A Registry is not safe for concurrent use.
type Registry struct {
	experiments map[string]*Experiment
	maxActive   int
	clock       clock.PassiveClock
}

func NewRegistry(maxActive int, opts ...Option) *Registry {
	r := &Registry{
		experiments: make(map[string]*Experiment),
		maxActive:   maxActive,
		clock:       clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates spec and starts a new experiment under spec.Name.
func (r *Registry) Register(spec Spec) (*Experiment, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if active := r.ActiveCount(); active >= r.maxActive {
		return nil, fmt.Errorf("%w: %d active experiments (max %d)", ErrRegistryFull, active, r.maxActive)
	}
	if _, ok := r.experiments[spec.Name]; ok {
		return nil, fmt.Errorf("experiment '%s' %w", spec.Name, ErrDuplicateExperiment)
	}
	exp, err := NewExperiment(spec, r.clock)
	if err != nil {
		return nil, err
	}
	r.experiments[spec.Name] = exp
	return exp, nil
}

// Route assigns a request to a variant of the named experiment.
func (r *Registry) Route(name string, requestID uint64) (Variant, error) {
	exp, ok := r.experiments[name]
	if !ok {
		return Control, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return exp.Route(requestID), nil
}

func (r *Registry) Record(name string, v Variant, metric float64) error {
	exp, ok := r.experiments[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	exp.Record(v, metric)
	return nil
}

func (r *Registry) Status(name string) (Status, bool) {
	exp, ok := r.experiments[name]
	if !ok {
		return Status{}, false
	}
	return exp.Status(), true
}

// WinningValue is nil only for an unknown name.
func (r *Registry) WinningValue(name string) *float64 {
	exp, ok := r.experiments[name]
	if !ok {
		return nil
	}
	return exp.WinningValue()
}

func (r *Registry) Get(name string) (*Experiment, bool) {
	exp, ok := r.experiments[name]
	return exp, ok
}

// GC removes finished experiments and returns how many were removed.
func (r *Registry) GC() int {
	removed := 0
	for name, exp := range r.experiments {
		if exp.IsFinished() {
			delete(r.experiments, name)
			removed++
		}
	}
	return removed
}

func (r *Registry) ActiveCount() int {
	n := 0
	for _, exp := range r.experiments {
		if !exp.IsFinished() {
			n++
		}
	}
	return n
}

func (r *Registry) TotalCount() int { return len(r.experiments) }

func (r *Registry) MaxActive() int { return r.maxActive }

// Names returns experiment names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.experiments))
	for name := range r.experiments {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Infos lists every experiment ordered by name.
func (r *Registry) Infos() []Info {
	out := make([]Info, 0, len(r.experiments))
	for _, name := range r.Names() {
		out = append(out, r.experiments[name].Info())
	}
	return out
}

// CountByState tallies experiments per state.
func (r *Registry) CountByState() map[State]int {
	out := map[State]int{Running: 0, Concluded: 0, Stopped: 0}
	for _, exp := range r.experiments {
		out[exp.status.State]++
	}
	return out
}

func (r *Registry) StopAll() {
	for _, exp := range r.experiments {
		exp.Stop()
	}
}

// DrainConcluded returns the experiments that concluded since the previous
// call, ordered by name. Each concluded experiment is returned once.
func (r *Registry) DrainConcluded() []*Experiment {
	var out []*Experiment
	for _, name := range r.Names() {
		exp := r.experiments[name]
		if exp.status.State == Concluded && !exp.drained {
			exp.drained = true
			out = append(out, exp)
		}
	}
	return out
}
