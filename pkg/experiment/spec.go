package experiment

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrEmptyName         = errors.New("experiment name must not be empty")
	ErrInvalidSplit      = errors.New("traffic_split must be in [0, 1]")
	ErrInvalidMinSamples = errors.New("min_samples must be >= 1")
	ErrInvalidSignif     = errors.New("significance must be in [0, 1)")
	ErrInvalidMaxSamples = errors.New("max_samples must be >= 1")
)

// Variant is one arm of an A/B test.
type Variant int

const (
	Control Variant = iota
	Treatment
)

func (v Variant) String() string {
	if v == Treatment {
		return "treatment"
	}
	return "control"
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	switch string(b) {
	case "control":
		*v = Control
	case "treatment":
		*v = Treatment
	default:
		return fmt.Errorf("unknown variant %q", string(b))
	}
	return nil
}

// Spec defines one experiment. Parameter names the tunable under test; when it
// matches a controller parameter the winning value can be applied directly.
type Spec struct {
	Name           string        `yaml:"name" json:"name"`
	Parameter      string        `yaml:"parameter" json:"parameter"`
	ControlValue   float64       `yaml:"controlValue" json:"controlValue"`
	TreatmentValue float64       `yaml:"treatmentValue" json:"treatmentValue"`
	TrafficSplit   float64       `yaml:"trafficSplit" json:"trafficSplit"`
	MinSamples     int           `yaml:"minSamples" json:"minSamples"`
	Significance   float64       `yaml:"significance" json:"significance"`
	MaxSamples     int           `yaml:"maxSamples" json:"maxSamples"`
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
}

func DefaultSpec() Spec {
	return Spec{
		Name:         "unnamed",
		Parameter:    "unknown",
		TrafficSplit: 0.10,
		MinSamples:   100,
		Significance: 0.95,
		MaxSamples:   10_000,
		TTL:          time.Hour,
	}
}

// UnmarshalYAML fills fields absent from the document with DefaultSpec values.
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	type plain Spec
	p := plain(DefaultSpec())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Spec(p)
	return nil
}

// Validate rejects specs that cannot produce a meaningful test. NaN values are rejected.
func (s Spec) Validate() error {
	if s.Name == "" {
		return ErrEmptyName
	}
	if !(s.TrafficSplit >= 0 && s.TrafficSplit <= 1) {
		return fmt.Errorf("%w, got %v", ErrInvalidSplit, s.TrafficSplit)
	}
	if s.MinSamples < 1 {
		return ErrInvalidMinSamples
	}
	if !(s.Significance >= 0 && s.Significance < 1) {
		return fmt.Errorf("%w, got %v", ErrInvalidSignif, s.Significance)
	}
	if s.MaxSamples < 1 {
		return ErrInvalidMaxSamples
	}
	return nil
}
