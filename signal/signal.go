// Package signal generates the exogenous inputs of the thermal system: the
// ambient temperature and one heater power per block, as functions of time.
package signal

import (
	"fmt"
	"math"

	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
)

// Profile is a scalar function of time.
type Profile interface {
	Value(t float64) float64
}

type Kind string

const (
	// Constant holds Level.
	Constant Kind = "constant"
	// Sigmoid rises by Amplitude around Onset.
	Sigmoid Kind = "sigmoid"
	// Pulse rises by Amplitude around Onset and falls back around Offset.
	Pulse Kind = "pulse"
)

// Spec describes a profile in configuration files.
type Spec struct {
	Kind      Kind    `yaml:"kind"`
	Level     float64 `yaml:"level"`
	Amplitude float64 `yaml:"amplitude,omitempty"`
	Onset     float64 `yaml:"onset,omitempty"`
	Offset    float64 `yaml:"offset,omitempty"`
	// Steepness of the logistic edges [1/s].
	Steepness float64 `yaml:"steepness,omitempty"`
}

func (s Spec) Validate() error {
	switch s.Kind {
	case Constant:
	case Sigmoid, Pulse:
		if !(s.Steepness > 0) {
			return fmt.Errorf("%s profile needs a positive steepness, got %v", s.Kind, s.Steepness)
		}
		if s.Kind == Pulse && !(s.Offset > s.Onset) {
			return fmt.Errorf("pulse offset %v must come after onset %v", s.Offset, s.Onset)
		}
	default:
		return fmt.Errorf("unknown profile kind %q", s.Kind)
	}
	if math.IsNaN(s.Level) || math.IsNaN(s.Amplitude) {
		return fmt.Errorf("%s profile has NaN level or amplitude", s.Kind)
	}
	return nil
}

func NewProfile(s Spec) (Profile, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case Sigmoid:
		return sigmoid{s}, nil
	case Pulse:
		return pulse{s}, nil
	default:
		return constant(s.Level), nil
	}
}

type constant float64

func (c constant) Value(float64) float64 {
	return float64(c)
}

type sigmoid struct {
	Spec
}

func (s sigmoid) Value(t float64) float64 {
	return s.Level + s.Amplitude*logistic(s.Steepness*(t-s.Onset))
}

type pulse struct {
	Spec
}

func (p pulse) Value(t float64) float64 {
	on := logistic(p.Steepness * (t - p.Onset))
	off := logistic(-p.Steepness * (t - p.Offset))
	return p.Level + p.Amplitude*on*off
}

func logistic(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Inputs is the input vector u(t) = (ambient, q1, q2, q3).
type Inputs struct {
	Ambient Profile
	Heaters [thermal.NumBlocks]Profile
}

// NewInputs builds the input vector from the ambient and heater specs.
func NewInputs(ambient Spec, heaters [thermal.NumBlocks]Spec) (*Inputs, error) {
	var in Inputs
	var err error
	if in.Ambient, err = NewProfile(ambient); err != nil {
		return nil, fmt.Errorf("ambient: %w", err)
	}
	for i, h := range heaters {
		if in.Heaters[i], err = NewProfile(h); err != nil {
			return nil, fmt.Errorf("heater %d: %w", i+1, err)
		}
	}
	return &in, nil
}

func (in *Inputs) Vector(t float64) *mat.VecDense {
	u := mat.NewVecDense(thermal.NumInputs, nil)
	u.SetVec(0, in.Ambient.Value(t))
	for i, h := range in.Heaters {
		u.SetVec(i+1, h.Value(t))
	}
	return u
}

// Sample returns u(dt), u(2 dt), ..., u(n dt), the input of each step.
func (in *Inputs) Sample(n int, dt float64) []mat.Vector {
	out := make([]mat.Vector, n)
	for k := range out {
		out[k] = in.Vector(float64(k+1) * dt)
	}
	return out
}
