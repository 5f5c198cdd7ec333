// Package hyper selects the length and output scales of the latent channels
// by minimizing the free energy plus Gamma prior penalties, and reports a
// Laplace approximation of their posterior.
package hyper

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrNonConvergence = errors.New("hyperparameter optimization did not converge")

// GammaPrior is a Gamma(shape, rate) density. The zero value is a flat prior.
type GammaPrior struct {
	Shape float64 `yaml:"shape"`
	Rate  float64 `yaml:"rate"`
}

func (g GammaPrior) flat() bool {
	return g.Shape == 0 && g.Rate == 0
}

func (g GammaPrior) LogProb(x float64) float64 {
	if g.flat() {
		return 0
	}
	return distuv.Gamma{Alpha: g.Shape, Beta: g.Rate}.LogProb(x)
}

func (g GammaPrior) Validate() error {
	if g.flat() {
		return nil
	}
	if !(g.Shape > 0) || !(g.Rate > 0) || math.IsInf(g.Shape, 0) || math.IsInf(g.Rate, 0) {
		return fmt.Errorf("gamma prior needs positive shape and rate, got (%v, %v)", g.Shape, g.Rate)
	}
	return nil
}

type Priors struct {
	LengthScale GammaPrior `yaml:"length_scale"`
	OutputScale GammaPrior `yaml:"output_scale"`
}

// LogProb is log p(l) + log p(gamma).
func (p Priors) LogProb(h model.Hyper) float64 {
	return p.LengthScale.LogProb(h.LengthScale) + p.OutputScale.LogProb(h.OutputScale)
}

// Objective returns the free energy at h. It is called concurrently and must
// not share mutable state between calls.
type Objective func(h model.Hyper) (float64, error)

type Settings struct {
	Start model.Hyper
	Lower model.Hyper
	Upper model.Hyper
	// MaxIterations bounds the major iterations of each start. Zero means no
	// limit.
	MaxIterations int
	// Runtime bounds the wall time of each start. Zero means no limit.
	Runtime time.Duration
	// GradientThreshold stops a start once the infinity norm of the gradient
	// in the unconstrained coordinates falls below it.
	GradientThreshold float64
	// Tolerance accepts a start that stopped early when its gradient norm is
	// below Tolerance * max(1, |J|), or below GradientThreshold.
	Tolerance float64
	// FDStep is the central-difference step in unconstrained coordinates.
	FDStep float64
	// HessianStep is the step for the Laplace Hessian in log coordinates.
	HessianStep float64
	Starts      int
	Workers     int
}

func DefaultSettings() Settings {
	return Settings{
		Start:             model.Hyper{LengthScale: 100, OutputScale: 1},
		Lower:             model.Hyper{LengthScale: 1, OutputScale: 1e-3},
		Upper:             model.Hyper{LengthScale: 1e4, OutputScale: 1e3},
		MaxIterations:     100,
		GradientThreshold: 1e-6,
		Tolerance:         1e-7,
		FDStep:            1e-5,
		HessianStep:       1e-3,
		Starts:            1,
		Workers:           1,
	}
}

func (s Settings) Validate() error {
	pairs := []struct {
		name         string
		lo, hi, init float64
	}{
		{"length scale", s.Lower.LengthScale, s.Upper.LengthScale, s.Start.LengthScale},
		{"output scale", s.Lower.OutputScale, s.Upper.OutputScale, s.Start.OutputScale},
	}
	for _, p := range pairs {
		if !(p.lo > 0) || !(p.hi > p.lo) || math.IsInf(p.hi, 0) {
			return fmt.Errorf("%s bounds must satisfy 0 < lower < upper < inf, got [%v, %v]", p.name, p.lo, p.hi)
		}
		if !(p.init > 0) {
			return fmt.Errorf("%s start %v must be positive", p.name, p.init)
		}
	}
	if !(s.FDStep > 0) || !(s.HessianStep > 0) {
		return errors.New("finite-difference steps must be positive")
	}
	if s.MaxIterations < 0 || s.Runtime < 0 {
		return errors.New("budgets must be non-negative")
	}
	if s.Starts < 1 {
		return fmt.Errorf("at least one start is needed, got %d", s.Starts)
	}
	return nil
}

// box maps unconstrained u to x = exp(a + (b-a) sigmoid(u)) per coordinate,
// where [a, b] are the log bounds.
type box struct {
	lo, hi [2]float64
}

func newBox(lower, upper model.Hyper) box {
	return box{
		lo: [2]float64{math.Log(lower.LengthScale), math.Log(lower.OutputScale)},
		hi: [2]float64{math.Log(upper.LengthScale), math.Log(upper.OutputScale)},
	}
}

func (b box) hyper(u []float64) model.Hyper {
	var x [2]float64
	for i := range x {
		s := 1 / (1 + math.Exp(-u[i]))
		x[i] = math.Exp(b.lo[i] + (b.hi[i]-b.lo[i])*s)
	}
	return model.Hyper{LengthScale: x[0], OutputScale: x[1]}
}

// free returns the unconstrained coordinates of h, pulling points on or
// beyond the bounds slightly inside.
func (b box) free(h model.Hyper) []float64 {
	const edge = 1e-6
	x := [2]float64{h.LengthScale, h.OutputScale}
	u := make([]float64, 2)
	for i := range u {
		s := (math.Log(x[i]) - b.lo[i]) / (b.hi[i] - b.lo[i])
		s = math.Min(math.Max(s, edge), 1-edge)
		u[i] = math.Log(s / (1 - s))
	}
	return u
}

// starts returns n deterministic starting points: the configured start and
// points spread log-uniformly along the diagonal of the box.
func (b box) starts(first model.Hyper, n int) []model.Hyper {
	out := make([]model.Hyper, n)
	out[0] = first
	for i := 1; i < n; i++ {
		frac := float64(i) / float64(n)
		out[i] = model.Hyper{
			LengthScale: math.Exp(b.lo[0] + (b.hi[0]-b.lo[0])*frac),
			OutputScale: math.Exp(b.lo[1] + (b.hi[1]-b.lo[1])*frac),
		}
	}
	return out
}
