// Package thermal describes three conductively coupled bodies exchanging heat
// with an ambient environment: the physical parameters, the conduction and
// convection generator of the linear part of the dynamics, and the continuous
// time derivative used by simulators.
package thermal

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// NumBlocks is the number of bodies, and of measured temperatures.
	NumBlocks = 3
	// NumInputs is the ambient temperature followed by one heat input per block.
	NumInputs = NumBlocks + 1
)

var ErrInvalidParameters = errors.New("invalid physical parameters")

// Params holds the physical constants of the three-body system.
type Params struct {
	// Mass times specific heat of each block [J/K].
	MCP [NumBlocks]float64 `yaml:"mcp"`
	// Surface area of each block exposed to ambient air [m^2].
	Area [NumBlocks]float64 `yaml:"area"`
	// Conduction coefficients between blocks 1-2 and 2-3 [W/K].
	K12 float64 `yaml:"k12"`
	K23 float64 `yaml:"k23"`
	// Linear convective heat-transfer coefficient [W/(m^2 K)].
	Ha float64 `yaml:"ha"`
	// Ambient temperature [C].
	TauA float64 `yaml:"tau_a"`
}

// Validate returns ErrInvalidParameters for non-physical constants.
func (p Params) Validate() error {
	for i := 0; i < NumBlocks; i++ {
		if !(p.MCP[i] > 0) || math.IsInf(p.MCP[i], 0) {
			return fmt.Errorf("%w: mcp[%d] = %v must be positive", ErrInvalidParameters, i, p.MCP[i])
		}
		if !(p.Area[i] >= 0) || math.IsInf(p.Area[i], 0) {
			return fmt.Errorf("%w: area[%d] = %v must be non-negative", ErrInvalidParameters, i, p.Area[i])
		}
	}
	coeffs := []struct {
		name  string
		value float64
	}{{"k12", p.K12}, {"k23", p.K23}, {"ha", p.Ha}}
	for _, c := range coeffs {
		if !(c.value >= 0) || math.IsInf(c.value, 0) {
			return fmt.Errorf("%w: %s = %v must be non-negative", ErrInvalidParameters, c.name, c.value)
		}
	}
	if math.IsNaN(p.TauA) || math.IsInf(p.TauA, 0) {
		return fmt.Errorf("%w: tau_a = %v", ErrInvalidParameters, p.TauA)
	}
	return nil
}

// Conduction returns the coupling matrix K. Off-diagonal pairs are equal and
// every row sums to zero, so conduction only moves heat between blocks.
func (p Params) Conduction() *mat.SymDense {
	return mat.NewSymDense(NumBlocks, []float64{
		-p.K12, p.K12, 0,
		p.K12, -p.K12 - p.K23, p.K23,
		0, p.K23, -p.K23,
	})
}

// InverseCapacity returns M^-1 = diag(1/mcp).
func (p Params) InverseCapacity() *mat.DiagDense {
	d := make([]float64, NumBlocks)
	for i := range d {
		d[i] = 1 / p.MCP[i]
	}
	return mat.NewDiagDense(NumBlocks, d)
}

// loss returns K - ha*diag(a).
func (p Params) loss() *mat.SymDense {
	k := p.Conduction()
	for i := 0; i < NumBlocks; i++ {
		k.SetSym(i, i, k.At(i, i)-p.Ha*p.Area[i])
	}
	return k
}

// Generator returns F = M^-1 (K - ha*diag(a)).
func (p Params) Generator() *mat.Dense {
	var f mat.Dense
	f.Mul(p.InverseCapacity(), p.loss())
	return &f
}

// InputGain returns G = M^-1 [ha*a | I], mapping (ambient, q1, q2, q3) to
// the temperature derivative.
func (p Params) InputGain() *mat.Dense {
	g := mat.NewDense(NumBlocks, NumInputs, nil)
	for i := 0; i < NumBlocks; i++ {
		g.Set(i, 0, p.Ha*p.Area[i]/p.MCP[i])
		g.Set(i, i+1, 1/p.MCP[i])
	}
	return g
}

// Symmetrized returns S = M^-1/2 (K - ha*diag(a)) M^-1/2 together with
// M^-1/2. F = M^-1/2 S M^1/2, so F has the real, non-positive spectrum of S.
func (p Params) Symmetrized() (*mat.SymDense, *mat.DiagDense) {
	d := make([]float64, NumBlocks)
	for i := range d {
		d[i] = 1 / math.Sqrt(p.MCP[i])
	}
	s := p.loss()
	for i := 0; i < NumBlocks; i++ {
		for j := i; j < NumBlocks; j++ {
			s.SetSym(i, j, s.At(i, j)*d[i]*d[j])
		}
	}
	return s, mat.NewDiagDense(NumBlocks, d)
}
