package thermal

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Residual is a heat flux [W] added to one block as a function of its own
// temperature. It carries whatever the linear convection term misses.
type Residual func(temp float64) float64

// Derivative returns dT/dt = M^-1 (K T + ha*a*(u0 - T) + q + r(T)), where
// u = (ambient, q1, q2, q3). residuals may be nil, or hold one entry (nil
// allowed) per block.
func (p Params) Derivative(temps, u mat.Vector, residuals []Residual) *mat.VecDense {
	var flux mat.VecDense
	flux.MulVec(p.Conduction(), temps)
	ambient := u.AtVec(0)
	for i := 0; i < NumBlocks; i++ {
		t := temps.AtVec(i)
		v := flux.AtVec(i) + p.Ha*p.Area[i]*(ambient-t) + u.AtVec(i+1)
		if i < len(residuals) && residuals[i] != nil {
			v += residuals[i](t)
		}
		flux.SetVec(i, v/p.MCP[i])
	}
	return &flux
}

// PowerLawConvection is a natural-convection style heat loss
//
// r_i(T) = -c * a_i * |T - tau_a|^e * sign(T - tau_a)
//
// used as the nonlinear part of synthetic ground truth.
type PowerLawConvection struct {
	Coefficient float64 `yaml:"coefficient"`
	Exponent    float64 `yaml:"exponent"`
}

// Residuals returns one residual per block for the given parameters.
func (c PowerLawConvection) Residuals(p Params) []Residual {
	out := make([]Residual, NumBlocks)
	for i := range out {
		area := p.Area[i]
		out[i] = func(temp float64) float64 {
			d := temp - p.TauA
			return -c.Coefficient * area * math.Copysign(math.Pow(math.Abs(d), c.Exponent), d)
		}
	}
	return out
}
