// Package simulate produces temperature trajectories: ground truth from the
// nonlinear continuous-time model, validation runs with identified parameters,
// and draws from the discrete linear-Gaussian model.
package simulate

import (
	"fmt"
	"math/rand/v2"

	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/ode"
	"github.com/wmkouw/CCTA2024-BIDconvection/poly"
	"github.com/wmkouw/CCTA2024-BIDconvection/signal"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"github.com/wmkouw/CCTA2024-BIDconvection/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Solver integrates the continuous-time model.
type Solver struct {
	Method    *ode.RungeKutta
	Tolerance float64
}

func DefaultSolver() Solver {
	return Solver{Method: ode.NewFehlberg45(), Tolerance: 1e-8}
}

// Truth integrates dT/dt = M^-1 (K T + ha a (u0 - T) + q + r(T)) from x0 at
// times[0] and returns the temperatures at every entry of times.
func Truth(p thermal.Params, residuals []thermal.Residual, inputs *signal.Inputs, x0 mat.Vector, times []float64) ([]*mat.VecDense, error) {
	return DefaultSolver().Truth(p, residuals, inputs, x0, times)
}

// Validate re-simulates the system with identified physical parameters and
// the fitted residual polynomial of each block in place of the unknown
// nonlinearity.
func Validate(p thermal.Params, channels []*poly.Posterior, inputs *signal.Inputs, x0 mat.Vector, times []float64) ([]*mat.VecDense, error) {
	return DefaultSolver().Validate(p, channels, inputs, x0, times)
}

func (s Solver) Truth(p thermal.Params, residuals []thermal.Residual, inputs *signal.Inputs, x0 mat.Vector, times []float64) ([]*mat.VecDense, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if x0.Len() != thermal.NumBlocks {
		return nil, fmt.Errorf("%w: initial state has length %d", model.ErrDimensionMismatch, x0.Len())
	}
	if residuals != nil && len(residuals) != thermal.NumBlocks {
		return nil, fmt.Errorf("%w: %d residuals for %d blocks", model.ErrDimensionMismatch, len(residuals), thermal.NumBlocks)
	}
	system := ode.Func(func(t float64, temps mat.Vector) mat.Vector {
		return p.Derivative(temps, inputs.Vector(t), residuals)
	})
	return s.Method.Integrate(system, x0, times, s.Tolerance)
}

func (s Solver) Validate(p thermal.Params, channels []*poly.Posterior, inputs *signal.Inputs, x0 mat.Vector, times []float64) ([]*mat.VecDense, error) {
	if len(channels) != thermal.NumBlocks {
		return nil, fmt.Errorf("%w: %d residual channels for %d blocks", model.ErrDimensionMismatch, len(channels), thermal.NumBlocks)
	}
	residuals := make([]thermal.Residual, len(channels))
	for i, c := range channels {
		residuals[i] = c.Eval
	}
	return s.Truth(p, residuals, inputs, x0, times)
}

// Sample draws states x_0..x_T and measurements y_1..y_T from sys, starting
// from x0 and driven by us.
func Sample(sys *model.System, us []mat.Vector, x0 mat.Vector, seed uint64) (xs, ys []*mat.VecDense, err error) {
	if err := sys.Validate(); err != nil {
		return nil, nil, err
	}
	nx, nu, _ := sys.Dims()
	if x0.Len() != nx {
		return nil, nil, fmt.Errorf("%w: initial state has length %d, expected %d", model.ErrDimensionMismatch, x0.Len(), nx)
	}
	lq, ok := utils.SqrtPSD(sys.Q)
	if !ok {
		return nil, nil, fmt.Errorf("process noise covariance has no square root")
	}
	std := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	xs = make([]*mat.VecDense, len(us)+1)
	xs[0] = mat.VecDenseCopyOf(x0)
	z := mat.NewVecDense(nx, nil)
	for k, u := range us {
		if u.Len() != nu {
			return nil, nil, fmt.Errorf("%w: input %d has length %d, expected %d", model.ErrDimensionMismatch, k+1, u.Len(), nu)
		}
		for i := 0; i < nx; i++ {
			z.SetVec(i, std.Rand())
		}
		var w mat.VecDense
		w.MulVec(lq, z)
		x := sys.Propagate(xs[k], u)
		x.AddVec(x, &w)
		xs[k+1] = x
	}
	clean := make([]mat.Vector, len(us))
	for k := range clean {
		clean[k] = sys.Observe(xs[k+1])
	}
	ys, err = Observe(clean, sys.R, seed+1)
	if err != nil {
		return nil, nil, err
	}
	return xs, ys, nil
}

// Observe adds N(0, r) noise to each of states.
func Observe(states []mat.Vector, r mat.Symmetric, seed uint64) ([]*mat.VecDense, error) {
	n := r.SymmetricDim()
	normal, ok := distmv.NewNormal(make([]float64, n), r, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if !ok {
		return nil, fmt.Errorf("measurement covariance is not positive definite")
	}
	out := make([]*mat.VecDense, len(states))
	noise := make([]float64, n)
	for k, s := range states {
		if s.Len() != n {
			return nil, fmt.Errorf("%w: state %d has length %d, expected %d", model.ErrDimensionMismatch, k, s.Len(), n)
		}
		normal.Rand(noise)
		y := mat.NewVecDense(n, nil)
		y.AddVec(s, mat.NewVecDense(n, noise))
		out[k] = y
	}
	return out, nil
}

// MSE returns the mean squared difference over the first dims coordinates
// of paired vectors.
func MSE(a, b []mat.Vector, dims int) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d against %d vectors", model.ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 || dims == 0 {
		return 0, nil
	}
	x := make([]float64, 0, len(a)*dims)
	y := make([]float64, 0, len(a)*dims)
	for k := range a {
		if a[k].Len() < dims || b[k].Len() < dims {
			return 0, fmt.Errorf("%w: vector %d is shorter than %d", model.ErrDimensionMismatch, k, dims)
		}
		for i := 0; i < dims; i++ {
			x = append(x, a[k].AtVec(i))
			y = append(y, b[k].AtVec(i))
		}
	}
	d := floats.Distance(x, y, 2)
	return d * d / float64(len(x)), nil
}

// Times returns 0, dt, ..., n dt.
func Times(n int, dt float64) []float64 {
	return floats.Span(make([]float64, n+1), 0, float64(n)*dt)
}
