// Package ode implements explicit Runge-Kutta methods
// https://en.wikipedia.org/wiki/Runge–Kutta_methods, with fixed steps or with
// step-size control for tableaus that carry an embedded error estimate.
package ode

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrStepTooSmall     = errors.New("adaptive step size fell below the minimum")
	ErrNotChronological = errors.New("times not in chronological order")
)

type DifferentiableSystem interface {
	Derivative(t float64, state mat.Vector) mat.Vector
}

// Func adapts an ordinary function to DifferentiableSystem.
type Func func(t float64, state mat.Vector) mat.Vector

func (f Func) Derivative(t float64, state mat.Vector) mat.Vector {
	return f(t, state)
}

// RungeKutta holds the butcherTableau which describes the Runge Kutta method.
type RungeKutta struct {
	Description butcherTableau
}

// Adaptive reports whether the tableau has an embedded lower-order solution.
func (rk RungeKutta) Adaptive() bool {
	return len(rk.Description.weights) == 2
}

// Step advances state from t = from to t = to in a single step. The second
// return value is the sum of absolute differences to the embedded solution,
// or zero when the tableau has none.
func (rk RungeKutta) Step(from, to float64, state mat.Vector, system DifferentiableSystem) (*mat.VecDense, float64) {
	n := state.Len()
	h := to - from
	k := make([]mat.Vector, rk.Description.stages)
	var stage mat.VecDense
	for i := range k {
		stage.CloneFromVec(state)
		// Combine the previous derivative points according to the tableau.
		for j, a := range rk.Description.rungeKuttaMatrix[i] {
			if a != 0 {
				stage.AddScaledVec(&stage, h*a, k[j])
			}
		}
		k[i] = system.Derivative(from+h*rk.Description.nodes[i], &stage)
	}

	next := mat.NewVecDense(n, nil)
	next.CloneFromVec(state)
	diff := mat.NewVecDense(n, nil)
	for i, ki := range k {
		next.AddScaledVec(next, h*rk.Description.weights[0][i], ki)
		if rk.Adaptive() {
			diff.AddScaledVec(diff, h*(rk.Description.weights[1][i]-rk.Description.weights[0][i]), ki)
		}
	}
	errEst := 0.0
	for i := 0; i < n; i++ {
		errEst += math.Abs(diff.AtVec(i))
	}
	return next, errEst
}

// AdaptiveCompute integrates from t = from to t = to, halving a step until its
// local error is below tol and doubling it again after each accepted step.
// Tableaus without an error estimate take a single step.
func (rk RungeKutta) AdaptiveCompute(from, to, tol float64, state mat.Vector, system DifferentiableSystem) (*mat.VecDense, error) {
	// Set max number of iterations
	const maxNumberOfIterations = 100000
	if !rk.Adaptive() || to == from {
		next, _ := rk.Step(from, to, state, system)
		return next, nil
	}
	minStep := 1e-12 * math.Max(1, math.Abs(to-from))

	current := mat.VecDenseCopyOf(state)
	tnow := from
	h := to - from
	for count := 0; tnow < to; count++ {
		if count >= maxNumberOfIterations {
			return nil, fmt.Errorf("%w: no progress after %d trials at t = %v", ErrStepTooSmall, count, tnow)
		}
		if tnow+h > to {
			h = to - tnow
		}
		next, errEst := rk.Step(tnow, tnow+h, current, system)
		if errEst < tol {
			current = next
			tnow += h
			h *= 2
			continue
		}
		// Half the next integration interval and try again
		h /= 2
		if h < minStep {
			return nil, fmt.Errorf("%w: h = %v at t = %v", ErrStepTooSmall, h, tnow)
		}
	}
	return current, nil
}

// Integrate returns the state at every entry of times, starting from x0 at
// times[0].
func (rk RungeKutta) Integrate(system DifferentiableSystem, x0 mat.Vector, times []float64, tol float64) ([]*mat.VecDense, error) {
	if len(times) == 0 {
		return nil, nil
	}
	out := make([]*mat.VecDense, len(times))
	out[0] = mat.VecDenseCopyOf(x0)
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return nil, fmt.Errorf("%w: t[%d] = %v after t[%d] = %v", ErrNotChronological, i, times[i], i-1, times[i-1])
		}
		next, err := rk.AdaptiveCompute(times[i-1], times[i], tol, out[i-1], system)
		if err != nil {
			return nil, err
		}
		out[i] = next
	}
	return out, nil
}

// NewRK4 function returns a forth order Runge-Kutta object
func NewRK4() *RungeKutta {
	var temp butcherTableau
	temp.stages = 4
	temp.nodes = []float64{0, 1. / 2., 1. / 2., 1}
	temp.weights = [][]float64{{1. / 6., 1. / 3., 1. / 3., 1. / 6.}}
	temp.rungeKuttaMatrix = [][]float64{
		nil,
		{1. / 2.},
		{0, 1. / 2.},
		{0, 0, 1.},
	}
	rk := RungeKutta{temp}
	return &rk
}

// NewEulerMethod returns a pointer to a Runge-Kutta that does the Euler method.
func NewEulerMethod() *RungeKutta {
	var temp butcherTableau
	temp.stages = 1
	temp.nodes = []float64{0}
	temp.weights = [][]float64{{1}}
	temp.rungeKuttaMatrix = [][]float64{nil}
	rk := RungeKutta{temp}
	return &rk
}

// butcherTableau which describes the approximate solution, see https://en.wikipedia.org/wiki/Runge–Kutta_methods.
type butcherTableau struct {
	stages           int
	weights          [][]float64
	nodes            []float64
	rungeKuttaMatrix [][]float64
}

// NewFehlberg45 implements https://en.wikipedia.org/wiki/Runge%E2%80%93Kutta%E2%80%93Fehlberg_method
func NewFehlberg45() *RungeKutta {
	var temp butcherTableau
	temp.stages = 6
	temp.nodes = []float64{0, 1. / 4., 3. / 8., 12. / 13., 1., 1. / 2.}
	temp.weights = [][]float64{
		{16. / 135., 0, 6656. / 12825., 28561. / 56430., -9. / 50., 2. / 55.},
		{25. / 216., 0, 1408. / 2565., 2197. / 4104., -1. / 5., 0},
	}
	temp.rungeKuttaMatrix = [][]float64{
		nil,
		{1. / 4.},
		{3. / 32., 9. / 32.},
		{1932. / 2197., -7200. / 2197., 7296. / 2197.},
		{439. / 216., -8., 3680. / 513., -845. / 4104.},
		{-8. / 27., 2, -3544. / 2565., 1859. / 4104., -11. / 40.},
	}
	rk := RungeKutta{temp}
	return &rk
}
