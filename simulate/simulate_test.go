package simulate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/poly"
	"github.com/wmkouw/CCTA2024-BIDconvection/signal"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func scenario() thermal.Params {
	return thermal.Params{
		MCP:  [3]float64{1000, 1000, 1000},
		Area: [3]float64{1, 1, 1},
		K12:  10,
		K23:  10,
		Ha:   2,
		TauA: 21,
	}
}

func constantInputs(t *testing.T, ambient float64, q [3]float64) *signal.Inputs {
	t.Helper()
	in, err := signal.NewInputs(
		signal.Spec{Kind: signal.Constant, Level: ambient},
		[3]signal.Spec{
			{Kind: signal.Constant, Level: q[0]},
			{Kind: signal.Constant, Level: q[1]},
			{Kind: signal.Constant, Level: q[2]},
		},
	)
	require.NoError(t, err)
	return in
}

func vectors(xs []*mat.VecDense) []mat.Vector {
	out := make([]mat.Vector, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func TestTruthMatchesClosedForm(t *testing.T) {
	p := scenario()
	in := constantInputs(t, p.TauA, [3]float64{100, 0, 20})
	x0 := mat.NewVecDense(3, []float64{21, 25, 18})
	times := []float64{0, 100, 500, 2000}

	xs, err := Truth(p, nil, in, x0, times)
	require.NoError(t, err)
	require.Len(t, xs, len(times))

	// x(t) = x* + exp(F t) (x0 - x*), with F x* + G u = 0.
	f := p.Generator()
	var gu, steady mat.VecDense
	gu.MulVec(p.InputGain(), in.Vector(0))
	gu.ScaleVec(-1, &gu)
	require.NoError(t, steady.SolveVec(f, &gu))
	for k, tt := range times {
		var scaled, e mat.Dense
		scaled.Scale(tt, f)
		e.Exp(&scaled)
		var d, want mat.VecDense
		d.SubVec(x0, &steady)
		want.MulVec(&e, &d)
		want.AddVec(&want, &steady)
		for i := 0; i < 3; i++ {
			assert.InDelta(t, want.AtVec(i), xs[k].AtVec(i), 1e-5, "time %v block %d", tt, i)
		}
	}
}

func TestTruthResidualCools(t *testing.T) {
	p := scenario()
	in := constantInputs(t, p.TauA, [3]float64{100, 100, 100})
	x0 := mat.NewVecDense(3, []float64{21, 21, 21})
	times := Times(10, 200)

	linear, err := Truth(p, nil, in, x0, times)
	require.NoError(t, err)
	conv := thermal.PowerLawConvection{Coefficient: 0.1, Exponent: 4.0 / 3}
	nonlinear, err := Truth(p, conv.Residuals(p), in, x0, times)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Less(t, nonlinear[10].AtVec(i), linear[10].AtVec(i))
		assert.Greater(t, nonlinear[10].AtVec(i), p.TauA)
	}
}

func TestTruthRejectsInvalid(t *testing.T) {
	p := scenario()
	in := constantInputs(t, p.TauA, [3]float64{})
	_, err := Truth(p, nil, in, mat.NewVecDense(2, nil), []float64{0, 1})
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))

	_, err = Truth(p, make([]thermal.Residual, 2), in, mat.NewVecDense(3, nil), []float64{0, 1})
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))

	p.MCP[1] = 0
	_, err = Truth(p, nil, in, mat.NewVecDense(3, nil), []float64{0, 1})
	assert.True(t, errors.Is(err, thermal.ErrInvalidParameters))
}

func TestValidateWithLinearResidual(t *testing.T) {
	// A residual -c (T - tau_a) is extra linear convection.
	const c = 0.5
	p := scenario()
	in := constantInputs(t, p.TauA, [3]float64{80, 0, 40})
	x0 := mat.NewVecDense(3, []float64{21, 21, 21})
	times := Times(20, 100)

	channels := make([]*poly.Posterior, 3)
	for i := range channels {
		channels[i] = &poly.Posterior{
			Mean: mat.NewVecDense(3, []float64{c * p.Area[i] * p.TauA, -c * p.Area[i], 0}),
			Cov:  mat.NewSymDense(3, nil),
		}
	}
	got, err := Validate(p, channels, in, x0, times)
	require.NoError(t, err)

	stronger := p
	stronger.Ha += c
	want, err := Truth(stronger, nil, in, x0, times)
	require.NoError(t, err)
	mse, err := MSE(vectors(want), vectors(got), 3)
	require.NoError(t, err)
	assert.Less(t, mse, 1e-10)

	_, err = Validate(p, channels[:2], in, x0, times)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
}

func TestSampleWithoutProcessNoise(t *testing.T) {
	p := scenario()
	sys, err := model.Build(p, model.Options{Dt: 1})
	require.NoError(t, err)
	in := constantInputs(t, p.TauA, [3]float64{50, 0, 0})
	us := in.Sample(2000, 1)

	xs, ys, err := Sample(sys, us, sys.M0, 7)
	require.NoError(t, err)
	require.Len(t, xs, 2001)
	require.Len(t, ys, 2000)

	for _, k := range []int{0, 10, 1999} {
		want := sys.Propagate(xs[k], us[k])
		assert.True(t, mat.EqualApprox(want, xs[k+1], 1e-12))
	}
	for i := 0; i < 3; i++ {
		noise := make([]float64, len(ys))
		for k := range ys {
			noise[k] = ys[k].AtVec(i) - xs[k+1].AtVec(i)
		}
		assert.InDelta(t, model.DefaultMeasurementVariance, stat.Variance(noise, nil), 2e-4)
		assert.InDelta(t, 0, stat.Mean(noise, nil), 5e-3)
	}
}

func TestSampleIsSeeded(t *testing.T) {
	p := scenario()
	sys, err := model.Build(p, model.Options{Dt: 1, Augmented: true, Hyper: model.Hyper{LengthScale: 100, OutputScale: 1}})
	require.NoError(t, err)
	us := constantInputs(t, p.TauA, [3]float64{10, 10, 10}).Sample(50, 1)

	xs1, ys1, err := Sample(sys, us, sys.M0, 3)
	require.NoError(t, err)
	xs2, ys2, err := Sample(sys, us, sys.M0, 3)
	require.NoError(t, err)
	_, ys3, err := Sample(sys, us, sys.M0, 4)
	require.NoError(t, err)

	assert.Equal(t, 6, xs1[50].Len())
	assert.True(t, mat.Equal(xs1[50], xs2[50]))
	assert.True(t, mat.Equal(ys1[49], ys2[49]))
	assert.False(t, mat.Equal(ys1[49], ys3[49]))

	_, _, err = Sample(sys, us, mat.NewVecDense(3, nil), 1)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
}

func TestObserve(t *testing.T) {
	r := mat.NewSymDense(2, []float64{0.01, 0, 0, 0.04})
	states := make([]mat.Vector, 5000)
	for k := range states {
		states[k] = mat.NewVecDense(2, []float64{1, -1})
	}
	ys, err := Observe(states, r, 11)
	require.NoError(t, err)
	for i, v := range []float64{0.01, 0.04} {
		col := make([]float64, len(ys))
		for k, y := range ys {
			col[k] = y.AtVec(i) - states[k].AtVec(i)
		}
		assert.InDelta(t, v, stat.Variance(col, nil), 0.1*v)
	}

	_, err = Observe(states, mat.NewSymDense(2, []float64{1, 2, 2, 1}), 1)
	assert.Error(t, err)
	_, err = Observe([]mat.Vector{mat.NewVecDense(3, nil)}, r, 1)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
}

func TestMSE(t *testing.T) {
	a := []mat.Vector{
		mat.NewVecDense(3, []float64{1, 2, 100}),
		mat.NewVecDense(3, []float64{0, 0, 100}),
	}
	b := []mat.Vector{
		mat.NewVecDense(3, []float64{2, 2, 0}),
		mat.NewVecDense(3, []float64{0, 3, 0}),
	}
	mse, err := MSE(a, b, 2)
	require.NoError(t, err)
	assert.InDelta(t, 10.0/4, mse, 1e-15)

	_, err = MSE(a, b[:1], 2)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
	_, err = MSE(a, b, 4)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
}

func TestTimes(t *testing.T) {
	assert.Equal(t, []float64{0, 0.5, 1, 1.5}, Times(3, 0.5))
}
