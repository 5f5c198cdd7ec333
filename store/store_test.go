package store

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmkouw/CCTA2024-BIDconvection/fitters"
	"github.com/wmkouw/CCTA2024-BIDconvection/hyper"
	"github.com/wmkouw/CCTA2024-BIDconvection/identify"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/poly"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
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

func TestSeriesRoundTrip(t *testing.T) {
	ts := []float64{1, 2, 3.5}
	ys := []mat.Vector{
		mat.NewVecDense(3, []float64{21.1, 20.9, 21}),
		mat.NewVecDense(3, []float64{math.NaN(), 22, 1e-7}),
		mat.NewVecDense(3, []float64{-3, 0.1, 0.2}),
	}
	us := []mat.Vector{
		mat.NewVecDense(4, []float64{21, 0, 0, 0}),
		mat.NewVecDense(4, []float64{21, 100, 0, 40}),
		mat.NewVecDense(4, []float64{20.5, 99.99, 0, 0}),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSeries(&buf, ts, ys, us))
	assert.True(t, strings.HasPrefix(buf.String(), "t,y1,y2,y3,ta,q1,q2,q3\n"))

	gotT, gotY, gotU, err := ReadSeries(&buf)
	require.NoError(t, err)
	assert.Equal(t, ts, gotT)
	require.Len(t, gotY, 3)
	assert.True(t, math.IsNaN(gotY[1].AtVec(0)))
	assert.Equal(t, 22.0, gotY[1].AtVec(1))
	assert.Equal(t, 1e-7, gotY[1].AtVec(2))
	for k := range us {
		assert.True(t, mat.Equal(us[k], gotU[k]))
	}
	assert.True(t, mat.Equal(ys[2], gotY[2]))
}

func TestReadSeriesEmptyCellIsMissing(t *testing.T) {
	doc := "t,y1,y2,y3,ta,q1,q2,q3\n# comment\n1, 21, , 21, 21, 0, 0, 0\n"
	_, ys, _, err := ReadSeries(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, ys, 1)
	assert.True(t, math.IsNaN(ys[0].AtVec(1)))
	assert.Equal(t, 21.0, ys[0].AtVec(2))
}

func TestReadSeriesRejects(t *testing.T) {
	const header = "t,y1,y2,y3,ta,q1,q2,q3\n"
	cases := map[string]string{
		"empty":             "",
		"wrong header":      "t,y1,y2,y3,tb,q1,q2,q3\n",
		"short header":      "t,y1,y2\n",
		"not a number":      header + "1,a,2,3,4,5,6,7\n",
		"empty input":       header + "1,1,2,3,,5,6,7\n",
		"missing column":    header + "1,1,2,3,4,5,6\n",
		"time goes back":    header + "2,1,2,3,4,5,6,7\n1,1,2,3,4,5,6,7\n",
		"time stands still": header + "2,1,2,3,4,5,6,7\n2,1,2,3,4,5,6,7\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := ReadSeries(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSeries), err.Error())
		})
	}
}

func TestWriteSeriesRejectsMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSeries(&buf, []float64{1}, nil, nil)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
	err = WriteSeries(&buf, []float64{1}, []mat.Vector{mat.NewVecDense(2, nil)}, []mat.Vector{mat.NewVecDense(4, nil)})
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
}

func result() *identify.Result {
	residuals := make([]*poly.Posterior, 3)
	for i := range residuals {
		residuals[i] = &poly.Posterior{
			Mean: mat.NewVecDense(3, []float64{float64(i), -0.5, 1e-3}),
			Cov:  mat.NewSymDense(3, []float64{1, 0.1, 0, 0.1, 2, 0.2, 0, 0.2, 3}),
		}
	}
	return &identify.Result{
		Hyper: &hyper.Result{
			Hyper:       model.Hyper{LengthScale: 123.5, OutputScale: 0.75},
			Cov:         mat.NewSymDense(2, []float64{40, 1, 1, 0.2}),
			LaplaceOK:   true,
			Converged:   true,
			Evaluations: 57,
		},
		Posterior: &fitters.Posterior{
			Smoothed:   make([]fitters.Marginal, 11),
			FreeEnergy: -1234.5,
		},
		Residuals: residuals,
	}
}

func TestBundleRoundTrip(t *testing.T) {
	res := result()
	b := FromResult(scenario(), 1, res)
	assert.Equal(t, 10, b.Steps)
	assert.Equal(t, [][]float64{{40, 1}, {1, 0.2}}, b.HyperCov)

	path := filepath.Join(t.TempDir(), "bundle.yaml")
	require.NoError(t, b.Save(path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	channels, err := got.Channels()
	require.NoError(t, err)
	require.Len(t, channels, 3)
	for i, c := range channels {
		for _, x := range []float64{0, 21, 40} {
			assert.Equal(t, res.Residuals[i].Eval(x), c.Eval(x))
		}
		assert.True(t, mat.Equal(res.Residuals[i].Cov, c.Cov))
	}
}

func TestBundleWithoutLaplace(t *testing.T) {
	res := result()
	res.Hyper.Cov = nil
	res.Hyper.LaplaceOK = false
	res.Hyper.Converged = false
	res.Hyper.AtBound = true
	b := FromResult(scenario(), 2, res)
	assert.Nil(t, b.HyperCov)
	assert.True(t, b.AtBound)

	var buf bytes.Buffer
	require.NoError(t, b.Write(&buf))
	assert.NotContains(t, buf.String(), "hyper_cov")
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestBundleRejects(t *testing.T) {
	b := FromResult(scenario(), 1, result())
	b.Residuals = b.Residuals[:2]
	var buf bytes.Buffer
	require.NoError(t, b.Write(&buf))
	_, err := Read(&buf)
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))

	b = FromResult(scenario(), 1, result())
	b.Physics.MCP[0] = -1
	buf.Reset()
	require.NoError(t, b.Write(&buf))
	_, err = Read(&buf)
	assert.True(t, errors.Is(err, thermal.ErrInvalidParameters))

	b = FromResult(scenario(), 1, result())
	b.Residuals[1].Cov = b.Residuals[1].Cov[:2]
	_, err = b.Channels()
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))
	b = FromResult(scenario(), 1, result())
	b.Residuals[2].Cov[1] = []float64{1}
	_, err = b.Channels()
	assert.True(t, errors.Is(err, model.ErrDimensionMismatch))

	_, err = Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
