package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmkouw/CCTA2024-BIDconvection/signal"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, [3]float64{1000, 1000, 1000}, cfg.Physics.MCP)
	assert.Equal(t, 2.0, cfg.Physics.Ha)
	assert.Equal(t, 1000, cfg.Sampling.Steps)
	assert.Equal(t, 1e-3, cfg.MeasurementCov().At(2, 2))
	assert.Equal(t, 0.0, cfg.MeasurementCov().At(0, 2))
	assert.Len(t, cfg.Times(), 1001)
	assert.Equal(t, 1e-8, cfg.Solver().Tolerance)
}

func TestReadOverlaysDefaults(t *testing.T) {
	doc := `
physics:
  ha: 3
  mcp: [900, 1000, 1100]
sampling:
  steps: 200
optimizer:
  runtime: 30s
  starts: 3
priors:
  length_scale: {shape: 2, rate: 0.01}
inputs:
  heaters:
    - {kind: sigmoid, amplitude: 50, onset: 10, steepness: 1}
    - {kind: constant}
    - {kind: constant, level: 5}
`
	cfg, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.Physics.Ha)
	assert.Equal(t, 10.0, cfg.Physics.K12)
	assert.Equal(t, [3]float64{900, 1000, 1100}, cfg.Physics.MCP)
	assert.Equal(t, 200, cfg.Sampling.Steps)
	assert.Equal(t, 1.0, cfg.Sampling.Dt)
	assert.Equal(t, signal.Sigmoid, cfg.Inputs.Heaters[0].Kind)
	assert.Equal(t, 21.0, cfg.Inputs.Ambient.Level)

	s := cfg.IdentifySettings()
	assert.Equal(t, 30*time.Second, s.Search.Runtime)
	assert.Equal(t, 3, s.Search.Starts)
	assert.Equal(t, 2.0, s.Priors.LengthScale.Shape)
	assert.Equal(t, 0.0, s.Priors.OutputScale.Shape)
	assert.Equal(t, cfg.Start(), s.Search.Start)
}

func TestReadEmpty(t *testing.T) {
	cfg, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestReadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "physics: {hb: 1}",
		"bad yaml":       "physics: [",
		"zero mcp":       "physics: {mcp: [0, 1, 1]}",
		"negative dt":    "sampling: {dt: -1}",
		"no steps":       "sampling: {steps: 0}",
		"zero noise":     "noise: {measurement: 0}",
		"half prior":     "priors: {output_scale: {shape: 2}}",
		"inverted box":   "optimizer: {lower: {length_scale: 10}, upper: {length_scale: 5}}",
		"negative floor": "residual: {variance_floor: -1}",
		"inverted pulse": "inputs: {heaters: [{kind: pulse, onset: 9, offset: 1, steepness: 1}, {kind: constant}, {kind: constant}]}",
		"zero exponent":  "truth: {convection: {exponent: 0}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), err.Error())
		})
	}

	_, err := Read(strings.NewReader("physics: {ha: -2}"))
	assert.True(t, errors.Is(err, thermal.ErrInvalidParameters))
}

func TestMarshalRoundTrip(t *testing.T) {
	want := Default()
	want.Optimizer.Runtime = 90 * time.Second
	want.Priors.OutputScale.Shape = 1.5
	want.Priors.OutputScale.Rate = 2
	data, err := want.Marshal()
	require.NoError(t, err)
	got, err := Read(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampling: {steps: 10}\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sampling.Steps)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, os.WriteFile(path, []byte("sampling: {steps: -1}\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, path)
}

func TestProblem(t *testing.T) {
	cfg := Default()
	cfg.Sampling.Initial = [3]float64{20, 22, 24}
	cfg.Noise.Measurement = 0.01
	ys := []mat.Vector{mat.NewVecDense(3, nil)}
	us := []mat.Vector{mat.NewVecDense(4, nil)}
	p := cfg.Problem(ys, us)
	assert.Equal(t, cfg.Physics, p.Params)
	assert.Equal(t, 1.0, p.Dt)
	require.Equal(t, 6, p.Model.M0.Len())
	assert.Equal(t, 24.0, p.Model.M0.AtVec(2))
	assert.Equal(t, 0.0, p.Model.M0.AtVec(5))
	assert.Equal(t, 0.01, p.Model.R.At(1, 1))
	assert.True(t, p.Model.Augmented)

	x0 := cfg.InitialState()
	assert.Equal(t, 22.0, x0.AtVec(1))
	in, err := cfg.SignalInputs()
	require.NoError(t, err)
	assert.InDelta(t, 100, in.Vector(300).AtVec(1), 1e-9)
}
