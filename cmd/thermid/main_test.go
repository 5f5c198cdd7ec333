package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmkouw/CCTA2024-BIDconvection/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCmd()
	var out, errs bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errs)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSimulateIdentifyValidate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
sampling:
  steps: 80
optimizer:
  max_iterations: 3
residual:
  degree: 2
inputs:
  heaters:
    - {kind: pulse, amplitude: 100, onset: 5, offset: 60, steepness: 0.5}
    - {kind: constant}
    - {kind: constant}
`), 0o644))
	data := filepath.Join(dir, "data.csv")
	bundle := filepath.Join(dir, "bundle.yaml")

	_, err := run(t, "simulate", "--config", cfgPath, "--out", data, "--log-level", "error")
	require.NoError(t, err)
	f, err := os.Open(data)
	require.NoError(t, err)
	ts, ys, _, err := store.ReadSeries(f)
	f.Close()
	require.NoError(t, err)
	require.Len(t, ts, 80)
	assert.Equal(t, 1.0, ts[0])
	assert.Greater(t, ys[79].AtVec(0), 21.5)

	_, err = run(t, "identify", "-c", cfgPath, "--data", data, "--out", bundle, "--log-level", "error")
	require.NoError(t, err)
	b, err := store.Load(bundle)
	require.NoError(t, err)
	assert.Equal(t, 80, b.Steps)
	assert.Len(t, b.Residuals, 3)
	assert.Len(t, b.Residuals[0].Coefficients, 3)

	out, err := run(t, "validate", "-c", cfgPath, "--bundle", bundle, "--data", data, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "rows compared:            80")
	assert.Contains(t, out, "MSE with residual model:")
}

func TestSimulateLinearToStdout(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sampling: {steps: 5}\n"), 0o644))
	out, err := run(t, "simulate", "-c", cfgPath, "--linear", "--seed", "3", "--log-level", "error")
	require.NoError(t, err)
	ts, _, us, err := store.ReadSeries(bytes.NewBufferString(out))
	require.NoError(t, err)
	assert.Len(t, ts, 5)
	assert.Equal(t, 21.0, us[0].AtVec(0))
}

func TestCommandErrors(t *testing.T) {
	_, err := run(t, "simulate", "--log-level", "loud")
	assert.Error(t, err)

	_, err = run(t, "identify")
	assert.Error(t, err)

	_, err = run(t, "validate", "--bundle", "x.yaml")
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sampling: {dt: 0}\n"), 0o644))
	_, err = run(t, "simulate", "-c", bad, "--log-level", "error")
	assert.Error(t, err)

	missing := filepath.Join(dir, "missing.csv")
	_, err = run(t, "identify", "--data", missing, "--out", filepath.Join(dir, "b.yaml"), "--log-level", "error")
	assert.Error(t, err)
}
