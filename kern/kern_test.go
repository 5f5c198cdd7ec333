package kern

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMatern12Consistency(t *testing.T) {
	k := NewMatern12(0.7, 12)
	lambda := math.Sqrt(3) / 12
	assert.InDelta(t, lambda, k.Lambda(), 1e-15)
	assert.InDelta(t, 0.49, k.Variance(), 1e-15)

	for _, delta := range []float64{1e-6, 0.1, 1, 30} {
		// A = exp(F delta)
		var scaled, a mat.Dense
		scaled.Scale(delta, k.Feedback())
		a.Exp(&scaled)
		assert.InDelta(t, a.At(0, 0), k.Transition(delta).At(0, 0), 1e-14)

		// Q = int_0^delta e^(F s) L Qc L^T e^(F s)^T ds
		qc := k.NoiseDensity().At(0, 0)
		want := qc * (1 - math.Exp(-2*lambda*delta)) / (2 * lambda)
		assert.InDelta(t, want, k.NoiseCov(delta).At(0, 0), 1e-12*math.Max(1, want))

		// Stationarity: A P A^T + Q = P.
		p := k.StateCov().At(0, 0)
		tr := k.Transition(delta).At(0, 0)
		assert.InDelta(t, p, tr*p*tr+k.NoiseCov(delta).At(0, 0), 1e-12)
	}
}

func TestMatern12VanishingScale(t *testing.T) {
	k := NewMatern12(0, 5)
	assert.Equal(t, 0.0, k.NoiseCov(3).At(0, 0))
	assert.Equal(t, 0.0, k.NoiseDensity().At(0, 0))
}

func TestIndependentIsBlockDiagonal(t *testing.T) {
	a := NewMatern12(1, 2)
	b := NewMatern12(3, 4)
	k := NewIndependent(a, NewIndependent(b, a))
	require.Equal(t, 3, k.Order())
	require.Len(t, k.Parts(), 3)

	tr := k.Transition(0.5)
	q := k.NoiseCov(0.5)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i != j {
				assert.Equal(t, 0.0, tr.At(i, j))
				assert.Equal(t, 0.0, q.At(i, j))
			}
		}
	}
	assert.Equal(t, b.Transition(0.5).At(0, 0), tr.At(1, 1))
	assert.Equal(t, b.StateCov().At(0, 0), k.StateCov().At(1, 1))
	assert.Equal(t, a.NoiseDensity().At(0, 0), k.NoiseDensity().At(2, 2))
	assert.Equal(t, 3, k.StateMean().Len())
}

func TestReplicate(t *testing.T) {
	k := Replicate(3, NewMatern12(2, 1))
	f := k.Feedback()
	for i := 0; i < 3; i++ {
		assert.InDelta(t, -math.Sqrt(3), f.At(i, i), 1e-15)
		assert.Equal(t, 1.0, k.NoiseEffect().At(i, i))
	}
}
