package kern

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	matern12 *Matern12
	_        Kernel = matern12 // Check that Matern12 respects the Kernel interface.
)

// Matern12 is the Ornstein-Uhlenbeck process dx = -lambda x dt + dw with
// spectral density 2 lambda variance, so that its stationary variance is
// variance.
type Matern12 struct {
	variance float64
	lambda   float64
}

// NewMatern12 returns the channel for output scale gamma and length scale l,
// with lambda = sqrt(3) / l.
func NewMatern12(outputScale, lscale float64) *Matern12 {
	return &Matern12{
		variance: outputScale * outputScale,
		lambda:   math.Sqrt(3) / lscale,
	}
}

func (k *Matern12) Lambda() float64 {
	return k.lambda
}

func (k *Matern12) Variance() float64 {
	return k.variance
}

func (k *Matern12) Order() int {
	return 1
}

func (k *Matern12) StateMean() *mat.VecDense {
	return mat.NewVecDense(1, []float64{0.0})
}

func (k *Matern12) StateCov() *mat.SymDense {
	return mat.NewSymDense(1, []float64{k.variance})
}

func (k *Matern12) Feedback() *mat.Dense {
	return mat.NewDense(1, 1, []float64{-k.lambda})
}

func (k *Matern12) NoiseEffect() *mat.Dense {
	return mat.NewDense(1, 1, []float64{1.0})
}

func (k *Matern12) NoiseDensity() *mat.SymDense {
	return mat.NewSymDense(1, []float64{2 * k.lambda * k.variance})
}

func (k *Matern12) Transition(delta float64) *mat.Dense {
	return mat.NewDense(1, 1, []float64{math.Exp(-k.lambda * delta)})
}

func (k *Matern12) NoiseCov(delta float64) *mat.SymDense {
	// Var * (1 - e^(-2 lambda delta)), written with Expm1 for small delta.
	val := -k.variance * math.Expm1(-2*k.lambda*delta)
	return mat.NewSymDense(1, []float64{val})
}
