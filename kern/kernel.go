package kern

import (
	"gonum.org/v1/gonum/mat"
)

// Kernel is a Gauss-Markov process written as the linear SDE
//
//	dx(t) = F x(t) dt + L dw(t),   E[dw dw^T] = Qc dt.
type Kernel interface {
	// Order of the SDE :math:`m`.
	Order() int

	// Prior mean of the state vector, :math:`\mathbf{m}_0`.
	StateMean() *mat.VecDense

	// Prior (stationary) covariance of the state vector, :math:`\mathbf{P}_\infty`.
	StateCov() *mat.SymDense

	// Feedback matrix :math:`\mathbf{F}`.
	Feedback() *mat.Dense

	// Noise effect matrix :math:`\mathbf{L}`.
	NoiseEffect() *mat.Dense

	// Power spectral density of the noise :math:`\mathbf{Q}_c`.
	NoiseDensity() *mat.SymDense

	// Transition matrix :math:`\mathbf{A}` for a given time interval.
	Transition(delta float64) *mat.Dense

	// Noise covariance matrix :math:`\mathbf{Q}` for a given time interval.
	NoiseCov(delta float64) *mat.SymDense
}
