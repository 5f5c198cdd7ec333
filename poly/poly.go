// Package poly fits Bayesian polynomial regressions in closed form. It is used
// to turn the smoothed latent heat flux of each block into a smooth function of
// that block's temperature.
package poly

import (
	"errors"
	"fmt"
	"math"

	"github.com/wmkouw/CCTA2024-BIDconvection/fitters"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidVariance   = errors.New("noise variance must be positive and finite")
	ErrDimensionMismatch = model.ErrDimensionMismatch
)

// Prior is a Gaussian over the coefficients (c_0, ..., c_d) of
// c_0 + c_1 x + ... + c_d x^d.
type Prior struct {
	Mean []float64
	Cov  *mat.SymDense
}

// IsotropicPrior is N(0, variance * I) over degree+1 coefficients.
func IsotropicPrior(degree int, variance float64) Prior {
	cov := mat.NewSymDense(degree+1, nil)
	for i := 0; i <= degree; i++ {
		cov.SetSym(i, i, variance)
	}
	return Prior{Mean: make([]float64, degree+1), Cov: cov}
}

func (p Prior) Degree() int {
	return len(p.Mean) - 1
}

// Posterior is N(Mean, Cov) over the coefficients.
type Posterior struct {
	Mean *mat.VecDense
	Cov  *mat.SymDense
}

func (p *Posterior) Degree() int {
	return p.Mean.Len() - 1
}

// Coefficients returns a copy of the posterior mean.
func (p *Posterior) Coefficients() []float64 {
	out := make([]float64, p.Mean.Len())
	for i := range out {
		out[i] = p.Mean.AtVec(i)
	}
	return out
}

// Eval returns the posterior mean polynomial at x.
func (p *Posterior) Eval(x float64) float64 {
	return mat.Dot(p.Mean, features(x, p.Degree()))
}

// Predict returns the mean and variance of the polynomial value at x. The
// variance covers the coefficient uncertainty only.
func (p *Posterior) Predict(x float64) (mean, variance float64) {
	phi := features(x, p.Degree())
	return mat.Dot(p.Mean, phi), mat.Inner(phi, p.Cov, phi)
}

func features(x float64, degree int) *mat.VecDense {
	phi := mat.NewVecDense(degree+1, nil)
	v := 1.0
	for i := 0; i <= degree; i++ {
		phi.SetVec(i, v)
		v *= x
	}
	return phi
}

// Fit returns the posterior after observing ys[k] = phi(xs[k])^T c + e_k with
// e_k ~ N(0, variances[k]). variances holds one shared value or one per sample.
//
// The precision is Sigma0^-1 + sum_k phi_k phi_k^T / s_k and the mean solves
// the matching normal equations. Both are obtained from the QR factorization
// of the whitened design [diag(s)^-1/2 Phi; L0^-1], with Sigma0 = L0 L0^T, so
// the conditioning of the monomial basis is not squared.
func Fit(xs, ys, variances []float64, degree int, prior Prior) (*Posterior, error) {
	if degree < 0 {
		return nil, fmt.Errorf("%w: degree %d", ErrDimensionMismatch, degree)
	}
	p := degree + 1
	if len(prior.Mean) != p || prior.Cov == nil || prior.Cov.SymmetricDim() != p {
		return nil, fmt.Errorf("%w: prior does not have %d coefficients", ErrDimensionMismatch, p)
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: %d inputs but %d targets", ErrDimensionMismatch, len(xs), len(ys))
	}
	if len(variances) != 1 && len(variances) != len(xs) {
		return nil, fmt.Errorf("%w: %d variances for %d samples", ErrDimensionMismatch, len(variances), len(xs))
	}
	for _, v := range variances {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: got %v", ErrInvalidVariance, v)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(prior.Cov) {
		return nil, fmt.Errorf("%w: prior covariance", fitters.ErrSingularCovariance)
	}
	var l0, l0inv mat.TriDense
	chol.LTo(&l0)
	if err := l0inv.InverseTri(&l0); err != nil {
		return nil, fmt.Errorf("%w: prior covariance: %v", fitters.ErrSingularCovariance, err)
	}

	n := len(xs)
	design := mat.NewDense(n+p, p, nil)
	target := mat.NewDense(n+p, 1, nil)
	for k, x := range xs {
		v := variances[0]
		if len(variances) > 1 {
			v = variances[k]
		}
		w := 1 / math.Sqrt(v)
		phi := features(x, degree)
		for j := 0; j < p; j++ {
			design.Set(k, j, w*phi.AtVec(j))
		}
		target.Set(k, 0, w*ys[k])
	}
	// Prior pseudo-observations: L0^-1 c = L0^-1 mu0.
	mu0 := mat.NewVecDense(p, append([]float64(nil), prior.Mean...))
	var pseudo mat.VecDense
	pseudo.MulVec(&l0inv, mu0)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			design.Set(n+i, j, l0inv.At(i, j))
		}
		target.Set(n+i, 0, pseudo.AtVec(i))
	}

	var qr mat.QR
	qr.Factorize(design)
	var sol mat.Dense
	if err := qr.SolveTo(&sol, false, target); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}

	// Cov = (R^T R)^-1 = R^-1 R^-T
	var full mat.Dense
	qr.RTo(&full)
	r := mat.NewTriDense(p, mat.Upper, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			r.SetTri(i, j, full.At(i, j))
		}
	}
	var rinv mat.TriDense
	if err := rinv.InverseTri(r); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: posterior precision", fitters.ErrSingularCovariance)
		}
	}
	cov := mat.NewSymDense(p, nil)
	cov.SymOuterK(1, &rinv)

	return &Posterior{
		Mean: mat.NewVecDense(p, mat.Col(nil, 0, &sol)),
		Cov:  cov,
	}, nil
}

// FitChannels fits one polynomial per block, mapping the smoothed temperature
// of block i to the smoothed latent flux of channel i over k = 1..T. The
// regression noise of each sample is the latent marginal variance plus floor.
func FitChannels(post *fitters.Posterior, nt, degree int, prior Prior, floor float64) ([]*Posterior, error) {
	if len(post.Smoothed) < 2 {
		return nil, fmt.Errorf("%w: no smoothed steps", ErrDimensionMismatch)
	}
	if nx := post.Smoothed[0].Mean.Len(); nx < 2*nt {
		return nil, fmt.Errorf("%w: state of length %d has no latent channels for %d blocks", ErrDimensionMismatch, nx, nt)
	}
	out := make([]*Posterior, nt)
	for i := 0; i < nt; i++ {
		xs := post.Means(i)[1:]
		ys := post.Means(nt + i)[1:]
		vs := post.Variances(nt + i)[1:]
		for k := range vs {
			vs[k] += floor
		}
		fit, err := Fit(xs, ys, vs, degree, prior)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		out[i] = fit
	}
	return out, nil
}
