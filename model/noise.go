package model

import (
	"fmt"
	"math"

	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"github.com/wmkouw/CCTA2024-BIDconvection/utils"
	"gonum.org/v1/gonum/mat"
)

// degenerateTol bounds |mu_i + lambda| dt below which the modal formulas
// lose too many digits to cancellation.
const degenerateTol = 1e-3

// AnalyticQ returns the exact discrete process noise of the augmented model
//
//	Q = int_0^dt e^(G s) [0; I] Qc [0; I]^T e^(G s)^T ds,   Qc = 2 lambda gamma^2,
//
// for G = [[F, M^-1], [0, -lambda I]]. With S = M^-1/2 (K - ha diag(a)) M^-1/2
// = V diag(mu) V^T and U = M^-1/2 V, the coupling block of e^(G s) is
// U diag(phi(s)) U^T with phi_i(s) = (e^(mu_i s) - e^(-lambda s)) / (mu_i + lambda),
// so every block of Q reduces to integrals of exponentials.
func AnalyticQ(p thermal.Params, h Hyper, dt float64) (*mat.SymDense, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if !(dt > 0) {
		return nil, fmt.Errorf("%w: dt = %v must be positive", thermal.ErrInvalidParameters, dt)
	}
	const nt = thermal.NumBlocks
	latent := h.Latent()
	nh := latent.Order()
	lambda := h.Lambda()
	qc := 2 * lambda * h.OutputScale * h.OutputScale

	s, d := p.Symmetrized()
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, fmt.Errorf("%w: eigendecomposition of the conduction generator failed", thermal.ErrInvalidParameters)
	}
	mu := eig.Values(nil)
	for _, m := range mu {
		if math.Abs(m+lambda)*dt < degenerateTol {
			return vanLoanAugmented(p, h, dt), nil
		}
	}
	var v, u mat.Dense
	eig.VectorsTo(&v)
	u.Mul(d, &v)

	// Z = U^T U = V^T M^-1 V
	var z mat.Dense
	z.Mul(u.T(), &u)

	e := func(c float64) float64 { return integralExp(c, dt) }
	i1 := make([]float64, nt)
	i2 := mat.NewDense(nt, nt, nil)
	for i := 0; i < nt; i++ {
		di := mu[i] + lambda
		// int_0^dt phi_i(s) e^(-lambda s) ds
		i1[i] = (e(mu[i]-lambda) - e(-2*lambda)) / di
		for j := 0; j < nt; j++ {
			dj := mu[j] + lambda
			// int_0^dt phi_i(s) phi_j(s) ds
			val := (e(mu[i]+mu[j]) - e(mu[i]-lambda) - e(mu[j]-lambda) + e(-2*lambda)) / (di * dj)
			i2.Set(i, j, z.At(i, j)*val)
		}
	}

	// Q11 = Qc U (Z .* I2) U^T
	var q11 mat.Dense
	q11.Product(&u, i2, u.T())
	q11.Scale(qc, &q11)

	// Q12 = Qc U diag(I1) U^T
	var q12 mat.Dense
	q12.Product(&u, mat.NewDiagDense(nt, i1), u.T())
	q12.Scale(qc, &q12)

	// Q22 is the latent noise covariance on its own.
	q22 := latent.NoiseCov(dt)

	q := mat.NewSymDense(nt+nh, nil)
	for i := 0; i < nt; i++ {
		for j := i; j < nt; j++ {
			q.SetSym(i, j, 0.5*(q11.At(i, j)+q11.At(j, i)))
		}
		for j := 0; j < nh; j++ {
			q.SetSym(i, nt+j, q12.At(i, j))
		}
	}
	for i := 0; i < nh; i++ {
		for j := i; j < nh; j++ {
			q.SetSym(nt+i, nt+j, q22.At(i, j))
		}
	}
	return q, nil
}

// integralExp returns int_0^dt e^(c s) ds.
func integralExp(c, dt float64) float64 {
	if c == 0 {
		return dt
	}
	return math.Expm1(c*dt) / c
}

func vanLoanAugmented(p thermal.Params, h Hyper, dt float64) *mat.SymDense {
	const nt = thermal.NumBlocks
	latent := h.Latent()
	nh := latent.Order()
	gen := augmentedGenerator(p, latent)

	// L Qc L^T with L = [0; I]
	lql := mat.NewSymDense(nt+nh, nil)
	var inner mat.Dense
	inner.Product(latent.NoiseEffect(), latent.NoiseDensity(), latent.NoiseEffect().T())
	for i := 0; i < nh; i++ {
		for j := i; j < nh; j++ {
			lql.SetSym(nt+i, nt+j, inner.At(i, j))
		}
	}
	return VanLoanQ(gen, lql, dt)
}

// VanLoanQ returns int_0^dt e^(F s) W e^(F s)^T ds for any generator F and
// symmetric diffusion W, from the exponential of [[-F, W], [0, F^T]] dt.
func VanLoanQ(f mat.Matrix, w mat.Symmetric, dt float64) *mat.SymDense {
	n, _ := f.Dims()
	h := mat.NewDense(2*n, 2*n, nil)
	var negF mat.Dense
	negF.Scale(-1, f)
	h.Slice(0, n, 0, n).(*mat.Dense).Copy(&negF)
	h.Slice(0, n, n, 2*n).(*mat.Dense).Copy(w)
	h.Slice(n, 2*n, n, 2*n).(*mat.Dense).Copy(f.T())
	h.Scale(dt, h)

	var e mat.Dense
	e.Exp(h)

	// Q = E22^T E12
	var q mat.Dense
	q.Mul(e.Slice(n, 2*n, n, 2*n).T(), e.Slice(0, n, n, 2*n))
	return utils.Symmetrize(&q)
}
