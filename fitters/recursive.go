package fitters

import (
	"errors"
	"fmt"
	"math"

	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/utils"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrSingularCovariance = errors.New("covariance is not positive definite")
	ErrDimensionMismatch  = model.ErrDimensionMismatch
)

// Marginal is a Gaussian belief over the state.
type Marginal struct {
	Mean *mat.VecDense
	Cov  *mat.SymDense
}

func (m Marginal) clone() Marginal {
	cov := mat.NewSymDense(m.Cov.SymmetricDim(), nil)
	cov.CopySym(m.Cov)
	return Marginal{Mean: mat.VecDenseCopyOf(m.Mean), Cov: cov}
}

// Posterior holds the marginals for k = 0..T. Index 0 is the initial state;
// Predicted[0] and Filtered[0] are the prior. No two marginals share storage.
type Posterior struct {
	Smoothed   []Marginal
	Filtered   []Marginal
	Predicted  []Marginal
	FreeEnergy float64
	// Observed counts the steps whose measurement entered the update.
	Observed int
}

func (p *Posterior) Len() int {
	return len(p.Filtered)
}

// Means returns the smoothed mean of state coordinate i over k = 0..T.
func (p *Posterior) Means(i int) []float64 {
	out := make([]float64, len(p.Smoothed))
	for k, m := range p.Smoothed {
		out[k] = m.Mean.AtVec(i)
	}
	return out
}

// Variances returns the smoothed marginal variance of coordinate i.
func (p *Posterior) Variances(i int) []float64 {
	out := make([]float64, len(p.Smoothed))
	for k, m := range p.Smoothed {
		out[k] = m.Cov.At(i, i)
	}
	return out
}

// Recursive is a Kalman filter followed by a Rauch-Tung-Striebel smoother.
type Recursive struct {
	sys *model.System
	eye *mat.Dense
}

func NewRecursive(sys *model.System) *Recursive {
	nx, _, _ := sys.Dims()
	return &Recursive{
		sys: sys,
		eye: utils.Eye(nx),
	}
}

func (f *Recursive) System() *model.System {
	return f.sys
}

// Fit runs the forward and backward passes. ys[k-1] and us[k-1] are the
// measurement and input at step k. A measurement with a NaN entry is treated
// as missing and only the prediction is carried forward.
func (f *Recursive) Fit(ys, us []mat.Vector) (*Posterior, error) {
	post, err := f.Filter(ys, us)
	if err != nil {
		return nil, err
	}
	if err := f.smooth(post); err != nil {
		return nil, err
	}
	return post, nil
}

// Filter runs the forward pass only. The free energy is complete after it.
func (f *Recursive) Filter(ys, us []mat.Vector) (*Posterior, error) {
	if err := f.sys.Validate(); err != nil {
		return nil, err
	}
	if err := f.check(ys, us); err != nil {
		return nil, err
	}
	n := len(ys)
	post := &Posterior{
		Filtered:  make([]Marginal, n+1),
		Predicted: make([]Marginal, n+1),
	}
	prior := Marginal{
		Mean: mat.VecDenseCopyOf(f.sys.M0),
		Cov:  mat.NewSymDense(f.sys.S0.SymmetricDim(), nil),
	}
	prior.Cov.CopySym(f.sys.S0)
	post.Predicted[0] = prior
	post.Filtered[0] = prior.clone()

	for k := 1; k <= n; k++ {
		pred := f.predict(post.Filtered[k-1], us[k-1])
		post.Predicted[k] = pred
		if missing(ys[k-1]) {
			post.Filtered[k] = pred.clone()
			continue
		}
		filt, logp, err := f.update(pred, ys[k-1])
		if err != nil {
			return nil, fmt.Errorf("update at step %d: %w", k, err)
		}
		post.Filtered[k] = filt
		post.FreeEnergy -= logp
		post.Observed++
	}
	return post, nil
}

func (f *Recursive) check(ys, us []mat.Vector) error {
	_, nu, ny := f.sys.Dims()
	if len(ys) != len(us) {
		return fmt.Errorf("%w: %d measurements but %d inputs", ErrDimensionMismatch, len(ys), len(us))
	}
	for k := range ys {
		if ys[k].Len() != ny {
			return fmt.Errorf("%w: measurement %d has length %d, expected %d", ErrDimensionMismatch, k+1, ys[k].Len(), ny)
		}
		if us[k].Len() != nu {
			return fmt.Errorf("%w: input %d has length %d, expected %d", ErrDimensionMismatch, k+1, us[k].Len(), nu)
		}
	}
	return nil
}

func missing(y mat.Vector) bool {
	for i := 0; i < y.Len(); i++ {
		if math.IsNaN(y.AtVec(i)) {
			return true
		}
	}
	return false
}

func (f *Recursive) predict(prev Marginal, u mat.Vector) Marginal {
	a := f.sys.A
	mean := f.sys.Propagate(prev.Mean, u)
	var cov mat.Dense
	cov.Product(a, prev.Cov, a.T())
	cov.Add(&cov, f.sys.Q)
	return Marginal{Mean: mean, Cov: utils.Symmetrize(&cov)}
}

// update folds y into pred and returns log N(y; C m, C P C^T + R).
func (f *Recursive) update(pred Marginal, y mat.Vector) (Marginal, float64, error) {
	c, r := f.sys.C, f.sys.R
	ny, _ := c.Dims()

	var pct, s mat.Dense
	pct.Mul(pred.Cov, c.T())
	s.Mul(c, &pct)
	s.Add(&s, r)
	var chol mat.Cholesky
	if ok := chol.Factorize(utils.Symmetrize(&s)); !ok {
		return Marginal{}, 0, fmt.Errorf("%w: innovation covariance", ErrSingularCovariance)
	}

	// Innovation.
	var v mat.VecDense
	v.MulVec(c, pred.Mean)
	v.SubVec(y, &v)

	// K^T = S^-1 C P
	var kt mat.Dense
	if err := tolerate(chol.SolveTo(&kt, pct.T())); err != nil {
		return Marginal{}, 0, err
	}
	var mean mat.VecDense
	mean.MulVec(kt.T(), &v)
	mean.AddVec(pred.Mean, &mean)

	// Joseph form: (I - K C) P (I - K C)^T + K R K^T
	var ikc, cov, krk mat.Dense
	ikc.Mul(kt.T(), c)
	ikc.Sub(f.eye, &ikc)
	cov.Product(&ikc, pred.Cov, ikc.T())
	krk.Product(kt.T(), r, &kt)
	cov.Add(&cov, &krk)

	var sv mat.VecDense
	if err := tolerate(chol.SolveVecTo(&sv, &v)); err != nil {
		return Marginal{}, 0, err
	}
	logp := -0.5 * (mat.Dot(&v, &sv) + chol.LogDet() + float64(ny)*math.Log(2*math.Pi))
	return Marginal{Mean: &mean, Cov: utils.Symmetrize(&cov)}, logp, nil
}

func (f *Recursive) smooth(post *Posterior) error {
	n := len(post.Filtered) - 1
	post.Smoothed = make([]Marginal, n+1)
	post.Smoothed[n] = post.Filtered[n].clone()
	a := f.sys.A
	for k := n - 1; k >= 0; k-- {
		next := post.Predicted[k+1]
		filt := post.Filtered[k]
		// G^T = P_p^-1 A P_f
		var apf mat.Dense
		apf.Mul(a, filt.Cov)
		gt, err := smootherGain(next.Cov, &apf)
		if err != nil {
			return fmt.Errorf("smoothing at step %d: %w", k+1, err)
		}
		var diff, mean mat.VecDense
		diff.SubVec(post.Smoothed[k+1].Mean, next.Mean)
		mean.MulVec(gt.T(), &diff)
		mean.AddVec(filt.Mean, &mean)

		var dcov, cov mat.Dense
		dcov.Sub(post.Smoothed[k+1].Cov, next.Cov)
		cov.Product(gt.T(), &dcov, gt)
		cov.Add(filt.Cov, &cov)
		post.Smoothed[k] = Marginal{Mean: &mean, Cov: utils.Symmetrize(&cov)}
	}
	return nil
}

// pinvRcond is the relative singular value below which a direction of the
// predictive covariance counts as deterministic.
const pinvRcond = 1e-12

// smootherGain solves P_p G^T = A P_f for G^T. The predictive covariance is
// only PSD: with a degenerate prior or zero process noise some directions
// carry no uncertainty, and the pseudo-inverse gives those a zero gain.
// Range(A P_f) lies in range(P_p), so the result is exact there.
func smootherGain(pp *mat.SymDense, apf *mat.Dense) (*mat.Dense, error) {
	var gt mat.Dense
	var chol mat.Cholesky
	if chol.Factorize(pp) {
		if err := tolerate(chol.SolveTo(&gt, apf)); err != nil {
			return nil, err
		}
		return &gt, nil
	}
	var svd mat.SVD
	if !svd.Factorize(pp, mat.SVDThin) {
		return nil, fmt.Errorf("%w: predictive covariance has no singular value decomposition", ErrSingularCovariance)
	}
	rank := svd.Rank(pinvRcond)
	if rank == 0 {
		r, c := apf.Dims()
		return mat.NewDense(r, c, nil), nil
	}
	svd.SolveTo(&gt, apf, rank)
	return &gt, nil
}

// Forecast propagates the last filtered marginal through us without
// measurements.
func (f *Recursive) Forecast(post *Posterior, us []mat.Vector) ([]Marginal, error) {
	if post == nil || len(post.Filtered) == 0 {
		return nil, fmt.Errorf("%w: empty posterior", ErrDimensionMismatch)
	}
	_, nu, _ := f.sys.Dims()
	out := make([]Marginal, len(us))
	prev := post.Filtered[len(post.Filtered)-1]
	for k, u := range us {
		if u.Len() != nu {
			return nil, fmt.Errorf("%w: input %d has length %d, expected %d", ErrDimensionMismatch, k, u.Len(), nu)
		}
		prev = f.predict(prev, u)
		out[k] = prev
	}
	return out, nil
}

// Measurement maps a state marginal to the predictive distribution of y.
func (f *Recursive) Measurement(m Marginal) Marginal {
	c := f.sys.C
	var cov mat.Dense
	cov.Product(c, m.Cov, c.T())
	cov.Add(&cov, f.sys.R)
	return Marginal{Mean: f.sys.Observe(m.Mean), Cov: utils.Symmetrize(&cov)}
}

// tolerate ignores the conditioning warning gonum attaches to a completed
// solve.
func tolerate(err error) error {
	var cond mat.Condition
	if err == nil || errors.As(err, &cond) {
		return nil
	}
	return err
}
