package hyper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/utils"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Result is the selected point. Cov is the Laplace covariance of
// (length scale, output scale); it is nil when the Hessian could not be
// evaluated or the point lies on the bounds. LaplaceOK is false when the
// Hessian was not positive definite and its eigenvalues had to be clipped.
type Result struct {
	Hyper      model.Hyper
	Objective  float64
	FreeEnergy float64
	Cov        *mat.SymDense
	LaplaceOK  bool
	Status     optimize.Status
	Converged  bool
	// AtBound is set when J still decreases across a search bound at Hyper.
	AtBound     bool
	Evaluations int
	// Start is the index of the winning start.
	Start int
}

type run struct {
	result *Result
	err    error
}

// Minimize minimizes J = objective - log p(l) - log p(gamma) inside the
// bounds of settings. When a budget runs out, or ctx is done, the best point
// found is returned together with an error wrapping ErrNonConvergence.
func Minimize(ctx context.Context, objective Objective, priors Priors, settings Settings, logger logrus.FieldLogger) (*Result, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := priors.LengthScale.Validate(); err != nil {
		return nil, fmt.Errorf("length scale: %w", err)
	}
	if err := priors.OutputScale.Validate(); err != nil {
		return nil, fmt.Errorf("output scale: %w", err)
	}

	b := newBox(settings.Lower, settings.Upper)
	var evals atomic.Int64
	j := func(h model.Hyper) float64 {
		evals.Add(1)
		fe, err := objective(h)
		if err != nil || math.IsNaN(fe) {
			logger.WithError(err).WithFields(logrus.Fields{
				"length_scale": h.LengthScale,
				"output_scale": h.OutputScale,
			}).Debug("objective evaluation failed")
			return math.Inf(1)
		}
		return fe - priors.LogProb(h)
	}

	starts := b.starts(settings.Start, settings.Starts)
	nWorkers := settings.Workers
	if nWorkers < 1 {
		nWorkers = 1
	}
	runs := make([]run, len(starts))
	startChan := make(chan int, len(starts))
	var wg sync.WaitGroup
	wg.Add(len(starts))
	for w := 0; w < nWorkers; w++ {
		go func() {
			for i := range startChan {
				res, err := minimizeFrom(ctx, j, b, starts[i], settings)
				runs[i] = run{result: res, err: err}
				wg.Done()
			}
		}()
	}
	for i := range starts {
		startChan <- i
	}
	close(startChan)
	wg.Wait()

	best := -1
	for i, r := range runs {
		entry := logger.WithField("start", i)
		if r.result == nil {
			entry.WithError(r.err).Warn("start failed")
			continue
		}
		entry.WithFields(logrus.Fields{
			"length_scale": r.result.Hyper.LengthScale,
			"output_scale": r.result.Hyper.OutputScale,
			"objective":    r.result.Objective,
			"status":       r.result.Status,
		}).Debug("start finished")
		// Strict comparison keeps the lowest index on ties.
		if best < 0 || r.result.Objective < runs[best].result.Objective {
			best = i
		}
	}
	if best < 0 {
		return nil, runs[0].err
	}

	res := runs[best].result
	res.Start = best
	res.FreeEnergy = res.Objective + priors.LogProb(res.Hyper)
	if res.AtBound {
		logger.WithFields(logrus.Fields{
			"length_scale": res.Hyper.LengthScale,
			"output_scale": res.Hyper.OutputScale,
		}).Warn("minimum lies on the search bounds, no Laplace covariance")
	} else {
		res.Cov, res.LaplaceOK = laplace(res.Hyper, j, settings.HessianStep)
	}
	res.Evaluations = int(evals.Load())
	if !res.AtBound && !res.LaplaceOK {
		logger.WithFields(logrus.Fields{
			"length_scale": res.Hyper.LengthScale,
			"output_scale": res.Hyper.OutputScale,
		}).Warn("Hessian at the optimum is not positive definite, clipped its spectrum")
	}
	logger.WithFields(logrus.Fields{
		"length_scale": res.Hyper.LengthScale,
		"output_scale": res.Hyper.OutputScale,
		"free_energy":  res.FreeEnergy,
		"evaluations":  res.Evaluations,
		"converged":    res.Converged,
	}).Info("hyperparameters selected")
	return res, runs[best].err
}

type ctxRecorder struct {
	ctx context.Context
}

func (r ctxRecorder) Init() error {
	return r.ctx.Err()
}

func (r ctxRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return r.ctx.Err()
}

func minimizeFrom(ctx context.Context, j func(model.Hyper) float64, b box, start model.Hyper, s Settings) (*Result, error) {
	f := func(u []float64) float64 {
		return j(b.hyper(u))
	}
	gradSettings := &fd.Settings{Formula: fd.Central, Step: s.FDStep, Concurrent: true}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, u []float64) {
			fd.Gradient(grad, f, u, gradSettings)
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: s.GradientThreshold,
		MajorIterations:   s.MaxIterations,
		Runtime:           s.Runtime,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-10, Relative: 1e-12, Iterations: 20},
		Recorder:          ctxRecorder{ctx: ctx},
	}

	opt, err := optimize.Minimize(problem, b.free(start), settings, &optimize.BFGS{})
	if opt == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrNonConvergence, ctx.Err())
		}
		return nil, err
	}
	res := &Result{
		Hyper:     b.hyper(opt.X),
		Objective: opt.F,
		Status:    opt.Status,
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %w", ErrNonConvergence, ctx.Err())
	}
	if math.IsInf(opt.F, 1) {
		return nil, errors.New("objective is infinite at every visited point")
	}
	tol := math.Max(s.GradientThreshold, s.Tolerance*math.Max(1, math.Abs(opt.F)))
	if b.pinned(res.Hyper, j, s.HessianStep, tol) {
		res.AtBound = true
		return res, fmt.Errorf("%w: minimum lies on the search bounds", ErrNonConvergence)
	}
	if err == nil && !opt.Status.Early() {
		res.Converged = true
		return res, nil
	}
	// Line searches with numerical gradients often fail right at the
	// optimum, so accept any stationary point.
	grad := fd.Gradient(nil, f, opt.X, gradSettings)
	if floats.Norm(grad, math.Inf(1)) <= tol {
		res.Converged = true
		return res, nil
	}
	if err == nil {
		err = fmt.Errorf("stopped with status %v", opt.Status)
	}
	return res, fmt.Errorf("%w: %w", ErrNonConvergence, err)
}

// inLogs returns J as a function of z = log x.
func inLogs(j func(model.Hyper) float64) func(z []float64) float64 {
	return func(z []float64) float64 {
		return j(model.Hyper{LengthScale: math.Exp(z[0]), OutputScale: math.Exp(z[1])})
	}
}

// pinned reports whether h sits at a bound of b while J still decreases
// across it. The sigmoid flattens there, so the gradient in u vanishes even
// though the gradient in z = log x does not.
func (b box) pinned(h model.Hyper, j func(model.Hyper) float64, step, tol float64) bool {
	const edge = 1e-3
	z := []float64{math.Log(h.LengthScale), math.Log(h.OutputScale)}
	var grad []float64
	for i := range z {
		frac := (z[i] - b.lo[i]) / (b.hi[i] - b.lo[i])
		if frac > edge && frac < 1-edge {
			continue
		}
		if grad == nil {
			grad = fd.Gradient(nil, inLogs(j), z, &fd.Settings{Formula: fd.Central, Step: step})
		}
		if (frac <= edge && grad[i] > tol) || (frac >= 1-edge && grad[i] < -tol) {
			return true
		}
	}
	return false
}

// laplace returns the inverse Hessian of J in (l, gamma). The Hessian is
// taken in log coordinates z, where H_x = D^-1 H_z D^-1 with D = diag(x) at a
// stationary point. Callers rule out points pinned to a bound first.
func laplace(h model.Hyper, j func(model.Hyper) float64, step float64) (*mat.SymDense, bool) {
	f := inLogs(j)
	z := []float64{math.Log(h.LengthScale), math.Log(h.OutputScale)}
	hz := mat.NewSymDense(2, nil)
	fd.Hessian(hz, f, z, &fd.Settings{Step: step, Concurrent: true})
	if utils.NANORINF(hz) {
		return nil, false
	}

	ok := true
	var chol mat.Cholesky
	if !chol.Factorize(hz) {
		ok = false
		scale := math.Max(math.Abs(hz.At(0, 0)), math.Abs(hz.At(1, 1)))
		if scale == 0 {
			scale = 1
		}
		clipped, done := utils.NearestPD(hz, 1e-6*scale)
		if !done || !chol.Factorize(clipped) {
			return nil, false
		}
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, false
		}
	}
	d := []float64{h.LengthScale, h.OutputScale}
	cov := mat.NewSymDense(2, nil)
	for r := 0; r < 2; r++ {
		for c := r; c < 2; c++ {
			cov.SetSym(r, c, d[r]*inv.At(r, c)*d[c])
		}
	}
	return cov, ok
}
