// Package identify runs the identification pipeline: smooth the augmented
// state for given latent hyperparameters, select the hyperparameters by
// minimizing the free energy, and regress the smoothed latent fluxes on the
// smoothed temperatures.
package identify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wmkouw/CCTA2024-BIDconvection/fitters"
	"github.com/wmkouw/CCTA2024-BIDconvection/hyper"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/poly"
	"github.com/wmkouw/CCTA2024-BIDconvection/simulate"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
)

// Problem is a measured experiment. Ys[k-1] and Us[k-1] belong to step k.
type Problem struct {
	Params thermal.Params
	Dt     float64
	Ys     []mat.Vector
	Us     []mat.Vector
	// Model supplies R, M0, S0 and ThermalNoise. Dt, Augmented and Hyper
	// are overwritten for every evaluation.
	Model model.Options
}

type Settings struct {
	Priors hyper.Priors
	Search hyper.Settings
	// Degree of the residual polynomials.
	Degree int
	// CoefficientVariance is the isotropic prior variance of the residual
	// coefficients.
	CoefficientVariance float64
	// VarianceFloor is added to the latent variance of each regression sample.
	VarianceFloor float64
}

func DefaultSettings() Settings {
	return Settings{
		Search:              hyper.DefaultSettings(),
		Degree:              3,
		CoefficientVariance: 1e2,
		VarianceFloor:       1e-6,
	}
}

func (s Settings) Validate() error {
	if err := s.Search.Validate(); err != nil {
		return err
	}
	if s.Degree < 0 {
		return fmt.Errorf("residual degree %d must be non-negative", s.Degree)
	}
	if !(s.CoefficientVariance > 0) || math.IsInf(s.CoefficientVariance, 0) {
		return fmt.Errorf("%w: coefficient variance %v", poly.ErrInvalidVariance, s.CoefficientVariance)
	}
	if !(s.VarianceFloor >= 0) || math.IsInf(s.VarianceFloor, 0) {
		return fmt.Errorf("%w: variance floor %v", poly.ErrInvalidVariance, s.VarianceFloor)
	}
	return nil
}

type Result struct {
	Hyper     *hyper.Result
	Posterior *fitters.Posterior
	Residuals []*poly.Posterior
	System    *model.System
}

// MSE compares the smoothed temperatures at k = 1..T with states.
func (r *Result) MSE(states []mat.Vector) (float64, error) {
	est := make([]mat.Vector, len(r.Posterior.Smoothed)-1)
	for k := range est {
		est[k] = r.Posterior.Smoothed[k+1].Mean
	}
	return simulate.MSE(est, states, thermal.NumBlocks)
}

type Identifier struct {
	problem  Problem
	settings Settings
	logger   logrus.FieldLogger
}

// New checks the problem and settings. A nil logger means the standard
// logrus logger.
func New(problem Problem, settings Settings, logger logrus.FieldLogger) (*Identifier, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := problem.Params.Validate(); err != nil {
		return nil, err
	}
	if !(problem.Dt > 0) || math.IsInf(problem.Dt, 0) {
		return nil, fmt.Errorf("%w: dt = %v must be positive", thermal.ErrInvalidParameters, problem.Dt)
	}
	if len(problem.Ys) == 0 {
		return nil, fmt.Errorf("%w: no measurements", model.ErrDimensionMismatch)
	}
	if len(problem.Ys) != len(problem.Us) {
		return nil, fmt.Errorf("%w: %d measurements but %d inputs", model.ErrDimensionMismatch, len(problem.Ys), len(problem.Us))
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Identifier{
		problem:  problem,
		settings: settings,
		logger:   logger.WithField("steps", len(problem.Ys)),
	}, nil
}

// System builds the augmented linear-Gaussian model for h.
func (id *Identifier) System(h model.Hyper) (*model.System, error) {
	opts := id.problem.Model
	opts.Dt = id.problem.Dt
	opts.Augmented = true
	opts.Hyper = h
	return model.Build(id.problem.Params, opts)
}

// Smooth returns the smoothed posterior of the augmented state under h.
func (id *Identifier) Smooth(h model.Hyper) (*fitters.Posterior, error) {
	sys, err := id.System(h)
	if err != nil {
		return nil, err
	}
	return fitters.NewRecursive(sys).Fit(id.problem.Ys, id.problem.Us)
}

// FreeEnergy is the negative log evidence of the measurements under h. It
// only needs the forward pass.
func (id *Identifier) FreeEnergy(h model.Hyper) (float64, error) {
	sys, err := id.System(h)
	if err != nil {
		return 0, err
	}
	post, err := fitters.NewRecursive(sys).Filter(id.problem.Ys, id.problem.Us)
	if err != nil {
		return 0, err
	}
	return post.FreeEnergy, nil
}

// Run executes the whole pipeline. When the hyperparameter search runs out
// of budget the pipeline continues from the best point found, and the
// returned error wraps hyper.ErrNonConvergence alongside a complete result.
func (id *Identifier) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	found, searchErr := hyper.Minimize(ctx, id.FreeEnergy, id.settings.Priors, id.settings.Search, id.logger)
	if found == nil {
		return nil, fmt.Errorf("hyperparameter search: %w", searchErr)
	}
	if searchErr != nil {
		if !errors.Is(searchErr, hyper.ErrNonConvergence) {
			return nil, fmt.Errorf("hyperparameter search: %w", searchErr)
		}
		id.logger.WithError(searchErr).Warn("continuing from the best hyperparameters found")
	}
	id.logger.WithFields(logrus.Fields{
		"length_scale": found.Hyper.LengthScale,
		"output_scale": found.Hyper.OutputScale,
		"elapsed":      time.Since(start),
	}).Info("search done")

	sys, err := id.System(found.Hyper)
	if err != nil {
		return nil, err
	}
	post, err := fitters.NewRecursive(sys).Fit(id.problem.Ys, id.problem.Us)
	if err != nil {
		return nil, fmt.Errorf("smoothing at the selected hyperparameters: %w", err)
	}

	prior := poly.IsotropicPrior(id.settings.Degree, id.settings.CoefficientVariance)
	residuals, err := poly.FitChannels(post, thermal.NumBlocks, id.settings.Degree, prior, id.settings.VarianceFloor)
	if err != nil {
		return nil, fmt.Errorf("residual fit: %w", err)
	}
	fields := logrus.Fields{"free_energy": post.FreeEnergy, "elapsed": time.Since(start)}
	for i, r := range residuals {
		fields[fmt.Sprintf("coef%d", i+1)] = r.Coefficients()
	}
	id.logger.WithFields(fields).Info("residuals fitted")

	return &Result{
		Hyper:     found,
		Posterior: post,
		Residuals: residuals,
		System:    sys,
	}, searchErr
}
