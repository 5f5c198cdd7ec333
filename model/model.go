// Package model discretizes the grey-box thermal model into the linear
// Gaussian system
//
//	x_k = A x_{k-1} + B u_k + w_k,   w_k ~ N(0, Q)
//	y_k = C x_k + v_k,               v_k ~ N(0, R)
//	x_0 ~ N(m0, S0)
//
// The state holds the three block temperatures and, in the augmented model,
// one Matern-1/2 latent heat flux per block.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/wmkouw/CCTA2024-BIDconvection/kern"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
)

var ErrDimensionMismatch = errors.New("dimension mismatch")

const (
	// DefaultMeasurementVariance is used for R when none is given.
	DefaultMeasurementVariance = 1e-3
	// DefaultInitialVariance is the prior variance of the initial temperatures.
	DefaultInitialVariance = 1.0
)

// Hyper are the hyperparameters of the latent channels.
type Hyper struct {
	LengthScale float64 `yaml:"length_scale"`
	OutputScale float64 `yaml:"output_scale"`
}

// Lambda returns sqrt(3) / l.
func (h Hyper) Lambda() float64 {
	return math.Sqrt(3) / h.LengthScale
}

func (h Hyper) Validate() error {
	if !(h.LengthScale > 0) || math.IsInf(h.LengthScale, 0) {
		return fmt.Errorf("%w: length scale %v must be positive", thermal.ErrInvalidParameters, h.LengthScale)
	}
	if !(h.OutputScale >= 0) || math.IsInf(h.OutputScale, 0) {
		return fmt.Errorf("%w: output scale %v must be non-negative", thermal.ErrInvalidParameters, h.OutputScale)
	}
	return nil
}

// Latent returns the independent latent channels, one per block.
func (h Hyper) Latent() *kern.Independent {
	return kern.Replicate(thermal.NumBlocks, kern.NewMatern12(h.OutputScale, h.LengthScale))
}

// Options control the discretization. Nil R, M0 or S0 take defaults: R is
// DefaultMeasurementVariance * I, m0 puts every block at ambient temperature
// with zero latent flux, and S0 is InitialVariance (DefaultInitialVariance
// when zero) on the temperatures and the stationary latent covariance.
type Options struct {
	Dt        float64
	Augmented bool
	Hyper     Hyper
	// ThermalNoise is the spectral density of white noise driving each
	// temperature directly. Zero disables it.
	ThermalNoise    float64
	InitialVariance float64
	R               *mat.SymDense
	M0              *mat.VecDense
	S0              *mat.SymDense
}

// System is the tuple (A, B, C, Q, R, m0, S0).
type System struct {
	A  *mat.Dense
	B  *mat.Dense
	C  *mat.Dense
	Q  *mat.SymDense
	R  *mat.SymDense
	M0 *mat.VecDense
	S0 *mat.SymDense

	Dt        float64
	Augmented bool
}

// Build assembles the discrete system for the physical parameters.
func Build(p thermal.Params, opts Options) (*System, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !(opts.Dt > 0) || math.IsInf(opts.Dt, 0) {
		return nil, fmt.Errorf("%w: dt = %v must be positive", thermal.ErrInvalidParameters, opts.Dt)
	}
	if !(opts.ThermalNoise >= 0) {
		return nil, fmt.Errorf("%w: thermal noise %v must be non-negative", thermal.ErrInvalidParameters, opts.ThermalNoise)
	}
	if !(opts.InitialVariance >= 0) || math.IsInf(opts.InitialVariance, 0) {
		return nil, fmt.Errorf("%w: initial variance %v must be non-negative", thermal.ErrInvalidParameters, opts.InitialVariance)
	}
	const nt = thermal.NumBlocks
	dt := opts.Dt

	var (
		gen, gain *mat.Dense
		q         *mat.SymDense
		nx        = nt
		latent    *kern.Independent
	)
	if opts.Augmented {
		if err := opts.Hyper.Validate(); err != nil {
			return nil, err
		}
		latent = opts.Hyper.Latent()
		nx = nt + latent.Order()
		gen = augmentedGenerator(p, latent)
		gain = mat.NewDense(nx, thermal.NumInputs, nil)
		gain.Slice(0, nt, 0, thermal.NumInputs).(*mat.Dense).Copy(p.InputGain())
		var err error
		if q, err = AnalyticQ(p, opts.Hyper, dt); err != nil {
			return nil, err
		}
	} else {
		gen = p.Generator()
		gain = p.InputGain()
		q = mat.NewSymDense(nx, nil)
	}

	if opts.ThermalNoise > 0 {
		qc := mat.NewSymDense(nx, nil)
		for i := 0; i < nt; i++ {
			qc.SetSym(i, i, opts.ThermalNoise)
		}
		q.AddSym(q, VanLoanQ(gen, qc, dt))
	}

	// A = exp(G dt)
	var scaled, a mat.Dense
	scaled.Scale(dt, gen)
	a.Exp(&scaled)

	// B = [G; 0] dt
	var b mat.Dense
	b.Scale(dt, gain)

	c := mat.NewDense(nt, nx, nil)
	for i := 0; i < nt; i++ {
		c.Set(i, i, 1)
	}

	sys := &System{
		A:         &a,
		B:         &b,
		C:         c,
		Q:         q,
		R:         opts.R,
		M0:        opts.M0,
		S0:        opts.S0,
		Dt:        dt,
		Augmented: opts.Augmented,
	}
	if sys.R == nil {
		sys.R = mat.NewSymDense(nt, nil)
		for i := 0; i < nt; i++ {
			sys.R.SetSym(i, i, DefaultMeasurementVariance)
		}
	}
	if sys.M0 == nil {
		sys.M0 = mat.NewVecDense(nx, nil)
		for i := 0; i < nt; i++ {
			sys.M0.SetVec(i, p.TauA)
		}
	}
	if sys.S0 == nil {
		v := opts.InitialVariance
		if v == 0 {
			v = DefaultInitialVariance
		}
		sys.S0 = mat.NewSymDense(nx, nil)
		for i := 0; i < nt; i++ {
			sys.S0.SetSym(i, i, v)
		}
		if latent != nil {
			cov := latent.StateCov()
			for i := 0; i < latent.Order(); i++ {
				for j := i; j < latent.Order(); j++ {
					sys.S0.SetSym(nt+i, nt+j, cov.At(i, j))
				}
			}
		}
	}
	if err := sys.Validate(); err != nil {
		return nil, err
	}
	return sys, nil
}

// augmentedGenerator returns [[F, M^-1], [0, F_latent]].
func augmentedGenerator(p thermal.Params, latent *kern.Independent) *mat.Dense {
	const nt = thermal.NumBlocks
	nh := latent.Order()
	g := mat.NewDense(nt+nh, nt+nh, nil)
	g.Slice(0, nt, 0, nt).(*mat.Dense).Copy(p.Generator())
	g.Slice(0, nt, nt, nt+nh).(*mat.Dense).Copy(p.InverseCapacity())
	g.Slice(nt, nt+nh, nt, nt+nh).(*mat.Dense).Copy(latent.Feedback())
	return g
}

// Dims returns the state, input and observation dimensions.
func (s *System) Dims() (nx, nu, ny int) {
	nx, _ = s.A.Dims()
	_, nu = s.B.Dims()
	ny, _ = s.C.Dims()
	return
}

// Validate checks that every matrix agrees with the state, input and
// observation dimensions.
func (s *System) Validate() error {
	if s.A == nil || s.B == nil || s.C == nil || s.Q == nil || s.R == nil || s.M0 == nil || s.S0 == nil {
		return fmt.Errorf("%w: incomplete system", ErrDimensionMismatch)
	}
	nx, nu, ny := s.Dims()
	check := func(name string, r, c, wr, wc int) error {
		if r != wr || c != wc {
			return fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrDimensionMismatch, name, r, c, wr, wc)
		}
		return nil
	}
	r, c := s.A.Dims()
	if err := check("A", r, c, nx, nx); err != nil {
		return err
	}
	r, c = s.B.Dims()
	if err := check("B", r, c, nx, nu); err != nil {
		return err
	}
	r, c = s.C.Dims()
	if err := check("C", r, c, ny, nx); err != nil {
		return err
	}
	if err := check("Q", s.Q.SymmetricDim(), s.Q.SymmetricDim(), nx, nx); err != nil {
		return err
	}
	if err := check("R", s.R.SymmetricDim(), s.R.SymmetricDim(), ny, ny); err != nil {
		return err
	}
	if err := check("S0", s.S0.SymmetricDim(), s.S0.SymmetricDim(), nx, nx); err != nil {
		return err
	}
	return check("m0", s.M0.Len(), 1, nx, 1)
}

// Propagate returns A x + B u.
func (s *System) Propagate(x, u mat.Vector) *mat.VecDense {
	var next, tmp mat.VecDense
	next.MulVec(s.A, x)
	tmp.MulVec(s.B, u)
	next.AddVec(&next, &tmp)
	return &next
}

// Observe returns C x.
func (s *System) Observe(x mat.Vector) *mat.VecDense {
	var y mat.VecDense
	y.MulVec(s.C, x)
	return &y
}

// Generator returns the continuous-time generator the system was built from,
// recovered for callers that need it without the physical parameters.
func Generator(p thermal.Params, augmented bool, h Hyper) *mat.Dense {
	if !augmented {
		return p.Generator()
	}
	return augmentedGenerator(p, h.Latent())
}
