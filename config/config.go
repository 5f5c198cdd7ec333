// Package config reads experiment and identification settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/wmkouw/CCTA2024-BIDconvection/hyper"
	"github.com/wmkouw/CCTA2024-BIDconvection/identify"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/signal"
	"github.com/wmkouw/CCTA2024-BIDconvection/simulate"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Physics   thermal.Params `yaml:"physics"`
	Sampling  Sampling       `yaml:"sampling"`
	Noise     Noise          `yaml:"noise"`
	Latent    Latent         `yaml:"latent"`
	Priors    hyper.Priors   `yaml:"priors"`
	Optimizer Optimizer      `yaml:"optimizer"`
	Residual  Residual       `yaml:"residual"`
	Inputs    Inputs         `yaml:"inputs"`
	Truth     Truth          `yaml:"truth"`
}

type Sampling struct {
	Dt    float64 `yaml:"dt"`
	Steps int     `yaml:"steps"`
	// Initial temperatures of the blocks, also the prior mean of the filter.
	Initial [thermal.NumBlocks]float64 `yaml:"initial"`
}

type Noise struct {
	// Measurement variance of each thermometer.
	Measurement float64 `yaml:"measurement"`
	// InitialVariance is the prior variance of the initial temperatures.
	InitialVariance float64 `yaml:"initial_variance"`
}

// Latent holds the starting hyperparameters of the latent flux channels.
type Latent struct {
	LengthScale  float64 `yaml:"length_scale"`
	OutputScale  float64 `yaml:"output_scale"`
	ThermalNoise float64 `yaml:"thermal_noise"`
}

type Optimizer struct {
	MaxIterations     int           `yaml:"max_iterations"`
	Runtime           time.Duration `yaml:"runtime"`
	GradientThreshold float64       `yaml:"gradient_threshold"`
	Tolerance         float64       `yaml:"tolerance"`
	FDStep            float64       `yaml:"fd_step"`
	HessianStep       float64       `yaml:"hessian_step"`
	Starts            int           `yaml:"starts"`
	Workers           int           `yaml:"workers"`
	Lower             model.Hyper   `yaml:"lower"`
	Upper             model.Hyper   `yaml:"upper"`
}

type Residual struct {
	Degree        int     `yaml:"degree"`
	PriorVariance float64 `yaml:"prior_variance"`
	VarianceFloor float64 `yaml:"variance_floor"`
}

type Inputs struct {
	Ambient signal.Spec                    `yaml:"ambient"`
	Heaters [thermal.NumBlocks]signal.Spec `yaml:"heaters"`
}

// Truth describes the synthetic ground truth used by the simulate command.
type Truth struct {
	Convection thermal.PowerLawConvection `yaml:"convection"`
	Seed       uint64                     `yaml:"seed"`
	Tolerance  float64                    `yaml:"tolerance"`
}

// Default is three equal blocks at ambient temperature, heated through the
// outer blocks and measured every second for 1000 s.
func Default() *Config {
	search := hyper.DefaultSettings()
	fit := identify.DefaultSettings()
	return &Config{
		Physics: thermal.Params{
			MCP:  [3]float64{1000, 1000, 1000},
			Area: [3]float64{1, 1, 1},
			K12:  10,
			K23:  10,
			Ha:   2,
			TauA: 21,
		},
		Sampling: Sampling{Dt: 1, Steps: 1000, Initial: [3]float64{21, 21, 21}},
		Noise: Noise{
			Measurement:     model.DefaultMeasurementVariance,
			InitialVariance: model.DefaultInitialVariance,
		},
		Latent: Latent{
			LengthScale: search.Start.LengthScale,
			OutputScale: search.Start.OutputScale,
		},
		Optimizer: Optimizer{
			MaxIterations:     search.MaxIterations,
			GradientThreshold: search.GradientThreshold,
			Tolerance:         search.Tolerance,
			FDStep:            search.FDStep,
			HessianStep:       search.HessianStep,
			Starts:            search.Starts,
			Workers:           search.Workers,
			Lower:             search.Lower,
			Upper:             search.Upper,
		},
		Residual: Residual{
			Degree:        fit.Degree,
			PriorVariance: fit.CoefficientVariance,
			VarianceFloor: fit.VarianceFloor,
		},
		Inputs: Inputs{
			Ambient: signal.Spec{Kind: signal.Constant, Level: 21},
			Heaters: [3]signal.Spec{
				{Kind: signal.Pulse, Amplitude: 100, Onset: 50, Offset: 600, Steepness: 0.2},
				{Kind: signal.Constant},
				{Kind: signal.Sigmoid, Amplitude: 40, Onset: 300, Steepness: 0.2},
			},
		},
		Truth: Truth{
			Convection: thermal.PowerLawConvection{Coefficient: 0.1, Exponent: 1.25},
			Seed:       42,
			Tolerance:  1e-8,
		},
	}
}

// Load overlays the YAML file at path onto Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Read is Load for an open reader. Unknown keys are rejected.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func invalid(section string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, section, err)
}

func (c *Config) Validate() error {
	if err := c.Physics.Validate(); err != nil {
		return invalid("physics", err)
	}
	if !(c.Sampling.Dt > 0) || math.IsInf(c.Sampling.Dt, 0) {
		return invalid("sampling", fmt.Errorf("dt = %v must be positive", c.Sampling.Dt))
	}
	if c.Sampling.Steps < 1 {
		return invalid("sampling", fmt.Errorf("steps = %d must be positive", c.Sampling.Steps))
	}
	if !(c.Noise.Measurement > 0) || math.IsInf(c.Noise.Measurement, 0) {
		return invalid("noise", fmt.Errorf("measurement variance %v must be positive", c.Noise.Measurement))
	}
	if !(c.Noise.InitialVariance > 0) || math.IsInf(c.Noise.InitialVariance, 0) {
		return invalid("noise", fmt.Errorf("initial variance %v must be positive", c.Noise.InitialVariance))
	}
	if !(c.Latent.ThermalNoise >= 0) {
		return invalid("latent", fmt.Errorf("thermal noise %v must be non-negative", c.Latent.ThermalNoise))
	}
	if err := c.Start().Validate(); err != nil {
		return invalid("latent", err)
	}
	if err := c.Priors.LengthScale.Validate(); err != nil {
		return invalid("priors.length_scale", err)
	}
	if err := c.Priors.OutputScale.Validate(); err != nil {
		return invalid("priors.output_scale", err)
	}
	if err := c.IdentifySettings().Validate(); err != nil {
		return invalid("optimizer/residual", err)
	}
	if _, err := c.SignalInputs(); err != nil {
		return invalid("inputs", err)
	}
	if !(c.Truth.Convection.Coefficient >= 0) || !(c.Truth.Convection.Exponent > 0) {
		return invalid("truth", fmt.Errorf("convection needs coefficient >= 0 and exponent > 0, got %+v", c.Truth.Convection))
	}
	if !(c.Truth.Tolerance > 0) {
		return invalid("truth", fmt.Errorf("tolerance %v must be positive", c.Truth.Tolerance))
	}
	return nil
}

func (c *Config) Start() model.Hyper {
	return model.Hyper{LengthScale: c.Latent.LengthScale, OutputScale: c.Latent.OutputScale}
}

func (c *Config) IdentifySettings() identify.Settings {
	o := c.Optimizer
	return identify.Settings{
		Priors: c.Priors,
		Search: hyper.Settings{
			Start:             c.Start(),
			Lower:             o.Lower,
			Upper:             o.Upper,
			MaxIterations:     o.MaxIterations,
			Runtime:           o.Runtime,
			GradientThreshold: o.GradientThreshold,
			Tolerance:         o.Tolerance,
			FDStep:            o.FDStep,
			HessianStep:       o.HessianStep,
			Starts:            o.Starts,
			Workers:           o.Workers,
		},
		Degree:              c.Residual.Degree,
		CoefficientVariance: c.Residual.PriorVariance,
		VarianceFloor:       c.Residual.VarianceFloor,
	}
}

func (c *Config) SignalInputs() (*signal.Inputs, error) {
	return signal.NewInputs(c.Inputs.Ambient, c.Inputs.Heaters)
}

// MeasurementCov is the isotropic measurement covariance.
func (c *Config) MeasurementCov() *mat.SymDense {
	r := mat.NewSymDense(thermal.NumBlocks, nil)
	for i := 0; i < thermal.NumBlocks; i++ {
		r.SetSym(i, i, c.Noise.Measurement)
	}
	return r
}

func (c *Config) InitialState() *mat.VecDense {
	return mat.NewVecDense(thermal.NumBlocks, c.Sampling.Initial[:])
}

// ModelOptions returns the options of the augmented model. The caller sets
// Dt and Hyper.
func (c *Config) ModelOptions() model.Options {
	m0 := mat.NewVecDense(2*thermal.NumBlocks, nil)
	for i, v := range c.Sampling.Initial {
		m0.SetVec(i, v)
	}
	return model.Options{
		Augmented:       true,
		ThermalNoise:    c.Latent.ThermalNoise,
		InitialVariance: c.Noise.InitialVariance,
		R:               c.MeasurementCov(),
		M0:              m0,
	}
}

// Problem pairs measurements with the configured physics and noise.
func (c *Config) Problem(ys, us []mat.Vector) identify.Problem {
	return identify.Problem{
		Params: c.Physics,
		Dt:     c.Sampling.Dt,
		Ys:     ys,
		Us:     us,
		Model:  c.ModelOptions(),
	}
}

func (c *Config) Times() []float64 {
	return simulate.Times(c.Sampling.Steps, c.Sampling.Dt)
}

func (c *Config) Solver() simulate.Solver {
	s := simulate.DefaultSolver()
	s.Tolerance = c.Truth.Tolerance
	return s
}
