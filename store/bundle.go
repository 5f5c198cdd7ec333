// Package store persists identification results as YAML bundles and
// measurement series as CSV.
package store

import (
	"fmt"
	"io"
	"os"

	"github.com/wmkouw/CCTA2024-BIDconvection/identify"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/poly"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Polynomial is the Gaussian posterior over one residual's coefficients,
// lowest order first.
type Polynomial struct {
	Coefficients []float64   `yaml:"coefficients"`
	Cov          [][]float64 `yaml:"cov"`
}

// Bundle is everything needed to re-simulate an identified system.
type Bundle struct {
	Physics     thermal.Params `yaml:"physics"`
	Dt          float64        `yaml:"dt"`
	Steps       int            `yaml:"steps"`
	Hyper       model.Hyper    `yaml:"hyper"`
	HyperCov    [][]float64    `yaml:"hyper_cov,omitempty"`
	LaplaceOK   bool           `yaml:"laplace_ok"`
	Converged   bool           `yaml:"converged"`
	AtBound     bool           `yaml:"at_bound"`
	FreeEnergy  float64        `yaml:"free_energy"`
	Evaluations int            `yaml:"evaluations"`
	Residuals   []Polynomial   `yaml:"residuals"`
}

func FromResult(p thermal.Params, dt float64, res *identify.Result) *Bundle {
	b := &Bundle{
		Physics:     p,
		Dt:          dt,
		Steps:       len(res.Posterior.Smoothed) - 1,
		Hyper:       res.Hyper.Hyper,
		HyperCov:    rows(res.Hyper.Cov),
		LaplaceOK:   res.Hyper.LaplaceOK,
		Converged:   res.Hyper.Converged,
		AtBound:     res.Hyper.AtBound,
		FreeEnergy:  res.Posterior.FreeEnergy,
		Evaluations: res.Hyper.Evaluations,
		Residuals:   make([]Polynomial, len(res.Residuals)),
	}
	for i, r := range res.Residuals {
		b.Residuals[i] = Polynomial{Coefficients: r.Coefficients(), Cov: rows(r.Cov)}
	}
	return b
}

func rows(m *mat.SymDense) [][]float64 {
	if m == nil {
		return nil
	}
	n := m.SymmetricDim()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

func symmetric(data [][]float64) (*mat.SymDense, error) {
	n := len(data)
	out := mat.NewSymDense(n, nil)
	for i, row := range data {
		if len(row) != n {
			return nil, fmt.Errorf("%w: covariance row %d has %d entries, expected %d", model.ErrDimensionMismatch, i, len(row), n)
		}
		for j := i; j < n; j++ {
			out.SetSym(i, j, row[j])
		}
	}
	return out, nil
}

// Channels rebuilds the residual posteriors.
func (b *Bundle) Channels() ([]*poly.Posterior, error) {
	out := make([]*poly.Posterior, len(b.Residuals))
	for i, r := range b.Residuals {
		if len(r.Coefficients) == 0 || len(r.Cov) != len(r.Coefficients) {
			return nil, fmt.Errorf("%w: residual %d has %d coefficients and a %d-row covariance", model.ErrDimensionMismatch, i+1, len(r.Coefficients), len(r.Cov))
		}
		cov, err := symmetric(r.Cov)
		if err != nil {
			return nil, fmt.Errorf("residual %d: %w", i+1, err)
		}
		out[i] = &poly.Posterior{
			Mean: mat.NewVecDense(len(r.Coefficients), append([]float64(nil), r.Coefficients...)),
			Cov:  cov,
		}
	}
	return out, nil
}

func (b *Bundle) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return err
	}
	return enc.Close()
}

func (b *Bundle) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := b.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func Read(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return nil, err
	}
	if err := b.Physics.Validate(); err != nil {
		return nil, err
	}
	if len(b.Residuals) != thermal.NumBlocks {
		return nil, fmt.Errorf("%w: %d residuals for %d blocks", model.ErrDimensionMismatch, len(b.Residuals), thermal.NumBlocks)
	}
	return &b, nil
}

func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}
