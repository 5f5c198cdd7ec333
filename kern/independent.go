package kern

import (
	"github.com/wmkouw/CCTA2024-BIDconvection/utils"
	"gonum.org/v1/gonum/mat"
)

var (
	independent *Independent
	_           Kernel = independent
)

// Independent stacks uncorrelated processes into one state vector. Every
// matrix it returns is block diagonal.
type Independent struct {
	parts []Kernel
	order int
}

func NewIndependent(parts ...Kernel) *Independent {
	flat := make([]Kernel, 0, len(parts))
	for _, part := range parts {
		switch part := part.(type) {
		case *Independent:
			flat = append(flat, part.parts...)
		default:
			flat = append(flat, part)
		}
	}
	order := 0
	for _, part := range flat {
		order += part.Order()
	}
	return &Independent{
		parts: flat,
		order: order,
	}
}

// Replicate returns n independent copies of kernel.
func Replicate(n int, kernel Kernel) *Independent {
	parts := make([]Kernel, n)
	for i := range parts {
		parts[i] = kernel
	}
	return NewIndependent(parts...)
}

func (k *Independent) Parts() []Kernel {
	return k.parts
}

func (k *Independent) Order() int {
	return k.order
}

func (k *Independent) StateMean() *mat.VecDense {
	vecs := make([]mat.Vector, len(k.parts))
	for i, part := range k.parts {
		vecs[i] = part.StateMean()
	}
	return utils.ConcatVecs(k.order, vecs...)
}

func (k *Independent) StateCov() *mat.SymDense {
	mats := make([]mat.Matrix, len(k.parts))
	for i, part := range k.parts {
		mats[i] = part.StateCov()
	}
	return utils.Symmetrize(utils.BlockDiag(k.order, mats...))
}

func (k *Independent) Feedback() *mat.Dense {
	mats := make([]mat.Matrix, len(k.parts))
	for i, part := range k.parts {
		mats[i] = part.Feedback()
	}
	return utils.BlockDiag(k.order, mats...)
}

func (k *Independent) NoiseEffect() *mat.Dense {
	mats := make([]mat.Matrix, len(k.parts))
	for i, part := range k.parts {
		mats[i] = part.NoiseEffect()
	}
	return utils.BlockDiag(k.order, mats...)
}

func (k *Independent) NoiseDensity() *mat.SymDense {
	mats := make([]mat.Matrix, len(k.parts))
	for i, part := range k.parts {
		mats[i] = part.NoiseDensity()
	}
	return utils.Symmetrize(utils.BlockDiag(k.order, mats...))
}

func (k *Independent) Transition(delta float64) *mat.Dense {
	mats := make([]mat.Matrix, len(k.parts))
	for i, part := range k.parts {
		mats[i] = part.Transition(delta)
	}
	return utils.BlockDiag(k.order, mats...)
}

func (k *Independent) NoiseCov(delta float64) *mat.SymDense {
	mats := make([]mat.Matrix, len(k.parts))
	for i, part := range k.parts {
		mats[i] = part.NoiseCov(delta)
	}
	return utils.Symmetrize(utils.BlockDiag(k.order, mats...))
}
