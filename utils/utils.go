package utils

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Concatenate multiple vectors.
func ConcatVecs(size int, vecs ...mat.Vector) *mat.VecDense {
	out := mat.NewVecDense(size, nil)
	offset := 0
	for _, vec := range vecs {
		n := vec.Len()
		out.SliceVec(offset, offset+n).(*mat.VecDense).CopyVec(vec)
		offset += n
	}
	return out
}

// Make a block diagonal matrix.
func BlockDiag(size int, mats ...mat.Matrix) *mat.Dense {
	out := mat.NewDense(size, size, nil)
	offset := 0
	for _, matrix := range mats {
		r, c := matrix.Dims()
		out.Slice(offset, offset+r, offset, offset+c).(*mat.Dense).Copy(matrix)
		offset += r
	}
	return out
}

// Identity Matrix.
func Eye(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

// Symmetrize returns (a + a^T) / 2 as a symmetric matrix.
func Symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return out
}

// Asymmetry returns the largest absolute difference between a[i][j] and a[j][i].
func Asymmetry(a mat.Matrix) float64 {
	n, _ := a.Dims()
	worst := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			worst = math.Max(worst, math.Abs(a.At(i, j)-a.At(j, i)))
		}
	}
	return worst
}

// IsPSD reports whether a + tol*I admits a Cholesky factorization.
func IsPSD(a mat.Symmetric, tol float64) bool {
	n := a.SymmetricDim()
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(a)
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+tol)
	}
	var chol mat.Cholesky
	return chol.Factorize(jittered)
}

// SqrtPSD returns a factor L with L L^T = a, clipping negative eigenvalues to
// zero. It works for singular covariances, where Cholesky does not.
func SqrtPSD(a mat.Symmetric) (*mat.Dense, bool) {
	n := a.SymmetricDim()
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, false
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	out := mat.NewDense(n, n, nil)
	for j, v := range values {
		s := math.Sqrt(math.Max(v, 0))
		for i := 0; i < n; i++ {
			out.Set(i, j, vecs.At(i, j)*s)
		}
	}
	return out, true
}

// NearestPD clips the eigenvalues of a symmetric matrix at floor.
func NearestPD(a mat.Symmetric, floor float64) (*mat.SymDense, bool) {
	n := a.SymmetricDim()
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, false
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	for i := range values {
		values[i] = math.Max(values[i], floor)
	}
	var out mat.Dense
	out.Product(&vecs, mat.NewDiagDense(n, values), vecs.T())
	return Symmetrize(&out), true
}

// NANORINF checks if there are any NaN or Inf in matrix.
func NANORINF(matrix mat.Matrix) bool {
	m, n := matrix.Dims()
	for row := 0; row < m; row++ {
		for col := 0; col < n; col++ {
			if math.IsNaN(matrix.At(row, col)) || math.IsInf(matrix.At(row, col), 0) {
				return true
			}
		}
	}
	return false
}
