package dynamo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SymOf copies the symmetric part of a square matrix, 0.5*(a + aᵀ).
func SymOf(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

// Symmetrize replaces a square dense matrix in place by 0.5*(a + aᵀ).
func Symmetrize(a *mat.Dense) {
	n, _ := a.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := 0.5 * (a.At(i, j) + a.At(j, i))
			a.Set(i, j, v)
			a.Set(j, i, v)
		}
	}
}

// Factorize computes the Cholesky factorization of s, failing with
// ErrNumericalDegeneracy on non-finite entries or when s is not positive
// definite.
func Factorize(s mat.Symmetric) (*mat.Cholesky, error) {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := s.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, ErrNumericalDegeneracy
			}
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return nil, ErrNumericalDegeneracy
	}
	return &chol, nil
}

// InfNorm is the maximum absolute row sum of a.
func InfNorm(a mat.Matrix) float64 {
	return mat.Norm(a, math.Inf(1))
}

func Identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// Rows flattens a matrix into row slices, the JSON-friendly form used by
// snapshots.
func Rows(a mat.Matrix) [][]float64 {
	if a == nil {
		return nil
	}
	r, c := a.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = a.At(i, j)
		}
	}
	return out
}

// FromRows is the inverse of Rows.
func FromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, DimensionErrorf("empty matrix")
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, DimensionErrorf("row %d has %d columns, want %d", i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

// SymFromRows rebuilds a symmetric matrix, symmetrizing the input.
func SymFromRows(rows [][]float64) (*mat.SymDense, error) {
	d, err := FromRows(rows)
	if err != nil {
		return nil, err
	}
	r, c := d.Dims()
	if r != c {
		return nil, DimensionErrorf("matrix is %dx%d, want square", r, c)
	}
	return SymOf(d), nil
}
