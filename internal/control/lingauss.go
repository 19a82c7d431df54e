package control

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// LinearGaussian is the time-varying controller u[t] ~ N(K[t] x + k[t], PSig[t]).
// The Cholesky factor and the inverse of every PSig[t] are computed once at
// construction. Values are read-only after construction.
type LinearGaussian struct {
	K    []*mat.Dense    // T of dU x dX
	Bias []*mat.VecDense // T of dU
	PSig []*mat.SymDense // T of dU x dU

	chol []*mat.TriDense
	prec []*mat.SymDense
}

// NewLinearGaussian validates the shapes and factorizes every covariance.
// A covariance that is not positive definite fails with
// dynamo.ErrNumericalDegeneracy.
func NewLinearGaussian(K []*mat.Dense, k []*mat.VecDense, pSig []*mat.SymDense) (*LinearGaussian, error) {
	T := len(K)
	if T == 0 {
		return nil, dynamo.DimensionErrorf("controller needs at least one timestep")
	}
	if len(k) != T || len(pSig) != T {
		return nil, dynamo.DimensionErrorf("controller has %d gains, %d biases and %d covariances", T, len(k), len(pSig))
	}
	for t := 0; t < T; t++ {
		if K[t] == nil || k[t] == nil || pSig[t] == nil {
			return nil, dynamo.DimensionErrorf("controller is missing a gain, bias or covariance at t=%d", t)
		}
	}
	dU, dX := K[0].Dims()

	lg := &LinearGaussian{
		K:    K,
		Bias: k,
		PSig: pSig,
		chol: make([]*mat.TriDense, T),
		prec: make([]*mat.SymDense, T),
	}
	for t := 0; t < T; t++ {
		if r, c := K[t].Dims(); r != dU || c != dX {
			return nil, dynamo.DimensionErrorf("gain at t=%d is %dx%d, want %dx%d", t, r, c, dU, dX)
		}
		if k[t].Len() != dU || pSig[t].SymmetricDim() != dU {
			return nil, dynamo.DimensionErrorf("bias or covariance at t=%d does not match dU=%d", t, dU)
		}
		chol, err := dynamo.Factorize(pSig[t])
		if err != nil {
			return nil, fmt.Errorf("controller covariance at t=%d: %w", t, err)
		}
		var l mat.TriDense
		chol.LTo(&l)
		var prec mat.SymDense
		if err := chol.InverseTo(&prec); err != nil {
			return nil, fmt.Errorf("controller precision at t=%d: %w", t, dynamo.ErrNumericalDegeneracy)
		}
		lg.chol[t] = &l
		lg.prec[t] = &prec
	}
	return lg, nil
}

func (lg *LinearGaussian) T() int { return len(lg.K) }

// Factorized reports whether the covariance factors cover every timestep.
// Only controllers built by NewLinearGaussian (or copied from one) have them.
func (lg *LinearGaussian) Factorized() bool {
	T := len(lg.K)
	return T > 0 && len(lg.chol) == T && len(lg.prec) == T
}

func (lg *LinearGaussian) DX() int {
	_, c := lg.K[0].Dims()
	return c
}

func (lg *LinearGaussian) DU() int {
	r, _ := lg.K[0].Dims()
	return r
}

// Mean returns K[t] x + k[t].
func (lg *LinearGaussian) Mean(x []float64, t int) []float64 {
	var u mat.VecDense
	u.MulVec(lg.K[t], mat.NewVecDense(len(x), x))
	u.AddVec(&u, lg.Bias[t])
	return u.RawVector().Data
}

// Act returns the mean action plus L[t] noise, where PSig[t] = L Lᵀ.
func (lg *LinearGaussian) Act(x dynamo.State, t int, noise []float64) dynamo.Control {
	u := lg.Mean(x, t)
	if noise == nil {
		return u
	}
	var n mat.VecDense
	n.MulVec(lg.chol[t], mat.NewVecDense(len(noise), noise))
	for i := range u {
		u[i] += n.AtVec(i)
	}
	return u
}

// Chol returns the lower Cholesky factor of PSig[t].
func (lg *LinearGaussian) Chol(t int) *mat.TriDense { return lg.chol[t] }

// Precision returns the inverse of PSig[t].
func (lg *LinearGaussian) Precision(t int) *mat.SymDense { return lg.prec[t] }

// Clone returns a deep copy.
func (lg *LinearGaussian) Clone() *LinearGaussian {
	T := lg.T()
	c := &LinearGaussian{
		K:    make([]*mat.Dense, T),
		Bias: make([]*mat.VecDense, T),
		PSig: make([]*mat.SymDense, T),
		chol: make([]*mat.TriDense, T),
		prec: make([]*mat.SymDense, T),
	}
	for t := 0; t < T; t++ {
		c.K[t] = mat.DenseCopyOf(lg.K[t])
		c.Bias[t] = mat.VecDenseCopyOf(lg.Bias[t])
		c.PSig[t] = mat.NewSymDense(lg.DU(), nil)
		c.PSig[t].CopySym(lg.PSig[t])
		c.chol[t] = mat.NewTriDense(lg.DU(), mat.Lower, nil)
		c.chol[t].Copy(lg.chol[t])
		c.prec[t] = mat.NewSymDense(lg.DU(), nil)
		c.prec[t].CopySym(lg.prec[t])
	}
	return c
}

// Params is the JSON form of a controller.
type Params struct {
	K    [][][]float64 `json:"K"`
	Bias [][]float64   `json:"k"`
	PSig [][][]float64 `json:"PSig"`
}

func (lg *LinearGaussian) Params() Params {
	p := Params{
		K:    make([][][]float64, lg.T()),
		Bias: make([][]float64, lg.T()),
		PSig: make([][][]float64, lg.T()),
	}
	for t := range lg.K {
		p.K[t] = dynamo.Rows(lg.K[t])
		p.Bias[t] = mat.Col(nil, 0, lg.Bias[t])
		p.PSig[t] = dynamo.Rows(lg.PSig[t])
	}
	return p
}

// FromParams rebuilds a controller, refactorizing every covariance.
func FromParams(p Params) (*LinearGaussian, error) {
	T := len(p.K)
	K := make([]*mat.Dense, T)
	k := make([]*mat.VecDense, len(p.Bias))
	pSig := make([]*mat.SymDense, len(p.PSig))
	var err error
	for t := range p.K {
		if K[t], err = dynamo.FromRows(p.K[t]); err != nil {
			return nil, fmt.Errorf("gain at t=%d: %w", t, err)
		}
	}
	for t, b := range p.Bias {
		if len(b) == 0 {
			return nil, dynamo.DimensionErrorf("empty bias at t=%d", t)
		}
		k[t] = mat.NewVecDense(len(b), append([]float64(nil), b...))
	}
	for t := range p.PSig {
		if pSig[t], err = dynamo.SymFromRows(p.PSig[t]); err != nil {
			return nil, fmt.Errorf("covariance at t=%d: %w", t, err)
		}
	}
	return NewLinearGaussian(K, k, pSig)
}
