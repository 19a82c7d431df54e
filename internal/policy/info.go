package policy

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Info is the per-condition state of the policy linearization: the latest
// fit with the Cholesky factor and inverse of every S[t], the policy action
// distribution on the current samples and the prior used for fitting.
type Info struct {
	Fit    *Fit
	PolMu  []*mat.Dense
	PolSig [][]*mat.SymDense
	Prior  Prior

	chol []*mat.TriDense
	invS []*mat.SymDense
}

func NewInfo(prior Prior) *Info {
	return &Info{Prior: prior}
}

// Fitted reports whether a linearization has been stored.
func (i *Info) Fitted() bool { return i.Fit != nil }

// SetFit stores f after factorizing every covariance. On failure the
// previous fit is kept and the error matches dynamo.ErrNumericalDegeneracy.
func (i *Info) SetFit(f *Fit) error {
	T := len(f.S)
	chol := make([]*mat.TriDense, T)
	inv := make([]*mat.SymDense, T)
	for t := 0; t < T; t++ {
		c, err := dynamo.Factorize(f.S[t])
		if err != nil {
			return fmt.Errorf("policy covariance at t=%d: %w", t, err)
		}
		var l mat.TriDense
		c.LTo(&l)
		var s mat.SymDense
		if err := c.InverseTo(&s); err != nil {
			return fmt.Errorf("policy covariance at t=%d: %w", t, dynamo.ErrNumericalDegeneracy)
		}
		chol[t], inv[t] = &l, &s
	}
	i.Fit, i.chol, i.invS = f, chol, inv
	return nil
}

// CholS returns the lower Cholesky factor of S[t].
func (i *Info) CholS(t int) *mat.TriDense { return i.chol[t] }

// InvS returns the inverse of S[t].
func (i *Info) InvS(t int) *mat.SymDense { return i.invS[t] }

// TrajDistr returns the fitted linearization as a controller.
func (i *Info) TrajDistr() (*control.LinearGaussian, error) {
	if i.Fit == nil {
		return nil, fmt.Errorf("policy not linearized: %w", dynamo.ErrConfiguration)
	}
	return control.NewLinearGaussian(i.Fit.K, i.Fit.Bias, i.Fit.S)
}

// Clone copies the fit and the cached factors. The prior is shared.
func (i *Info) Clone() *Info {
	c := &Info{Prior: i.Prior, PolMu: i.PolMu, PolSig: i.PolSig}
	if i.Fit == nil {
		return c
	}
	T := len(i.Fit.S)
	c.Fit = &Fit{
		K:    make([]*mat.Dense, T),
		Bias: make([]*mat.VecDense, T),
		S:    make([]*mat.SymDense, T),
	}
	c.chol = make([]*mat.TriDense, T)
	c.invS = make([]*mat.SymDense, T)
	for t := 0; t < T; t++ {
		c.Fit.K[t] = mat.DenseCopyOf(i.Fit.K[t])
		c.Fit.Bias[t] = mat.VecDenseCopyOf(i.Fit.Bias[t])
		c.Fit.S[t] = copySym(i.Fit.S[t])
		c.invS[t] = copySym(i.invS[t])
		n, _ := i.chol[t].Dims()
		c.chol[t] = mat.NewTriDense(n, mat.Lower, nil)
		c.chol[t].Copy(i.chol[t])
	}
	return c
}

func copySym(s *mat.SymDense) *mat.SymDense {
	c := mat.NewSymDense(s.SymmetricDim(), nil)
	c.CopySym(s)
	return c
}
