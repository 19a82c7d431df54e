package policy

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Fit is a per-timestep linear-Gaussian approximation u ~ N(K x + k, S).
type Fit struct {
	K    []*mat.Dense    // T of dU x dX
	Bias []*mat.VecDense // T of dU
	S    []*mat.SymDense // T of dU x dU
}

const firstStepReg = 1e-8

// FitJointPrior computes the MAP joint Gaussian of the rows of pts
// (N x (dX+dU), weighted by w) under the prior and conditions it on the
// state block, returning the gain, bias and conditional covariance.
func FitJointPrior(pts *mat.Dense, w []float64, prior *NIW, dX, dU int, sigReg *mat.SymDense) (*mat.Dense, *mat.VecDense, *mat.SymDense, error) {
	N, D := pts.Dims()
	if D != dX+dU || len(w) != N {
		return nil, nil, nil, dynamo.DimensionErrorf("joint fit got %dx%d points and %d weights for dX=%d dU=%d", N, D, len(w), dX, dU)
	}
	if prior.Phi.SymmetricDim() != D || prior.Mu0.Len() != D {
		return nil, nil, nil, dynamo.DimensionErrorf("prior has dimension %d, points have %d", prior.Phi.SymmetricDim(), D)
	}

	mun := mat.NewVecDense(D, nil)
	for n := 0; n < N; n++ {
		mun.AddScaledVec(mun, w[n], pts.RowView(n))
	}
	empsig := mat.NewSymDense(D, nil)
	diff := mat.NewVecDense(D, nil)
	for n := 0; n < N; n++ {
		diff.SubVec(pts.RowView(n), mun)
		empsig.SymRankOne(empsig, w[n], diff)
	}

	nf := float64(N)
	sigma := mat.NewSymDense(D, nil)
	sigma.ScaleSym(nf, empsig)
	sigma.AddSym(sigma, prior.Phi)
	if prior.M != 0 {
		var d mat.VecDense
		d.SubVec(mun, prior.Mu0)
		sigma.SymRankOne(sigma, nf*prior.M/(nf+prior.M), &d)
	}
	sigma.ScaleSym(1/(nf+prior.N0), sigma)
	if sigReg != nil {
		sigma.AddSym(sigma, sigReg)
	}

	sxx := mat.NewSymDense(dX, nil)
	sxx.CopySym(sigma.SliceSym(0, dX))
	chol, err := dynamo.Factorize(sxx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("state covariance: %w", err)
	}

	// fd = (Σxx⁻¹ Σxu)ᵀ
	sxu := mat.DenseCopyOf(sigma).Slice(0, dX, dX, D)
	var sol mat.Dense
	if err := chol.SolveTo(&sol, sxu); err != nil {
		return nil, nil, nil, fmt.Errorf("state covariance solve: %w", dynamo.ErrNumericalDegeneracy)
	}
	gain := mat.DenseCopyOf(sol.T())

	muX := mat.NewVecDense(dX, append([]float64(nil), mun.RawVector().Data[:dX]...))
	bias := mat.NewVecDense(dU, append([]float64(nil), mun.RawVector().Data[dX:]...))
	var fx mat.VecDense
	fx.MulVec(gain, muX)
	bias.SubVec(bias, &fx)

	// Σuu - fd Σxx fdᵀ
	var tmp, explained mat.Dense
	tmp.Mul(gain, sxx)
	explained.Mul(&tmp, gain.T())
	var suu mat.Dense
	suu.Sub(sigma.SliceSym(dX, D), &explained)
	return gain, bias, dynamo.SymOf(&suu), nil
}

// FitPolicy linearizes a policy around N sampled state trajectories. states
// are N matrices of T x dX, polMu N matrices of T x dU and polSig N slices of
// T covariances. The mean policy covariance over samples is added to every
// fitted covariance.
func FitPolicy(prior Prior, states, polMu []*mat.Dense, polSig [][]*mat.SymDense) (*Fit, error) {
	N := len(states)
	if N < 2 {
		return nil, fmt.Errorf("policy linearization on %d samples: %w", N, dynamo.ErrInsufficientSamples)
	}
	if len(polMu) != N || len(polSig) != N {
		return nil, dynamo.DimensionErrorf("%d state trajectories, %d policy means, %d policy covariances", N, len(polMu), len(polSig))
	}
	T, dX := states[0].Dims()
	_, dU := polMu[0].Dims()
	for n := 0; n < N; n++ {
		if r, c := states[n].Dims(); r != T || c != dX {
			return nil, dynamo.DimensionErrorf("states of sample %d are %dx%d, want %dx%d", n, r, c, T, dX)
		}
		if r, c := polMu[n].Dims(); r != T || c != dU {
			return nil, dynamo.DimensionErrorf("policy means of sample %d are %dx%d, want %dx%d", n, r, c, T, dU)
		}
		if len(polSig[n]) != T {
			return nil, dynamo.DimensionErrorf("policy covariances of sample %d cover %d steps, want %d", n, len(polSig[n]), T)
		}
	}

	niw, err := prior.Eval(dX, dU)
	if err != nil {
		return nil, err
	}

	w := make([]float64, N)
	for n := range w {
		w[n] = 1 / float64(N)
	}
	fit := &Fit{
		K:    make([]*mat.Dense, T),
		Bias: make([]*mat.VecDense, T),
		S:    make([]*mat.SymDense, T),
	}
	pts := mat.NewDense(N, dX+dU, nil)
	for t := 0; t < T; t++ {
		for n := 0; n < N; n++ {
			for i := 0; i < dX; i++ {
				pts.Set(n, i, states[n].At(t, i))
			}
			for i := 0; i < dU; i++ {
				pts.Set(n, dX+i, polMu[n].At(t, i))
			}
		}
		var reg *mat.SymDense
		if t == 0 {
			reg = mat.NewSymDense(dX+dU, nil)
			for i := 0; i < dX; i++ {
				reg.SetSym(i, i, firstStepReg)
			}
		}
		K, k, S, err := FitJointPrior(pts, w, niw, dX, dU, reg)
		if err != nil {
			return nil, fmt.Errorf("policy linearization at t=%d: %w", t, err)
		}
		meanSig := mat.NewSymDense(dU, nil)
		for n := 0; n < N; n++ {
			meanSig.AddSym(meanSig, polSig[n][t])
		}
		meanSig.ScaleSym(1/float64(N), meanSig)
		S.AddSym(S, meanSig)

		fit.K[t], fit.Bias[t], fit.S[t] = K, k, S
	}
	return fit, nil
}
