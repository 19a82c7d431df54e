package policy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// linearData returns N random state trajectories and the actions of
// u = W x + b on them.
func linearData(N, T int, W *mat.Dense, b []float64) (states, means []*mat.Dense) {
	rng := rand.New(rand.NewSource(1))
	dU, dX := W.Dims()
	for n := 0; n < N; n++ {
		x := mat.NewDense(T, dX, nil)
		u := mat.NewDense(T, dU, nil)
		for t := 0; t < T; t++ {
			for i := 0; i < dX; i++ {
				x.Set(t, i, rng.NormFloat64())
			}
			var v mat.VecDense
			v.MulVec(W, x.RowView(t))
			for i := 0; i < dU; i++ {
				u.Set(t, i, v.AtVec(i)+b[i])
			}
		}
		states = append(states, x)
		means = append(means, u)
	}
	return states, means
}

func constantSig(N, T int, v float64) [][]*mat.SymDense {
	out := make([][]*mat.SymDense, N)
	for n := range out {
		out[n] = make([]*mat.SymDense, T)
		for t := range out[n] {
			out[n][t] = mat.NewSymDense(1, []float64{v})
		}
	}
	return out
}

func TestIdentityPrior(t *testing.T) {
	niw, err := (&IdentityPrior{Strength: 2}).Eval(2, 1)
	require.NoError(t, err)

	assert.Equal(t, 3, niw.Phi.SymmetricDim())
	assert.Equal(t, 2.0, niw.Phi.At(1, 1))
	assert.InDelta(t, 2e-5, niw.Phi.At(2, 2), 1e-15)
	assert.Equal(t, 0.0, niw.M)
	assert.Equal(t, 2.0, niw.N0)
}

func TestFitPolicyRecoversLinearPolicy(t *testing.T) {
	W := mat.NewDense(1, 2, []float64{0.5, -2})
	b := []float64{0.3}
	states, means := linearData(40, 3, W, b)

	fit, err := FitPolicy(&IdentityPrior{Strength: 1e-4}, states, means, constantSig(40, 3, 0.1))
	require.NoError(t, err)

	for step := 0; step < 3; step++ {
		assert.True(t, mat.EqualApprox(fit.K[step], W, 1e-3), "K[%d] = %v", step, mat.Formatted(fit.K[step]))
		assert.InDelta(t, 0.3, fit.Bias[step].AtVec(0), 1e-3)
		assert.InDelta(t, 0.1, fit.S[step].At(0, 0), 1e-3)
	}
}

func TestFitPolicyNeedsTwoSamples(t *testing.T) {
	W := mat.NewDense(1, 1, []float64{1})
	states, means := linearData(1, 2, W, []float64{0})

	_, err := FitPolicy(&IdentityPrior{Strength: 1}, states, means, constantSig(1, 2, 1))
	if !errors.Is(err, dynamo.ErrInsufficientSamples) {
		t.Errorf("expected insufficient samples, got %v", err)
	}
}

func TestInfoSetFit(t *testing.T) {
	good := &Fit{
		K:    []*mat.Dense{mat.NewDense(1, 1, []float64{1})},
		Bias: []*mat.VecDense{mat.NewVecDense(1, []float64{0})},
		S:    []*mat.SymDense{mat.NewSymDense(1, []float64{4})},
	}
	info := NewInfo(&IdentityPrior{Strength: 1})
	require.NoError(t, info.SetFit(good))
	assert.InDelta(t, 0.25, info.InvS(0).At(0, 0), 1e-12)
	assert.InDelta(t, 2.0, info.CholS(0).At(0, 0), 1e-12)

	bad := &Fit{
		K:    good.K,
		Bias: good.Bias,
		S:    []*mat.SymDense{mat.NewSymDense(1, []float64{-1})},
	}
	err := info.SetFit(bad)
	assert.ErrorIs(t, err, dynamo.ErrNumericalDegeneracy)
	assert.Same(t, good, info.Fit, "failed fit must not replace the previous one")

	clone := info.Clone()
	clone.Fit.K[0].Set(0, 0, 7)
	assert.Equal(t, 1.0, info.Fit.K[0].At(0, 0))
	assert.Same(t, info.Prior, clone.Prior)

	ctrl, err := info.TrajDistr()
	require.NoError(t, err)
	assert.Equal(t, 1, ctrl.T())
}

func TestEmpiricalPrior(t *testing.T) {
	pol := NewLinear(1, 1, 1, 0, 0)
	sample := func(v float64) *dynamo.Sample {
		s, err := dynamo.NewSample(mat.NewDense(2, 1, []float64{v, v}), mat.NewDense(2, 1, nil), nil)
		require.NoError(t, err)
		return s
	}

	prior := NewEmpiricalPrior(1, 3)
	niw, err := prior.Eval(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, niw.M, "empty buffer falls back to the identity prior")

	require.NoError(t, prior.Update(dynamo.SampleList{sample(1), sample(3)}, pol, SampleAdd))
	require.NoError(t, prior.Update(dynamo.SampleList{sample(5), sample(7)}, pol, SampleAdd))
	assert.Equal(t, 3, prior.Len())

	niw, err = prior.Eval(1, 1)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, niw.Mu0.AtVec(0), 1e-12)
	assert.Equal(t, 1.0, niw.N0)

	require.NoError(t, prior.Update(dynamo.SampleList{sample(2)}, pol, SampleReplace))
	assert.Equal(t, 1, prior.Len())

	_, err = ParseSampleMode("merge")
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)
}

func TestEmpiricalPriorState(t *testing.T) {
	pol := NewLinear(1, 1, 1, 0, 0)
	s, err := dynamo.NewSample(mat.NewDense(2, 1, []float64{1, 2}), mat.NewDense(2, 1, nil), nil)
	require.NoError(t, err)

	prior := NewEmpiricalPrior(1, 2)
	require.NoError(t, prior.Update(dynamo.SampleList{s, s}, pol, SampleAdd))
	saved := prior.State()
	require.Len(t, saved.Points, 2)
	require.NoError(t, saved.Validate(2))
	assert.ErrorIs(t, saved.Validate(3), dynamo.ErrDimensionMismatch)

	want, err := prior.Eval(1, 1)
	require.NoError(t, err)

	require.NoError(t, prior.Update(dynamo.SampleList{s}, pol, SampleReplace))
	assert.Equal(t, 1, prior.Len())

	require.NoError(t, prior.SetState(saved))
	assert.Equal(t, 2, prior.Len())
	got, err := prior.Eval(1, 1)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want.Phi, got.Phi, 1e-12))
	assert.True(t, mat.EqualApprox(want.Mu0, got.Mu0, 1e-12))

	bad := &PriorState{Points: [][][]float64{{{1, 2}}, {{1, 2, 3}}}}
	assert.ErrorIs(t, prior.SetState(bad), dynamo.ErrDimensionMismatch)
	assert.Equal(t, 2, prior.Len(), "a rejected state leaves the buffer alone")

	require.NoError(t, prior.SetState(&PriorState{Points: [][][]float64{{{1, 2}}, {{3, 4}}, {{5, 6}}}}))
	assert.Equal(t, 2, prior.Len(), "restored buffers respect the capacity")

	require.NoError(t, prior.SetState(nil))
	assert.Zero(t, prior.Len())
}

func TestLinearPolicyUpdate(t *testing.T) {
	K := mat.NewDense(1, 2, []float64{1.5, -0.5})
	k := []float64{0.2}
	const M, N, T = 2, 5, 4
	batch := &UpdateBatch{
		States:     make([][]*mat.Dense, M),
		Means:      make([][]*mat.Dense, M),
		Precisions: make([][]*mat.SymDense, M),
	}
	for m := 0; m < M; m++ {
		batch.States[m], batch.Means[m] = linearData(N, T, K, k)
		batch.Precisions[m] = make([]*mat.SymDense, T)
		for step := range batch.Precisions[m] {
			batch.Precisions[m][step] = mat.NewSymDense(1, []float64{2})
		}
	}

	pol := NewLinear(2, 1, 1, 1e-9, 0)
	require.NoError(t, pol.Update(batch))

	u := pol.Act(dynamo.State{1, 1}, 0, nil)
	assert.InDelta(t, 1.2, u[0], 1e-6)
	// Normalized precision is 1, so the variance is 1 without entropy term.
	assert.InDeltaSlice(t, []float64{1}, pol.Variance(), 1e-9)

	dist, err := pol.Prob([]*mat.Dense{mat.NewDense(1, 2, []float64{1, 1})})
	require.NoError(t, err)
	assert.InDelta(t, 1.2, dist.Mean[0].At(0, 0), 1e-6)
	assert.InDelta(t, 1.0, dist.Precision[0][0].At(0, 0), 1e-9)
}
