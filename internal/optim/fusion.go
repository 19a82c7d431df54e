package optim

import (
	"fmt"
	"math"

	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/policy"
	"gonum.org/v1/gonum/mat"
)

// FusedCost is the quadratic cost handed to the trajectory solver, over the
// stacked (state, action) vector.
type FusedCost struct {
	Cm []*mat.Dense    // T of (dX+dU) x (dX+dU)
	Cv []*mat.VecDense // T of dX+dU
}

// FusionInput is everything ComputeCosts reads for one condition.
type FusionInput struct {
	// Cm and Cv are the task cost quadratic.
	Cm []*mat.Dense
	Cv []*mat.VecDense
	// Policy holds the linearized global policy.
	Policy *policy.Info
	// Controller is the current local controller; its gains scale the
	// regularizer. Nil disables the regularizer.
	Controller      *control.LinearGaussian
	KRegularization float64
}

// KLPenalty returns the quadratic form of the KL divergence to the policy
// linearization at step t:
//
//	PKLm = [[Kᵀ S⁻¹ K, -Kᵀ S⁻¹], [-S⁻¹ K, S⁻¹]]
//	PKLv = [Kᵀ S⁻¹ k; -S⁻¹ k]
func KLPenalty(info *policy.Info, t int) (*mat.Dense, *mat.VecDense) {
	K, k := info.Fit.K[t], info.Fit.Bias[t]
	inv := info.InvS(t)
	dU, dX := K.Dims()
	n := dX + dU

	var ktInv, ktInvK, invK mat.Dense
	ktInv.Mul(K.T(), inv)
	ktInvK.Mul(&ktInv, K)
	invK.Mul(inv, K)

	m := mat.NewDense(n, n, nil)
	m.Slice(0, dX, 0, dX).(*mat.Dense).Copy(&ktInvK)
	neg := m.Slice(0, dX, dX, n).(*mat.Dense)
	neg.Scale(-1, &ktInv)
	neg = m.Slice(dX, n, 0, dX).(*mat.Dense)
	neg.Scale(-1, &invK)
	m.Slice(dX, n, dX, n).(*mat.Dense).Copy(inv)

	v := mat.NewVecDense(n, nil)
	var top, bottom mat.VecDense
	top.MulVec(&ktInv, k)
	bottom.MulVec(inv, k)
	for i := 0; i < dX; i++ {
		v.SetVec(i, top.AtVec(i))
	}
	for i := 0; i < dU; i++ {
		v.SetVec(dX+i, -bottom.AtVec(i))
	}
	return m, v
}

// ComputeCosts fuses the task cost with the KL penalty for trust region
// eta:
//
//	fCm[t] = (Cm[t] + reg ‖K[t]‖∞ I + eta PKLm[t]) / eta
//	fcv[t] = (cv[t] + eta PKLv[t]) / eta
//
// eta must be strictly positive; anything else panics.
func ComputeCosts(in FusionInput, eta float64) (*FusedCost, error) {
	if !(eta > 0) || math.IsInf(eta, 1) {
		panic(fmt.Sprintf("optim: ComputeCosts called with eta=%v", eta))
	}
	if in.Policy == nil || !in.Policy.Fitted() {
		return nil, dynamo.ConfigErrorf("cost fusion needs a fitted policy")
	}
	T := len(in.Cm)
	if T == 0 || len(in.Cv) != T || len(in.Policy.Fit.K) != T {
		return nil, dynamo.ConfigErrorf("cost fusion got %d cost matrices, %d cost vectors and %d policy steps",
			len(in.Cm), len(in.Cv), len(in.Policy.Fit.K))
	}
	if in.Controller != nil && in.Controller.T() != T {
		return nil, dynamo.ConfigErrorf("controller has %d steps, cost has %d", in.Controller.T(), T)
	}
	dU, dX := in.Policy.Fit.K[0].Dims()
	n := dX + dU

	out := &FusedCost{Cm: make([]*mat.Dense, T), Cv: make([]*mat.VecDense, T)}
	for t := 0; t < T; t++ {
		if r, c := in.Cm[t].Dims(); r != n || c != n || in.Cv[t].Len() != n {
			return nil, dynamo.ConfigErrorf("cost at t=%d is %dx%d with %d-vector, want dimension %d",
				t, r, c, in.Cv[t].Len(), n)
		}
		pklm, pklv := KLPenalty(in.Policy, t)

		var fcm mat.Dense
		fcm.Scale(eta, pklm)
		fcm.Add(&fcm, in.Cm[t])
		if in.Controller != nil && in.KRegularization != 0 {
			reg := in.KRegularization * dynamo.InfNorm(in.Controller.K[t])
			for i := 0; i < n; i++ {
				fcm.Set(i, i, fcm.At(i, i)+reg)
			}
		}
		fcm.Scale(1/eta, &fcm)

		var fcv mat.VecDense
		fcv.AddScaledVec(in.Cv[t], eta, pklv)
		fcv.ScaleVec(1/eta, &fcv)

		out.Cm[t], out.Cv[t] = &fcm, &fcv
	}
	return out, nil
}
