package control

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// InitConstant returns a controller with zero gains that outputs action with
// diagonal covariance variance at every step.
func InitConstant(T, dX int, action, variance []float64) (*LinearGaussian, error) {
	dU := len(action)
	if T <= 0 || dX <= 0 || dU == 0 {
		return nil, dynamo.ConfigErrorf("constant controller needs positive T, dX and dU, got %d, %d, %d", T, dX, dU)
	}
	if len(variance) != dU {
		return nil, dynamo.ConfigErrorf("constant controller has %d actions but %d variances", dU, len(variance))
	}
	K := make([]*mat.Dense, T)
	k := make([]*mat.VecDense, T)
	pSig := make([]*mat.SymDense, T)
	for t := 0; t < T; t++ {
		K[t] = mat.NewDense(dU, dX, nil)
		k[t] = mat.NewVecDense(dU, append([]float64(nil), action...))
		pSig[t] = mat.NewSymDense(dU, nil)
		for i, v := range variance {
			pSig[t].SetSym(i, i, v)
		}
	}
	return NewLinearGaussian(K, k, pSig)
}

// InitFromGains builds a controller of horizon len(K)+1 from stored gains,
// biases and precisions. The appended final step has zero gain and bias and
// identity precision.
func InitFromGains(K []*mat.Dense, k []*mat.VecDense, prc []*mat.SymDense) (*LinearGaussian, error) {
	if len(K) == 0 || len(k) != len(K) || len(prc) != len(K) {
		return nil, dynamo.DimensionErrorf("stored controller has %d gains, %d biases and %d precisions", len(K), len(k), len(prc))
	}
	dU, dX := K[0].Dims()
	T := len(K) + 1

	gains := make([]*mat.Dense, T)
	biases := make([]*mat.VecDense, T)
	pSig := make([]*mat.SymDense, T)
	for t := 0; t < T-1; t++ {
		chol, err := dynamo.Factorize(prc[t])
		if err != nil {
			return nil, fmt.Errorf("stored precision at t=%d: %w", t, err)
		}
		var s mat.SymDense
		if err := chol.InverseTo(&s); err != nil {
			return nil, fmt.Errorf("stored precision at t=%d: %w", t, dynamo.ErrNumericalDegeneracy)
		}
		gains[t] = mat.DenseCopyOf(K[t])
		biases[t] = mat.VecDenseCopyOf(k[t])
		pSig[t] = &s
	}
	gains[T-1] = mat.NewDense(dU, dX, nil)
	biases[T-1] = mat.NewVecDense(dU, nil)
	pSig[T-1] = mat.NewSymDense(dU, nil)
	for i := 0; i < dU; i++ {
		pSig[T-1].SetSym(i, i, 1)
	}
	return NewLinearGaussian(gains, biases, pSig)
}

// GainParams is the stored form of a controller read by InitFromGains:
// gains, biases and precisions for every step but the last.
type GainParams struct {
	K         [][][]float64 `json:"K"`
	Bias      [][]float64   `json:"k"`
	Precision [][][]float64 `json:"prc"`
}

// Controller converts p and calls InitFromGains.
func (p GainParams) Controller() (*LinearGaussian, error) {
	if len(p.Bias) != len(p.K) || len(p.Precision) != len(p.K) {
		return nil, dynamo.DimensionErrorf("stored controller has %d gains, %d biases and %d precisions",
			len(p.K), len(p.Bias), len(p.Precision))
	}
	K := make([]*mat.Dense, len(p.K))
	k := make([]*mat.VecDense, len(p.K))
	prc := make([]*mat.SymDense, len(p.K))
	var err error
	for t := range p.K {
		if K[t], err = dynamo.FromRows(p.K[t]); err != nil {
			return nil, fmt.Errorf("stored gain at t=%d: %w", t, err)
		}
		if len(p.Bias[t]) == 0 {
			return nil, dynamo.DimensionErrorf("empty stored bias at t=%d", t)
		}
		k[t] = mat.NewVecDense(len(p.Bias[t]), append([]float64(nil), p.Bias[t]...))
		if prc[t], err = dynamo.SymFromRows(p.Precision[t]); err != nil {
			return nil, fmt.Errorf("stored precision at t=%d: %w", t, err)
		}
	}
	return InitFromGains(K, k, prc)
}
