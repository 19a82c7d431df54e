package cost

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Cost evaluates a trajectory of T states (T x dX) and actions (T x dU)
// into its second-order expansion.
type Cost interface {
	Name() string
	Eval(x, u *mat.Dense) (*dynamo.CostExpansion, error)
}

// EvalSample evaluates c along one sample.
func EvalSample(c Cost, s *dynamo.Sample) (*dynamo.CostExpansion, error) {
	return c.Eval(s.X(), s.U())
}

// EvalSamples evaluates c along every sample of a list.
func EvalSamples(c Cost, samples dynamo.SampleList) ([]*dynamo.CostExpansion, error) {
	out := make([]*dynamo.CostExpansion, len(samples))
	for n, s := range samples {
		exp, err := EvalSample(c, s)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", n, err)
		}
		out[n] = exp
	}
	return out, nil
}

// EvalMu evaluates c along a mean trajectory given as T x (dX+dU) rows of
// stacked state and action.
func EvalMu(c Cost, mu *mat.Dense, dX int) (*dynamo.CostExpansion, error) {
	T, n := mu.Dims()
	if dX <= 0 || dX >= n {
		return nil, dynamo.DimensionErrorf("mean trajectory has %d columns, cannot split at dX=%d", n, dX)
	}
	x := mat.DenseCopyOf(mu.Slice(0, T, 0, dX))
	u := mat.DenseCopyOf(mu.Slice(0, T, dX, n))
	return c.Eval(x, u)
}

func checkTrajectory(x, u *mat.Dense) (T, dX, dU int, err error) {
	if x == nil || u == nil {
		return 0, 0, 0, dynamo.DimensionErrorf("missing states or actions")
	}
	T, dX = x.Dims()
	tu, dU := u.Dims()
	if T != tu {
		return 0, 0, 0, dynamo.DimensionErrorf("%d states but %d actions", T, tu)
	}
	return T, dX, dU, nil
}
