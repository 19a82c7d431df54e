package cost

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Sum is the weighted sum of several costs. Expansions add term by term.
type Sum struct {
	Costs   []Cost
	Weights []float64
}

func NewSum(costs []Cost, weights []float64) (*Sum, error) {
	if len(costs) == 0 {
		return nil, dynamo.ConfigErrorf("cost sum needs at least one term")
	}
	if len(weights) != len(costs) {
		return nil, dynamo.ConfigErrorf("cost sum has %d terms but %d weights", len(costs), len(weights))
	}
	return &Sum{Costs: costs, Weights: weights}, nil
}

func (s *Sum) Name() string { return "sum" }

func (s *Sum) Eval(x, u *mat.Dense) (*dynamo.CostExpansion, error) {
	T, dX, dU, err := checkTrajectory(x, u)
	if err != nil {
		return nil, err
	}
	total := dynamo.NewCostExpansion(T, dX, dU)
	for i, c := range s.Costs {
		exp, err := c.Eval(x, u)
		if err != nil {
			return nil, fmt.Errorf("term %d (%s): %w", i, c.Name(), err)
		}
		if err := total.AddScaled(s.Weights[i], exp); err != nil {
			return nil, err
		}
	}
	return total, nil
}
