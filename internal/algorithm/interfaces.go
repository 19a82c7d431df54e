package algorithm

import (
	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/metrics"
	"github.com/san-kum/mdgps/internal/optim"
	"github.com/san-kum/mdgps/internal/policy"
)

// PolicyOptimizer is the global policy: it acts, reports its action
// distribution on observations and trains on the local controllers. With
// more than one worker, Prob is called concurrently.
type PolicyOptimizer interface {
	dynamo.Controller
	policy.Evaluator
	Update(batch *policy.UpdateBatch) error
}

// TrajOptimizer is the trajectory solver. With more than one worker both
// methods are called concurrently for different conditions.
type TrajOptimizer interface {
	// EstimateCost returns the expected cost of ctrl at every timestep under
	// the dynamics and cost quadratic of info.
	EstimateCost(ctrl *control.LinearGaussian, info *dynamo.TrajInfo) ([]float64, error)
	Solve(req *SolveRequest) (*SolveResult, error)
}

// SolveRequest carries one condition's trajectory optimization problem.
type SolveRequest struct {
	Condition int
	// Previous is the controller the KL constraint is measured against.
	Previous *control.LinearGaussian
	Info     *dynamo.TrajInfo
	KLStep   float64
	// Eta is the dual variable the solver starts its search from.
	Eta float64
	// Costs fuses the task cost with the KL penalty for a given eta > 0.
	Costs func(eta float64) (*optim.FusedCost, error)
}

type SolveResult struct {
	Controller *control.LinearGaussian
	Eta        float64
}

// DynamicsModel refits the linear-Gaussian dynamics of one condition.
type DynamicsModel interface {
	Update(samples dynamo.SampleList) (*dynamo.Linearization, error)
}

// Observer receives one record per condition at the end of every iteration.
type Observer interface {
	Observe(rec metrics.Record)
}
