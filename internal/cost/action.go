package cost

import (
	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Action penalizes actions quadratically: l = 0.5 Σ wu (u - target)².
// It has no state sensitivity.
type Action struct {
	Wu     []float64
	Target []float64
	Ramp   Ramp
	Final  float64
}

// NewAction returns an action cost with a zero target and constant ramp.
func NewAction(wu []float64, opts ...Option) *Action {
	o := applyOptions(opts)
	return &Action{Wu: wu, Target: o.target, Ramp: o.ramp, Final: o.final}
}

func (a *Action) Name() string { return "action" }

func (a *Action) Eval(x, u *mat.Dense) (*dynamo.CostExpansion, error) {
	T, dX, dU, err := checkTrajectory(x, u)
	if err != nil {
		return nil, err
	}
	if len(a.Wu) != dU {
		return nil, dynamo.DimensionErrorf("action cost has %d weights for dU=%d", len(a.Wu), dU)
	}
	if a.Target != nil && len(a.Target) != dU {
		return nil, dynamo.DimensionErrorf("action target has %d entries for dU=%d", len(a.Target), dU)
	}
	wpm, err := RampMultiplier(a.Ramp, T, a.Final)
	if err != nil {
		return nil, err
	}

	exp := dynamo.NewCostExpansion(T, dX, dU)
	for t := 0; t < T; t++ {
		for i := 0; i < dU; i++ {
			v := u.At(t, i)
			if a.Target != nil {
				v -= a.Target[i]
			}
			w := a.Wu[i] * wpm[t]
			exp.L[t] += 0.5 * w * v * v
			exp.Lu.Set(t, i, w*v)
			exp.Luu[t].Set(i, i, w)
		}
	}
	return exp, nil
}

// Option configures the target and ramp of a cost model.
type Option func(*options)

type options struct {
	target []float64
	ramp   Ramp
	final  float64
}

func applyOptions(opts []Option) options {
	o := options{ramp: RampConstant, final: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithTarget(target []float64) Option {
	return func(o *options) { o.target = target }
}

// WithRamp sets the time schedule and the multiplier of the last step.
func WithRamp(r Ramp, final float64) Option {
	return func(o *options) {
		o.ramp = r
		o.final = final
	}
}
