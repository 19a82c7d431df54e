package cost

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunc maps the state at timestep t to a residual d of length D, its
// D x dX Jacobian and optionally the D second Jacobians (dX x dX each).
type ResidualFunc func(x []float64, t int) (d []float64, jd *mat.Dense, jdd []*mat.Dense, err error)

// Residual applies a penalty shape to a user-defined state residual, such
// as the distance of an end effector to its goal.
type Residual struct {
	Label   string
	Fn      ResidualFunc
	Wp      []float64
	Target  []float64
	Penalty Penalty
	Params  PenaltyParams
	Ramp    Ramp
	Final   float64
}

func NewResidual(label string, fn ResidualFunc, wp []float64, p Penalty, params PenaltyParams, opts ...Option) *Residual {
	o := applyOptions(opts)
	return &Residual{
		Label:   label,
		Fn:      fn,
		Wp:      wp,
		Target:  o.target,
		Penalty: p,
		Params:  params,
		Ramp:    o.ramp,
		Final:   o.final,
	}
}

// NewState penalizes the state dimensions listed in indices.
func NewState(indices []int, wp []float64, p Penalty, params PenaltyParams, opts ...Option) *Residual {
	return NewResidual("state", selector(indices), wp, p, params, opts...)
}

func selector(indices []int) ResidualFunc {
	return func(x []float64, t int) ([]float64, *mat.Dense, []*mat.Dense, error) {
		if len(indices) == 0 {
			return nil, nil, nil, dynamo.ConfigErrorf("state cost selects no dimensions")
		}
		d := make([]float64, len(indices))
		jd := mat.NewDense(len(indices), len(x), nil)
		for i, idx := range indices {
			if idx < 0 || idx >= len(x) {
				return nil, nil, nil, dynamo.DimensionErrorf("state index %d out of range for dX=%d", idx, len(x))
			}
			d[i] = x[idx]
			jd.Set(i, idx, 1)
		}
		return d, jd, nil, nil
	}
}

func (r *Residual) Name() string { return r.Label }

func (r *Residual) Eval(x, u *mat.Dense) (*dynamo.CostExpansion, error) {
	T, dX, dU, err := checkTrajectory(x, u)
	if err != nil {
		return nil, err
	}
	if r.Fn == nil || len(r.Wp) == 0 {
		return nil, dynamo.ConfigErrorf("%s cost needs a residual and weights", r.Label)
	}
	wpm, err := RampMultiplier(r.Ramp, T, r.Final)
	if err != nil {
		return nil, err
	}

	D := len(r.Wp)
	in := TermInput{
		Wp:  mat.NewDense(T, D, nil),
		D:   mat.NewDense(T, D, nil),
		Jd:  make([]*mat.Dense, T),
		Jdd: make([][]*mat.Dense, T),
	}
	for t := 0; t < T; t++ {
		d, jd, jdd, err := r.Fn(x.RawRowView(t), t)
		if err != nil {
			return nil, fmt.Errorf("%s residual at t=%d: %w", r.Label, t, err)
		}
		if len(d) != D {
			return nil, dynamo.DimensionErrorf("%s residual has %d entries for %d weights", r.Label, len(d), D)
		}
		if jd == nil {
			return nil, dynamo.DimensionErrorf("%s residual at t=%d has no jacobian", r.Label, t)
		}
		if jr, jc := jd.Dims(); jr != D || jc != dX {
			return nil, dynamo.DimensionErrorf("%s jacobian at t=%d is %dx%d, want %dx%d", r.Label, t, jr, jc, D, dX)
		}
		if r.Target != nil && len(r.Target) != D {
			return nil, dynamo.DimensionErrorf("%s target has %d entries for %d weights", r.Label, len(r.Target), D)
		}
		for i := 0; i < D; i++ {
			v := d[i]
			if r.Target != nil {
				v -= r.Target[i]
			}
			in.D.Set(t, i, v)
			in.Wp.Set(t, i, r.Wp[i]*wpm[t])
		}
		in.Jd[t] = jd
		in.Jdd[t] = jdd
	}

	term, err := r.Penalty.Eval(in, r.Params)
	if err != nil {
		return nil, fmt.Errorf("%s cost: %w", r.Label, err)
	}
	exp := dynamo.NewCostExpansion(T, dX, dU)
	copy(exp.L, term.L)
	exp.Lx = term.Lx
	exp.Lxx = term.Lxx
	return exp, nil
}
