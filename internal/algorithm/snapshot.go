package algorithm

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/policy"
	"gonum.org/v1/gonum/mat"
)

// Snapshot is the state needed to resume a run between iterations.
type Snapshot struct {
	Iteration  int                 `json:"iteration"`
	Conditions []ConditionSnapshot `json:"conditions"`
}

type ConditionSnapshot struct {
	Controller control.Params  `json:"controller"`
	PolicyFit  *FitParams      `json:"policy_fit,omitempty"`
	Dynamics   *DynamicsParams `json:"dynamics,omitempty"`
	// Prior holds the buffered points of a stateful policy prior.
	Prior      *policy.PriorState `json:"prior,omitempty"`
	StepMult   float64            `json:"step_mult"`
	Eta        float64            `json:"eta"`
	LastKLStep float64            `json:"last_kl_step"`
}

// FitParams is the JSON form of a policy linearization.
type FitParams struct {
	K    [][][]float64 `json:"K"`
	Bias [][]float64   `json:"k"`
	S    [][][]float64 `json:"S"`
}

// DynamicsParams is the JSON form of a dynamics linearization.
type DynamicsParams struct {
	Fm       [][][]float64 `json:"Fm"`
	Fv       [][]float64   `json:"fv"`
	DynCovar [][][]float64 `json:"dyn_covar"`
}

// Snapshot captures the state between iterations.
func (a *MDGPS) Snapshot() *Snapshot {
	cur := a.buf.current()
	s := &Snapshot{Iteration: a.iteration, Conditions: make([]ConditionSnapshot, len(cur))}
	for m, d := range cur {
		c := ConditionSnapshot{
			Controller: d.TrajDistr.Params(),
			StepMult:   d.StepMult,
			Eta:        d.Eta,
			LastKLStep: d.TrajInfo.LastKLStep,
		}
		if d.PolInfo.Fitted() {
			c.PolicyFit = fitParams(d.PolInfo.Fit)
		}
		if d.TrajInfo.Dynamics != nil {
			c.Dynamics = dynamicsParams(d.TrajInfo.Dynamics)
		}
		if sp, ok := d.PolInfo.Prior.(policy.StatefulPrior); ok {
			c.Prior = sp.State()
		}
		s.Conditions[m] = c
	}
	return s
}

// Restore replaces the state with s. Nothing changes unless every condition
// restores cleanly. Stateful priors get the buffered points of the snapshot,
// or an empty buffer when it has none. The previous iteration is discarded,
// so the first iteration after a restore keeps the restored multipliers.
func (a *MDGPS) Restore(s *Snapshot) error {
	if s == nil || len(s.Conditions) != a.params.Conditions {
		n := 0
		if s != nil {
			n = len(s.Conditions)
		}
		return dynamo.DimensionErrorf("snapshot has %d conditions, run has %d", n, a.params.Conditions)
	}
	if s.Iteration < 0 {
		return dynamo.ConfigErrorf("snapshot iteration %d is negative", s.Iteration)
	}

	cur := make([]*IterationData, len(s.Conditions))
	for m, c := range s.Conditions {
		d, err := a.restoreCondition(m, c)
		if err != nil {
			return &dynamo.ConditionError{Condition: m, Timestep: -1, Op: "restore", Wrapped: err}
		}
		cur[m] = d
	}
	for m, c := range s.Conditions {
		if sp, ok := a.collab.Priors[m].(policy.StatefulPrior); ok {
			if err := sp.SetState(c.Prior); err != nil {
				return &dynamo.ConditionError{Condition: m, Timestep: -1, Op: "restore", Wrapped: err}
			}
		}
	}
	a.buf.reset(cur)
	a.iteration = s.Iteration
	return nil
}

func (a *MDGPS) restoreCondition(m int, c ConditionSnapshot) (*IterationData, error) {
	ctrl, err := control.FromParams(c.Controller)
	if err != nil {
		return nil, err
	}
	if err := checkController(ctrl, a.params); err != nil {
		return nil, err
	}
	if c.StepMult < a.params.Step.MinMult || c.StepMult > a.params.Step.MaxMult {
		return nil, dynamo.ConfigErrorf("step multiplier %g outside [%g, %g]", c.StepMult, a.params.Step.MinMult, a.params.Step.MaxMult)
	}
	if !(c.Eta > 0) {
		return nil, dynamo.ConfigErrorf("eta must be positive, got %g", c.Eta)
	}

	if c.Prior != nil {
		if _, ok := a.collab.Priors[m].(policy.StatefulPrior); !ok {
			return nil, dynamo.ConfigErrorf("snapshot has prior points but the prior keeps none")
		}
		if err := c.Prior.Validate(a.params.DX + a.params.DU); err != nil {
			return nil, err
		}
	}

	info := policy.NewInfo(a.collab.Priors[m])
	if c.PolicyFit != nil {
		fit, err := fromFitParams(*c.PolicyFit)
		if err != nil {
			return nil, err
		}
		if err := info.SetFit(fit); err != nil {
			return nil, err
		}
	}

	traj := &dynamo.TrajInfo{LastKLStep: c.LastKLStep}
	if c.Dynamics != nil {
		if traj.Dynamics, err = fromDynamicsParams(*c.Dynamics); err != nil {
			return nil, err
		}
	}
	return &IterationData{
		TrajInfo:  traj,
		TrajDistr: ctrl,
		PolInfo:   info,
		StepMult:  c.StepMult,
		Eta:       c.Eta,
	}, nil
}

func (s *Snapshot) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func fitParams(f *policy.Fit) *FitParams {
	p := &FitParams{
		K:    make([][][]float64, len(f.K)),
		Bias: make([][]float64, len(f.Bias)),
		S:    make([][][]float64, len(f.S)),
	}
	for t := range f.K {
		p.K[t] = dynamo.Rows(f.K[t])
		p.Bias[t] = mat.Col(nil, 0, f.Bias[t])
		p.S[t] = dynamo.Rows(f.S[t])
	}
	return p
}

func fromFitParams(p FitParams) (*policy.Fit, error) {
	T := len(p.K)
	if len(p.Bias) != T || len(p.S) != T {
		return nil, dynamo.DimensionErrorf("policy fit has %d gains, %d biases and %d covariances", T, len(p.Bias), len(p.S))
	}
	f := &policy.Fit{
		K:    make([]*mat.Dense, T),
		Bias: make([]*mat.VecDense, T),
		S:    make([]*mat.SymDense, T),
	}
	var err error
	for t := 0; t < T; t++ {
		if f.K[t], err = dynamo.FromRows(p.K[t]); err != nil {
			return nil, fmt.Errorf("policy gain at t=%d: %w", t, err)
		}
		if f.S[t], err = dynamo.SymFromRows(p.S[t]); err != nil {
			return nil, fmt.Errorf("policy covariance at t=%d: %w", t, err)
		}
		if len(p.Bias[t]) == 0 {
			return nil, dynamo.DimensionErrorf("empty policy bias at t=%d", t)
		}
		f.Bias[t] = mat.NewVecDense(len(p.Bias[t]), append([]float64(nil), p.Bias[t]...))
	}
	return f, nil
}

func dynamicsParams(l *dynamo.Linearization) *DynamicsParams {
	p := &DynamicsParams{
		Fm:       make([][][]float64, len(l.Fm)),
		Fv:       make([][]float64, len(l.Fv)),
		DynCovar: make([][][]float64, len(l.DynCovar)),
	}
	for t := range l.Fm {
		p.Fm[t] = dynamo.Rows(l.Fm[t])
	}
	for t := range l.Fv {
		p.Fv[t] = mat.Col(nil, 0, l.Fv[t])
	}
	for t := range l.DynCovar {
		p.DynCovar[t] = dynamo.Rows(l.DynCovar[t])
	}
	return p
}

func fromDynamicsParams(p DynamicsParams) (*dynamo.Linearization, error) {
	l := &dynamo.Linearization{
		Fm:       make([]*mat.Dense, len(p.Fm)),
		Fv:       make([]*mat.VecDense, len(p.Fv)),
		DynCovar: make([]*mat.SymDense, len(p.DynCovar)),
	}
	var err error
	for t := range p.Fm {
		if l.Fm[t], err = dynamo.FromRows(p.Fm[t]); err != nil {
			return nil, fmt.Errorf("dynamics matrix at t=%d: %w", t, err)
		}
	}
	for t, v := range p.Fv {
		if len(v) == 0 {
			return nil, dynamo.DimensionErrorf("empty dynamics bias at t=%d", t)
		}
		l.Fv[t] = mat.NewVecDense(len(v), append([]float64(nil), v...))
	}
	for t := range p.DynCovar {
		if l.DynCovar[t], err = dynamo.SymFromRows(p.DynCovar[t]); err != nil {
			return nil, fmt.Errorf("dynamics covariance at t=%d: %w", t, err)
		}
	}
	return l, nil
}
