package algorithm

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/cost"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/metrics"
	"github.com/san-kum/mdgps/internal/optim"
	"github.com/san-kum/mdgps/internal/policy"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var nan = math.NaN()

// Phase names a stage of one iteration.
type Phase int

const (
	PhaseCostEval Phase = iota
	PhaseDynamicsUpdate
	PhasePolicyBootstrap
	PhasePolicyFit
	PhaseStepAdjust
	PhaseTrajectoryOptimize
	PhasePolicyUpdate
)

var phaseNames = [...]string{
	"cost evaluation",
	"dynamics update",
	"policy bootstrap",
	"policy fit",
	"step adjustment",
	"trajectory optimization",
	"policy update",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Params are the fixed settings of a run.
type Params struct {
	Conditions int
	T          int
	DX         int
	DU         int

	// KLStep is the base KL step; each condition scales it by its multiplier.
	KLStep          float64
	Step            optim.StepConfig
	InitStepMult    float64
	InitEta         float64
	KRegularization float64

	PolicySampleMode policy.SampleMode
	// InitialStateVar floors the variance of the initial state distribution.
	InitialStateVar float64
	// Workers bounds how many conditions are processed at once.
	Workers int
}

func DefaultParams() Params {
	return Params{
		Conditions:       1,
		KLStep:           0.2,
		Step:             optim.DefaultStepConfig(),
		InitStepMult:     1,
		InitEta:          1,
		KRegularization:  1e-6,
		PolicySampleMode: policy.SampleAdd,
		InitialStateVar:  1e-6,
		Workers:          1,
	}
}

func (p Params) Validate() error {
	if p.Conditions <= 0 || p.T <= 0 || p.DX <= 0 || p.DU <= 0 {
		return dynamo.ConfigErrorf("conditions, T, dX and dU must be positive, got %d, %d, %d, %d",
			p.Conditions, p.T, p.DX, p.DU)
	}
	if !(p.KLStep > 0) {
		return dynamo.ConfigErrorf("kl_step must be positive, got %g", p.KLStep)
	}
	if err := p.Step.Validate(); err != nil {
		return err
	}
	if p.InitStepMult < p.Step.MinMult || p.InitStepMult > p.Step.MaxMult {
		return dynamo.ConfigErrorf("initial step multiplier %g outside [%g, %g]",
			p.InitStepMult, p.Step.MinMult, p.Step.MaxMult)
	}
	if !(p.InitEta > 0) || math.IsInf(p.InitEta, 1) {
		return dynamo.ConfigErrorf("initial eta must be positive, got %g", p.InitEta)
	}
	if p.KRegularization < 0 || p.InitialStateVar < 0 {
		return dynamo.ConfigErrorf("regularization constants must be non-negative")
	}
	return nil
}

// Collaborators are the external pieces the driver orchestrates. Costs,
// Dynamics, Priors and InitTraj hold one entry per condition.
type Collaborators struct {
	Costs    []cost.Cost
	Dynamics []DynamicsModel
	Priors   []policy.Prior
	InitTraj []*control.LinearGaussian
	Policy   PolicyOptimizer
	TrajOpt  TrajOptimizer
}

// validate checks c against p and rebuilds initial controllers that were
// assembled without their covariance factors. The caller's slice is not
// modified.
func (c *Collaborators) validate(p Params) error {
	M := p.Conditions
	if len(c.Costs) != M || len(c.Dynamics) != M || len(c.Priors) != M || len(c.InitTraj) != M {
		return dynamo.ConfigErrorf("need %d costs, dynamics, priors and initial controllers, got %d, %d, %d, %d",
			M, len(c.Costs), len(c.Dynamics), len(c.Priors), len(c.InitTraj))
	}
	if c.Policy == nil || c.TrajOpt == nil {
		return dynamo.ConfigErrorf("policy optimizer and trajectory optimizer are required")
	}
	c.InitTraj = append([]*control.LinearGaussian(nil), c.InitTraj...)
	for m := 0; m < M; m++ {
		if c.Costs[m] == nil || c.Dynamics[m] == nil || c.Priors[m] == nil || c.InitTraj[m] == nil {
			return dynamo.ConfigErrorf("condition %d has a missing collaborator", m)
		}
		ctrl, err := factorized(c.InitTraj[m])
		if err == nil {
			err = checkController(ctrl, p)
		}
		if err != nil {
			return fmt.Errorf("initial controller of condition %d: %w", m, err)
		}
		c.InitTraj[m] = ctrl
	}
	return nil
}

// factorized returns ctrl if its covariance factors are in place, otherwise
// a controller rebuilt from its gains, biases and covariances.
func factorized(ctrl *control.LinearGaussian) (*control.LinearGaussian, error) {
	if ctrl.Factorized() {
		return ctrl, nil
	}
	return control.NewLinearGaussian(ctrl.K, ctrl.Bias, ctrl.PSig)
}

func checkController(ctrl *control.LinearGaussian, p Params) error {
	if ctrl.T() != p.T || ctrl.DX() != p.DX || ctrl.DU() != p.DU {
		return dynamo.DimensionErrorf("controller is (%d,%d,%d), want (%d,%d,%d)",
			ctrl.T(), ctrl.DX(), ctrl.DU(), p.T, p.DX, p.DU)
	}
	return nil
}

// MDGPS runs mirror descent guided policy search one iteration at a time.
// It is not safe for concurrent use.
type MDGPS struct {
	params    Params
	collab    Collaborators
	step      *optim.StepAdjuster
	logger    *slog.Logger
	observers []Observer

	buf       *buffer
	iteration int
}

type Option func(*MDGPS)

func WithLogger(logger *slog.Logger) Option {
	return func(a *MDGPS) { a.logger = logger }
}

// WithObserver registers o to receive the per-condition record of every
// completed iteration.
func WithObserver(o Observer) Option {
	return func(a *MDGPS) { a.observers = append(a.observers, o) }
}

func New(p Params, c Collaborators, opts ...Option) (*MDGPS, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := c.validate(p); err != nil {
		return nil, err
	}
	a := &MDGPS{
		params: p,
		collab: c,
		logger: slog.Default().With(slog.String("component", "mdgps")),
		buf:    newBuffer(p.Conditions),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.step = optim.NewStepAdjuster(p.Step, a.logger)

	cur := a.buf.current()
	for m := range cur {
		cur[m] = &IterationData{
			TrajInfo:  &dynamo.TrajInfo{},
			TrajDistr: c.InitTraj[m],
			PolInfo:   policy.NewInfo(c.Priors[m]),
			StepMult:  p.InitStepMult,
			Eta:       p.InitEta,
		}
	}
	return a, nil
}

func (a *MDGPS) Params() Params { return a.params }

// Iteration is the number of completed iterations.
func (a *MDGPS) Iteration() int { return a.iteration }

// Controllers returns the controller of every condition that the next
// samples should be collected with.
func (a *MDGPS) Controllers() []*control.LinearGaussian {
	cur := a.buf.current()
	out := make([]*control.LinearGaussian, len(cur))
	for m, d := range cur {
		out[m] = d.TrajDistr
	}
	return out
}

func (a *MDGPS) StepMultipliers() []float64 {
	cur := a.buf.current()
	out := make([]float64, len(cur))
	for m, d := range cur {
		out[m] = d.StepMult
	}
	return out
}

// Current returns the in-progress state of condition m.
func (a *MDGPS) Current(m int) *IterationData { return a.buf.current()[m] }

// Previous returns the state of condition m at the end of the last
// iteration, or nil before the first one completes.
func (a *MDGPS) Previous(m int) *IterationData { return a.buf.previous()[m] }

// ComputeCosts fuses the current task cost of condition m with the KL
// penalty against its policy linearization.
func (a *MDGPS) ComputeCosts(m int, eta float64) (*optim.FusedCost, error) {
	return a.fuse(a.buf.current()[m], eta)
}

func (a *MDGPS) fuse(d *IterationData, eta float64) (*optim.FusedCost, error) {
	return optim.ComputeCosts(optim.FusionInput{
		Cm:              d.TrajInfo.Cm,
		Cv:              d.TrajInfo.Cv,
		Policy:          d.PolInfo,
		Controller:      d.TrajDistr,
		KRegularization: a.params.KRegularization,
	}, eta)
}

// RunIteration runs one iteration on one sample list per condition. On
// failure every condition is put back as it was before the call, including
// the samples, dynamics, policy linearization and prior statistics, and the
// iteration counter does not advance. The global policy is not rolled back.
func (a *MDGPS) RunIteration(sampleLists []dynamo.SampleList) (err error) {
	if len(sampleLists) != a.params.Conditions {
		return dynamo.DimensionErrorf("got %d sample lists for %d conditions", len(sampleLists), a.params.Conditions)
	}
	cur := a.buf.current()
	saved := saveConditions(cur)
	defer func() {
		if err != nil {
			a.restoreConditions(cur, saved)
			err = fmt.Errorf("iteration %d: %w", a.iteration, err)
		}
	}()

	if err := a.forEach(PhaseCostEval, func(m int) error {
		return a.evalCost(m, sampleLists[m])
	}); err != nil {
		return err
	}
	if err := a.forEach(PhaseDynamicsUpdate, a.updateDynamics); err != nil {
		return err
	}

	if a.iteration == 0 {
		for _, d := range cur {
			d.NewTrajDistr = d.TrajDistr
		}
		if err := a.updatePolicy(true); err != nil {
			return fmt.Errorf("%s: %w", PhasePolicyBootstrap, err)
		}
	}

	if err := a.forEach(PhasePolicyFit, a.updatePolicyFit); err != nil {
		return err
	}

	var estimates []*optim.CostEstimate
	if a.iteration > 0 {
		if estimates, err = a.stepAdjust(); err != nil {
			return err
		}
	}

	if err := a.forEach(PhaseTrajectoryOptimize, a.updateTrajectory); err != nil {
		return err
	}
	if err := a.updatePolicy(false); err != nil {
		return fmt.Errorf("%s: %w", PhasePolicyUpdate, err)
	}

	a.record(estimates)
	a.buf.advance()
	a.iteration++

	a.logger.Info("iteration complete",
		slog.Int("iteration", a.iteration),
		slog.Any("step_mult", a.StepMultipliers()))
	return nil
}

func (a *MDGPS) forEach(phase Phase, fn func(m int) error) error {
	return dynamo.ForEachCondition(a.params.Conditions, a.params.Workers, func(m int) error {
		if err := fn(m); err != nil {
			return &dynamo.ConditionError{Condition: m, Timestep: -1, Op: phase.String(), Wrapped: err}
		}
		return nil
	})
}

// evalCost expands the cost along every sample and re-centres the expansion
// about the origin so the solver sees a quadratic in absolute (x, u):
//
//	cc += rdiff·cv + ½ rdiff·Cm·rdiff,  cv += Cm·rdiff,  rdiff = -[x; u]
//
// The task quadratic is the average over samples.
func (a *MDGPS) evalCost(m int, samples dynamo.SampleList) error {
	if err := samples.Validate(); err != nil {
		return err
	}
	T, dX, dU := a.params.T, a.params.DX, a.params.DU
	if s := samples[0]; s.T() != T || s.DX() != dX || s.DU() != dU {
		return dynamo.DimensionErrorf("samples are (%d,%d,%d), want (%d,%d,%d)", s.T(), s.DX(), s.DU(), T, dX, dU)
	}
	N, D := len(samples), dX+dU

	cs := mat.NewDense(N, T, nil)
	cc := make([]float64, T)
	cm := make([]*mat.Dense, T)
	cv := make([]*mat.VecDense, T)
	for t := 0; t < T; t++ {
		cm[t] = mat.NewDense(D, D, nil)
		cv[t] = mat.NewVecDense(D, nil)
	}

	rdiff := mat.NewVecDense(D, nil)
	for n, s := range samples {
		exp, err := cost.EvalSample(a.collab.Costs[m], s)
		if err != nil {
			return fmt.Errorf("sample %d: %w", n, err)
		}
		if exp.T() != T {
			return dynamo.DimensionErrorf("cost of sample %d covers %d steps, want %d", n, exp.T(), T)
		}
		cs.SetRow(n, exp.L)
		for t := 0; t < T; t++ {
			hm, gv := stackExpansion(exp, t, dX, dU)
			for i := 0; i < dX; i++ {
				rdiff.SetVec(i, -s.X().At(t, i))
			}
			for i := 0; i < dU; i++ {
				rdiff.SetVec(dX+i, -s.U().At(t, i))
			}
			var upd mat.VecDense
			upd.MulVec(hm, rdiff)
			cc[t] += exp.L[t] + mat.Dot(rdiff, gv) + 0.5*mat.Dot(rdiff, &upd)
			gv.AddVec(gv, &upd)
			cv[t].AddVec(cv[t], gv)
			cm[t].Add(cm[t], hm)
		}
	}

	scale := 1 / float64(N)
	floats.Scale(scale, cc)
	for t := 0; t < T; t++ {
		cm[t].Scale(scale, cm[t])
		cv[t].ScaleVec(scale, cv[t])
	}

	d := a.buf.current()[m]
	d.Samples, d.Cs = samples, cs
	d.TrajInfo.Cm, d.TrajInfo.Cv, d.TrajInfo.Cc = cm, cv, cc
	return nil
}

// stackExpansion returns the Hessian [[lxx, luxᵀ], [lux, luu]] and the
// gradient [lx; lu] of step t over the stacked (state, action) vector.
func stackExpansion(exp *dynamo.CostExpansion, t, dX, dU int) (*mat.Dense, *mat.VecDense) {
	D := dX + dU
	hm := mat.NewDense(D, D, nil)
	hm.Slice(0, dX, 0, dX).(*mat.Dense).Copy(exp.Lxx[t])
	hm.Slice(0, dX, dX, D).(*mat.Dense).Copy(exp.Lux[t].T())
	hm.Slice(dX, D, 0, dX).(*mat.Dense).Copy(exp.Lux[t])
	hm.Slice(dX, D, dX, D).(*mat.Dense).Copy(exp.Luu[t])

	gv := mat.NewVecDense(D, nil)
	for i := 0; i < dX; i++ {
		gv.SetVec(i, exp.Lx.At(t, i))
	}
	for i := 0; i < dU; i++ {
		gv.SetVec(dX+i, exp.Lu.At(t, i))
	}
	return hm, gv
}

// updateDynamics refits the dynamics and the initial state distribution,
// x0 ~ N(mean, diag(max(var, InitialStateVar))).
func (a *MDGPS) updateDynamics(m int) error {
	d := a.buf.current()[m]
	lin, err := a.collab.Dynamics[m].Update(d.Samples)
	if err != nil {
		return err
	}
	if lin == nil || lin.T() != a.params.T {
		return dynamo.DimensionErrorf("dynamics linearization does not cover %d steps", a.params.T)
	}

	dX := a.params.DX
	mu := make([]float64, dX)
	sigma := mat.NewSymDense(dX, nil)
	col := make([]float64, len(d.Samples))
	for i := 0; i < dX; i++ {
		for n, s := range d.Samples {
			col[n] = s.X().At(0, i)
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		mu[i] = mean
		sigma.SetSym(i, i, math.Max(variance, a.params.InitialStateVar))
	}
	d.TrajInfo.Dynamics, d.TrajInfo.X0Mu, d.TrajInfo.X0Sigma = lin, mu, sigma
	return nil
}

// updatePolicyFit linearizes the global policy around the current samples.
func (a *MDGPS) updatePolicyFit(m int) error {
	d := a.buf.current()[m]
	dist, err := a.collab.Policy.Prob(d.Samples.Observations())
	if err != nil {
		return fmt.Errorf("policy distribution: %w", err)
	}
	if len(dist.Mean) != len(d.Samples) || len(dist.Covar) != len(d.Samples) {
		return dynamo.DimensionErrorf("policy returned %d means and %d covariances for %d samples",
			len(dist.Mean), len(dist.Covar), len(d.Samples))
	}

	info := d.PolInfo
	info.PolMu, info.PolSig = dist.Mean, dist.Covar
	if err := info.Prior.Update(d.Samples, a.collab.Policy, a.params.PolicySampleMode); err != nil {
		return err
	}
	fit, err := policy.FitPolicy(info.Prior, d.Samples.States(), dist.Mean, dist.Covar)
	if err != nil {
		return err
	}
	return info.SetFit(fit)
}

// stepAdjust compares the previous and current iteration of every condition
// and updates the step multipliers. Conditions without a comparable previous
// iteration keep their multiplier.
func (a *MDGPS) stepAdjust() ([]*optim.CostEstimate, error) {
	cur, prev := a.buf.current(), a.buf.previous()
	estimates := make([]*optim.CostEstimate, len(cur))
	err := a.forEach(PhaseStepAdjust, func(m int) error {
		c, p := cur[m], prev[m]
		if p == nil || p.Samples == nil || p.NewTrajDistr == nil || !p.PolInfo.Fitted() {
			a.logger.Debug("no previous iteration to compare", slog.Int("condition", m))
			return nil
		}
		if len(p.Samples) != len(c.Samples) {
			a.logger.Warn("skipping step adjustment",
				slog.Int("condition", m),
				slog.Any("error", dynamo.DimensionErrorf("%d samples, previous iteration had %d", len(c.Samples), len(p.Samples))))
			return nil
		}
		e, err := a.estimate(c, p)
		if err != nil {
			return err
		}
		estimates[m] = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	next := a.step.Adjust(a.StepMultipliers(), estimates)
	for m, d := range cur {
		d.StepMult = next[m]
	}
	return estimates, nil
}

func (a *MDGPS) estimate(c, p *IterationData) (*optim.CostEstimate, error) {
	prevNN, err := p.PolInfo.TrajDistr()
	if err != nil {
		return nil, err
	}
	curNN, err := c.PolInfo.TrajDistr()
	if err != nil {
		return nil, err
	}

	e := &optim.CostEstimate{PrevMC: p.MCCost(), CurMC: c.MCCost()}
	if e.PrevLaplace, err = a.laplace(prevNN, p.TrajInfo); err != nil {
		return nil, fmt.Errorf("previous policy cost: %w", err)
	}
	if e.PrevPredicted, err = a.laplace(p.NewTrajDistr, p.TrajInfo); err != nil {
		return nil, fmt.Errorf("predicted cost: %w", err)
	}
	if e.CurLaplace, err = a.laplace(curNN, c.TrajInfo); err != nil {
		return nil, fmt.Errorf("current policy cost: %w", err)
	}
	return e, nil
}

func (a *MDGPS) laplace(ctrl *control.LinearGaussian, info *dynamo.TrajInfo) (float64, error) {
	v, err := a.collab.TrajOpt.EstimateCost(ctrl, info)
	if err != nil {
		return 0, err
	}
	if len(v) != a.params.T {
		return 0, dynamo.DimensionErrorf("estimated cost covers %d steps, want %d", len(v), a.params.T)
	}
	return floats.Sum(v), nil
}

func (a *MDGPS) updateTrajectory(m int) error {
	d := a.buf.current()[m]
	d.TrajInfo.LastKLStep = a.params.KLStep * d.StepMult

	res, err := a.collab.TrajOpt.Solve(&SolveRequest{
		Condition: m,
		Previous:  d.TrajDistr,
		Info:      d.TrajInfo,
		KLStep:    d.TrajInfo.LastKLStep,
		Eta:       d.Eta,
		Costs: func(eta float64) (*optim.FusedCost, error) {
			return a.fuse(d, eta)
		},
	})
	if err != nil {
		return err
	}
	if res == nil || res.Controller == nil {
		return dynamo.ConfigErrorf("trajectory optimizer returned no controller")
	}
	ctrl, err := factorized(res.Controller)
	if err != nil {
		return fmt.Errorf("trajectory optimizer controller: %w", err)
	}
	if err := checkController(ctrl, a.params); err != nil {
		return err
	}
	if !(res.Eta > 0) || math.IsInf(res.Eta, 1) {
		return fmt.Errorf("trajectory optimizer returned eta=%v: %w", res.Eta, dynamo.ErrNumericalDegeneracy)
	}
	d.NewTrajDistr, d.Eta = ctrl, res.Eta
	return nil
}

// updatePolicy trains the global policy on the mean actions of the new
// controllers along the current samples.
func (a *MDGPS) updatePolicy(initial bool) error {
	cur := a.buf.current()
	M := len(cur)
	batch := &policy.UpdateBatch{
		States:     make([][]*mat.Dense, M),
		Means:      make([][]*mat.Dense, M),
		Precisions: make([][]*mat.SymDense, M),
		Gains:      make([][]*mat.Dense, M),
		Biases:     make([][]*mat.VecDense, M),
		Initial:    initial,
	}
	for m, d := range cur {
		traj := d.NewTrajDistr
		T := traj.T()
		batch.States[m] = d.Samples.States()
		batch.Means[m] = make([]*mat.Dense, len(d.Samples))
		for n, s := range d.Samples {
			mu := mat.NewDense(T, traj.DU(), nil)
			for t := 0; t < T; t++ {
				mu.SetRow(t, traj.Mean(s.State(t), t))
			}
			batch.Means[m][n] = mu
		}
		prc := make([]*mat.SymDense, T)
		for t := range prc {
			prc[t] = traj.Precision(t)
		}
		batch.Precisions[m] = prc
		batch.Gains[m] = traj.K
		batch.Biases[m] = traj.Bias
	}
	return a.collab.Policy.Update(batch)
}

func (a *MDGPS) record(estimates []*optim.CostEstimate) {
	if len(a.observers) == 0 {
		return
	}
	for m, d := range a.buf.current() {
		rec := metrics.Record{
			Iteration:     a.iteration,
			Condition:     m,
			StepMult:      d.StepMult,
			Eta:           d.Eta,
			KLStep:        d.TrajInfo.LastKLStep,
			MCCost:        d.MCCost(),
			LaplaceCost:   nan,
			PredictedCost: nan,
		}
		if m < len(estimates) && estimates[m] != nil {
			rec.LaplaceCost = estimates[m].CurLaplace
			rec.PredictedCost = estimates[m].PrevPredicted
		}
		for _, o := range a.observers {
			o.Observe(rec)
		}
	}
}

// checkpoint is what an iteration may change in a condition before it
// completes.
type checkpoint struct {
	data  IterationData
	traj  dynamo.TrajInfo
	pol   *policy.Info
	prior *policy.PriorState
}

func saveConditions(cur []*IterationData) []checkpoint {
	out := make([]checkpoint, len(cur))
	for m, d := range cur {
		out[m] = checkpoint{data: *d, traj: *d.TrajInfo, pol: d.PolInfo.Clone()}
		if sp, ok := d.PolInfo.Prior.(policy.StatefulPrior); ok {
			out[m].prior = sp.State()
		}
	}
	return out
}

func (a *MDGPS) restoreConditions(cur []*IterationData, saved []checkpoint) {
	for m, d := range cur {
		cp := saved[m]
		*d = cp.data
		*d.TrajInfo = cp.traj
		d.PolInfo = cp.pol
		if sp, ok := cp.pol.Prior.(policy.StatefulPrior); ok && cp.prior != nil {
			if err := sp.SetState(cp.prior); err != nil {
				a.logger.Error("prior rollback failed", slog.Int("condition", m), slog.Any("error", err))
			}
		}
	}
}
