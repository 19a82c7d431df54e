package algorithm_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/san-kum/mdgps/internal/algorithm"
	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/cost"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/metrics"
	"github.com/san-kum/mdgps/internal/optim"
	"github.com/san-kum/mdgps/internal/policy"
)

const (
	testT  = 5
	testDX = 2
	testDU = 1
)

type fakeDynamics struct {
	calls int
}

func (d *fakeDynamics) Update(samples dynamo.SampleList) (*dynamo.Linearization, error) {
	d.calls++
	l := &dynamo.Linearization{}
	for t := 0; t < samples[0].T(); t++ {
		fm := mat.NewDense(testDX, testDX+testDU, nil)
		cov := mat.NewSymDense(testDX, nil)
		for i := 0; i < testDX; i++ {
			fm.Set(i, i, 1)
			cov.SetSym(i, i, 1e-3)
		}
		fm.Set(testDX-1, testDX, 0.1)
		l.Fm = append(l.Fm, fm)
		l.Fv = append(l.Fv, mat.NewVecDense(testDX, nil))
		l.DynCovar = append(l.DynCovar, cov)
	}
	return l, nil
}

// fakeTrajOpt halves the bias of the previous controller. Controllers it
// produced are estimated at the configured predicted cost, every other
// controller at zero.
type fakeTrajOpt struct {
	mu        sync.Mutex
	predicted float64
	failOn    int
	// literal returns controllers assembled without NewLinearGaussian;
	// indefinite gives them a negative covariance.
	literal    bool
	indefinite bool
	solved    map[*control.LinearGaussian]bool
	klSteps   map[int][]float64
}

func newFakeTrajOpt(predicted float64) *fakeTrajOpt {
	return &fakeTrajOpt{
		predicted: predicted,
		failOn:    -1,
		solved:    map[*control.LinearGaussian]bool{},
		klSteps:   map[int][]float64{},
	}
}

func (f *fakeTrajOpt) EstimateCost(ctrl *control.LinearGaussian, info *dynamo.TrajInfo) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := make([]float64, ctrl.T())
	if f.solved[ctrl] {
		for t := range v {
			v[t] = f.predicted / float64(len(v))
		}
	}
	return v, nil
}

func (f *fakeTrajOpt) Solve(req *algorithm.SolveRequest) (*algorithm.SolveResult, error) {
	if req.Condition == f.failOn {
		return nil, errors.New("solver diverged")
	}
	fused, err := req.Costs(req.Eta)
	if err != nil {
		return nil, err
	}
	if len(fused.Cm) != req.Previous.T() {
		return nil, fmt.Errorf("fused cost covers %d steps", len(fused.Cm))
	}

	prev := req.Previous
	T := prev.T()
	K := make([]*mat.Dense, T)
	k := make([]*mat.VecDense, T)
	pSig := make([]*mat.SymDense, T)
	for t := 0; t < T; t++ {
		K[t] = mat.DenseCopyOf(prev.K[t])
		k[t] = mat.NewVecDense(prev.DU(), nil)
		k[t].ScaleVec(0.5, prev.Bias[t])
		pSig[t] = mat.NewSymDense(prev.DU(), nil)
		pSig[t].CopySym(prev.PSig[t])
	}
	if f.literal {
		if f.indefinite {
			for t := range pSig {
				pSig[t] = mat.NewSymDense(prev.DU(), []float64{-1})
			}
		}
		return &algorithm.SolveResult{Controller: &control.LinearGaussian{K: K, Bias: k, PSig: pSig}, Eta: req.Eta}, nil
	}
	ctrl, err := control.NewLinearGaussian(K, k, pSig)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.solved[ctrl] = true
	f.klSteps[req.Condition] = append(f.klSteps[req.Condition], req.KLStep)
	f.mu.Unlock()
	return &algorithm.SolveResult{Controller: ctrl, Eta: req.Eta}, nil
}

type recordingPolicy struct {
	*policy.Linear

	mu      sync.Mutex
	initial []bool
	broken  bool
}

func (p *recordingPolicy) Update(batch *policy.UpdateBatch) error {
	p.mu.Lock()
	p.initial = append(p.initial, batch.Initial)
	p.mu.Unlock()
	return p.Linear.Update(batch)
}

func (p *recordingPolicy) Prob(obs []*mat.Dense) (*policy.Distribution, error) {
	d, err := p.Linear.Prob(obs)
	if err != nil || !p.broken {
		return d, err
	}
	for n := range d.Covar {
		for t := range d.Covar[n] {
			d.Covar[n][t] = mat.NewSymDense(testDU, []float64{math.NaN()})
		}
	}
	return d, nil
}

type fixture struct {
	alg  *algorithm.MDGPS
	traj *fakeTrajOpt
	pol  *recordingPolicy
	dyn    []*fakeDynamics
	priors []policy.Prior
	hist   *metrics.History
}

func newFixture(mutate func(*algorithm.Params)) *fixture {
	return newFixtureWithPriors(mutate, nil)
}

func empiricalPriors(int) policy.Prior { return policy.NewEmpiricalPrior(1, 0) }

// newFixtureWithPriors builds the fixture with priorFor(m) as the prior of
// condition m, or identity priors when priorFor is nil.
func newFixtureWithPriors(mutate func(*algorithm.Params), priorFor func(m int) policy.Prior) *fixture {
	p := algorithm.DefaultParams()
	p.Conditions, p.T, p.DX, p.DU = 2, testT, testDX, testDU
	p.Step.Rule = optim.StepMC
	if mutate != nil {
		mutate(&p)
	}

	f := &fixture{
		traj: newFakeTrajOpt(8),
		pol:  &recordingPolicy{Linear: policy.NewLinear(testDX, testDU, 1, 1e-6, 0)},
		hist: metrics.NewHistory(),
	}
	var c algorithm.Collaborators
	for m := 0; m < p.Conditions; m++ {
		ctrl, err := control.InitConstant(testT, testDX, []float64{0.5}, []float64{1})
		Expect(err).NotTo(HaveOccurred())
		d := &fakeDynamics{}
		f.dyn = append(f.dyn, d)
		c.Costs = append(c.Costs, cost.NewAction([]float64{1}))
		c.Dynamics = append(c.Dynamics, d)
		var prior policy.Prior = &policy.IdentityPrior{Strength: 1}
		if priorFor != nil {
			prior = priorFor(m)
		}
		f.priors = append(f.priors, prior)
		c.Priors = append(c.Priors, prior)
		c.InitTraj = append(c.InitTraj, ctrl)
	}
	c.Policy, c.TrajOpt = f.pol, f.traj

	logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))
	alg, err := algorithm.New(p, c, algorithm.WithLogger(logger), algorithm.WithObserver(f.hist))
	Expect(err).NotTo(HaveOccurred())
	f.alg = alg
	return f
}

// actionFor returns the constant action whose realized cost under the unit
// action penalty is mc.
func actionFor(mc float64) float64 {
	return math.Sqrt(2 * mc / testT)
}

func sampleLists(seed int64, counts []int, mcs []float64) []dynamo.SampleList {
	rng := rand.New(rand.NewSource(seed))
	out := make([]dynamo.SampleList, len(counts))
	for m, n := range counts {
		u := actionFor(mcs[m])
		list := make(dynamo.SampleList, n)
		for i := range list {
			x := mat.NewDense(testT, testDX, nil)
			acts := mat.NewDense(testT, testDU, nil)
			for t := 0; t < testT; t++ {
				for j := 0; j < testDX; j++ {
					x.Set(t, j, rng.NormFloat64())
				}
				acts.Set(t, 0, u)
			}
			s, err := dynamo.NewSample(x, acts, nil)
			Expect(err).NotTo(HaveOccurred())
			list[i] = s
		}
		out[m] = list
	}
	return out
}

var _ = Describe("MDGPS", func() {
	Describe("construction", func() {
		It("rejects missing collaborators", func() {
			p := algorithm.DefaultParams()
			p.T, p.DX, p.DU = testT, testDX, testDU
			_, err := algorithm.New(p, algorithm.Collaborators{})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})

		It("rejects invalid parameters", func() {
			p := algorithm.DefaultParams()
			p.T, p.DX, p.DU = testT, testDX, testDU
			p.KLStep = 0
			_, err := algorithm.New(p, algorithm.Collaborators{})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))

			p.KLStep = 0.2
			p.InitStepMult = 100
			_, err = algorithm.New(p, algorithm.Collaborators{})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})

		It("rejects an initial controller with the wrong horizon", func() {
			f := newFixture(nil)
			short, err := control.InitConstant(testT-1, testDX, []float64{0}, []float64{1})
			Expect(err).NotTo(HaveOccurred())

			p := f.alg.Params()
			p.Conditions = 1
			_, err = algorithm.New(p, algorithm.Collaborators{
				Costs:    []cost.Cost{cost.NewAction([]float64{1})},
				Dynamics: []algorithm.DynamicsModel{&fakeDynamics{}},
				Priors:   []policy.Prior{&policy.IdentityPrior{Strength: 1}},
				InitTraj: []*control.LinearGaussian{short},
				Policy:   f.pol,
				TrajOpt:  f.traj,
			})
			Expect(err).To(MatchError(dynamo.ErrDimensionMismatch))
		})

		It("rebuilds an initial controller assembled without its factors", func() {
			f := newFixture(nil)
			ctrl, err := control.InitConstant(testT, testDX, []float64{0.5}, []float64{1})
			Expect(err).NotTo(HaveOccurred())
			literal := &control.LinearGaussian{K: ctrl.K, Bias: ctrl.Bias, PSig: ctrl.PSig}

			p := f.alg.Params()
			p.Conditions = 1
			alg, err := algorithm.New(p, algorithm.Collaborators{
				Costs:    []cost.Cost{cost.NewAction([]float64{1})},
				Dynamics: []algorithm.DynamicsModel{&fakeDynamics{}},
				Priors:   []policy.Prior{&policy.IdentityPrior{Strength: 1}},
				InitTraj: []*control.LinearGaussian{literal},
				Policy:   f.pol,
				TrajOpt:  f.traj,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(alg.Controllers()[0].Factorized()).To(BeTrue())
			Expect(literal.Factorized()).To(BeFalse())
		})

		It("names its phases", func() {
			Expect(algorithm.PhasePolicyFit.String()).To(Equal("policy fit"))
			Expect(algorithm.Phase(42).String()).To(Equal("unknown"))
		})
	})

	Describe("the first iteration", func() {
		var (
			f       *fixture
			samples []dynamo.SampleList
		)

		BeforeEach(func() {
			f = newFixture(nil)
			samples = sampleLists(1, []int{4, 4}, []float64{10, 10})
			Expect(f.alg.RunIteration(samples)).To(Succeed())
		})

		It("bootstraps the policy before training it", func() {
			Expect(f.pol.initial).To(Equal([]bool{true, false}))
			Expect(f.dyn[0].calls).To(Equal(1))
			Expect(f.dyn[1].calls).To(Equal(1))
		})

		It("keeps the initial step multipliers", func() {
			Expect(f.alg.StepMultipliers()).To(Equal([]float64{1, 1}))
		})

		It("swaps the buffers", func() {
			Expect(f.alg.Iteration()).To(Equal(1))
			prev, cur := f.alg.Previous(0), f.alg.Current(0)
			Expect(prev.Samples).To(HaveLen(4))
			Expect(cur.Samples).To(BeNil())
			Expect(cur.TrajDistr).To(BeIdenticalTo(prev.NewTrajDistr))
			Expect(f.alg.Controllers()[0]).To(BeIdenticalTo(cur.TrajDistr))
			Expect(cur.TrajDistr.Bias[0].AtVec(0)).To(BeNumerically("~", 0.25, 1e-12))

			Expect(cur.PolInfo).NotTo(BeIdenticalTo(prev.PolInfo))
			Expect(cur.PolInfo.Fit).NotTo(BeIdenticalTo(prev.PolInfo.Fit))
			Expect(cur.PolInfo.Prior).To(BeIdenticalTo(prev.PolInfo.Prior))
		})

		It("re-centres the task cost about the origin", func() {
			prev := f.alg.Previous(0)
			Expect(prev.MCCost()).To(BeNumerically("~", 10, 1e-9))
			info := prev.TrajInfo
			Expect(info.Cm).To(HaveLen(testT))
			for t := 0; t < testT; t++ {
				Expect(info.Cc[t]).To(BeNumerically("~", 0, 1e-9))
				for i := 0; i < testDX+testDU; i++ {
					Expect(info.Cv[t].AtVec(i)).To(BeNumerically("~", 0, 1e-9))
					for j := 0; j < testDX+testDU; j++ {
						want := 0.0
						if i == testDX && j == testDX {
							want = 1
						}
						Expect(info.Cm[t].At(i, j)).To(BeNumerically("~", want, 1e-12))
					}
				}
			}
		})

		It("fits the initial state distribution", func() {
			info := f.alg.Previous(1).TrajInfo
			for i := 0; i < testDX; i++ {
				col := make([]float64, len(samples[1]))
				for n, s := range samples[1] {
					col[n] = s.X().At(0, i)
				}
				mean, variance := stat.PopMeanVariance(col, nil)
				Expect(info.X0Mu[i]).To(BeNumerically("~", mean, 1e-12))
				Expect(info.X0Sigma.At(i, i)).To(BeNumerically("~", math.Max(variance, 1e-6), 1e-12))
			}
			Expect(info.X0Sigma.At(0, 1)).To(BeZero())
		})

		It("hands the scaled KL step to the solver", func() {
			Expect(f.traj.klSteps[0]).To(Equal([]float64{0.2}))
			Expect(f.alg.Previous(0).TrajInfo.LastKLStep).To(Equal(0.2))
			Expect(f.alg.Current(0).TrajInfo.LastKLStep).To(Equal(0.2))
		})

		It("records one history entry per condition", func() {
			recs := f.hist.Records()
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].Iteration).To(Equal(0))
			Expect(recs[0].MCCost).To(BeNumerically("~", 10, 1e-9))
			Expect(math.IsNaN(recs[0].LaplaceCost)).To(BeTrue())
		})
	})

	Describe("step adjustment", func() {
		run := func(f *fixture, counts []int, prev, cur []float64) {
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, prev))).To(Succeed())
			Expect(f.alg.RunIteration(sampleLists(2, counts, cur))).To(Succeed())
		}

		It("shrinks the step when the realized improvement falls short", func() {
			f := newFixture(nil)
			run(f, []int{4, 4}, []float64{10, 10}, []float64{9, 9})

			mults := f.alg.StepMultipliers()
			Expect(mults[0]).To(BeNumerically("~", 0.5, 1e-9))
			Expect(mults[1]).To(Equal(mults[0]))
			Expect(f.traj.klSteps[0][1]).To(BeNumerically("~", 0.2*mults[0], 1e-12))
		})

		It("grows the step when the realized improvement beats the prediction", func() {
			f := newFixture(nil)
			run(f, []int{4, 4}, []float64{10, 10}, []float64{7, 7})
			Expect(f.alg.StepMultipliers()[0]).To(BeNumerically("~", 5, 1e-9))
		})

		It("leaves a condition whose sample count changed untouched", func() {
			f := newFixture(nil)
			run(f, []int{4, 3}, []float64{10, 10}, []float64{9, 9})

			mults := f.alg.StepMultipliers()
			Expect(mults[0]).To(BeNumerically("~", 0.5, 1e-9))
			Expect(mults[1]).To(Equal(1.0))
		})

		It("adapts conditions separately under per-condition scope", func() {
			f := newFixture(func(p *algorithm.Params) { p.Step.Scope = optim.ScopePerCondition })
			run(f, []int{4, 4}, []float64{10, 10}, []float64{9, 7})

			mults := f.alg.StepMultipliers()
			Expect(mults[0]).To(BeNumerically("~", 0.5, 1e-9))
			Expect(mults[1]).To(BeNumerically("~", 5, 1e-9))
		})

		It("records the estimates", func() {
			f := newFixture(nil)
			run(f, []int{4, 4}, []float64{10, 10}, []float64{9, 9})

			series, err := f.hist.Series(0, "predicted_cost")
			Expect(err).NotTo(HaveOccurred())
			Expect(series).To(HaveLen(2))
			Expect(math.IsNaN(series[0])).To(BeTrue())
			Expect(series[1]).To(BeNumerically("~", 8, 1e-9))
		})
	})

	Describe("failures", func() {
		It("rolls back the multipliers when the solver fails", func() {
			f := newFixture(nil)
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))).To(Succeed())

			f.traj.failOn = 1
			next := sampleLists(2, []int{4, 4}, []float64{9, 9})
			err := f.alg.RunIteration(next)
			Expect(err).To(HaveOccurred())

			var ce *dynamo.ConditionError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Condition).To(Equal(1))
			Expect(ce.Op).To(Equal("trajectory optimization"))
			Expect(f.alg.Iteration()).To(Equal(1))
			Expect(f.alg.StepMultipliers()).To(Equal([]float64{1, 1}))

			f.traj.failOn = -1
			Expect(f.alg.RunIteration(next)).To(Succeed())
			Expect(f.alg.StepMultipliers()[1]).To(BeNumerically("~", 0.5, 1e-9))
		})

		It("puts back the prior, fit and dynamics of a failed iteration", func() {
			f := newFixtureWithPriors(nil, empiricalPriors)
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))).To(Succeed())
			prior := f.priors[0].(*policy.EmpiricalPrior)
			Expect(prior.Len()).To(Equal(4))

			var before bytes.Buffer
			Expect(f.alg.Snapshot().Encode(&before)).To(Succeed())
			dyn := f.alg.Current(0).TrajInfo.Dynamics
			fit := f.alg.Current(0).PolInfo.Clone().Fit

			f.traj.failOn = 1
			next := sampleLists(2, []int{4, 4}, []float64{9, 9})
			Expect(f.alg.RunIteration(next)).To(HaveOccurred())

			Expect(prior.Len()).To(Equal(4))
			cur := f.alg.Current(0)
			Expect(cur.Samples).To(BeNil())
			Expect(cur.Cs).To(BeNil())
			Expect(cur.TrajInfo.Dynamics).To(BeIdenticalTo(dyn))
			for t := range fit.K {
				Expect(mat.Equal(cur.PolInfo.Fit.K[t], fit.K[t])).To(BeTrue())
				Expect(mat.Equal(cur.PolInfo.Fit.S[t], fit.S[t])).To(BeTrue())
			}
			var after bytes.Buffer
			Expect(f.alg.Snapshot().Encode(&after)).To(Succeed())
			Expect(after.String()).To(Equal(before.String()))

			f.traj.failOn = -1
			Expect(f.alg.RunIteration(next)).To(Succeed())
			Expect(prior.Len()).To(Equal(8))
		})

		It("rebuilds a solver controller assembled without its factors", func() {
			f := newFixture(nil)
			f.traj.literal = true
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))).To(Succeed())
			for _, ctrl := range f.alg.Controllers() {
				Expect(ctrl.Factorized()).To(BeTrue())
			}
		})

		It("reports an indefinite solver covariance as an error", func() {
			f := newFixture(nil)
			f.traj.literal, f.traj.indefinite = true, true
			var err error
			Expect(func() {
				err = f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))
			}).NotTo(Panic())
			Expect(err).To(MatchError(dynamo.ErrNumericalDegeneracy))

			var ce *dynamo.ConditionError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Op).To(Equal("trajectory optimization"))
			Expect(f.alg.Iteration()).To(BeZero())
		})

		It("surfaces a degenerate policy covariance", func() {
			f := newFixture(nil)
			f.pol.broken = true
			err := f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))
			Expect(err).To(MatchError(dynamo.ErrNumericalDegeneracy))

			var ce *dynamo.ConditionError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Op).To(Equal("policy fit"))
			Expect(f.alg.Iteration()).To(BeZero())
		})

		It("needs one sample list per condition", func() {
			f := newFixture(nil)
			err := f.alg.RunIteration(sampleLists(1, []int{4}, []float64{10}))
			Expect(err).To(MatchError(dynamo.ErrDimensionMismatch))
		})

		It("rejects samples of the wrong dimensions", func() {
			f := newFixture(nil)
			x := mat.NewDense(testT, testDX+1, nil)
			u := mat.NewDense(testT, testDU, nil)
			s, err := dynamo.NewSample(x, u, nil)
			Expect(err).NotTo(HaveOccurred())

			lists := sampleLists(1, []int{4, 4}, []float64{10, 10})
			lists[1] = dynamo.SampleList{s, s}
			Expect(f.alg.RunIteration(lists)).To(MatchError(dynamo.ErrDimensionMismatch))
		})
	})

	Describe("snapshots", func() {
		It("restores a run from JSON", func() {
			f := newFixture(nil)
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))).To(Succeed())
			Expect(f.alg.RunIteration(sampleLists(2, []int{4, 4}, []float64{9, 9}))).To(Succeed())

			var buf bytes.Buffer
			Expect(f.alg.Snapshot().Encode(&buf)).To(Succeed())
			snap, err := algorithm.DecodeSnapshot(&buf)
			Expect(err).NotTo(HaveOccurred())

			g := newFixture(nil)
			Expect(g.alg.Restore(snap)).To(Succeed())
			Expect(g.alg.Iteration()).To(Equal(2))
			Expect(g.alg.StepMultipliers()).To(Equal(f.alg.StepMultipliers()))
			for m, ctrl := range g.alg.Controllers() {
				Expect(ctrl.Params()).To(Equal(f.alg.Controllers()[m].Params()))
			}
			cur := g.alg.Current(0)
			Expect(cur.PolInfo.Fitted()).To(BeTrue())
			Expect(cur.TrajInfo.Dynamics.T()).To(Equal(testT))
			Expect(cur.TrajInfo.LastKLStep).To(Equal(f.alg.Current(0).TrajInfo.LastKLStep))

			mults := g.alg.StepMultipliers()
			Expect(g.alg.RunIteration(sampleLists(3, []int{4, 4}, []float64{8, 8}))).To(Succeed())
			Expect(g.alg.StepMultipliers()).To(Equal(mults))
		})

		It("carries the empirical prior through a snapshot", func() {
			f := newFixtureWithPriors(nil, empiricalPriors)
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))).To(Succeed())

			var buf bytes.Buffer
			Expect(f.alg.Snapshot().Encode(&buf)).To(Succeed())
			snap, err := algorithm.DecodeSnapshot(&buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Conditions[0].Prior.Points).To(HaveLen(4))

			g := newFixtureWithPriors(nil, empiricalPriors)
			Expect(g.alg.Restore(snap)).To(Succeed())
			for m := range f.priors {
				want, err := f.priors[m].Eval(testDX, testDU)
				Expect(err).NotTo(HaveOccurred())
				got, err := g.priors[m].Eval(testDX, testDU)
				Expect(err).NotTo(HaveOccurred())
				Expect(g.priors[m].(*policy.EmpiricalPrior).Len()).To(Equal(4))
				Expect(mat.EqualApprox(got.Phi, want.Phi, 1e-9)).To(BeTrue())
				Expect(mat.EqualApprox(got.Mu0, want.Mu0, 1e-9)).To(BeTrue())
			}
		})

		It("rejects prior points for a prior that keeps none", func() {
			f := newFixtureWithPriors(nil, empiricalPriors)
			Expect(f.alg.RunIteration(sampleLists(1, []int{4, 4}, []float64{10, 10}))).To(Succeed())
			snap := f.alg.Snapshot()

			g := newFixture(nil)
			Expect(g.alg.Restore(snap)).To(MatchError(dynamo.ErrConfiguration))
			Expect(g.alg.Iteration()).To(BeZero())
		})

		It("rejects a snapshot for a different number of conditions", func() {
			f := newFixture(nil)
			snap := f.alg.Snapshot()
			snap.Conditions = snap.Conditions[:1]
			Expect(f.alg.Restore(snap)).To(MatchError(dynamo.ErrDimensionMismatch))
			Expect(f.alg.Iteration()).To(BeZero())
		})
	})

	Describe("parallel conditions", func() {
		It("matches the sequential result", func() {
			seq := newFixture(nil)
			par := newFixture(func(p *algorithm.Params) { p.Workers = 2 })
			for i, mcs := range [][]float64{{10, 12}, {9, 7}, {8, 8}} {
				lists := sampleLists(int64(i), []int{4, 4}, mcs)
				Expect(seq.alg.RunIteration(lists)).To(Succeed())
				Expect(par.alg.RunIteration(lists)).To(Succeed())
			}
			Expect(par.alg.StepMultipliers()).To(Equal(seq.alg.StepMultipliers()))
			for m := range seq.alg.Controllers() {
				Expect(par.alg.Controllers()[m].Params()).To(Equal(seq.alg.Controllers()[m].Params()))
			}
		})
	})
})
