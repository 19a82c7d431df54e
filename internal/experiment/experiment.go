package experiment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/mdgps/internal/algorithm"
	"github.com/san-kum/mdgps/internal/config"
	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/cost"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/metrics"
	"github.com/san-kum/mdgps/internal/policy"
	"github.com/san-kum/mdgps/internal/storage"
)

// SampleSource collects one sample list per condition by running the given
// controllers.
type SampleSource interface {
	Collect(ctx context.Context, iteration int, ctrls []*control.LinearGaussian) ([]dynamo.SampleList, error)
}

// Components are the pieces a config cannot describe. Dynamics holds one
// model per condition. A nil Policy means the built-in linear policy.
type Components struct {
	Dynamics []algorithm.DynamicsModel
	TrajOpt  algorithm.TrajOptimizer
	Policy   algorithm.PolicyOptimizer
}

type Experiment struct {
	cfg     *config.Config
	alg     *algorithm.MDGPS
	history *metrics.History
	logger  *slog.Logger
}

type Option func(*options)

type options struct {
	logger    *slog.Logger
	observers []algorithm.Observer
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithObserver(obs algorithm.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// Params converts the run configuration into driver parameters.
func Params(cfg *config.Config) (algorithm.Params, error) {
	step, err := cfg.StepConfig()
	if err != nil {
		return algorithm.Params{}, err
	}
	mode, err := policy.ParseSampleMode(cfg.Algorithm.PolicySampleMode)
	if err != nil {
		return algorithm.Params{}, err
	}
	a := cfg.Algorithm
	return algorithm.Params{
		Conditions:       cfg.Conditions,
		T:                cfg.T,
		DX:               cfg.DX,
		DU:               cfg.DU,
		KLStep:           a.KLStep,
		Step:             step,
		InitStepMult:     a.InitStepMult,
		InitEta:          a.InitEta,
		KRegularization:  a.KRegularization,
		PolicySampleMode: mode,
		InitialStateVar:  a.InitialStateVar,
		Workers:          cfg.Workers(),
	}, nil
}

func New(cfg *config.Config, reg *Registry, comp Components, opts ...Option) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p, err := Params(cfg)
	if err != nil {
		return nil, err
	}

	c := algorithm.Collaborators{
		Dynamics: comp.Dynamics,
		Policy:   comp.Policy,
		TrajOpt:  comp.TrajOpt,
	}
	if c.Policy == nil {
		c.Policy = policy.NewLinear(cfg.DX, cfg.DU, cfg.Policy.InitVar, cfg.Policy.Ridge, cfg.Policy.EntReg)
	}
	for m := 0; m < cfg.Conditions; m++ {
		var cst cost.Cost
		if cst, err = reg.BuildCost(cfg.Cost); err != nil {
			return nil, err
		}
		prior, err := reg.BuildPrior(cfg.PolicyPrior)
		if err != nil {
			return nil, err
		}
		ctrl, err := reg.BuildInitController(cfg)
		if err != nil {
			return nil, err
		}
		c.Costs = append(c.Costs, cst)
		c.Priors = append(c.Priors, prior)
		c.InitTraj = append(c.InitTraj, ctrl)
	}

	e := &Experiment{
		cfg:     cfg,
		history: metrics.NewHistory(),
		logger:  o.logger.With(slog.String("experiment", cfg.Name)),
	}
	algOpts := []algorithm.Option{
		algorithm.WithLogger(e.logger.With(slog.String("component", "mdgps"))),
		algorithm.WithObserver(e.history),
	}
	for _, obs := range o.observers {
		algOpts = append(algOpts, algorithm.WithObserver(obs))
	}
	if e.alg, err = algorithm.New(p, c, algOpts...); err != nil {
		return nil, err
	}
	return e, nil
}

// Run collects samples and runs iterations until the configured count is
// reached or ctx is done. It returns the number of iterations completed by
// this call.
func (e *Experiment) Run(ctx context.Context, src SampleSource) (int, error) {
	done := 0
	for e.alg.Iteration() < e.cfg.Algorithm.Iterations {
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		default:
		}

		it := e.alg.Iteration()
		lists, err := src.Collect(ctx, it, e.alg.Controllers())
		if err != nil {
			return done, fmt.Errorf("collect samples for iteration %d: %w", it, err)
		}
		if err := e.alg.RunIteration(lists); err != nil {
			return done, err
		}
		done++
	}
	e.logger.Info("run finished", slog.Int("iterations", e.alg.Iteration()))
	return done, nil
}

func (e *Experiment) Algorithm() *algorithm.MDGPS { return e.alg }

func (e *Experiment) History() *metrics.History { return e.history }

// Save stores the config summary, the driver snapshot and the history as a
// new run and returns its id.
func (e *Experiment) Save(store *storage.Store) (string, error) {
	if err := store.Init(); err != nil {
		return "", err
	}
	meta := storage.RunMetadata{
		Name:       e.cfg.Name,
		Seed:       e.cfg.Seed,
		Conditions: e.cfg.Conditions,
		T:          e.cfg.T,
		DX:         e.cfg.DX,
		DU:         e.cfg.DU,
		Iterations: e.alg.Iteration(),
		StepRule:   e.cfg.Algorithm.StepRule,
		StepScope:  e.cfg.Algorithm.StepScope,
		StepMult:   e.alg.StepMultipliers(),
	}
	return store.Save(meta, e.alg.Snapshot(), e.history.Records())
}

// Resume restores the driver from a stored run.
func (e *Experiment) Resume(store *storage.Store, runID string) error {
	snap, err := store.LoadSnapshot(runID)
	if err != nil {
		return err
	}
	return e.alg.Restore(snap)
}
