package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/san-kum/mdgps/internal/config"
	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/cost"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/policy"
)

// Registry maps the configuration tokens for costs, priors and initial
// controllers to constructors.
type Registry struct {
	costs  map[string]func(config.CostTerm) (cost.Cost, error)
	priors map[string]func(config.PriorConfig) policy.Prior
	inits  map[string]func(*config.Config) (*control.LinearGaussian, error)
}

func NewRegistry() *Registry {
	r := &Registry{
		costs:  make(map[string]func(config.CostTerm) (cost.Cost, error)),
		priors: make(map[string]func(config.PriorConfig) policy.Prior),
		inits:  make(map[string]func(*config.Config) (*control.LinearGaussian, error)),
	}

	r.costs["action"] = func(t config.CostTerm) (cost.Cost, error) {
		opts, err := termOptions(t)
		if err != nil {
			return nil, err
		}
		return cost.NewAction(t.Wu, opts...), nil
	}
	r.costs["state"] = func(t config.CostTerm) (cost.Cost, error) {
		p, err := cost.ParsePenalty(t.Penalty)
		if err != nil {
			return nil, err
		}
		opts, err := termOptions(t)
		if err != nil {
			return nil, err
		}
		return cost.NewState(t.Indices, t.Wp, p, t.PenaltyParams(), opts...), nil
	}

	r.priors["identity"] = func(c config.PriorConfig) policy.Prior {
		return &policy.IdentityPrior{Strength: c.Strength}
	}
	r.priors["empirical"] = func(c config.PriorConfig) policy.Prior {
		return policy.NewEmpiricalPrior(c.Strength, c.MaxSamples)
	}

	r.inits["constant"] = func(cfg *config.Config) (*control.LinearGaussian, error) {
		variance := make([]float64, cfg.DU)
		for i := range variance {
			variance[i] = cfg.InitTraj.Variance
		}
		return control.InitConstant(cfg.T, cfg.DX, cfg.InitTraj.Action, variance)
	}
	r.inits["gains"] = func(cfg *config.Config) (*control.LinearGaussian, error) {
		data, err := os.ReadFile(cfg.InitTraj.File)
		if err != nil {
			return nil, fmt.Errorf("read stored controller: %w", err)
		}
		var p control.GainParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, dynamo.ConfigErrorf("parse stored controller %s: %v", cfg.InitTraj.File, err)
		}
		ctrl, err := p.Controller()
		if err != nil {
			return nil, fmt.Errorf("stored controller %s: %w", cfg.InitTraj.File, err)
		}
		if ctrl.T() != cfg.T || ctrl.DX() != cfg.DX || ctrl.DU() != cfg.DU {
			return nil, dynamo.DimensionErrorf("stored controller is (%d,%d,%d), want (%d,%d,%d)",
				ctrl.T(), ctrl.DX(), ctrl.DU(), cfg.T, cfg.DX, cfg.DU)
		}
		return ctrl, nil
	}

	return r
}

func termOptions(t config.CostTerm) ([]cost.Option, error) {
	var opts []cost.Option
	if t.Target != nil {
		opts = append(opts, cost.WithTarget(t.Target))
	}
	if t.Ramp != "" {
		r, err := cost.ParseRamp(t.Ramp)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cost.WithRamp(r, t.FinalMult()))
	}
	return opts, nil
}

func (r *Registry) GetCost(t config.CostTerm) (cost.Cost, error) {
	fn, ok := r.costs[t.Type]
	if !ok {
		return nil, dynamo.ConfigErrorf("unknown cost type: %s", t.Type)
	}
	return fn(t)
}

// BuildCost combines the cost terms into one weighted sum. A single term
// with unit weight is returned unwrapped.
func (r *Registry) BuildCost(terms []config.CostTerm) (cost.Cost, error) {
	if len(terms) == 0 {
		return nil, dynamo.ConfigErrorf("no cost terms")
	}
	costs := make([]cost.Cost, len(terms))
	weights := make([]float64, len(terms))
	for i, t := range terms {
		c, err := r.GetCost(t)
		if err != nil {
			return nil, fmt.Errorf("cost term %d: %w", i, err)
		}
		costs[i], weights[i] = c, t.Weight
	}
	if len(costs) == 1 && weights[0] == 1 {
		return costs[0], nil
	}
	return cost.NewSum(costs, weights)
}

// BuildPrior returns a fresh prior. Priors carry per-condition state, so
// every condition needs its own.
func (r *Registry) BuildPrior(c config.PriorConfig) (policy.Prior, error) {
	fn, ok := r.priors[c.Type]
	if !ok {
		return nil, dynamo.ConfigErrorf("unknown policy prior: %s", c.Type)
	}
	return fn(c), nil
}

func (r *Registry) BuildInitController(cfg *config.Config) (*control.LinearGaussian, error) {
	fn, ok := r.inits[cfg.InitTraj.Type]
	if !ok {
		return nil, dynamo.ConfigErrorf("unknown initial controller: %s", cfg.InitTraj.Type)
	}
	return fn(cfg)
}

func (r *Registry) ListCosts() []string    { return sortedKeys(r.costs) }
func (r *Registry) ListPriors() []string   { return sortedKeys(r.priors) }
func (r *Registry) ListInitTraj() []string { return sortedKeys(r.inits) }

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
