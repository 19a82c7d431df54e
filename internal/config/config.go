package config

import (
	"fmt"
	"os"

	"github.com/san-kum/mdgps/internal/cost"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/optim"
	"github.com/san-kum/mdgps/internal/policy"
	"gopkg.in/yaml.v3"
)

const (
	DefaultKLStep          = 0.2
	DefaultMinStepMult     = 0.01
	DefaultMaxStepMult     = 10.0
	DefaultStepTolerance   = 0.1
	DefaultKRegularization = 1e-6
	DefaultInitialStateVar = 1e-6
	DefaultPriorStrength   = 1.0
	DefaultIterations      = 10
)

// Config describes one run. It is read-only once loaded.
type Config struct {
	Name       string `yaml:"name"`
	Conditions int    `yaml:"conditions"`
	T          int    `yaml:"t"`
	DX         int    `yaml:"dx"`
	DU         int    `yaml:"du"`
	DO         int    `yaml:"do,omitempty"`
	Seed       int64  `yaml:"seed"`

	Algorithm   AlgorithmConfig `yaml:"algorithm"`
	Cost        []CostTerm      `yaml:"cost"`
	PolicyPrior PriorConfig     `yaml:"policy_prior"`
	InitTraj    InitTrajConfig  `yaml:"init_traj"`
	Policy      PolicyConfig    `yaml:"policy"`
}

type AlgorithmConfig struct {
	Iterations       int     `yaml:"iterations"`
	KLStep           float64 `yaml:"kl_step"`
	MinStepMult      float64 `yaml:"min_step_mult"`
	MaxStepMult      float64 `yaml:"max_step_mult"`
	InitStepMult     float64 `yaml:"init_step_mult"`
	StepRule         string  `yaml:"step_rule"`
	StepScope        string  `yaml:"step_scope"`
	StepTolerance    float64 `yaml:"step_tolerance"`
	InitEta          float64 `yaml:"init_eta"`
	KRegularization  float64 `yaml:"k_regularization"`
	PolicySampleMode string  `yaml:"policy_sample_mode"`
	InitialStateVar  float64 `yaml:"initial_state_var"`
	Parallel         bool    `yaml:"parallel"`
	MaxWorkers       int     `yaml:"max_workers"`
}

// CostTerm is one weighted term of the task cost. Type is "action" or
// "state".
type CostTerm struct {
	Type   string  `yaml:"type"`
	Weight float64 `yaml:"weight"`

	Wu      []float64 `yaml:"wu,omitempty"`
	Wp      []float64 `yaml:"wp,omitempty"`
	Indices []int     `yaml:"indices,omitempty"`
	Target  []float64 `yaml:"target,omitempty"`

	Penalty string  `yaml:"penalty,omitempty"`
	L1      float64 `yaml:"l1,omitempty"`
	L2      float64 `yaml:"l2,omitempty"`
	Alpha   float64 `yaml:"alpha,omitempty"`

	Ramp            string  `yaml:"ramp,omitempty"`
	FinalMultiplier float64 `yaml:"wp_final_multiplier,omitempty"`
}

type PriorConfig struct {
	Type       string  `yaml:"type"`
	Strength   float64 `yaml:"strength"`
	MaxSamples int     `yaml:"max_samples,omitempty"`
}

// InitTrajConfig selects the initial controller: "constant" uses Action and
// Variance, "gains" reads stored gains from the JSON file at File.
type InitTrajConfig struct {
	Type     string    `yaml:"type"`
	Action   []float64 `yaml:"action,omitempty"`
	Variance float64   `yaml:"init_var,omitempty"`
	File     string    `yaml:"file,omitempty"`
}

// PolicyConfig parameterizes the built-in linear global policy.
type PolicyConfig struct {
	InitVar float64 `yaml:"init_var"`
	Ridge   float64 `yaml:"ridge"`
	EntReg  float64 `yaml:"ent_reg"`
}

func DefaultAlgorithm() AlgorithmConfig {
	return AlgorithmConfig{
		Iterations:       DefaultIterations,
		KLStep:           DefaultKLStep,
		MinStepMult:      DefaultMinStepMult,
		MaxStepMult:      DefaultMaxStepMult,
		InitStepMult:     1,
		StepRule:         "laplace",
		StepScope:        "global",
		StepTolerance:    DefaultStepTolerance,
		InitEta:          1,
		KRegularization:  DefaultKRegularization,
		PolicySampleMode: "add",
		InitialStateVar:  DefaultInitialStateVar,
		MaxWorkers:       4,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Name:       "default",
		Conditions: 2,
		T:          5,
		DX:         2,
		DU:         1,
		Algorithm:  DefaultAlgorithm(),
		Cost: []CostTerm{
			{Type: "action", Weight: 1, Wu: []float64{1}},
		},
		PolicyPrior: PriorConfig{Type: "identity", Strength: DefaultPriorStrength},
		InitTraj:    InitTrajConfig{Type: "constant", Action: []float64{0}, Variance: 1},
		Policy:      PolicyConfig{InitVar: 1, Ridge: 1e-6},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Cost = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks dimensions and every configuration token.
func (c *Config) Validate() error {
	if c.Conditions <= 0 || c.T <= 0 || c.DX <= 0 || c.DU <= 0 || c.DO < 0 {
		return dynamo.ConfigErrorf("conditions, t, dx and du must be positive, got %d, %d, %d, %d",
			c.Conditions, c.T, c.DX, c.DU)
	}
	if err := c.checkStepBounds(); err != nil {
		return err
	}
	if _, err := policy.ParseSampleMode(c.Algorithm.PolicySampleMode); err != nil {
		return err
	}
	a := c.Algorithm
	if !(a.KLStep > 0) || !(a.InitEta > 0) || a.Iterations < 0 || a.KRegularization < 0 || a.InitialStateVar < 0 {
		return dynamo.ConfigErrorf("algorithm settings out of range")
	}

	if len(c.Cost) == 0 {
		return dynamo.ConfigErrorf("at least one cost term is required")
	}
	for i, term := range c.Cost {
		if err := term.validate(c.DX, c.DU); err != nil {
			return fmt.Errorf("cost term %d: %w", i, err)
		}
	}

	switch c.PolicyPrior.Type {
	case "identity", "empirical":
	default:
		return dynamo.ConfigErrorf("unknown policy prior: %s", c.PolicyPrior.Type)
	}
	if !(c.PolicyPrior.Strength > 0) || c.PolicyPrior.MaxSamples < 0 {
		return dynamo.ConfigErrorf("policy prior strength must be positive")
	}

	switch c.InitTraj.Type {
	case "constant":
		if len(c.InitTraj.Action) != c.DU || !(c.InitTraj.Variance > 0) {
			return dynamo.ConfigErrorf("initial controller needs %d actions and a positive variance", c.DU)
		}
	case "gains":
		if c.InitTraj.File == "" {
			return dynamo.ConfigErrorf("gains initial controller needs a file")
		}
	default:
		return dynamo.ConfigErrorf("unknown initial controller: %s", c.InitTraj.Type)
	}
	if !(c.Policy.InitVar > 0) || c.Policy.Ridge < 0 || c.Policy.EntReg < 0 {
		return dynamo.ConfigErrorf("policy settings out of range")
	}
	return nil
}

// StepConfig parses the step-size settings.
func (c *Config) StepConfig() (optim.StepConfig, error) {
	a := c.Algorithm
	rule, err := optim.ParseStepRule(a.StepRule)
	if err != nil {
		return optim.StepConfig{}, err
	}
	scope, err := optim.ParseStepScope(a.StepScope)
	if err != nil {
		return optim.StepConfig{}, err
	}
	return optim.StepConfig{
		Rule:      rule,
		Scope:     scope,
		MinMult:   a.MinStepMult,
		MaxMult:   a.MaxStepMult,
		Tolerance: a.StepTolerance,
	}, nil
}

// checkStepBounds checks the multiplier bounds and the initial multiplier.
func (c *Config) checkStepBounds() error {
	step, err := c.StepConfig()
	if err != nil {
		return err
	}
	if err := step.Validate(); err != nil {
		return err
	}
	if m := c.Algorithm.InitStepMult; m < step.MinMult || m > step.MaxMult {
		return dynamo.ConfigErrorf("init_step_mult %g outside [%g, %g]", m, step.MinMult, step.MaxMult)
	}
	return nil
}

// Workers is the number of conditions processed at once.
func (c *Config) Workers() int {
	if !c.Algorithm.Parallel || c.Algorithm.MaxWorkers <= 1 {
		return 1
	}
	return c.Algorithm.MaxWorkers
}

func (t CostTerm) validate(dX, dU int) error {
	if t.Weight < 0 {
		return dynamo.ConfigErrorf("negative weight %g", t.Weight)
	}
	if t.Ramp != "" {
		if _, err := cost.ParseRamp(t.Ramp); err != nil {
			return err
		}
	}
	switch t.Type {
	case "action":
		if len(t.Wu) != dU {
			return dynamo.ConfigErrorf("action cost needs %d weights, got %d", dU, len(t.Wu))
		}
		if t.Target != nil && len(t.Target) != dU {
			return dynamo.ConfigErrorf("action target needs %d entries, got %d", dU, len(t.Target))
		}
	case "state":
		if len(t.Indices) == 0 || len(t.Wp) != len(t.Indices) {
			return dynamo.ConfigErrorf("state cost needs one weight per index")
		}
		for _, i := range t.Indices {
			if i < 0 || i >= dX {
				return dynamo.ConfigErrorf("state index %d outside [0, %d)", i, dX)
			}
		}
		if t.Target != nil && len(t.Target) != len(t.Indices) {
			return dynamo.ConfigErrorf("state target needs %d entries, got %d", len(t.Indices), len(t.Target))
		}
		p, err := cost.ParsePenalty(t.Penalty)
		if err != nil {
			return err
		}
		return p.Validate(t.PenaltyParams())
	default:
		return dynamo.ConfigErrorf("unknown cost type: %s", t.Type)
	}
	return nil
}

func (t CostTerm) PenaltyParams() cost.PenaltyParams {
	return cost.PenaltyParams{L1: t.L1, L2: t.L2, Alpha: t.Alpha}
}

// FinalMult returns the final-step multiplier, defaulting to 1.
func (t CostTerm) FinalMult() float64 {
	if t.FinalMultiplier == 0 {
		return 1
	}
	return t.FinalMultiplier
}
