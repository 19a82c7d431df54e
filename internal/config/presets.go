package config

import "sort"

var Presets = map[string]func() *Config{
	"default": DefaultConfig,
	"pointmass": func() *Config {
		cfg := DefaultConfig()
		cfg.Name = "pointmass"
		cfg.Conditions, cfg.T, cfg.DX, cfg.DU = 4, 100, 4, 2
		cfg.Algorithm.Iterations = 20
		cfg.Algorithm.StepRule = "mc"
		cfg.Cost = []CostTerm{
			{Type: "action", Weight: 1, Wu: []float64{5e-5, 5e-5}},
			{
				Type: "state", Weight: 1,
				Indices: []int{0, 1}, Wp: []float64{1, 1}, Target: []float64{0.5, 0.5},
				Penalty: "l1l2", L1: 1, L2: 10, Alpha: 1e-5,
				Ramp: "final_only", FinalMultiplier: 1,
			},
		}
		cfg.InitTraj = InitTrajConfig{Type: "constant", Action: []float64{0, 0}, Variance: 5}
		return cfg
	},
	"arm": func() *Config {
		cfg := DefaultConfig()
		cfg.Name = "arm"
		cfg.Conditions, cfg.T, cfg.DX, cfg.DU = 4, 50, 14, 7
		cfg.Algorithm.Iterations = 12
		cfg.Algorithm.Parallel = true
		cfg.Algorithm.PolicySampleMode = "replace"
		wu := make([]float64, 7)
		for i := range wu {
			wu[i] = 5e-5
		}
		cfg.Cost = []CostTerm{
			{Type: "action", Weight: 1, Wu: wu},
			{
				Type: "state", Weight: 1,
				Indices: []int{0, 1, 2, 3, 4, 5, 6}, Wp: []float64{1, 1, 1, 1, 1, 1, 1},
				Penalty: "logl2", L1: 1, L2: 1e-3, Alpha: 1e-5,
				Ramp: "quadratic", FinalMultiplier: 5,
			},
		}
		cfg.PolicyPrior = PriorConfig{Type: "empirical", Strength: 1, MaxSamples: 40}
		cfg.InitTraj = InitTrajConfig{Type: "constant", Action: make([]float64, 7), Variance: 1}
		return cfg
	},
}

// GetPreset returns a fresh copy of the named preset, or nil.
func GetPreset(name string) *Config {
	fn, ok := Presets[name]
	if !ok {
		return nil
	}
	return fn()
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
