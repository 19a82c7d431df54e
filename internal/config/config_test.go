package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/optim"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Algorithm.KLStep != DefaultKLStep {
		t.Errorf("expected kl_step %f, got %f", DefaultKLStep, cfg.Algorithm.KLStep)
	}
	if cfg.Workers() != 1 {
		t.Errorf("expected sequential default, got %d workers", cfg.Workers())
	}
}

func TestPresetsValidate(t *testing.T) {
	for _, name := range ListPresets() {
		cfg := GetPreset(name)
		if cfg == nil {
			t.Fatalf("preset %s missing", name)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("preset %s invalid: %v", name, err)
		}
	}
}

func TestGetPreset_NotFound(t *testing.T) {
	if cfg := GetPreset("nonexistent"); cfg != nil {
		t.Error("expected nil for nonexistent preset")
	}
}

func TestGetPreset_Copies(t *testing.T) {
	a := GetPreset("pointmass")
	a.Cost[0].Wu[0] = 42
	if b := GetPreset("pointmass"); b.Cost[0].Wu[0] == 42 {
		t.Error("preset shares state between calls")
	}
}

func TestStepConfig(t *testing.T) {
	cfg := GetPreset("pointmass")
	step, err := cfg.StepConfig()
	if err != nil {
		t.Fatal(err)
	}
	if step.Rule != optim.StepMC || step.Scope != optim.ScopeGlobal {
		t.Errorf("unexpected step config %+v", step)
	}
}

func TestValidateRejectsTokens(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"step rule", func(c *Config) { c.Algorithm.StepRule = "newton" }},
		{"step scope", func(c *Config) { c.Algorithm.StepScope = "local" }},
		{"sample mode", func(c *Config) { c.Algorithm.PolicySampleMode = "merge" }},
		{"ramp", func(c *Config) { c.Cost[0].Ramp = "cubic" }},
		{"cost type", func(c *Config) { c.Cost[0].Type = "torque" }},
		{"penalty", func(c *Config) {
			c.Cost = append(c.Cost, CostTerm{Type: "state", Weight: 1, Indices: []int{0}, Wp: []float64{1}, Penalty: "huber"})
		}},
		{"prior", func(c *Config) { c.PolicyPrior.Type = "gmm" }},
		{"init", func(c *Config) { c.InitTraj.Type = "lqr" }},
		{"gains without file", func(c *Config) { c.InitTraj = InitTrajConfig{Type: "gains"} }},
		{"step bounds", func(c *Config) { c.Algorithm.MinStepMult = 20 }},
		{"init mult", func(c *Config) { c.Algorithm.InitStepMult = 50 }},
		{"state index", func(c *Config) {
			c.Cost = append(c.Cost, CostTerm{Type: "state", Weight: 1, Indices: []int{5}, Wp: []float64{1}, Penalty: "l1l2", Alpha: 1})
		}},
		{"dimensions", func(c *Config) { c.T = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, dynamo.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	cfg := GetPreset("arm")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.DX != 14 || len(loaded.Cost) != 2 {
		t.Errorf("unexpected config after round trip: dx=%d terms=%d", loaded.DX, len(loaded.Cost))
	}
	if loaded.Workers() != 4 {
		t.Errorf("expected 4 workers, got %d", loaded.Workers())
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	data := []byte("conditions: 1\nt: 3\ndx: 1\ndu: 1\ncost:\n  - type: action\n    weight: 1\n    wu: [2]\ninit_traj:\n  type: constant\n  action: [0]\n  init_var: 1\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Algorithm.StepRule != "laplace" || cfg.PolicyPrior.Type != "identity" {
		t.Errorf("defaults not applied: %+v", cfg.Algorithm)
	}
	if len(cfg.Cost) != 1 || cfg.Cost[0].Wu[0] != 2 {
		t.Errorf("unexpected cost terms: %+v", cfg.Cost)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte("t: 3\nalgorithm:\n  step_rule: newton\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
