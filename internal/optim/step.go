package optim

import (
	"log/slog"
	"math"
	"strings"

	"github.com/san-kum/mdgps/internal/dynamo"
)

// StepRule selects which cost estimates measure improvement.
type StepRule int

const (
	// StepLaplace compares Laplace-approximated costs.
	StepLaplace StepRule = iota
	// StepMC compares realized Monte-Carlo costs.
	StepMC
)

func (r StepRule) String() string {
	switch r {
	case StepLaplace:
		return "laplace"
	case StepMC:
		return "mc"
	}
	return "unknown"
}

func ParseStepRule(s string) (StepRule, error) {
	switch strings.ToLower(s) {
	case "laplace":
		return StepLaplace, nil
	case "mc":
		return StepMC, nil
	}
	return 0, dynamo.ConfigErrorf("unknown step rule: %s", s)
}

// StepScope selects whether one improvement ratio drives every condition or
// each condition adapts on its own.
type StepScope int

const (
	// ScopeGlobal averages the estimates over conditions.
	ScopeGlobal StepScope = iota
	ScopePerCondition
)

func (s StepScope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopePerCondition:
		return "per_condition"
	}
	return "unknown"
}

func ParseStepScope(s string) (StepScope, error) {
	switch strings.ToLower(s) {
	case "global":
		return ScopeGlobal, nil
	case "per_condition":
		return ScopePerCondition, nil
	}
	return 0, dynamo.ConfigErrorf("unknown step scope: %s", s)
}

type StepConfig struct {
	Rule    StepRule
	Scope   StepScope
	MinMult float64
	MaxMult float64
	// Tolerance is the fraction of the predicted improvement the actual
	// improvement may fall short by before the step shrinks.
	Tolerance float64
}

func DefaultStepConfig() StepConfig {
	return StepConfig{
		Rule:      StepLaplace,
		Scope:     ScopeGlobal,
		MinMult:   0.01,
		MaxMult:   10,
		Tolerance: 0.1,
	}
}

func (c StepConfig) Validate() error {
	if !(c.MinMult > 0) || c.MaxMult < c.MinMult {
		return dynamo.ConfigErrorf("step multiplier bounds [%g, %g] are invalid", c.MinMult, c.MaxMult)
	}
	if c.Tolerance < 0 {
		return dynamo.ConfigErrorf("step tolerance must be non-negative, got %g", c.Tolerance)
	}
	return nil
}

// CostEstimate holds the total costs one condition contributes to a step
// decision.
type CostEstimate struct {
	// PrevLaplace is the Laplace cost of the previous policy linearization
	// under the previous dynamics.
	PrevLaplace float64
	// PrevMC is the realized cost of the previous samples.
	PrevMC float64
	// PrevPredicted is the Laplace cost of the previous new controller
	// under the previous dynamics.
	PrevPredicted float64
	// CurLaplace is the Laplace cost of the current policy linearization
	// under the current dynamics.
	CurLaplace float64
	// CurMC is the realized cost of the current samples.
	CurMC float64
}

const (
	minImprovementGap = 1e-4
	minFactor         = 0.1
	maxFactor         = 5
	shrinkFactor      = 0.5
)

// StepAdjuster sizes the trust region from predicted and actual cost
// improvement.
type StepAdjuster struct {
	cfg    StepConfig
	logger *slog.Logger
}

func NewStepAdjuster(cfg StepConfig, logger *slog.Logger) *StepAdjuster {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "step"))
	}
	return &StepAdjuster{cfg: cfg, logger: logger}
}

func (s *StepAdjuster) Config() StepConfig { return s.cfg }

// Improvement returns the predicted and actual improvement of an estimate
// under the configured rule.
func (s *StepAdjuster) Improvement(e CostEstimate) (predicted, actual float64) {
	if s.cfg.Rule == StepMC {
		return e.PrevMC - e.PrevPredicted, e.PrevMC - e.CurMC
	}
	return e.PrevLaplace - e.PrevPredicted, e.PrevLaplace - e.CurLaplace
}

// NextMultiplier applies the sizing law to one multiplier. The base factor
// pred / (2 max(1e-4, pred - act)) comes from fitting a quadratic to the
// improvement and is kept within [0.1, 5]. It is then made monotone:
// a regression (act < 0) never grows the step, meeting the prediction
// (act >= pred) never shrinks it and falling short by more than the
// tolerance shrinks it at least by half.
func (s *StepAdjuster) NextMultiplier(prev, predicted, actual float64) float64 {
	factor := predicted / (2 * math.Max(minImprovementGap, predicted-actual))
	factor = clamp(factor, minFactor, maxFactor)
	if math.IsNaN(factor) {
		factor = 1
	}

	switch {
	case actual < 0 && actual >= predicted:
		factor = 1
	case actual < 0:
		factor = math.Min(factor, shrinkFactor)
	case actual >= predicted:
		factor = math.Max(factor, 1)
	case predicted-actual > s.cfg.Tolerance*math.Abs(predicted):
		factor = math.Min(factor, shrinkFactor)
	}

	next := clamp(prev*factor, s.cfg.MinMult, s.cfg.MaxMult)
	switch {
	case next > prev:
		s.logger.Debug("increasing step size multiplier", slog.Float64("mult", next))
	case next < prev:
		s.logger.Debug("decreasing step size multiplier", slog.Float64("mult", next))
	}
	return next
}

// Adjust returns the next multiplier of every condition. A nil estimate
// marks a condition that cannot be compared; it keeps its multiplier and
// does not enter the global average.
func (s *StepAdjuster) Adjust(mults []float64, estimates []*CostEstimate) []float64 {
	next := append([]float64(nil), mults...)
	if s.cfg.Scope == ScopePerCondition {
		for m, e := range estimates {
			if e == nil {
				continue
			}
			pred, act := s.Improvement(*e)
			s.logCosts(m, *e)
			next[m] = s.NextMultiplier(mults[m], pred, act)
		}
		return next
	}

	var mean CostEstimate
	count := 0
	for _, e := range estimates {
		if e == nil {
			continue
		}
		mean.PrevLaplace += e.PrevLaplace
		mean.PrevMC += e.PrevMC
		mean.PrevPredicted += e.PrevPredicted
		mean.CurLaplace += e.CurLaplace
		mean.CurMC += e.CurMC
		count++
	}
	if count == 0 {
		return next
	}
	c := float64(count)
	mean = CostEstimate{
		PrevLaplace:   mean.PrevLaplace / c,
		PrevMC:        mean.PrevMC / c,
		PrevPredicted: mean.PrevPredicted / c,
		CurLaplace:    mean.CurLaplace / c,
		CurMC:         mean.CurMC / c,
	}
	s.logCosts(-1, mean)
	pred, act := s.Improvement(mean)
	for m, e := range estimates {
		if e == nil {
			continue
		}
		next[m] = s.NextMultiplier(mults[m], pred, act)
	}
	return next
}

func (s *StepAdjuster) logCosts(cond int, e CostEstimate) {
	s.logger.Debug("previous cost",
		slog.Int("condition", cond),
		slog.Float64("laplace", e.PrevLaplace),
		slog.Float64("mc", e.PrevMC))
	s.logger.Debug("predicted cost", slog.Int("condition", cond), slog.Float64("laplace", e.PrevPredicted))
	s.logger.Debug("actual cost",
		slog.Int("condition", cond),
		slog.Float64("laplace", e.CurLaplace),
		slog.Float64("mc", e.CurMC))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
