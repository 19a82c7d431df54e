package policy

import (
	"strings"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Distribution is the action distribution of a policy evaluated on N
// trajectories of T steps.
type Distribution struct {
	Mean      []*mat.Dense      // N of T x dU
	Covar     [][]*mat.SymDense // N of T of dU x dU
	Precision [][]*mat.SymDense // N of T of dU x dU
	Det       [][]float64       // N of T
}

// Evaluator runs a policy forward on N observation trajectories
// (each T x dO).
type Evaluator interface {
	Prob(obs []*mat.Dense) (*Distribution, error)
}

// UpdateBatch is the supervised data a global policy is trained on. The
// outer index is the condition, the inner the sample.
type UpdateBatch struct {
	States     [][]*mat.Dense    // M of N of T x dX
	Means      [][]*mat.Dense    // M of N of T x dU, K[t] x + k[t]
	Precisions [][]*mat.SymDense // M of T
	Gains      [][]*mat.Dense    // M of T
	Biases     [][]*mat.VecDense // M of T
	Initial    bool
}

// SampleMode selects how a prior treats samples from earlier iterations.
type SampleMode int

const (
	// SampleAdd keeps earlier samples up to the prior's capacity.
	SampleAdd SampleMode = iota
	// SampleReplace keeps only the latest samples.
	SampleReplace
)

func (m SampleMode) String() string {
	switch m {
	case SampleAdd:
		return "add"
	case SampleReplace:
		return "replace"
	}
	return "unknown"
}

func ParseSampleMode(s string) (SampleMode, error) {
	switch strings.ToLower(s) {
	case "add":
		return SampleAdd, nil
	case "replace":
		return SampleReplace, nil
	}
	return 0, dynamo.ConfigErrorf("unknown policy sample mode: %s", s)
}
