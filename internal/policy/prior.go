package policy

import (
	"fmt"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// NIW is a Normal-inverse-Wishart prior over the joint (state, action)
// distribution: mean Mu0 with strength M, scatter Phi with N0 degrees of
// freedom.
type NIW struct {
	Mu0 *mat.VecDense
	Phi *mat.SymDense
	M   float64
	N0  float64
}

// Prior supplies the NIW prior used to regularize policy linearizations.
type Prior interface {
	// Update refreshes the prior statistics from the latest samples.
	Update(samples dynamo.SampleList, pol Evaluator, mode SampleMode) error
	Eval(dX, dU int) (*NIW, error)
}

// StatefulPrior is a Prior whose statistics depend on earlier updates.
// State and SetState let the driver roll back a failed iteration and carry
// the statistics through a snapshot.
type StatefulPrior interface {
	Prior
	State() *PriorState
	SetState(s *PriorState) error
}

// PriorState is the JSON form of the points a prior has buffered, one
// T x (dX+dU) block per sample.
type PriorState struct {
	Points [][][]float64 `json:"points"`
}

// Validate checks that every block is a non-empty matrix with cols columns.
func (s *PriorState) Validate(cols int) error {
	for n, block := range s.Points {
		if len(block) == 0 {
			return dynamo.DimensionErrorf("prior sample %d is empty", n)
		}
		for t, row := range block {
			if len(row) != cols {
				return dynamo.DimensionErrorf("prior sample %d row %d has %d columns, want %d", n, t, len(row), cols)
			}
		}
	}
	return nil
}

// IdentityPrior centers the policy on zero gains with unit state scatter and
// a tight action conditional.
type IdentityPrior struct {
	Strength float64
}

const actionConditional = 1e-5

func (p *IdentityPrior) Update(dynamo.SampleList, Evaluator, SampleMode) error { return nil }

func (p *IdentityPrior) Eval(dX, dU int) (*NIW, error) {
	if dX <= 0 || dU <= 0 {
		return nil, dynamo.DimensionErrorf("prior needs positive dX and dU, got %d and %d", dX, dU)
	}
	phi := mat.NewSymDense(dX+dU, nil)
	for i := 0; i < dX; i++ {
		phi.SetSym(i, i, p.Strength)
	}
	for i := dX; i < dX+dU; i++ {
		phi.SetSym(i, i, p.Strength*actionConditional)
	}
	return &NIW{Mu0: mat.NewVecDense(dX+dU, nil), Phi: phi, M: 0, N0: p.Strength}, nil
}

// EmpiricalPrior builds the prior from the moments of a bounded buffer of
// past (state, policy action) pairs. Until the buffer holds at least two
// points it behaves like an IdentityPrior of the same strength.
type EmpiricalPrior struct {
	Strength   float64
	MaxSamples int
	// Ridge is added to the diagonal of the empirical covariance.
	Ridge float64

	buf []*mat.Dense // per sample, T x (dX+dU)
}

func NewEmpiricalPrior(strength float64, maxSamples int) *EmpiricalPrior {
	return &EmpiricalPrior{Strength: strength, MaxSamples: maxSamples, Ridge: 1e-6}
}

func (p *EmpiricalPrior) Update(samples dynamo.SampleList, pol Evaluator, mode SampleMode) error {
	if len(samples) == 0 {
		return nil
	}
	dist, err := pol.Prob(samples.Observations())
	if err != nil {
		return fmt.Errorf("policy prior update: %w", err)
	}
	if len(dist.Mean) != len(samples) {
		return dynamo.DimensionErrorf("policy returned %d means for %d samples", len(dist.Mean), len(samples))
	}

	fresh := make([]*mat.Dense, len(samples))
	for n, s := range samples {
		T, dX, dU := s.T(), s.DX(), s.DU()
		if r, c := dist.Mean[n].Dims(); r != T || c != dU {
			return dynamo.DimensionErrorf("policy mean for sample %d is %dx%d, want %dx%d", n, r, c, T, dU)
		}
		pts := mat.NewDense(T, dX+dU, nil)
		pts.Slice(0, T, 0, dX).(*mat.Dense).Copy(s.X())
		pts.Slice(0, T, dX, dX+dU).(*mat.Dense).Copy(dist.Mean[n])
		fresh[n] = pts
	}

	switch mode {
	case SampleReplace:
		p.buf = fresh
	default:
		p.buf = append(p.buf, fresh...)
	}
	if p.MaxSamples > 0 && len(p.buf) > p.MaxSamples {
		p.buf = p.buf[len(p.buf)-p.MaxSamples:]
	}
	return nil
}

// State copies the buffered points.
func (p *EmpiricalPrior) State() *PriorState {
	s := &PriorState{Points: make([][][]float64, len(p.buf))}
	for n, b := range p.buf {
		s.Points[n] = dynamo.Rows(b)
	}
	return s
}

// SetState replaces the buffer with the points of s. The buffer is left
// unchanged on error.
func (p *EmpiricalPrior) SetState(s *PriorState) error {
	if s == nil {
		p.buf = nil
		return nil
	}
	buf := make([]*mat.Dense, len(s.Points))
	for n, block := range s.Points {
		b, err := dynamo.FromRows(block)
		if err != nil {
			return fmt.Errorf("prior sample %d: %w", n, err)
		}
		if n > 0 {
			_, want := buf[0].Dims()
			if _, c := b.Dims(); c != want {
				return dynamo.DimensionErrorf("prior sample %d has %d columns, want %d", n, c, want)
			}
		}
		buf[n] = b
	}
	if p.MaxSamples > 0 && len(buf) > p.MaxSamples {
		buf = buf[len(buf)-p.MaxSamples:]
	}
	p.buf = buf
	return nil
}

// Len is the number of buffered samples.
func (p *EmpiricalPrior) Len() int { return len(p.buf) }

func (p *EmpiricalPrior) Eval(dX, dU int) (*NIW, error) {
	rows := 0
	for _, b := range p.buf {
		r, c := b.Dims()
		if c != dX+dU {
			return nil, dynamo.DimensionErrorf("buffered points have %d columns, want %d", c, dX+dU)
		}
		rows += r
	}
	if rows < 2 {
		return (&IdentityPrior{Strength: p.Strength}).Eval(dX, dU)
	}

	pts := mat.NewDense(rows, dX+dU, nil)
	at := 0
	for _, b := range p.buf {
		r, _ := b.Dims()
		pts.Slice(at, at+r, 0, dX+dU).(*mat.Dense).Copy(b)
		at += r
	}

	mu0 := mat.NewVecDense(dX+dU, nil)
	for j := 0; j < dX+dU; j++ {
		mu0.SetVec(j, stat.Mean(mat.Col(nil, j, pts), nil))
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, pts, nil)
	for i := 0; i < dX+dU; i++ {
		cov.SetSym(i, i, cov.At(i, i)+p.Ridge)
	}
	cov.ScaleSym(p.Strength, &cov)
	return &NIW{Mu0: mu0, Phi: &cov, M: p.Strength, N0: p.Strength}, nil
}
