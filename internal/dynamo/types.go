package dynamo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type Control []float64

// Controller decides an action for a state at timestep t. A nil noise
// vector yields the mean action.
type Controller interface {
	Act(x State, t int, noise []float64) Control
}

// Sample is one rollout of a single condition. It is immutable once built.
type Sample struct {
	x   *mat.Dense
	u   *mat.Dense
	obs *mat.Dense
}

// NewSample builds a sample from T x dX states, T x dU actions and optional
// T x dO observations. A nil obs means observations equal states.
func NewSample(x, u, obs *mat.Dense) (*Sample, error) {
	if x == nil || u == nil {
		return nil, DimensionErrorf("sample needs states and actions")
	}
	tx, _ := x.Dims()
	tu, _ := u.Dims()
	if tx != tu {
		return nil, DimensionErrorf("sample has %d states but %d actions", tx, tu)
	}
	if obs != nil {
		to, _ := obs.Dims()
		if to != tx {
			return nil, DimensionErrorf("sample has %d states but %d observations", tx, to)
		}
	}
	return &Sample{x: x, u: u, obs: obs}, nil
}

func (s *Sample) T() int {
	t, _ := s.x.Dims()
	return t
}

func (s *Sample) DX() int {
	_, d := s.x.Dims()
	return d
}

func (s *Sample) DU() int {
	_, d := s.u.Dims()
	return d
}

func (s *Sample) DO() int {
	if s.obs == nil {
		return s.DX()
	}
	_, d := s.obs.Dims()
	return d
}

// X returns the T x dX state matrix. Callers must not modify it.
func (s *Sample) X() *mat.Dense { return s.x }

// U returns the T x dU action matrix. Callers must not modify it.
func (s *Sample) U() *mat.Dense { return s.u }

// Obs returns the T x dO observation matrix, falling back to the states.
func (s *Sample) Obs() *mat.Dense {
	if s.obs == nil {
		return s.x
	}
	return s.obs
}

func (s *Sample) State(t int) State {
	return mat.Row(nil, t, s.x)
}

func (s *Sample) Action(t int) Control {
	return mat.Row(nil, t, s.u)
}

// SampleList is the batch of samples collected for one condition in one
// iteration.
type SampleList []*Sample

func (l SampleList) Len() int { return len(l) }

// Validate checks that every sample shares the same horizon and dimensions.
func (l SampleList) Validate() error {
	if len(l) == 0 {
		return DimensionErrorf("empty sample list")
	}
	first := l[0]
	for i, s := range l[1:] {
		if s.T() != first.T() || s.DX() != first.DX() || s.DU() != first.DU() || s.DO() != first.DO() {
			return DimensionErrorf("sample %d shape (%d,%d,%d) differs from sample 0 (%d,%d,%d)",
				i+1, s.T(), s.DX(), s.DU(), first.T(), first.DX(), first.DU())
		}
	}
	return nil
}

func (l SampleList) States() []*mat.Dense {
	out := make([]*mat.Dense, len(l))
	for i, s := range l {
		out[i] = s.x
	}
	return out
}

func (l SampleList) Actions() []*mat.Dense {
	out := make([]*mat.Dense, len(l))
	for i, s := range l {
		out[i] = s.u
	}
	return out
}

func (l SampleList) Observations() []*mat.Dense {
	out := make([]*mat.Dense, len(l))
	for i, s := range l {
		out[i] = s.Obs()
	}
	return out
}

// Mean averages the samples into a T x (dX+dU) matrix of stacked state and
// action rows.
func (l SampleList) Mean() (*mat.Dense, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	T, dX, dU := l[0].T(), l[0].DX(), l[0].DU()
	mu := mat.NewDense(T, dX+dU, nil)
	w := 1 / float64(len(l))
	for _, s := range l {
		for t := 0; t < T; t++ {
			for i := 0; i < dX; i++ {
				mu.Set(t, i, mu.At(t, i)+w*s.x.At(t, i))
			}
			for i := 0; i < dU; i++ {
				mu.Set(t, dX+i, mu.At(t, dX+i)+w*s.u.At(t, i))
			}
		}
	}
	return mu, nil
}

// CostExpansion is the second-order expansion of a cost along a trajectory.
type CostExpansion struct {
	L   []float64    // T
	Lx  *mat.Dense   // T x dX
	Lu  *mat.Dense   // T x dU
	Lxx []*mat.Dense // T of dX x dX
	Luu []*mat.Dense // T of dU x dU
	Lux []*mat.Dense // T of dU x dX
}

// NewCostExpansion returns an all-zero expansion.
func NewCostExpansion(T, dX, dU int) *CostExpansion {
	c := &CostExpansion{
		L:   make([]float64, T),
		Lx:  mat.NewDense(T, dX, nil),
		Lu:  mat.NewDense(T, dU, nil),
		Lxx: make([]*mat.Dense, T),
		Luu: make([]*mat.Dense, T),
		Lux: make([]*mat.Dense, T),
	}
	for t := 0; t < T; t++ {
		c.Lxx[t] = mat.NewDense(dX, dX, nil)
		c.Luu[t] = mat.NewDense(dU, dU, nil)
		c.Lux[t] = mat.NewDense(dU, dX, nil)
	}
	return c
}

func (c *CostExpansion) T() int { return len(c.L) }

func (c *CostExpansion) Dims() (dX, dU int) {
	_, dX = c.Lx.Dims()
	_, dU = c.Lu.Dims()
	return dX, dU
}

// AddScaled accumulates w*o into c.
func (c *CostExpansion) AddScaled(w float64, o *CostExpansion) error {
	dX, dU := c.Dims()
	odX, odU := o.Dims()
	if o.T() != c.T() || dX != odX || dU != odU {
		return DimensionErrorf("cannot add expansion (%d,%d,%d) to (%d,%d,%d)", o.T(), odX, odU, c.T(), dX, dU)
	}
	for t := range c.L {
		c.L[t] += w * o.L[t]
		c.Lxx[t].Add(c.Lxx[t], scaled(w, o.Lxx[t]))
		c.Luu[t].Add(c.Luu[t], scaled(w, o.Luu[t]))
		c.Lux[t].Add(c.Lux[t], scaled(w, o.Lux[t]))
	}
	c.Lx.Add(c.Lx, scaled(w, o.Lx))
	c.Lu.Add(c.Lu, scaled(w, o.Lu))
	return nil
}

func scaled(w float64, m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(w, m)
	return &out
}

// Linearization is the per-timestep linear-Gaussian dynamics
// x[t+1] ~ N(Fm[t] [x; u] + Fv[t], DynCovar[t]).
type Linearization struct {
	Fm       []*mat.Dense    // T of dX x (dX+dU)
	Fv       []*mat.VecDense // T of dX
	DynCovar []*mat.SymDense // T of dX x dX
}

func (l *Linearization) T() int { return len(l.Fm) }

// TrajInfo holds what the trajectory solver needs for one condition: the
// dynamics, the initial state distribution and the quadratic task cost
// expanded around the origin.
type TrajInfo struct {
	Dynamics   *Linearization
	X0Mu       []float64
	X0Sigma    *mat.SymDense
	Cm         []*mat.Dense    // T of (dX+dU) x (dX+dU)
	Cv         []*mat.VecDense // T of dX+dU
	Cc         []float64       // T
	LastKLStep float64
}
