package policy

import (
	"fmt"
	"math"
	"sync"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Linear is a global time-invariant policy u ~ N(W x + b, diag(Var)). It is
// trained by precision-weighted least squares on the actions of the local
// controllers and acts directly on states.
type Linear struct {
	// Ridge is the weight decay on W and b.
	Ridge float64
	// EntReg is the entropy regularization of the variance.
	EntReg float64

	mu sync.RWMutex
	w  *mat.Dense
	b  *mat.VecDense
	vr []float64
	dX int
	dU int
}

func NewLinear(dX, dU int, initVar, ridge, entReg float64) *Linear {
	vr := make([]float64, dU)
	for i := range vr {
		vr[i] = initVar
	}
	return &Linear{
		Ridge:  ridge,
		EntReg: entReg,
		w:      mat.NewDense(dU, dX, nil),
		b:      mat.NewVecDense(dU, nil),
		vr:     vr,
		dX:     dX,
		dU:     dU,
	}
}

func (p *Linear) mean(x []float64) []float64 {
	var u mat.VecDense
	u.MulVec(p.w, mat.NewVecDense(len(x), x))
	u.AddVec(&u, p.b)
	return u.RawVector().Data
}

func (p *Linear) Act(x dynamo.State, t int, noise []float64) dynamo.Control {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u := p.mean(x)
	if noise != nil {
		for i := range u {
			u[i] += math.Sqrt(p.vr[i]) * noise[i]
		}
	}
	return u
}

// Variance returns a copy of the diagonal action variance.
func (p *Linear) Variance() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.vr...)
}

func (p *Linear) Prob(obs []*mat.Dense) (*Distribution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	covar := mat.NewSymDense(p.dU, nil)
	prec := mat.NewSymDense(p.dU, nil)
	det := 1.0
	for i, v := range p.vr {
		covar.SetSym(i, i, v)
		prec.SetSym(i, i, 1/v)
		det *= v
	}

	d := &Distribution{
		Mean:      make([]*mat.Dense, len(obs)),
		Covar:     make([][]*mat.SymDense, len(obs)),
		Precision: make([][]*mat.SymDense, len(obs)),
		Det:       make([][]float64, len(obs)),
	}
	for n, o := range obs {
		T, dO := o.Dims()
		if dO != p.dX {
			return nil, dynamo.DimensionErrorf("observation has %d columns, policy expects %d", dO, p.dX)
		}
		d.Mean[n] = mat.NewDense(T, p.dU, nil)
		d.Covar[n] = make([]*mat.SymDense, T)
		d.Precision[n] = make([]*mat.SymDense, T)
		d.Det[n] = make([]float64, T)
		for t := 0; t < T; t++ {
			d.Mean[n].SetRow(t, p.mean(o.RawRowView(t)))
			d.Covar[n][t] = covar
			d.Precision[n][t] = prec
			d.Det[n][t] = det
		}
	}
	return d, nil
}

// Update fits W and b to the batch, skipping the last step of every
// trajectory, and re-estimates the variance from the mean precision.
func (p *Linear) Update(batch *UpdateBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nz := p.dX + 1
	np := p.dU * nz
	A := mat.NewSymDense(np, nil)
	rhs := mat.NewVecDense(np, nil)
	sumPrc := mat.NewSymDense(p.dU, nil)

	var trace float64
	var points, N, T int
	if len(batch.Means) != len(batch.States) || len(batch.Precisions) != len(batch.States) {
		return dynamo.DimensionErrorf("batch has %d state, %d mean and %d precision conditions",
			len(batch.States), len(batch.Means), len(batch.Precisions))
	}
	for m := range batch.States {
		if len(batch.Means[m]) != len(batch.States[m]) {
			return dynamo.DimensionErrorf("condition %d has %d state and %d mean trajectories", m, len(batch.States[m]), len(batch.Means[m]))
		}
		for _, x := range batch.States[m] {
			rows, _ := x.Dims()
			if len(batch.Precisions[m]) < rows {
				return dynamo.DimensionErrorf("condition %d has %d precisions for %d steps", m, len(batch.Precisions[m]), rows)
			}
			for t := 0; t < rows-1; t++ {
				trace += mat.Trace(batch.Precisions[m][t])
				points++
			}
			N, T = len(batch.States[m]), rows
		}
	}
	if points == 0 {
		return fmt.Errorf("linear policy update: %w", dynamo.ErrInsufficientSamples)
	}
	scale := float64(p.dU) / (trace / float64(points))

	z := make([]float64, nz)
	for m := range batch.States {
		for n, x := range batch.States[m] {
			rows, dX := x.Dims()
			if dX != p.dX {
				return dynamo.DimensionErrorf("state has %d columns, policy expects %d", dX, p.dX)
			}
			for t := 0; t < rows-1; t++ {
				copy(z, x.RawRowView(t))
				z[p.dX] = 1
				prc := batch.Precisions[m][t]
				target := batch.Means[m][n].RawRowView(t)
				for i := 0; i < p.dU; i++ {
					for a := 0; a < nz; a++ {
						r := i*nz + a
						var acc float64
						for j := 0; j < p.dU; j++ {
							pij := scale * prc.At(i, j)
							acc += pij * target[j]
							for b := 0; b < nz; b++ {
								c := j*nz + b
								if c >= r {
									A.SetSym(r, c, A.At(r, c)+pij*z[a]*z[b])
								}
							}
						}
						rhs.SetVec(r, rhs.AtVec(r)+acc*z[a])
					}
				}
				sumPrc.AddSym(sumPrc, prc)
			}
		}
	}
	for r := 0; r < np; r++ {
		A.SetSym(r, r, A.At(r, r)+p.Ridge)
	}

	chol, err := dynamo.Factorize(A)
	if err != nil {
		return fmt.Errorf("linear policy normal equations: %w", err)
	}
	var theta mat.VecDense
	if err := chol.SolveVecTo(&theta, rhs); err != nil {
		return fmt.Errorf("linear policy normal equations: %w", dynamo.ErrNumericalDegeneracy)
	}
	for i := 0; i < p.dU; i++ {
		for a := 0; a < p.dX; a++ {
			p.w.Set(i, a, theta.AtVec(i*nz+a))
		}
		p.b.SetVec(i, theta.AtVec(i*nz+p.dX))
	}

	reg := 2 * float64(N*T) * p.EntReg
	for i := range p.vr {
		a := (scale*sumPrc.At(i, i) + reg) / float64(points)
		p.vr[i] = 1 / a
	}
	return nil
}
