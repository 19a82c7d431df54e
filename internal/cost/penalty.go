package cost

import (
	"math"
	"strings"

	"github.com/san-kum/mdgps/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

// Penalty selects the shape applied to a weighted residual.
type Penalty int

const (
	PenaltyL1L2 Penalty = iota
	PenaltyLogL2
	PenaltyAsymmetric
	PenaltyExp
)

var penaltyNames = map[Penalty]string{
	PenaltyL1L2:       "l1l2",
	PenaltyLogL2:      "logl2",
	PenaltyAsymmetric: "asymmetric",
	PenaltyExp:        "exp",
}

func (p Penalty) String() string {
	if s, ok := penaltyNames[p]; ok {
		return s
	}
	return "unknown"
}

func ParsePenalty(s string) (Penalty, error) {
	for p, name := range penaltyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, dynamo.ConfigErrorf("unknown penalty: %s", s)
}

// PenaltyParams are the shape parameters. L1 and L2 weigh the two parts of
// the blended shapes. Alpha is the smoothing constant of l1l2 and logl2 and
// the skew of asymmetric.
type PenaltyParams struct {
	L1    float64 `json:"l1" yaml:"l1"`
	L2    float64 `json:"l2" yaml:"l2"`
	Alpha float64 `json:"alpha" yaml:"alpha"`
}

// Validate rejects parameters for which the shape is not finite at d = 0.
func (p Penalty) Validate(params PenaltyParams) error {
	switch p {
	case PenaltyL1L2, PenaltyLogL2:
		if params.L1 != 0 && !(params.Alpha > 0) {
			return dynamo.ConfigErrorf("%s penalty with l1=%g needs alpha > 0, got %g", p, params.L1, params.Alpha)
		}
	case PenaltyAsymmetric:
		if params.Alpha < -1 || params.Alpha > 1 {
			return dynamo.ConfigErrorf("asymmetric skew must be in [-1, 1], got %g", params.Alpha)
		}
	case PenaltyExp:
	default:
		return dynamo.ConfigErrorf("unknown penalty: %d", int(p))
	}
	return nil
}

// TermInput is a weighted residual and its derivatives with respect to the
// state over a trajectory of length T.
type TermInput struct {
	Wp  *mat.Dense     // T x D
	D   *mat.Dense     // T x D
	Jd  []*mat.Dense   // T of D x dX
	Jdd [][]*mat.Dense // T of D of dX x dX; nil for linear residuals
}

// TermOutput holds the loss, state gradient and state Hessian per timestep.
type TermOutput struct {
	L   []float64
	Lx  *mat.Dense   // T x dX
	Lxx []*mat.Dense // T of dX x dX
}

// Eval computes the loss of the shape and its derivatives with respect to
// the state through the chain rule
//
//	lx  = Jdᵀ d1
//	lxx = Jdᵀ d2 Jd + sym(Σᵢ d1ᵢ Jddᵢ)
//
// where d1 and d2 are the derivatives of the shape in residual space.
func (p Penalty) Eval(in TermInput, params PenaltyParams) (*TermOutput, error) {
	if err := p.Validate(params); err != nil {
		return nil, err
	}
	T, D := in.D.Dims()
	wr, wc := in.Wp.Dims()
	if wr != T || wc != D {
		return nil, dynamo.DimensionErrorf("wp is %dx%d, residual is %dx%d", wr, wc, T, D)
	}
	if len(in.Jd) != T {
		return nil, dynamo.DimensionErrorf("got %d jacobians for %d timesteps", len(in.Jd), T)
	}
	if T == 0 {
		return nil, dynamo.DimensionErrorf("empty trajectory")
	}
	for t, jd := range in.Jd {
		if jd == nil {
			return nil, dynamo.DimensionErrorf("missing jacobian at t=%d", t)
		}
	}
	_, dX := in.Jd[0].Dims()

	out := &TermOutput{
		L:   make([]float64, T),
		Lx:  mat.NewDense(T, dX, nil),
		Lxx: make([]*mat.Dense, T),
	}
	d1 := make([]float64, D)
	d2 := mat.NewDense(D, D, nil)
	for t := 0; t < T; t++ {
		jd := in.Jd[t]
		if r, c := jd.Dims(); r != D || c != dX {
			return nil, dynamo.DimensionErrorf("jacobian at t=%d is %dx%d, want %dx%d", t, r, c, D, dX)
		}
		d2.Zero()
		out.L[t] = p.derivatives(in.D.RawRowView(t), in.Wp.RawRowView(t), params, d1, d2)

		var g mat.VecDense
		g.MulVec(jd.T(), mat.NewVecDense(D, d1))
		out.Lx.SetRow(t, g.RawVector().Data)

		var tmp, h mat.Dense
		tmp.Mul(d2, jd)
		h.Mul(jd.T(), &tmp)
		if in.Jdd != nil && in.Jdd[t] != nil {
			sec, err := secondOrder(in.Jdd[t], d1, dX)
			if err != nil {
				return nil, err
			}
			var s mat.Dense
			s.Add(sec, sec.T())
			s.Scale(0.5, &s)
			h.Add(&h, &s)
		}
		dynamo.Symmetrize(&h)
		out.Lxx[t] = &h
	}
	return out, nil
}

func secondOrder(jdd []*mat.Dense, d1 []float64, dX int) (*mat.Dense, error) {
	if len(jdd) != len(d1) {
		return nil, dynamo.DimensionErrorf("got %d second jacobians for %d residuals", len(jdd), len(d1))
	}
	sec := mat.NewDense(dX, dX, nil)
	for i, m := range jdd {
		if m == nil {
			continue
		}
		if r, c := m.Dims(); r != dX || c != dX {
			return nil, dynamo.DimensionErrorf("second jacobian %d is %dx%d, want %dx%d", i, r, c, dX, dX)
		}
		if d1[i] == 0 {
			continue
		}
		var s mat.Dense
		s.Scale(d1[i], m)
		sec.Add(sec, &s)
	}
	return sec, nil
}

// derivatives fills d1 and d2 with the first and second derivative of the
// shape with respect to the residual and returns the loss.
func (p Penalty) derivatives(d, wp []float64, params PenaltyParams, d1 []float64, d2 *mat.Dense) float64 {
	switch p {
	case PenaltyL1L2:
		return blend(d, wp, params, d1, d2, false)
	case PenaltyLogL2:
		return blend(d, wp, params, d1, d2, true)
	case PenaltyAsymmetric:
		var l float64
		for i := range d {
			s := params.Alpha + sign(d[i])
			skew := wp[i] * wp[i] * s * s
			l += 0.5 * d[i] * d[i] * skew
			d1[i] = d[i] * skew
			d2.Set(i, i, skew)
		}
		return l
	case PenaltyExp:
		var l float64
		for i := range d {
			ex := math.Exp(d[i] * wp[i])
			if ex > 1 {
				l++
				d1[i] = 0
				continue
			}
			l += ex
			d1[i] = wp[i] * ex
			d2.Set(i, i, wp[i]*wp[i]*ex)
		}
		return l
	}
	return math.NaN()
}

// blend evaluates 0.5*l2*Σd²wp plus l1*sqrt(p) (l1l2) or 0.5*l1*log(p)
// (logl2) with p = alpha + Σ(d*wp)².
//
// The logl2 second derivative keeps a single dscls*dsclsᵀ/p² term; the
// exact derivative has twice that.
func blend(d, wp []float64, params PenaltyParams, d1 []float64, d2 *mat.Dense, logShape bool) float64 {
	D := len(d)
	dscls := make([]float64, D)
	var sq, s float64
	for i := range d {
		dscl := d[i] * wp[i]
		dscls[i] = dscl * wp[i]
		sq += d[i] * d[i] * wp[i]
		s += dscl * dscl
		d1[i] = dscl * params.L2
		d2.Set(i, i, params.L2*wp[i])
	}
	l := 0.5 * params.L2 * sq
	if params.L1 == 0 {
		return l
	}

	var p, outer float64
	if logShape {
		p = params.Alpha + s
		l += 0.5 * params.L1 * math.Log(p)
		outer = p * p
	} else {
		p = math.Sqrt(params.Alpha + s)
		l += params.L1 * p
		outer = p * p * p
	}
	for i := 0; i < D; i++ {
		d1[i] += dscls[i] / p * params.L1
		for j := 0; j < D; j++ {
			v := -dscls[i] * dscls[j] / outer
			if i == j {
				v += wp[i] * wp[i] / p
			}
			d2.Set(i, j, d2.At(i, j)+params.L1*v)
		}
	}
	return l
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
