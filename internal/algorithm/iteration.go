package algorithm

import (
	"github.com/san-kum/mdgps/internal/control"
	"github.com/san-kum/mdgps/internal/dynamo"
	"github.com/san-kum/mdgps/internal/policy"
	"gonum.org/v1/gonum/mat"
)

// IterationData is the per-condition state of one iteration.
type IterationData struct {
	Samples      dynamo.SampleList
	TrajInfo     *dynamo.TrajInfo
	TrajDistr    *control.LinearGaussian
	NewTrajDistr *control.LinearGaussian
	PolInfo      *policy.Info
	// Cs is the realized cost of every sample at every step, N x T.
	Cs       *mat.Dense
	StepMult float64
	Eta      float64
}

// MCCost is the realized cost summed over steps and averaged over samples.
// It is NaN before costs are evaluated.
func (d *IterationData) MCCost() float64 {
	if d == nil || d.Cs == nil {
		return nan
	}
	N, _ := d.Cs.Dims()
	return mat.Sum(d.Cs) / float64(N)
}

// next builds the following iteration's state: scalars and controllers are
// carried by reference, the policy linearization is copied so that fitting
// it again leaves this iteration untouched.
func (d *IterationData) next() *IterationData {
	return &IterationData{
		TrajInfo: &dynamo.TrajInfo{
			Dynamics:   d.TrajInfo.Dynamics,
			LastKLStep: d.TrajInfo.LastKLStep,
		},
		TrajDistr: d.NewTrajDistr,
		PolInfo:   d.PolInfo.Clone(),
		StepMult:  d.StepMult,
		Eta:       d.Eta,
	}
}

// buffer holds the cur and prev slots of every condition. Advancing swaps
// the slots by reference.
type buffer struct {
	slots [2][]*IterationData
	cur   int
}

func newBuffer(m int) *buffer {
	return &buffer{slots: [2][]*IterationData{make([]*IterationData, m), make([]*IterationData, m)}}
}

func (b *buffer) current() []*IterationData  { return b.slots[b.cur] }
func (b *buffer) previous() []*IterationData { return b.slots[1-b.cur] }

func (b *buffer) advance() {
	done := b.slots[b.cur]
	fresh := make([]*IterationData, len(done))
	for m, d := range done {
		fresh[m] = d.next()
	}
	b.cur = 1 - b.cur
	b.slots[b.cur] = fresh
}

// reset drops prev and installs cur.
func (b *buffer) reset(cur []*IterationData) {
	b.slots[b.cur] = cur
	b.slots[1-b.cur] = make([]*IterationData, len(cur))
}
