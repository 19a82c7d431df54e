package metrics

import "github.com/san-kum/mdgps/internal/dynamo"

// Metric accumulates a statistic over the steps of sampled trajectories.
type Metric interface {
	Name() string
	Observe(x dynamo.State, u dynamo.Control, t int)
	Value() float64
	Reset()
}

// ObserveSamples feeds every step of every sample to each metric and returns
// the resulting values by name.
func ObserveSamples(samples dynamo.SampleList, ms ...Metric) map[string]float64 {
	for _, m := range ms {
		m.Reset()
	}
	for _, s := range samples {
		for t := 0; t < s.T(); t++ {
			x, u := s.State(t), s.Action(t)
			for _, m := range ms {
				m.Observe(x, u, t)
			}
		}
	}
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name()] = m.Value()
	}
	return out
}

type ControlEffort struct {
	name    string
	sum     float64
	samples int
}

func NewControlEffort() *ControlEffort {
	return &ControlEffort{
		name: "control_effort",
	}
}

func (c *ControlEffort) Name() string {
	return c.name
}

func (c *ControlEffort) Observe(x dynamo.State, u dynamo.Control, t int) {
	for _, val := range u {
		if val < 0 {
			val = -val
		}
		c.sum += val
	}
	c.samples++
}

func (c *ControlEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlEffort) Reset() {
	c.sum = 0
	c.samples = 0
}

// Bounded is the fraction of steps whose state stays within threshold in
// every coordinate and is finite.
type Bounded struct {
	name       string
	threshold  float64
	violations int
	samples    int
}

func NewBounded(threshold float64) *Bounded {
	return &Bounded{
		name:      "bounded",
		threshold: threshold,
	}
}

func (b *Bounded) Name() string {
	return b.name
}

func (b *Bounded) Observe(x dynamo.State, u dynamo.Control, t int) {
	b.samples++
	if !x.IsValid() {
		b.violations++
		return
	}
	for _, val := range x {
		if val > b.threshold || val < -b.threshold {
			b.violations++
			break
		}
	}
}

func (b *Bounded) Value() float64 {
	if b.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(b.violations)/float64(b.samples)
}

func (b *Bounded) Reset() {
	b.violations = 0
	b.samples = 0
}
