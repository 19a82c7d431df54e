package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Record is the state of one condition at the end of one iteration. Cost
// fields are NaN when they were not estimated, e.g. Laplace costs on the
// first iteration.
type Record struct {
	Iteration     int     `json:"iteration"`
	Condition     int     `json:"condition"`
	StepMult      float64 `json:"step_mult"`
	Eta           float64 `json:"eta"`
	KLStep        float64 `json:"kl_step"`
	MCCost        float64 `json:"mc_cost"`
	LaplaceCost   float64 `json:"laplace_cost"`
	PredictedCost float64 `json:"predicted_cost"`
}

// Fields lists the numeric columns of a Record in CSV order.
var Fields = []string{"step_mult", "eta", "kl_step", "mc_cost", "laplace_cost", "predicted_cost"}

// Field returns the named numeric column.
func (r Record) Field(name string) (float64, error) {
	switch name {
	case "step_mult":
		return r.StepMult, nil
	case "eta":
		return r.Eta, nil
	case "kl_step":
		return r.KLStep, nil
	case "mc_cost":
		return r.MCCost, nil
	case "laplace_cost":
		return r.LaplaceCost, nil
	case "predicted_cost":
		return r.PredictedCost, nil
	}
	return math.NaN(), fmt.Errorf("unknown history field: %s", name)
}

// SetField is the inverse of Field.
func (r *Record) SetField(name string, v float64) error {
	switch name {
	case "step_mult":
		r.StepMult = v
	case "eta":
		r.Eta = v
	case "kl_step":
		r.KLStep = v
	case "mc_cost":
		r.MCCost = v
	case "laplace_cost":
		r.LaplaceCost = v
	case "predicted_cost":
		r.PredictedCost = v
	default:
		return fmt.Errorf("unknown history field: %s", name)
	}
	return nil
}

// History collects records across iterations. It is safe for concurrent use.
type History struct {
	mu      sync.Mutex
	records []Record
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Observe(rec Record) {
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
}

// Records returns a copy ordered by iteration, then condition.
func (h *History) Records() []Record {
	h.mu.Lock()
	out := append([]Record(nil), h.records...)
	h.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration < out[j].Iteration
		}
		return out[i].Condition < out[j].Condition
	})
	return out
}

// Series returns one field of one condition in iteration order.
func (h *History) Series(cond int, field string) ([]float64, error) {
	var out []float64
	for _, r := range h.Records() {
		if r.Condition != cond {
			continue
		}
		v, err := r.Field(field)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Conditions returns the distinct condition indices seen so far.
func (h *History) Conditions() []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range h.Records() {
		if !seen[r.Condition] {
			seen[r.Condition] = true
			out = append(out, r.Condition)
		}
	}
	sort.Ints(out)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *History) Reset() {
	h.mu.Lock()
	h.records = nil
	h.mu.Unlock()
}
