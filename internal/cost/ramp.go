package cost

import (
	"strings"

	"github.com/san-kum/mdgps/internal/dynamo"
)

// Ramp is a time-varying weight schedule over the horizon.
type Ramp int

const (
	RampConstant Ramp = iota
	RampLinear
	RampQuadratic
	RampFinalOnly
)

var rampNames = map[Ramp]string{
	RampConstant:  "constant",
	RampLinear:    "linear",
	RampQuadratic: "quadratic",
	RampFinalOnly: "final_only",
}

func (r Ramp) String() string {
	if s, ok := rampNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseRamp accepts exactly constant, linear, quadratic and final_only.
func ParseRamp(s string) (Ramp, error) {
	for r, name := range rampNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, dynamo.ConfigErrorf("unknown cost ramp: %s", s)
}

// RampMultiplier returns the weight of each of the T steps. The last weight
// is multiplied by final.
func RampMultiplier(r Ramp, T int, final float64) ([]float64, error) {
	if T <= 0 {
		return nil, dynamo.ConfigErrorf("ramp horizon must be positive, got %d", T)
	}
	w := make([]float64, T)
	switch r {
	case RampConstant:
		for t := range w {
			w[t] = 1
		}
	case RampLinear:
		for t := range w {
			w[t] = float64(t+1) / float64(T)
		}
	case RampQuadratic:
		for t := range w {
			v := float64(t+1) / float64(T)
			w[t] = v * v
		}
	case RampFinalOnly:
		w[T-1] = 1
	default:
		return nil, dynamo.ConfigErrorf("unknown cost ramp: %d", int(r))
	}
	w[T-1] *= final
	return w, nil
}
