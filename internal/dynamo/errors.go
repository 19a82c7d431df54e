package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors for optimizer operations.
var (
	// ErrConfiguration indicates an unknown token or an inconsistent setting.
	ErrConfiguration = errors.New("dynamo: invalid configuration")

	// ErrNumericalDegeneracy indicates a matrix that should be positive
	// definite could not be factorized.
	ErrNumericalDegeneracy = errors.New("dynamo: matrix not positive definite")

	// ErrDimensionMismatch indicates inconsistent array shapes or sample counts.
	ErrDimensionMismatch = errors.New("dynamo: dimension mismatch")

	// ErrInsufficientSamples indicates too few samples for a regression.
	ErrInsufficientSamples = errors.New("dynamo: not enough samples")
)

// ConditionError wraps an error with the condition and timestep it came from.
// Timestep is -1 when the failure is not tied to a single step.
type ConditionError struct {
	Condition int
	Timestep  int
	Op        string
	Wrapped   error
}

func (e *ConditionError) Error() string {
	if e.Timestep >= 0 {
		return fmt.Sprintf("condition %d: %s (t=%d): %v", e.Condition, e.Op, e.Timestep, e.Wrapped)
	}
	return fmt.Sprintf("condition %d: %s: %v", e.Condition, e.Op, e.Wrapped)
}

func (e *ConditionError) Unwrap() error {
	return e.Wrapped
}

// ConfigErrorf returns an error matching ErrConfiguration.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// DimensionErrorf returns an error matching ErrDimensionMismatch.
func DimensionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDimensionMismatch, fmt.Sprintf(format, args...))
}
