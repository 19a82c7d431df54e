// Package optim holds the trust-region machinery of the optimizer.
//
// [ComputeCosts] fuses a task cost quadratic with the KL divergence to the
// linearized global policy. [StepAdjuster] grows or shrinks the per-condition
// step multiplier from the agreement between predicted and actual cost
// improvement.
package optim
