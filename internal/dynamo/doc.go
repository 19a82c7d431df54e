// Package dynamo provides the core data model shared by the trajectory
// optimizer.
//
// The package defines the value types that flow between cost evaluation,
// policy linearization, cost fusion and the iteration driver:
//
//   - [Sample]: one rollout of a condition (states, actions, observations)
//   - [SampleList]: the fixed-size batch of samples for one condition
//   - [CostExpansion]: per-timestep loss with first and second derivatives
//   - [Linearization]: per-timestep linear-Gaussian dynamics
//   - [TrajInfo]: dynamics plus the quadratic cost used by the solver
//
// # Errors
//
// Failures are reported through the sentinel errors in errors.go and can be
// matched with [errors.Is]. Errors that belong to one condition are wrapped
// in a [ConditionError].
//
// # Thread Safety
//
// Values are not synchronized. Conditions are independent, so distinct
// conditions may be processed concurrently with [ForEachCondition].
package dynamo
