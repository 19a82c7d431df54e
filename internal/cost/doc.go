// Package cost evaluates trajectory costs and their second-order expansions.
//
// A [Penalty] shape turns a weighted residual and its Jacobians into a loss,
// a state gradient and a state Hessian per timestep. Cost models build on
// the shapes:
//
//   - [Action]: quadratic action penalty
//   - [Residual]: a penalty shape over a user residual (see [NewState])
//   - [Sum]: weighted sum of other costs
//
// Weights can follow a [Ramp] schedule over the horizon.
package cost
