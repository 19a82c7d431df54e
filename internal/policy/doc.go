// Package policy linearizes a global policy around sampled trajectories.
//
// [FitPolicy] fits, at every timestep, the linear-Gaussian map from states
// to the policy's mean actions by Bayesian linear regression under a
// Normal-inverse-Wishart [Prior]. The result is kept per condition in an
// [Info], which caches the factorized covariances needed for the KL penalty.
//
// Two priors are provided: [IdentityPrior] and [EmpiricalPrior], which
// accumulates past (state, action) pairs. [Linear] is a simple global policy
// that can be trained from the local controllers.
package policy
