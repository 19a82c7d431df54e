// Package algorithm drives mirror descent guided policy search.
//
// Each call to [MDGPS.RunIteration] takes one sample list per condition and
// runs, in order: cost evaluation, dynamics update, a policy bootstrap on
// the first iteration, policy linearization, step adjustment (from the
// second iteration on), trajectory optimization against the fused cost and
// a global policy update. The state of every condition lives in an
// [IterationData]; the current and previous iterations are two buffers that
// swap at the end of a successful iteration.
//
// The dynamics model, the trajectory solver and the global policy are
// supplied by the caller through [Collaborators].
package algorithm
