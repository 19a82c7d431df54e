// Package control provides time-varying linear-Gaussian controllers.
//
// A [LinearGaussian] controller draws u[t] from N(K[t] x + k[t], PSig[t]).
// It implements [dynamo.Controller]:
//
//	ctrl, err := control.InitConstant(T, dX, []float64{0}, []float64{1})
//	u := ctrl.Act(x, t, noise) // noise == nil gives the mean action
//
// Covariances are factorized at construction, so a controller that exists
// always has a positive definite covariance at every step.
package control
