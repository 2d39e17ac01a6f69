package fit

import "gonum.org/v1/gonum/mat"

// Objective is a scalar function of a flat free-parameter vector. It is
// expected to be on the chi-square scale (-2 log-likelihood) so that
// minimizer backends can derive parameter covariances with the standard
// errordef-1 convention.
type Objective func(x []float64) float64

// MinimizeResult is the outcome of a minimizer run.
type MinimizeResult struct {
	// X is the best parameter vector found.
	X []float64
	// Success reports whether the backend converged. A false value is
	// an expected outcome, not an error: X still holds the best point
	// evaluated.
	Success bool
	// Covariance is the parameter covariance at the optimum, nil when
	// the backend could not derive one.
	Covariance *mat.SymDense
}

// Minimizer is the external optimization capability consumed by MapFit.
// Implementations are injected so alternative backends can be
// substituted without changing the fit contract.
type Minimizer interface {
	// Minimize searches for the vector minimizing the objective,
	// starting from init. bounds holds one [lo, hi] interval per
	// dimension; unbounded sides are +-Inf. A nil bounds slice means
	// fully unconstrained.
	Minimize(objective Objective, init []float64, bounds [][2]float64) (*MinimizeResult, error)

	// Name identifies the backend in fit results.
	Name() string
}
