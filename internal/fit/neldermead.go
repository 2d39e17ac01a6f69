package fit

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// NelderMead is the default Minimizer backend, a derivative-free
// simplex search from gonum/optimize. Bounds are enforced by clamping
// inside the objective and again on the reported optimum, so a bounded
// parameter never leaves its interval in the result.
//
// The covariance is derived from a finite-difference Hessian of the
// objective at the optimum as 2*H^-1, the errordef-1 convention for
// objectives on the chi-square scale.
type NelderMead struct {
	// Absolute and Relative are the function convergence tolerances.
	Absolute float64
	Relative float64
	// Iterations is the convergence-check window; MaxIterations caps
	// the total major iterations (0 means no cap).
	Iterations    int
	MaxIterations int

	logger *zap.Logger
}

// NewNelderMead creates a backend with tolerances suited to likelihood
// surfaces.
func NewNelderMead() *NelderMead {
	return &NelderMead{
		Absolute:   1e-9,
		Relative:   1e-12,
		Iterations: 200,
		logger:     zap.NewNop(),
	}
}

// SetLogger attaches a logger for per-run diagnostics.
func (nm *NelderMead) SetLogger(logger *zap.Logger) {
	if logger != nil {
		nm.logger = logger.Named("nelder_mead")
	}
}

// Name identifies the backend in fit results.
func (nm *NelderMead) Name() string { return "nelder-mead" }

// Minimize runs the simplex search from init.
func (nm *NelderMead) Minimize(objective Objective, init []float64, bounds [][2]float64) (*MinimizeResult, error) {
	if len(init) == 0 {
		return nil, NewError("no free parameters to minimize over").
			WithComponent("nelder_mead").WithOperation("Minimize")
	}

	clamped := func(x []float64) []float64 {
		y := append([]float64(nil), x...)
		for i := range y {
			y[i] = clampTo(y[i], bounds, i)
		}
		return y
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return objective(clamped(x))
		},
	}
	settings := &optimize.Settings{
		MajorIterations: nm.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   nm.Absolute,
			Relative:   nm.Relative,
			Iterations: nm.Iterations,
		},
	}
	method := &optimize.NelderMead{}

	result, err := optimize.Minimize(problem, init, settings, method)
	if result == nil {
		return nil, WrapError(err, "minimization failed before producing a result").
			WithComponent("nelder_mead").WithOperation("Minimize")
	}

	best := clamped(result.X)
	success := err == nil

	nm.logger.Debug("minimization finished",
		zap.Bool("success", success),
		zap.Float64("objective", result.F),
		zap.Int("evaluations", result.FuncEvaluations),
	)

	res := &MinimizeResult{X: best, Success: success}
	if success {
		res.Covariance = nm.covariance(objective, best)
	}
	return res, nil
}

// covariance computes 2*H^-1 from a central finite-difference Hessian.
// The objective is evaluated in coordinates scaled by the optimum's
// magnitudes so that fd's uniform step suits parameters of very
// different scales (sky positions near 1e-1 next to amplitudes near
// 1e-11). Returns nil when the Hessian is not positive definite.
func (nm *NelderMead) covariance(objective Objective, x []float64) *mat.SymDense {
	n := len(x)
	scale := make([]float64, n)
	for i, v := range x {
		scale[i] = math.Abs(v)
		if scale[i] == 0 {
			scale[i] = 1
		}
	}
	scaled := func(u []float64) float64 {
		y := make([]float64, n)
		for i := range y {
			y[i] = x[i] + scale[i]*u[i]
		}
		return objective(y)
	}

	hess := mat.NewSymDense(n, nil)
	fd.Hessian(hess, scaled, make([]float64, n), &fd.Settings{Formula: fd.Central})

	// Halve to get the curvature of the log-likelihood.
	half := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			half.SetSym(i, j, 0.5*hess.At(i, j))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(half); !ok {
		nm.logger.Warn("Hessian not positive definite, covariance unavailable")
		return nil
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		nm.logger.Warn("Hessian inversion failed", zap.Error(err))
		return nil
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, scale[i]*scale[j]*inv.At(i, j))
		}
	}
	return cov
}

func clampTo(v float64, bounds [][2]float64, i int) float64 {
	if bounds == nil {
		return v
	}
	return math.Max(bounds[i][0], math.Min(v, bounds[i][1]))
}
