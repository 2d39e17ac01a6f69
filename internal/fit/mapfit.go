package fit

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/skyfold/skyfold/internal/cube"
	"github.com/skyfold/skyfold/internal/model"
)

// State tracks where a MapFit is in its lifecycle.
type State string

const (
	// StateConstructed means Run has not been called yet.
	StateConstructed State = "constructed"
	// StateRunning means a Run call is in progress.
	StateRunning State = "running"
	// StateConverged means the last Run converged.
	StateConverged State = "converged"
	// StateFailed means the last Run did not converge.
	StateFailed State = "failed"
)

// MapFitConfig collects the inputs of a cube likelihood fit.
type MapFitConfig struct {
	// Model is the sky model whose free parameters are fitted. It is
	// deep-copied at construction and never mutated.
	Model *model.SkyModel

	// Counts is the observed counts cube on the reconstructed geometry.
	Counts *cube.Cube

	// Exposure, Background, PSF and EDisp are the instrument response
	// products consumed by the evaluator.
	Exposure   *cube.Cube
	Background *cube.Cube
	PSF        *cube.PSFKernel
	EDisp      *cube.EnergyDispersion

	// Mask selects the bins entering the statistic; nil selects all.
	Mask *cube.Mask

	// Minimizer is the optimization backend; NewNelderMead() when nil.
	Minimizer Minimizer

	// Logger receives fit progress; silent when nil.
	Logger *zap.Logger
}

// MapFit performs a maximum-likelihood fit of a sky model's free
// parameters against an observed counts cube under the Cash statistic.
//
// The fit operates on a private deep copy of the supplied model; the
// caller's instance is never observed or mutated after construction.
// Run blocks until the minimizer returns and may be called again, which
// restarts from the working model's then-current values.
type MapFit struct {
	counts    *cube.Cube
	mask      *cube.Mask
	model     *model.SkyModel // private working copy
	evaluator *cube.Evaluator
	minimizer Minimizer
	logger    *zap.Logger

	state     State
	totalStat float64
}

// NewMapFit validates the inputs and prepares a fit. Grids that are not
// mutually conformable fail here with cube.ErrShapeMismatch before any
// computation proceeds.
func NewMapFit(cfg MapFitConfig) (*MapFit, error) {
	if cfg.Model == nil {
		return nil, NewError("model is required").WithComponent("map_fit").WithOperation("NewMapFit")
	}
	if err := cfg.Counts.Conformable(cfg.Background); err != nil {
		return nil, WrapError(err, "counts cube does not match the reconstructed geometry").
			WithComponent("map_fit").WithOperation("NewMapFit")
	}
	if cfg.Mask != nil {
		if len(cfg.Mask.Data) != len(cfg.Counts.Data) {
			return nil, NewErrorf("mask has %d bins, counts has %d",
				len(cfg.Mask.Data), len(cfg.Counts.Data)).
				WithComponent("map_fit").WithOperation("NewMapFit")
		}
	}

	working := cfg.Model.Clone()
	evaluator, err := cube.NewEvaluator(working, cfg.Exposure, cfg.Background, cfg.PSF, cfg.EDisp)
	if err != nil {
		return nil, WrapError(err, "response products are not conformable").
			WithComponent("map_fit").WithOperation("NewMapFit")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minimizer := cfg.Minimizer
	if minimizer == nil {
		nm := NewNelderMead()
		nm.SetLogger(logger)
		minimizer = nm
	}
	evaluator.SetLogger(logger)

	return &MapFit{
		counts:    cfg.Counts,
		mask:      cfg.Mask,
		model:     working,
		evaluator: evaluator,
		minimizer: minimizer,
		logger:    logger.Named("map_fit"),
		state:     StateConstructed,
	}, nil
}

// State returns the current lifecycle state.
func (f *MapFit) State() State { return f.state }

// Model returns the private working model. Exposed for inspection; the
// fit mutates it during Run, so callers must not write to it.
func (f *MapFit) Model() *model.SkyModel { return f.model }

// TotalStat returns the statistic at the last evaluated point.
func (f *MapFit) TotalStat() float64 { return f.totalStat }

// Stat evaluates the total Cash statistic for the working model's
// current parameter values.
func (f *MapFit) Stat() (float64, error) {
	npred, err := f.evaluator.ComputeNpred()
	if err != nil {
		return 0, err
	}
	return CashSum(f.counts, npred, f.mask), nil
}

// Run minimizes the statistic over the working model's free parameters
// and returns the result. Non-convergence is reported through the
// result's Success flag, not as an error; the best values found are
// kept so the caller can inspect them.
func (f *MapFit) Run() (*FitResult, error) {
	f.state = StateRunning
	params := f.model.Parameters()
	free := params.Free()

	f.logger.Info("starting fit",
		zap.Int("free_parameters", len(free)),
		zap.String("backend", f.minimizer.Name()),
	)

	objective := func(x []float64) float64 {
		if err := params.SetFreeValues(x); err != nil {
			return math.Inf(1)
		}
		stat, err := f.Stat()
		if err != nil {
			return math.Inf(1)
		}
		f.totalStat = stat
		return stat
	}

	// With every parameter frozen there is nothing to minimize; the
	// statistic at the current values is the result.
	if len(free) == 0 {
		stat, err := f.Stat()
		if err != nil {
			f.state = StateFailed
			return nil, WrapError(err, "statistic evaluation failed").
				WithComponent("map_fit").WithOperation("Run")
		}
		f.totalStat = stat
		f.state = StateConverged
		return f.newResult(true), nil
	}

	minRes, err := f.minimizer.Minimize(objective, params.FreeValues(), params.FreeBounds())
	if err != nil {
		f.state = StateFailed
		return nil, WrapError(err, "minimizer failed").
			WithComponent("map_fit").WithOperation("Run")
	}

	// Write the optimum back and evaluate the statistic there, so the
	// working model and the reported stat agree even when the backend's
	// last probe was elsewhere.
	if err := params.SetFreeValues(minRes.X); err != nil {
		f.state = StateFailed
		return nil, WrapError(err, "optimum has wrong dimension").
			WithComponent("map_fit").WithOperation("Run")
	}
	f.totalStat = objective(minRes.X)

	if minRes.Covariance != nil {
		if err := params.SetCovariance(minRes.Covariance); err != nil {
			return nil, WrapError(err, "covariance has wrong dimension").
				WithComponent("map_fit").WithOperation("Run")
		}
	}

	if minRes.Success {
		f.state = StateConverged
	} else {
		f.state = StateFailed
	}
	f.logger.Info("fit finished",
		zap.Bool("success", minRes.Success),
		zap.Float64("total_stat", f.totalStat),
	)
	return f.newResult(minRes.Success), nil
}

// newResult snapshots the working model into an independent FitResult.
func (f *MapFit) newResult(success bool) *FitResult {
	resultModel := f.model.Clone()
	if cov := f.model.Parameters().Covariance(); cov != nil {
		n := cov.SymmetricDim()
		covCopy := mat.NewSymDense(n, nil)
		covCopy.CopySym(cov)
		// Clone drops covariance; re-attach an independent copy.
		_ = resultModel.Parameters().SetCovariance(covCopy)
	}
	return &FitResult{
		model:     resultModel,
		success:   success,
		totalStat: f.totalStat,
		backend:   f.minimizer.Name(),
	}
}

// FitResult is the immutable record of a completed fit.
type FitResult struct {
	model     *model.SkyModel
	success   bool
	totalStat float64
	backend   string
}

// Model returns the fitted model, independent of both the caller's
// original and the fit engine's working copy.
func (r *FitResult) Model() *model.SkyModel { return r.model }

// Success reports whether the minimizer converged.
func (r *FitResult) Success() bool { return r.success }

// TotalStat returns the total Cash statistic at the optimum.
func (r *FitResult) TotalStat() float64 { return r.totalStat }

// Backend names the minimizer that produced the result.
func (r *FitResult) Backend() string { return r.backend }

func (r *FitResult) String() string {
	return fmt.Sprintf("FitResult(backend=%s, success=%t, total_stat=%.6g)",
		r.backend, r.success, r.totalStat)
}
