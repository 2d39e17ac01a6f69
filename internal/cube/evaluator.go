package cube

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/skyfold/skyfold/internal/model"
)

// Evaluator computes the predicted counts cube (npred) for a sky model
// through the instrument response: flux x exposure in true energy, PSF
// convolution per true-energy slice, energy-dispersion fold, background
// addition.
//
// The evaluator never mutates its inputs and recomputes npred in full on
// every call.
type Evaluator struct {
	model      *model.SkyModel
	exposure   *Cube // true-energy geometry, area x time units
	background *Cube // reco geometry, expected counts
	psf        *PSFKernel
	edisp      *EnergyDispersion
	logger     *zap.Logger
}

// NewEvaluator validates that the response products are mutually
// conformable and returns an evaluator. The background cube defines the
// reconstructed geometry of the output.
func NewEvaluator(m *model.SkyModel, exposure, background *Cube, psf *PSFKernel, edisp *EnergyDispersion) (*Evaluator, error) {
	if !exposure.Geom.SameSpatial(background.Geom) {
		return nil, fmt.Errorf("%w: exposure and background spatial grids differ", ErrShapeMismatch)
	}
	if psf.NBins() != exposure.Geom.Energy.NBins() {
		return nil, fmt.Errorf("%w: PSF has %d energy bins, exposure has %d",
			ErrShapeMismatch, psf.NBins(), exposure.Geom.Energy.NBins())
	}
	if err := edisp.conformable(exposure.Geom, background.Geom); err != nil {
		return nil, err
	}
	return &Evaluator{
		model:      m,
		exposure:   exposure,
		background: background,
		psf:        psf,
		edisp:      edisp,
		logger:     zap.NewNop(),
	}, nil
}

// SetLogger attaches a logger for per-computation diagnostics.
func (e *Evaluator) SetLogger(logger *zap.Logger) {
	if logger != nil {
		e.logger = logger.Named("evaluator")
	}
}

// Geom returns the reconstructed geometry npred is computed on.
func (e *Evaluator) Geom() *Geometry { return e.background.Geom }

// ComputeFlux evaluates the model flux integrated over each true-energy
// bin and pixel: spatial x spectral x bin width x pixel solid angle.
func (e *Evaluator) ComputeFlux() *Cube {
	geom := e.exposure.Geom
	flux := NewCube(geom)
	omega := geom.SolidAngle()
	for ie := 0; ie < geom.Energy.NBins(); ie++ {
		weight := e.model.Spectral().Evaluate(geom.Energy.Center(ie)) *
			geom.Energy.Width(ie) * omega
		plane := flux.Slice(ie)
		for iy := 0; iy < geom.NY; iy++ {
			lat := geom.Lat(iy)
			for ix := 0; ix < geom.NX; ix++ {
				plane[iy*geom.NX+ix] = e.model.Spatial().Evaluate(geom.Lon(ix), lat) * weight
			}
		}
	}
	return flux
}

// ComputeNpred returns the predicted counts cube on the reconstructed
// geometry. The result is non-negative by construction.
func (e *Evaluator) ComputeNpred() (*Cube, error) {
	geom := e.exposure.Geom

	// Flux x exposure gives predicted counts in true energy.
	npredTrue := e.ComputeFlux()
	for i, exp := range e.exposure.Data {
		npredTrue.Data[i] *= exp
	}

	// Spatial blurring, one kernel per true-energy slice.
	for ie := 0; ie < geom.Energy.NBins(); ie++ {
		blurred := e.psf.Convolve(npredTrue.Slice(ie), geom.NX, geom.NY, ie)
		copy(npredTrue.Slice(ie), blurred)
	}

	// Fold into reconstructed energy and add the background.
	npred, err := e.edisp.Apply(npredTrue, e.background.Geom)
	if err != nil {
		return nil, err
	}
	for i, bkg := range e.background.Data {
		npred.Data[i] += bkg
	}

	e.logger.Debug("computed npred",
		zap.Int("true_bins", geom.Energy.NBins()),
		zap.Int("reco_bins", e.background.Geom.Energy.NBins()),
		zap.Float64("total", npred.Sum()),
	)
	return npred, nil
}
