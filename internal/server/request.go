package server

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/skyfold/skyfold/internal/cube"
	"github.com/skyfold/skyfold/internal/fit"
	"github.com/skyfold/skyfold/internal/model"
)

// FitRequest is the JSON payload of a fit submission. The counts cube
// is flattened energy-major (energy, then latitude rows, then
// longitude), matching the internal cube layout.
type FitRequest struct {
	Geometry   GeometrySpec `json:"geometry"`
	Counts     []float64    `json:"counts"`
	Exposure   float64      `json:"exposure"`
	Background float64      `json:"background"`
	// PSFSigma is the Gaussian blur width in degrees; 0 disables blurring.
	PSFSigma float64     `json:"psf_sigma,omitempty"`
	Model    ModelSpec   `json:"model"`
	Mask     *CircleSpec `json:"mask,omitempty"`
}

// GeometrySpec describes the flat-sky analysis grid.
type GeometrySpec struct {
	CenterLon float64 `json:"center_lon"`
	CenterLat float64 `json:"center_lat"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	BinSize   float64 `json:"bin_size"`
	// EnergyEdges are the reconstructed energy bin edges.
	EnergyEdges []float64 `json:"energy_edges"`
	// TrueEnergyEdges default to EnergyEdges when omitted.
	TrueEnergyEdges []float64 `json:"true_energy_edges,omitempty"`
}

// ModelSpec describes the sky model to fit.
type ModelSpec struct {
	Spatial  ComponentSpec `json:"spatial"`
	Spectral ComponentSpec `json:"spectral"`
	// Frozen lists parameter names held fixed during the fit.
	Frozen []string `json:"frozen,omitempty"`
	// Bounds maps parameter names to [min, max] box constraints.
	Bounds map[string][2]float64 `json:"bounds,omitempty"`
}

// ComponentSpec selects one model component by type name.
type ComponentSpec struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
}

// CircleSpec describes a circular fit mask.
type CircleSpec struct {
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Radius float64 `json:"radius"`
}

// Build validates the request and assembles a ready-to-run fit. A nil
// minimizer selects the default backend.
func (r *FitRequest) Build(minimizer fit.Minimizer, logger *zap.Logger) (*fit.MapFit, error) {
	g := r.Geometry
	if g.BinSize <= 0 || g.Width <= 0 || g.Height <= 0 {
		return nil, fmt.Errorf("geometry requires positive width, height and bin_size")
	}
	recoAxis, err := axisFromEdges(g.EnergyEdges)
	if err != nil {
		return nil, fmt.Errorf("energy_edges: %w", err)
	}
	trueAxis := recoAxis
	if len(g.TrueEnergyEdges) > 0 {
		trueAxis, err = axisFromEdges(g.TrueEnergyEdges)
		if err != nil {
			return nil, fmt.Errorf("true_energy_edges: %w", err)
		}
	}

	recoGeom := cube.NewGeometry(g.CenterLon, g.CenterLat, g.Width, g.Height, g.BinSize, recoAxis)
	trueGeom := recoGeom.WithEnergy(trueAxis)

	expected := recoGeom.NX * recoGeom.NY * recoAxis.NBins()
	if len(r.Counts) != expected {
		return nil, fmt.Errorf("counts has %d values, geometry requires %d", len(r.Counts), expected)
	}
	counts := cube.NewCube(recoGeom)
	copy(counts.Data, r.Counts)

	if r.Exposure <= 0 {
		return nil, fmt.Errorf("exposure must be positive")
	}
	if r.Background < 0 {
		return nil, fmt.Errorf("background must be non-negative")
	}
	exposure := cube.NewFilledCube(trueGeom, r.Exposure)
	background := cube.NewFilledCube(recoGeom, r.Background)

	psf := cube.NewDeltaPSF(trueAxis.NBins())
	if r.PSFSigma > 0 {
		psf, err = cube.NewGaussianPSF(trueGeom, []float64{r.PSFSigma}, 3*r.PSFSigma)
		if err != nil {
			return nil, fmt.Errorf("psf_sigma: %w", err)
		}
	}

	edisp := cube.NewIdentityDispersion(recoAxis.NBins())
	if len(g.TrueEnergyEdges) > 0 {
		edisp = cube.NewDiagonalDispersion(trueAxis, recoAxis)
	}

	var mask *cube.Mask
	if r.Mask != nil {
		if r.Mask.Radius <= 0 {
			return nil, fmt.Errorf("mask radius must be positive")
		}
		mask = cube.NewCircleMask(recoGeom, r.Mask.Lon, r.Mask.Lat, r.Mask.Radius)
	}

	skyModel, err := r.Model.build()
	if err != nil {
		return nil, err
	}

	return fit.NewMapFit(fit.MapFitConfig{
		Model:      skyModel,
		Counts:     counts,
		Exposure:   exposure,
		Background: background,
		PSF:        psf,
		EDisp:      edisp,
		Mask:       mask,
		Minimizer:  minimizer,
		Logger:     logger,
	})
}

func (m *ModelSpec) build() (*model.SkyModel, error) {
	spatial, err := buildSpatial(m.Spatial)
	if err != nil {
		return nil, err
	}
	spectral, err := buildSpectral(m.Spectral)
	if err != nil {
		return nil, err
	}
	sky := model.NewSkyModel(spatial, spectral)
	params := sky.Parameters()

	for _, name := range m.Frozen {
		p, err := params.Get(name)
		if err != nil {
			return nil, fmt.Errorf("frozen: %w", err)
		}
		p.Frozen = true
	}

	// Deterministic iteration keeps error messages stable.
	names := make([]string, 0, len(m.Bounds))
	for name := range m.Bounds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bounds := m.Bounds[name]
		if bounds[0] > bounds[1] {
			return nil, fmt.Errorf("bounds: min > max for %q", name)
		}
		p, err := params.Get(name)
		if err != nil {
			return nil, fmt.Errorf("bounds: %w", err)
		}
		p.SetBounds(bounds[0], bounds[1])
	}
	return sky, nil
}

func buildSpatial(spec ComponentSpec) (model.SpatialModel, error) {
	switch spec.Type {
	case "gaussian":
		lon0, lat0, sigma, err := requireParams(spec.Parameters, "lon_0", "lat_0", "sigma")
		if err != nil {
			return nil, fmt.Errorf("spatial model %q: %w", spec.Type, err)
		}
		if sigma <= 0 {
			return nil, fmt.Errorf("spatial model %q: sigma must be positive", spec.Type)
		}
		return model.NewGaussianSpatial(lon0, lat0, sigma), nil
	case "uniform":
		value, ok := spec.Parameters["value"]
		if !ok {
			value = 1.0
		}
		return model.NewUniformSpatial(value), nil
	default:
		return nil, fmt.Errorf("unknown spatial model %q", spec.Type)
	}
}

func buildSpectral(spec ComponentSpec) (model.SpectralModel, error) {
	switch spec.Type {
	case "power-law":
		index, ok := spec.Parameters["index"]
		if !ok {
			return nil, fmt.Errorf("spectral model %q: missing parameter index", spec.Type)
		}
		amplitude, ok := spec.Parameters["amplitude"]
		if !ok {
			return nil, fmt.Errorf("spectral model %q: missing parameter amplitude", spec.Type)
		}
		reference, ok := spec.Parameters["reference"]
		if !ok {
			reference = 1.0
		}
		return model.NewPowerLaw(index, amplitude, reference), nil
	case "constant":
		norm, ok := spec.Parameters["norm"]
		if !ok {
			return nil, fmt.Errorf("spectral model %q: missing parameter norm", spec.Type)
		}
		return model.NewConstantSpectral(norm), nil
	default:
		return nil, fmt.Errorf("unknown spectral model %q", spec.Type)
	}
}

func requireParams(params map[string]float64, names ...string) (float64, float64, float64, error) {
	values := make([]float64, len(names))
	for i, name := range names {
		v, ok := params[name]
		if !ok {
			return 0, 0, 0, fmt.Errorf("missing parameter %s", name)
		}
		values[i] = v
	}
	return values[0], values[1], values[2], nil
}

func axisFromEdges(edges []float64) (cube.Axis, error) {
	if len(edges) < 2 {
		return cube.Axis{}, fmt.Errorf("need at least two edges")
	}
	for i := 1; i < len(edges); i++ {
		if edges[i] <= edges[i-1] {
			return cube.Axis{}, fmt.Errorf("edges must be strictly increasing")
		}
	}
	if edges[0] <= 0 {
		return cube.Axis{}, fmt.Errorf("edges must be positive")
	}
	return cube.Axis{Edges: append([]float64(nil), edges...)}, nil
}
