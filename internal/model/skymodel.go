package model

// SkyModel composes one spatial and one spectral component into a
// separable flux model over (position, energy). The combined parameter
// set qualifies component parameters as "spatial.<name>" and
// "spectral.<name>" and shares the underlying Parameter structs with the
// components, so writing free values through the combined set updates
// the component evaluations.
type SkyModel struct {
	spatial  SpatialModel
	spectral SpectralModel
	params   *Parameters
}

// NewSkyModel pairs a spatial and a spectral component.
func NewSkyModel(spatial SpatialModel, spectral SpectralModel) *SkyModel {
	return &SkyModel{
		spatial:  spatial,
		spectral: spectral,
		params: NewCombined(
			[]string{"spatial", "spectral"},
			[]*Parameters{spatial.Parameters(), spectral.Parameters()},
		),
	}
}

// Evaluate returns spatial(lon, lat) * spectral(energy).
func (m *SkyModel) Evaluate(lon, lat, energy float64) float64 {
	return m.spatial.Evaluate(lon, lat) * m.spectral.Evaluate(energy)
}

// Spatial returns the spatial component.
func (m *SkyModel) Spatial() SpatialModel { return m.spatial }

// Spectral returns the spectral component.
func (m *SkyModel) Spectral() SpectralModel { return m.spectral }

// Parameters returns the combined parameter set.
func (m *SkyModel) Parameters() *Parameters { return m.params }

// Clone returns an independent deep copy of the model. The clone's
// combined set drops any covariance, as Parameters.Clone does.
func (m *SkyModel) Clone() *SkyModel {
	return NewSkyModel(m.spatial.Clone(), m.spectral.Clone())
}
