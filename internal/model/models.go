package model

import (
	"fmt"
	"math"
)

// SpatialModel evaluates a normalized surface brightness at a sky
// position (longitude, latitude in degrees; value per square degree).
type SpatialModel interface {
	// Evaluate returns the spatial model value at (lon, lat).
	Evaluate(lon, lat float64) float64

	// Parameters returns the live parameter set of the component.
	Parameters() *Parameters

	// Clone returns an independent deep copy.
	Clone() SpatialModel
}

// SpectralModel evaluates a differential flux at an energy (TeV; value
// per unit area, time, energy and solid angle).
type SpectralModel interface {
	// Evaluate returns the spectral model value at the given energy.
	Evaluate(energy float64) float64

	// Parameters returns the live parameter set of the component.
	Parameters() *Parameters

	// Clone returns an independent deep copy.
	Clone() SpectralModel
}

// GaussianSpatial is a symmetric 2-D Gaussian surface brightness
// profile, normalized to unit integral over the flat sky.
type GaussianSpatial struct {
	lon0, lat0, sigma *Parameter
	params            *Parameters
}

// NewGaussianSpatial creates a Gaussian profile centered on
// (lon0, lat0) with width sigma, all in degrees.
func NewGaussianSpatial(lon0, lat0, sigma float64) *GaussianSpatial {
	if sigma <= 0 {
		panic(fmt.Sprintf("sigma must be positive, got %v", sigma))
	}
	g := &GaussianSpatial{
		lon0:  NewParameter("lon_0", lon0, "deg"),
		lat0:  NewParameter("lat_0", lat0, "deg"),
		sigma: NewParameter("sigma", sigma, "deg"),
	}
	g.params = NewParameters(g.lon0, g.lat0, g.sigma)
	return g
}

// Evaluate returns the profile value at (lon, lat) in deg^-2.
func (g *GaussianSpatial) Evaluate(lon, lat float64) float64 {
	dLon := lon - g.lon0.Value
	dLat := lat - g.lat0.Value
	r2 := dLon*dLon + dLat*dLat
	s2 := g.sigma.Value * g.sigma.Value
	return math.Exp(-0.5*r2/s2) / (2 * math.Pi * s2)
}

// Parameters returns the live parameter set.
func (g *GaussianSpatial) Parameters() *Parameters { return g.params }

// Clone returns an independent deep copy.
func (g *GaussianSpatial) Clone() SpatialModel {
	params := g.params.Clone()
	return &GaussianSpatial{
		lon0:   params.MustGet("lon_0"),
		lat0:   params.MustGet("lat_0"),
		sigma:  params.MustGet("sigma"),
		params: params,
	}
}

// UniformSpatial is a flat surface brightness of constant value,
// useful for diffuse components and as a trivial profile in tests.
type UniformSpatial struct {
	value  *Parameter
	params *Parameters
}

// NewUniformSpatial creates a flat profile with the given value in
// deg^-2.
func NewUniformSpatial(value float64) *UniformSpatial {
	u := &UniformSpatial{value: NewParameter("value", value, "deg-2")}
	u.params = NewParameters(u.value)
	return u
}

// Evaluate returns the constant profile value.
func (u *UniformSpatial) Evaluate(lon, lat float64) float64 {
	return u.value.Value
}

// Parameters returns the live parameter set.
func (u *UniformSpatial) Parameters() *Parameters { return u.params }

// Clone returns an independent deep copy.
func (u *UniformSpatial) Clone() SpatialModel {
	params := u.params.Clone()
	return &UniformSpatial{value: params.MustGet("value"), params: params}
}

// PowerLaw is the spectral form amplitude * (E / reference)^-index.
// The reference energy is frozen by default; fitting it together with
// the amplitude would be degenerate.
type PowerLaw struct {
	index, amplitude, reference *Parameter
	params                      *Parameters
}

// NewPowerLaw creates a power law with the given photon index,
// amplitude (cm-2 s-1 TeV-1) and reference energy (TeV).
func NewPowerLaw(index, amplitude, reference float64) *PowerLaw {
	if reference <= 0 {
		panic(fmt.Sprintf("reference energy must be positive, got %v", reference))
	}
	pl := &PowerLaw{
		index:     NewParameter("index", index, ""),
		amplitude: NewParameter("amplitude", amplitude, "cm-2 s-1 TeV-1"),
		reference: NewParameter("reference", reference, "TeV"),
	}
	pl.reference.Frozen = true
	pl.params = NewParameters(pl.index, pl.amplitude, pl.reference)
	return pl
}

// Evaluate returns the differential flux at the given energy in TeV.
func (pl *PowerLaw) Evaluate(energy float64) float64 {
	return pl.amplitude.Value * math.Pow(energy/pl.reference.Value, -pl.index.Value)
}

// Parameters returns the live parameter set.
func (pl *PowerLaw) Parameters() *Parameters { return pl.params }

// Clone returns an independent deep copy.
func (pl *PowerLaw) Clone() SpectralModel {
	params := pl.params.Clone()
	return &PowerLaw{
		index:     params.MustGet("index"),
		amplitude: params.MustGet("amplitude"),
		reference: params.MustGet("reference"),
		params:    params,
	}
}

// ConstantSpectral is an energy-independent spectral value.
type ConstantSpectral struct {
	norm   *Parameter
	params *Parameters
}

// NewConstantSpectral creates a constant spectrum with the given
// normalization in cm-2 s-1 TeV-1.
func NewConstantSpectral(norm float64) *ConstantSpectral {
	c := &ConstantSpectral{norm: NewParameter("norm", norm, "cm-2 s-1 TeV-1")}
	c.params = NewParameters(c.norm)
	return c
}

// Evaluate returns the normalization regardless of energy.
func (c *ConstantSpectral) Evaluate(energy float64) float64 {
	return c.norm.Value
}

// Parameters returns the live parameter set.
func (c *ConstantSpectral) Parameters() *Parameters { return c.params }

// Clone returns an independent deep copy.
func (c *ConstantSpectral) Clone() SpectralModel {
	params := c.params.Clone()
	return &ConstantSpectral{norm: params.MustGet("norm"), params: params}
}
