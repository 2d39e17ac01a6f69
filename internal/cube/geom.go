// Package cube provides binned sky cubes (lon x lat x energy), the
// instrument response kernels defined on them, and the forward-folding
// evaluator that predicts counts for a sky model.
package cube

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when grids or response products are not
// mutually conformable. It is raised before any computation proceeds.
var ErrShapeMismatch = errors.New("shape mismatch")

// Axis is a binned energy axis defined by its bin edges in TeV,
// strictly ascending. Bin centers are logarithmic, the usual choice for
// gamma-ray energy axes.
type Axis struct {
	Edges []float64
}

// NewLogAxis creates an axis of n log-spaced bins between lo and hi.
func NewLogAxis(lo, hi float64, n int) Axis {
	if lo <= 0 || hi <= lo || n < 1 {
		panic(fmt.Sprintf("invalid log axis [%v, %v] with %d bins", lo, hi, n))
	}
	edges := make([]float64, n+1)
	step := math.Log(hi/lo) / float64(n)
	for i := range edges {
		edges[i] = lo * math.Exp(float64(i)*step)
	}
	return Axis{Edges: edges}
}

// NBins returns the number of bins.
func (a Axis) NBins() int { return len(a.Edges) - 1 }

// Center returns the log-center of bin i.
func (a Axis) Center(i int) float64 {
	return math.Sqrt(a.Edges[i] * a.Edges[i+1])
}

// Width returns the width of bin i.
func (a Axis) Width(i int) float64 {
	return a.Edges[i+1] - a.Edges[i]
}

// Geometry describes a flat-sky pixel grid with one energy axis. Pixels
// are square with side BinSize degrees, centered on (CenterLon,
// CenterLat). The small fields of view used in cube analyses make the
// flat-sky approximation adequate here; a WCS-backed provider can
// replace this one behind the same accessors.
type Geometry struct {
	NX, NY    int
	BinSize   float64 // deg
	CenterLon float64 // deg
	CenterLat float64 // deg
	Energy    Axis
}

// NewGeometry creates a grid of width x height degrees at the given bin
// size, rounded down to whole pixels.
func NewGeometry(centerLon, centerLat, width, height, binSize float64, energy Axis) *Geometry {
	if binSize <= 0 {
		panic(fmt.Sprintf("bin size must be positive, got %v", binSize))
	}
	return &Geometry{
		NX:        int(width / binSize),
		NY:        int(height / binSize),
		BinSize:   binSize,
		CenterLon: centerLon,
		CenterLat: centerLat,
		Energy:    energy,
	}
}

// Lon returns the longitude of pixel column ix.
func (g *Geometry) Lon(ix int) float64 {
	return g.CenterLon + (float64(ix)-0.5*float64(g.NX-1))*g.BinSize
}

// Lat returns the latitude of pixel row iy.
func (g *Geometry) Lat(iy int) float64 {
	return g.CenterLat + (float64(iy)-0.5*float64(g.NY-1))*g.BinSize
}

// SolidAngle returns the pixel solid angle in deg^2.
func (g *Geometry) SolidAngle() float64 {
	return g.BinSize * g.BinSize
}

// SameSpatial reports whether two geometries share the pixel grid,
// ignoring the energy axis.
func (g *Geometry) SameSpatial(o *Geometry) bool {
	return g.NX == o.NX && g.NY == o.NY &&
		g.BinSize == o.BinSize &&
		g.CenterLon == o.CenterLon && g.CenterLat == o.CenterLat
}

// WithEnergy returns a copy of the geometry with a different energy
// axis, sharing the spatial grid. Used to define the true-energy
// geometry of exposure and response products.
func (g *Geometry) WithEnergy(energy Axis) *Geometry {
	out := *g
	out.Energy = energy
	return &out
}
