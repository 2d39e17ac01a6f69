package cube

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Cube is a 3-D data array over a geometry's (energy, lat, lon) bins.
// Data is stored energy-major: index = (ie*NY + iy)*NX + ix.
type Cube struct {
	Geom *Geometry
	Data []float64
}

// NewCube creates a zero-filled cube on the given geometry.
func NewCube(geom *Geometry) *Cube {
	return &Cube{
		Geom: geom,
		Data: make([]float64, geom.Energy.NBins()*geom.NY*geom.NX),
	}
}

// NewFilledCube creates a cube with every bin set to value.
func NewFilledCube(geom *Geometry, value float64) *Cube {
	c := NewCube(geom)
	for i := range c.Data {
		c.Data[i] = value
	}
	return c
}

// At returns the value at (ie, iy, ix).
func (c *Cube) At(ie, iy, ix int) float64 {
	return c.Data[(ie*c.Geom.NY+iy)*c.Geom.NX+ix]
}

// Set writes the value at (ie, iy, ix).
func (c *Cube) Set(ie, iy, ix int, v float64) {
	c.Data[(ie*c.Geom.NY+iy)*c.Geom.NX+ix] = v
}

// Slice returns the spatial plane of energy bin ie as a subslice of the
// cube's backing array.
func (c *Cube) Slice(ie int) []float64 {
	n := c.Geom.NY * c.Geom.NX
	return c.Data[ie*n : (ie+1)*n]
}

// Sum returns the total over all bins.
func (c *Cube) Sum() float64 {
	return floats.Sum(c.Data)
}

// SliceSum returns the total over the spatial plane of energy bin ie.
func (c *Cube) SliceSum(ie int) float64 {
	return floats.Sum(c.Slice(ie))
}

// Clone returns an independent copy of the cube sharing the geometry.
func (c *Cube) Clone() *Cube {
	out := NewCube(c.Geom)
	copy(out.Data, c.Data)
	return out
}

// Conformable returns nil when the two cubes share grid shape and
// energy binning.
func (c *Cube) Conformable(o *Cube) error {
	if !c.Geom.SameSpatial(o.Geom) {
		return fmt.Errorf("%w: spatial grids differ (%dx%d vs %dx%d)",
			ErrShapeMismatch, c.Geom.NX, c.Geom.NY, o.Geom.NX, o.Geom.NY)
	}
	if c.Geom.Energy.NBins() != o.Geom.Energy.NBins() {
		return fmt.Errorf("%w: energy axes differ (%d vs %d bins)",
			ErrShapeMismatch, c.Geom.Energy.NBins(), o.Geom.Energy.NBins())
	}
	return nil
}

// Mask marks which bins of a cube participate in a fit statistic. The
// zero selection (nil Mask) means all bins participate.
type Mask struct {
	Geom *Geometry
	Data []bool
}

// NewMask creates an all-false mask on the given geometry.
func NewMask(geom *Geometry) *Mask {
	return &Mask{
		Geom: geom,
		Data: make([]bool, geom.Energy.NBins()*geom.NY*geom.NX),
	}
}

// NewCircleMask selects pixels within radius degrees of (lon, lat),
// broadcast over all energy bins.
func NewCircleMask(geom *Geometry, lon, lat, radius float64) *Mask {
	m := NewMask(geom)
	r2 := radius * radius
	for iy := 0; iy < geom.NY; iy++ {
		dLat := geom.Lat(iy) - lat
		for ix := 0; ix < geom.NX; ix++ {
			dLon := geom.Lon(ix) - lon
			if dLon*dLon+dLat*dLat > r2 {
				continue
			}
			for ie := 0; ie < geom.Energy.NBins(); ie++ {
				m.Data[(ie*geom.NY+iy)*geom.NX+ix] = true
			}
		}
	}
	return m
}

// At returns whether bin (ie, iy, ix) is selected.
func (m *Mask) At(ie, iy, ix int) bool {
	return m.Data[(ie*m.Geom.NY+iy)*m.Geom.NX+ix]
}
