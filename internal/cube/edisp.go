package cube

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// EnergyDispersion maps true-energy bins to reconstructed-energy bins.
// M is (nTrue x nReco); row i holds the probability distribution of the
// reconstructed energy for photons in true bin i, so rows sum to at
// most 1 (exactly 1 when the reco axis covers the full true bin).
type EnergyDispersion struct {
	M *mat.Dense
}

// NTrue returns the number of true-energy bins.
func (d *EnergyDispersion) NTrue() int {
	r, _ := d.M.Dims()
	return r
}

// NReco returns the number of reconstructed-energy bins.
func (d *EnergyDispersion) NReco() int {
	_, c := d.M.Dims()
	return c
}

// NewIdentityDispersion creates a perfect-resolution dispersion for n
// matching true and reco bins.
func NewIdentityDispersion(n int) *EnergyDispersion {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return &EnergyDispersion{M: m}
}

// NewDiagonalDispersion builds a dispersion with no energy blurring
// from true and reco axes that may be binned differently: each true bin
// distributes its content over the reco bins it overlaps, weighted by
// the overlap fraction of the true bin.
func NewDiagonalDispersion(eTrue, eReco Axis) *EnergyDispersion {
	nTrue, nReco := eTrue.NBins(), eReco.NBins()
	m := mat.NewDense(nTrue, nReco, nil)
	for i := 0; i < nTrue; i++ {
		tLo, tHi := eTrue.Edges[i], eTrue.Edges[i+1]
		for j := 0; j < nReco; j++ {
			rLo, rHi := eReco.Edges[j], eReco.Edges[j+1]
			lo, hi := max(tLo, rLo), min(tHi, rHi)
			if hi > lo {
				m.Set(i, j, (hi-lo)/(tHi-tLo))
			}
		}
	}
	return &EnergyDispersion{M: m}
}

// Apply folds a true-energy cube into reconstructed energy on recoGeom:
// out[j] = sum_i in[i] * M[i][j], independently at every spatial pixel.
func (d *EnergyDispersion) Apply(in *Cube, recoGeom *Geometry) (*Cube, error) {
	if err := d.conformable(in.Geom, recoGeom); err != nil {
		return nil, err
	}
	out := NewCube(recoGeom)
	npix := recoGeom.NY * recoGeom.NX
	for i := 0; i < d.NTrue(); i++ {
		src := in.Slice(i)
		for j := 0; j < d.NReco(); j++ {
			w := d.M.At(i, j)
			if w == 0 {
				continue
			}
			dst := out.Data[j*npix : (j+1)*npix]
			for p, v := range src {
				dst[p] += v * w
			}
		}
	}
	return out, nil
}

func (d *EnergyDispersion) conformable(trueGeom, recoGeom *Geometry) error {
	if !trueGeom.SameSpatial(recoGeom) {
		return fmt.Errorf("%w: true and reco spatial grids differ", ErrShapeMismatch)
	}
	if trueGeom.Energy.NBins() != d.NTrue() {
		return fmt.Errorf("%w: dispersion has %d true bins, cube has %d",
			ErrShapeMismatch, d.NTrue(), trueGeom.Energy.NBins())
	}
	if recoGeom.Energy.NBins() != d.NReco() {
		return fmt.Errorf("%w: dispersion has %d reco bins, geometry has %d",
			ErrShapeMismatch, d.NReco(), recoGeom.Energy.NBins())
	}
	return nil
}
