package cube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfold/skyfold/internal/model"
)

func testGeoms() (reco, etrue *Geometry) {
	reco = NewGeometry(0, 0, 2, 2, 0.1, NewLogAxis(0.1, 10, 2))
	etrue = reco.WithEnergy(NewLogAxis(0.1, 10, 3))
	return reco, etrue
}

func TestGeometryPixelCenters(t *testing.T) {
	geom := NewGeometry(0, 0, 2, 2, 0.1, NewLogAxis(0.1, 10, 2))
	assert.Equal(t, 20, geom.NX)
	assert.Equal(t, 20, geom.NY)

	// Pixel centers are symmetric about the map center.
	assert.InDelta(t, -geom.Lon(0), geom.Lon(geom.NX-1), 1e-12)
	assert.InDelta(t, -0.95, geom.Lon(0), 1e-12)
	assert.InDelta(t, 0.01, geom.SolidAngle(), 1e-12)
}

func TestLogAxis(t *testing.T) {
	axis := NewLogAxis(0.1, 10, 2)
	require.Equal(t, 2, axis.NBins())
	assert.InDelta(t, 0.1, axis.Edges[0], 1e-12)
	assert.InDelta(t, 1.0, axis.Edges[1], 1e-12)
	assert.InDelta(t, 10.0, axis.Edges[2], 1e-12)

	// Log-centers are geometric means of the edges.
	assert.InDelta(t, 0.31622776601, axis.Center(0), 1e-9)
}

func TestComputeNpredIdentityResponse(t *testing.T) {
	_, etrue := testGeoms()
	// Identity response on matching axes: npred must reduce exactly to
	// flux x exposure.
	recoSame := etrue

	m := model.NewSkyModel(model.NewUniformSpatial(2), model.NewConstantSpectral(3))
	exposure := NewFilledCube(etrue, 1e10)
	background := NewCube(recoSame)
	psf := NewDeltaPSF(etrue.Energy.NBins())
	edisp := NewIdentityDispersion(etrue.Energy.NBins())

	ev, err := NewEvaluator(m, exposure, background, psf, edisp)
	require.NoError(t, err)

	npred, err := ev.ComputeNpred()
	require.NoError(t, err)

	omega := etrue.SolidAngle()
	for ie := 0; ie < etrue.Energy.NBins(); ie++ {
		want := 2 * 3 * etrue.Energy.Width(ie) * omega * 1e10
		for iy := 0; iy < etrue.NY; iy++ {
			for ix := 0; ix < etrue.NX; ix++ {
				assert.InEpsilon(t, want, npred.At(ie, iy, ix), 1e-12)
			}
		}
	}
}

func TestComputeNpredNonNegativeAndShaped(t *testing.T) {
	reco, etrue := testGeoms()

	m := model.NewSkyModel(model.NewGaussianSpatial(0.2, 0.1, 0.2), model.NewPowerLaw(3, 1e-11, 1))
	exposure := NewFilledCube(etrue, 1e12)
	background := NewFilledCube(reco, 1e-5)
	psf, err := NewGaussianPSF(etrue, []float64{0.1}, 0.3)
	require.NoError(t, err)
	edisp := NewDiagonalDispersion(etrue.Energy, reco.Energy)

	ev, err := NewEvaluator(m, exposure, background, psf, edisp)
	require.NoError(t, err)

	npred, err := ev.ComputeNpred()
	require.NoError(t, err)

	assert.Len(t, npred.Data, reco.Energy.NBins()*reco.NY*reco.NX)
	for i, v := range npred.Data {
		assert.GreaterOrEqual(t, v, 0.0, "bin %d", i)
	}
	assert.Greater(t, npred.Sum(), 0.0)
}

func TestPSFConservesCountsPerSlice(t *testing.T) {
	_, etrue := testGeoms()
	psf, err := NewGaussianPSF(etrue, []float64{0.05}, 0.3)
	require.NoError(t, err)

	// A source far from the edges: no kernel truncation.
	plane := make([]float64, etrue.NY*etrue.NX)
	plane[10*etrue.NX+10] = 7.5

	out := psf.Convolve(plane, etrue.NX, etrue.NY, 0)
	total := 0.0
	for _, v := range out {
		total += v
	}
	assert.InEpsilon(t, 7.5, total, 1e-12)
}

func TestDeltaPSFIsIdentity(t *testing.T) {
	psf := NewDeltaPSF(1)
	plane := []float64{1, 2, 3, 4}
	out := psf.Convolve(plane, 2, 2, 0)
	assert.Equal(t, plane, out)
}

func TestDiagonalDispersionOverlap(t *testing.T) {
	eTrue := NewLogAxis(0.1, 10, 3)
	eReco := NewLogAxis(0.1, 10, 2)
	d := NewDiagonalDispersion(eTrue, eReco)

	require.Equal(t, 3, d.NTrue())
	require.Equal(t, 2, d.NReco())

	// Rows are probability distributions: each true bin is fully
	// covered by the reco axis here, so rows sum to 1.
	for i := 0; i < d.NTrue(); i++ {
		sum := 0.0
		for j := 0; j < d.NReco(); j++ {
			sum += d.M.At(i, j)
		}
		assert.InEpsilon(t, 1.0, sum, 1e-12, "row %d", i)
	}

	// The first true bin [0.1, 0.464] lies inside the first reco bin
	// [0.1, 1].
	assert.InEpsilon(t, 1.0, d.M.At(0, 0), 1e-12)
	assert.Equal(t, 0.0, d.M.At(0, 1))
}

func TestDispersionFoldConservesCounts(t *testing.T) {
	reco, etrue := testGeoms()
	d := NewDiagonalDispersion(etrue.Energy, reco.Energy)

	in := NewFilledCube(etrue, 1.5)
	out, err := d.Apply(in, reco)
	require.NoError(t, err)
	assert.InEpsilon(t, in.Sum(), out.Sum(), 1e-12)
}

func TestNewEvaluatorShapeValidation(t *testing.T) {
	reco, etrue := testGeoms()
	m := model.NewSkyModel(model.NewUniformSpatial(1), model.NewConstantSpectral(1))
	exposure := NewFilledCube(etrue, 1)
	background := NewCube(reco)
	psf := NewDeltaPSF(etrue.Energy.NBins())
	edisp := NewDiagonalDispersion(etrue.Energy, reco.Energy)

	tests := []struct {
		name  string
		build func() (*Evaluator, error)
	}{
		{
			name: "spatial grid mismatch",
			build: func() (*Evaluator, error) {
				other := NewGeometry(0, 0, 1, 1, 0.1, etrue.Energy)
				return NewEvaluator(m, NewFilledCube(other, 1), background, psf, edisp)
			},
		},
		{
			name: "psf energy bins mismatch",
			build: func() (*Evaluator, error) {
				return NewEvaluator(m, exposure, background, NewDeltaPSF(5), edisp)
			},
		},
		{
			name: "dispersion reco bins mismatch",
			build: func() (*Evaluator, error) {
				return NewEvaluator(m, exposure, background, psf, NewIdentityDispersion(etrue.Energy.NBins()))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestCircleMask(t *testing.T) {
	geom := NewGeometry(0, 0, 2, 2, 0.1, NewLogAxis(0.1, 10, 2))
	mask := NewCircleMask(geom, 0, 0, 0.5)

	selected := 0
	for _, in := range mask.Data {
		if in {
			selected++
		}
	}
	assert.Greater(t, selected, 0)
	assert.Less(t, selected, len(mask.Data))

	// Broadcast over energy: both planes identical.
	npix := geom.NY * geom.NX
	assert.Equal(t, mask.Data[:npix], mask.Data[npix:2*npix])

	// The center pixel is inside, the corner outside.
	assert.True(t, mask.At(0, geom.NY/2, geom.NX/2))
	assert.False(t, mask.At(0, 0, 0))
}
