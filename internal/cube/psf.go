package cube

import (
	"fmt"
	"math"
)

// PSFKernel holds one normalized 2-D convolution kernel per true-energy
// bin. Kernels are square with odd side 2*Radius+1 pixels and sum to 1,
// so convolution conserves counts per slice up to edge truncation.
type PSFKernel struct {
	Radius  int
	kernels [][]float64 // one flattened (2R+1)^2 kernel per energy bin
}

// NBins returns the number of true-energy bins the kernel covers.
func (k *PSFKernel) NBins() int { return len(k.kernels) }

// NewDeltaPSF creates an identity kernel (no blurring) for nbins
// true-energy bins.
func NewDeltaPSF(nbins int) *PSFKernel {
	kernels := make([][]float64, nbins)
	for i := range kernels {
		kernels[i] = []float64{1}
	}
	return &PSFKernel{Radius: 0, kernels: kernels}
}

// NewGaussianPSF creates a Gaussian kernel per true-energy bin of the
// geometry. sigmas holds the Gaussian width in degrees per bin; a
// single-element slice applies the same width everywhere. The kernel is
// truncated at maxRadius degrees and renormalized to unit sum.
func NewGaussianPSF(geom *Geometry, sigmas []float64, maxRadius float64) (*PSFKernel, error) {
	nbins := geom.Energy.NBins()
	if len(sigmas) == 1 {
		s := make([]float64, nbins)
		for i := range s {
			s[i] = sigmas[0]
		}
		sigmas = s
	}
	if len(sigmas) != nbins {
		return nil, fmt.Errorf("%w: %d PSF widths for %d energy bins",
			ErrShapeMismatch, len(sigmas), nbins)
	}
	radius := int(maxRadius / geom.BinSize)
	if radius < 1 {
		radius = 1
	}
	side := 2*radius + 1

	kernels := make([][]float64, nbins)
	for ie, sigma := range sigmas {
		if sigma <= 0 {
			return nil, fmt.Errorf("PSF width must be positive, got %v in bin %d", sigma, ie)
		}
		k := make([]float64, side*side)
		s2 := sigma * sigma
		sum := 0.0
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				r2 := float64(dx*dx+dy*dy) * geom.BinSize * geom.BinSize
				v := math.Exp(-0.5 * r2 / s2)
				k[(dy+radius)*side+(dx+radius)] = v
				sum += v
			}
		}
		for i := range k {
			k[i] /= sum
		}
		kernels[ie] = k
	}
	return &PSFKernel{Radius: radius, kernels: kernels}, nil
}

// Convolve returns the 2-D convolution of an nx*ny plane with the
// kernel of energy bin ie, zero-padded at the edges. The input plane is
// not modified.
func (k *PSFKernel) Convolve(plane []float64, nx, ny, ie int) []float64 {
	if k.Radius == 0 {
		out := make([]float64, len(plane))
		copy(out, plane)
		if w := k.kernels[ie][0]; w != 1 {
			for i := range out {
				out[i] *= w
			}
		}
		return out
	}

	kernel := k.kernels[ie]
	side := 2*k.Radius + 1
	out := make([]float64, len(plane))
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			src := plane[iy*nx+ix]
			if src == 0 {
				continue
			}
			// Scatter the source pixel through the kernel. Equivalent to
			// gather-convolution for symmetric kernels and lets sparse
			// planes skip empty pixels.
			for dy := -k.Radius; dy <= k.Radius; dy++ {
				oy := iy + dy
				if oy < 0 || oy >= ny {
					continue
				}
				row := kernel[(dy+k.Radius)*side:]
				for dx := -k.Radius; dx <= k.Radius; dx++ {
					ox := ix + dx
					if ox < 0 || ox >= nx {
						continue
					}
					out[oy*nx+ox] += src * row[dx+k.Radius]
				}
			}
		}
	}
	return out
}
