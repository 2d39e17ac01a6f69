package fit

import (
	"math"

	"github.com/skyfold/skyfold/internal/cube"
)

// statFloor is the smallest predicted count entering the statistic.
// It keeps ln(mu) finite when the model predicts zero in a bin.
const statFloor = 1e-25

// CashBin returns the per-bin Cash statistic 2*(mu - n*ln(mu)) for
// observed count n and predicted count mu. The model-independent
// additive constant of the full Cash statistic is dropped; it shifts
// the total but not the optimum.
func CashBin(n, mu float64) float64 {
	if mu < statFloor {
		mu = statFloor
	}
	return 2 * (mu - n*math.Log(mu))
}

// CashSum returns the total Cash statistic over the mask-selected bins
// of conformable observed and predicted cubes. A nil mask selects all
// bins; unselected bins contribute zero regardless of their values.
func CashSum(counts, npred *cube.Cube, mask *cube.Mask) float64 {
	total := 0.0
	if mask == nil {
		for i, n := range counts.Data {
			total += CashBin(n, npred.Data[i])
		}
		return total
	}
	for i, n := range counts.Data {
		if mask.Data[i] {
			total += CashBin(n, npred.Data[i])
		}
	}
	return total
}
