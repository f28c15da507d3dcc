package opt

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinMayflyPopulation is the smallest population mayfly accepts.
const MinMayflyPopulation = 20

// MayflySearch wraps the mayfly library as a Searcher.
type MayflySearch struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a mayfly-backed Searcher.
func NewMayfly(maxIters, popSize int, seed int64) *MayflySearch {
	return &MayflySearch{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Search runs mayfly. The library uses scalar bounds, so the box is widened
// to the smallest lower and largest upper bound across dimensions.
func (m *MayflySearch) Search(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	if dim <= 0 {
		return nil, 0, errors.New("mayfly: dimension must be positive")
	}
	if len(lower) != dim || len(upper) != dim {
		return nil, 0, fmt.Errorf("mayfly: bounds have %d/%d entries for %d dimensions", len(lower), len(upper), dim)
	}
	if m.popSize < MinMayflyPopulation {
		return nil, 0, fmt.Errorf("mayfly: population %d below minimum %d", m.popSize, MinMayflyPopulation)
	}

	lo, hi := lower[0], upper[0]
	for i := 1; i < dim; i++ {
		lo = min(lo, lower[i])
		hi = max(hi, upper[i])
	}
	if lo >= hi {
		return nil, 0, fmt.Errorf("mayfly: empty search box [%g, %g]", lo, hi)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lo
	config.UpperBound = hi
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}

	best := make([]float64, dim)
	copy(best, result.GlobalBest.Position)
	return best, result.GlobalBest.Cost, nil
}
