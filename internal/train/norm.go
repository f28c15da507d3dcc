package train

import (
	"fmt"
	"math"

	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// L2Norm returns the sum of squared elements over all vars, accumulated in
// input order. No square root is taken: the result is the squared norm used
// as a regularization term.
func L2Norm(vars []*tensor.Var) (float64, error) {
	var norm float64
	for _, v := range vars {
		sq, err := v.Tensor().SumSquares()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrNumeric, v.Name(), err)
		}
		f, err := sq.ToDType(tensor.Float64).ToFloat64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrNumeric, v.Name(), err)
		}
		norm += f
		if math.IsInf(norm, 0) {
			return 0, fmt.Errorf("%w: squared norm overflows after %s", ErrNumeric, v.Name())
		}
	}
	return norm, nil
}
