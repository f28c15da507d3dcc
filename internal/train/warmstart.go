package train

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ciresnave/candle-bhop/internal/model"
	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// WarmStart runs a derivative-free global search over [lower, upper] and
// loads the best point into vars, unless the current point is already
// better. It returns the loss at the point left in vars.
func WarmStart(m model.Model, vars []*tensor.Var, lower, upper []float64, s opt.Searcher) (float64, error) {
	dim := tensor.TotalLen(vars)
	start := make([]float64, dim)
	tensor.Flatten(start, vars)

	startLoss, err := evalLoss(m)
	if err != nil {
		return 0, fmt.Errorf("%w: warm start: %w", ErrEvaluation, err)
	}

	var evalErr error
	eval := func(x []float64) float64 {
		if evalErr != nil {
			return math.Inf(1)
		}
		if err := tensor.Unflatten(vars, x); err != nil {
			evalErr = err
			return math.Inf(1)
		}
		f, err := evalLoss(m)
		if err != nil {
			evalErr = err
			return math.Inf(1)
		}
		if math.IsNaN(f) {
			return math.Inf(1)
		}
		return f
	}

	best, cost, err := s.Search(eval, lower, upper, dim)
	if err == nil && evalErr != nil {
		err = fmt.Errorf("%w: %w", ErrEvaluation, evalErr)
	}
	if err != nil {
		if rerr := tensor.Unflatten(vars, start); rerr != nil {
			return 0, rerr
		}
		return 0, fmt.Errorf("warm start: %w", err)
	}

	if !(cost < startLoss) {
		slog.Debug("warm start kept initial point", "initial_loss", startLoss, "search_loss", cost)
		return startLoss, tensor.Unflatten(vars, start)
	}
	slog.Info("warm start", "initial_loss", startLoss, "search_loss", cost)
	return cost, tensor.Unflatten(vars, best)
}

func evalLoss(m model.Model) (float64, error) {
	loss, err := m.Loss()
	if err != nil {
		return 0, err
	}
	return loss.ToDType(tensor.Float64).ToFloat64()
}
