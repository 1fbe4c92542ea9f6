package haf

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// LossVariant selects which part of the scores is compared with the ground scores.
type LossVariant int

const (
	// LossScoreClass compares only the score of the ground class of each example.
	LossScoreClass LossVariant = iota

	// LossFull compares the whole score vector.
	LossFull
)

func (l LossVariant) String() string {
	switch l {
	case LossScoreClass:
		return "sc"
	case LossFull:
		return "full"
	}
	return fmt.Sprintf("LossVariant(%d)", int(l))
}

// ParseLossVariant converts "sc" or "full" to a LossVariant.
func ParseLossVariant(s string) (LossVariant, error) {
	switch s {
	case "sc":
		return LossScoreClass, nil
	case "full":
		return LossFull, nil
	}
	return LossScoreClass, errors.Errorf("invalid loss variant %q, valid values are \"sc\" or \"full\"", s)
}

// MeanSquaredError between predictions and targets, which must have the same shape.
func MeanSquaredError(predictions, targets *graph.Node) *graph.Node {
	diff := graph.Sub(predictions, targets)
	return graph.ReduceAllMean(graph.Mul(diff, diff))
}

// L1Regularization returns reg * Σ_i coefficients[i] * Σ|weights[i]|, a scalar.
// It returns 0 if there are no weights.
func L1Regularization(g *graph.Graph, weights []*graph.Node, coefficients []float64, reg float64) *graph.Node {
	if len(weights) != len(coefficients) {
		exceptions.Panicf("L1Regularization: %d weights, but %d coefficients", len(weights), len(coefficients))
	}
	if len(weights) == 0 {
		return graph.ScalarZero(g, dtypes.Float32)
	}
	var total *graph.Node
	for ii, w := range weights {
		term := graph.MulScalar(graph.ReduceAllSum(graph.Abs(w)), coefficients[ii])
		if total == nil {
			total = term
		} else {
			total = graph.Add(total, term)
		}
	}
	return graph.MulScalar(total, reg)
}

// Loss is the training objective: the prediction error of the scores (see LossVariant) plus the L1 regularization
// of the saliency weights.
//
// groundScore and predictions are shaped [batch, numClasses], groundClass is shaped [batch] (an integer type).
func Loss(variant LossVariant, groundScore, groundClass, predictions *graph.Node,
	weights []*graph.Node, coefficients []float64, reg float64) *graph.Node {
	if !groundScore.Shape().Equal(predictions.Shape()) {
		exceptions.Panicf("ground scores shaped %s, but predictions are shaped %s", groundScore.Shape(), predictions.Shape())
	}
	var predictionLoss *graph.Node
	switch variant {
	case LossFull:
		predictionLoss = MeanSquaredError(predictions, groundScore)
	case LossScoreClass:
		classAxis := predictions.Rank() - 1
		mask := graph.OneHot(groundClass, predictions.Shape().Dimensions[classAxis], predictions.DType())
		atClass := func(scores *graph.Node) *graph.Node {
			return graph.ReduceSum(graph.Mul(scores, mask), classAxis)
		}
		predictionLoss = MeanSquaredError(atClass(predictions), atClass(groundScore))
	default:
		exceptions.Panicf("unknown loss variant %s", variant)
	}
	regLoss := L1Regularization(predictions.Graph(), weights, coefficients, reg)
	return graph.Add(predictionLoss, graph.ConvertDType(regLoss, predictionLoss.DType()))
}
