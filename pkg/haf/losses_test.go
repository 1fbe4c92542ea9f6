package haf

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoss(t *testing.T) {
	lossFn := func(variant LossVariant, reg float64) graphtest.TestGraphFn {
		return func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			predictions := graph.Const(g, [][]float32{{1, 2}, {3, 4}})
			groundScore := graph.Const(g, [][]float32{{1, 1}, {1, 1}})
			groundClass := graph.Const(g, []int32{1, 0})
			weights := []*graph.Node{graph.Const(g, [][]float32{{1, -2}})}
			inputs = []*graph.Node{predictions, groundScore, groundClass}
			outputs = []*graph.Node{Loss(variant, groundScore, groundClass, predictions, weights, []float64{0.5}, reg)}
			return
		}
	}
	// Scores at the ground classes are 2 and 3, against 1: (1² + 2²) / 2.
	graphtest.RunTestGraphFn(t, "score of class", lossFn(LossScoreClass, 0), []any{float32(2.5)}, 1e-5)
	// All scores: (0 + 1 + 4 + 9) / 4.
	graphtest.RunTestGraphFn(t, "full", lossFn(LossFull, 0), []any{float32(3.5)}, 1e-5)
	// L1: 0.5 (reg) * 0.5 (coefficient) * 3.
	graphtest.RunTestGraphFn(t, "regularized", lossFn(LossScoreClass, 0.5), []any{float32(3.25)}, 1e-5)
}

func TestL1Regularization(t *testing.T) {
	graphtest.RunTestGraphFn(t, "no weights", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		outputs = []*graph.Node{L1Regularization(g, nil, nil, 0.5)}
		return
	}, []any{float32(0)}, -1)

	graphtest.RunTestGraphFn(t, "two weights", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		weights := []*graph.Node{
			graph.Const(g, []float32{1, 1, 1, 1}),
			graph.Const(g, [][][]float32{{{-3}}}),
		}
		outputs = []*graph.Node{L1Regularization(g, weights, []float64{0.25, 1}, 2)}
		return
	}, []any{float32(8)}, 1e-5)
}

func TestParseLossVariant(t *testing.T) {
	for _, variant := range []LossVariant{LossScoreClass, LossFull} {
		parsed, err := ParseLossVariant(variant.String())
		require.NoError(t, err)
		assert.Equal(t, variant, parsed)
	}
	_, err := ParseLossVariant("mse")
	require.Error(t, err)
}
