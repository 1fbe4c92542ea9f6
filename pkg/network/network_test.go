package network_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/saliencylab/hafnet/pkg/network"
	"github.com/saliencylab/hafnet/pkg/network/networktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backend backends.Backend

func init() {
	backend = graphtest.BuildTestBackend()
}

func TestAdd(t *testing.T) {
	net := network.New("test", 4)
	relu := network.Relu()
	require.NoError(t, net.Add(&network.Layer{Name: "a", Kind: network.KindRelu, Inputs: []string{network.InputName}, Op: relu}))
	require.Error(t, net.Add(&network.Layer{Name: "a", Inputs: []string{network.InputName}, Op: relu}), "duplicate name")
	require.Error(t, net.Add(&network.Layer{Name: network.InputName, Inputs: []string{"a"}, Op: relu}), "reserved name")
	require.Error(t, net.Add(&network.Layer{Name: "b", Inputs: []string{"c"}, Op: relu}), "undefined input")
	require.Error(t, net.Add(&network.Layer{Name: "b", Op: relu}), "no inputs")
	require.Error(t, net.Add(&network.Layer{Name: "b", Inputs: []string{"a"}}), "no op")
	require.NoError(t, net.Add(&network.Layer{Name: "b", Kind: network.KindAdd, Inputs: []string{"a", network.InputName}, Op: network.AddInputs()}))

	assert.Equal(t, []string{"a", "b"}, net.LayerNames())
	assert.Equal(t, "b", net.Output())
	assert.Equal(t, []string{"a", "b"}, net.Consumers(network.InputName))
	assert.Equal(t, []string{"b"}, net.Consumers("a"))
	assert.Empty(t, net.Consumers("b"))
	require.Error(t, net.SetOutput("c"))
	require.NoError(t, net.SetOutput("a"))
	assert.Equal(t, "a", net.Output())
}

func TestClone(t *testing.T) {
	net := networktest.Tiny()
	clone := net.Clone()
	assert.Equal(t, net.LayerNames(), clone.LayerNames())
	assert.Equal(t, net.Output(), clone.Output())

	// Rewiring the clone must not change the original.
	clone.Layer("conv2").Inputs[0] = network.InputName
	assert.Equal(t, []string{"relu1"}, net.Layer("conv2").Inputs)
	require.NoError(t, clone.Add(&network.Layer{Name: "extra", Inputs: []string{"logits"}, Op: network.Relu()}))
	assert.Equal(t, 10, net.NumLayers())
	assert.Equal(t, 11, clone.NumLayers())
	assert.Nil(t, net.Layer("extra"))
}

func TestMaterialize(t *testing.T) {
	net := networktest.Tiny()
	ctx := context.New()
	layerShapes, err := net.Materialize(backend, ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 8, 3}, layerShapes.Dims(network.InputName))
	assert.Equal(t, []int{8, 8, 4}, layerShapes.Dims("conv1"))
	assert.Equal(t, []int{8, 8, 4}, layerShapes.Dims(networktest.AddLayer))
	assert.Equal(t, []int{4, 4, 4}, layerShapes.Dims("pool"))
	assert.Equal(t, []int{4}, layerShapes.Dims("gap"))
	assert.Equal(t, []int{networktest.NumClasses}, layerShapes.Dims(networktest.LogitsLayer))
	// The output is logits, layers after it are not built.
	assert.Nil(t, layerShapes.Dims("probabilities"))

	// Variables are created in the scope of their layers, and they all have values.
	for v := range ctx.IterVariables() {
		_, err := v.Value()
		require.NoErrorf(t, err, "variable %s", v.ScopeAndName())
	}
	require.NotNil(t, ctx.GetVariableByScopeAndName("/conv1", network.VarWeights))
	require.NotNil(t, ctx.GetVariableByScopeAndName("/bn1", network.VarMovingMean))
	assert.False(t, ctx.GetVariableByScopeAndName("/bn1", network.VarMovingMean).Trainable)
	require.NotNil(t, ctx.GetVariableByScopeAndName("/logits", network.VarBiases))

	// Materializing again reuses the same variables.
	numVars := ctx.NumVariables()
	_, err = net.Materialize(backend, ctx)
	require.NoError(t, err)
	assert.Equal(t, numVars, ctx.NumVariables())

	// Networks without layers can not be built.
	_, err = network.New("empty", 3).Materialize(backend, context.New())
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	net := networktest.Tiny()
	ctx := context.New()
	_, err := net.Materialize(backend, ctx)
	require.NoError(t, err)

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, networktest.ImageSize, networktest.ImageSize, 3))
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) []*graph.Node {
		logits, activations := net.BuildWithActivations(ctx, x, networktest.AddLayer, network.InputName)
		return []*graph.Node{logits, activations[0], activations[1]}
	})
	require.NoError(t, err)
	defer exec.Finalize()
	logits, sum, input, err := exec.Exec3(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, networktest.NumClasses}, logits.Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 4}, sum.Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 3}, input.Shape().Dimensions)

	// Unknown activation names panic while building the graph.
	err = exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
			output, _ := net.BuildWithActivations(ctx, x, "nope")
			return output
		}, images)
	})
	require.Error(t, err)
}

func TestBatchNorm(t *testing.T) {
	net := network.New("bn", 2, 2, 2)
	require.NoError(t, net.Add(&network.Layer{Name: "bn", Kind: network.KindBatchNorm,
		Inputs: []string{network.InputName}, Op: network.BatchNorm(0)}))
	ctx := context.New()
	_, err := net.Materialize(backend, ctx)
	require.NoError(t, err)
	for name, value := range map[string][]float32{
		network.VarGamma:          {3, 1},
		network.VarBeta:           {1, 0},
		network.VarMovingMean:     {1, 0},
		network.VarMovingVariance: {4, 1},
	} {
		v := ctx.GetVariableByScopeAndName("/bn", name)
		require.NotNilf(t, v, "variable %s", name)
		require.NoError(t, v.SetValue(tensors.FromValue(value)))
	}

	// Channel 0: (5-1)*3/sqrt(4)+1 = 7. Channel 1 is the identity.
	inputs := make([]float32, 2*2*2*2)
	for ii := range inputs {
		inputs[ii] = 5
		if ii%2 == 1 {
			inputs[ii] = -2
		}
	}
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return net.Build(ctx, x)
	}, tensors.FromFlatDataAndDimensions(inputs, 2, 2, 2, 2))
	assert.Equal(t, []int{2, 2, 2, 2}, output.Shape().Dimensions)
	for ii, v := range tensors.MustCopyFlatData[float32](output) {
		want := float32(7)
		if ii%2 == 1 {
			want = -2
		}
		require.InDeltaf(t, want, v, 1e-5, "output #%d", ii)
	}
}

func TestSoftmaxOutput(t *testing.T) {
	net := networktest.Tiny()
	require.NoError(t, net.SetOutput("probabilities"))
	ctx := context.New()
	_, err := net.Materialize(backend, ctx)
	require.NoError(t, err)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 3, networktest.ImageSize, networktest.ImageSize, 3))
	probabilities := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return net.Build(ctx, x)
	}, images)
	require.Equal(t, []int{3, networktest.NumClasses}, probabilities.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](probabilities)
	for row := range 3 {
		var sum float32
		for _, p := range flat[row*networktest.NumClasses : (row+1)*networktest.NumClasses] {
			require.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}
