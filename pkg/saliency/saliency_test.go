package saliency

import (
	"testing"

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

// materializedTiny returns the toy network, with its variables created in a new context.
func materializedTiny(t *testing.T) (*network.Network, *context.Context, network.Shapes) {
	net := networktest.Tiny()
	ctx := context.New()
	layerShapes, err := net.Materialize(backend, ctx)
	require.NoError(t, err)
	return net, ctx, layerShapes
}

func TestInsertAfter(t *testing.T) {
	base, ctx, layerShapes := materializedTiny(t)
	numBaseVars := ctx.NumVariables()
	ins, err := Insert(base, networktest.AddLayer).Done(ctx, layerShapes)
	require.NoError(t, err)

	assert.Equal(t, []string{"saliency_0"}, ins.Layers)
	assert.Equal(t, []string{networktest.AddLayer}, ins.Targets)
	net := ins.Network
	assert.Equal(t, base.NumLayers()+1, net.NumLayers())
	assert.Equal(t, []string{networktest.AddLayer}, net.Layer("saliency_0").Inputs)
	assert.Equal(t, []string{"saliency_0"}, net.Layer("block_out").Inputs)
	assert.Equal(t, []string{"block_out"}, base.Consumers(networktest.AddLayer), "base must not change")
	assert.Equal(t, networktest.LogitsLayer, net.Output())

	require.Len(t, ins.Variables, 1)
	v := ins.Variables[0]
	assert.Equal(t, "/saliency_0", v.Scope())
	assert.True(t, v.Trainable)
	assert.Equal(t, []int{8, 8, 4}, v.Shape().Dimensions)
	for _, value := range tensors.MustCopyFlatData[float32](v.MustValue()) {
		require.Equal(t, float32(1), value)
	}
	require.Len(t, ins.Coefficients, 1)
	assert.InDelta(t, 1.0/256.0, ins.Coefficients[0], 1e-12)
	assert.Equal(t, numBaseVars+1, ctx.NumVariables())
	assert.Contains(t, ins.Summary(), "saliency_0")
}

func TestInsertBefore(t *testing.T) {
	base, ctx, layerShapes := materializedTiny(t)
	ins, err := Insert(base, "^logits$", "^conv1$").Position(Before).Done(ctx, layerShapes)
	require.NoError(t, err)

	// Layers are visited in topological order: conv1 comes first.
	assert.Equal(t, []string{"saliency_0", "saliency_1"}, ins.Layers)
	assert.Equal(t, []string{"conv1", "logits"}, ins.Targets)
	net := ins.Network
	assert.Equal(t, []string{network.InputName}, net.Layer("saliency_0").Inputs)
	assert.Equal(t, []string{"saliency_0"}, net.Layer("conv1").Inputs)
	assert.Equal(t, []string{"gap"}, net.Layer("saliency_1").Inputs)
	assert.Equal(t, []string{"saliency_1"}, net.Layer("logits").Inputs)
	assert.Equal(t, []int{8, 8, 3}, ins.Variables[0].Shape().Dimensions)
	assert.Equal(t, []int{4}, ins.Variables[1].Shape().Dimensions)
	assert.InDelta(t, 1.0/192.0, ins.Coefficients[0], 1e-12)
	assert.InDelta(t, 0.25, ins.Coefficients[1], 1e-12)

	// Layers with more than one input can't have a saliency layer before them.
	_, err = Insert(base, networktest.AddLayer).Position(Before).Done(ctx, layerShapes)
	require.Error(t, err)
}

func TestInsertPerChannel(t *testing.T) {
	base, ctx, layerShapes := materializedTiny(t)
	ins, err := Insert(base, "relu1").Granularity(PerChannel).Done(ctx, layerShapes)
	require.NoError(t, err)
	require.Len(t, ins.Variables, 1)
	assert.Equal(t, []int{4}, ins.Variables[0].Shape().Dimensions)
	// Both consumers of relu1 are rewired.
	assert.Equal(t, []string{"saliency_0"}, ins.Network.Layer("conv2").Inputs)
	assert.Equal(t, []string{"saliency_0", "conv2"}, ins.Network.Layer(networktest.AddLayer).Inputs)
}

func TestInsertNoMatches(t *testing.T) {
	base, ctx, layerShapes := materializedTiny(t)
	numVars := ctx.NumVariables()
	ins, err := Insert(base, "conv5_block3_add").Done(ctx, layerShapes)
	require.NoError(t, err)
	assert.Empty(t, ins.Layers)
	assert.Empty(t, ins.Variables)
	assert.Empty(t, ins.Coefficients)
	assert.Equal(t, base.LayerNames(), ins.Network.LayerNames())
	assert.Equal(t, base.Output(), ins.Network.Output())
	assert.Equal(t, numVars, ctx.NumVariables())
	assert.Zero(t, ins.NumWeights())
}

func TestInsertErrors(t *testing.T) {
	base, ctx, layerShapes := materializedTiny(t)
	_, err := Insert(base, "conv[").Done(ctx, layerShapes)
	require.Error(t, err)

	// Unknown shapes.
	_, err = Insert(base, "conv1").Done(ctx, network.Shapes{})
	require.Error(t, err)

	// Name collision.
	require.NoError(t, base.Add(&network.Layer{Name: "saliency_0", Kind: network.KindRelu,
		Inputs: []string{networktest.LogitsLayer}, Op: network.Relu()}))
	_, err = Insert(base, "conv1").Done(ctx, layerShapes)
	require.Error(t, err)
}

// TestBaseWeightsUnchanged checks that the inserted network shares the exact weights of the base network,
// and with the saliency weights at 1 computes the same scores.
func TestBaseWeightsUnchanged(t *testing.T) {
	base, ctx, layerShapes := materializedTiny(t)
	before := make(map[*context.Variable]*tensors.Tensor)
	for v := range ctx.IterVariables() {
		value, err := v.MustValue().Clone()
		require.NoError(t, err)
		before[v] = value
	}

	ins, err := Insert(base, "relu1", "gap").Done(ctx, layerShapes)
	require.NoError(t, err)
	require.Len(t, ins.Variables, 2)

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 3, networktest.ImageSize, networktest.ImageSize, 3))
	tensors.MustMutableFlatData[float32](images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii%17) / 17
		}
	})
	scores := func(net *network.Network) []float32 {
		exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
			return net.Build(ctx, x)
		})
		require.NoError(t, err)
		defer exec.Finalize()
		output, err := exec.Exec1(images)
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](output)
	}
	assert.Equal(t, scores(base), scores(ins.Network))

	for v, want := range before {
		require.Truef(t, want.Equal(v.MustValue()), "variable %s changed", v.ScopeAndName())
	}
}

func TestParse(t *testing.T) {
	p, err := ParsePosition("before")
	require.NoError(t, err)
	assert.Equal(t, Before, p)
	assert.Equal(t, "after", After.String())
	_, err = ParsePosition("middle")
	require.Error(t, err)

	g, err := ParseGranularity("channel")
	require.NoError(t, err)
	assert.Equal(t, PerChannel, g)
	assert.Equal(t, "activation", PerActivation.String())
	_, err = ParseGranularity("pixel")
	require.Error(t, err)
}
