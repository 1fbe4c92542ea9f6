package network

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// Layer kinds of the ops defined in this file.
const (
	KindConv          = "conv"
	KindBatchNorm     = "batch_norm"
	KindDense         = "dense"
	KindRelu          = "relu"
	KindAdd           = "add"
	KindZeroPad       = "zero_pad"
	KindMaxPool       = "max_pool"
	KindGlobalAvgPool = "global_avg_pool"
	KindSoftmax       = "softmax"
)

// Variable names used by the ops. Pretrained weights must be loaded under these names.
const (
	VarWeights        = "weights"
	VarBiases         = "biases"
	VarGamma          = "gamma"
	VarBeta           = "beta"
	VarMovingMean     = "moving_mean"
	VarMovingVariance = "moving_variance"
)

func single(kind string, inputs []*graph.Node) *graph.Node {
	if len(inputs) != 1 {
		exceptions.Panicf("%s layer takes exactly one input, got %d", kind, len(inputs))
	}
	return inputs[0]
}

// Conv is a 2D convolution (channels last) with bias. padSame selects "same" padding, otherwise no padding.
func Conv(filters, kernelSize, strides int, padSame bool) Op {
	return func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		conv := layers.Convolution(ctx, single(KindConv, inputs)).CurrentScope().
			ChannelsAxis(images.ChannelsLast).
			Channels(filters).KernelSize(kernelSize).Strides(strides).UseBias(true)
		if padSame {
			conv = conv.PadSame()
		} else {
			conv = conv.NoPadding()
		}
		return conv.Done()
	}
}

// BatchNorm in inference mode: it normalizes the last axis with the moving statistics, which are never trained.
func BatchNorm(epsilon float64) Op {
	return func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x := single(KindBatchNorm, inputs)
		varShape := shapes.Make(x.DType(), x.Shape().Dim(-1))
		gamma := ctx.WithInitializer(initializers.One).VariableWithShape(VarGamma, varShape).ValueGraph(x.Graph())
		beta := ctx.WithInitializer(initializers.Zero).VariableWithShape(VarBeta, varShape).ValueGraph(x.Graph())
		meanVar := ctx.WithInitializer(initializers.Zero).VariableWithShape(VarMovingMean, varShape).SetTrainable(false)
		varianceVar := ctx.WithInitializer(initializers.One).VariableWithShape(VarMovingVariance, varShape).SetTrainable(false)
		mean := meanVar.ValueGraph(x.Graph())
		variance := varianceVar.ValueGraph(x.Graph())
		scale := graph.Mul(gamma, graph.Rsqrt(graph.AddScalar(variance, epsilon)))
		mean, scale, beta = lastAxis(x, mean), lastAxis(x, scale), lastAxis(x, beta)
		return graph.Add(graph.Mul(graph.Sub(x, mean), scale), beta)
	}
}

// lastAxis reshapes the per-channel v to x's rank, with all axes but the last set to 1, so it broadcasts.
func lastAxis(x, v *graph.Node) *graph.Node {
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[len(dims)-1] = v.Shape().Size()
	return graph.Reshape(v, dims...)
}

// Dense is a fully connected layer on the last axis, with bias.
func Dense(units int) Op {
	return func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x := single(KindDense, inputs)
		weights := ctx.VariableWithShape(VarWeights, shapes.Make(x.DType(), x.Shape().Dim(-1), units))
		biases := ctx.WithInitializer(initializers.Zero).VariableWithShape(VarBiases, shapes.Make(x.DType(), units))
		return nn.Dense(x, weights.ValueGraph(x.Graph()), biases.ValueGraph(x.Graph()))
	}
}

// Relu activation.
func Relu() Op {
	return func(_ *context.Context, inputs []*graph.Node) *graph.Node {
		return activations.Relu(single(KindRelu, inputs))
	}
}

// AddInputs adds all its inputs, which must have the same shape.
func AddInputs() Op {
	return func(_ *context.Context, inputs []*graph.Node) *graph.Node {
		if len(inputs) == 0 {
			exceptions.Panicf("%s layer needs at least one input", KindAdd)
		}
		sum := inputs[0]
		for _, x := range inputs[1:] {
			sum = graph.Add(sum, x)
		}
		return sum
	}
}

// ZeroPad pads the two spatial axes of a [batch, height, width, channels] input with padding zeros on each side.
func ZeroPad(padding int) Op {
	return func(_ *context.Context, inputs []*graph.Node) *graph.Node {
		x := single(KindZeroPad, inputs)
		spatial := graph.PadAxis{Start: padding, End: padding}
		return graph.Pad(x, graph.ScalarZero(x.Graph(), x.DType()), graph.PadAxis{}, spatial, spatial, graph.PadAxis{})
	}
}

// MaxPool over the spatial axes, without padding.
func MaxPool(window, strides int) Op {
	return func(_ *context.Context, inputs []*graph.Node) *graph.Node {
		x := single(KindMaxPool, inputs)
		return graph.MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(window).Strides(strides).NoPadding().Done()
	}
}

// GlobalAvgPool averages the spatial axes of a [batch, height, width, channels] input.
func GlobalAvgPool() Op {
	return func(_ *context.Context, inputs []*graph.Node) *graph.Node {
		return graph.ReduceMean(single(KindGlobalAvgPool, inputs), 1, 2)
	}
}

// Softmax over the last axis.
func Softmax() Op {
	return func(_ *context.Context, inputs []*graph.Node) *graph.Node {
		return graph.Softmax(single(KindSoftmax, inputs), -1)
	}
}
