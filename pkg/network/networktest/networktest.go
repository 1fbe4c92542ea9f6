// Package networktest provides a tiny residual network with the same kinds of layers as ResNet50, for tests.
package networktest

import (
	"github.com/gomlx/exceptions"
	"github.com/saliencylab/hafnet/pkg/network"
)

const (
	// ImageSize of the toy network square input images, with 3 channels.
	ImageSize = 8

	// NumClasses of the toy network output.
	NumClasses = 5

	// LogitsLayer is the name of the dense layer with the linear output.
	LogitsLayer = "logits"

	// AddLayer is the name of the residual sum, the only layer with 2 inputs.
	AddLayer = "block_add"
)

// Tiny returns a small residual network, with logits (linear) as output:
//
//	input [8,8,3] -> conv1 -> bn1 -> relu1 -> conv2 -> block_add(relu1, conv2) -> block_out -> pool -> gap -> logits -> probabilities
func Tiny() *network.Network {
	net := network.New("tiny", ImageSize, ImageSize, 3)
	add := func(name, kind string, op network.Op, inputs ...string) {
		err := net.Add(&network.Layer{Name: name, Kind: kind, Inputs: inputs, Op: op})
		if err != nil {
			exceptions.Panicf("networktest.Tiny(): %+v", err)
		}
	}
	add("conv1", network.KindConv, network.Conv(4, 3, 1, true), network.InputName)
	add("bn1", network.KindBatchNorm, network.BatchNorm(1e-5), "conv1")
	add("relu1", network.KindRelu, network.Relu(), "bn1")
	add("conv2", network.KindConv, network.Conv(4, 3, 1, true), "relu1")
	add(AddLayer, network.KindAdd, network.AddInputs(), "relu1", "conv2")
	add("block_out", network.KindRelu, network.Relu(), AddLayer)
	add("pool", network.KindMaxPool, network.MaxPool(2, 2), "block_out")
	add("gap", network.KindGlobalAvgPool, network.GlobalAvgPool(), "pool")
	add(LogitsLayer, network.KindDense, network.Dense(NumClasses), "gap")
	add("probabilities", network.KindSoftmax, network.Softmax(), LogitsLayer)
	if err := net.SetOutput(LogitsLayer); err != nil {
		exceptions.Panicf("networktest.Tiny(): %+v", err)
	}
	return net
}
