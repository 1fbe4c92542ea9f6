// Package resnet50 defines the ResNet50 image classifier as a network.Network, with the same layer names
// as the Keras application model, so its pretrained ImageNet weights can be loaded (see DownloadAndUnpackWeights
// and LoadWeights).
//
// Example:
//
//	must.M(resnet50.DownloadAndUnpackWeights(dataDir))
//	net := resnet50.New()
//	must.M(resnet50.LoadWeights(ctx, dataDir, net))
package resnet50

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/saliencylab/hafnet/pkg/network"
)

const (
	// ImageSize is the height and width of the images the pretrained model was trained on.
	ImageSize = 224

	// NumClasses of ImageNet.
	NumClasses = 1000

	// LogitsLayer is the dense layer with the (linear) class scores.
	LogitsLayer = "predictions"

	// ProbabilitiesLayer is the softmax over LogitsLayer, the default output of the network.
	ProbabilitiesLayer = "probabilities"

	// DefaultSaliencyPattern matches the output of the last residual block.
	DefaultSaliencyPattern = `.*conv5_block3_add.*`

	// batchNormEpsilon used by Keras ResNet50.
	batchNormEpsilon = 1.001e-5
)

// Stack configuration: filters of the bottleneck, number of blocks and the stride of the first block.
var stacks = []struct {
	name            string
	filters, blocks int
	stride          int
}{
	{"conv2", 64, 3, 1},
	{"conv3", 128, 4, 2},
	{"conv4", 256, 6, 2},
	{"conv5", 512, 3, 2},
}

// builder adds layers to a network, keeping the last added layer as the input of the next one.
type builder struct {
	net  *network.Network
	last string
}

func (b *builder) add(name, kind string, op network.Op, inputs ...string) string {
	if len(inputs) == 0 {
		inputs = []string{b.last}
	}
	err := b.net.Add(&network.Layer{Name: name, Kind: kind, Inputs: inputs, Op: op})
	if err != nil {
		// Only possible with a bug in the architecture definition below.
		exceptions.Panicf("resnet50: %+v", err)
	}
	b.last = name
	return name
}

func (b *builder) convBN(prefix string, filters, kernelSize, strides int, inputs ...string) string {
	b.add(prefix+"_conv", network.KindConv, network.Conv(filters, kernelSize, strides, true), inputs...)
	return b.add(prefix+"_bn", network.KindBatchNorm, network.BatchNorm(batchNormEpsilon))
}

// block is a residual bottleneck block. The first block of a stack has a convolution in the shortcut.
func (b *builder) block(name string, filters, stride int, convShortcut bool) {
	input := b.last
	shortcut := input
	if convShortcut {
		shortcut = b.convBN(name+"_0", 4*filters, 1, stride, input)
	}
	b.convBN(name+"_1", filters, 1, stride, input)
	b.add(name+"_1_relu", network.KindRelu, network.Relu())
	b.convBN(name+"_2", filters, 3, 1)
	b.add(name+"_2_relu", network.KindRelu, network.Relu())
	residual := b.convBN(name+"_3", 4*filters, 1, 1)
	b.add(name+"_add", network.KindAdd, network.AddInputs(), shortcut, residual)
	b.add(name+"_out", network.KindRelu, network.Relu())
}

// New returns the ResNet50 network, taking images shaped [batch, 224, 224, 3] already preprocessed
// (see Preprocess), and returning the class probabilities.
//
// The variables are created in the context scopes named after the layers when the network is first built
// (or with network.Network.Materialize), randomly initialized unless loaded with LoadWeights first.
func New() *network.Network {
	b := &builder{net: network.New("resnet50", ImageSize, ImageSize, 3), last: network.InputName}
	b.add("conv1_pad", network.KindZeroPad, network.ZeroPad(3))
	b.add("conv1_conv", network.KindConv, network.Conv(64, 7, 2, false))
	b.add("conv1_bn", network.KindBatchNorm, network.BatchNorm(batchNormEpsilon))
	b.add("conv1_relu", network.KindRelu, network.Relu())
	b.add("pool1_pad", network.KindZeroPad, network.ZeroPad(1))
	b.add("pool1_pool", network.KindMaxPool, network.MaxPool(3, 2))
	for _, stack := range stacks {
		for ii := range stack.blocks {
			stride := 1
			if ii == 0 {
				stride = stack.stride
			}
			b.block(fmt.Sprintf("%s_block%d", stack.name, ii+1), stack.filters, stride, ii == 0)
		}
	}
	b.add("avg_pool", network.KindGlobalAvgPool, network.GlobalAvgPool())
	b.add(LogitsLayer, network.KindDense, network.Dense(NumClasses))
	b.add(ProbabilitiesLayer, network.KindSoftmax, network.Softmax())
	return b.net
}
