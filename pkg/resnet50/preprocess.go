package resnet50

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// ImageNetMeanBGR are the per-channel means subtracted from the images, in BGR order.
var ImageNetMeanBGR = [3]float32{103.939, 116.779, 123.68}

// Preprocess converts RGB images shaped [batch, height, width, 3], with values from 0 to 255, to what
// the pretrained model expects: channels in BGR order, each centered on its ImageNet mean ("caffe" mode in Keras).
func Preprocess(images *graph.Node) *graph.Node {
	g := images.Graph()
	channelsAxis := images.Rank() - 1
	bgr := graph.Reverse(images, channelsAxis)
	mean := graph.Const(g, ImageNetMeanBGR[:])
	mean = graph.ConvertDType(mean, images.DType())
	meanDims := make([]int, images.Rank())
	for ii := range meanDims {
		meanDims[ii] = 1
	}
	meanDims[channelsAxis] = 3
	return graph.Sub(bgr, graph.Reshape(mean, meanDims...))
}
