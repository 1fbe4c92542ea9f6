package haf

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/saliencylab/hafnet/pkg/saliency"
	"k8s.io/klog/v2"
)

// HeatMapOpacity is the opacity of the heat map blended over the images by SaveSaliencyMaps.
var HeatMapOpacity = 0.5

// SaliencyMaps returns one map per spatial saliency layer (those whose output is shaped [height, width, channels]):
// the channel mean of the absolute value of the saliency layer output (the activation times the saliency weights),
// min-max normalized to [0, 1] for each image.
//
// inputs are the preprocessed images, shaped [batch, height, width, channels]. The maps are shaped
// [batch, mapHeight, mapWidth], and layers holds the name of the saliency layer of each map.
func (m *Model) SaliencyMaps(inputs *tensors.Tensor) (maps []*tensors.Tensor, layers []string, err error) {
	if m.insertion == nil {
		return nil, nil, errors.New("no saliency layers inserted")
	}
	for ii, name := range m.insertion.Layers {
		if len(m.activationDims(ii)) == 3 {
			layers = append(layers, name)
		}
	}
	if len(layers) == 0 {
		return nil, nil, errors.New("no spatial saliency layers to visualize")
	}

	net := m.insertion.Network
	exec, err := context.NewExec(m.backend, m.ctx, func(ctx *context.Context, images *graph.Node) []*graph.Node {
		_, activations := net.BuildWithActivations(ctx, images, layers...)
		outputs := make([]*graph.Node, len(activations))
		for ii, activation := range activations {
			heat := graph.ReduceMean(graph.Abs(activation), -1)
			low := graph.ReduceAndKeep(heat, graph.ReduceMin, 1, 2)
			high := graph.ReduceAndKeep(heat, graph.ReduceMax, 1, 2)
			outputs[ii] = graph.Div(graph.Sub(heat, low), graph.MaxScalar(graph.Sub(high, low), 1e-12))
		}
		return outputs
	})
	if err != nil {
		return nil, nil, err
	}
	defer exec.Finalize()
	maps, err = exec.Exec(inputs)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "computing saliency maps")
	}
	return maps, layers, nil
}

// activationDims returns the dimensions of one example of the activation scaled by the ii-th saliency layer.
func (m *Model) activationDims(ii int) []int {
	target := m.insertion.Targets[ii]
	if m.insertion.Position == saliency.Before {
		target = m.base.Layer(target).Inputs[0]
	}
	return m.layerShapes.Dims(target)
}

// SaveSaliencyMaps writes, for each image and each spatial saliency layer, the saliency map (see SaliencyMaps)
// resized to the image and blended over it as a heat map, to "<dir>/<name>_<saliency layer>.png".
//
// originals are the images as loaded, and inputs the same images preprocessed for the network.
func (m *Model) SaveSaliencyMaps(originals []image.Image, inputs *tensors.Tensor, names []string, dir string) error {
	if len(originals) != len(names) || inputs.Shape().Dim(0) != len(names) {
		return errors.Errorf("got %d images, %d inputs and %d names, they must all match",
			len(originals), inputs.Shape().Dim(0), len(names))
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	maps, layers, err := m.SaliencyMaps(inputs)
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range maps {
			_ = t.FinalizeAll()
		}
	}()
	for layerIdx, mapsTensor := range maps {
		height, width := mapsTensor.Shape().Dim(1), mapsTensor.Shape().Dim(2)
		values := tensors.MustCopyFlatData[float32](mapsTensor)
		for imgIdx, original := range originals {
			mapImg := grayImage(values[imgIdx*height*width:(imgIdx+1)*height*width], width, height)
			bounds := original.Bounds()
			heat := heatColors(imaging.Resize(mapImg, bounds.Dx(), bounds.Dy(), imaging.Linear))
			blended := imaging.Overlay(original, heat, image.Pt(0, 0), HeatMapOpacity)
			filePath := path.Join(dir, fmt.Sprintf("%s_%s.png", names[imgIdx], layers[layerIdx]))
			if err := imaging.Save(blended, filePath); err != nil {
				return errors.Wrapf(err, "saving saliency map to %q", filePath)
			}
		}
	}
	klog.Infof("saved %d saliency maps to %s", len(maps)*len(originals), dir)
	return nil
}

func grayImage(values []float32, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for ii, v := range values {
		img.Pix[ii] = uint8(math.Round(255 * math.Max(0, math.Min(1, float64(v)))))
	}
	return img
}

// heatColors maps gray levels to a blue (low) to red (high) color ramp.
func heatColors(gray *image.NRGBA) *image.NRGBA {
	heat := image.NewNRGBA(gray.Bounds())
	ramp := func(v, center float64) uint8 {
		return uint8(255 * math.Max(0, math.Min(1, 1.5-math.Abs(4*v-center))))
	}
	for y := gray.Rect.Min.Y; y < gray.Rect.Max.Y; y++ {
		for x := gray.Rect.Min.X; x < gray.Rect.Max.X; x++ {
			v := float64(gray.NRGBAAt(x, y).R) / 255
			heat.SetNRGBA(x, y, color.NRGBA{R: ramp(v, 3), G: ramp(v, 2), B: ramp(v, 1), A: 255})
		}
	}
	return heat
}
