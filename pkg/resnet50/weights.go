package resnet50

import (
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/saliencylab/hafnet/internal/downloader"
	"github.com/saliencylab/hafnet/internal/hdf5"
	"github.com/saliencylab/hafnet/pkg/network"
	"k8s.io/klog/v2"
)

const (
	// WeightsURL is the URL of the Keras model weights, including the 1000 classes top layer.
	WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/resnet/resnet50_weights_tf_dim_ordering_tf_kernels.h5"

	// WeightsH5Checksum is the MD5 checksum of the weights file, as published by Keras.
	WeightsH5Checksum = "2cb95161c43110f7111970584f804107"

	// WeightsH5Name is the name of the local ".h5" file with the weights.
	WeightsH5Name = "resnet50_weights.h5"

	// UnpackedWeightsName is the name of the subdirectory that holds the unpacked weights.
	UnpackedWeightsName = "gomlx_resnet50_weights"
)

// DownloadAndUnpackWeights to baseDir, if not there yet.
// It shows a progress bar while downloading or unpacking, and is quiet if there is nothing to do.
func DownloadAndUnpackWeights(baseDir string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	unpackedPath := path.Join(baseDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedPath) {
		return nil
	}
	weightsPath := path.Join(baseDir, WeightsH5Name)
	if err := downloader.DownloadIfMissing(WeightsURL, weightsPath, WeightsH5Checksum); err != nil {
		return errors.WithMessage(err, "resnet50 weights")
	}
	fmt.Printf("Unpacking weights to %s:\n", unpackedPath)
	return hdf5.Unpack(unpackedPath, weightsPath).ProgressBar().Done()
}

// kerasVariables maps the layer kinds with weights to the names of their variables in the Keras h5 file.
var kerasVariables = map[string][][2]string{
	network.KindConv: {
		{network.VarWeights, "kernel:0"},
		{network.VarBiases, "bias:0"},
	},
	network.KindDense: {
		{network.VarWeights, "kernel:0"},
		{network.VarBiases, "bias:0"},
	},
	network.KindBatchNorm: {
		{network.VarGamma, "gamma:0"},
		{network.VarBeta, "beta:0"},
		{network.VarMovingMean, "moving_mean:0"},
		{network.VarMovingVariance, "moving_variance:0"},
	},
}

// LoadWeights reads the unpacked pretrained weights (see DownloadAndUnpackWeights) of every layer of net into
// ctx, in the scopes the network uses when built with ctx.
//
// Variables that already exist are overwritten, as long as they have the same shape. The ones that don't exist
// are created, so LoadWeights can be called before the network is built.
func LoadWeights(ctx *context.Context, baseDir string, net *network.Network) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	unpackedPath := path.Join(baseDir, UnpackedWeightsName)
	ctx = ctx.Checked(false)
	var count int
	for _, layer := range net.Layers() {
		for _, names := range kerasVariables[layer.Kind] {
			varName, h5Name := names[0], names[1]
			tensorPath := path.Join(unpackedPath, layer.Name, layer.Name, h5Name)
			if _, err := os.Stat(tensorPath); err != nil {
				return errors.Wrapf(err, "missing weights for layer %q", layer.Name)
			}
			value, err := tensors.Load(tensorPath)
			if err != nil {
				return errors.WithMessagef(err, "failed to read weights for layer %q from %q", layer.Name, tensorPath)
			}
			layerCtx := ctx.In(layer.Name)
			v := layerCtx.GetVariableByScopeAndName(layerCtx.Scope(), varName)
			if v == nil {
				v = layerCtx.VariableWithValue(varName, value)
			} else {
				if !v.Shape().Equal(value.Shape()) {
					return errors.Errorf("layer %q variable %q has shape %s, but pretrained weights are shaped %s",
						layer.Name, varName, v.Shape(), value.Shape())
				}
				if err := v.SetValue(value); err != nil {
					return errors.WithMessagef(err, "setting variable %s", v.ScopeAndName())
				}
			}
			if layer.Kind == network.KindBatchNorm && (varName == network.VarMovingMean || varName == network.VarMovingVariance) {
				v.SetTrainable(false)
			}
			count++
		}
	}
	klog.V(1).Infof("loaded %d pretrained variables from %s", count, unpackedPath)
	return nil
}
