package haf

import (
	"io"
	"time"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/saliencylab/hafnet/internal/progress"
	"k8s.io/klog/v2"
)

// Dataset with a known number of batches per epoch. Datasets implementing it get a proper progress bar.
type Dataset interface {
	train.Dataset
	NumBatches() int
}

// Train the saliency weights for cfg.Epochs passes over ds.
//
// Each batch yielded by ds must have one input, the preprocessed images shaped [batch, height, width, channels],
// and two labels: the ground scores, shaped like the model scores, and the ground classes, shaped [batch]
// (an integer dtype). ds.Reset is called at the end of each epoch.
//
// Each iteration is one compiled step: the model scores, the loss, one Adam update of the trainable
// variables and the projection of the saliency weights to non-negative values.
func (m *Model) Train(ds train.Dataset, cfg TrainConfig) error {
	if m.insertion == nil {
		return errors.New("no saliency layers inserted, call InsertSaliencyLayers before Train")
	}
	if len(m.insertion.Variables) == 0 {
		return errors.New("no saliency weights to train: no layer matched the insertion patterns")
	}
	if cfg.Epochs <= 0 {
		return errors.Errorf("invalid number of epochs %d", cfg.Epochs)
	}
	m.state = Training
	defer func() { m.state = Finished }()
	start := time.Now()

	net := m.insertion.Network
	variables := m.insertion.Variables
	coefficients := m.insertion.Coefficients
	optimizer := optimizers.Adam().LearningRate(cfg.LearningRate).Done()
	stepExec, err := context.NewExec(m.backend, m.ctx,
		func(ctx *context.Context, images, groundScore, groundClass *graph.Node) *graph.Node {
			g := images.Graph()
			predictions := net.Build(ctx, images)
			weights := make([]*graph.Node, len(variables))
			for ii, v := range variables {
				weights[ii] = v.ValueGraph(g)
			}
			loss := Loss(cfg.Loss, groundScore, groundClass, predictions, weights, coefficients, cfg.Regularization)
			optimizer.UpdateGraph(ctx, g, loss)

			// Projected gradient descent: saliency weights are never negative.
			for _, v := range variables {
				v.SetValueGraph(graph.MaxScalar(v.ValueGraph(g), 0.0))
			}
			return loss
		})
	if err != nil {
		return errors.WithMessage(err, "creating training step")
	}
	defer stepExec.Finalize()

	numBatches := -1
	if sized, ok := ds.(Dataset); ok {
		numBatches = sized.NumBatches()
	}
	finalizeYields := true
	if ownership, ok := ds.(train.DatasetCustomOwnership); ok {
		finalizeYields = ownership.IsOwnershipTransferred()
	}

	var bar *progress.Epoch
	defer func() {
		if bar != nil {
			bar.Close()
		}
	}()
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if cfg.ProgressBar {
			bar = progress.NewEpoch(epoch, cfg.Epochs, numBatches)
		}
		var epochSum float64
		var iteration int
		for {
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "epoch %d: reading from dataset %q", epoch, ds.Name())
			}
			if len(inputs) != 1 || len(labels) != 2 {
				return errors.Errorf("epoch %d: dataset %q yielded %d inputs and %d labels, wanted 1 input "+
					"(images) and 2 labels (ground scores and classes)", epoch, ds.Name(), len(inputs), len(labels))
			}
			iteration++
			lossT, err := stepExec.Exec1(inputs[0], labels[0], labels[1])
			if err != nil {
				return errors.WithMessagef(err, "epoch %d, iteration %d: training step failed", epoch, iteration)
			}
			loss := float64(tensors.ToScalar[float32](lossT))
			if err := lossT.FinalizeAll(); err != nil {
				return err
			}
			if finalizeYields {
				for _, t := range append(inputs, labels...) {
					if err := t.FinalizeAll(); err != nil {
						return errors.WithMessagef(err, "finalizing batch of dataset %q", ds.Name())
					}
				}
			}

			m.iterationLosses = append(m.iterationLosses, loss)
			epochSum += loss
			if cfg.LogEvery > 0 && iteration%cfg.LogEvery == 0 {
				klog.Infof("Epoch: %d Iteration: %d Loss: %g", epoch, iteration, loss)
			}
			if bar != nil {
				bar.Update(loss)
			}
		}
		if iteration == 0 {
			return errors.Errorf("epoch %d: dataset %q yielded no batches", epoch, ds.Name())
		}
		epochMean := epochSum / float64(iteration)
		m.epochLosses = append(m.epochLosses, epochMean)
		m.epochEnds = append(m.epochEnds, len(m.iterationLosses))
		if bar != nil {
			bar.Done(epochMean)
		}
		klog.V(1).Infof("Epoch %d: mean loss %g over %d iterations", epoch, epochMean, iteration)
		ds.Reset()
	}
	klog.Infof("Train ended in %s", commandline.FormatDuration(time.Since(start)))
	return nil
}
