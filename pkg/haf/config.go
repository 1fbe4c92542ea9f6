package haf

import (
	"fmt"
	"strconv"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/saliencylab/hafnet/pkg/saliency"
)

// Hyperparameters names, set in the context.Context. See CreateDefaultContext.
const (
	// ParamEpochs is the number of passes over the training data.
	ParamEpochs = "epochs"

	// ParamBatchSize for training.
	ParamBatchSize = "batch_size"

	// ParamRegularization is the L1 regularization factor (lambda) of the saliency weights.
	ParamRegularization = "reg"

	// ParamLoss is the loss variant, "sc" or "full". See LossVariant.
	ParamLoss = "haf_loss"

	// ParamPosition of the saliency layers: "after" or "before" the matched layers.
	ParamPosition = "saliency_position"

	// ParamGranularity of the saliency weights: "activation" or "channel".
	ParamGranularity = "saliency_granularity"

	// ParamLogEvery is the number of iterations between progress log lines.
	ParamLogEvery = "log_every"

	// ParamPrefetch is the number of batches prepared in parallel with training.
	ParamPrefetch = "prefetch"
)

// CreateDefaultContext returns a context with the default hyperparameters for training the saliency weights.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamEpochs:                  30,
		ParamBatchSize:               32,
		optimizers.ParamLearningRate: 0.05,
		ParamRegularization:          0.5,
		ParamLoss:                    LossScoreClass.String(),
		ParamPosition:                saliency.After.String(),
		ParamGranularity:             saliency.PerActivation.String(),
		ParamLogEvery:                10,
		ParamPrefetch:                4,
	})
	return ctx
}

// TrainConfig for Model.Train.
type TrainConfig struct {
	Epochs       int
	LearningRate float64
	Loss         LossVariant

	// Regularization is the factor (lambda) of the L1 penalty on the saliency weights.
	Regularization float64

	// LogEvery iterations a progress line is logged. If <= 0 nothing is logged.
	LogEvery int

	// ProgressBar shows a terminal progress bar for each epoch.
	ProgressBar bool
}

// TrainConfigFromContext reads the TrainConfig from the hyperparameters in ctx.
func TrainConfigFromContext(ctx *context.Context) (TrainConfig, error) {
	loss, err := ParseLossVariant(context.GetParamOr(ctx, ParamLoss, LossScoreClass.String()))
	if err != nil {
		return TrainConfig{}, err
	}
	return TrainConfig{
		Epochs:         context.GetParamOr(ctx, ParamEpochs, 30),
		LearningRate:   context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.05),
		Loss:           loss,
		Regularization: context.GetParamOr(ctx, ParamRegularization, 0.5),
		LogEvery:       context.GetParamOr(ctx, ParamLogEvery, 10),
	}, nil
}

// RunName returns the name of the directory where the results of a training run are saved, built from
// its hyperparameters: "<dataset>_<epochs>_<lr>_<batch><_sc|_full>_<after|before>_<reg>".
func RunName(dataset string, epochs int, learningRate float64, batchSize int, loss LossVariant,
	position saliency.Position, reg float64) string {
	return fmt.Sprintf("%s_%d_%s_%d_%s_%s_%s", dataset, epochs, formatFloat(learningRate), batchSize,
		loss, position, formatFloat(reg))
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if _, err := strconv.Atoi(s); err == nil {
		// Keep integer values looking like floats: 1 -> "1.0".
		s += ".0"
	}
	return s
}
