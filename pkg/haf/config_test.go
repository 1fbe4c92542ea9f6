package haf

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/saliencylab/hafnet/pkg/saliency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunName(t *testing.T) {
	assert.Equal(t, "imagenet_30_0.05_32_sc_after_0.5",
		RunName("imagenet", 30, 0.05, 32, LossScoreClass, saliency.After, 0.5))
	assert.Equal(t, "dogs_5_0.001_8_full_before_1.0",
		RunName("dogs", 5, 0.001, 8, LossFull, saliency.Before, 1))
}

func TestTrainConfigFromContext(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := TrainConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, TrainConfig{Epochs: 30, LearningRate: 0.05, Loss: LossScoreClass, Regularization: 0.5, LogEvery: 10}, cfg)

	ctx.SetParams(map[string]any{
		ParamEpochs:                  2,
		optimizers.ParamLearningRate: 0.1,
		ParamLoss:                    "full",
	})
	cfg, err = TrainConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Epochs)
	assert.Equal(t, 0.1, cfg.LearningRate)
	assert.Equal(t, LossFull, cfg.Loss)

	ctx.SetParam(ParamLoss, "hinge")
	_, err = TrainConfigFromContext(ctx)
	require.Error(t, err)
}
