package haf

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SaveTrainableVariables saves a checkpoint with the saliency weights (and only them) to dir.
// The directory is created if it doesn't exist.
func (m *Model) SaveTrainableVariables(dir string) error {
	if m.insertion == nil {
		return errors.New("no saliency layers inserted, nothing to save")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	saveCtx := context.New()
	for _, v := range m.insertion.Variables {
		if _, err := v.CloneToContext(saveCtx); err != nil {
			return errors.WithMessagef(err, "copying %s to be saved", v.ScopeAndName())
		}
	}
	if _, err := optimizers.GetGlobalStepVar(m.ctx).CloneToContext(saveCtx); err != nil {
		return errors.WithMessage(err, "copying global step to be saved")
	}
	checkpoint, err := checkpoints.Build(saveCtx).Dir(dir).ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	if err := checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving saliency weights to %q", dir)
	}
	klog.Infof("saved %d saliency variables to %s", len(m.insertion.Variables), dir)
	return nil
}

// RestoreTrainableVariables loads the saliency weights saved by SaveTrainableVariables in dir.
//
// It returns failed=true if the weights could not be restored: the directory or checkpoint doesn't exist, or it
// doesn't hold the weights of every saliency layer with the right shapes. In that case the weights are left untouched.
func (m *Model) RestoreTrainableVariables(dir string) (failed bool) {
	if err := m.restoreTrainableVariables(dir); err != nil {
		klog.Warningf("failed to restore saliency weights: %+v", err)
		return true
	}
	klog.Infof("restored %d saliency variables from %s", len(m.insertion.Variables), dir)
	return false
}

func (m *Model) restoreTrainableVariables(dir string) error {
	if m.insertion == nil {
		return errors.New("no saliency layers inserted, nothing to restore")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if !fsutil.MustFileExists(dir) {
		return errors.Errorf("checkpoint directory %q does not exist", dir)
	}
	loadCtx := context.New()
	if _, err := checkpoints.Load(loadCtx).Dir(dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}

	// Check everything before changing any variable.
	values := make([]*tensors.Tensor, len(m.insertion.Variables))
	for ii, v := range m.insertion.Variables {
		loaded := loadCtx.GetVariableByScopeAndName(v.Scope(), v.Name())
		if loaded == nil {
			return errors.Errorf("checkpoint in %q has no variable %s", dir, v.ScopeAndName())
		}
		if !loaded.Shape().Equal(v.Shape()) {
			return errors.Errorf("checkpoint in %q has variable %s shaped %s, but the model uses %s",
				dir, v.ScopeAndName(), loaded.Shape(), v.Shape())
		}
		value, err := loaded.Value()
		if err != nil {
			return err
		}
		values[ii] = value
	}
	for ii, v := range m.insertion.Variables {
		if err := v.SetValue(values[ii]); err != nil {
			return errors.WithMessagef(err, "setting %s", v.ScopeAndName())
		}
	}
	return nil
}
