// Package haf trains saliency maps of a pretrained image classifier, following the HAF recipe: the classifier
// is frozen, trainable multiplicative saliency layers (see package saliency) are inserted in it, and only those are
// trained to keep the classifier scores while being as sparse as possible (L1 regularization), with their weights
// projected to non-negative values after each step.
//
// The Model type holds the whole pipeline: insertion, training, persistence of the trained weights, loss plots and
// the visualization of the saliency maps.
package haf

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/saliencylab/hafnet/pkg/network"
	"github.com/saliencylab/hafnet/pkg/saliency"
	"k8s.io/klog/v2"
)

// State of the training of a Model.
type State int

const (
	NotStarted State = iota
	Training
	Finished
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Training:
		return "Training"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Model wraps a base classifier and the saliency layers inserted in it.
type Model struct {
	backend     backends.Backend
	ctx         *context.Context
	base        *network.Network
	scores      *network.Network
	layerShapes network.Shapes
	baseVars    []*context.Variable
	frozen      bool

	insertion *saliency.Insertion
	state     State

	iterationLosses, epochLosses []float64

	// epochEnds holds, for each epoch, the number of iterations trained when it ended.
	epochEnds []int

	// Executors are created on demand, and reset when the network changes.
	baseExec, hafExec *context.Exec
}

// New creates a Model for the base classifier, whose variables are in ctx (or are created there, randomly
// initialized, if missing). It traces the base network once to learn the shapes of every layer.
//
// If the output of base is a softmax, the model scores are taken from its input (the logits) instead.
func New(backend backends.Backend, ctx *context.Context, base *network.Network) (*Model, error) {
	layerShapes, err := base.Materialize(backend, ctx)
	if err != nil {
		return nil, err
	}
	m := &Model{
		backend:     backend,
		ctx:         ctx,
		base:        base,
		layerShapes: layerShapes,
	}
	m.scores, err = linearOutput(base.Clone())
	if err != nil {
		return nil, err
	}
	for v := range ctx.IterVariables() {
		m.baseVars = append(m.baseVars, v)
	}
	klog.V(1).Infof("base network %q: %d layers, %d variables", base.Name(), base.NumLayers(), len(m.baseVars))
	return m, nil
}

// linearOutput makes the network output the scores before the final softmax, if there is one.
func linearOutput(net *network.Network) (*network.Network, error) {
	output := net.Layer(net.Output())
	if output == nil || output.Kind != network.KindSoftmax {
		return net, nil
	}
	if err := net.SetOutput(output.Inputs[0]); err != nil {
		return nil, err
	}
	return net, nil
}

// Context holding the variables of the model.
func (m *Model) Context() *context.Context { return m.ctx }

// Base network, as given to New.
func (m *Model) Base() *network.Network { return m.base }

// LayerShapes returns the shape of one example of the output of each base layer.
func (m *Model) LayerShapes() network.Shapes { return m.layerShapes }

// Network returns the network with the saliency layers, and a linear output.
// Before InsertSaliencyLayers is called, it returns the base network with a linear output.
func (m *Model) Network() *network.Network {
	if m.insertion == nil {
		return m.scores
	}
	return m.insertion.Network
}

// Insertion returns the result of InsertSaliencyLayers, or nil if it hasn't been called.
func (m *Model) Insertion() *saliency.Insertion { return m.insertion }

// State of the training.
func (m *Model) State() State { return m.state }

// FreezeBase marks all the variables of the base network as not trainable.
func (m *Model) FreezeBase() {
	for _, v := range m.baseVars {
		v.SetTrainable(false)
	}
	m.frozen = true
}

// InsertSaliencyLayers at the base layers matching any of the regular expression patterns.
// The granularity of the saliency weights is read from the hyperparameter ParamGranularity.
//
// It can only be called once, before training.
func (m *Model) InsertSaliencyLayers(patterns []string, position saliency.Position) error {
	if m.insertion != nil {
		return errors.Errorf("saliency layers already inserted in %q", m.base.Name())
	}
	if !m.frozen {
		klog.Warningf("inserting saliency layers in %q before freezing it: the base weights will be trained as well",
			m.base.Name())
	}
	granularity, err := saliency.ParseGranularity(
		context.GetParamOr(m.ctx, ParamGranularity, saliency.PerActivation.String()))
	if err != nil {
		return err
	}
	insertion, err := saliency.Insert(m.base, patterns...).
		Position(position).
		Granularity(granularity).
		Done(m.ctx, m.layerShapes)
	if err != nil {
		return errors.WithMessagef(err, "inserting saliency layers in %q", m.base.Name())
	}
	if insertion.Network, err = linearOutput(insertion.Network); err != nil {
		return err
	}
	m.insertion = insertion
	m.resetExecs()
	if len(insertion.Layers) == 0 {
		klog.Warningf("no layer of %q matched %q: no saliency layers inserted", m.base.Name(), patterns)
	}
	return nil
}

// IterationLosses returns the loss of each training iteration so far.
func (m *Model) IterationLosses() []float64 { return slices.Clone(m.iterationLosses) }

// EpochLosses returns the mean loss of each training epoch so far.
func (m *Model) EpochLosses() []float64 { return slices.Clone(m.epochLosses) }

func (m *Model) resetExecs() {
	for _, e := range []*context.Exec{m.baseExec, m.hafExec} {
		if e != nil {
			e.Finalize()
		}
	}
	m.baseExec, m.hafExec = nil, nil
}

// Finalize releases the compiled graphs held by the model. The variables in the context are not affected.
func (m *Model) Finalize() {
	m.resetExecs()
}

func (m *Model) scoresExec(net *network.Network) (*context.Exec, error) {
	return context.NewExec(m.backend, m.ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return net.Build(ctx, images)
	})
}

// Predict returns the scores (logits) of the network with the saliency layers for a batch of images,
// shaped [batch, height, width, channels] and already preprocessed.
func (m *Model) Predict(images *tensors.Tensor) (*tensors.Tensor, error) {
	if m.hafExec == nil {
		exec, err := m.scoresExec(m.Network())
		if err != nil {
			return nil, err
		}
		m.hafExec = exec
	}
	return m.hafExec.Exec1(images)
}

// BaseScores returns the scores (logits) of the base network for a batch of images. These are the
// ground scores the saliency weights are trained to keep.
func (m *Model) BaseScores(images *tensors.Tensor) (*tensors.Tensor, error) {
	if m.baseExec == nil {
		exec, err := m.scoresExec(m.scores)
		if err != nil {
			return nil, err
		}
		m.baseExec = exec
	}
	return m.baseExec.Exec1(images)
}
