// Package saliency inserts trainable multiplicative "saliency" layers into a network.Network.
//
// A saliency layer multiplies the activation it receives, element-wise, by its variable "weights",
// initialized to ones, so right after insertion the network computes exactly what the original did.
// Trained with an L1 penalty (and kept non-negative), the weights end up highlighting the parts of the
// activation the prediction depends on: the saliency map.
//
// Example: insert one layer after the output of the last ResNet50 block.
//
//	insertion, err := saliency.Insert(base, `.*conv5_block3_add.*`).Position(saliency.After).Done(ctx, layerShapes)
package saliency

import (
	"fmt"
	"regexp"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/saliencylab/hafnet/pkg/network"
)

const (
	// LayerPrefix of the inserted layers, followed by their index: "saliency_0", "saliency_1", ...
	LayerPrefix = "saliency_"

	// Kind of the inserted layers.
	Kind = "saliency"

	// VarWeights is the name of the saliency layer variable.
	VarWeights = "weights"
)

// Position of the saliency layer relative to the matched layer.
type Position int

const (
	// After multiplies the output of the matched layer.
	After Position = iota

	// Before multiplies the input of the matched layer. Only layers with one input are accepted.
	Before
)

func (p Position) String() string {
	switch p {
	case After:
		return "after"
	case Before:
		return "before"
	}
	return fmt.Sprintf("Position(%d)", int(p))
}

// ParsePosition converts "after" or "before" to a Position.
func ParsePosition(s string) (Position, error) {
	switch s {
	case "after":
		return After, nil
	case "before":
		return Before, nil
	}
	return After, errors.Errorf("invalid saliency position %q, valid values are \"after\" or \"before\"", s)
}

// Granularity of the saliency weights.
type Granularity int

const (
	// PerActivation has one weight per element of the activation (of one example): the weights have
	// the same shape as the activation, and the saliency map has the resolution of the activation.
	PerActivation Granularity = iota

	// PerChannel has one weight per channel (last axis) of the activation.
	PerChannel
)

func (g Granularity) String() string {
	switch g {
	case PerActivation:
		return "activation"
	case PerChannel:
		return "channel"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// ParseGranularity converts "activation" or "channel" to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "activation":
		return PerActivation, nil
	case "channel":
		return PerChannel, nil
	}
	return PerActivation, errors.Errorf("invalid saliency granularity %q, valid values are \"activation\" or \"channel\"", s)
}

// WeightsDims returns the dimensions of the saliency weights for an activation with the given
// dimensions (of one example, without the batch axis).
func (g Granularity) WeightsDims(activationDims []int) []int {
	if g == PerChannel {
		return []int{activationDims[len(activationDims)-1]}
	}
	return activationDims
}

// Op returns the saliency layer operation: it multiplies its only input by the "weights" variable of the
// layer scope, broadcast over the batch axis (and the spatial axes, for PerChannel).
func Op(granularity Granularity) network.Op {
	return func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		if len(inputs) != 1 {
			exceptions.Panicf("saliency layer takes exactly one input, got %d", len(inputs))
		}
		x := inputs[0]
		dims := granularity.WeightsDims(x.Shape().Dimensions[1:])
		w := ctx.VariableWithShape(VarWeights, shapes.Make(x.DType(), dims...)).ValueGraph(x.Graph())
		broadcastDims := make([]int, x.Rank())
		for ii := range broadcastDims {
			broadcastDims[ii] = 1
		}
		copy(broadcastDims[x.Rank()-len(dims):], dims)
		return graph.Mul(x, graph.Reshape(w, broadcastDims...))
	}
}

// InsertConfig holds the configuration of a saliency layers insertion, created with Insert.
// Call Done when finished configuring.
type InsertConfig struct {
	base        *network.Network
	patterns    []string
	position    Position
	granularity Granularity
}

// Insert creates the configuration to insert saliency layers at every layer of base whose name matches
// any of the regular expression patterns (unanchored, as in regexp.MatchString).
// base itself is never changed.
func Insert(base *network.Network, patterns ...string) *InsertConfig {
	return &InsertConfig{base: base, patterns: patterns}
}

// Position of the saliency layers relative to the matched layers. Default is After.
func (c *InsertConfig) Position(position Position) *InsertConfig {
	c.position = position
	return c
}

// Granularity of the saliency weights. Default is PerActivation.
func (c *InsertConfig) Granularity(granularity Granularity) *InsertConfig {
	c.granularity = granularity
	return c
}

// Insertion is the result of inserting saliency layers.
// Layers, Targets, Variables and Coefficients are aligned: the i-th entry of each refers to
// the saliency layer "saliency_<i>".
type Insertion struct {
	// Network with the saliency layers. It shares the variables of all the other layers with the base network.
	Network *network.Network

	// Layers are the names of the inserted layers, in topological order.
	Layers []string

	// Targets are the names of the matched layers.
	Targets []string

	// Variables holding the saliency weights, all trainable and initialized to 1.
	Variables []*context.Variable

	// Coefficients ti of the L1 regularization of each saliency layer: 1/(number of weights).
	Coefficients []float64

	Position    Position
	Granularity Granularity
}

// Done performs the insertion, creating the saliency weights in ctx, under the scopes of the new layers.
// ctx must be the same context (same scope) used to build the base network, and layerShapes the shapes
// of its layers, as returned by network.Network.Materialize.
//
// If no layer matches, the returned Insertion holds an unchanged copy of the base network and no variables.
func (c *InsertConfig) Done(ctx *context.Context, layerShapes network.Shapes) (*Insertion, error) {
	regexps := make([]*regexp.Regexp, len(c.patterns))
	for ii, pattern := range c.patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid saliency layer pattern %q", pattern)
		}
		regexps[ii] = re
	}
	matches := func(name string) bool {
		for _, re := range regexps {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	}

	base := c.base
	ins := &Insertion{
		Network:     network.New(base.Name(), base.InputDims()...),
		Position:    c.position,
		Granularity: c.granularity,
	}
	// renamed maps the base layers (and the input) to the layer now feeding their consumers.
	renamed := make(map[string]string)
	rewire := func(inputs []string) []string {
		newInputs := make([]string, len(inputs))
		for ii, input := range inputs {
			if newName, found := renamed[input]; found {
				newInputs[ii] = newName
			} else {
				newInputs[ii] = input
			}
		}
		return newInputs
	}
	ctx = ctx.Checked(false)

	for _, baseLayer := range base.Layers() {
		layer := *baseLayer
		layer.Inputs = rewire(baseLayer.Inputs)
		if !matches(layer.Name) {
			if err := ins.Network.Add(&layer); err != nil {
				return nil, err
			}
			continue
		}

		name := fmt.Sprintf("%s%d", LayerPrefix, len(ins.Layers))
		if base.Layer(name) != nil {
			return nil, errors.Errorf("can't insert saliency layer %q, network %q already has a layer with that name",
				name, base.Name())
		}
		var activation string // Name in base of the activation to be scaled.
		saliencyLayer := &network.Layer{Name: name, Kind: Kind, Op: Op(c.granularity)}
		if c.position == After {
			activation = layer.Name
			if err := ins.Network.Add(&layer); err != nil {
				return nil, err
			}
			saliencyLayer.Inputs = []string{layer.Name}
			if err := ins.Network.Add(saliencyLayer); err != nil {
				return nil, err
			}
			renamed[layer.Name] = name
		} else {
			if len(layer.Inputs) != 1 {
				return nil, errors.Errorf("can't insert saliency layer before %q: it has %d inputs %v, only layers "+
					"with one input are supported", layer.Name, len(layer.Inputs), baseLayer.Inputs)
			}
			activation = baseLayer.Inputs[0]
			saliencyLayer.Inputs = layer.Inputs
			if err := ins.Network.Add(saliencyLayer); err != nil {
				return nil, err
			}
			layer.Inputs = []string{name}
			if err := ins.Network.Add(&layer); err != nil {
				return nil, err
			}
		}

		activationDims := layerShapes.Dims(activation)
		if activationDims == nil {
			return nil, errors.Errorf("unknown shape for %q, where saliency layer %q is inserted: was the network materialized?",
				activation, name)
		}
		v, err := createWeights(ctx.In(name), shapes.Make(dtypes.Float32, c.granularity.WeightsDims(activationDims)...))
		if err != nil {
			return nil, err
		}
		ins.Layers = append(ins.Layers, name)
		ins.Targets = append(ins.Targets, layer.Name)
		ins.Variables = append(ins.Variables, v)
		ins.Coefficients = append(ins.Coefficients, 1.0/float64(v.Shape().Size()))
	}

	output := base.Output()
	if newName, found := renamed[output]; found {
		output = newName
	}
	if output != "" {
		if err := ins.Network.SetOutput(output); err != nil {
			return nil, err
		}
	}
	return ins, nil
}

// createWeights creates (or resets) the saliency weights in the layer scope, with value 1.
func createWeights(ctx *context.Context, shape shapes.Shape) (*context.Variable, error) {
	ones := tensors.FromScalarAndDimensions(float32(1), shape.Dimensions...)
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), VarWeights)
	if v == nil {
		v = ctx.VariableWithValue(VarWeights, ones)
	} else {
		if !v.Shape().Equal(shape) {
			return nil, errors.Errorf("saliency variable %s already exists with shape %s, wanted %s",
				v.ScopeAndName(), v.Shape(), shape)
		}
		if err := v.SetValue(ones); err != nil {
			return nil, err
		}
	}
	return v.SetTrainable(true), nil
}
