// Package network describes a neural network as a directed acyclic graph of named layers, and
// traces it into a GoMLX computation graph.
//
// Keeping the layer graph as plain Go data (instead of only as GoMLX graph building code) is what
// allows layers to be inserted after the fact: a Network can be cloned, rewired and built again,
// while the weights stay in the context.Context, addressed by the layer names.
//
// Each layer is built inside the context scope named after the layer, so two networks that share
// layer names (e.g. a base network and a copy of it with extra layers) share the same weights.
package network

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// InputName is the name used in Layer.Inputs to refer to the network input.
const InputName = "input"

// Op builds the output of a layer from its inputs. The context is already scoped to the layer name.
//
// It is a graph building function, and it panics on errors.
type Op func(ctx *context.Context, inputs []*graph.Node) *graph.Node

// Layer is one node of the network graph.
type Layer struct {
	// Name of the layer, unique in the network. It is also the context scope of its variables.
	Name string

	// Kind is informative only: "conv", "batch_norm", "relu", "add", ...
	Kind string

	// Inputs are the names of the layers (or InputName) feeding this layer, in the order given to Op.
	Inputs []string

	// Op builds the layer.
	Op Op
}

// Network is a directed acyclic graph of layers, kept in topological order.
type Network struct {
	name      string
	inputDims []int
	layers    []*Layer
	index     map[string]int
	output    string
}

// New creates an empty network. inputDims are the dimensions of one example, without the batch axis.
func New(name string, inputDims ...int) *Network {
	return &Network{
		name:      name,
		inputDims: slices.Clone(inputDims),
		index:     make(map[string]int),
	}
}

// Name of the network.
func (n *Network) Name() string { return n.name }

// InputDims returns the dimensions of one example, without the batch axis.
func (n *Network) InputDims() []int { return slices.Clone(n.inputDims) }

// NumLayers in the network.
func (n *Network) NumLayers() int { return len(n.layers) }

// Layers returns the layers in topological order. The slice is a copy, but the layers are not.
func (n *Network) Layers() []*Layer { return slices.Clone(n.layers) }

// LayerNames returns the names of the layers in topological order.
func (n *Network) LayerNames() []string {
	names := make([]string, len(n.layers))
	for ii, l := range n.layers {
		names[ii] = l.Name
	}
	return names
}

// Layer returns the layer with the given name, or nil if there is none.
func (n *Network) Layer(name string) *Layer {
	idx, found := n.index[name]
	if !found {
		return nil
	}
	return n.layers[idx]
}

// Output is the name of the layer whose value Build returns. It defaults to the last added layer.
func (n *Network) Output() string {
	if n.output == "" && len(n.layers) > 0 {
		return n.layers[len(n.layers)-1].Name
	}
	return n.output
}

// SetOutput changes the layer whose value is returned by Build.
func (n *Network) SetOutput(name string) error {
	if n.Layer(name) == nil {
		return errors.Errorf("network %q has no layer %q to use as output", n.name, name)
	}
	n.output = name
	return nil
}

// Add appends a layer. All its inputs must already be in the network (or be InputName), which
// keeps the layers in topological order.
func (n *Network) Add(layer *Layer) error {
	if layer.Name == "" || layer.Name == InputName {
		return errors.Errorf("network %q: invalid layer name %q", n.name, layer.Name)
	}
	if _, found := n.index[layer.Name]; found {
		return errors.Errorf("network %q: duplicate layer name %q", n.name, layer.Name)
	}
	if layer.Op == nil {
		return errors.Errorf("network %q: layer %q has no Op", n.name, layer.Name)
	}
	if len(layer.Inputs) == 0 {
		return errors.Errorf("network %q: layer %q has no inputs", n.name, layer.Name)
	}
	for _, input := range layer.Inputs {
		if input != InputName && n.Layer(input) == nil {
			return errors.Errorf("network %q: layer %q uses input %q, which is not (yet) defined",
				n.name, layer.Name, input)
		}
	}
	n.index[layer.Name] = len(n.layers)
	n.layers = append(n.layers, layer)
	return nil
}

// Consumers returns the names of the layers that take the named layer (or InputName) as input.
func (n *Network) Consumers(name string) []string {
	var consumers []string
	for _, l := range n.layers {
		if slices.Contains(l.Inputs, name) {
			consumers = append(consumers, l.Name)
		}
	}
	return consumers
}

// Clone returns a copy of the network that can be rewired independently. Layer ops are shared.
func (n *Network) Clone() *Network {
	c := &Network{
		name:      n.name,
		inputDims: slices.Clone(n.inputDims),
		layers:    make([]*Layer, len(n.layers)),
		index:     make(map[string]int, len(n.index)),
		output:    n.output,
	}
	for ii, l := range n.layers {
		lCopy := *l
		lCopy.Inputs = slices.Clone(l.Inputs)
		c.layers[ii] = &lCopy
		c.index[l.Name] = ii
	}
	return c
}

// Build traces the network on input x (shaped [batch, inputDims...]) and returns the output layer value.
func (n *Network) Build(ctx *context.Context, x *graph.Node) *graph.Node {
	values := n.build(ctx, x, n.Output())
	return values[n.Output()]
}

// BuildWithActivations is like Build, but also returns the values of the named layers (or InputName).
func (n *Network) BuildWithActivations(ctx *context.Context, x *graph.Node, names ...string) (output *graph.Node, activations []*graph.Node) {
	values := n.build(ctx, x, n.Output())
	activations = make([]*graph.Node, len(names))
	for ii, name := range names {
		value, found := values[name]
		if !found {
			exceptions.Panicf("network %q has no layer %q", n.name, name)
		}
		activations[ii] = value
	}
	return values[n.Output()], activations
}

// build all layers up to (and including) the target layer. Layers after it are skipped.
func (n *Network) build(ctx *context.Context, x *graph.Node, target string) map[string]*graph.Node {
	if len(n.layers) == 0 {
		exceptions.Panicf("network %q has no layers", n.name)
	}
	if x.Rank() != len(n.inputDims)+1 || !slices.Equal(x.Shape().Dimensions[1:], n.inputDims) {
		exceptions.Panicf("network %q expects input shaped [batch, %v], got %s", n.name, n.inputDims, x.Shape())
	}
	ctx = ctx.Checked(false)
	values := make(map[string]*graph.Node, len(n.layers)+1)
	values[InputName] = x
	for _, l := range n.layers {
		inputs := make([]*graph.Node, len(l.Inputs))
		for ii, name := range l.Inputs {
			inputs[ii] = values[name]
		}
		values[l.Name] = l.Op(ctx.In(l.Name), inputs)
		if l.Name == target {
			break
		}
	}
	return values
}

// Shapes maps layer names (and InputName) to the shape of one example of their output, without the batch axis.
type Shapes map[string]shapes.Shape

// Dims returns the dimensions of the named layer output, or nil if unknown.
func (s Shapes) Dims(name string) []int {
	shape, found := s[name]
	if !found {
		return nil
	}
	return shape.Dimensions
}

// Materialize traces the network once with a batch of 1 example, which creates every variable the
// network uses in ctx, initializes the ones that don't have a value yet, and returns the output shape of
// every layer.
func (n *Network) Materialize(backend backends.Backend, ctx *context.Context) (layerShapes Shapes, err error) {
	g := graph.NewGraph(backend, fmt.Sprintf("%s_shapes", n.name))
	defer g.Finalize()
	err = exceptions.TryCatch[error](func() {
		dims := append([]int{1}, n.inputDims...)
		x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, dims...))
		values := n.build(ctx, x, n.Output())
		layerShapes = make(Shapes, len(values))
		for name, value := range values {
			s := value.Shape().Clone()
			s.Dimensions = s.Dimensions[1:]
			layerShapes[name] = s
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build network %q", n.name)
	}
	if err = ctx.InitializeVariables(backend, nil); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize variables of network %q", n.name)
	}
	return layerShapes, nil
}

// String lists the layers and their connections.
func (n *Network) String() string {
	s := fmt.Sprintf("Network %q (input %v, %d layers, output %q):\n", n.name, n.inputDims, len(n.layers), n.Output())
	for _, l := range n.layers {
		s += fmt.Sprintf("\t%s (%s) <- %v\n", l.Name, l.Kind, l.Inputs)
	}
	return s
}
