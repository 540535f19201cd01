package engine

import (
	"fmt"
	"math"
)

// Tensor is one named value flowing through the network. Tensors are
// created by AddInput or as layer outputs and are referenced, never
// copied.
type Tensor struct {
	name         string
	dtype        DataType
	dims         []int64
	networkInput bool
	shapeTensor  bool
	location     TensorLocation
	rangeMin     float32
	rangeMax     float32
	hasRange     bool
	producer     *Layer
}

func (t *Tensor) Name() string          { return t.name }
func (t *Tensor) SetName(name string)   { t.name = name }
func (t *Tensor) Type() DataType        { return t.dtype }
func (t *Tensor) SetType(dt DataType)   { t.dtype = dt }
func (t *Tensor) Dimensions() []int64   { return t.dims }
func (t *Tensor) IsNetworkInput() bool  { return t.networkInput }
func (t *Tensor) IsShapeTensor() bool   { return t.shapeTensor }
func (t *Tensor) MarkShapeTensor()      { t.shapeTensor = true }
func (t *Tensor) Producer() *Layer      { return t.producer }
func (t *Tensor) Location() TensorLocation {
	return t.location
}
func (t *Tensor) SetLocation(loc TensorLocation) { t.location = loc }

// SetDynamicRange records the expected value range used for reduced
// precision calibration.
func (t *Tensor) SetDynamicRange(min, max float32) {
	t.rangeMin, t.rangeMax, t.hasRange = min, max, true
}

// DynamicRange returns the recorded range, if any.
func (t *Tensor) DynamicRange() (min, max float32, ok bool) {
	return t.rangeMin, t.rangeMax, t.hasRange
}

// Layer is one operation of the network.
type Layer struct {
	name     string
	kind     LayerType
	inputs   []*Tensor
	outputs  []*Tensor
	weights  Weights
	elemOp   ElementWiseOperation
	reduceOp ReduceOperation
	actOp    ActivationType
	unaryOp  UnaryOperation
	castTo   DataType
	axis     int64
	axes     []int64
	keepDims bool

	reshapeDims []int64
	permutation []int64

	precision    DataType
	precisionSet bool
	outputTypes  []DataType
	outputSet    []bool
}

func (l *Layer) Name() string        { return l.name }
func (l *Layer) SetName(name string) { l.name = name }
func (l *Layer) Type() LayerType     { return l.kind }

func (l *Layer) NumInputs() int  { return len(l.inputs) }
func (l *Layer) NumOutputs() int { return len(l.outputs) }

func (l *Layer) Input(i int) *Tensor  { return l.inputs[i] }
func (l *Layer) Output(i int) *Tensor { return l.outputs[i] }

func (l *Layer) Weights() Weights                   { return l.weights }
func (l *Layer) CastTo() DataType                   { return l.castTo }
func (l *Layer) KeepDims() bool                     { return l.keepDims }
func (l *Layer) Operation() ElementWiseOperation    { return l.elemOp }
func (l *Layer) ReduceOp() ReduceOperation          { return l.reduceOp }
func (l *Layer) Activation() ActivationType         { return l.actOp }
func (l *Layer) UnaryOp() UnaryOperation            { return l.unaryOp }
func (l *Layer) Axis() int64                        { return l.axis }
func (l *Layer) Axes() []int64                      { return l.axes }
func (l *Layer) ReshapeDims() []int64               { return l.reshapeDims }
func (l *Layer) Permutation() []int64               { return l.permutation }
func (l *Layer) SetReshapeDims(dims []int64)        { l.reshapeDims = dims }
func (l *Layer) SetPermutation(perm []int64)        { l.permutation = perm }

// SetPrecision pins the layer's compute precision.
func (l *Layer) SetPrecision(dt DataType) {
	l.precision, l.precisionSet = dt, true
}

// Precision returns the pinned precision, if one was set.
func (l *Layer) Precision() (DataType, bool) {
	return l.precision, l.precisionSet
}

func (l *Layer) ResetPrecision() { l.precisionSet = false }

// SetOutputType overrides the element type of output i.
func (l *Layer) SetOutputType(i int, dt DataType) {
	l.outputTypes[i], l.outputSet[i] = dt, true
}

// OutputType returns the override for output i, if one was set.
func (l *Layer) OutputType(i int) (DataType, bool) {
	return l.outputTypes[i], l.outputSet[i]
}

func (l *Layer) ResetOutputType(i int) { l.outputSet[i] = false }

// Network is a network definition under construction.
type Network struct {
	inputs  []*Tensor
	outputs []*Tensor
	layers  []*Layer
	names   map[string]struct{}
}

// NewNetwork returns an empty network definition.
func NewNetwork() *Network {
	return &Network{names: make(map[string]struct{})}
}

func (n *Network) NumInputs() int  { return len(n.inputs) }
func (n *Network) NumOutputs() int { return len(n.outputs) }
func (n *Network) NumLayers() int  { return len(n.layers) }

func (n *Network) Input(i int) *Tensor  { return n.inputs[i] }
func (n *Network) Output(i int) *Tensor { return n.outputs[i] }
func (n *Network) Layer(i int) *Layer   { return n.layers[i] }

// AddInput declares a network input. Dimensions may contain -1 for
// dynamic extents. Input names must be unique.
func (n *Network) AddInput(name string, dtype DataType, dims []int64) (*Tensor, error) {
	if _, ok := n.names[name]; ok {
		return nil, fmt.Errorf("input name %q is already in use", name)
	}
	n.names[name] = struct{}{}
	t := &Tensor{
		name:         name,
		dtype:        dtype,
		dims:         append([]int64(nil), dims...),
		networkInput: true,
	}
	n.inputs = append(n.inputs, t)
	return t, nil
}

// MarkOutput marks a tensor as a network output. Marking the same
// tensor twice is a no-op.
func (n *Network) MarkOutput(t *Tensor) {
	for _, existing := range n.outputs {
		if existing == t {
			return
		}
	}
	n.outputs = append(n.outputs, t)
}

func (n *Network) addLayer(kind LayerType, inputs []*Tensor, numOutputs int) *Layer {
	l := &Layer{
		kind:        kind,
		inputs:      inputs,
		name:        fmt.Sprintf("(Unnamed Layer %d) [%s]", len(n.layers), kind),
		outputTypes: make([]DataType, numOutputs),
		outputSet:   make([]bool, numOutputs),
	}
	for i := 0; i < numOutputs; i++ {
		out := &Tensor{
			name:     fmt.Sprintf("%s output %d", l.name, i),
			producer: l,
		}
		if len(inputs) > 0 {
			out.dtype = inputs[0].dtype
		}
		l.outputs = append(l.outputs, out)
	}
	n.layers = append(n.layers, l)
	return l
}

// finishLayer applies the output typing and shape-tensor propagation
// rules that hold for every layer kind.
func finishLayer(l *Layer) *Layer {
	if l.kind == LayerShape {
		l.outputs[0].shapeTensor = true
		return l
	}
	if !propagatesShapeTensor(l.kind) {
		return l
	}
	for _, in := range l.inputs {
		if in.IsShapeTensor() {
			l.outputs[0].shapeTensor = true
			return l
		}
	}
	return l
}

// AddConstant adds a layer producing a constant tensor from weights.
func (n *Network) AddConstant(dims []int64, w Weights) *Layer {
	l := n.addLayer(LayerConstant, nil, 1)
	l.weights = w
	l.outputs[0].dtype = w.Type
	l.outputs[0].dims = append([]int64(nil), dims...)
	return finishLayer(l)
}

// AddIdentity adds a pass-through copy of a tensor.
func (n *Network) AddIdentity(in *Tensor) *Layer {
	l := n.addLayer(LayerIdentity, []*Tensor{in}, 1)
	l.outputs[0].dims = in.dims
	return finishLayer(l)
}

// AddCast adds an element type conversion.
func (n *Network) AddCast(in *Tensor, to DataType) *Layer {
	l := n.addLayer(LayerCast, []*Tensor{in}, 1)
	l.castTo = to
	l.outputs[0].dtype = to
	l.outputs[0].dims = in.dims
	l.SetOutputType(0, to)
	return finishLayer(l)
}

// AddActivation adds an activation layer.
func (n *Network) AddActivation(in *Tensor, op ActivationType) *Layer {
	l := n.addLayer(LayerActivation, []*Tensor{in}, 1)
	l.actOp = op
	l.outputs[0].dims = in.dims
	return finishLayer(l)
}

// AddUnary adds a pointwise unary layer.
func (n *Network) AddUnary(in *Tensor, op UnaryOperation) *Layer {
	l := n.addLayer(LayerUnary, []*Tensor{in}, 1)
	l.unaryOp = op
	l.outputs[0].dims = in.dims
	return finishLayer(l)
}

// AddElementWise adds a broadcasting binary layer.
func (n *Network) AddElementWise(a, b *Tensor, op ElementWiseOperation) *Layer {
	l := n.addLayer(LayerElementWise, []*Tensor{a, b}, 1)
	l.elemOp = op
	return finishLayer(l)
}

// AddReduce adds a reduction over the given axes.
func (n *Network) AddReduce(in *Tensor, op ReduceOperation, axes []int64, keepDims bool) *Layer {
	l := n.addLayer(LayerReduce, []*Tensor{in}, 1)
	l.reduceOp = op
	l.axes = append([]int64(nil), axes...)
	l.keepDims = keepDims
	return finishLayer(l)
}

// AddShape adds a layer producing the runtime shape of a tensor as an
// Int32 shape tensor.
func (n *Network) AddShape(in *Tensor) *Layer {
	l := n.addLayer(LayerShape, []*Tensor{in}, 1)
	l.outputs[0].dtype = Int32
	l.outputs[0].dims = []int64{int64(len(in.dims))}
	return finishLayer(l)
}

// AddShuffle adds a reshape/transpose layer; configure it with
// SetReshapeDims and SetPermutation.
func (n *Network) AddShuffle(in *Tensor) *Layer {
	return finishLayer(n.addLayer(LayerShuffle, []*Tensor{in}, 1))
}

// AddShuffleWithShape adds a reshape layer whose target shape comes
// from a second tensor at runtime. The shape operand is attached after
// shape-tensor propagation so it does not taint the data path.
func (n *Network) AddShuffleWithShape(in, shape *Tensor) *Layer {
	l := finishLayer(n.addLayer(LayerShuffle, []*Tensor{in}, 1))
	l.inputs = append(l.inputs, shape)
	return l
}

// AddConcatenation joins tensors along an axis.
func (n *Network) AddConcatenation(inputs []*Tensor, axis int64) *Layer {
	l := n.addLayer(LayerConcatenation, inputs, 1)
	l.axis = axis
	return finishLayer(l)
}

// AddGather adds an indexed lookup along an axis.
func (n *Network) AddGather(data, indices *Tensor, axis int64) *Layer {
	l := n.addLayer(LayerGather, []*Tensor{data, indices}, 1)
	l.axis = axis
	return finishLayer(l)
}

// AddSlice adds a strided slice layer.
func (n *Network) AddSlice(in *Tensor, starts, sizes, strides []int64) *Layer {
	l := n.addLayer(LayerSlice, []*Tensor{in}, 1)
	l.axes = append(append(append([]int64(nil), starts...), sizes...), strides...)
	return finishLayer(l)
}

// AddMatrixMultiply adds a matrix product layer.
func (n *Network) AddMatrixMultiply(a, b *Tensor) *Layer {
	return finishLayer(n.addLayer(LayerMatrixMultiply, []*Tensor{a, b}, 1))
}

// AddLoop adds an iterative-control layer carrying state tensors
// across iterations.
func (n *Network) AddLoop(inputs []*Tensor, numOutputs int) *Layer {
	return finishLayer(n.addLayer(LayerLoop, inputs, numOutputs))
}

// RangeUnset is the sentinel minimum meaning "no range supplied".
var RangeUnset = float32(math.NaN())
