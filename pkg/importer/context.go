package importer

import (
	"github.com/zerfoo/zinfer/pkg/engine"
)

// TensorOrWeights is a node input or output value: either a reference
// to an engine tensor, an owned weight buffer, or unset. The zero
// value is the unset variant, used for optional inputs that were not
// supplied.
type TensorOrWeights struct {
	tensor  *engine.Tensor
	weights *engine.Weights
}

// TensorValue wraps an engine tensor reference.
func TensorValue(t *engine.Tensor) TensorOrWeights {
	return TensorOrWeights{tensor: t}
}

// WeightsValue wraps an owned weight buffer.
func WeightsValue(w engine.Weights) TensorOrWeights {
	return TensorOrWeights{weights: &w}
}

func (v TensorOrWeights) IsTensor() bool  { return v.tensor != nil }
func (v TensorOrWeights) IsWeights() bool { return v.weights != nil }

// Valid reports whether the value is set at all.
func (v TensorOrWeights) Valid() bool { return v.tensor != nil || v.weights != nil }

// Tensor returns the engine tensor reference; only call when IsTensor.
func (v TensorOrWeights) Tensor() *engine.Tensor { return v.tensor }

// Weights returns the weight buffer; only call when IsWeights.
func (v TensorOrWeights) Weights() engine.Weights { return *v.weights }

func (v TensorOrWeights) equal(other TensorOrWeights) bool {
	if v.tensor != nil || other.tensor != nil {
		return v.tensor == other.tensor
	}
	if v.weights != nil && other.weights != nil {
		return v.weights == other.weights || v.weights.Equal(*other.weights)
	}
	return v.weights == nil && other.weights == nil
}

// Context holds every name binding and deferred per-tensor and
// per-layer record of one import session. It is created fresh for each
// import or dry-run call and must not be shared between concurrent
// calls.
type Context struct {
	network *engine.Network

	tensors          map[string]TensorOrWeights
	tensorLocations  map[string]engine.TensorLocation
	tensorRangeMins  map[string]float32
	tensorRangeMaxes map[string]float32
	layerPrecisions  map[string]engine.DataType

	// illegalShapeTensors is populated by post-processing and read by
	// support analysis; it names tensors that are shape-valued but
	// produced by a layer kind that cannot legally emit one.
	illegalShapeTensors map[string]struct{}

	// loopTensors maps a tensor name to the loop-carried alias that
	// refers to the same logical value across iteration boundaries.
	loopTensors map[string]string

	// modelDir anchors externally stored initializer payloads.
	modelDir string

	userInputs  map[string]*engine.Tensor
	userOutputs map[string]*engine.Tensor

	opsets map[string]int64
}

// NewContext returns an empty import context writing into network.
func NewContext(network *engine.Network) *Context {
	return &Context{
		network:             network,
		tensors:             make(map[string]TensorOrWeights),
		tensorLocations:     make(map[string]engine.TensorLocation),
		tensorRangeMins:     make(map[string]float32),
		tensorRangeMaxes:    make(map[string]float32),
		layerPrecisions:     make(map[string]engine.DataType),
		illegalShapeTensors: make(map[string]struct{}),
		loopTensors:         make(map[string]string),
		userInputs:          make(map[string]*engine.Tensor),
		userOutputs:         make(map[string]*engine.Tensor),
		opsets:              make(map[string]int64),
	}
}

// Network returns the network definition this context writes into.
func (ctx *Context) Network() *engine.Network { return ctx.network }

// RegisterTensor binds a value to a name. A name may be rebound only
// to an equal value; a conflicting rebind is an invalid graph.
func (ctx *Context) RegisterTensor(name string, value TensorOrWeights) error {
	if existing, ok := ctx.tensors[name]; ok {
		if !existing.equal(value) {
			return newStatus(ErrorInvalidGraph, "RegisterTensor",
				"tensor %q is already registered with a different value", name)
		}
		return nil
	}
	ctx.tensors[name] = value
	return nil
}

// Tensor resolves a name to its bound value.
func (ctx *Context) Tensor(name string) (TensorOrWeights, error) {
	value, ok := ctx.tensors[name]
	if !ok {
		return TensorOrWeights{}, newStatus(ErrorInvalidGraph, "Tensor",
			"no tensor registered under name %q", name)
	}
	return value, nil
}

// HasTensor reports whether a name is bound.
func (ctx *Context) HasTensor(name string) bool {
	_, ok := ctx.tensors[name]
	return ok
}

// RecordLocation merges a storage location for a tensor name. A second
// record for the same name must agree with the first.
func (ctx *Context) RecordLocation(name string, loc engine.TensorLocation) error {
	if existing, ok := ctx.tensorLocations[name]; ok {
		if existing != loc {
			return newStatus(ErrorInvalidGraph, "RecordLocation",
				"conflicting locations for tensor %q: %s vs %s", name, existing, loc)
		}
		return nil
	}
	ctx.tensorLocations[name] = loc
	return nil
}

// RecordRangeMin merges the minimum of a tensor's dynamic range.
func (ctx *Context) RecordRangeMin(name string, min float32) error {
	return mergeFloat(ctx.tensorRangeMins, name, min, "range minimum")
}

// RecordRangeMax merges the maximum of a tensor's dynamic range.
func (ctx *Context) RecordRangeMax(name string, max float32) error {
	return mergeFloat(ctx.tensorRangeMaxes, name, max, "range maximum")
}

func mergeFloat(m map[string]float32, name string, value float32, what string) error {
	if existing, ok := m[name]; ok {
		// NaN is the "unset" sentinel and NaN != NaN, so compare bits
		// through equality of both being NaN.
		if existing != value && !(existing != existing && value != value) {
			return newStatus(ErrorInvalidGraph, "RecordRange",
				"conflicting %s for tensor %q: %v vs %v", what, name, existing, value)
		}
		return nil
	}
	m[name] = value
	return nil
}

// RecordPrecision merges a compute precision for a layer name.
func (ctx *Context) RecordPrecision(layerName string, dt engine.DataType) error {
	if existing, ok := ctx.layerPrecisions[layerName]; ok {
		if existing != dt {
			return newStatus(ErrorInvalidGraph, "RecordPrecision",
				"conflicting precisions for layer %q: %s vs %s", layerName, existing, dt)
		}
		return nil
	}
	ctx.layerPrecisions[layerName] = dt
	return nil
}

// RecordLoopTensor declares alias as a loop-carried name for name.
func (ctx *Context) RecordLoopTensor(name, alias string) {
	ctx.loopTensors[name] = alias
}

// LoopTensor returns the loop-carried alias recorded for name, or the
// empty string.
func (ctx *Context) LoopTensor(name string) string {
	return ctx.loopTensors[name]
}

// SetModelDir records the directory of the model file, used to resolve
// externally stored initializer data.
func (ctx *Context) SetModelDir(dir string) { ctx.modelDir = dir }

// MarkIllegalShapeTensor records a tensor name found by post-processing
// to be an illegally produced shape tensor.
func (ctx *Context) MarkIllegalShapeTensor(name string) {
	ctx.illegalShapeTensors[name] = struct{}{}
}

// IsIllegalShapeTensor reports whether post-processing flagged name.
func (ctx *Context) IsIllegalShapeTensor(name string) bool {
	_, ok := ctx.illegalShapeTensors[name]
	return ok
}

// SetUserInput substitutes a caller-built tensor for the named graph
// input.
func (ctx *Context) SetUserInput(name string, t *engine.Tensor) {
	ctx.userInputs[name] = t
}

// UserInput returns the caller-supplied tensor for name, if any.
func (ctx *Context) UserInput(name string) *engine.Tensor {
	return ctx.userInputs[name]
}

// RequestUserOutput asks for the named tensor to be surfaced to the
// caller after import instead of being marked as a network output.
func (ctx *Context) RequestUserOutput(name string) {
	ctx.userOutputs[name] = nil
}

// UserOutputs returns the requested output names and their resolved
// tensors (nil until import completes).
func (ctx *Context) UserOutputs() map[string]*engine.Tensor {
	return ctx.userOutputs
}

// AddOpset records one operator set the model imports.
func (ctx *Context) AddOpset(domain string, version int64) {
	ctx.opsets[domain] = version
}

// Opset returns the recorded version for a domain, or 0.
func (ctx *Context) Opset(domain string) int64 {
	return ctx.opsets[domain]
}
