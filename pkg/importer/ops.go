package importer

import (
	"encoding/binary"
	"math"

	"github.com/zerfoo/zinfer/internal/onnx"
	"github.com/zerfoo/zinfer/pkg/engine"
)

func registerBuiltins(r *OpRegistry) {
	r.register("Identity", importIdentity)
	r.register("Dropout", importIdentity)
	r.register("Constant", importConstant)
	r.register("Shape", importShape)
	r.register("Cast", importCast)

	r.register("Relu", activationImporter(engine.ActivationRelu))
	r.register("Sigmoid", activationImporter(engine.ActivationSigmoid))
	r.register("Tanh", activationImporter(engine.ActivationTanh))

	r.register("Abs", unaryImporter(engine.UnaryAbs))
	r.register("Ceil", unaryImporter(engine.UnaryCeil))
	r.register("Floor", unaryImporter(engine.UnaryFloor))
	r.register("Sqrt", unaryImporter(engine.UnarySqrt))
	r.register("Exp", unaryImporter(engine.UnaryExp))
	r.register("Log", unaryImporter(engine.UnaryLog))
	r.register("Neg", unaryImporter(engine.UnaryNeg))
	r.register("Not", unaryImporter(engine.UnaryNot))

	r.register("Add", elementWiseImporter(engine.ElementWiseSum))
	r.register("Sub", elementWiseImporter(engine.ElementWiseSub))
	r.register("Mul", elementWiseImporter(engine.ElementWiseProd))
	r.register("Div", elementWiseImporter(engine.ElementWiseDiv))
	r.register("Pow", elementWiseImporter(engine.ElementWisePow))
	r.register("Min", elementWiseImporter(engine.ElementWiseMin))
	r.register("Max", elementWiseImporter(engine.ElementWiseMax))
	r.register("Clip", importClip)

	r.register("ReduceSum", reduceImporter(engine.ReduceSum))
	r.register("ReduceProd", reduceImporter(engine.ReduceProd))
	r.register("ReduceMax", reduceImporter(engine.ReduceMax))
	r.register("ReduceMin", reduceImporter(engine.ReduceMin))
	r.register("ReduceMean", reduceImporter(engine.ReduceAvg))

	r.register("MatMul", importMatMul)
	r.register("Concat", importConcat)
	r.register("Gather", importGather)
	r.register("Reshape", importReshape)
	r.register("Transpose", importTranspose)
	r.register("Squeeze", importSqueeze)
	r.register("Unsqueeze", importSqueeze)
	r.register("Flatten", importFlatten)

	r.register("Loop", importLoop)
	r.register("Scan", importScan)
}

// convertToTensor materializes a value as an engine tensor, adding a
// constant layer for weight buffers.
func convertToTensor(ctx *Context, v TensorOrWeights) *engine.Tensor {
	if v.IsTensor() {
		return v.Tensor()
	}
	w := v.Weights()
	return ctx.Network().AddConstant(w.Dims, w).Output(0)
}

// requireInputs checks that the node supplied at least min usable
// inputs.
func requireInputs(node *onnx.Node, inputs []TensorOrWeights, min int) error {
	if len(inputs) < min {
		return newStatus(ErrorInvalidGraph, "requireInputs",
			"op %q expects at least %d inputs, got %d", node.OpType, min, len(inputs))
	}
	for i := 0; i < min; i++ {
		if !inputs[i].Valid() {
			return newStatus(ErrorInvalidGraph, "requireInputs",
				"op %q is missing required input %d", node.OpType, i)
		}
	}
	return nil
}

func nameLayer(node *onnx.Node, layer *engine.Layer) {
	if node.Name != "" {
		layer.SetName(node.Name)
	}
}

func singleOutput(node *onnx.Node, layer *engine.Layer) []TensorOrWeights {
	nameLayer(node, layer)
	return []TensorOrWeights{TensorValue(layer.Output(0))}
}

func importIdentity(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	// A pass-through of a weight buffer stays a weight buffer; Dropout
	// has a second "mask" output that is never produced at inference.
	if inputs[0].IsWeights() {
		outputs := make([]TensorOrWeights, len(node.Outputs))
		outputs[0] = inputs[0]
		return outputs, nil
	}
	layer := ctx.Network().AddIdentity(inputs[0].Tensor())
	nameLayer(node, layer)
	outputs := make([]TensorOrWeights, len(node.Outputs))
	outputs[0] = TensorValue(layer.Output(0))
	return outputs, nil
}

func importConstant(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	attrs := attrsOf(node)
	t, ok := attrs.Tensor("value")
	if !ok {
		return nil, newStatus(ErrorInvalidGraph, "importConstant",
			"Constant node %q has no value attribute", node.Name)
	}
	w, err := convertInitializer(t, ctx.modelDir)
	if err != nil {
		return nil, err
	}
	return []TensorOrWeights{WeightsValue(w)}, nil
}

func importShape(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	if inputs[0].IsWeights() {
		// The shape of a constant is itself a constant.
		w := inputs[0].Weights()
		data := make([]byte, len(w.Dims)*4)
		for i, d := range w.Dims {
			binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(d)))
		}
		shape := engine.Weights{Type: engine.Int32, Dims: []int64{int64(len(w.Dims))}, Data: data}
		return []TensorOrWeights{WeightsValue(shape)}, nil
	}
	layer := ctx.Network().AddShape(inputs[0].Tensor())
	return singleOutput(node, layer), nil
}

func importCast(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	attrs := attrsOf(node)
	to, ok := convertDataType(onnx.DataType(attrs.Int("to", 0)))
	if !ok {
		return nil, newStatus(ErrorUnsupportedNode, "importCast",
			"Cast to unsupported element type %s", onnx.DataType(attrs.Int("to", 0)))
	}
	layer := ctx.Network().AddCast(convertToTensor(ctx, inputs[0]), to)
	return singleOutput(node, layer), nil
}

func activationImporter(op engine.ActivationType) NodeImporter {
	return func(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
		if err := requireInputs(node, inputs, 1); err != nil {
			return nil, err
		}
		layer := ctx.Network().AddActivation(convertToTensor(ctx, inputs[0]), op)
		return singleOutput(node, layer), nil
	}
}

func unaryImporter(op engine.UnaryOperation) NodeImporter {
	return func(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
		if err := requireInputs(node, inputs, 1); err != nil {
			return nil, err
		}
		layer := ctx.Network().AddUnary(convertToTensor(ctx, inputs[0]), op)
		return singleOutput(node, layer), nil
	}
}

// elementWiseImporter handles the binary arithmetic ops. Min and Max
// are variadic in the source opset and fold pairwise.
func elementWiseImporter(op engine.ElementWiseOperation) NodeImporter {
	return func(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
		if err := requireInputs(node, inputs, 2); err != nil {
			return nil, err
		}
		acc := convertToTensor(ctx, inputs[0])
		var layer *engine.Layer
		for _, rhs := range inputs[1:] {
			if !rhs.Valid() {
				return nil, newStatus(ErrorInvalidGraph, "elementWiseImporter",
					"op %q has an unset operand", node.OpType)
			}
			layer = ctx.Network().AddElementWise(acc, convertToTensor(ctx, rhs), op)
			acc = layer.Output(0)
		}
		return singleOutput(node, layer), nil
	}
}

func importClip(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	attrs := attrsOf(node)
	min := attrs.Float("min", float32(math.Inf(-1)))
	max := attrs.Float("max", float32(math.Inf(1)))
	// Newer opsets pass the bounds as optional constant inputs.
	if len(inputs) > 1 && inputs[1].IsWeights() {
		values, err := inputs[1].Weights().FloatValues()
		if err != nil {
			return nil, newStatus(ErrorUnsupportedNode, "importClip", "min bound: %v", err)
		}
		if len(values) > 0 {
			min = values[0]
		}
	}
	if len(inputs) > 2 && inputs[2].IsWeights() {
		values, err := inputs[2].Weights().FloatValues()
		if err != nil {
			return nil, newStatus(ErrorUnsupportedNode, "importClip", "max bound: %v", err)
		}
		if len(values) > 0 {
			max = values[0]
		}
	}

	network := ctx.Network()
	out := convertToTensor(ctx, inputs[0])
	var layer *engine.Layer
	if !math.IsInf(float64(min), -1) {
		layer = network.AddElementWise(out, scalarConstant(network, min), engine.ElementWiseMax)
		out = layer.Output(0)
	}
	if !math.IsInf(float64(max), 1) {
		layer = network.AddElementWise(out, scalarConstant(network, max), engine.ElementWiseMin)
		out = layer.Output(0)
	}
	if layer == nil {
		layer = network.AddIdentity(out)
	}
	return singleOutput(node, layer), nil
}

func scalarConstant(network *engine.Network, v float32) *engine.Tensor {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, math.Float32bits(v))
	w := engine.Weights{Type: engine.Float, Data: data}
	return network.AddConstant(nil, w).Output(0)
}

func reduceImporter(op engine.ReduceOperation) NodeImporter {
	return func(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
		if err := requireInputs(node, inputs, 1); err != nil {
			return nil, err
		}
		attrs := attrsOf(node)
		axes := attrs.Ints("axes")
		// Opset 13 moved axes from attribute to constant input.
		if len(axes) == 0 && len(inputs) > 1 && inputs[1].IsWeights() {
			values, err := inputs[1].Weights().IntValues()
			if err != nil {
				return nil, newStatus(ErrorUnsupportedNode, "reduceImporter", "axes input: %v", err)
			}
			axes = values
		}
		keepDims := attrs.Int("keepdims", 1) != 0
		layer := ctx.Network().AddReduce(convertToTensor(ctx, inputs[0]), op, axes, keepDims)
		return singleOutput(node, layer), nil
	}
}

func importMatMul(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	layer := ctx.Network().AddMatrixMultiply(convertToTensor(ctx, inputs[0]), convertToTensor(ctx, inputs[1]))
	return singleOutput(node, layer), nil
}

func importConcat(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	tensors := make([]*engine.Tensor, 0, len(inputs))
	for i, in := range inputs {
		if !in.Valid() {
			return nil, newStatus(ErrorInvalidGraph, "importConcat",
				"Concat input %d is unset", i)
		}
		tensors = append(tensors, convertToTensor(ctx, in))
	}
	axis := attrsOf(node).Int("axis", 0)
	layer := ctx.Network().AddConcatenation(tensors, axis)
	return singleOutput(node, layer), nil
}

func importGather(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	axis := attrsOf(node).Int("axis", 0)
	layer := ctx.Network().AddGather(convertToTensor(ctx, inputs[0]), convertToTensor(ctx, inputs[1]), axis)
	return singleOutput(node, layer), nil
}

func importReshape(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	in := convertToTensor(ctx, inputs[0])
	if inputs[1].IsWeights() {
		dims, err := inputs[1].Weights().IntValues()
		if err != nil {
			return nil, newStatus(ErrorUnsupportedNode, "importReshape", "shape input: %v", err)
		}
		layer := ctx.Network().AddShuffle(in)
		layer.SetReshapeDims(dims)
		return singleOutput(node, layer), nil
	}
	layer := ctx.Network().AddShuffleWithShape(in, inputs[1].Tensor())
	return singleOutput(node, layer), nil
}

func importTranspose(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	in := convertToTensor(ctx, inputs[0])
	perm := attrsOf(node).Ints("perm")
	if len(perm) == 0 {
		// Default is to reverse the axes.
		rank := len(in.Dimensions())
		perm = make([]int64, rank)
		for i := range perm {
			perm[i] = int64(rank - 1 - i)
		}
	}
	layer := ctx.Network().AddShuffle(in)
	layer.SetPermutation(perm)
	return singleOutput(node, layer), nil
}

func importSqueeze(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	in := convertToTensor(ctx, inputs[0])
	axes := attrsOf(node).Ints("axes")
	if len(axes) == 0 && len(inputs) > 1 && inputs[1].IsWeights() {
		values, err := inputs[1].Weights().IntValues()
		if err != nil {
			return nil, newStatus(ErrorUnsupportedNode, "importSqueeze", "axes input: %v", err)
		}
		axes = values
	}
	layer := ctx.Network().AddShuffle(in)
	if dims := reshapedDims(in.Dimensions(), axes, node.OpType == "Unsqueeze"); dims != nil {
		layer.SetReshapeDims(dims)
	}
	return singleOutput(node, layer), nil
}

// reshapedDims computes the static target shape for Squeeze/Unsqueeze
// when the input shape is fully known; otherwise it returns nil and
// the backend resolves the shape at build time.
func reshapedDims(dims []int64, axes []int64, unsqueeze bool) []int64 {
	if len(dims) == 0 {
		return nil
	}
	for _, d := range dims {
		if d < 0 {
			return nil
		}
	}
	if unsqueeze {
		out := append([]int64(nil), dims...)
		for _, axis := range axes {
			if axis < 0 {
				axis += int64(len(out)) + 1
			}
			if axis < 0 || axis > int64(len(out)) {
				return nil
			}
			out = append(out[:axis], append([]int64{1}, out[axis:]...)...)
		}
		return out
	}
	drop := make(map[int64]struct{}, len(axes))
	for _, axis := range axes {
		if axis < 0 {
			axis += int64(len(dims))
		}
		drop[axis] = struct{}{}
	}
	out := make([]int64, 0, len(dims))
	for i, d := range dims {
		if _, ok := drop[int64(i)]; ok {
			continue
		}
		if len(axes) == 0 && d == 1 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func importFlatten(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	layer := ctx.Network().AddShuffle(convertToTensor(ctx, inputs[0]))
	layer.SetReshapeDims([]int64{0, -1})
	return singleOutput(node, layer), nil
}

// importLoop builds an iterative-control layer. The body subgraph is
// not inlined; loop-carried state names are recorded so support
// analysis can follow failures across the iteration boundary.
func importLoop(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	attrs := attrsOf(node)
	if _, ok := attrs.Graph("body"); !ok {
		return nil, newStatus(ErrorInvalidGraph, "importLoop",
			"Loop node %q has no body graph", node.Name)
	}
	var stateTensors []*engine.Tensor
	for i := 2; i < len(node.Inputs); i++ {
		if !inputs[i].Valid() {
			continue
		}
		stateTensors = append(stateTensors, convertToTensor(ctx, inputs[i]))
		if out := i - 2; out < len(node.Outputs) && node.Outputs[out] != "" && node.Inputs[i] != "" {
			ctx.RecordLoopTensor(node.Inputs[i], node.Outputs[out])
		}
	}
	layer := ctx.Network().AddLoop(stateTensors, len(node.Outputs))
	nameLayer(node, layer)
	outputs := make([]TensorOrWeights, len(node.Outputs))
	for i := range outputs {
		if i < len(stateTensors) {
			layer.Output(i).SetType(stateTensors[i].Type())
		}
		outputs[i] = TensorValue(layer.Output(i))
	}
	return outputs, nil
}

func importScan(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	attrs := attrsOf(node)
	if _, ok := attrs.Graph("body"); !ok {
		return nil, newStatus(ErrorInvalidGraph, "importScan",
			"Scan node %q has no body graph", node.Name)
	}
	numScanInputs := attrs.Int("num_scan_inputs", 0)
	numState := len(node.Inputs) - int(numScanInputs)
	if numState < 0 {
		return nil, newStatus(ErrorInvalidGraph, "importScan",
			"Scan node %q declares more scan inputs than inputs", node.Name)
	}
	if err := requireInputs(node, inputs, len(node.Inputs)); err != nil {
		return nil, err
	}
	tensors := make([]*engine.Tensor, len(inputs))
	for i, in := range inputs {
		tensors[i] = convertToTensor(ctx, in)
	}
	for i := 0; i < numState && i < len(node.Outputs); i++ {
		if node.Inputs[i] != "" && node.Outputs[i] != "" {
			ctx.RecordLoopTensor(node.Inputs[i], node.Outputs[i])
		}
	}
	layer := ctx.Network().AddLoop(tensors, len(node.Outputs))
	nameLayer(node, layer)
	outputs := make([]TensorOrWeights, len(node.Outputs))
	for i := range outputs {
		if i < len(tensors) {
			layer.Output(i).SetType(tensors[i].Type())
		}
		outputs[i] = TensorValue(layer.Output(i))
	}
	return outputs, nil
}
