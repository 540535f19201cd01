package importer

import (
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/zerfoo/zinfer/internal/onnx"
	"github.com/zerfoo/zinfer/pkg/engine"
)

// producerName marks models that were exported by this system; on
// re-import their node-scoped metadata attributes are honored.
const producerName = "zinfer"

// Attribute keys carrying re-import metadata.
const (
	attrOutputsLocation = "zinfer_outputs_loc"
	attrOutputsRangeMin = "zinfer_outputs_range_min"
	attrOutputsRangeMax = "zinfer_outputs_range_max"
	attrLayerPrecision  = "zinfer_layer_precision"
)

// ModelImporter translates decoded models into a network definition.
// One importer drives one network; a fresh Context is created per
// Parse or SupportsModel call.
type ModelImporter struct {
	network *engine.Network
	ops     *OpRegistry
	ctx     *Context

	errors      []*Status
	currentNode int

	modelDir         string
	inputDims        [][]int64
	userWeights      map[string]engine.Weights
	requestedOutputs []string
}

// NewModelImporter returns an importer building into network,
// dispatching through ops.
func NewModelImporter(network *engine.Network, ops *OpRegistry) *ModelImporter {
	return &ModelImporter{
		network:     network,
		ops:         ops,
		currentNode: -1,
		userWeights: make(map[string]engine.Weights),
	}
}

// SetInputDimensions overrides declared input shapes positionally, in
// graph input order (initializers excluded).
func (m *ModelImporter) SetInputDimensions(dims [][]int64) { m.inputDims = dims }

// RegisterUserWeights substitutes a weight buffer for the named graph
// input, which then needs no initializer.
func (m *ModelImporter) RegisterUserWeights(name string, w engine.Weights) {
	m.userWeights[name] = w
}

// RequestOutput asks for the named tensor to be surfaced to the caller
// after import instead of being marked as a network output.
func (m *ModelImporter) RequestOutput(name string) {
	m.requestedOutputs = append(m.requestedOutputs, name)
}

// UserOutput returns the resolved tensor for a previously requested
// output, or nil before a successful Parse.
func (m *ModelImporter) UserOutput(name string) *engine.Tensor {
	if m.ctx == nil {
		return nil
	}
	return m.ctx.UserOutputs()[name]
}

// Errors returns every structured error collected so far, in order.
func (m *ModelImporter) Errors() []*Status { return m.errors }

// ClearErrors discards the collected error list.
func (m *ModelImporter) ClearErrors() { m.errors = nil }

// SupportsOperator reports whether an importer is registered for the
// operator type.
func (m *ModelImporter) SupportsOperator(opType string) bool {
	return m.ops.Supports(opType)
}

// ParseFromFile decodes and imports a model from disk. The file's
// directory anchors externally stored weights.
func (m *ModelImporter) ParseFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		s := newStatus(ErrorModelDeserializeFailed, "ParseFromFile", "%v", err)
		m.errors = append(m.errors, s)
		return s
	}
	m.modelDir = filepath.Dir(path)
	return m.Parse(data)
}

// Parse decodes a serialized model and imports it into the network.
// On failure the aborting error is returned and the full error list
// stays available through Errors.
func (m *ModelImporter) Parse(data []byte) error {
	model, err := onnx.Decode(data)
	if err != nil {
		s := newStatus(ErrorModelDeserializeFailed, "Parse", "%v", err)
		m.errors = append(m.errors, s)
		return s
	}
	klog.V(1).Infof("Model producer: %s %s, ir version %d, graph %q",
		model.ProducerName, model.ProducerVersion, model.IRVersion, graphName(model))
	return m.run(model)
}

func graphName(model *onnx.Model) string {
	if model.Graph == nil {
		return ""
	}
	return model.Graph.Name
}

// run imports an already decoded model, tagging the aborting error
// with the node being translated when it is not already rooted
// somewhere.
func (m *ModelImporter) run(model *onnx.Model) error {
	m.currentNode = -1
	if err := m.importModel(model); err != nil {
		s := asStatus(err)
		if s.Node == -1 && s.InputName == "" {
			s.Node = m.currentNode
		}
		// Input-rooted statuses were already recorded when collected.
		recorded := false
		for _, e := range m.errors {
			if e == s {
				recorded = true
				break
			}
		}
		if !recorded {
			m.errors = append(m.errors, s)
		}
		return s
	}
	return nil
}

func (m *ModelImporter) importModel(model *onnx.Model) error {
	ctx := NewContext(m.network)
	ctx.SetModelDir(m.modelDir)
	m.ctx = ctx

	for _, opset := range model.OpsetImports {
		if (opset.Domain == "" || opset.Domain == "ai.onnx") && opset.Version < 7 {
			klog.Warningf("Models generated with default-domain opset below 7 are not guaranteed to import correctly (got %d).", opset.Version)
		}
		ctx.AddOpset(opset.Domain, opset.Version)
	}

	if model.Graph == nil {
		return newStatus(ErrorInvalidGraph, "importModel", "model has no graph")
	}
	graph := model.Graph
	deserializing := model.ProducerName == producerName

	for _, name := range m.requestedOutputs {
		ctx.RequestUserOutput(name)
	}

	m.currentNode = -1
	if err := m.importInputs(ctx, graph); err != nil {
		return err
	}
	if err := m.parseGraph(ctx, graph, deserializing); err != nil {
		return err
	}
	m.currentNode = -1
	if err := m.markOutputs(ctx, graph); err != nil {
		return err
	}
	if deserializing {
		if err := reconcileMetadata(ctx); err != nil {
			return err
		}
	}
	normalizeShapeTensors(ctx)
	return nil
}

// importInputs binds every declared graph input: caller-supplied
// weight buffers substitute directly, initializers are skipped (they
// are bound by parseGraph), and the rest become network inputs.
// Input-rooted failures are collected rather than aborting on the
// first, so support analysis can see all of them; if any occurred the
// first one still aborts the import afterwards.
func (m *ModelImporter) importInputs(ctx *Context, graph *onnx.Graph) error {
	initializers := make(map[string]struct{}, len(graph.Initializers))
	for _, init := range graph.Initializers {
		initializers[init.Name] = struct{}{}
	}

	var firstErr *Status
	record := func(s *Status) {
		m.errors = append(m.errors, s)
		if firstErr == nil {
			firstErr = s
		}
	}

	indexInput := 0
	for _, input := range graph.Inputs {
		if w, ok := m.userWeights[input.Name]; ok {
			if err := ctx.RegisterTensor(input.Name, WeightsValue(w)); err != nil {
				record(asStatus(err))
			}
			continue
		}
		if _, ok := initializers[input.Name]; ok {
			continue
		}
		if user := ctx.UserInput(input.Name); user != nil {
			// Dimensions and type are deliberately unchecked so callers
			// can reshape or retype an input.
			if err := ctx.RegisterTensor(input.Name, TensorValue(user)); err != nil {
				record(asStatus(err))
			}
			indexInput++
			continue
		}

		dtype, ok := convertDataType(input.ElemType)
		if !ok {
			record(inputStatus(ErrorUnsupportedNode, "importInputs", input.Name,
				"input %q has unsupported element type %s", input.Name, input.ElemType))
			indexInput++
			continue
		}
		dims := make([]int64, len(input.Shape))
		for i, d := range input.Shape {
			if d.IsDynamic() {
				dims[i] = -1
			} else {
				dims[i] = d.Value
			}
		}
		if indexInput < len(m.inputDims) {
			setup := m.inputDims[indexInput]
			if len(setup) != len(dims) {
				record(inputStatus(ErrorInvalidValue, "importInputs", input.Name,
					"shape override for input %q has rank %d, declared rank is %d",
					input.Name, len(setup), len(dims)))
				indexInput++
				continue
			}
			klog.V(1).Infof("Overriding input %s dimensions: %v -> %v", input.Name, dims, setup)
			dims = append([]int64(nil), setup...)
		} else if len(dims) > 0 {
			// Leading dimension defaults to dynamic batch.
			dims[0] = -1
		}

		t, err := m.network.AddInput(input.Name, dtype, dims)
		if err != nil {
			record(inputStatus(ErrorInvalidGraph, "importInputs", input.Name, "%v", err))
			indexInput++
			continue
		}
		klog.V(2).Infof("Adding network input: %s, dtype %s, dimensions %v", input.Name, dtype, dims)
		if err := ctx.RegisterTensor(input.Name, TensorValue(t)); err != nil {
			record(asStatus(err))
		}
		indexInput++
	}

	if firstErr != nil {
		return firstErr
	}
	return nil
}

// parseGraph pre-registers initializers and translates every node in
// dependency order. Any failure aborts the whole translation.
func (m *ModelImporter) parseGraph(ctx *Context, graph *onnx.Graph, deserializing bool) error {
	for _, init := range graph.Initializers {
		klog.V(2).Infof("Importing initializer: %s", init.Name)
		w, err := convertInitializer(init, ctx.modelDir)
		if err != nil {
			return err
		}
		if err := ctx.RegisterTensor(init.Name, WeightsValue(w)); err != nil {
			return err
		}
	}

	order, err := topologicalOrder(graph.Nodes)
	if err != nil {
		return err
	}

	for _, nodeIdx := range order {
		m.currentNode = nodeIdx
		node := graph.Nodes[nodeIdx]
		klog.V(2).Infof("Parsing node: %s [%s]", node.Name, node.OpType)

		inputs := make([]TensorOrWeights, len(node.Inputs))
		for i, name := range node.Inputs {
			if name == "" {
				// Optional input that was not supplied.
				continue
			}
			value, err := ctx.Tensor(name)
			if err != nil {
				return err
			}
			inputs[i] = value
		}

		outputs, err := m.ops.Importer(node.OpType)(ctx, node, inputs)
		if err != nil {
			return err
		}
		if len(outputs) < len(node.Outputs) {
			return newStatus(ErrorInternal, "parseGraph",
				"importer for op %q produced %d outputs, node declares %d",
				node.OpType, len(outputs), len(node.Outputs))
		}

		if deserializing {
			if err := importNodeMetadata(ctx, node); err != nil {
				return err
			}
		}

		for i, outputName := range node.Outputs {
			output := outputs[i]
			if outputName == "" {
				continue
			}
			// Weight buffers are registered even when empty; the name
			// may still be referenced elsewhere.
			if !output.IsTensor() && !output.IsWeights() {
				continue
			}
			if output.IsTensor() {
				output.Tensor().SetName(outputName)
			}
			if err := ctx.RegisterTensor(outputName, output); err != nil {
				return err
			}
		}
	}
	m.currentNode = -1
	return nil
}

// importNodeMetadata merges the node-scoped override attributes written
// by a previous export back into the context.
func importNodeMetadata(ctx *Context, node *onnx.Node) error {
	attrs := attrsOf(node)

	locations := attrs.Strings(attrOutputsLocation)
	if len(locations) > len(node.Outputs) {
		return newStatus(ErrorInvalidGraph, "importNodeMetadata",
			"node %q declares %d output locations for %d outputs", node.Name, len(locations), len(node.Outputs))
	}
	for i, location := range locations {
		loc := engine.LocationHost
		if location == "device" {
			loc = engine.LocationDevice
		}
		if err := ctx.RecordLocation(node.Outputs[i], loc); err != nil {
			return err
		}
	}

	mins := attrs.Floats(attrOutputsRangeMin)
	if len(mins) > len(node.Outputs) {
		return newStatus(ErrorInvalidGraph, "importNodeMetadata",
			"node %q declares %d range minimums for %d outputs", node.Name, len(mins), len(node.Outputs))
	}
	for i, min := range mins {
		if err := ctx.RecordRangeMin(node.Outputs[i], min); err != nil {
			return err
		}
	}
	maxes := attrs.Floats(attrOutputsRangeMax)
	if len(maxes) > len(node.Outputs) {
		return newStatus(ErrorInvalidGraph, "importNodeMetadata",
			"node %q declares %d range maximums for %d outputs", node.Name, len(maxes), len(node.Outputs))
	}
	for i, max := range maxes {
		if err := ctx.RecordRangeMax(node.Outputs[i], max); err != nil {
			return err
		}
	}

	if attrs.Has(attrLayerPrecision) {
		v := attrs.Int(attrLayerPrecision, 0)
		if v < int64(engine.Float) || v > int64(engine.Bool) {
			return newStatus(ErrorInvalidValue, "importNodeMetadata",
				"node %q declares unknown precision %d", node.Name, v)
		}
		if err := ctx.RecordPrecision(node.Name, engine.DataType(v)); err != nil {
			return err
		}
	}
	return nil
}

// markOutputs resolves every declared graph output against the context
// and marks it on the network. An output that is simultaneously a
// network input is copied through an identity layer first; one object
// cannot serve as both.
func (m *ModelImporter) markOutputs(ctx *Context, graph *onnx.Graph) error {
	for _, output := range graph.Outputs {
		value, err := ctx.Tensor(output.Name)
		if err != nil {
			return err
		}
		t := convertToTensor(ctx, value)
		klog.V(2).Infof("Marking %s as output", output.Name)
		t.SetName(output.Name)

		if t.IsNetworkInput() {
			t.SetName("__" + output.Name)
			t = m.network.AddIdentity(t).Output(0)
			t.SetName(output.Name)
		}

		if _, requested := ctx.UserOutputs()[output.Name]; requested {
			continue
		}
		m.network.MarkOutput(t)

		declared, ok := convertDataType(output.ElemType)
		if !ok {
			return newStatus(ErrorUnsupportedNode, "markOutputs",
				"output %q declares unsupported element type %s", output.Name, output.ElemType)
		}
		// Integer outputs cannot be implicitly widened or narrowed.
		if t.Type().IsInteger() && t.Type() != declared {
			return newStatus(ErrorUnsupportedNode, "markOutputs",
				"output %q has type %s but declares %s; integer output types must match",
				output.Name, t.Type(), declared)
		}
		// Without this the output type would stay at the float default.
		t.SetType(declared)
	}

	for name := range ctx.UserOutputs() {
		value, err := ctx.Tensor(name)
		if err != nil {
			return newStatus(ErrorInvalidValue, "markOutputs",
				"requested output %q is not bound", name)
		}
		if !value.IsTensor() {
			return newStatus(ErrorInvalidValue, "markOutputs",
				"requested output %q is not a tensor", name)
		}
		ctx.userOutputs[name] = value.Tensor()
	}
	return nil
}
