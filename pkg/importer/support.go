package importer

import (
	"k8s.io/klog/v2"

	"github.com/zerfoo/zinfer/internal/onnx"
	"github.com/zerfoo/zinfer/pkg/engine"
)

// SubGraph is one maximal run of consecutive translatable nodes, as
// indices into the source graph's node list. Supported is only true
// when the run covers the entire graph.
type SubGraph struct {
	NodeIndices []int
	Supported   bool
}

// SubGraphCollection partitions the translatable nodes of a graph.
type SubGraphCollection []SubGraph

// SupportsModel analyzes which contiguous regions of a model can be
// translated, without committing anything to the importer's network.
// It performs a full trial import into a throwaway network, then sweeps
// the nodes in dependency order and cuts a partition at every node that
// is disqualified. The boolean result reports whether the whole model
// imports cleanly; diagnostics from the trial import are appended to
// Errors.
func (m *ModelImporter) SupportsModel(data []byte) (SubGraphCollection, bool) {
	model, err := onnx.Decode(data)
	if err != nil {
		s := newStatus(ErrorModelDeserializeFailed, "SupportsModel", "%v", err)
		m.errors = append(m.errors, s)
		return nil, false
	}

	dry := &ModelImporter{
		network:          engine.NewNetwork(),
		ops:              m.ops,
		currentNode:      -1,
		modelDir:         m.modelDir,
		inputDims:        m.inputDims,
		userWeights:      m.userWeights,
		requestedOutputs: m.requestedOutputs,
	}
	allSupported := dry.run(model) == nil
	if !allSupported && dry.ctx != nil {
		// The trial aborted before post-processing; normalize whatever
		// was built so the shape-tensor checks below see it.
		normalizeShapeTensors(dry.ctx)
	}
	m.errors = append(m.errors, dry.errors...)

	if model.Graph == nil {
		return nil, false
	}
	graph := model.Graph

	// Nodes consuming any of these tensor names, directly or through a
	// loop-carried alias, are disqualified.
	failedNodes := make(map[int]struct{})
	offendingInputs := make(map[string]struct{})
	for _, e := range dry.errors {
		if e.Node >= 0 {
			failedNodes[e.Node] = struct{}{}
		} else if e.InputName != "" {
			offendingInputs[e.InputName] = struct{}{}
		}
	}

	order, err := topologicalOrder(graph.Nodes)
	if err != nil {
		m.errors = append(m.errors, asStatus(err))
		return nil, false
	}

	var collection SubGraphCollection
	newSubGraph := true
	for _, nodeIdx := range order {
		node := graph.Nodes[nodeIdx]
		_, failed := failedNodes[nodeIdx]
		supported := m.ops.Supports(node.OpType) &&
			!failed &&
			!consumesOffendingInput(dry.ctx, node, offendingInputs) &&
			!consumesFloatShapeTensor(dry.ctx, node) &&
			!producesIllegalShapeTensor(dry.ctx, node)
		if !supported {
			klog.V(1).Infof("Node %d (%s, op %s) is not supported.", nodeIdx, node.Name, node.OpType)
			allSupported = false
			newSubGraph = true
			continue
		}
		if newSubGraph {
			collection = append(collection, SubGraph{})
			newSubGraph = false
		}
		last := &collection[len(collection)-1]
		last.NodeIndices = append(last.NodeIndices, nodeIdx)
	}

	// Only a single partition spanning a cleanly imported graph is
	// definitively supported; everything else stays unknown.
	if allSupported && len(collection) > 0 {
		collection[len(collection)-1].Supported = true
	}
	return collection, allSupported
}

// consumesOffendingInput reports whether the node reads a tensor whose
// import failed, either by its declared name or through the
// loop-carried alias that refers to the same value.
func consumesOffendingInput(ctx *Context, node *onnx.Node, offending map[string]struct{}) bool {
	if len(offending) == 0 {
		return false
	}
	for _, input := range node.Inputs {
		if _, ok := offending[input]; ok {
			return true
		}
	}
	for name := range offending {
		alias := ctx.LoopTensor(name)
		if alias == "" {
			continue
		}
		for _, input := range node.Inputs {
			if input == alias {
				return true
			}
		}
	}
	return false
}

// consumesFloatShapeTensor reports whether the node reads a declared
// network input that is both shape-valued and floating point. The
// iterative-control operators tolerate this; everything else cannot.
func consumesFloatShapeTensor(ctx *Context, node *onnx.Node) bool {
	if node.OpType == "Loop" || node.OpType == "Scan" {
		return false
	}
	network := ctx.Network()
	for i := 0; i < network.NumInputs(); i++ {
		in := network.Input(i)
		if !in.IsShapeTensor() || in.Type() != engine.Float {
			continue
		}
		for _, input := range node.Inputs {
			if input == in.Name() {
				return true
			}
		}
	}
	return false
}

// producesIllegalShapeTensor reports whether any result the node is
// responsible for was flagged by post-processing as a shape tensor
// coming from a layer kind that cannot emit one.
func producesIllegalShapeTensor(ctx *Context, node *onnx.Node) bool {
	for _, output := range node.Outputs {
		if ctx.IsIllegalShapeTensor(output) {
			return true
		}
	}
	return false
}
