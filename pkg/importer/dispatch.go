package importer

import (
	"k8s.io/klog/v2"

	"github.com/zerfoo/zinfer/internal/onnx"
)

// NodeImporter translates one node: it receives the import context, the
// node, and its resolved input values, and returns the node's output
// values in declaration order.
type NodeImporter func(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error)

// OpRegistry maps operator types to node importers. It is built once,
// is immutable afterwards, and is shared by reference across imports.
type OpRegistry struct {
	importers map[string]NodeImporter
}

// NewOpRegistry builds a registry holding every builtin importer.
func NewOpRegistry() *OpRegistry {
	r := &OpRegistry{importers: make(map[string]NodeImporter)}
	registerBuiltins(r)
	return r
}

func (r *OpRegistry) register(opType string, imp NodeImporter) {
	r.importers[opType] = imp
}

// Supports reports whether an importer is registered for the operator
// type.
func (r *OpRegistry) Supports(opType string) bool {
	_, ok := r.importers[opType]
	return ok
}

// Importer returns the importer for the operator type, falling back to
// the plugin importer for unregistered types.
func (r *OpRegistry) Importer(opType string) NodeImporter {
	if imp, ok := r.importers[opType]; ok {
		return imp
	}
	klog.Infof("No importer registered for op %q. Attempting to import as plugin.", opType)
	return importFallbackPlugin
}

// importFallbackPlugin stands in for unregistered operator types. There
// is no plugin registry to consult yet, so it reports the node as
// unsupported.
func importFallbackPlugin(ctx *Context, node *onnx.Node, inputs []TensorOrWeights) ([]TensorOrWeights, error) {
	return nil, newStatus(ErrorUnsupportedNode, "importFallbackPlugin",
		"no importer registered for op %q and no plugin provides it", node.OpType)
}
