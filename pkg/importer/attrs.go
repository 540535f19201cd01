package importer

import (
	"github.com/zerfoo/zinfer/internal/onnx"
)

// nodeAttrs gives keyed access to a node's attribute bag.
type nodeAttrs map[string]*onnx.Attribute

func attrsOf(node *onnx.Node) nodeAttrs {
	attrs := make(nodeAttrs, len(node.Attributes))
	for _, attr := range node.Attributes {
		attrs[attr.Name] = attr
	}
	return attrs
}

func (a nodeAttrs) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a nodeAttrs) Float(name string, def float32) float32 {
	if attr, ok := a[name]; ok {
		return attr.F
	}
	return def
}

func (a nodeAttrs) Int(name string, def int64) int64 {
	if attr, ok := a[name]; ok {
		return attr.I
	}
	return def
}

func (a nodeAttrs) Str(name, def string) string {
	if attr, ok := a[name]; ok {
		return string(attr.S)
	}
	return def
}

func (a nodeAttrs) Ints(name string) []int64 {
	if attr, ok := a[name]; ok {
		return attr.Ints
	}
	return nil
}

func (a nodeAttrs) Floats(name string) []float32 {
	if attr, ok := a[name]; ok {
		return attr.Floats
	}
	return nil
}

func (a nodeAttrs) Strings(name string) []string {
	attr, ok := a[name]
	if !ok {
		return nil
	}
	out := make([]string, len(attr.Strings))
	for i, s := range attr.Strings {
		out[i] = string(s)
	}
	return out
}

func (a nodeAttrs) Tensor(name string) (*onnx.Tensor, bool) {
	if attr, ok := a[name]; ok && attr.T != nil {
		return attr.T, true
	}
	return nil, false
}

func (a nodeAttrs) Graph(name string) (*onnx.Graph, bool) {
	if attr, ok := a[name]; ok && attr.G != nil {
		return attr.G, true
	}
	return nil, false
}
