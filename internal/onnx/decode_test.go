package onnx

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Test payloads are assembled with protowire against the same field
// numbers the decoder reads, so they stay valid binary models without
// needing generated bindings.

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func encodeDimValue(v int64) []byte {
	return appendVarint(nil, 1, v)
}

func encodeDimParam(p string) []byte {
	return appendString(nil, 2, p)
}

func encodeValueInfo(name string, elemType DataType, dims ...[]byte) []byte {
	var shape []byte
	for _, dim := range dims {
		shape = appendMessage(shape, 1, dim)
	}
	tensorType := appendVarint(nil, 1, int64(elemType))
	tensorType = appendMessage(tensorType, 2, shape)
	typeProto := appendMessage(nil, 1, tensorType)

	vi := appendString(nil, 1, name)
	return appendMessage(vi, 2, typeProto)
}

func encodeNode(opType, name string, inputs, outputs []string) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, name)
	return appendString(b, 4, opType)
}

func TestDecodeModel(t *testing.T) {
	weights := appendVarint(nil, 1, 2)                      // dims
	weights = appendVarint(weights, 2, int64(Float))        // data_type
	weights = appendString(weights, 8, "w")                 // name
	weights = appendMessage(weights, 9, make([]byte, 2*4)) // raw_data

	graph := appendString(nil, 2, "test-graph")
	graph = appendMessage(graph, 1, encodeNode("Relu", "relu_0", []string{"x"}, []string{"y"}))
	graph = appendMessage(graph, 5, weights)
	graph = appendMessage(graph, 11, encodeValueInfo("x", Float, encodeDimValue(1), encodeDimParam("batch"), encodeDimValue(8)))
	graph = appendMessage(graph, 12, encodeValueInfo("y", Float, encodeDimValue(1)))

	opset := appendString(nil, 1, "")
	opset = appendVarint(opset, 2, 17)

	data := appendVarint(nil, 1, 8) // ir_version
	data = appendString(data, 2, "unit-test")
	data = appendMessage(data, 7, graph)
	data = appendMessage(data, 8, opset)

	model, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, int64(8), model.IRVersion)
	assert.Equal(t, "unit-test", model.ProducerName)
	require.Len(t, model.OpsetImports, 1)
	assert.Equal(t, int64(17), model.OpsetImports[0].Version)

	graph2 := model.Graph
	require.NotNil(t, graph2)
	assert.Equal(t, "test-graph", graph2.Name)
	require.Len(t, graph2.Nodes, 1)
	node := graph2.Nodes[0]
	assert.Equal(t, "Relu", node.OpType)
	assert.Equal(t, []string{"x"}, node.Inputs)
	assert.Equal(t, []string{"y"}, node.Outputs)

	require.Len(t, graph2.Inputs, 1)
	input := graph2.Inputs[0]
	assert.Equal(t, "x", input.Name)
	assert.Equal(t, Float, input.ElemType)
	require.Len(t, input.Shape, 3)
	assert.False(t, input.Shape[0].IsDynamic())
	assert.Equal(t, int64(1), input.Shape[0].Value)
	assert.True(t, input.Shape[1].IsDynamic())
	assert.Equal(t, "batch", input.Shape[1].Param)

	require.Len(t, graph2.Initializers, 1)
	init := graph2.Initializers[0]
	assert.Equal(t, "w", init.Name)
	assert.Equal(t, []int64{2}, init.Dims)
	assert.Len(t, init.RawData, 8)
}

func TestDecodeAttributes(t *testing.T) {
	attr := appendString(nil, 1, "alpha")
	attr = protowire.AppendTag(attr, 2, protowire.Fixed32Type)
	attr = protowire.AppendFixed32(attr, math.Float32bits(0.5))

	node := encodeNode("LeakyRelu", "lr", []string{"x"}, []string{"y"})
	node = appendMessage(node, 5, attr)

	ints := appendString(nil, 1, "perm")
	ints = appendVarint(ints, 8, 1)
	ints = appendVarint(ints, 8, 0)
	node = appendMessage(node, 5, ints)

	graph := appendMessage(nil, 1, node)
	data := appendMessage(nil, 7, graph)

	model, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, model.Graph.Nodes, 1)
	attrs := model.Graph.Nodes[0].Attributes
	require.Len(t, attrs, 2)
	assert.Equal(t, "alpha", attrs[0].Name)
	assert.InDelta(t, 0.5, attrs[0].F, 1e-6)
	assert.Equal(t, "perm", attrs[1].Name)
	assert.Equal(t, []int64{1, 0}, attrs[1].Ints)
}

func TestDecodeRejectsText(t *testing.T) {
	_, err := Decode([]byte("graph {\n  node { op_type: \"Relu\" }\n}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text-encoded")
}

func TestDecodeTruncated(t *testing.T) {
	graph := appendMessage(nil, 1, encodeNode("Relu", "", []string{"x"}, []string{"y"}))
	data := appendMessage(nil, 7, graph)
	_, err := Decode(data[:len(data)-3])
	require.Error(t, err)
}
