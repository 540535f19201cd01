package onnx

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode parses a binary-encoded ONNX model. The ONNX message layout is
// stable and small enough that we walk the wire format directly with
// protowire instead of carrying generated bindings for the full schema.
func Decode(data []byte) (*Model, error) {
	model, err := decodeModel(data)
	if err != nil {
		if looksLikeText(data) {
			return nil, fmt.Errorf("model appears to be text-encoded; only binary ONNX models are supported")
		}
		return nil, fmt.Errorf("failed to decode ONNX model: %w", err)
	}
	return model, nil
}

// looksLikeText reports whether the payload is plausibly a prototext
// model rather than a corrupted binary one.
func looksLikeText(data []byte) bool {
	if len(data) > 512 {
		data = data[:512]
	}
	if !utf8.Valid(data) {
		return false
	}
	printable := 0
	for _, b := range data {
		if b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return len(data) > 0 && printable*10 >= len(data)*9
}

func decodeModel(data []byte) (*Model, error) {
	m := &Model{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			m.IRVersion, data, err = takeInt64(data, typ)
		case 2:
			m.ProducerName, data, err = takeString(data, typ)
		case 3:
			m.ProducerVersion, data, err = takeString(data, typ)
		case 4:
			m.Domain, data, err = takeString(data, typ)
		case 5:
			m.ModelVersion, data, err = takeInt64(data, typ)
		case 6:
			m.DocString, data, err = takeString(data, typ)
		case 7:
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				m.Graph, err = decodeGraph(raw)
			}
		case 8:
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var opset OperatorSetID
				opset, err = decodeOperatorSetID(raw)
				m.OpsetImports = append(m.OpsetImports, opset)
			}
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeOperatorSetID(data []byte) (OperatorSetID, error) {
	var opset OperatorSetID
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return opset, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			opset.Domain, data, err = takeString(data, typ)
		case 2:
			opset.Version, data, err = takeInt64(data, typ)
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return opset, err
		}
	}
	return opset, nil
}

func decodeGraph(data []byte) (*Graph, error) {
	g := &Graph{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var raw []byte
		var err error
		switch num {
		case 1:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var node *Node
				node, err = decodeNode(raw)
				g.Nodes = append(g.Nodes, node)
			}
		case 2:
			g.Name, data, err = takeString(data, typ)
		case 5:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var t *Tensor
				t, err = decodeTensor(raw)
				g.Initializers = append(g.Initializers, t)
			}
		case 11:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var vi *ValueInfo
				vi, err = decodeValueInfo(raw)
				g.Inputs = append(g.Inputs, vi)
			}
		case 12:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var vi *ValueInfo
				vi, err = decodeValueInfo(raw)
				g.Outputs = append(g.Outputs, vi)
			}
		case 13:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var vi *ValueInfo
				vi, err = decodeValueInfo(raw)
				g.ValueInfos = append(g.ValueInfos, vi)
			}
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func decodeNode(data []byte) (*Node, error) {
	node := &Node{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var s string
			s, data, err = takeString(data, typ)
			node.Inputs = append(node.Inputs, s)
		case 2:
			var s string
			s, data, err = takeString(data, typ)
			node.Outputs = append(node.Outputs, s)
		case 3:
			node.Name, data, err = takeString(data, typ)
		case 4:
			node.OpType, data, err = takeString(data, typ)
		case 5:
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var attr *Attribute
				attr, err = decodeAttribute(raw)
				node.Attributes = append(node.Attributes, attr)
			}
		case 7:
			node.Domain, data, err = takeString(data, typ)
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

func decodeAttribute(data []byte) (*Attribute, error) {
	attr := &Attribute{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var raw []byte
		var err error
		switch num {
		case 1:
			attr.Name, data, err = takeString(data, typ)
		case 2:
			attr.F, data, err = takeFloat32(data, typ)
		case 3:
			attr.I, data, err = takeInt64(data, typ)
		case 4:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				attr.S = append([]byte(nil), raw...)
			}
		case 5:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				attr.T, err = decodeTensor(raw)
			}
		case 6:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				attr.G, err = decodeGraph(raw)
			}
		case 7:
			attr.Floats, data, err = takeRepeatedFloat32(data, typ, attr.Floats)
		case 8:
			attr.Ints, data, err = takeRepeatedInt64(data, typ, attr.Ints)
		case 9:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				attr.Strings = append(attr.Strings, append([]byte(nil), raw...))
			}
		case 20:
			var v int64
			v, data, err = takeInt64(data, typ)
			attr.Type = AttributeType(v)
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return attr, nil
}

func decodeTensor(data []byte) (*Tensor, error) {
	t := &Tensor{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var raw []byte
		var err error
		switch num {
		case 1:
			t.Dims, data, err = takeRepeatedInt64(data, typ, t.Dims)
		case 2:
			var v int64
			v, data, err = takeInt64(data, typ)
			t.DataType = DataType(v)
		case 4:
			t.FloatData, data, err = takeRepeatedFloat32(data, typ, t.FloatData)
		case 5:
			t.Int32Data, data, err = takeRepeatedInt32(data, typ, t.Int32Data)
		case 7:
			t.Int64Data, data, err = takeRepeatedInt64(data, typ, t.Int64Data)
		case 8:
			t.Name, data, err = takeString(data, typ)
		case 9:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				t.RawData = append([]byte(nil), raw...)
			}
		case 10:
			t.DoubleData, data, err = takeRepeatedFloat64(data, typ, t.DoubleData)
		case 13:
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var entry StringEntry
				entry, err = decodeStringEntry(raw)
				t.ExternalData = append(t.ExternalData, entry)
			}
		case 14:
			var v int64
			v, data, err = takeInt64(data, typ)
			t.DataLocation = int32(v)
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func decodeStringEntry(data []byte) (StringEntry, error) {
	var entry StringEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return entry, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			entry.Key, data, err = takeString(data, typ)
		case 2:
			entry.Value, data, err = takeString(data, typ)
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// decodeValueInfo flattens ValueInfoProto/TypeProto/TensorShapeProto
// into the tensor-typed view the importer needs.
func decodeValueInfo(data []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			vi.Name, data, err = takeString(data, typ)
		case 2:
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				err = decodeTypeProto(raw, vi)
			}
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return vi, nil
}

func decodeTypeProto(data []byte, vi *ValueInfo) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1: // tensor_type
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				err = decodeTensorTypeProto(raw, vi)
			}
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeTensorTypeProto(data []byte, vi *ValueInfo) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var v int64
			v, data, err = takeInt64(data, typ)
			vi.ElemType = DataType(v)
		case 2:
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				vi.Shape, err = decodeShapeProto(raw)
			}
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeShapeProto(data []byte) ([]Dimension, error) {
	var dims []Dimension
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var raw []byte
			raw, data, err = takeBytes(data, typ)
			if err == nil {
				var dim Dimension
				dim, err = decodeDimension(raw)
				dims = append(dims, dim)
			}
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return dims, nil
}

func decodeDimension(data []byte) (Dimension, error) {
	var dim Dimension
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return dim, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			dim.Value, data, err = takeInt64(data, typ)
		case 2:
			dim.Param, data, err = takeString(data, typ)
		default:
			data, err = skipField(data, num, typ)
		}
		if err != nil {
			return dim, err
		}
	}
	return dim, nil
}

func takeInt64(data []byte, typ protowire.Type) (int64, []byte, error) {
	if typ != protowire.VarintType {
		return 0, data, fmt.Errorf("unexpected wire type %v for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, data, protowire.ParseError(n)
	}
	return int64(v), data[n:], nil
}

func takeFloat32(data []byte, typ protowire.Type) (float32, []byte, error) {
	if typ != protowire.Fixed32Type {
		return 0, data, fmt.Errorf("unexpected wire type %v for float field", typ)
	}
	v, n := protowire.ConsumeFixed32(data)
	if n < 0 {
		return 0, data, protowire.ParseError(n)
	}
	return math.Float32frombits(v), data[n:], nil
}

func takeBytes(data []byte, typ protowire.Type) ([]byte, []byte, error) {
	if typ != protowire.BytesType {
		return nil, data, fmt.Errorf("unexpected wire type %v for bytes field", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, data, protowire.ParseError(n)
	}
	return v, data[n:], nil
}

func takeString(data []byte, typ protowire.Type) (string, []byte, error) {
	raw, rest, err := takeBytes(data, typ)
	return string(raw), rest, err
}

// Repeated scalar fields arrive either packed or one element at a time.

func takeRepeatedInt64(data []byte, typ protowire.Type, dst []int64) ([]int64, []byte, error) {
	if typ == protowire.VarintType {
		v, rest, err := takeInt64(data, typ)
		return append(dst, v), rest, err
	}
	raw, rest, err := takeBytes(data, typ)
	if err != nil {
		return dst, data, err
	}
	for len(raw) > 0 {
		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		dst = append(dst, int64(v))
		raw = raw[n:]
	}
	return dst, rest, nil
}

func takeRepeatedInt32(data []byte, typ protowire.Type, dst []int32) ([]int32, []byte, error) {
	if typ == protowire.VarintType {
		v, rest, err := takeInt64(data, typ)
		return append(dst, int32(v)), rest, err
	}
	raw, rest, err := takeBytes(data, typ)
	if err != nil {
		return dst, data, err
	}
	for len(raw) > 0 {
		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		dst = append(dst, int32(v))
		raw = raw[n:]
	}
	return dst, rest, nil
}

func takeRepeatedFloat32(data []byte, typ protowire.Type, dst []float32) ([]float32, []byte, error) {
	if typ == protowire.Fixed32Type {
		v, rest, err := takeFloat32(data, typ)
		return append(dst, v), rest, err
	}
	raw, rest, err := takeBytes(data, typ)
	if err != nil {
		return dst, data, err
	}
	for len(raw) > 0 {
		v, n := protowire.ConsumeFixed32(raw)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		dst = append(dst, math.Float32frombits(v))
		raw = raw[n:]
	}
	return dst, rest, nil
}

func takeRepeatedFloat64(data []byte, typ protowire.Type, dst []float64) ([]float64, []byte, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		return append(dst, math.Float64frombits(v)), data[n:], nil
	}
	raw, rest, err := takeBytes(data, typ)
	if err != nil {
		return dst, data, err
	}
	for len(raw) > 0 {
		v, n := protowire.ConsumeFixed64(raw)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		dst = append(dst, math.Float64frombits(v))
		raw = raw[n:]
	}
	return dst, rest, nil
}

func skipField(data []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, data)
	if n < 0 {
		return data, protowire.ParseError(n)
	}
	return data[n:], nil
}
