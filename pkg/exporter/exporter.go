// Package exporter serializes a translated network definition to the
// ZMF format, carrying enough metadata for a lossless re-import.
package exporter

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/zinfer/pkg/engine"
)

const (
	producerName    = "zinfer"
	producerVersion = "0.1.0"
)

// Export converts a network definition into a ZMF model. Layer state
// that has no first-class ZMF representation (tensor locations, dynamic
// ranges, pinned precisions) rides on per-node attributes and is
// restored when the model is imported again.
func Export(network *engine.Network) (*zmf.Model, error) {
	model := &zmf.Model{
		Graph: &zmf.Graph{
			Nodes:      make([]*zmf.Node, 0, network.NumLayers()),
			Parameters: make(map[string]*zmf.Tensor),
			Inputs:     valueInfos(network, true),
			Outputs:    valueInfos(network, false),
		},
		Metadata: &zmf.Metadata{
			ProducerName:    producerName,
			ProducerVersion: producerVersion,
		},
	}

	for i := 0; i < network.NumLayers(); i++ {
		layer := network.Layer(i)
		node, err := convertLayer(layer)
		if err != nil {
			return nil, fmt.Errorf("failed to convert layer %q: %w", layer.Name(), err)
		}
		model.Graph.Nodes = append(model.Graph.Nodes, node)

		if layer.Type() == engine.LayerConstant {
			tensor, err := convertWeights(layer.Weights())
			if err != nil {
				return nil, fmt.Errorf("failed to convert weights of layer %q: %w", layer.Name(), err)
			}
			model.Graph.Parameters[layer.Output(0).Name()] = tensor
		}
	}
	return model, nil
}

// Save exports the network and writes the serialized model to path.
func Save(network *engine.Network, path string) error {
	model, err := Export(network)
	if err != nil {
		return err
	}
	data, err := proto.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to serialize model: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func valueInfos(network *engine.Network, inputs bool) []*zmf.ValueInfo {
	count := network.NumOutputs()
	if inputs {
		count = network.NumInputs()
	}
	infos := make([]*zmf.ValueInfo, count)
	for i := 0; i < count; i++ {
		t := network.Output(i)
		if inputs {
			t = network.Input(i)
		}
		infos[i] = &zmf.ValueInfo{
			Name:  t.Name(),
			Shape: append([]int64(nil), t.Dimensions()...),
		}
	}
	return infos
}

func convertLayer(layer *engine.Layer) (*zmf.Node, error) {
	node := &zmf.Node{
		Name:       layer.Name(),
		OpType:     layer.Type().String(),
		Attributes: make(map[string]*zmf.Attribute),
	}
	for i := 0; i < layer.NumInputs(); i++ {
		node.Inputs = append(node.Inputs, layer.Input(i).Name())
	}
	for i := 0; i < layer.NumOutputs(); i++ {
		node.Outputs = append(node.Outputs, layer.Output(i).Name())
	}

	switch layer.Type() {
	case engine.LayerCast:
		node.Attributes["to"] = &zmf.Attribute{Value: &zmf.Attribute_I{I: int64(layer.CastTo())}}
	case engine.LayerActivation:
		node.Attributes["op"] = stringAttr(layer.Activation().String())
	case engine.LayerUnary:
		node.Attributes["op"] = stringAttr(layer.UnaryOp().String())
	case engine.LayerElementWise:
		node.Attributes["op"] = stringAttr(layer.Operation().String())
	case engine.LayerReduce:
		node.Attributes["op"] = stringAttr(layer.ReduceOp().String())
		node.Attributes["axes"] = intsAttr(layer.Axes())
		keepDims := int64(0)
		if layer.KeepDims() {
			keepDims = 1
		}
		node.Attributes["keepdims"] = &zmf.Attribute{Value: &zmf.Attribute_I{I: keepDims}}
	case engine.LayerConcatenation, engine.LayerGather:
		node.Attributes["axis"] = &zmf.Attribute{Value: &zmf.Attribute_I{I: layer.Axis()}}
	case engine.LayerSlice:
		node.Attributes["bounds"] = intsAttr(layer.Axes())
	case engine.LayerShuffle:
		if dims := layer.ReshapeDims(); dims != nil {
			node.Attributes["shape"] = intsAttr(dims)
		}
		if perm := layer.Permutation(); perm != nil {
			node.Attributes["perm"] = intsAttr(perm)
		}
	}

	locations := make([]string, layer.NumOutputs())
	mins := make([]float32, layer.NumOutputs())
	maxes := make([]float32, layer.NumOutputs())
	for i := 0; i < layer.NumOutputs(); i++ {
		out := layer.Output(i)
		locations[i] = "host"
		if out.Location() == engine.LocationDevice {
			locations[i] = "device"
		}
		// The unset sentinel keeps positions aligned with outputs.
		mins[i], maxes[i] = engine.RangeUnset, engine.RangeUnset
		if min, max, ok := out.DynamicRange(); ok {
			mins[i], maxes[i] = min, max
		}
	}
	node.Attributes["zinfer_outputs_loc"] = stringsAttr(locations)
	node.Attributes["zinfer_outputs_range_min"] = floatsAttr(mins)
	node.Attributes["zinfer_outputs_range_max"] = floatsAttr(maxes)
	if precision, ok := layer.Precision(); ok {
		node.Attributes["zinfer_layer_precision"] = &zmf.Attribute{
			Value: &zmf.Attribute_I{I: int64(precision)},
		}
	}
	return node, nil
}

func convertWeights(w engine.Weights) (*zmf.Tensor, error) {
	tensor := &zmf.Tensor{
		Shape: append([]int64(nil), w.Dims...),
		Data:  w.Data,
	}
	switch w.Type {
	case engine.Float:
		tensor.Dtype = zmf.Tensor_FLOAT32
	case engine.Half:
		tensor.Dtype = zmf.Tensor_FLOAT16
	case engine.Int32:
		tensor.Dtype = zmf.Tensor_INT32
	case engine.Int8, engine.Bool:
		// ZMF has no single-byte dtypes; widen to int32.
		tensor.Dtype = zmf.Tensor_INT32
		data := make([]byte, len(w.Data)*4)
		for i, b := range w.Data {
			binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(int8(b))))
		}
		if w.Type == engine.Bool {
			for i, b := range w.Data {
				v := uint32(0)
				if b != 0 {
					v = 1
				}
				binary.LittleEndian.PutUint32(data[i*4:], v)
			}
		}
		tensor.Data = data
	default:
		return nil, fmt.Errorf("unsupported weight type %s", w.Type)
	}
	return tensor, nil
}

func stringAttr(s string) *zmf.Attribute {
	return &zmf.Attribute{Value: &zmf.Attribute_S{S: s}}
}

func intsAttr(values []int64) *zmf.Attribute {
	return &zmf.Attribute{Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: append([]int64(nil), values...)}}}
}

func floatsAttr(values []float32) *zmf.Attribute {
	return &zmf.Attribute{Value: &zmf.Attribute_Floats{Floats: &zmf.Floats{Val: append([]float32(nil), values...)}}}
}

func stringsAttr(values []string) *zmf.Attribute {
	return &zmf.Attribute{Value: &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: append([]string(nil), values...)}}}
}
