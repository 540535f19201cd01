package exporter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zinfer/pkg/engine"
)

func buildNetwork(t *testing.T) *engine.Network {
	t.Helper()
	n := engine.NewNetwork()
	in, err := n.AddInput("x", engine.Float, []int64{-1, 2})
	require.NoError(t, err)

	w := engine.Weights{Type: engine.Float, Dims: []int64{2}, Data: make([]byte, 8)}
	constant := n.AddConstant([]int64{2}, w)
	constant.Output(0).SetName("bias")

	add := n.AddElementWise(in, constant.Output(0), engine.ElementWiseSum)
	add.SetName("add_0")
	out := add.Output(0)
	out.SetName("y")
	n.MarkOutput(out)
	return n
}

func TestExportStructure(t *testing.T) {
	n := buildNetwork(t)
	model, err := Export(n)
	require.NoError(t, err)

	assert.Equal(t, "zinfer", model.GetMetadata().GetProducerName())
	require.Len(t, model.GetGraph().GetInputs(), 1)
	assert.Equal(t, "x", model.GetGraph().GetInputs()[0].GetName())
	require.Len(t, model.GetGraph().GetOutputs(), 1)
	assert.Equal(t, "y", model.GetGraph().GetOutputs()[0].GetName())

	require.Len(t, model.GetGraph().GetNodes(), 2)
	constant := model.GetGraph().GetNodes()[0]
	assert.Equal(t, "Constant", constant.GetOpType())
	add := model.GetGraph().GetNodes()[1]
	assert.Equal(t, "ElementWise", add.GetOpType())
	assert.Equal(t, "add_0", add.GetName())
	assert.Equal(t, []string{"x", "bias"}, add.GetInputs())
	assert.Equal(t, []string{"y"}, add.GetOutputs())
	assert.Equal(t, "SUM", add.GetAttributes()["op"].GetS())

	params := model.GetGraph().GetParameters()
	require.Contains(t, params, "bias")
	assert.Equal(t, zmf.Tensor_FLOAT32, params["bias"].GetDtype())
	assert.Equal(t, []int64{2}, params["bias"].GetShape())
}

func TestExportCarriesReimportMetadata(t *testing.T) {
	n := buildNetwork(t)
	add := n.Layer(1)
	add.SetPrecision(engine.Half)
	add.Output(0).SetDynamicRange(-6, 6)
	add.Output(0).SetLocation(engine.LocationDevice)

	model, err := Export(n)
	require.NoError(t, err)

	node := model.GetGraph().GetNodes()[1]
	attrs := node.GetAttributes()
	assert.Equal(t, []string{"device"}, attrs["zinfer_outputs_loc"].GetStrings().GetVal())
	assert.Equal(t, []float32{-6}, attrs["zinfer_outputs_range_min"].GetFloats().GetVal())
	assert.Equal(t, []float32{6}, attrs["zinfer_outputs_range_max"].GetFloats().GetVal())
	assert.Equal(t, int64(engine.Half), attrs["zinfer_layer_precision"].GetI())

	// Layers without a range carry the unset sentinel so positions line
	// up with outputs.
	constant := model.GetGraph().GetNodes()[0]
	mins := constant.GetAttributes()["zinfer_outputs_range_min"].GetFloats().GetVal()
	require.Len(t, mins, 1)
	assert.NotEqual(t, mins[0], mins[0]) // NaN
}

func TestExportBoolWeightsWiden(t *testing.T) {
	n := engine.NewNetwork()
	w := engine.Weights{Type: engine.Bool, Dims: []int64{2}, Data: []byte{1, 0}}
	constant := n.AddConstant([]int64{2}, w)
	constant.Output(0).SetName("mask")
	n.MarkOutput(constant.Output(0))

	model, err := Export(n)
	require.NoError(t, err)

	tensor := model.GetGraph().GetParameters()["mask"]
	require.NotNil(t, tensor)
	assert.Equal(t, zmf.Tensor_INT32, tensor.GetDtype())
	assert.Len(t, tensor.GetData(), 8)
	assert.Equal(t, byte(1), tensor.GetData()[0])
	assert.Equal(t, byte(0), tensor.GetData()[4])
}
