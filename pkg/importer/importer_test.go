package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zinfer/internal/onnx"
	"github.com/zerfoo/zinfer/pkg/engine"
)

func testImporter() (*engine.Network, *ModelImporter) {
	network := engine.NewNetwork()
	return network, NewModelImporter(network, NewOpRegistry())
}

func valueInfo(name string, elemType onnx.DataType, dims ...int64) *onnx.ValueInfo {
	shape := make([]onnx.Dimension, len(dims))
	for i, d := range dims {
		shape[i] = onnx.Dimension{Value: d}
	}
	return &onnx.ValueInfo{Name: name, ElemType: elemType, Shape: shape}
}

func testModel(graph *onnx.Graph) *onnx.Model {
	return &onnx.Model{
		IRVersion:    8,
		Graph:        graph,
		OpsetImports: []onnx.OperatorSetID{{Version: 17}},
	}
}

func TestParseSimpleChain(t *testing.T) {
	network, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Relu", Name: "relu_0", Inputs: []string{"x"}, Outputs: []string{"y"}},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 1, 3)},
	}))
	require.NoError(t, err)

	require.Equal(t, 1, network.NumInputs())
	// The leading dimension defaults to dynamic batch.
	assert.Equal(t, []int64{-1, 3}, network.Input(0).Dimensions())
	require.Equal(t, 1, network.NumOutputs())
	assert.Equal(t, "y", network.Output(0).Name())
	require.Equal(t, 1, network.NumLayers())
	assert.Equal(t, engine.LayerActivation, network.Layer(0).Type())
	assert.Equal(t, "relu_0", network.Layer(0).Name())
}

func TestInputDirectlyMarkedAsOutput(t *testing.T) {
	network, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
	}))
	require.NoError(t, err)

	// One name, two objects: the input is renamed and copied through an
	// identity layer that carries the declared output name.
	require.Equal(t, 1, network.NumInputs())
	assert.Equal(t, "__x", network.Input(0).Name())
	require.Equal(t, 1, network.NumOutputs())
	assert.Equal(t, "x", network.Output(0).Name())
	require.Equal(t, 1, network.NumLayers())
	assert.Equal(t, engine.LayerIdentity, network.Layer(0).Type())
	assert.NotSame(t, network.Input(0), network.Output(0))
}

func TestUnregisteredOpAbortsAtNode(t *testing.T) {
	_, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Relu", Inputs: []string{"x"}, Outputs: []string{"a"}},
			{OpType: "FancyCustomOp", Inputs: []string{"a"}, Outputs: []string{"y"}},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 1, 3)},
	}))
	require.Error(t, err)
	s := asStatus(err)
	assert.Equal(t, ErrorUnsupportedNode, s.Code)
	assert.Equal(t, 1, s.Node)
	require.Len(t, imp.Errors(), 1)
}

func TestUnknownTensorReferenceFails(t *testing.T) {
	_, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Relu", Inputs: []string{"ghost"}, Outputs: []string{"y"}},
		},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 1)},
	}))
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGraph, asStatus(err).Code)
}

func TestIntegerOutputTypeMustMatch(t *testing.T) {
	_, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Identity", Inputs: []string{"x"}, Outputs: []string{"y"}},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Int32, 4)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 4)},
	}))
	require.Error(t, err)
	assert.Equal(t, ErrorUnsupportedNode, asStatus(err).Code)
}

func TestInitializerFeedsConstantLayer(t *testing.T) {
	network, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Add", Inputs: []string{"x", "w"}, Outputs: []string{"y"}},
		},
		Inputs: []*onnx.ValueInfo{
			valueInfo("x", onnx.Float, 2),
			// Declared as an input but backed by an initializer: no
			// network input is created for it.
			valueInfo("w", onnx.Float, 2),
		},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 2)},
		Initializers: []*onnx.Tensor{
			{Name: "w", DataType: onnx.Float, Dims: []int64{2}, FloatData: []float32{1, 2}},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, network.NumInputs())
	require.Equal(t, 2, network.NumLayers())
	assert.Equal(t, engine.LayerConstant, network.Layer(0).Type())
	assert.Equal(t, engine.LayerElementWise, network.Layer(1).Type())
}

func TestShapeOverride(t *testing.T) {
	network, imp := testImporter()
	imp.SetInputDimensions([][]int64{{4, 3}})
	err := imp.run(testModel(&onnx.Graph{
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, -1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("x", onnx.Float, 4, 3)},
	}))
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, network.Input(0).Dimensions())
}

func TestShapeOverrideRankMismatch(t *testing.T) {
	_, imp := testImporter()
	imp.SetInputDimensions([][]int64{{4, 3, 1}})
	err := imp.run(testModel(&onnx.Graph{
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, -1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("x", onnx.Float, 4, 3)},
	}))
	require.Error(t, err)
	s := asStatus(err)
	assert.Equal(t, ErrorInvalidValue, s.Code)
	assert.Equal(t, "x", s.InputName)
	// Input-rooted failures keep the node index unset.
	assert.Equal(t, -1, s.Node)
}

func TestUserWeightsSubstituteInput(t *testing.T) {
	network, imp := testImporter()
	imp.RegisterUserWeights("x", engine.Weights{
		Type: engine.Float, Dims: []int64{2}, Data: make([]byte, 8),
	})
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Relu", Inputs: []string{"x"}, Outputs: []string{"y"}},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 2)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 2)},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, network.NumInputs())
	require.Equal(t, 2, network.NumLayers())
	assert.Equal(t, engine.LayerConstant, network.Layer(0).Type())
}

func TestRequestedOutputIsNotMarked(t *testing.T) {
	network, imp := testImporter()
	imp.RequestOutput("y")
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Relu", Inputs: []string{"x"}, Outputs: []string{"y"}},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 2)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 2)},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, network.NumOutputs())
	resolved := imp.UserOutput("y")
	require.NotNil(t, resolved)
	assert.Equal(t, "y", resolved.Name())
}

func TestReimportMetadataIsApplied(t *testing.T) {
	network, imp := testImporter()
	model := testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{
				OpType: "Relu", Name: "relu_0",
				Inputs: []string{"x"}, Outputs: []string{"y"},
				Attributes: []*onnx.Attribute{
					{Name: attrOutputsLocation, Strings: [][]byte{[]byte("device")}},
					{Name: attrOutputsRangeMin, Floats: []float32{0}},
					{Name: attrOutputsRangeMax, Floats: []float32{6}},
					{Name: attrLayerPrecision, I: int64(engine.Half)},
				},
			},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 1, 3)},
	})
	model.ProducerName = producerName

	require.NoError(t, imp.run(model))

	layer := network.Layer(0)
	precision, ok := layer.Precision()
	require.True(t, ok)
	assert.Equal(t, engine.Half, precision)

	out := network.Output(0)
	assert.Equal(t, engine.LocationDevice, out.Location())
	min, max, ok := out.DynamicRange()
	require.True(t, ok)
	assert.Equal(t, float32(0), min)
	assert.Equal(t, float32(6), max)
}

func TestReimportMetadataIgnoredForForeignProducers(t *testing.T) {
	network, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{
				OpType: "Relu", Name: "relu_0",
				Inputs: []string{"x"}, Outputs: []string{"y"},
				Attributes: []*onnx.Attribute{
					{Name: attrLayerPrecision, I: int64(engine.Half)},
				},
			},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 1, 3)},
	}))
	require.NoError(t, err)
	_, ok := network.Layer(0).Precision()
	assert.False(t, ok)
}

func TestNodeMetadataMergeIsIdempotent(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	node := &onnx.Node{
		Name: "n", Outputs: []string{"y"},
		Attributes: []*onnx.Attribute{
			{Name: attrOutputsLocation, Strings: [][]byte{[]byte("host")}},
			{Name: attrOutputsRangeMin, Floats: []float32{engine.RangeUnset}},
			{Name: attrOutputsRangeMax, Floats: []float32{engine.RangeUnset}},
		},
	}
	require.NoError(t, importNodeMetadata(ctx, node))
	require.NoError(t, importNodeMetadata(ctx, node))
}

func TestMetadataReconciliationIsIdempotent(t *testing.T) {
	network, imp := testImporter()
	model := testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{
				OpType: "Relu", Name: "relu_0",
				Inputs: []string{"x"}, Outputs: []string{"y"},
				Attributes: []*onnx.Attribute{
					{Name: attrOutputsLocation, Strings: [][]byte{[]byte("device")}},
					{Name: attrOutputsRangeMin, Floats: []float32{-1}},
					{Name: attrOutputsRangeMax, Floats: []float32{1}},
					{Name: attrLayerPrecision, I: int64(engine.Float)},
				},
			},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, 1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("y", onnx.Float, 1, 3)},
	})
	model.ProducerName = producerName
	require.NoError(t, imp.run(model))

	// Re-applying the recorded metadata reproduces the same assignments.
	require.NoError(t, reconcileMetadata(imp.ctx))

	out := network.Output(0)
	assert.Equal(t, engine.LocationDevice, out.Location())
	min, max, ok := out.DynamicRange()
	require.True(t, ok)
	assert.Equal(t, float32(-1), min)
	assert.Equal(t, float32(1), max)
	precision, ok := network.Layer(0).Precision()
	require.True(t, ok)
	assert.Equal(t, engine.Float, precision)
}

func TestMetadataReconciliationRejectsUnknownNames(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	require.NoError(t, ctx.RecordLocation("ghost", engine.LocationHost))
	err := reconcileMetadata(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGraph, asStatus(err).Code)
}

func TestIllegalShapeTensorIsFlagged(t *testing.T) {
	network, imp := testImporter()
	err := imp.run(testModel(&onnx.Graph{
		Nodes: []*onnx.Node{
			{OpType: "Shape", Inputs: []string{"x"}, Outputs: []string{"s"}},
			{OpType: "Pow", Inputs: []string{"s", "s"}, Outputs: []string{"p"}},
		},
		Inputs:  []*onnx.ValueInfo{valueInfo("x", onnx.Float, -1, 3)},
		Outputs: []*onnx.ValueInfo{valueInfo("p", onnx.Int64, 2)},
	}))
	require.NoError(t, err)

	// Pow propagates shape-tensor status but cannot legally produce a
	// shape tensor, so post-processing flags its output.
	assert.True(t, imp.ctx.IsIllegalShapeTensor("p"))

	var powLayer *engine.Layer
	for i := 0; i < network.NumLayers(); i++ {
		if network.Layer(i).Type() == engine.LayerElementWise {
			powLayer = network.Layer(i)
		}
	}
	require.NotNil(t, powLayer)
	precision, ok := powLayer.Precision()
	require.True(t, ok)
	assert.Equal(t, engine.Int32, precision)
	assert.Equal(t, engine.Int32, powLayer.Output(0).Type())
}

func TestModelWithoutGraphFails(t *testing.T) {
	_, imp := testImporter()
	err := imp.run(&onnx.Model{IRVersion: 8})
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGraph, asStatus(err).Code)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, imp := testImporter()
	err := imp.Parse([]byte("definitely not a protobuf payload"))
	require.Error(t, err)
	assert.Equal(t, ErrorModelDeserializeFailed, asStatus(err).Code)
}
