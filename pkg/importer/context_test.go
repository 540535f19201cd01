package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zinfer/pkg/engine"
)

func TestRegisterTensorRebindRules(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	in, err := ctx.Network().AddInput("x", engine.Float, []int64{1})
	require.NoError(t, err)

	require.NoError(t, ctx.RegisterTensor("x", TensorValue(in)))
	// Rebinding the same value is a no-op.
	require.NoError(t, ctx.RegisterTensor("x", TensorValue(in)))

	other := ctx.Network().AddIdentity(in).Output(0)
	err = ctx.RegisterTensor("x", TensorValue(other))
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGraph, asStatus(err).Code)
}

func TestRegisterTensorEqualWeightsRebind(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	w := engine.Weights{Type: engine.Float, Dims: []int64{1}, Data: []byte{0, 0, 0, 0}}

	require.NoError(t, ctx.RegisterTensor("w", WeightsValue(w)))
	// A distinct but equal buffer also rebinds cleanly.
	same := engine.Weights{Type: engine.Float, Dims: []int64{1}, Data: []byte{0, 0, 0, 0}}
	require.NoError(t, ctx.RegisterTensor("w", WeightsValue(same)))

	different := engine.Weights{Type: engine.Float, Dims: []int64{1}, Data: []byte{0, 0, 128, 63}}
	require.Error(t, ctx.RegisterTensor("w", WeightsValue(different)))
}

func TestTensorLookupFailsForUnknownName(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	_, err := ctx.Tensor("missing")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGraph, asStatus(err).Code)
	assert.False(t, ctx.HasTensor("missing"))
}

func TestRecordLocationConflicts(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	require.NoError(t, ctx.RecordLocation("t", engine.LocationHost))
	require.NoError(t, ctx.RecordLocation("t", engine.LocationHost))
	require.Error(t, ctx.RecordLocation("t", engine.LocationDevice))
}

func TestRecordRangeTreatsNaNAsEqual(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	require.NoError(t, ctx.RecordRangeMin("t", engine.RangeUnset))
	require.NoError(t, ctx.RecordRangeMin("t", engine.RangeUnset))
	require.Error(t, ctx.RecordRangeMin("t", 1.0))

	require.NoError(t, ctx.RecordRangeMax("u", 6))
	require.NoError(t, ctx.RecordRangeMax("u", 6))
	require.Error(t, ctx.RecordRangeMax("u", 7))
}

func TestRecordPrecisionConflicts(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	require.NoError(t, ctx.RecordPrecision("layer", engine.Half))
	require.NoError(t, ctx.RecordPrecision("layer", engine.Half))
	require.Error(t, ctx.RecordPrecision("layer", engine.Float))
}

func TestLoopTensorAliases(t *testing.T) {
	ctx := NewContext(engine.NewNetwork())
	ctx.RecordLoopTensor("state_in", "state_out")
	assert.Equal(t, "state_out", ctx.LoopTensor("state_in"))
	assert.Equal(t, "", ctx.LoopTensor("unrelated"))
}
