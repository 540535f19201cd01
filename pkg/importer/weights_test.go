package importer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zinfer/internal/onnx"
	"github.com/zerfoo/zinfer/pkg/engine"
)

func TestConvertInitializerInt64Narrows(t *testing.T) {
	w, err := convertInitializer(&onnx.Tensor{
		Name:      "idx",
		DataType:  onnx.Int64,
		Dims:      []int64{3},
		Int64Data: []int64{1, -2, int64(1) << 40},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, engine.Int32, w.Type)

	values, err := w.IntValues()
	require.NoError(t, err)
	// Out-of-range values clamp rather than wrap.
	assert.Equal(t, []int64{1, -2, 2147483647}, values)
}

func TestConvertInitializerDoubleNarrows(t *testing.T) {
	w, err := convertInitializer(&onnx.Tensor{
		Name:       "d",
		DataType:   onnx.Double,
		Dims:       []int64{2},
		DoubleData: []float64{0.5, -1.25},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, engine.Float, w.Type)

	values, err := w.FloatValues()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1.25}, values)
}

func TestConvertInitializerHalfFromInt32Data(t *testing.T) {
	// fp16 payloads ride in int32_data, one element per entry.
	w, err := convertInitializer(&onnx.Tensor{
		Name:      "h",
		DataType:  onnx.Float16,
		Dims:      []int64{2},
		Int32Data: []int32{0x3c00, 0x4000}, // 1.0, 2.0
	}, "")
	require.NoError(t, err)
	assert.Equal(t, engine.Half, w.Type)

	values, err := w.FloatValues()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, values)
}

func TestConvertInitializerExternalData(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[4:], 0x3f800000) // 1.0 at offset 4
	binary.LittleEndian.PutUint32(payload[8:], 0x40000000) // 2.0
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), payload, 0o644))

	w, err := convertInitializer(&onnx.Tensor{
		Name:     "ext",
		DataType: onnx.Float,
		Dims:     []int64{2},
		ExternalData: []onnx.StringEntry{
			{Key: "location", Value: "weights.bin"},
			{Key: "offset", Value: "4"},
			{Key: "length", Value: "8"},
		},
	}, dir)
	require.NoError(t, err)

	values, err := w.FloatValues()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, values)
}

func TestConvertInitializerExternalDataMissingFile(t *testing.T) {
	_, err := convertInitializer(&onnx.Tensor{
		Name:     "ext",
		DataType: onnx.Float,
		ExternalData: []onnx.StringEntry{
			{Key: "location", Value: "nope.bin"},
		},
	}, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ErrorModelDeserializeFailed, asStatus(err).Code)
}

func TestConvertInitializerUnsupportedType(t *testing.T) {
	_, err := convertInitializer(&onnx.Tensor{
		Name:     "s",
		DataType: onnx.String,
	}, "")
	require.Error(t, err)
	assert.Equal(t, ErrorUnsupportedNode, asStatus(err).Code)
}
