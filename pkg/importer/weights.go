package importer

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/zerfoo/zinfer/internal/onnx"
	"github.com/zerfoo/zinfer/pkg/engine"
)

// convertDataType maps a wire element type to an engine type. Int64 and
// Double map onto the narrower engine types; their payloads are
// converted by convertInitializer.
func convertDataType(dt onnx.DataType) (engine.DataType, bool) {
	switch dt {
	case onnx.Float:
		return engine.Float, true
	case onnx.Float16:
		return engine.Half, true
	case onnx.Int8:
		return engine.Int8, true
	case onnx.Int32:
		return engine.Int32, true
	case onnx.Int64:
		return engine.Int32, true
	case onnx.Double:
		return engine.Float, true
	case onnx.Bool:
		return engine.Bool, true
	}
	return engine.Float, false
}

// convertInitializer turns a wire tensor into an owned weight buffer.
// Int64 values narrow to int32 and doubles narrow to float32, clamping
// out-of-range values. modelDir anchors externally stored payloads.
func convertInitializer(t *onnx.Tensor, modelDir string) (engine.Weights, error) {
	dtype, ok := convertDataType(t.DataType)
	if !ok {
		return engine.Weights{}, newStatus(ErrorUnsupportedNode, "convertInitializer",
			"initializer %q has unsupported element type %s", t.Name, t.DataType)
	}

	raw := t.RawData
	if len(t.ExternalData) > 0 {
		var err error
		raw, err = loadExternalData(t, modelDir)
		if err != nil {
			return engine.Weights{}, newStatus(ErrorModelDeserializeFailed, "convertInitializer",
				"initializer %q: %v", t.Name, err)
		}
	}

	var data []byte
	switch t.DataType {
	case onnx.Float:
		data = raw
		if data == nil {
			data = float32Bytes(t.FloatData)
		}
	case onnx.Float16:
		data = raw
		if data == nil {
			// Per the wire schema, fp16 payloads ride in int32_data.
			data = make([]byte, len(t.Int32Data)*2)
			for i, v := range t.Int32Data {
				binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
			}
		}
	case onnx.Int8, onnx.Bool:
		data = raw
		if data == nil {
			data = make([]byte, len(t.Int32Data))
			for i, v := range t.Int32Data {
				data[i] = byte(v)
			}
		}
	case onnx.Int32:
		data = raw
		if data == nil {
			data = make([]byte, len(t.Int32Data)*4)
			for i, v := range t.Int32Data {
				binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
			}
		}
	case onnx.Int64:
		values := t.Int64Data
		if values == nil && raw != nil {
			if len(raw)%8 != 0 {
				return engine.Weights{}, newStatus(ErrorModelDeserializeFailed, "convertInitializer",
					"initializer %q: int64 payload of %d bytes is not a multiple of 8", t.Name, len(raw))
			}
			values = make([]int64, len(raw)/8)
			for i := range values {
				values[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
			}
		}
		data = int64ToInt32Bytes(t.Name, values)
	case onnx.Double:
		values := t.DoubleData
		if values == nil && raw != nil {
			if len(raw)%8 != 0 {
				return engine.Weights{}, newStatus(ErrorModelDeserializeFailed, "convertInitializer",
					"initializer %q: double payload of %d bytes is not a multiple of 8", t.Name, len(raw))
			}
			values = make([]float64, len(raw)/8)
			for i := range values {
				values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
			}
		}
		data = make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(v)))
		}
	}

	return engine.Weights{
		Type: dtype,
		Dims: append([]int64(nil), t.Dims...),
		Data: data,
	}, nil
}

func float32Bytes(values []float32) []byte {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

func int64ToInt32Bytes(name string, values []int64) []byte {
	data := make([]byte, len(values)*4)
	clamped := false
	for i, v := range values {
		if v > math.MaxInt32 {
			v, clamped = math.MaxInt32, true
		} else if v < math.MinInt32 {
			v, clamped = math.MinInt32, true
		}
		binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(v)))
	}
	if clamped {
		klog.Warningf("Initializer %q: int64 values outside the int32 range were clamped", name)
	}
	return data
}

// loadExternalData reads an initializer payload stored next to the
// model file, honoring the location/offset/length entries.
func loadExternalData(t *onnx.Tensor, modelDir string) ([]byte, error) {
	var location string
	var offset, length int64
	for _, entry := range t.ExternalData {
		switch entry.Key {
		case "location":
			location = entry.Value
		case "offset":
			if entry.Value != "" {
				v, err := strconv.ParseInt(entry.Value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid external data offset %q: %w", entry.Value, err)
				}
				offset = v
			}
		case "length":
			if entry.Value != "" {
				v, err := strconv.ParseInt(entry.Value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid external data length %q: %w", entry.Value, err)
				}
				length = v
			}
		}
	}
	if location == "" {
		return nil, fmt.Errorf("external data location not specified")
	}

	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(modelDir, location)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read external data file: %w", err)
	}
	if offset > int64(len(data)) {
		return nil, fmt.Errorf("external data offset %d exceeds file size %d", offset, len(data))
	}
	data = data[offset:]
	if length > 0 {
		if length > int64(len(data)) {
			return nil, fmt.Errorf("external data length %d exceeds remaining file size %d", length, len(data))
		}
		data = data[:length]
	}
	return data, nil
}
