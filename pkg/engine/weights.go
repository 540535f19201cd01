package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Weights is an owned constant buffer: element type, shape and raw
// little-endian payload. An all-zero Weights is a valid empty buffer.
type Weights struct {
	Type DataType
	Dims []int64
	Data []byte
}

// Count returns the number of elements implied by the shape.
func (w Weights) Count() int64 {
	count := int64(1)
	for _, d := range w.Dims {
		count *= d
	}
	return count
}

// Equal reports whether two buffers have the same type, shape and
// payload.
func (w Weights) Equal(other Weights) bool {
	if w.Type != other.Type || len(w.Dims) != len(other.Dims) || len(w.Data) != len(other.Data) {
		return false
	}
	for i, d := range w.Dims {
		if d != other.Dims[i] {
			return false
		}
	}
	for i, b := range w.Data {
		if b != other.Data[i] {
			return false
		}
	}
	return true
}

// FloatValues decodes the payload as float32 values. Half values are
// widened through float16.
func (w Weights) FloatValues() ([]float32, error) {
	switch w.Type {
	case Float:
		if len(w.Data)%4 != 0 {
			return nil, fmt.Errorf("float weights payload of %d bytes is not a multiple of 4", len(w.Data))
		}
		values := make([]float32, len(w.Data)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(w.Data[i*4:]))
		}
		return values, nil
	case Half:
		if len(w.Data)%2 != 0 {
			return nil, fmt.Errorf("half weights payload of %d bytes is not a multiple of 2", len(w.Data))
		}
		values := make([]float32, len(w.Data)/2)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(w.Data[i*2:])).Float32()
		}
		return values, nil
	}
	return nil, fmt.Errorf("cannot read %s weights as floats", w.Type)
}

// IntValues decodes the payload as int64 values.
func (w Weights) IntValues() ([]int64, error) {
	if w.Type != Int32 {
		return nil, fmt.Errorf("cannot read %s weights as ints", w.Type)
	}
	if len(w.Data)%4 != 0 {
		return nil, fmt.Errorf("int32 weights payload of %d bytes is not a multiple of 4", len(w.Data))
	}
	values := make([]int64, len(w.Data)/4)
	for i := range values {
		values[i] = int64(int32(binary.LittleEndian.Uint32(w.Data[i*4:])))
	}
	return values, nil
}
