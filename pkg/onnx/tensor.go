// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"bytes"
	"encoding/binary"

	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is an ONNX TensorProto: a constant value, used for initializers and tensor attributes.
//
// The values are either in RawData (little-endian) or in the typed field ONNX assigns to DataType:
//
//   - FloatData: FLOAT (and COMPLEX64).
//   - Int32Data: INT32, INT16, INT8, UINT16, UINT8, BOOL and FLOAT16/BFLOAT16 (as bits).
//   - Int64Data: INT64.
//   - DoubleData: DOUBLE (and COMPLEX128).
//   - Uint64Data: UINT32, UINT64.
//   - StringData: STRING.
type Tensor struct {
	Dims       []int64
	DataType   DataType
	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	Name       string
	RawData    []byte
	DoubleData []float64
	Uint64Data []uint64
	DocString  string
}

// TensorElement are the Go types that can be stored in a Tensor with MakeTensor.
type TensorElement interface {
	float32 | float64 | float16.Float16 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | bool
}

// MakeTensor creates a tensor with the given values, stored in the typed field ONNX uses for T.
// It doesn't check that len(values) matches dims.
func MakeTensor[T TensorElement](name string, dims []int64, values []T) *Tensor {
	t := &Tensor{Name: name, Dims: append([]int64{}, dims...)}
	switch v := any(values).(type) {
	case []float32:
		t.DataType = DataTypeFloat
		t.FloatData = append([]float32{}, v...)
	case []float64:
		t.DataType = DataTypeDouble
		t.DoubleData = append([]float64{}, v...)
	case []int64:
		t.DataType = DataTypeInt64
		t.Int64Data = append([]int64{}, v...)
	case []int32:
		t.DataType = DataTypeInt32
		t.Int32Data = append([]int32{}, v...)
	case []float16.Float16:
		t.DataType = DataTypeFloat16
		t.Int32Data = widenToInt32(v, func(x float16.Float16) int32 { return int32(x.Bits()) })
	case []int8:
		t.DataType = DataTypeInt8
		t.Int32Data = widenToInt32(v, func(x int8) int32 { return int32(x) })
	case []int16:
		t.DataType = DataTypeInt16
		t.Int32Data = widenToInt32(v, func(x int16) int32 { return int32(x) })
	case []uint8:
		t.DataType = DataTypeUint8
		t.Int32Data = widenToInt32(v, func(x uint8) int32 { return int32(x) })
	case []uint16:
		t.DataType = DataTypeUint16
		t.Int32Data = widenToInt32(v, func(x uint16) int32 { return int32(x) })
	case []bool:
		t.DataType = DataTypeBool
		t.Int32Data = widenToInt32(v, func(x bool) int32 {
			if x {
				return 1
			}
			return 0
		})
	case []uint32:
		t.DataType = DataTypeUint32
		t.Uint64Data = make([]uint64, len(v))
		for ii, x := range v {
			t.Uint64Data[ii] = uint64(x)
		}
	case []uint64:
		t.DataType = DataTypeUint64
		t.Uint64Data = append([]uint64{}, v...)
	}
	return t
}

func widenToInt32[T any](values []T, conv func(T) int32) []int32 {
	out := make([]int32, len(values))
	for ii, v := range values {
		out[ii] = conv(v)
	}
	return out
}

// Shape returns the shape of the tensor.
func (t *Tensor) Shape() (shapes.Shape, error) {
	dtype, err := t.DataType.DType()
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "tensor %q", t.Name)
	}
	return shapes.FromDims(dtype, t.Dims), nil
}

// NumElements is the number of elements described by Dims: 1 for scalars.
func (t *Tensor) NumElements() int {
	n := 1
	for _, dim := range t.Dims {
		n *= int(dim)
	}
	return n
}

// NumStoredElements returns the number of elements actually stored in the tensor,
// either in RawData or in the typed field used by its DataType.
func (t *Tensor) NumStoredElements() (int, error) {
	if len(t.RawData) > 0 {
		if t.DataType == DataTypeString {
			return 0, errors.Errorf("tensor %q: STRING tensors cannot use raw_data", t.Name)
		}
		dtype, err := t.DataType.DType()
		if err != nil {
			return 0, errors.WithMessagef(err, "tensor %q", t.Name)
		}
		size := int(dtype.Memory())
		if dtype == dtypes.Bool {
			size = 1
		}
		if len(t.RawData)%size != 0 {
			return 0, errors.Errorf("tensor %q: raw_data with %d bytes is not a multiple of the %s size %d",
				t.Name, len(t.RawData), t.DataType, size)
		}
		return len(t.RawData) / size, nil
	}
	switch t.DataType {
	case DataTypeFloat:
		return len(t.FloatData), nil
	case DataTypeComplex64:
		return len(t.FloatData) / 2, nil
	case DataTypeDouble:
		return len(t.DoubleData), nil
	case DataTypeComplex128:
		return len(t.DoubleData) / 2, nil
	case DataTypeInt64:
		return len(t.Int64Data), nil
	case DataTypeInt32, DataTypeInt16, DataTypeInt8, DataTypeUint16, DataTypeUint8, DataTypeBool,
		DataTypeFloat16, DataTypeBFloat16:
		return len(t.Int32Data), nil
	case DataTypeUint32, DataTypeUint64:
		return len(t.Uint64Data), nil
	case DataTypeString:
		return len(t.StringData), nil
	default:
		return 0, errors.Errorf("tensor %q has invalid data type %s", t.Name, t.DataType)
	}
}

// FlatData decodes the values of the tensor into a Go slice of the corresponding type:
// []float32, []float64, []float16.Float16, []int8, []int16, []int32, []int64, []uint8, []uint16,
// []uint32, []uint64, []bool or, for STRING tensors, [][]byte.
//
// BFLOAT16 and complex tensors are not supported.
func (t *Tensor) FlatData() (any, error) {
	n, err := t.NumStoredElements()
	if err != nil {
		return nil, err
	}
	if len(t.RawData) > 0 {
		return t.decodeRawData(n)
	}
	switch t.DataType {
	case DataTypeFloat:
		return t.FloatData, nil
	case DataTypeDouble:
		return t.DoubleData, nil
	case DataTypeInt64:
		return t.Int64Data, nil
	case DataTypeInt32:
		return t.Int32Data, nil
	case DataTypeFloat16:
		return narrowInt32(t.Int32Data, func(x int32) float16.Float16 { return float16.Frombits(uint16(x)) }), nil
	case DataTypeInt8:
		return narrowInt32(t.Int32Data, func(x int32) int8 { return int8(x) }), nil
	case DataTypeInt16:
		return narrowInt32(t.Int32Data, func(x int32) int16 { return int16(x) }), nil
	case DataTypeUint8:
		return narrowInt32(t.Int32Data, func(x int32) uint8 { return uint8(x) }), nil
	case DataTypeUint16:
		return narrowInt32(t.Int32Data, func(x int32) uint16 { return uint16(x) }), nil
	case DataTypeBool:
		return narrowInt32(t.Int32Data, func(x int32) bool { return x != 0 }), nil
	case DataTypeUint32:
		out := make([]uint32, len(t.Uint64Data))
		for ii, x := range t.Uint64Data {
			out[ii] = uint32(x)
		}
		return out, nil
	case DataTypeUint64:
		return t.Uint64Data, nil
	case DataTypeString:
		return t.StringData, nil
	default:
		return nil, errors.Errorf("tensor %q: decoding of %s values is not supported", t.Name, t.DataType)
	}
}

func narrowInt32[T any](values []int32, conv func(int32) T) []T {
	out := make([]T, len(values))
	for ii, v := range values {
		out[ii] = conv(v)
	}
	return out
}

func (t *Tensor) decodeRawData(n int) (any, error) {
	var dst any
	switch t.DataType {
	case DataTypeFloat:
		dst = make([]float32, n)
	case DataTypeDouble:
		dst = make([]float64, n)
	case DataTypeInt64:
		dst = make([]int64, n)
	case DataTypeInt32:
		dst = make([]int32, n)
	case DataTypeInt16:
		dst = make([]int16, n)
	case DataTypeInt8:
		dst = make([]int8, n)
	case DataTypeUint8:
		dst = make([]uint8, n)
	case DataTypeUint16, DataTypeFloat16:
		dst = make([]uint16, n)
	case DataTypeUint32:
		dst = make([]uint32, n)
	case DataTypeUint64:
		dst = make([]uint64, n)
	case DataTypeBool:
		dst = make([]bool, n)
	default:
		return nil, errors.Errorf("tensor %q: decoding of %s raw_data is not supported", t.Name, t.DataType)
	}
	if err := binary.Read(bytes.NewReader(t.RawData), binary.LittleEndian, dst); err != nil {
		return nil, errors.Wrapf(err, "tensor %q: failed to decode raw_data", t.Name)
	}
	if t.DataType == DataTypeFloat16 {
		bits := dst.([]uint16)
		values := make([]float16.Float16, len(bits))
		for ii, b := range bits {
			values[ii] = float16.Frombits(b)
		}
		return values, nil
	}
	return dst, nil
}

// Int64s returns the values of an integer tensor converted to int64. Used for tensors holding
// shapes or axes.
func (t *Tensor) Int64s() ([]int64, error) {
	data, err := t.FlatData()
	if err != nil {
		return nil, err
	}
	switch v := data.(type) {
	case []int64:
		return v, nil
	case []int32:
		return widenToInt64(v), nil
	case []int16:
		return widenToInt64(v), nil
	case []int8:
		return widenToInt64(v), nil
	case []uint8:
		return widenToInt64(v), nil
	case []uint16:
		return widenToInt64(v), nil
	case []uint32:
		return widenToInt64(v), nil
	case []uint64:
		return widenToInt64(v), nil
	default:
		return nil, errors.Errorf("tensor %q of type %s is not an integer tensor", t.Name, t.DataType)
	}
}

func widenToInt64[T int8 | int16 | int32 | uint8 | uint16 | uint32 | uint64](values []T) []int64 {
	out := make([]int64, len(values))
	for ii, v := range values {
		out[ii] = int64(v)
	}
	return out
}
