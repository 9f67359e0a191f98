// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe2

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/pkg/errors"
)

// TensorInfo is the element type and shape of a tensor.
type TensorInfo struct {
	ElemType onnx.DataType
	Shape    []int64
}

// ValueInfo maps the names of the network inputs to their type and shape.
//
// Its JSON form maps each name to a pair "[elem_type, [dims...]]", where elem_type is an ONNX data type number.
type ValueInfo map[string]TensorInfo

// MarshalJSON implements json.Marshaler, encoding the info as the pair [elem_type, shape].
func (info TensorInfo) MarshalJSON() ([]byte, error) {
	shape := info.Shape
	if shape == nil {
		shape = []int64{}
	}
	return json.Marshal([]any{int32(info.ElemType), shape})
}

// UnmarshalJSON implements json.Unmarshaler.
func (info *TensorInfo) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "value info must be a pair [elem_type, shape]")
	}
	if len(pair) != 2 {
		return errors.Errorf("value info must be a pair [elem_type, shape], got %d elements", len(pair))
	}
	var elemType int32
	if err := json.Unmarshal(pair[0], &elemType); err != nil {
		return errors.Wrap(err, "invalid value info elem_type")
	}
	var shape []int64
	if err := json.Unmarshal(pair[1], &shape); err != nil {
		return errors.Wrap(err, "invalid value info shape")
	}
	info.ElemType = onnx.DataType(elemType)
	info.Shape = shape
	return nil
}

// ParseValueInfo parses the JSON form of the value info.
func ParseValueInfo(contents []byte) (ValueInfo, error) {
	var vi ValueInfo
	if err := json.Unmarshal(contents, &vi); err != nil {
		return nil, errors.Wrap(err, "failed to parse value info JSON")
	}
	if vi == nil {
		return nil, errors.New("value info JSON must be an object")
	}
	return vi, nil
}

// JSON returns the JSON form of the value info, indented for readability.
func (vi ValueInfo) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(vi, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode value info")
	}
	return data, nil
}

// Names returns the sorted names in the value info.
func (vi ValueInfo) Names() []string {
	return slices.Sorted(maps.Keys(vi))
}
