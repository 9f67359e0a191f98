// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"fmt"
	"strings"

	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/pkg/errors"
)

// ProducerName is stamped on models created by MakeModel.
const ProducerName = "caffe2onnx"

// MakeModel wraps the graph in a model envelope with IRVersion and the given operator sets.
func MakeModel(graph *Graph, opsets ...OperatorSetID) *Model {
	return &Model{
		IRVersion:    IRVersion,
		ProducerName: ProducerName,
		OpsetImports: append([]OperatorSetID{}, opsets...),
		Graph:        graph,
	}
}

// MakeNode creates a node with the given attributes.
func MakeNode(opType string, inputs, outputs []string, name string, attrs ...*Attribute) *Node {
	return &Node{
		OpType:     opType,
		Inputs:     append([]string{}, inputs...),
		Outputs:    append([]string{}, outputs...),
		Name:       name,
		Attributes: attrs,
	}
}

// MakeTensorValueInfo creates the ValueInfo of a tensor. If dims is nil the shape is left unknown;
// negative dimensions are unknown dimensions.
func MakeTensorValueInfo(name string, elemType DataType, dims []int64) *ValueInfo {
	tt := &TensorTypeProto{ElemType: elemType}
	if dims != nil {
		tt.Shape = &TensorShape{Dims: make([]Dimension, len(dims))}
		for ii, dim := range dims {
			if dim < 0 {
				dim = -1
			}
			tt.Shape.Dims[ii] = Dimension{Value: dim}
		}
	}
	return &ValueInfo{Name: name, Type: &TypeProto{TensorType: tt}}
}

// MakeValueInfoFromShape creates the ValueInfo of a tensor of the given shape.
// Names of unknown dimensions are kept as symbolic dimensions.
func MakeValueInfoFromShape(name string, shape shapes.Shape) (*ValueInfo, error) {
	elemType, err := FromDType(shape.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "value %q", name)
	}
	vi := MakeTensorValueInfo(name, elemType, shape.Int64s())
	for axis := range shape.Dimensions {
		if shape.Dimensions[axis] == shapes.UnknownDim {
			vi.Type.TensorType.Shape.Dims[axis].Param = shape.DimName(axis)
		}
	}
	return vi, nil
}

// HasShape returns whether the value info has a tensor type with a known rank.
func (vi *ValueInfo) HasShape() bool {
	return vi.Type != nil && vi.Type.TensorType != nil && vi.Type.TensorType.Shape != nil
}

// Shape converts the tensor type of the value info to a shapes.Shape. It fails if the value
// is not a tensor or its rank is not known.
func (vi *ValueInfo) Shape() (shapes.Shape, error) {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return shapes.Invalid(), errors.Errorf("value %q has no tensor type", vi.Name)
	}
	dtype, err := vi.Type.TensorType.ElemType.DType()
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "value %q", vi.Name)
	}
	if vi.Type.TensorType.Shape == nil {
		return shapes.Invalid(), errors.Errorf("value %q has unknown rank", vi.Name)
	}
	dims := vi.Type.TensorType.Shape.Dims
	shape := shapes.Shape{DType: dtype, Dimensions: make([]int, len(dims))}
	for ii, dim := range dims {
		if !dim.IsKnown() {
			shape.Dimensions[ii] = shapes.UnknownDim
			if dim.Param != "" {
				if shape.DimNames == nil {
					shape.DimNames = make([]string, len(dims))
				}
				shape.DimNames[ii] = dim.Param
			}
			continue
		}
		shape.Dimensions[ii] = int(dim.Value)
	}
	return shape, nil
}

// String implements fmt.Stringer.
func (vi *ValueInfo) String() string {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return vi.Name + ": ?"
	}
	tt := vi.Type.TensorType
	if tt.Shape == nil {
		return fmt.Sprintf("%s: (%s)[...]", vi.Name, tt.ElemType)
	}
	parts := make([]string, len(tt.Shape.Dims))
	for ii, dim := range tt.Shape.Dims {
		parts[ii] = dim.String()
	}
	return fmt.Sprintf("%s: (%s)[%s]", vi.Name, tt.ElemType, strings.Join(parts, " "))
}

// MakeAttribute creates an attribute from a Go value, inferring its type:
// float32/float64 -> FLOAT, int/int32/int64/bool -> INT, string/[]byte -> STRING,
// *Tensor -> TENSOR, *Graph -> GRAPH, []float32/[]float64 -> FLOATS, []int/[]int32/[]int64 -> INTS,
// []string -> STRINGS, []*Tensor -> TENSORS, []*Graph -> GRAPHS.
func MakeAttribute(name string, value any) (*Attribute, error) {
	a := &Attribute{Name: name}
	switch v := value.(type) {
	case float32:
		a.Type, a.F = AttributeFloat, v
	case float64:
		a.Type, a.F = AttributeFloat, float32(v)
	case int:
		a.Type, a.I = AttributeInt, int64(v)
	case int32:
		a.Type, a.I = AttributeInt, int64(v)
	case int64:
		a.Type, a.I = AttributeInt, v
	case bool:
		a.Type = AttributeInt
		if v {
			a.I = 1
		}
	case string:
		a.Type, a.S = AttributeString, []byte(v)
	case []byte:
		a.Type, a.S = AttributeString, v
	case *Tensor:
		a.Type, a.T = AttributeTensor, v
	case *Graph:
		a.Type, a.G = AttributeGraph, v
	case []float32:
		a.Type, a.Floats = AttributeFloats, append([]float32{}, v...)
	case []float64:
		a.Type = AttributeFloats
		a.Floats = make([]float32, len(v))
		for ii, x := range v {
			a.Floats[ii] = float32(x)
		}
	case []int:
		a.Type = AttributeInts
		a.Ints = make([]int64, len(v))
		for ii, x := range v {
			a.Ints[ii] = int64(x)
		}
	case []int32:
		a.Type = AttributeInts
		a.Ints = make([]int64, len(v))
		for ii, x := range v {
			a.Ints[ii] = int64(x)
		}
	case []int64:
		a.Type, a.Ints = AttributeInts, append([]int64{}, v...)
	case []string:
		a.Type = AttributeStrings
		a.Strings = make([][]byte, len(v))
		for ii, s := range v {
			a.Strings[ii] = []byte(s)
		}
	case []*Tensor:
		a.Type, a.Tensors = AttributeTensors, v
	case []*Graph:
		a.Type, a.Graphs = AttributeGraphs, v
	default:
		return nil, errors.Errorf("attribute %q: values of type %T are not supported", name, value)
	}
	return a, nil
}

// AttrInt creates an INT attribute.
func AttrInt(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: v}
}

// AttrInts creates an INTS attribute.
func AttrInts(name string, v []int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInts, Ints: append([]int64{}, v...)}
}

// AttrFloat creates a FLOAT attribute.
func AttrFloat(name string, v float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: v}
}

// AttrString creates a STRING attribute.
func AttrString(name string, v string) *Attribute {
	return &Attribute{Name: name, Type: AttributeString, S: []byte(v)}
}

// AttrTensor creates a TENSOR attribute.
func AttrTensor(name string, t *Tensor) *Attribute {
	return &Attribute{Name: name, Type: AttributeTensor, T: t}
}

// Value returns the Go value of the attribute: float32, int64, string, *Tensor, *Graph,
// []float32, []int64, []string, []*Tensor or []*Graph.
func (a *Attribute) Value() any {
	switch a.Type {
	case AttributeFloat:
		return a.F
	case AttributeInt:
		return a.I
	case AttributeString:
		return string(a.S)
	case AttributeTensor:
		return a.T
	case AttributeGraph:
		return a.G
	case AttributeFloats:
		return a.Floats
	case AttributeInts:
		return a.Ints
	case AttributeStrings:
		values := make([]string, len(a.Strings))
		for ii, s := range a.Strings {
			values[ii] = string(s)
		}
		return values
	case AttributeTensors:
		return a.Tensors
	case AttributeGraphs:
		return a.Graphs
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (a *Attribute) String() string {
	switch a.Type {
	case AttributeString:
		return fmt.Sprintf("%s=%q", a.Name, a.S)
	case AttributeTensor:
		if a.T == nil {
			return a.Name + "=<nil tensor>"
		}
		return fmt.Sprintf("%s=<tensor %s %v>", a.Name, a.T.DataType, a.T.Dims)
	case AttributeGraph:
		return a.Name + "=<graph>"
	default:
		return fmt.Sprintf("%s=%v", a.Name, a.Value())
	}
}
