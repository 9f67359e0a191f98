// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func buildConvModel() *Model {
	input := MakeTensorValueInfo("data", DataTypeFloat, []int64{1, 3, 224, 224})
	input.Type.TensorType.Shape.Dims[0] = Dimension{Value: -1, Param: "batch"}
	weights := MakeTensor("conv1_w", []int64{8, 3, 3, 3}, make([]float32, 8*3*3*3))
	conv := MakeNode("Conv", []string{"data", "conv1_w"}, []string{"conv1"}, "conv1",
		AttrInts("kernel_shape", []int64{3, 3}),
		AttrInts("pads", []int64{1, 1, 1, 1}),
		AttrString("auto_pad", "NOTSET"),
		AttrFloat("alpha", 0.5),
		AttrInt("group", 1))
	graph := &Graph{
		Name:         "net",
		Nodes:        []*Node{conv},
		Initializers: []*Tensor{weights},
		Inputs:       []*ValueInfo{input, MakeTensorValueInfo("conv1_w", DataTypeFloat, []int64{8, 3, 3, 3})},
		Outputs:      []*ValueInfo{MakeTensorValueInfo("conv1", DataTypeFloat, nil)},
	}
	return MakeModel(graph, OperatorSetID{Version: DefaultOpsetVersion})
}

func TestModelCodec(t *testing.T) {
	model := buildConvModel()
	decoded, err := Unmarshal(model.Marshal())
	require.NoError(t, err)

	assert.Equal(t, int64(IRVersion), decoded.IRVersion)
	assert.Equal(t, ProducerName, decoded.ProducerName)
	assert.Equal(t, int64(11), decoded.Opset(""))
	assert.Equal(t, int64(11), decoded.Opset("ai.onnx"))
	assert.Equal(t, int64(0), decoded.Opset("com.microsoft"))

	g := decoded.Graph
	require.NotNil(t, g)
	assert.Equal(t, "net", g.Name)
	require.Len(t, g.Nodes, 1)
	node := g.Nodes[0]
	assert.Equal(t, "Conv", node.OpType)
	assert.Equal(t, []string{"data", "conv1_w"}, node.Inputs)
	assert.Equal(t, []int64{3, 3}, node.Attribute("kernel_shape").Ints)
	assert.Equal(t, []int64{1, 1, 1, 1}, node.Attribute("pads").Ints)
	assert.Equal(t, "NOTSET", node.Attribute("auto_pad").Value())
	assert.Equal(t, float32(0.5), node.Attribute("alpha").Value())
	assert.Equal(t, int64(1), node.Attribute("group").Value())
	assert.Nil(t, node.Attribute("strides"))

	require.Len(t, g.Initializers, 1)
	assert.Equal(t, []int64{8, 3, 3, 3}, g.Initializers[0].Dims)
	assert.Len(t, g.Initializers[0].FloatData, 8*3*3*3)
	assert.Equal(t, []string{"data"}, g.NonInitializerInputs())

	inputShape, err := g.FindValueInfo("data").Shape()
	require.NoError(t, err)
	assert.Equal(t, []int{shapes.UnknownDim, 3, 224, 224}, inputShape.Dimensions)
	assert.Equal(t, "batch", inputShape.DimName(0))
	assert.Equal(t, "data: (FLOAT)[batch 3 224 224]", g.Inputs[0].String())

	assert.False(t, g.Outputs[0].HasShape())
	_, err = g.Outputs[0].Shape()
	require.Error(t, err)
}

func TestSaveAndReadFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, buildConvModel().SaveToFile(filePath))
	model, err := ReadFile(filePath)
	require.NoError(t, err)
	require.Equal(t, "net", model.Graph.Name)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
}

func TestTensorFlatData(t *testing.T) {
	// Typed fields.
	tensor := MakeTensor("x", []int64{2}, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)})
	require.Equal(t, DataTypeFloat16, tensor.DataType)
	data, err := tensor.FlatData()
	require.NoError(t, err)
	values := data.([]float16.Float16)
	require.Equal(t, float32(1.5), values[0].Float32())
	require.Equal(t, float32(-2), values[1].Float32())

	tensor = MakeTensor("mask", []int64{3}, []bool{true, false, true})
	data, err = tensor.FlatData()
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, data)

	// Raw data.
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(3))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-1))
	tensor = &Tensor{Name: "raw", DataType: DataTypeFloat, Dims: []int64{2}, RawData: raw}
	n, err := tensor.NumStoredElements()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	data, err = tensor.FlatData()
	require.NoError(t, err)
	require.Equal(t, []float32{3, -1}, data)

	tensor = &Tensor{Name: "bad", DataType: DataTypeFloat, Dims: []int64{2}, RawData: raw[:7]}
	_, err = tensor.FlatData()
	require.Error(t, err)

	// Integer conversions.
	tensor = MakeTensor("shape", []int64{2}, []int32{1, -1})
	ints, err := tensor.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{1, -1}, ints)
	_, err = MakeTensor("f", []int64{1}, []float32{1}).Int64s()
	require.Error(t, err)

	shape, err := MakeTensor("w", []int64{2, 3}, make([]float64, 6)).Shape()
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Make(dtypes.Float64, 2, 3)))
}

func TestMakeAttribute(t *testing.T) {
	attr, err := MakeAttribute("axes", []int{0, 2})
	require.NoError(t, err)
	require.Equal(t, AttributeInts, attr.Type)
	require.Equal(t, []int64{0, 2}, attr.Ints)

	attr, err = MakeAttribute("mode", "constant")
	require.NoError(t, err)
	require.Equal(t, "mode=\"constant\"", attr.String())

	attr, err = MakeAttribute("is_test", true)
	require.NoError(t, err)
	require.Equal(t, int64(1), attr.Value())

	attr, err = MakeAttribute("names", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, attr.Value())

	_, err = MakeAttribute("bad", map[string]int{})
	require.Error(t, err)

	node := MakeNode("Relu", []string{"x"}, []string{"y"}, "")
	node.SetAttribute(AttrInt("a", 1))
	node.SetAttribute(AttrInt("a", 2))
	require.Len(t, node.Attributes, 1)
	require.Equal(t, int64(2), node.Attribute("a").I)
	require.NotNil(t, node.RemoveAttribute("a"))
	require.Nil(t, node.RemoveAttribute("a"))
	require.Equal(t, "Relu(x) -> (y)", node.String())
}

func TestDataTypes(t *testing.T) {
	for _, dt := range []DataType{DataTypeFloat, DataTypeDouble, DataTypeInt64, DataTypeFloat16, DataTypeBool} {
		dtype, err := dt.DType()
		require.NoError(t, err)
		back, err := FromDType(dtype)
		require.NoError(t, err)
		require.Equal(t, dt, back)
	}
	_, err := DataTypeString.DType()
	require.Error(t, err)
	require.False(t, DataType(99).IsValid())
	require.Equal(t, "DataType(99)", DataType(99).String())
}
