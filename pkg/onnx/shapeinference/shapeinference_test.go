// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func inferOne(t *testing.T, node *onnx.Node, inputs ...shapes.Shape) shapes.Shape {
	outputs, err := InferNode(node, inputs, nil)
	require.NoError(t, err)
	require.Len(t, outputs, len(node.Outputs))
	return outputs[0]
}

func TestConvAndPool(t *testing.T) {
	conv := onnx.MakeNode("Conv", []string{"x", "w"}, []string{"y"}, "",
		onnx.AttrInts("kernel_shape", []int64{3, 3}),
		onnx.AttrInts("strides", []int64{1, 1}),
		onnx.AttrInts("pads", []int64{1, 1, 1, 1}))
	assert.Equal(t, []int{1, 64, 224, 224}, inferOne(t, conv, f32(1, 3, 224, 224), f32(64, 3, 3, 3)).Dimensions)

	// Strided, no padding, unknown batch.
	conv = onnx.MakeNode("Conv", []string{"x", "w", "b"}, []string{"y"}, "",
		onnx.AttrInts("strides", []int64{4, 4}))
	assert.Equal(t, []int{shapes.UnknownDim, 96, 55, 55},
		inferOne(t, conv, f32(-1, 3, 227, 227), f32(96, 3, 11, 11), f32(96)).Dimensions)

	// Grouped convolution with mismatched channels.
	conv = onnx.MakeNode("Conv", []string{"x", "w"}, []string{"y"}, "", onnx.AttrInt("group", 2))
	_, err := InferNode(conv, []shapes.Shape{f32(1, 6, 8, 8), f32(4, 2, 3, 3)}, nil)
	require.ErrorIs(t, err, ErrInference)

	// Caffe style pooling with ceil rounding expressed as explicit end padding.
	pool := onnx.MakeNode("MaxPool", []string{"x"}, []string{"y"}, "",
		onnx.AttrInts("kernel_shape", []int64{3, 3}),
		onnx.AttrInts("strides", []int64{2, 2}),
		onnx.AttrInts("pads", []int64{0, 0, 1, 1}))
	assert.Equal(t, []int{1, 96, 27, 27}, inferOne(t, pool, f32(1, 96, 54, 54)).Dimensions)

	pool.SetAttribute(onnx.AttrInt("ceil_mode", 1))
	pool.SetAttribute(onnx.AttrInts("pads", []int64{0, 0, 0, 0}))
	assert.Equal(t, []int{1, 96, 27, 27}, inferOne(t, pool, f32(1, 96, 54, 54)).Dimensions)

	pool = onnx.MakeNode("AveragePool", []string{"x"}, []string{"y"}, "",
		onnx.AttrInts("kernel_shape", []int64{2, 2}), onnx.AttrString("auto_pad", "SAME_UPPER"),
		onnx.AttrInts("strides", []int64{2, 2}))
	assert.Equal(t, []int{1, 8, 4, 4}, inferOne(t, pool, f32(1, 8, 7, 7)).Dimensions)

	global := onnx.MakeNode("GlobalAveragePool", []string{"x"}, []string{"y"}, "")
	assert.Equal(t, []int{1, 8, 1, 1}, inferOne(t, global, f32(1, 8, 7, 7)).Dimensions)

	deconv := onnx.MakeNode("ConvTranspose", []string{"x", "w"}, []string{"y"}, "",
		onnx.AttrInts("strides", []int64{2, 2}), onnx.AttrInts("pads", []int64{1, 1, 1, 1}))
	assert.Equal(t, []int{1, 16, 14, 14}, inferOne(t, deconv, f32(1, 8, 7, 7), f32(8, 16, 4, 4)).Dimensions)
}

func TestGemmFlattenReshape(t *testing.T) {
	gemm := onnx.MakeNode("Gemm", []string{"a", "b", "c"}, []string{"y"}, "", onnx.AttrInt("transB", 1))
	assert.Equal(t, []int{2, 10}, inferOne(t, gemm, f32(2, 4096), f32(10, 4096), f32(10)).Dimensions)
	_, err := InferNode(gemm, []shapes.Shape{f32(2, 4096), f32(10, 4095), f32(10)}, nil)
	require.ErrorIs(t, err, ErrInference)

	flatten := onnx.MakeNode("Flatten", []string{"x"}, []string{"y"}, "", onnx.AttrInt("axis", 1))
	assert.Equal(t, []int{2, 256 * 6 * 6}, inferOne(t, flatten, f32(2, 256, 6, 6)).Dimensions)
	assert.Equal(t, []int{shapes.UnknownDim, 36}, inferOne(t, flatten, f32(-1, 1, 6, 6)).Dimensions)

	reshape := onnx.MakeNode("Reshape", []string{"x", "shape"}, []string{"y"}, "")
	target := onnx.MakeTensor("shape", []int64{3}, []int64{0, -1, 4})
	outputs, err := InferNode(reshape, []shapes.Shape{f32(2, 3, 8), shapes.Make(dtypes.Int64, 3)}, []*onnx.Tensor{nil, target})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6, 4}, outputs[0].Dimensions)

	_, err = InferNode(reshape, []shapes.Shape{f32(2, 3, 8), shapes.Make(dtypes.Int64, 3)}, nil)
	require.ErrorIs(t, err, ErrInference)

	matmul := onnx.MakeNode("MatMul", []string{"a", "b"}, []string{"y"}, "")
	assert.Equal(t, []int{5, 2, 7}, inferOne(t, matmul, f32(5, 2, 3), f32(3, 7)).Dimensions)
	assert.Equal(t, []int{2}, inferOne(t, matmul, f32(2, 3), f32(3)).Dimensions)
}

func TestConcatAndAxes(t *testing.T) {
	concat := onnx.MakeNode("Concat", []string{"a", "b"}, []string{"y"}, "", onnx.AttrInt("axis", 1))
	assert.Equal(t, []int{1, 96, 8, 8}, inferOne(t, concat, f32(1, 64, 8, 8), f32(1, 32, 8, 8)).Dimensions)
	_, err := InferNode(concat, []shapes.Shape{f32(1, 64, 8, 8), f32(1, 32, 4, 8)}, nil)
	require.ErrorIs(t, err, ErrInference)

	unsqueeze := onnx.MakeNode("Unsqueeze", []string{"x"}, []string{"y"}, "", onnx.AttrInts("axes", []int64{1, 2}))
	assert.Equal(t, []int{64, 1, 1}, inferOne(t, unsqueeze, f32(64)).Dimensions)

	squeeze := onnx.MakeNode("Squeeze", []string{"x"}, []string{"y"}, "", onnx.AttrInts("axes", []int64{-1}))
	assert.Equal(t, []int{4, 3}, inferOne(t, squeeze, f32(4, 3, 1)).Dimensions)

	transpose := onnx.MakeNode("Transpose", []string{"x"}, []string{"y"}, "", onnx.AttrInts("perm", []int64{0, 2, 3, 1}))
	assert.Equal(t, []int{1, 8, 8, 3}, inferOne(t, transpose, f32(1, 3, 8, 8)).Dimensions)

	shapeNode := onnx.MakeNode("Shape", []string{"x"}, []string{"y"}, "")
	assert.True(t, inferOne(t, shapeNode, f32(1, 3, 8, 8)).Equal(shapes.Make(dtypes.Int64, 4)))
}

func TestBroadcast(t *testing.T) {
	s, err := Broadcast(f32(1, 64, 8, 8), f32(64, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 64, 8, 8}, s.Dimensions)

	s, err = Broadcast(f32(-1, 10), f32(1, 10), f32(10))
	require.NoError(t, err)
	assert.Equal(t, []int{shapes.UnknownDim, 10}, s.Dimensions)

	_, err = Broadcast(f32(2, 3), f32(4, 3))
	require.ErrorIs(t, err, ErrInference)

	dropout := onnx.MakeNode("Dropout", []string{"x"}, []string{"y", "mask"}, "")
	outputs, err := InferNode(dropout, []shapes.Shape{f32(2, 3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Bool, outputs[1].DType)

	_, err = InferNode(onnx.MakeNode("SpatialBN", []string{"x"}, []string{"y"}, ""), []shapes.Shape{f32(2, 3)}, nil)
	require.ErrorIs(t, err, ErrInference)
}

func TestInferShapes(t *testing.T) {
	input := onnx.MakeTensorValueInfo("data", onnx.DataTypeFloat, []int64{-1, 3, 8, 8})
	input.Type.TensorType.Shape.Dims[0].Param = "batch"
	graph := &onnx.Graph{
		Name: "Graph",
		Nodes: []*onnx.Node{
			onnx.MakeNode("Conv", []string{"data", "w"}, []string{"conv"}, "",
				onnx.AttrInts("kernel_shape", []int64{3, 3}), onnx.AttrInts("pads", []int64{1, 1, 1, 1})),
			onnx.MakeNode("Relu", []string{"conv"}, []string{"relu"}, ""),
			onnx.MakeNode("Shape", []string{"relu"}, []string{"relu_shape"}, ""),
			onnx.MakeNode("Flatten", []string{"relu"}, []string{"flat"}, ""),
		},
		Initializers: []*onnx.Tensor{onnx.MakeTensor("w", []int64{4, 3, 3, 3}, make([]float32, 4*3*3*3))},
		Inputs:       []*onnx.ValueInfo{input},
		Outputs:      []*onnx.ValueInfo{{Name: "flat"}},
	}
	model := onnx.MakeModel(graph, onnx.OperatorSetID{Version: onnx.DefaultOpsetVersion})
	require.NoError(t, InferShapes(model))

	require.Len(t, graph.ValueInfo, 3)
	conv, err := graph.FindValueInfo("conv").Shape()
	require.NoError(t, err)
	assert.Equal(t, []int{shapes.UnknownDim, 4, 8, 8}, conv.Dimensions)

	flat, err := graph.Outputs[0].Shape()
	require.NoError(t, err)
	assert.Equal(t, []int{shapes.UnknownDim, 256}, flat.Dimensions)

	// Declared output shape incompatible with the inferred one.
	graph.Outputs[0] = onnx.MakeTensorValueInfo("flat", onnx.DataTypeFloat, []int64{1, 100})
	require.ErrorIs(t, InferShapes(model), ErrInference)

	// Unsupported operator.
	graph.Outputs[0] = &onnx.ValueInfo{Name: "flat"}
	graph.Nodes[1].OpType = "Frobnicate"
	require.ErrorIs(t, InferShapes(model), ErrInference)
}
