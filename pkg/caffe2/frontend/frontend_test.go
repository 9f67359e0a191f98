// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"testing"

	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/onnx/checker"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(opType string, inputs, outputs []string, args ...*caffe2.Argument) *caffe2.OperatorDef {
	return &caffe2.OperatorDef{Type: opType, Inputs: inputs, Outputs: outputs, Args: args}
}

func fill(name string, dims ...int64) *caffe2.OperatorDef {
	size := int64(1)
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32(ii) / 10
	}
	return op("GivenTensorFill", nil, []string{name},
		caffe2.MakeArgument("shape", dims), caffe2.MakeArgument("values", values))
}

func findNode(t *testing.T, g *onnx.Graph, output string) *onnx.Node {
	for _, node := range g.Nodes {
		for _, o := range node.Outputs {
			if o == output {
				return node
			}
		}
	}
	t.Fatalf("no node produces %q", output)
	return nil
}

func TestSSARewrite(t *testing.T) {
	net := &caffe2.NetDef{
		ExternalInputs:  []string{"data", "w"},
		ExternalOutputs: []string{"conv"},
		Ops: []*caffe2.OperatorDef{
			op("Conv", []string{"data", "w"}, []string{"conv"}),
			op("Relu", []string{"conv"}, []string{"conv"}),
			op("Sigmoid", []string{"conv"}, []string{"sig"}),
		},
	}
	rewritten := ssaRewrite(net)
	assert.Equal(t, []string{"conv_1"}, rewritten.Ops[0].Outputs)
	assert.Equal(t, []string{"conv_1"}, rewritten.Ops[1].Inputs)
	assert.Equal(t, []string{"conv_2"}, rewritten.Ops[1].Outputs)
	assert.Equal(t, []string{"conv_2"}, rewritten.Ops[2].Inputs)
	assert.Equal(t, []string{"sig"}, rewritten.Ops[2].Outputs)
	assert.Equal(t, []string{"data", "w"}, rewritten.Ops[0].Inputs)
	assert.Equal(t, []string{"conv_2"}, rewritten.ExternalOutputs)

	// The original network is not modified.
	assert.Equal(t, []string{"conv"}, net.Ops[1].Outputs)
	assert.Equal(t, []string{"conv"}, net.ExternalOutputs)
}

func TestInitNet(t *testing.T) {
	initNet := &caffe2.NetDef{Ops: []*caffe2.OperatorDef{
		fill("b", 2),
		fill("a", 2, 3),
		op("GivenTensorInt64Fill", nil, []string{"ints"},
			caffe2.MakeArgument("shape", []int64{2}), caffe2.MakeArgument("values", []int64{7, 8})),
		op("ConstantFill", nil, []string{"zeros"},
			caffe2.MakeArgument("shape", []int64{3}), caffe2.MakeArgument("value", float32(0.5))),
	}}
	initializers := must.M1(initNetToInitializers(initNet))
	var names []string
	for _, init := range initializers {
		names = append(names, init.Name)
	}
	require.Equal(t, []string{"a", "b", "ints", "zeros"}, names)
	assert.Equal(t, []int64{2, 3}, initializers[0].Dims)
	assert.Len(t, initializers[0].FloatData, 6)
	assert.Equal(t, onnx.DataTypeInt64, initializers[2].DataType)
	assert.Equal(t, []int64{7, 8}, initializers[2].Int64Data)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, initializers[3].FloatData)

	_, err := initNetToInitializers(&caffe2.NetDef{Ops: []*caffe2.OperatorDef{op("Relu", []string{"x"}, []string{"y"})}})
	require.ErrorIs(t, err, ErrUnsupported)

	bad := fill("a", 2, 3)
	bad.Args[0] = caffe2.MakeArgument("shape", []int64{4})
	_, err = initNetToInitializers(&caffe2.NetDef{Ops: []*caffe2.OperatorDef{bad}})
	require.Error(t, err)
}

// classifierNets returns a small classifier: Conv -> Relu (in-place) -> MaxPool (Caffe legacy padding) -> FC -> Softmax.
func classifierNets() (predict, initNet *caffe2.NetDef, valueInfo caffe2.ValueInfo) {
	predict = &caffe2.NetDef{
		Name:            "classifier",
		ExternalInputs:  []string{"data", "conv_w", "conv_b", "fc_w", "fc_b"},
		ExternalOutputs: []string{"prob"},
		Ops: []*caffe2.OperatorDef{
			op("Conv", []string{"data", "conv_w", "conv_b"}, []string{"conv"},
				caffe2.MakeArgument("stride", 1), caffe2.MakeArgument("pad", 1), caffe2.MakeArgument("kernel", 3),
				caffe2.MakeArgument("order", "NCHW"), caffe2.MakeArgument("exhaustive_search", 0)),
			op("Relu", []string{"conv"}, []string{"conv"}),
			op("MaxPool", []string{"conv"}, []string{"pool"},
				caffe2.MakeArgument("stride", 2), caffe2.MakeArgument("pad", 0), caffe2.MakeArgument("kernel", 3),
				caffe2.MakeArgument("order", "NCHW"), caffe2.MakeArgument("legacy_pad", caffe2.LegacyPadCaffePooling)),
			op("FC", []string{"pool", "fc_w", "fc_b"}, []string{"fc"}),
			op("Softmax", []string{"fc"}, []string{"prob"}),
		},
	}
	initNet = &caffe2.NetDef{Ops: []*caffe2.OperatorDef{
		fill("conv_w", 2, 3, 3, 3),
		fill("conv_b", 2),
		fill("fc_w", 10, 32),
		fill("fc_b", 10),
	}}
	valueInfo = caffe2.ValueInfo{"data": {ElemType: onnx.DataTypeFloat, Shape: []int64{1, 3, 8, 8}}}
	return
}

func TestCaffe2NetToONNXGraph(t *testing.T) {
	predict, initNet, valueInfo := classifierNets()
	g := must.M1(Caffe2NetToONNXGraph(predict, initNet, valueInfo))
	assert.Equal(t, "classifier", g.Name)

	var opTypes []string
	for _, node := range g.Nodes {
		opTypes = append(opTypes, node.OpType)
	}
	assert.Equal(t, []string{"Conv", "Relu", "MaxPool", "Flatten", "Gemm", "Softmax"}, opTypes)

	var inputs []string
	for _, vi := range g.Inputs {
		inputs = append(inputs, vi.Name)
	}
	assert.Equal(t, predict.ExternalInputs, inputs)
	assert.Equal(t, []string{"conv_b", "conv_w", "fc_b", "fc_w"}, []string{
		g.Initializers[0].Name, g.Initializers[1].Name, g.Initializers[2].Name, g.Initializers[3].Name})
	assert.Equal(t, []string{"data"}, g.NonInitializerInputs())

	conv := findNode(t, g, "conv_1")
	assert.Nil(t, conv.Attribute("order"))
	assert.Nil(t, conv.Attribute("exhaustive_search"))
	assert.Equal(t, []int64{3, 3}, conv.Attribute("kernel_shape").Ints)
	assert.Equal(t, []int64{1, 1}, conv.Attribute("strides").Ints)
	assert.Equal(t, []int64{1, 1, 1, 1}, conv.Attribute("pads").Ints)

	relu := findNode(t, g, "conv_2")
	assert.Equal(t, []string{"conv_1"}, relu.Inputs)

	// Caffe pooling of 8 with kernel 3 and stride 2 has 4 outputs, the standard floor rounding 3.
	pool := findNode(t, g, "pool")
	assert.Equal(t, []int64{0, 0, 2, 2}, pool.Attribute("pads").Ints)
	assert.Nil(t, pool.Attribute("legacy_pad"))

	gemm := findNode(t, g, "fc")
	assert.Equal(t, int64(1), gemm.Attribute("transB").I)
	assert.Equal(t, DummyPrefix+"0", gemm.Inputs[0])

	require.Len(t, g.Outputs, 1)
	assert.Equal(t, "prob", g.Outputs[0].Name)
	outputShape := must.M1(g.Outputs[0].Shape())
	assert.Equal(t, dtypes.Float32, outputShape.DType)
	assert.Equal(t, []int{1, 10}, outputShape.Dimensions)

	model := onnx.MakeModel(g, onnx.OperatorSetID{Version: onnx.DefaultOpsetVersion})
	require.NoError(t, checker.CheckModel(model))

	// Inputs are not modified.
	assert.Equal(t, []string{"conv"}, predict.Ops[1].Outputs)
}

func TestCaffe2NetToONNXGraphErrors(t *testing.T) {
	predict, initNet, _ := classifierNets()
	_, err := Caffe2NetToONNXGraph(predict, initNet, nil)
	require.ErrorContains(t, err, "data")

	predict, initNet, valueInfo := classifierNets()
	predict.Ops[0].Args = append(predict.Ops[0].Args, caffe2.MakeArgument("use_cudnn", 2))
	_, err = Caffe2NetToONNXGraph(predict, initNet, valueInfo)
	require.ErrorIs(t, err, ErrUnsupported)

	predict, initNet, valueInfo = classifierNets()
	predict.Ops[0].Args[3] = caffe2.MakeArgument("order", "NHWC")
	_, err = Caffe2NetToONNXGraph(predict, initNet, valueInfo)
	require.True(t, errors.Is(err, ErrUnsupported))

	// Outputs not produced by any node are dropped.
	predict, initNet, valueInfo = classifierNets()
	predict.ExternalOutputs = append(predict.ExternalOutputs, "missing")
	g := must.M1(Caffe2NetToONNXGraph(predict, initNet, valueInfo))
	require.Len(t, g.Outputs, 1)
}

func TestConvertOperators(t *testing.T) {
	valueInfo := caffe2.ValueInfo{
		"x":     {ElemType: onnx.DataTypeFloat, Shape: []int64{1, 4, 6, 6}},
		"y":     {ElemType: onnx.DataTypeFloat, Shape: []int64{1, 2, 6, 6}},
		"scale": {ElemType: onnx.DataTypeFloat, Shape: []int64{4}},
	}
	predict := &caffe2.NetDef{
		Name:            "ops",
		ExternalInputs:  []string{"x", "y", "scale"},
		ExternalOutputs: []string{"flat", "split", "old_shape", "lrn", "gpool"},
		Ops: []*caffe2.OperatorDef{
			op("Mul", []string{"x", "scale"}, []string{"scaled"},
				caffe2.MakeArgument("axis", 1), caffe2.MakeArgument("broadcast", 1)),
			op("Concat", []string{"scaled", "y"}, []string{"concat", "split"}, caffe2.MakeArgument("order", "NCHW")),
			op("Reshape", []string{"concat"}, []string{"flat", "old_shape"}, caffe2.MakeArgument("shape", []int64{1, -1})),
			op("LRN", []string{"concat"}, []string{"lrn", "lrn_scale"},
				caffe2.MakeArgument("size", 5), caffe2.MakeArgument("alpha", 0.0001), caffe2.MakeArgument("beta", 0.75),
				caffe2.MakeArgument("bias", 1.0), caffe2.MakeArgument("order", "NCHW")),
			op("AveragePool", []string{"concat"}, []string{"gpool"},
				caffe2.MakeArgument("global_pooling", 1), caffe2.MakeArgument("kernel", 0),
				caffe2.MakeArgument("legacy_pad", caffe2.LegacyPadCaffePooling)),
		},
	}
	g := must.M1(Caffe2NetToONNXGraph(predict, nil, valueInfo))

	unsqueeze := findNode(t, g, DummyPrefix+"0")
	assert.Equal(t, "Unsqueeze", unsqueeze.OpType)
	assert.Equal(t, []string{"scale"}, unsqueeze.Inputs)
	assert.Equal(t, []int64{1, 2}, unsqueeze.Attribute("axes").Ints)
	mul := findNode(t, g, "scaled")
	assert.Equal(t, []string{"x", DummyPrefix + "0"}, mul.Inputs)
	assert.Empty(t, mul.Attributes)

	concat := findNode(t, g, "concat")
	assert.Equal(t, []string{"concat"}, concat.Outputs)
	assert.Equal(t, int64(1), concat.Attribute("axis").I)
	split := findNode(t, g, "split")
	assert.Equal(t, "Constant", split.OpType)
	assert.Equal(t, []int32{4, 2}, split.Attribute("value").T.Int32Data)

	reshape := findNode(t, g, "flat")
	require.Len(t, reshape.Inputs, 2)
	assert.Nil(t, reshape.Attribute("shape"))
	assert.Equal(t, []int64{1, -1}, g.Initializer(reshape.Inputs[1]).Int64Data)
	oldShape := findNode(t, g, "old_shape")
	assert.Equal(t, "Shape", oldShape.OpType)
	assert.Equal(t, []string{"concat"}, oldShape.Inputs)

	lrn := findNode(t, g, "lrn")
	assert.Equal(t, []string{"lrn"}, lrn.Outputs)
	assert.Nil(t, lrn.Attribute("order"))
	assert.Equal(t, int64(5), lrn.Attribute("size").I)

	gpool := findNode(t, g, "gpool")
	assert.Equal(t, "GlobalAveragePool", gpool.OpType)
	assert.Empty(t, gpool.Attributes)

	require.Len(t, g.Outputs, 5)
	flatShape := must.M1(g.Outputs[0].Shape())
	assert.Equal(t, []int{1, 6 * 6 * 6}, flatShape.Dimensions)

	model := onnx.MakeModel(g, onnx.OperatorSetID{Version: onnx.DefaultOpsetVersion})
	require.NoError(t, checker.CheckModel(model))
}

func TestLegacyPoolingEndPad(t *testing.T) {
	assert.Equal(t, int64(2), legacyPoolingEndPad(54, 3, 2, 0))
	assert.Equal(t, int64(2), legacyPoolingEndPad(7, 3, 2, 1))
	assert.Equal(t, int64(1), legacyPoolingEndPad(7, 3, 2, 0))
	assert.Equal(t, int64(1), legacyPoolingEndPad(8, 2, 2, 0))
	// outCaffe*stride - pad - 1 + kernel - in = 2 is limited to kernel-1.
	assert.Equal(t, int64(1), legacyPoolingEndPad(7, 2, 2, 0))

	// The output size with the end padding and floor rounding matches Caffe's, and pads stay smaller
	// than the kernel.
	for _, tc := range [][4]int64{{7, 2, 2, 0}, {7, 3, 2, 1}, {13, 3, 2, 0}, {14, 3, 3, 1}, {112, 3, 2, 0}, {6, 3, 1, 1}} {
		in, kernel, stride, pad := tc[0], tc[1], tc[2], tc[3]
		caffe := (in+2*pad-kernel+stride-1)/stride + 1
		if pad > 0 && (caffe-1)*stride >= in+pad {
			caffe--
		}
		endPad := legacyPoolingEndPad(in, kernel, stride, pad)
		assert.Less(t, endPad, kernel, "case %v", tc)
		assert.Equal(t, caffe, (in+pad+endPad-kernel)/stride+1, "case %v", tc)
	}
}

func TestLegacyPoolingPadsBelowKernel(t *testing.T) {
	predict := &caffe2.NetDef{
		Name:            "pool",
		ExternalInputs:  []string{"x"},
		ExternalOutputs: []string{"y"},
		Ops: []*caffe2.OperatorDef{
			op("MaxPool", []string{"x"}, []string{"y"},
				caffe2.MakeArgument("stride", 2), caffe2.MakeArgument("pad", 0), caffe2.MakeArgument("kernel", 2),
				caffe2.MakeArgument("legacy_pad", caffe2.LegacyPadCaffePooling)),
		},
	}
	valueInfo := caffe2.ValueInfo{"x": {ElemType: onnx.DataTypeFloat, Shape: []int64{1, 1, 7, 7}}}
	g := must.M1(Caffe2NetToONNXGraph(predict, nil, valueInfo))
	pool := findNode(t, g, "y")
	assert.Equal(t, []int64{2, 2}, pool.Attribute("kernel_shape").Ints)
	assert.Equal(t, []int64{0, 0, 1, 1}, pool.Attribute("pads").Ints)
	output := must.M1(g.Outputs[0].Shape())
	assert.Equal(t, []int{1, 1, 4, 4}, output.Dimensions)
}

func TestLegacyPoolingUnknownDims(t *testing.T) {
	predict := &caffe2.NetDef{
		Name:            "pool",
		ExternalInputs:  []string{"x"},
		ExternalOutputs: []string{"y"},
		Ops: []*caffe2.OperatorDef{
			op("MaxPool", []string{"x"}, []string{"y"},
				caffe2.MakeArgument("stride", 2), caffe2.MakeArgument("pad", 0), caffe2.MakeArgument("kernel", 3),
				caffe2.MakeArgument("legacy_pad", caffe2.LegacyPadCaffePooling)),
		},
	}
	valueInfo := caffe2.ValueInfo{"x": {ElemType: onnx.DataTypeFloat, Shape: []int64{1, 3, -1, -1}}}
	g := must.M1(Caffe2NetToONNXGraph(predict, nil, valueInfo))
	pool := findNode(t, g, "y")
	assert.Equal(t, int64(1), pool.Attribute("ceil_mode").I)
	assert.Equal(t, []int64{0, 0, 0, 0}, pool.Attribute("pads").Ints)
}
