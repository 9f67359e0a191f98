// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checker

import (
	"math"

	"github.com/gomlx/caffe2onnx/pkg/onnx"
)

// Unbounded is used as the maximum number of inputs or outputs of variadic operators.
const Unbounded = math.MaxInt

// Schema describes an operator of the default ONNX domain, as defined at onnx.DefaultOpsetVersion.
// Models importing older versions of the default domain are checked against the same definitions.
type Schema struct {
	OpType string

	MinInputs, MaxInputs   int
	MinOutputs, MaxOutputs int

	Attributes map[string]AttributeSpec
}

// AttributeSpec describes one attribute of an operator.
type AttributeSpec struct {
	Type     onnx.AttributeType
	Required bool
}

var (
	optInt     = AttributeSpec{Type: onnx.AttributeInt}
	optInts    = AttributeSpec{Type: onnx.AttributeInts}
	optFloat   = AttributeSpec{Type: onnx.AttributeFloat}
	optString  = AttributeSpec{Type: onnx.AttributeString}
	reqInt     = AttributeSpec{Type: onnx.AttributeInt, Required: true}
	reqInts    = AttributeSpec{Type: onnx.AttributeInts, Required: true}
	convAttrs  = map[string]AttributeSpec{"auto_pad": optString, "dilations": optInts, "group": optInt, "kernel_shape": optInts, "pads": optInts, "strides": optInts}
	noAttrs    = map[string]AttributeSpec{}
	alphaAttrs = map[string]AttributeSpec{"alpha": optFloat}
)

func unary(opType string) *Schema {
	return &Schema{OpType: opType, MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1, Attributes: noAttrs}
}

func binary(opType string) *Schema {
	return &Schema{OpType: opType, MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1, Attributes: noAttrs}
}

func variadic(opType string) *Schema {
	return &Schema{OpType: opType, MinInputs: 1, MaxInputs: Unbounded, MinOutputs: 1, MaxOutputs: 1, Attributes: noAttrs}
}

func withAttrs(s *Schema, attrs map[string]AttributeSpec) *Schema {
	s.Attributes = attrs
	return s
}

// schemas of the default domain.
var schemas = map[string]*Schema{}

func init() {
	for _, s := range []*Schema{
		{OpType: "Conv", MinInputs: 2, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1, Attributes: convAttrs},
		{OpType: "ConvTranspose", MinInputs: 2, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"auto_pad": optString, "dilations": optInts, "group": optInt,
				"kernel_shape": optInts, "output_padding": optInts, "output_shape": optInts, "pads": optInts, "strides": optInts}},
		{OpType: "MaxPool", MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 2,
			Attributes: map[string]AttributeSpec{"auto_pad": optString, "ceil_mode": optInt, "dilations": optInts,
				"kernel_shape": reqInts, "pads": optInts, "storage_order": optInt, "strides": optInts}},
		{OpType: "AveragePool", MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"auto_pad": optString, "ceil_mode": optInt, "count_include_pad": optInt,
				"kernel_shape": reqInts, "pads": optInts, "strides": optInts}},
		unary("GlobalMaxPool"),
		unary("GlobalAveragePool"),
		{OpType: "Gemm", MinInputs: 2, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"alpha": optFloat, "beta": optFloat, "transA": optInt, "transB": optInt}},
		binary("MatMul"),
		withAttrs(unary("Flatten"), map[string]AttributeSpec{"axis": optInt}),
		binary("Reshape"),
		unary("Shape"),
		{OpType: "Constant", MinInputs: 0, MaxInputs: 0, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"value": {Type: onnx.AttributeTensor, Required: true}}},
		{OpType: "Concat", MinInputs: 1, MaxInputs: Unbounded, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"axis": reqInt}},
		withAttrs(unary("Unsqueeze"), map[string]AttributeSpec{"axes": reqInts}),
		withAttrs(unary("Squeeze"), map[string]AttributeSpec{"axes": optInts}),
		withAttrs(unary("Transpose"), map[string]AttributeSpec{"perm": optInts}),
		withAttrs(unary("Cast"), map[string]AttributeSpec{"to": reqInt}),
		unary("Relu"),
		withAttrs(unary("LeakyRelu"), alphaAttrs),
		withAttrs(unary("Elu"), alphaAttrs),
		unary("Sigmoid"),
		unary("Tanh"),
		unary("Abs"),
		unary("Exp"),
		unary("Log"),
		unary("Sqrt"),
		unary("Neg"),
		unary("Reciprocal"),
		unary("Floor"),
		unary("Ceil"),
		unary("Softplus"),
		unary("Identity"),
		binary("PRelu"),
		{OpType: "LRN", MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"alpha": optFloat, "beta": optFloat, "bias": optFloat, "size": reqInt}},
		withAttrs(unary("Softmax"), map[string]AttributeSpec{"axis": optInt}),
		withAttrs(unary("LogSoftmax"), map[string]AttributeSpec{"axis": optInt}),
		{OpType: "Dropout", MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 2,
			Attributes: map[string]AttributeSpec{"ratio": optFloat}},
		{OpType: "BatchNormalization", MinInputs: 5, MaxInputs: 5, MinOutputs: 1, MaxOutputs: 5,
			Attributes: map[string]AttributeSpec{"epsilon": optFloat, "momentum": optFloat}},
		{OpType: "Clip", MinInputs: 1, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1, Attributes: noAttrs},
		{OpType: "Pad", MinInputs: 2, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1,
			Attributes: map[string]AttributeSpec{"mode": optString}},
		binary("Add"),
		binary("Sub"),
		binary("Mul"),
		binary("Div"),
		binary("Pow"),
		variadic("Sum"),
		variadic("Max"),
		variadic("Min"),
		variadic("Mean"),
	} {
		schemas[s.OpType] = s
	}
}

// LookupSchema returns the schema of the operator of the default domain, or nil if it is not known.
func LookupSchema(opType string) *Schema {
	return schemas[opType]
}
