// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"slices"

	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// renamedOperators maps Caffe2 operator types to the ONNX ones, when they differ.
var renamedOperators = map[string]string{
	"SpatialBN":       "BatchNormalization",
	"Conv1D":          "Conv",
	"Conv2D":          "Conv",
	"Conv3D":          "Conv",
	"ConvTranspose1D": "ConvTranspose",
	"ConvTranspose2D": "ConvTranspose",
	"ConvTranspose3D": "ConvTranspose",
	"MaxPool1D":       "MaxPool",
	"MaxPool2D":       "MaxPool",
	"MaxPool3D":       "MaxPool",
	"AveragePool1D":   "AveragePool",
	"AveragePool2D":   "AveragePool",
	"AveragePool3D":   "AveragePool",
	"Copy":            "Identity",
}

// renamedArgs maps Caffe2 argument names to ONNX attribute names for all operators.
var renamedArgs = map[string]string{
	"kernels": "kernel_shape",
}

// perOpRenamedArgs are argument renames of specific (ONNX) operators; they take precedence over renamedArgs.
var perOpRenamedArgs = map[string]map[string]string{
	"Squeeze":       {"dims": "axes"},
	"Unsqueeze":     {"dims": "axes"},
	"Transpose":     {"axes": "perm"},
	"ConvTranspose": {"adjs": "output_padding"},
	"Selu":          {"scale": "gamma"},
}

// Arguments without ONNX counterpart. They are dropped if their value is one of the listed ones, otherwise the
// conversion fails.
var (
	blacklistedStringArgs = map[string][]string{
		"order": {"NCHW"},
	}
	blacklistedIntArgs = map[string][]int64{
		"cudnn_exhaustive_search": {0, 1},
		"exhaustive_search":       {0, 1},
		"use_cudnn":               {0, 1},
		"is_test":                 {0, 1},
		"broadcast":               {0, 1},
	}
)

type opConverter func(b *builder, op *caffe2.OperatorDef)

// converters holds the operators that need more than renaming, keyed by ONNX operator type.
var converters map[string]opConverter

func init() {
	converters = map[string]opConverter{
		"Add":           (*builder).convertBinaryElementwise,
		"Sub":           (*builder).convertBinaryElementwise,
		"Mul":           (*builder).convertBinaryElementwise,
		"Div":           (*builder).convertBinaryElementwise,
		"Pow":           (*builder).convertBinaryElementwise,
		"Conv":          (*builder).convertConvPool,
		"ConvTranspose": (*builder).convertConvPool,
		"MaxPool":       (*builder).convertConvPool,
		"AveragePool":   (*builder).convertConvPool,
		"FC":            (*builder).convertFC,
		"Concat":        (*builder).convertConcat,
		"LRN":           (*builder).convertLRN,
		"Reshape":       (*builder).convertReshape,
	}
}

// onnxOpType returns the ONNX operator type of a Caffe2 operator.
func onnxOpType(caffe2Type string) string {
	if renamed, found := renamedOperators[caffe2Type]; found {
		return renamed
	}
	return caffe2Type
}

// convertOperator appends the ONNX nodes (and constants) equivalent to op. It panics on errors.
func (b *builder) convertOperator(op *caffe2.OperatorDef) {
	if converter, found := converters[onnxOpType(op.Type)]; found {
		converter(b, op)
		return
	}
	b.emit(b.commonNode(op))
}

// commonNode converts op by renaming its type and arguments; it doesn't emit it.
func (b *builder) commonNode(op *caffe2.OperatorDef) *onnx.Node {
	opType := onnxOpType(op.Type)
	node := onnx.MakeNode(opType, op.Inputs, op.Outputs, op.Name)
	for _, arg := range op.Args {
		if attr := argToAttribute(opType, arg); attr != nil {
			node.Attributes = append(node.Attributes, attr)
		}
	}
	return node
}

// argToAttribute converts a Caffe2 argument to an ONNX attribute, or returns nil if the argument is dropped.
func argToAttribute(opType string, arg *caffe2.Argument) *onnx.Attribute {
	if allowed, found := blacklistedStringArgs[arg.Name]; found {
		if arg.S == nil || !slices.Contains(allowed, *arg.S) {
			panic(errors.Wrapf(ErrUnsupported, "argument %s=%v, only %q are supported", arg.Name, arg.Value(), allowed))
		}
		return nil
	}
	if allowed, found := blacklistedIntArgs[arg.Name]; found {
		if arg.I == nil || !slices.Contains(allowed, *arg.I) {
			panic(errors.Wrapf(ErrUnsupported, "argument %s=%v, only %v are supported", arg.Name, arg.Value(), allowed))
		}
		return nil
	}
	name := arg.Name
	if renamed, found := renamedArgs[name]; found {
		name = renamed
	}
	if renamed, found := perOpRenamedArgs[opType][arg.Name]; found {
		name = renamed
	}
	value := arg.Value()
	if value == nil {
		exceptions.Panicf("argument %q has no value", arg.Name)
	}
	attr, err := onnx.MakeAttribute(name, value)
	if err != nil {
		panic(err)
	}
	return attr
}

// withoutArgs returns a shallow copy of op without the named arguments.
func withoutArgs(op *caffe2.OperatorDef, names ...string) *caffe2.OperatorDef {
	newOp := *op
	newOp.Args = slices.DeleteFunc(slices.Clone(op.Args), func(arg *caffe2.Argument) bool {
		return slices.Contains(names, arg.Name)
	})
	return &newOp
}

func argInt(op *caffe2.OperatorDef, name string, defaultValue int64) (value int64, found bool) {
	arg := op.Arg(name)
	if arg == nil {
		return defaultValue, false
	}
	if arg.I == nil {
		exceptions.Panicf("argument %q must be an integer, got %v", name, arg.Value())
	}
	return *arg.I, true
}

// convertBinaryElementwise handles the legacy broadcast form (arguments "broadcast" and "axis"): the second
// operand is aligned to the first starting at axis, which in ONNX (numpy) broadcasting requires unsqueezing
// its trailing axes.
func (b *builder) convertBinaryElementwise(op *caffe2.OperatorDef) {
	if len(op.Inputs) != 2 {
		exceptions.Panicf("%s requires 2 inputs, got %v", op.Type, op.Inputs)
	}
	axis, hasAxis := argInt(op, "axis", 0)
	node := b.commonNode(withoutArgs(op, "broadcast", "axis"))
	if hasAxis {
		xRank, yRank := int64(b.shapeOf(op.Inputs[0]).Rank()), int64(b.shapeOf(op.Inputs[1]).Rank())
		if axis < 0 {
			axis += xRank
		}
		if xRank-axis != yRank {
			endDim := yRank - 1 - axis + xRank
			var axes []int64
			for ii := yRank; ii < endDim; ii++ {
				axes = append(axes, ii)
			}
			unsqueezed := b.dummyName()
			b.emit(onnx.MakeNode("Unsqueeze", []string{op.Inputs[1]}, []string{unsqueezed}, "", onnx.AttrInts("axes", axes)))
			node.Inputs[1] = unsqueezed
		}
	}
	b.emit(node)
}

// foldWindowAttr replaces the per-axis attributes of convolutions and pooling ("<key>_h"/"<key>_w", or
// "<key>_t"/"<key>_l"/"<key>_b"/"<key>_r" for pads) or the scalar "<key>" by the ONNX list attribute.
// For global pooling the attributes are dropped.
func foldWindowAttr(node *onnx.Node, global bool, key string, numValues int, onnxName string) {
	var suffixes []string
	if numValues == 2 {
		suffixes = []string{"_h", "_w"}
	} else {
		suffixes = []string{"_t", "_l", "_b", "_r"}
	}
	allSet := true
	for _, suffix := range suffixes {
		allSet = allSet && node.Attribute(key+suffix) != nil
	}
	var values []int64
	switch {
	case allSet:
		for _, suffix := range suffixes {
			values = append(values, node.RemoveAttribute(key+suffix).I)
		}
	case node.Attribute(key) != nil:
		value := node.RemoveAttribute(key).I
		for range numValues {
			values = append(values, value)
		}
	}
	if len(values) > 0 && !global {
		node.SetAttribute(onnx.AttrInts(onnxName, values))
	}
}

// convertConvPool folds the window arguments, handles global pooling and converts legacy padding.
func (b *builder) convertConvPool(op *caffe2.OperatorDef) {
	node := b.commonNode(op)
	global := false
	if node.OpType == "MaxPool" || node.OpType == "AveragePool" {
		if attr := node.RemoveAttribute("global_pooling"); attr != nil && attr.I != 0 {
			node.OpType = "Global" + node.OpType
			global = true
		}
	}
	foldWindowAttr(node, global, "kernel", 2, "kernel_shape")
	foldWindowAttr(node, global, "stride", 2, "strides")
	foldWindowAttr(node, global, "dilation", 2, "dilations")
	foldWindowAttr(node, global, "adj", 2, "output_padding")
	foldWindowAttr(node, global, "pad", 4, "pads")
	if global {
		for _, name := range []string{"kernel_shape", "strides", "dilations", "pads"} {
			node.RemoveAttribute(name)
		}
	}

	if attr := node.RemoveAttribute("legacy_pad"); attr != nil && !global {
		switch attr.I {
		case caffe2.LegacyPadNotSet:
		case caffe2.LegacyPadValid:
			if node.Attribute("pads") != nil {
				exceptions.Panicf("legacy_pad VALID can't be used with explicit pads")
			}
			node.SetAttribute(onnx.AttrString("auto_pad", "VALID"))
		case caffe2.LegacyPadSame:
			if node.Attribute("pads") != nil {
				exceptions.Panicf("legacy_pad SAME can't be used with explicit pads")
			}
			node.SetAttribute(onnx.AttrString("auto_pad", "SAME_UPPER"))
		case caffe2.LegacyPadCaffePooling:
			if node.OpType != "MaxPool" && node.OpType != "AveragePool" {
				panic(errors.Wrapf(ErrUnsupported, "legacy_pad CAFFE_LEGACY_POOLING in %s", node.OpType))
			}
			b.convertCaffeLegacyPooling(node)
		default:
			panic(errors.Wrapf(ErrUnsupported, "legacy_pad=%d", attr.I))
		}
	}
	b.emit(node)
}

// convertCaffeLegacyPooling replaces Caffe's pooling output size (rounded up) by explicit end pads.
//
// If the spatial dimensions of the input are not known, ceil_mode is used instead.
func (b *builder) convertCaffeLegacyPooling(node *onnx.Node) {
	input := b.shapeOf(node.Inputs[0])
	if input.Rank() != 4 {
		exceptions.Panicf("legacy pooling requires a 4D input, got %s", input)
	}
	kernel := attrIntsOr(node, "kernel_shape", nil)
	if len(kernel) != 2 {
		exceptions.Panicf("legacy pooling requires a 2D kernel_shape, got %v", kernel)
	}
	strides := attrIntsOr(node, "strides", []int64{1, 1})
	pads := attrIntsOr(node, "pads", []int64{0, 0, 0, 0})
	if input.Dimensions[2] == shapes.UnknownDim || input.Dimensions[3] == shapes.UnknownDim {
		klog.Warningf("converting Caffe legacy pooling of %q with unknown spatial dimensions %s to ceil_mode", node.Inputs[0], input)
		node.SetAttribute(onnx.AttrInt("ceil_mode", 1))
		return
	}
	klog.Warningf("converting Caffe legacy pooling padding of %q to explicit padding", node.Inputs[0])
	for axis := range 2 {
		in := int64(input.Dimensions[axis+2])
		pads[axis+2] = legacyPoolingEndPad(in, kernel[axis], strides[axis], pads[axis])
	}
	node.SetAttribute(onnx.AttrInts("pads", pads))
}

// legacyPoolingEndPad returns the end padding that makes the standard (rounded down) pooling output size
// equal to Caffe's, which is rounded up, except that the last window must start inside the input (or the
// begin padding).
//
// The padding is the one of the Caffe2 ONNX exporter, outCaffe*stride - pad - 1 + kernel - in, limited to
// kernel-1: ONNX requires pads smaller than the kernel, and the extra padding is never reached by a window.
func legacyPoolingEndPad(in, kernel, stride, pad int64) int64 {
	caffe := (in+2*pad-kernel+stride-1)/stride + 1
	if pad > 0 && (caffe-1)*stride >= in+pad {
		caffe--
	}
	if standard := (in+2*pad-kernel)/stride + 1; caffe < standard {
		exceptions.Panicf("legacy pooling output size %d smaller than the standard %d", caffe, standard)
	}
	return min(caffe*stride-pad-1+kernel-in, kernel-1)
}

func attrIntsOr(node *onnx.Node, name string, defaultValue []int64) []int64 {
	if attr := node.Attribute(name); attr != nil {
		return slices.Clone(attr.Ints)
	}
	return defaultValue
}

// convertFC converts a fully connected layer to Gemm(transB=1), flattening the input and weights to 2D
// when needed.
func (b *builder) convertFC(op *caffe2.OperatorDef) {
	if len(op.Inputs) != 3 || len(op.Outputs) < 1 {
		exceptions.Panicf("FC requires 3 inputs and an output, got %v -> %v", op.Inputs, op.Outputs)
	}
	x, w, bias := op.Inputs[0], op.Inputs[1], op.Inputs[2]
	y := op.Outputs[0]
	xShape, wShape := b.shapeOf(x), b.shapeOf(w)
	if xShape.Rank() < 2 || wShape.Rank() < 2 {
		exceptions.Panicf("FC requires inputs and weights of rank >= 2, got %s and %s", xShape, wShape)
	}
	axis, _ := argInt(op, "axis", 1)
	axisW, _ := argInt(op, "axis_w", 1)

	if xShape.Rank() > 2 {
		flat := b.dummyName()
		b.emit(onnx.MakeNode("Flatten", []string{x}, []string{flat}, "", onnx.AttrInt("axis", axis)))
		x = flat
	}
	if wShape.Rank() > 2 {
		flat := b.dummyName()
		b.emit(onnx.MakeNode("Flatten", []string{w}, []string{flat}, "", onnx.AttrInt("axis", axisW)))
		w = flat
	}
	if axis <= 1 {
		b.emit(onnx.MakeNode("Gemm", []string{x, w, bias}, []string{y}, op.Name, onnx.AttrInt("transB", 1)))
		return
	}

	// The outer axes of the input are kept in the output.
	outerDims := xShape.Int64s()[:axis]
	if slices.Contains(outerDims, int64(shapes.UnknownDim)) {
		panic(errors.Wrapf(ErrUnsupported, "FC with axis=%d and unknown outer dimensions %s", axis, xShape))
	}
	gemmOutput := b.dummyName()
	b.emit(onnx.MakeNode("Gemm", []string{x, w, bias}, []string{gemmOutput}, op.Name, onnx.AttrInt("transB", 1)))
	outputDims := append(outerDims, int64(b.shapeOf(gemmOutput).Dimensions[1]))
	b.emit(onnx.MakeNode("Reshape", []string{gemmOutput, b.shapeConstant(outputDims)}, []string{y}, ""))
}

// convertConcat sets the axis (1 unless given), and replaces the optional second output (split_info, the
// size of each input along the axis) by a Constant node.
func (b *builder) convertConcat(op *caffe2.OperatorDef) {
	if addAxis, _ := argInt(op, "add_axis", 0); addAxis != 0 {
		panic(errors.Wrapf(ErrUnsupported, "Concat with add_axis=%d", addAxis))
	}
	axis, hasAxis := argInt(op, "axis", 1)
	if orderArg := op.Arg("order"); orderArg != nil && orderArg.S != nil && *orderArg.S == "NHWC" {
		if !hasAxis {
			axis = 3
		}
		op = withoutArgs(op, "order")
	}
	node := b.commonNode(withoutArgs(op, "add_axis", "axis"))
	node.SetAttribute(onnx.AttrInt("axis", axis))

	var splitInfoOutput string
	if len(node.Outputs) == 2 {
		splitInfoOutput = node.Outputs[1]
		node.Outputs = node.Outputs[:1]
	}
	b.emit(node)
	if splitInfoOutput == "" {
		return
	}

	rank := b.shapeOf(node.Inputs[0]).Rank()
	canonicalAxis := int(axis)
	if canonicalAxis < 0 {
		canonicalAxis += rank
	}
	if canonicalAxis < 0 || canonicalAxis >= rank {
		exceptions.Panicf("Concat axis %d out of range for rank %d", axis, rank)
	}
	splitInfo := make([]int32, len(node.Inputs))
	for ii, input := range node.Inputs {
		dim := b.shapeOf(input).Dimensions[canonicalAxis]
		if dim == shapes.UnknownDim {
			exceptions.Panicf("Concat split_info requires known dimensions, %q has shape %s", input, b.shapeOf(input))
		}
		splitInfo[ii] = int32(dim)
	}
	value := onnx.MakeTensor("split_info", []int64{int64(len(splitInfo))}, splitInfo)
	b.emit(onnx.MakeNode("Constant", nil, []string{splitInfoOutput}, "", onnx.AttrTensor("value", value)))
}

// convertLRN drops the optional second output (the scale).
func (b *builder) convertLRN(op *caffe2.OperatorDef) {
	node := b.commonNode(op)
	if len(node.Outputs) == 2 {
		node.Outputs = node.Outputs[:1]
	}
	b.emit(node)
}

// convertReshape moves the "shape" argument to a constant input, and replaces the optional second output
// (the old shape) by a Shape node.
func (b *builder) convertReshape(op *caffe2.OperatorDef) {
	node := b.commonNode(op)
	if attr := node.RemoveAttribute("shape"); attr != nil {
		node.Inputs = append(node.Inputs, b.shapeConstant(attr.Ints))
	}
	var oldShapeOutput string
	if len(node.Outputs) == 2 {
		oldShapeOutput = node.Outputs[1]
		node.Outputs = node.Outputs[:1]
	}
	b.emit(node)
	if oldShapeOutput != "" {
		b.emit(onnx.MakeNode("Shape", []string{node.Inputs[0]}, []string{oldShapeOutput}, ""))
	}
}
