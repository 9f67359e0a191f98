// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"slices"

	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

type ruleFn func(node *onnx.Node, inputs []shapes.Shape, consts []*onnx.Tensor) []shapes.Shape

var rules map[string]ruleFn

func init() {
	rules = map[string]ruleFn{
		"Conv":               convRule,
		"ConvTranspose":      convTransposeRule,
		"MaxPool":            poolRule,
		"AveragePool":        poolRule,
		"GlobalMaxPool":      globalPoolRule,
		"GlobalAveragePool":  globalPoolRule,
		"Gemm":               gemmRule,
		"MatMul":             matMulRule,
		"Flatten":            flattenRule,
		"Reshape":            reshapeRule,
		"Shape":              shapeRule,
		"Constant":           constantRule,
		"Concat":             concatRule,
		"Unsqueeze":          unsqueezeRule,
		"Squeeze":            squeezeRule,
		"Transpose":          transposeRule,
		"Cast":               castRule,
		"Dropout":            dropoutRule,
		"BatchNormalization": batchNormRule,
		"Pad":                padRule,
	}
	for _, opType := range []string{"Relu", "LeakyRelu", "Elu", "Sigmoid", "Tanh", "Abs", "Exp", "Log", "Sqrt",
		"Neg", "Reciprocal", "Floor", "Ceil", "Softplus", "Identity", "LRN", "Softmax", "LogSoftmax", "PRelu", "Clip"} {
		rules[opType] = sameAsFirstRule
	}
	for _, opType := range []string{"Add", "Sub", "Mul", "Div", "Pow", "Sum", "Max", "Min", "Mean"} {
		rules[opType] = broadcastRule
	}
}

// HasRule returns whether there is a shape inference rule for the operator of the default domain.
func HasRule(opType string) bool {
	_, found := rules[opType]
	return found
}

func inferNode(node *onnx.Node, inputs []shapes.Shape, consts []*onnx.Tensor) []shapes.Shape {
	if node.Domain != "" && node.Domain != "ai.onnx" {
		exceptions.Panicf("domain %q not supported", node.Domain)
	}
	rule, found := rules[node.OpType]
	if !found {
		exceptions.Panicf("no shape inference rule for operator %q", node.OpType)
	}
	if consts == nil {
		consts = make([]*onnx.Tensor, len(inputs))
	}
	outputs := rule(node, inputs, consts)
	if len(outputs) < len(node.Outputs) {
		exceptions.Panicf("%s produces at most %d outputs, got %d", node.OpType, len(outputs), len(node.Outputs))
	}
	return outputs[:len(node.Outputs)]
}

func attrInt(node *onnx.Node, name string, defaultValue int64) int64 {
	attr := node.Attribute(name)
	if attr == nil {
		return defaultValue
	}
	if attr.Type != onnx.AttributeInt {
		exceptions.Panicf("attribute %q should be INT, got %s", name, attr.Type)
	}
	return attr.I
}

func attrInts(node *onnx.Node, name string, defaultValue []int64) []int64 {
	attr := node.Attribute(name)
	if attr == nil {
		return defaultValue
	}
	if attr.Type != onnx.AttributeInts {
		exceptions.Panicf("attribute %q should be INTS, got %s", name, attr.Type)
	}
	return attr.Ints
}

func attrString(node *onnx.Node, name string, defaultValue string) string {
	attr := node.Attribute(name)
	if attr == nil {
		return defaultValue
	}
	if attr.Type != onnx.AttributeString {
		exceptions.Panicf("attribute %q should be STRING, got %s", name, attr.Type)
	}
	return string(attr.S)
}

func requireInputs(node *onnx.Node, inputs []shapes.Shape, n int) {
	if len(inputs) < n {
		exceptions.Panicf("%s requires at least %d inputs, got %d", node.OpType, n, len(inputs))
	}
	for ii := range n {
		if !inputs[ii].Ok() {
			exceptions.Panicf("%s input #%d has no shape", node.OpType, ii)
		}
	}
}

func repeated(value int64, n int) []int64 {
	return slices.Repeat([]int64{value}, n)
}

func ceilDiv(a, b int) int {
	if a >= 0 {
		return (a + b - 1) / b
	}
	return -((-a) / b)
}

func floorDiv(a, b int) int {
	if a >= 0 {
		return a / b
	}
	return -((-a + b - 1) / b)
}

// windowParams holds the normalized spatial attributes of convolutions and pooling.
type windowParams struct {
	kernel, strides, dilations, pads []int64
	autoPad                          string
	ceilMode                         bool
}

func readWindowParams(node *onnx.Node, spatialRank int, kernel []int64) windowParams {
	p := windowParams{
		kernel:    attrInts(node, "kernel_shape", kernel),
		strides:   attrInts(node, "strides", repeated(1, spatialRank)),
		dilations: attrInts(node, "dilations", repeated(1, spatialRank)),
		pads:      attrInts(node, "pads", repeated(0, 2*spatialRank)),
		autoPad:   attrString(node, "auto_pad", "NOTSET"),
		ceilMode:  attrInt(node, "ceil_mode", 0) != 0,
	}
	if len(p.kernel) != spatialRank {
		exceptions.Panicf("kernel_shape %v doesn't match the %d spatial dimensions", p.kernel, spatialRank)
	}
	if len(p.strides) != spatialRank || len(p.dilations) != spatialRank {
		exceptions.Panicf("strides %v or dilations %v don't match the %d spatial dimensions", p.strides, p.dilations, spatialRank)
	}
	if len(p.pads) != 2*spatialRank {
		exceptions.Panicf("pads %v should have %d values", p.pads, 2*spatialRank)
	}
	for ii := range spatialRank {
		if p.strides[ii] <= 0 || p.dilations[ii] <= 0 || p.kernel[ii] <= 0 {
			exceptions.Panicf("kernel_shape %v, strides %v and dilations %v must be positive", p.kernel, p.strides, p.dilations)
		}
	}
	return p
}

// outputSize of one spatial axis of a convolution or pooling.
func (p windowParams) outputSize(axis, inDim int) int {
	if inDim == shapes.UnknownDim {
		return shapes.UnknownDim
	}
	stride := int(p.strides[axis])
	effectiveKernel := (int(p.kernel[axis])-1)*int(p.dilations[axis]) + 1
	switch p.autoPad {
	case "SAME_UPPER", "SAME_LOWER":
		return ceilDiv(inDim, stride)
	case "VALID":
		return ceilDiv(inDim-effectiveKernel+1, stride)
	case "NOTSET", "":
		rank := len(p.kernel)
		padded := inDim + int(p.pads[axis]) + int(p.pads[axis+rank]) - effectiveKernel
		var out int
		if p.ceilMode {
			out = ceilDiv(padded, stride) + 1
		} else {
			out = floorDiv(padded, stride) + 1
		}
		if out <= 0 {
			exceptions.Panicf("spatial axis %d of size %d too small for kernel %d", axis, inDim, effectiveKernel)
		}
		return out
	default:
		exceptions.Panicf("invalid auto_pad %q", p.autoPad)
		return 0
	}
}

func convRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 2)
	x, w := inputs[0], inputs[1]
	if x.Rank() < 3 || w.Rank() != x.Rank() {
		exceptions.Panicf("Conv input %s and weights %s must have the same rank >= 3", x, w)
	}
	group := attrInt(node, "group", 1)
	if x.Dim(1) != shapes.UnknownDim && w.Dim(1) != shapes.UnknownDim && int64(x.Dim(1)) != int64(w.Dim(1))*group {
		exceptions.Panicf("Conv input channels %d don't match weights %s with group %d", x.Dim(1), w, group)
	}
	spatialRank := x.Rank() - 2
	p := readWindowParams(node, spatialRank, w.Int64s()[2:])
	dims := []int{x.Dim(0), w.Dim(0)}
	for axis := range spatialRank {
		dims = append(dims, p.outputSize(axis, x.Dim(axis+2)))
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func convTransposeRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 2)
	x, w := inputs[0], inputs[1]
	if x.Rank() < 3 || w.Rank() != x.Rank() {
		exceptions.Panicf("ConvTranspose input %s and weights %s must have the same rank >= 3", x, w)
	}
	spatialRank := x.Rank() - 2
	group := attrInt(node, "group", 1)
	p := readWindowParams(node, spatialRank, w.Int64s()[2:])
	outputPadding := attrInts(node, "output_padding", repeated(0, spatialRank))
	outputShape := attrInts(node, "output_shape", nil)
	channels := shapes.UnknownDim
	if w.Dim(1) != shapes.UnknownDim {
		channels = w.Dim(1) * int(group)
	}
	dims := []int{x.Dim(0), channels}
	for axis := range spatialRank {
		in := x.Dim(axis + 2)
		switch {
		case outputShape != nil:
			dims = append(dims, int(outputShape[len(outputShape)-spatialRank+axis]))
		case in == shapes.UnknownDim:
			dims = append(dims, shapes.UnknownDim)
		case p.autoPad == "SAME_UPPER" || p.autoPad == "SAME_LOWER":
			dims = append(dims, in*int(p.strides[axis]))
		default:
			effectiveKernel := (int(p.kernel[axis])-1)*int(p.dilations[axis]) + 1
			out := int(p.strides[axis])*(in-1) + int(outputPadding[axis]) + effectiveKernel
			if p.autoPad != "VALID" {
				out -= int(p.pads[axis]) + int(p.pads[axis+spatialRank])
			}
			dims = append(dims, out)
		}
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func poolRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	x := inputs[0]
	if x.Rank() < 3 {
		exceptions.Panicf("%s input %s must have rank >= 3", node.OpType, x)
	}
	spatialRank := x.Rank() - 2
	p := readWindowParams(node, spatialRank, nil)
	dims := []int{x.Dim(0), x.Dim(1)}
	for axis := range spatialRank {
		dims = append(dims, p.outputSize(axis, x.Dim(axis+2)))
	}
	output := shapes.Make(x.DType, dims...)
	return []shapes.Shape{output, output.WithDType(dtypes.Int64)}
}

func globalPoolRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	x := inputs[0]
	if x.Rank() < 3 {
		exceptions.Panicf("%s input %s must have rank >= 3", node.OpType, x)
	}
	dims := slices.Repeat([]int{1}, x.Rank())
	dims[0], dims[1] = x.Dim(0), x.Dim(1)
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func gemmRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 2)
	a, b := inputs[0], inputs[1]
	if a.Rank() != 2 || b.Rank() != 2 {
		exceptions.Panicf("Gemm operands %s and %s must be matrices", a, b)
	}
	m, k := a.Dim(0), a.Dim(1)
	if attrInt(node, "transA", 0) != 0 {
		m, k = k, m
	}
	kb, n := b.Dim(0), b.Dim(1)
	if attrInt(node, "transB", 0) != 0 {
		kb, n = n, kb
	}
	if k != shapes.UnknownDim && kb != shapes.UnknownDim && k != kb {
		exceptions.Panicf("Gemm operands %s and %s have incompatible inner dimensions", a, b)
	}
	output := shapes.Make(a.DType, m, n)
	if len(inputs) > 2 && inputs[2].Ok() {
		// C must be unidirectionally broadcastable to the output.
		if merged := broadcast(output, inputs[2]); merged.Rank() != 2 {
			exceptions.Panicf("Gemm bias %s is not broadcastable to %s", inputs[2], output)
		}
	}
	return []shapes.Shape{output}
}

func matMulRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 2)
	a, b := inputs[0].Clone(), inputs[1].Clone()
	if a.Rank() == 0 || b.Rank() == 0 {
		exceptions.Panicf("MatMul operands %s and %s can't be scalars", a, b)
	}
	aVector, bVector := a.Rank() == 1, b.Rank() == 1
	if aVector {
		a.Dimensions = []int{1, a.Dimensions[0]}
	}
	if bVector {
		b.Dimensions = []int{b.Dimensions[0], 1}
	}
	k, kb := a.Dim(-1), b.Dim(-2)
	if k != shapes.UnknownDim && kb != shapes.UnknownDim && k != kb {
		exceptions.Panicf("MatMul operands %s and %s have incompatible inner dimensions", inputs[0], inputs[1])
	}
	batch := broadcast(shapes.Make(a.DType, a.Dimensions[:a.Rank()-2]...), shapes.Make(b.DType, b.Dimensions[:b.Rank()-2]...))
	dims := batch.Dimensions
	if !aVector {
		dims = append(dims, a.Dim(-2))
	}
	if !bVector {
		dims = append(dims, b.Dim(-1))
	}
	return []shapes.Shape{shapes.Make(a.DType, dims...)}
}

// product of the dimensions, or UnknownDim.
func product(dims []int) int {
	p := 1
	for _, d := range dims {
		if d == shapes.UnknownDim {
			return shapes.UnknownDim
		}
		p *= d
	}
	return p
}

func flattenRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	x := inputs[0]
	axis := int(attrInt(node, "axis", 1))
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis > x.Rank() {
		exceptions.Panicf("Flatten axis %d out of range for %s", axis, x)
	}
	return []shapes.Shape{shapes.Make(x.DType, product(x.Dimensions[:axis]), product(x.Dimensions[axis:]))}
}

func reshapeRule(node *onnx.Node, inputs []shapes.Shape, consts []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 2)
	x := inputs[0]
	if consts[1] == nil {
		exceptions.Panicf("Reshape requires a constant shape input, %q is not constant", node.Inputs[1])
	}
	target, err := consts[1].Int64s()
	if err != nil {
		panic(err)
	}
	dims := make([]int, len(target))
	inferredAxis := -1
	knownProduct := 1
	for axis, dim := range target {
		switch {
		case dim == 0:
			if axis >= x.Rank() {
				exceptions.Panicf("Reshape target %v copies axis %d of %s", target, axis, x)
			}
			dims[axis] = x.Dim(axis)
		case dim == -1:
			if inferredAxis >= 0 {
				exceptions.Panicf("Reshape target %v has more than one -1", target)
			}
			inferredAxis = axis
			continue
		case dim < -1:
			exceptions.Panicf("Reshape target %v has invalid dimension %d", target, dim)
		default:
			dims[axis] = int(dim)
		}
		if knownProduct != shapes.UnknownDim {
			if dims[axis] == shapes.UnknownDim {
				knownProduct = shapes.UnknownDim
			} else {
				knownProduct *= dims[axis]
			}
		}
	}
	if inferredAxis >= 0 {
		size := x.Size()
		switch {
		case size == shapes.UnknownDim || knownProduct == shapes.UnknownDim:
			dims[inferredAxis] = shapes.UnknownDim
		case knownProduct == 0 || size%knownProduct != 0:
			exceptions.Panicf("Reshape of %s to %v: sizes don't match", x, target)
		default:
			dims[inferredAxis] = size / knownProduct
		}
	} else if x.Size() != shapes.UnknownDim && knownProduct != shapes.UnknownDim && x.Size() != knownProduct {
		exceptions.Panicf("Reshape of %s to %v: sizes don't match", x, target)
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func shapeRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	return []shapes.Shape{shapes.Make(dtypes.Int64, inputs[0].Rank())}
}

func constantRule(node *onnx.Node, _ []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	attr := node.Attribute("value")
	if attr == nil || attr.T == nil {
		exceptions.Panicf("Constant without a tensor value")
	}
	shape, err := attr.T.Shape()
	if err != nil {
		panic(err)
	}
	return []shapes.Shape{shape}
}

func concatRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	first := inputs[0]
	axis := int(attrInt(node, "axis", 0))
	axis = first.AdjustAxis(axis)
	output := first.Clone()
	for _, x := range inputs[1:] {
		if x.Rank() != first.Rank() || x.DType != first.DType {
			exceptions.Panicf("Concat operands %s and %s have different rank or dtype", first, x)
		}
		for ii, dim := range x.Dimensions {
			current := output.Dimensions[ii]
			if ii == axis {
				if dim == shapes.UnknownDim || current == shapes.UnknownDim {
					output.Dimensions[ii] = shapes.UnknownDim
				} else {
					output.Dimensions[ii] = current + dim
				}
				continue
			}
			switch {
			case current == shapes.UnknownDim:
				output.Dimensions[ii] = dim
			case dim != shapes.UnknownDim && dim != current:
				exceptions.Panicf("Concat operands %s and %s differ on axis %d", first, x, ii)
			}
		}
	}
	output.DimNames = nil
	return []shapes.Shape{output}
}

func unsqueezeRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	x := inputs[0]
	axes := attrInts(node, "axes", nil)
	if len(axes) == 0 {
		exceptions.Panicf("Unsqueeze requires axes")
	}
	outRank := x.Rank() + len(axes)
	newAxis := make([]bool, outRank)
	for _, axis := range axes {
		if axis < 0 {
			axis += int64(outRank)
		}
		if axis < 0 || axis >= int64(outRank) || newAxis[axis] {
			exceptions.Panicf("Unsqueeze axes %v invalid for %s", axes, x)
		}
		newAxis[axis] = true
	}
	dims := make([]int, 0, outRank)
	next := 0
	for axis := range outRank {
		if newAxis[axis] {
			dims = append(dims, 1)
		} else {
			dims = append(dims, x.Dimensions[next])
			next++
		}
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func squeezeRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	x := inputs[0]
	axes := attrInts(node, "axes", nil)
	squeezed := make([]bool, x.Rank())
	if len(axes) == 0 {
		for axis, dim := range x.Dimensions {
			if dim == shapes.UnknownDim {
				exceptions.Panicf("Squeeze without axes of %s with unknown dimensions", x)
			}
			squeezed[axis] = dim == 1
		}
	}
	for _, axis := range axes {
		adjusted := x.AdjustAxis(int(axis))
		if dim := x.Dimensions[adjusted]; dim != 1 && dim != shapes.UnknownDim {
			exceptions.Panicf("Squeeze axis %d of %s is not 1", axis, x)
		}
		squeezed[adjusted] = true
	}
	var dims []int
	for axis, dim := range x.Dimensions {
		if !squeezed[axis] {
			dims = append(dims, dim)
		}
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func transposeRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	x := inputs[0]
	perm := attrInts(node, "perm", nil)
	if perm == nil {
		for axis := x.Rank() - 1; axis >= 0; axis-- {
			perm = append(perm, int64(axis))
		}
	}
	if len(perm) != x.Rank() {
		exceptions.Panicf("Transpose perm %v doesn't match %s", perm, x)
	}
	dims := make([]int, x.Rank())
	for ii, axis := range perm {
		dims[ii] = x.Dim(int(axis))
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func castRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	to := onnx.DataType(attrInt(node, "to", 0))
	return []shapes.Shape{inputs[0].WithDType(dtypeOrPanic(to))}
}

func sameAsFirstRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	return []shapes.Shape{inputs[0].Clone()}
}

func dropoutRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 1)
	return []shapes.Shape{inputs[0].Clone(), inputs[0].WithDType(dtypes.Bool)}
}

func batchNormRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 5)
	x := inputs[0]
	if x.Rank() < 2 {
		exceptions.Panicf("BatchNormalization input %s must have rank >= 2", x)
	}
	for ii, param := range inputs[1:] {
		if param.Rank() != 1 || (param.Dim(0) != shapes.UnknownDim && x.Dim(1) != shapes.UnknownDim && param.Dim(0) != x.Dim(1)) {
			exceptions.Panicf("BatchNormalization parameter #%d %s doesn't match the channels of %s", ii+1, param, x)
		}
	}
	channels := shapes.Make(x.DType, x.Dim(1))
	return []shapes.Shape{x.Clone(), channels, channels, channels, channels}
}

func padRule(node *onnx.Node, inputs []shapes.Shape, consts []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, 2)
	x := inputs[0]
	if consts[1] == nil {
		return []shapes.Shape{shapes.Make(x.DType, slices.Repeat([]int{shapes.UnknownDim}, x.Rank())...)}
	}
	pads, err := consts[1].Int64s()
	if err != nil {
		panic(err)
	}
	if len(pads) != 2*x.Rank() {
		exceptions.Panicf("Pad pads %v don't match %s", pads, x)
	}
	dims := slices.Clone(x.Dimensions)
	for axis, dim := range dims {
		if dim != shapes.UnknownDim {
			dims[axis] = dim + int(pads[axis]) + int(pads[axis+x.Rank()])
		}
	}
	return []shapes.Shape{shapes.Make(x.DType, dims...)}
}

func broadcastRule(node *onnx.Node, inputs []shapes.Shape, _ []*onnx.Tensor) []shapes.Shape {
	requireInputs(node, inputs, len(inputs))
	if len(inputs) == 0 {
		exceptions.Panicf("%s requires inputs", node.OpType)
	}
	return []shapes.Shape{broadcast(inputs...)}
}
