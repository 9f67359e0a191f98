// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"slices"
	"strings"

	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// initNetToInitializers executes the fill operators of the init network statically, and returns the
// created tensors sorted by name. If a blob is filled more than once, the last value is used.
func initNetToInitializers(initNet *caffe2.NetDef) ([]*onnx.Tensor, error) {
	if initNet == nil {
		return nil, nil
	}
	byName := make(map[string]*onnx.Tensor)
	for _, op := range initNet.Ops {
		var t *onnx.Tensor
		err := exceptions.TryCatch[error](func() { t = executeFill(op) })
		if err != nil {
			return nil, errors.WithMessagef(err, "executing init operator %s -> %v", op.Type, op.Outputs)
		}
		byName[t.Name] = t
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	slices.Sort(names)
	initializers := make([]*onnx.Tensor, len(names))
	for ii, name := range names {
		initializers[ii] = byName[name]
	}
	return initializers, nil
}

// executeFill returns the tensor created by a GivenTensor*Fill or ConstantFill operator.
func executeFill(op *caffe2.OperatorDef) *onnx.Tensor {
	if len(op.Outputs) != 1 {
		panic(errors.Wrapf(ErrUnsupported, "init operator %s must have exactly one output, got %v", op.Type, op.Outputs))
	}
	if op.Type == "ConstantFill" {
		return executeConstantFill(op)
	}
	if !strings.HasPrefix(op.Type, "GivenTensor") || !strings.HasSuffix(op.Type, "Fill") {
		panic(errors.Wrapf(ErrUnsupported, "init network operator %q, only GivenTensor*Fill and ConstantFill are supported", op.Type))
	}
	name := op.Outputs[0]
	var dims []int64
	if arg := op.Arg("shape"); arg != nil {
		dims = arg.Ints
	}
	values := op.Arg("values")
	if values == nil {
		exceptions.Panicf("%s has no \"values\" argument", op.Type)
	}
	size := 1
	for _, dim := range dims {
		size *= int(dim)
	}
	switch op.Type {
	case "GivenTensorFill":
		return onnx.MakeTensor(name, dims, checkedValues(values.Floats, size))
	case "GivenTensorDoubleFill":
		return onnx.MakeTensor(name, dims, convertValues[float64](checkedValues(values.Floats, size)))
	case "GivenTensorFp16Fill":
		floats := checkedValues(values.Floats, size)
		halves := make([]float16.Float16, len(floats))
		for ii, f := range floats {
			halves[ii] = float16.Fromfloat32(f)
		}
		return onnx.MakeTensor(name, dims, halves)
	case "GivenTensorIntFill":
		return onnx.MakeTensor(name, dims, convertValues[int32](checkedValues(values.Ints, size)))
	case "GivenTensorInt16Fill":
		return onnx.MakeTensor(name, dims, convertValues[int16](checkedValues(values.Ints, size)))
	case "GivenTensorInt64Fill":
		return onnx.MakeTensor(name, dims, checkedValues(values.Ints, size))
	case "GivenTensorBoolFill":
		ints := checkedValues(values.Ints, size)
		bools := make([]bool, len(ints))
		for ii, v := range ints {
			bools[ii] = v != 0
		}
		return onnx.MakeTensor(name, dims, bools)
	}
	panic(errors.Wrapf(ErrUnsupported, "init network operator %q", op.Type))
}

// executeConstantFill handles ConstantFill without inputs: a tensor of the given "shape" (scalar if not set),
// "dtype" (float by default) filled with "value".
func executeConstantFill(op *caffe2.OperatorDef) *onnx.Tensor {
	if len(op.Inputs) > 0 {
		panic(errors.Wrapf(ErrUnsupported, "ConstantFill with inputs %v", op.Inputs))
	}
	var dims []int64
	if arg := op.Arg("shape"); arg != nil {
		dims = arg.Ints
	}
	size := 1
	for _, dim := range dims {
		size *= int(dim)
	}
	dtype := caffe2.TensorFloat
	if arg := op.Arg("dtype"); arg != nil && arg.I != nil {
		dtype = caffe2.TensorDataType(*arg.I)
	}
	var value float64
	if arg := op.Arg("value"); arg != nil {
		switch {
		case arg.F != nil:
			value = float64(*arg.F)
		case arg.I != nil:
			value = float64(*arg.I)
		}
	}
	name := op.Outputs[0]
	switch dtype {
	case caffe2.TensorFloat:
		return onnx.MakeTensor(name, dims, filled(float32(value), size))
	case caffe2.TensorDouble:
		return onnx.MakeTensor(name, dims, filled(value, size))
	case caffe2.TensorInt32:
		return onnx.MakeTensor(name, dims, filled(int32(value), size))
	case caffe2.TensorInt64:
		return onnx.MakeTensor(name, dims, filled(int64(value), size))
	case caffe2.TensorBool:
		return onnx.MakeTensor(name, dims, filled(value != 0, size))
	}
	panic(errors.Wrapf(ErrUnsupported, "ConstantFill with dtype %d", dtype))
}

func checkedValues[T any](values []T, size int) []T {
	if len(values) != size {
		exceptions.Panicf("fill operator has %d values, but its shape requires %d", len(values), size)
	}
	return values
}

func convertValues[To, From constraints.Integer | constraints.Float](values []From) []To {
	out := make([]To, len(values))
	for ii, v := range values {
		out[ii] = To(v)
	}
	return out
}

func filled[T any](value T, size int) []T {
	out := make([]T, size)
	for ii := range out {
		out[ii] = value
	}
	return out
}
