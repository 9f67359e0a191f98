// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference infers the output shapes of ONNX nodes, and annotates a whole graph with the
// shapes of all its intermediary values.
//
// It implements the rules for the operators produced when converting Caffe and Caffe2 models. Unknown
// (symbolic) dimensions are propagated as shapes.UnknownDim. Any operator without a rule is an error: the
// inference is never partial.
//
// All errors wrap ErrInference.
package shapeinference

import (
	"slices"

	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInference is wrapped by all errors returned by this package.
var ErrInference = errors.New("ONNX shape inference failed")

// InferNode returns the shapes of the outputs of node, given the shapes of its inputs.
//
// constInputs is either nil or has one entry per input, holding the value of the inputs that are
// constant (initializers or outputs of Constant nodes). Some operators (e.g. Reshape) need the value of
// some of their inputs.
//
// Omitted outputs (empty names) get an invalid shape.
func InferNode(node *onnx.Node, inputShapes []shapes.Shape, constInputs []*onnx.Tensor) (outputs []shapes.Shape, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = inferNode(node, inputShapes, constInputs)
	})
	if err != nil {
		return nil, errors.Wrapf(ErrInference, "node %s: %v", node, err)
	}
	for ii, name := range node.Outputs {
		if name == "" {
			outputs[ii] = shapes.Invalid()
		}
	}
	return outputs, nil
}

// InferShapes annotates the graph of the model with the shapes of all values:
//
//   - Every node output that is not a graph output gets an entry in Graph.ValueInfo (existing entries are replaced).
//   - Graph outputs get their type and shape filled in. If they already had a shape, it must be compatible with the
//     inferred one.
//
// Graph inputs must have their shapes set (symbolic dimensions are accepted).
func InferShapes(model *onnx.Model) error {
	if model.Graph == nil {
		return errors.Wrap(ErrInference, "model has no graph")
	}
	g := model.Graph
	values := make(map[string]shapes.Shape, len(g.Inputs)+len(g.Initializers)+len(g.Nodes))
	constants := make(map[string]*onnx.Tensor, len(g.Initializers))
	for _, t := range g.Initializers {
		shape, err := t.Shape()
		if err != nil {
			return errors.Wrapf(ErrInference, "initializer: %v", err)
		}
		values[t.Name] = shape
		constants[t.Name] = t
	}
	for _, vi := range g.Inputs {
		if _, found := values[vi.Name]; found {
			continue
		}
		shape, err := vi.Shape()
		if err != nil {
			return errors.Wrapf(ErrInference, "graph input: %v", err)
		}
		values[vi.Name] = shape
	}

	for _, node := range g.Nodes {
		inputShapes := make([]shapes.Shape, len(node.Inputs))
		constInputs := make([]*onnx.Tensor, len(node.Inputs))
		for ii, input := range node.Inputs {
			if input == "" {
				inputShapes[ii] = shapes.Invalid()
				continue
			}
			shape, found := values[input]
			if !found {
				return errors.Wrapf(ErrInference, "node %s: input %q has no known shape", node, input)
			}
			inputShapes[ii] = shape
			constInputs[ii] = constants[input]
		}
		outputShapes, err := InferNode(node, inputShapes, constInputs)
		if err != nil {
			return err
		}
		for ii, output := range node.Outputs {
			if output != "" {
				values[output] = outputShapes[ii]
			}
		}
		if t := constantOutput(node, inputShapes); t != nil {
			constants[node.Outputs[0]] = t
		}
		klog.V(2).Infof("shape inference: %s -> %v", node, outputShapes)
	}

	outputs := make(map[string]bool, len(g.Outputs))
	for _, vi := range g.Outputs {
		outputs[vi.Name] = true
		shape, found := values[vi.Name]
		if !found {
			return errors.Wrapf(ErrInference, "graph output %q is not produced by the graph", vi.Name)
		}
		if vi.HasShape() {
			declared, err := vi.Shape()
			if err != nil {
				return errors.Wrapf(ErrInference, "graph output: %v", err)
			}
			if !compatible(declared, shape) {
				return errors.Wrapf(ErrInference, "graph output %q declared as %s, but inferred as %s", vi.Name, declared, shape)
			}
			shape = merge(declared, shape)
		}
		inferred, err := onnx.MakeValueInfoFromShape(vi.Name, shape)
		if err != nil {
			return errors.Wrapf(ErrInference, "graph output: %v", err)
		}
		vi.Type = inferred.Type
	}

	var valueInfo []*onnx.ValueInfo
	for _, node := range g.Nodes {
		for _, output := range node.Outputs {
			if output == "" || outputs[output] {
				continue
			}
			vi, err := onnx.MakeValueInfoFromShape(output, values[output])
			if err != nil {
				return errors.Wrapf(ErrInference, "value %q: %v", output, err)
			}
			valueInfo = append(valueInfo, vi)
		}
	}
	g.ValueInfo = valueInfo
	return nil
}

// constantOutput returns the value of the node output, if it is constant and known statically.
func constantOutput(node *onnx.Node, inputShapes []shapes.Shape) *onnx.Tensor {
	switch node.OpType {
	case "Constant":
		if attr := node.Attribute("value"); attr != nil {
			return attr.T
		}
	case "Shape":
		if inputShapes[0].IsFullyKnown() {
			return onnx.MakeTensor(node.Outputs[0], []int64{int64(inputShapes[0].Rank())}, inputShapes[0].Int64s())
		}
	}
	return nil
}

// compatible returns whether two shapes may describe the same value.
func compatible(a, b shapes.Shape) bool {
	if a.DType != b.DType || a.Rank() != b.Rank() {
		return false
	}
	for axis, dim := range a.Dimensions {
		other := b.Dimensions[axis]
		if dim != shapes.UnknownDim && other != shapes.UnknownDim && dim != other {
			return false
		}
	}
	return true
}

// merge returns the inferred shape with the names of the unknown dimensions of declared, and with
// dimensions known in either of them.
func merge(declared, inferred shapes.Shape) shapes.Shape {
	merged := inferred.Clone()
	for axis, dim := range merged.Dimensions {
		if dim != shapes.UnknownDim {
			continue
		}
		merged.Dimensions[axis] = declared.Dimensions[axis]
		if name := declared.DimName(axis); name != "" {
			if merged.DimNames == nil {
				merged.DimNames = make([]string, merged.Rank())
			}
			merged.DimNames[axis] = name
		}
	}
	return merged
}

// Broadcast returns the shape resulting from multidirectional (numpy style) broadcasting of the given shapes.
// The dtype is taken from the first shape.
func Broadcast(operands ...shapes.Shape) (shapes.Shape, error) {
	var result shapes.Shape
	err := exceptions.TryCatch[error](func() { result = broadcast(operands...) })
	if err != nil {
		return shapes.Invalid(), errors.Wrap(ErrInference, err.Error())
	}
	return result, nil
}

func broadcast(operands ...shapes.Shape) shapes.Shape {
	rank := 0
	for _, op := range operands {
		rank = max(rank, op.Rank())
	}
	result := shapes.Make(operands[0].DType, slices.Repeat([]int{1}, rank)...)
	for _, op := range operands {
		offset := rank - op.Rank()
		for axis, dim := range op.Dimensions {
			current := result.Dimensions[offset+axis]
			switch {
			case dim == 1:
			case current == 1:
				result.Dimensions[offset+axis] = dim
			case dim == shapes.UnknownDim || current == shapes.UnknownDim:
				if dim != shapes.UnknownDim {
					result.Dimensions[offset+axis] = dim
				}
			case dim != current:
				exceptions.Panicf("shapes %v are not broadcastable", operands)
			}
		}
	}
	return result
}

// dtypeOrPanic converts the ONNX data type, or panics.
func dtypeOrPanic(dt onnx.DataType) dtypes.DType {
	dtype, err := dt.DType()
	if err != nil {
		panic(err)
	}
	return dtype
}
