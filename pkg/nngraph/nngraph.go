// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nngraph is a framework independent representation of a neural network inference graph: tensors
// (with shapes and, for constants, values) connected by operations.
//
// Graphs are created from shape-annotated ONNX models with FromONNX.
package nngraph

import (
	"fmt"
	"strings"

	"github.com/gomlx/caffe2onnx/pkg/shapes"
)

// Graph is a directed acyclic graph of operations over tensors.
type Graph struct {
	Name string

	// Tensors in order of definition: inputs, constants, then the outputs of each operation.
	Tensors []*Tensor

	// Operations in topological order.
	Operations []*Operation

	// Inputs are the tensors fed by the user, excluding constants.
	Inputs []*Tensor

	Outputs []*Tensor

	byName map[string]*Tensor
}

// Tensor is a value of the graph.
type Tensor struct {
	Name  string
	Shape shapes.Shape

	// Data holds the flat values of constant tensors ([]float32, []float64, []float16.Float16, []int64, ...),
	// or nil for values computed by the graph or fed as inputs.
	Data any

	// Producer is the operation that outputs the tensor, nil for inputs and constants.
	Producer *Operation

	Consumers []*Operation
}

// Operation is one node of the graph.
type Operation struct {
	Type string
	Name string

	// Attribs are the operation attributes: float32, int64, string, []float32, []int64, []string,
	// or *Tensor for tensor attributes.
	Attribs map[string]any

	// Inputs may contain nil entries for omitted optional inputs.
	Inputs  []*Tensor
	Outputs []*Tensor
}

// Tensor returns the tensor with the given name, or nil if there is none.
func (g *Graph) Tensor(name string) *Tensor {
	return g.byName[name]
}

// IsConstant returns whether the tensor has a known value.
func (t *Tensor) IsConstant() bool {
	return t.Data != nil
}

// NumParameters returns the total number of elements and the memory used by the constant tensors.
func (g *Graph) NumParameters() (numElements int, memory uintptr) {
	for _, t := range g.Tensors {
		if t.IsConstant() {
			numElements += t.Shape.Size()
			memory += t.Shape.Memory()
		}
	}
	return
}

// String implements fmt.Stringer, listing inputs, outputs and operations.
func (g *Graph) String() string {
	var sb strings.Builder
	names := func(tensors []*Tensor) string {
		parts := make([]string, len(tensors))
		for ii, t := range tensors {
			if t == nil {
				parts[ii] = "<none>"
				continue
			}
			parts[ii] = t.Name
		}
		return strings.Join(parts, ", ")
	}
	_, _ = fmt.Fprintf(&sb, "Graph %q:\n", g.Name)
	for _, t := range g.Inputs {
		_, _ = fmt.Fprintf(&sb, "  input %s: %s\n", t.Name, t.Shape)
	}
	for _, op := range g.Operations {
		_, _ = fmt.Fprintf(&sb, "  %s(%s) -> (%s)\n", op.Type, names(op.Inputs), names(op.Outputs))
	}
	for _, t := range g.Outputs {
		_, _ = fmt.Fprintf(&sb, "  output %s: %s\n", t.Name, t.Shape)
	}
	return sb.String()
}
