// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checker validates the structure of ONNX models: the model envelope, value infos,
// initializers and that the nodes form a topologically sorted graph in SSA form, using operators
// (and attributes) of the default domain known to this package.
//
// Every error returned wraps ErrInvalidModel.
package checker

import (
	"fmt"

	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidModel is wrapped by all errors returned by CheckModel and CheckGraph.
var ErrInvalidModel = errors.New("invalid ONNX model")

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidModel, format, args...)
}

// CheckModel validates the model envelope and its graph.
func CheckModel(m *onnx.Model) error {
	if m == nil {
		return invalidf("nil model")
	}
	if m.IRVersion <= 0 {
		return invalidf("model ir_version not set")
	}
	if len(m.OpsetImports) == 0 {
		return invalidf("model with IR version >= 3 must specify opset_import for ONNX")
	}
	opset := m.Opset("")
	if opset > onnx.DefaultOpsetVersion {
		return invalidf("default domain opset version %d is not supported, at most %d", opset, onnx.DefaultOpsetVersion)
	}
	if m.Graph == nil {
		return invalidf("model has no graph")
	}
	if err := CheckGraph(m.Graph, opset); err != nil {
		return err
	}
	klog.V(2).Infof("ONNX model %q checked: %d nodes, %d initializers", m.Graph.Name, len(m.Graph.Nodes), len(m.Graph.Initializers))
	return nil
}

// CheckGraph validates a graph against the given version of the default domain opset.
// An opset of 0 means the default domain is not imported, and any node of the default
// domain is invalid.
func CheckGraph(g *onnx.Graph, opset int64) error {
	if g.Name == "" {
		return invalidf("graph name is empty")
	}
	for _, group := range []struct {
		field string
		infos []*onnx.ValueInfo
	}{{"input", g.Inputs}, {"output", g.Outputs}, {"value_info", g.ValueInfo}} {
		for ii, vi := range group.infos {
			if err := checkValueInfo(vi); err != nil {
				return errors.WithMessagef(err, "graph %q %s #%d", g.Name, group.field, ii)
			}
		}
	}

	defined := make(map[string]bool, len(g.Inputs)+len(g.Initializers)+len(g.Nodes))
	for _, vi := range g.Inputs {
		if defined[vi.Name] {
			return invalidf("graph %q: input %q defined more than once", g.Name, vi.Name)
		}
		defined[vi.Name] = true
	}
	initializers := make(map[string]bool, len(g.Initializers))
	for ii, t := range g.Initializers {
		if err := checkTensor(t); err != nil {
			return errors.WithMessagef(err, "graph %q initializer #%d", g.Name, ii)
		}
		if initializers[t.Name] {
			return invalidf("graph %q: initializer %q defined more than once", g.Name, t.Name)
		}
		initializers[t.Name] = true
		defined[t.Name] = true
	}

	for ii, node := range g.Nodes {
		if err := checkNode(node, opset); err != nil {
			return errors.WithMessagef(err, "graph %q node #%d (%s)", g.Name, ii, node)
		}
		for _, input := range node.Inputs {
			if input != "" && !defined[input] {
				return invalidf("graph %q node #%d (%s): input %q is not a graph input, initializer, or output of a "+
					"previous node (nodes must be topologically sorted)", g.Name, ii, node, input)
			}
		}
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if defined[output] {
				return invalidf("graph %q node #%d (%s): output %q is already defined, graph must be in single static "+
					"assignment (SSA) form", g.Name, ii, node, output)
			}
			defined[output] = true
		}
	}

	for _, vi := range g.Outputs {
		if !defined[vi.Name] {
			return invalidf("graph %q: output %q is not produced by any node, nor is an input or initializer", g.Name, vi.Name)
		}
	}
	return nil
}

func checkValueInfo(vi *onnx.ValueInfo) error {
	if vi == nil || vi.Name == "" {
		return invalidf("value info has no name")
	}
	if vi.Type == nil || vi.Type.TensorType == nil {
		return invalidf("value %q has no tensor type", vi.Name)
	}
	if !vi.Type.TensorType.ElemType.IsValid() {
		return invalidf("value %q has invalid element type %s", vi.Name, vi.Type.TensorType.ElemType)
	}
	return nil
}

func checkTensor(t *onnx.Tensor) error {
	if t == nil || t.Name == "" {
		return invalidf("tensor has no name")
	}
	if !t.DataType.IsValid() {
		return invalidf("tensor %q has invalid data type %s", t.Name, t.DataType)
	}
	for _, dim := range t.Dims {
		if dim < 0 {
			return invalidf("tensor %q has invalid dimensions %v", t.Name, t.Dims)
		}
	}
	stored, err := t.NumStoredElements()
	if err != nil {
		return invalidf("%v", err)
	}
	if stored != t.NumElements() {
		return invalidf("tensor %q with dims %v should have %d elements, but it has %d",
			t.Name, t.Dims, t.NumElements(), stored)
	}
	return nil
}

func checkNode(node *onnx.Node, opset int64) error {
	if node.OpType == "" {
		return invalidf("node has no op_type")
	}
	if node.Domain != "" && node.Domain != "ai.onnx" {
		return invalidf("no operator registered for domain %q", node.Domain)
	}
	if opset == 0 {
		return invalidf("default domain is not imported by the model")
	}
	schema := LookupSchema(node.OpType)
	if schema == nil {
		return invalidf("no operator registered for %q with domain_version of %d", node.OpType, opset)
	}
	if n := len(node.Inputs); n < schema.MinInputs || n > schema.MaxInputs {
		return invalidf("%s takes %s inputs, got %d", node.OpType, arityString(schema.MinInputs, schema.MaxInputs), n)
	}
	if n := len(node.Outputs); n < schema.MinOutputs || n > schema.MaxOutputs {
		return invalidf("%s produces %s outputs, got %d", node.OpType, arityString(schema.MinOutputs, schema.MaxOutputs), n)
	}
	for ii := 0; ii < schema.MinInputs && ii < len(node.Inputs); ii++ {
		if node.Inputs[ii] == "" {
			return invalidf("%s required input #%d is empty", node.OpType, ii)
		}
	}

	seen := make(map[string]bool, len(node.Attributes))
	for _, attr := range node.Attributes {
		if attr.Name == "" {
			return invalidf("attribute has no name")
		}
		if seen[attr.Name] {
			return invalidf("attribute %q is set more than once", attr.Name)
		}
		seen[attr.Name] = true
		spec, found := schema.Attributes[attr.Name]
		if !found {
			return invalidf("unrecognized attribute %q for operator %s", attr.Name, node.OpType)
		}
		if attr.Type != spec.Type {
			return invalidf("attribute %q of %s should be of type %s, got %s", attr.Name, node.OpType, spec.Type, attr.Type)
		}
		if attr.Type == onnx.AttributeTensor {
			if attr.T == nil {
				return invalidf("attribute %q has no tensor", attr.Name)
			}
			if attr.T.Name == "" {
				// Tensor attributes don't need a name.
				named := *attr.T
				named.Name = attr.Name
				if err := checkTensor(&named); err != nil {
					return err
				}
			} else if err := checkTensor(attr.T); err != nil {
				return err
			}
		}
	}
	for name, spec := range schema.Attributes {
		if spec.Required && !seen[name] {
			return invalidf("required attribute %q of %s is missing", name, node.OpType)
		}
	}
	return nil
}

func arityString(minN, maxN int) string {
	switch {
	case minN == maxN:
		return fmt.Sprintf("%d", minN)
	case maxN == Unbounded:
		return fmt.Sprintf("%d or more", minN)
	default:
		return fmt.Sprintf("%d to %d", minN, maxN)
	}
}
