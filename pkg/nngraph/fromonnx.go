// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nngraph

import (
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FromONNX converts the graph of a shape-annotated ONNX model (see shapeinference.InferShapes).
//
// Every value must have a known rank: graph inputs, initializers, graph outputs and the intermediary values
// (in Graph.ValueInfo). Initializers become constant tensors, and are not included in Graph.Inputs even if
// they are listed as ONNX graph inputs.
func FromONNX(model *onnx.Model) (*Graph, error) {
	if model == nil || model.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	og := model.Graph
	g := &Graph{Name: og.Name, byName: make(map[string]*Tensor)}

	declared := make(map[string]*onnx.ValueInfo)
	for _, infos := range [][]*onnx.ValueInfo{og.Inputs, og.ValueInfo, og.Outputs} {
		for _, vi := range infos {
			declared[vi.Name] = vi
		}
	}
	newTensor := func(name string) (*Tensor, error) {
		if t := g.byName[name]; t != nil {
			return t, nil
		}
		vi, found := declared[name]
		if !found {
			return nil, errors.Errorf("value %q has no type information, run shape inference first", name)
		}
		shape, err := vi.Shape()
		if err != nil {
			return nil, err
		}
		t := &Tensor{Name: name, Shape: shape}
		g.Tensors = append(g.Tensors, t)
		g.byName[name] = t
		return t, nil
	}

	initializers := make(map[string]bool, len(og.Initializers))
	for _, init := range og.Initializers {
		initializers[init.Name] = true
	}
	for _, vi := range og.Inputs {
		if initializers[vi.Name] {
			continue
		}
		t, err := newTensor(vi.Name)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph input")
		}
		g.Inputs = append(g.Inputs, t)
	}
	for _, init := range og.Initializers {
		t, err := constantTensor(init)
		if err != nil {
			return nil, err
		}
		g.Tensors = append(g.Tensors, t)
		g.byName[t.Name] = t
	}

	for ii, node := range og.Nodes {
		op := &Operation{Type: node.OpType, Name: node.Name, Attribs: make(map[string]any, len(node.Attributes))}
		for _, attr := range node.Attributes {
			value, err := attributeValue(attr)
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d (%s)", ii, node)
			}
			op.Attribs[attr.Name] = value
		}
		for _, input := range node.Inputs {
			if input == "" {
				op.Inputs = append(op.Inputs, nil)
				continue
			}
			t := g.byName[input]
			if t == nil {
				return nil, errors.Errorf("node #%d (%s): input %q is not defined", ii, node, input)
			}
			t.Consumers = append(t.Consumers, op)
			op.Inputs = append(op.Inputs, t)
		}
		for _, output := range node.Outputs {
			if output == "" {
				op.Outputs = append(op.Outputs, nil)
				continue
			}
			t, err := newTensor(output)
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d (%s)", ii, node)
			}
			t.Producer = op
			op.Outputs = append(op.Outputs, t)
		}
		g.Operations = append(g.Operations, op)
	}

	for _, vi := range og.Outputs {
		t := g.byName[vi.Name]
		if t == nil {
			return nil, errors.Errorf("graph output %q is not defined", vi.Name)
		}
		g.Outputs = append(g.Outputs, t)
	}
	klog.V(1).Infof("graph %q: %d tensors, %d operations", g.Name, len(g.Tensors), len(g.Operations))
	return g, nil
}

// constantTensor converts an ONNX tensor to a constant Tensor.
func constantTensor(ot *onnx.Tensor) (*Tensor, error) {
	shape, err := ot.Shape()
	if err != nil {
		return nil, err
	}
	data, err := ot.FlatData()
	if err != nil {
		return nil, err
	}
	return &Tensor{Name: ot.Name, Shape: shape, Data: data}, nil
}

func attributeValue(attr *onnx.Attribute) (any, error) {
	switch attr.Type {
	case onnx.AttributeTensor:
		if attr.T == nil {
			return nil, errors.Errorf("attribute %q has no tensor", attr.Name)
		}
		t, err := constantTensor(attr.T)
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", attr.Name)
		}
		return t, nil
	case onnx.AttributeGraph, onnx.AttributeGraphs, onnx.AttributeTensors:
		return nil, errors.Errorf("attribute %q of type %s is not supported", attr.Name, attr.Type)
	}
	value := attr.Value()
	if value == nil {
		return nil, errors.Errorf("attribute %q has undefined type", attr.Name)
	}
	return value, nil
}
