// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frontend converts Caffe2 networks (predict and init networks plus the value info of the inputs) to
// ONNX graphs.
//
// The init network is executed statically: its fill operators become the graph initializers. The predict
// network is first rewritten in SSA form (blobs written more than once get versioned names), then each
// operator is converted to one or more ONNX nodes. Shapes of the intermediary values, needed by some
// conversions (legacy pooling padding, FC, broadcasting), are tracked with ONNX shape inference.
package frontend

import (
	"fmt"
	"slices"

	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/onnx/shapeinference"
	"github.com/gomlx/caffe2onnx/pkg/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupported is wrapped by errors of Caffe2 networks that can't be converted.
var ErrUnsupported = errors.New("unsupported Caffe2 network")

// DummyPrefix is the prefix of the names created for values introduced by the conversion.
const DummyPrefix = "OC2_DUMMY_"

// Caffe2NetToONNXGraph converts a Caffe2 model to an ONNX graph.
//
// The predict network, init network and value info are not modified. The init network may be nil.
// valueInfo must describe every external input of predict that is not created by the init network.
//
// The graph inputs are the external inputs of predict (including the parameters, which are also
// initializers), and the graph outputs are its external outputs.
func Caffe2NetToONNXGraph(predict, initNet *caffe2.NetDef, valueInfo caffe2.ValueInfo) (*onnx.Graph, error) {
	for name, info := range valueInfo {
		if _, err := info.ElemType.DType(); err != nil {
			return nil, errors.WithMessagef(err, "value info of %q", name)
		}
	}
	predict = ssaRewrite(predict)

	initializers, err := initNetToInitializers(initNet)
	if err != nil {
		return nil, err
	}
	b := newBuilder(predict, initNet)
	b.graph.Name = predict.Name
	b.graph.Initializers = initializers
	for _, t := range initializers {
		shape, err := t.Shape()
		if err != nil {
			return nil, errors.WithMessagef(err, "initializer %q", t.Name)
		}
		b.shapes[t.Name] = shape
		b.consts[t.Name] = t
	}

	var missing []string
	for _, name := range predict.ExternalInputs {
		if _, found := b.shapes[name]; found {
			continue
		}
		info, found := valueInfo[name]
		if !found {
			missing = append(missing, name)
			continue
		}
		vi := onnx.MakeTensorValueInfo(name, info.ElemType, info.Shape)
		shape, err := vi.Shape()
		if err != nil {
			return nil, errors.WithMessagef(err, "value info of %q", name)
		}
		b.shapes[name] = shape
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("missing value info of the inputs %q", missing)
	}
	for _, name := range predict.ExternalInputs {
		vi, err := onnx.MakeValueInfoFromShape(name, b.shapes[name])
		if err != nil {
			return nil, err
		}
		b.graph.Inputs = append(b.graph.Inputs, vi)
	}

	for _, op := range predict.Ops {
		err := exceptions.TryCatch[error](func() { b.convertOperator(op) })
		if err != nil {
			return nil, errors.WithMessagef(err, "converting Caffe2 operator %s(%v) -> %v", op.Type, op.Inputs, op.Outputs)
		}
	}

	produced := make(map[string]bool)
	for _, t := range b.graph.Initializers {
		produced[t.Name] = true
	}
	for _, node := range b.graph.Nodes {
		for _, output := range node.Outputs {
			produced[output] = true
		}
	}
	for _, name := range predict.ExternalOutputs {
		if !produced[name] {
			klog.Warningf("graph output %q is not produced by any node or initializer, dropped", name)
			continue
		}
		vi, err := onnx.MakeValueInfoFromShape(name, b.shapes[name])
		if err != nil {
			return nil, err
		}
		b.graph.Outputs = append(b.graph.Outputs, vi)
	}
	return b.graph, nil
}

// builder holds the state of the conversion of one network.
type builder struct {
	graph  *onnx.Graph
	shapes map[string]shapes.Shape
	consts map[string]*onnx.Tensor

	usedNames    map[string]bool
	dummyCounter int
}

func newBuilder(nets ...*caffe2.NetDef) *builder {
	b := &builder{
		graph:     &onnx.Graph{},
		shapes:    make(map[string]shapes.Shape),
		consts:    make(map[string]*onnx.Tensor),
		usedNames: make(map[string]bool),
	}
	for _, net := range nets {
		if net == nil {
			continue
		}
		for _, names := range [][]string{net.ExternalInputs, net.ExternalOutputs} {
			for _, name := range names {
				b.usedNames[name] = true
			}
		}
		for _, op := range net.Ops {
			for _, name := range slices.Concat(op.Inputs, op.Outputs) {
				b.usedNames[name] = true
			}
		}
	}
	return b
}

// dummyName returns a new name, not used by any of the networks.
func (b *builder) dummyName() string {
	for {
		name := fmt.Sprintf("%s%d", DummyPrefix, b.dummyCounter)
		b.dummyCounter++
		if !b.usedNames[name] {
			b.usedNames[name] = true
			return name
		}
	}
}

// shapeOf returns the shape of a value, or panics if it is not known.
func (b *builder) shapeOf(name string) shapes.Shape {
	shape, found := b.shapes[name]
	if !found {
		exceptions.Panicf("shape of %q is not known", name)
	}
	return shape
}

// addConstant adds a tensor created by the conversion as an initializer and graph input.
func (b *builder) addConstant(t *onnx.Tensor) {
	shape, err := t.Shape()
	if err != nil {
		panic(err)
	}
	vi, err := onnx.MakeValueInfoFromShape(t.Name, shape)
	if err != nil {
		panic(err)
	}
	b.graph.Initializers = append(b.graph.Initializers, t)
	b.graph.Inputs = append(b.graph.Inputs, vi)
	b.shapes[t.Name] = shape
	b.consts[t.Name] = t
}

// shapeConstant adds an INT64 1D constant with the given values, and returns its name.
func (b *builder) shapeConstant(values []int64) string {
	t := onnx.MakeTensor(b.dummyName(), []int64{int64(len(values))}, values)
	b.addConstant(t)
	return t.Name
}

// emit appends the node to the graph, and infers the shapes of its outputs.
func (b *builder) emit(node *onnx.Node) {
	inputShapes := make([]shapes.Shape, len(node.Inputs))
	constInputs := make([]*onnx.Tensor, len(node.Inputs))
	for ii, input := range node.Inputs {
		if input == "" {
			inputShapes[ii] = shapes.Invalid()
			continue
		}
		inputShapes[ii] = b.shapeOf(input)
		constInputs[ii] = b.consts[input]
	}
	outputShapes, err := shapeinference.InferNode(node, inputShapes, constInputs)
	if err != nil {
		panic(err)
	}
	for ii, output := range node.Outputs {
		if output != "" {
			b.shapes[output] = outputShapes[ii]
		}
	}
	if node.OpType == "Constant" {
		if attr := node.Attribute("value"); attr != nil && attr.T != nil {
			b.consts[node.Outputs[0]] = attr.T
		}
	}
	klog.V(2).Infof("ONNX node %s -> %v", node, outputShapes)
	b.graph.Nodes = append(b.graph.Nodes, node)
}
