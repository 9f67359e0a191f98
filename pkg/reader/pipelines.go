// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reader

import (
	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/caffe2/frontend"
	"github.com/gomlx/caffe2onnx/pkg/caffe2/translator"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/onnx/checker"
	"github.com/gomlx/caffe2onnx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultGraphName is used for ONNX graphs of Caffe2 networks without a name.
const DefaultGraphName = "Graph"

// LoadCaffeModelAsCaffe2 loads a legacy Caffe model (prototxtPath and the ".caffemodel" file with the same
// base name) and translates it to Caffe2 with t.
//
// A nil readFile defaults to fsutil.ReadFile.
func LoadCaffeModelAsCaffe2(prototxtPath string, t translator.Translator, readFile fsutil.ReadFileFn) (
	predict, initNet *caffe2.NetDef, valueInfo caffe2.ValueInfo, err error) {
	prototxt, caffemodel, err := caffe.LoadModel(prototxtPath, readFile)
	if err != nil {
		return nil, nil, nil, err
	}
	predict, initNet, valueInfo, err = CaffeToCaffe2(prototxt, caffemodel, t)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "translating %q", prototxtPath)
	}
	return
}

// LoadCaffeModelAsONNX loads a legacy Caffe model and converts it to a validated ONNX model.
// See LoadCaffeModelAsCaffe2.
func LoadCaffeModelAsONNX(prototxtPath string, t translator.Translator, readFile fsutil.ReadFileFn) (*onnx.Model, error) {
	predict, initNet, valueInfo, err := LoadCaffeModelAsCaffe2(prototxtPath, t, readFile)
	if err != nil {
		return nil, err
	}
	caffe2.RemoveUnrecognizedArguments(predict)
	return Caffe2NetToONNXModel(predict, initNet, valueInfo)
}

// LoadCaffe2ModelAsONNX loads a Caffe2 model folder (see caffe2.LoadFolder) and converts it to a validated
// ONNX model.
func LoadCaffe2ModelAsONNX(dir string, readFile fsutil.ReadFileFn) (*onnx.Model, error) {
	predict, initNet, valueInfo, err := caffe2.LoadFolder(dir, readFile)
	if err != nil {
		return nil, err
	}
	caffe2.RemoveUnrecognizedArguments(predict)
	return Caffe2NetToONNXModel(predict, initNet, valueInfo)
}

// Caffe2NetToONNXModel builds the ONNX model (opset 11) of a Caffe2 model, and validates it.
func Caffe2NetToONNXModel(predict, initNet *caffe2.NetDef, valueInfo caffe2.ValueInfo) (*onnx.Model, error) {
	graph, err := frontend.Caffe2NetToONNXGraph(predict, initNet, valueInfo)
	if err != nil {
		return nil, err
	}
	if graph.Name == "" {
		graph.Name = DefaultGraphName
	}
	model := onnx.MakeModel(graph, onnx.OperatorSetID{Domain: "", Version: onnx.DefaultOpsetVersion})
	if err = checker.CheckModel(model); err != nil {
		return nil, err
	}
	return model, nil
}

// CaffeToCaffe2 translates a legacy Caffe model to a Caffe2 model: predict and init networks plus the
// value info of the input.
//
// The network must have exactly one input, declared either with an Input layer (the first layer) or with
// the top-level input fields, and exactly one output. The parameters of caffemodel may be changed by the
// fixups (see caffe.ApplyFixups).
func CaffeToCaffe2(prototxt, caffemodel *caffe.NetParameter, t translator.Translator) (
	predict, initNet *caffe2.NetDef, valueInfo caffe2.ValueInfo, err error) {
	inputNames, inputShapes, err := caffeInputs(prototxt)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(inputNames) != 1 {
		return nil, nil, nil, errors.Wrapf(translator.ErrUnsupported, "only networks with one input are supported, got inputs %q", inputNames)
	}

	caffe.ApplyFixups(prototxt, caffemodel)
	predict, params, err := t.Translate(prototxt, caffemodel)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(predict.Ops) == 0 || len(predict.Ops[0].Inputs) == 0 || len(predict.Ops[len(predict.Ops)-1].Outputs) == 0 {
		return nil, nil, nil, errors.Wrap(translator.ErrUnsupported, "translated network has no operators reading the input or writing the output")
	}
	input := predict.Ops[0].Inputs[0]
	if input != inputNames[0] {
		return nil, nil, nil, errors.Wrapf(translator.ErrUnsupported, "first operator reads %q, but the network input is %q", input, inputNames[0])
	}
	output := predict.Ops[len(predict.Ops)-1].Outputs[0]
	if terminals := terminalBlobs(predict); len(terminals) != 1 {
		return nil, nil, nil, errors.Wrapf(translator.ErrUnsupported, "only networks with one output are supported, got outputs %q", terminals)
	}

	predict.ExternalInputs = []string{input}
	for _, param := range params {
		predict.ExternalInputs = append(predict.ExternalInputs, param.Name)
	}
	predict.ExternalOutputs = []string{output}
	initNet = caffe2.TensorProtosToInitNet(params)
	valueInfo = caffe2.ValueInfo{input: {ElemType: onnx.DataTypeFloat, Shape: inputShapes[0]}}
	klog.V(1).Infof("Caffe network %q translated: %d operators, %d parameters, input %q %v, output %q",
		prototxt.Name, len(predict.Ops), len(params), input, inputShapes[0], output)
	return predict, initNet, valueInfo, nil
}

// caffeInputs returns the names and shapes of the declared inputs of the network.
func caffeInputs(prototxt *caffe.NetParameter) (names []string, shapes [][]int64, err error) {
	if len(prototxt.Layers) > 0 && prototxt.Layers[0].Type == "Input" {
		layer := prototxt.Layers[0]
		names = layer.Top
		if layer.InputParam != nil {
			for _, shape := range layer.InputParam.Shape {
				shapes = append(shapes, shape.Dim)
			}
		}
	} else {
		names = prototxt.Input
		for _, shape := range prototxt.InputShape {
			shapes = append(shapes, shape.Dim)
		}
		if len(shapes) == 0 {
			if len(prototxt.InputDim) != 4*len(names) {
				return nil, nil, errors.Wrapf(translator.ErrUnsupported, "input_dim has %d values, expected 4 per input (%d inputs)",
					len(prototxt.InputDim), len(names))
			}
			for ii := range names {
				dims := make([]int64, 4)
				for jj, dim := range prototxt.InputDim[4*ii : 4*ii+4] {
					dims[jj] = int64(dim)
				}
				shapes = append(shapes, dims)
			}
		}
	}
	if len(shapes) != len(names) {
		return nil, nil, errors.Errorf("network declares inputs %q with %d shapes", names, len(shapes))
	}
	return names, shapes, nil
}

// terminalBlobs returns the main outputs of operators (their first output) not read by any later operator.
func terminalBlobs(net *caffe2.NetDef) []string {
	var terminals []string
	for ii, op := range net.Ops {
		if len(op.Outputs) == 0 {
			continue
		}
		output := op.Outputs[0]
		consumed := false
	later:
		for _, laterOp := range net.Ops[ii+1:] {
			for _, input := range laterOp.Inputs {
				if input == output {
					consumed = true
					break later
				}
			}
			for _, laterOutput := range laterOp.Outputs {
				if laterOutput == output {
					// Overwritten (in-place operator): the later write decides.
					consumed = true
					break later
				}
			}
		}
		if !consumed {
			terminals = append(terminals, output)
		}
	}
	return terminals
}
