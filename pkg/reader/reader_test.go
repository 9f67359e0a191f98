// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reader

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/caffe2/translator"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const convPrototxt = `
name: "SingleConv"
layer { name: "data" type: "Input" top: "data" input_param { shape { dim: 1 dim: 3 dim: 224 dim: 224 } } }
layer {
  name: "conv" type: "Convolution" bottom: "data" top: "conv"
  convolution_param { num_output: 4 kernel_size: 3 kernel_size: 3 stride: 1 stride: 1 pad: 1 pad: 1 }
}
`

const classifierPrototxt = `
name: "Classifier"
input: "data"
input_dim: 1 input_dim: 3 input_dim: 9 input_dim: 9
layer {
  name: "conv1" type: "Convolution" bottom: "data" top: "conv1"
  convolution_param { num_output: 2 kernel_size: 3 }
}
layer { name: "relu1" type: "ReLU" bottom: "conv1" top: "conv1" }
layer {
  name: "pool1" type: "Pooling" bottom: "conv1" top: "pool1"
  pooling_param { pool: MAX kernel_size: 2 stride: 2 }
}
layer { name: "fc" type: "InnerProduct" bottom: "pool1" top: "fc" inner_product_param { num_output: 5 } }
layer { name: "prob" type: "Softmax" bottom: "fc" top: "prob" }
`

func blob(dims ...int64) *caffe.BlobProto {
	size := int64(1)
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32(ii%7) / 7
	}
	return &caffe.BlobProto{Shape: &caffe.BlobShape{Dim: dims}, Data: values}
}

// writeCaffeModel writes the network definition and its weights to dir, and returns the path to the
// ".prototxt" file.
func writeCaffeModel(t *testing.T, dir, name, prototxt string, weights *caffe.NetParameter) string {
	prototxtPath := filepath.Join(dir, name+caffe.PrototxtExt)
	require.NoError(t, os.WriteFile(prototxtPath, []byte(prototxt), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+caffe.CaffeModelExt), caffe.MarshalModel(weights), 0o644))
	return prototxtPath
}

func convModel(t *testing.T) string {
	weights := &caffe.NetParameter{Layers: []*caffe.LayerParameter{
		{Name: "conv", Type: "Convolution", Blobs: []*caffe.BlobProto{blob(4, 3, 3, 3), blob(4)}},
	}}
	return writeCaffeModel(t, t.TempDir(), "conv", convPrototxt, weights)
}

func classifierModel(t *testing.T) string {
	weights := &caffe.NetParameter{Layers: []*caffe.LayerParameter{
		{Name: "conv1", Type: "Convolution", Blobs: []*caffe.BlobProto{blob(2, 3, 3, 3), blob(2)}},
		{Name: "fc", Type: "InnerProduct", Blobs: []*caffe.BlobProto{blob(5, 2*4*4), blob(5)}},
	}}
	return writeCaffeModel(t, t.TempDir(), "classifier", classifierPrototxt, weights)
}

func TestSetup(t *testing.T) {
	Setup(0)
	Setup(3) // No-op.
}

func TestReadLegacyConvolution(t *testing.T) {
	r := Build().Legacy(true).MustDone()
	assert.True(t, r.Legacy())
	model := must.M1(r.ReadONNX(convModel(t)))
	g := model.Graph

	assert.Equal(t, "SingleConv", g.Name)
	assert.Equal(t, int64(onnx.DefaultOpsetVersion), model.Opset(""))
	assert.Equal(t, []string{"data"}, g.NonInitializerInputs())
	input := must.M1(g.FindValueInfo("data").Shape())
	assert.Equal(t, dtypes.Float32, input.DType)
	assert.Equal(t, []int{1, 3, 224, 224}, input.Dimensions)

	require.Len(t, g.Outputs, 1)
	output := must.M1(g.Outputs[0].Shape())
	assert.Equal(t, []int{1, 4, 224, 224}, output.Dimensions)

	require.Len(t, g.Nodes, 1)
	conv := g.Nodes[0]
	assert.Equal(t, "Conv", conv.OpType)
	assert.Equal(t, []int64{3, 3}, conv.Attribute("kernel_shape").Ints)
	assert.Equal(t, []int64{1, 1}, conv.Attribute("strides").Ints)
	assert.Equal(t, []int64{1, 1, 1, 1}, conv.Attribute("pads").Ints)

	graph := must.M1(r.Read(convModel(t)))
	require.Len(t, graph.Inputs, 1)
	assert.Equal(t, "data", graph.Inputs[0].Name)
	require.Len(t, graph.Operations, 1)
	assert.Equal(t, "Conv", graph.Operations[0].Type)
	assert.Equal(t, []int64{3, 3}, graph.Operations[0].Attribs["kernel_shape"])
	require.Len(t, graph.Outputs, 1)
	assert.Equal(t, []int{1, 4, 224, 224}, graph.Outputs[0].Shape.Dimensions)
}

func TestReadLegacyClassifier(t *testing.T) {
	graph := must.M1(Build().Legacy(true).MustDone().Read(classifierModel(t)))
	var opTypes []string
	for _, op := range graph.Operations {
		opTypes = append(opTypes, op.Type)
	}
	assert.Equal(t, []string{"Conv", "Relu", "MaxPool", "Flatten", "Gemm", "Softmax"}, opTypes)

	// Caffe rounds the pooling output size up: 7x7 pooled by 2x2 with stride 2 gives 4x4.
	pool := graph.Operations[2]
	assert.Equal(t, []int64{0, 0, 1, 1}, pool.Attribs["pads"])
	assert.Equal(t, []int{1, 2, 4, 4}, pool.Outputs[0].Shape.Dimensions)

	require.Len(t, graph.Outputs, 1)
	assert.Equal(t, "prob", graph.Outputs[0].Name)
	assert.Equal(t, []int{1, 5}, graph.Outputs[0].Shape.Dimensions)
}

func TestReadCaffe2Folder(t *testing.T) {
	predict, initNet, valueInfo := must.M3(LoadCaffeModelAsCaffe2(classifierModel(t), translator.Default(), nil))
	dir := filepath.Join(t.TempDir(), "classifier")
	require.NoError(t, caffe2.SaveFolder(dir, predict, initNet, valueInfo))

	graph := must.M1(Build().MustDone().Read(dir))
	assert.Equal(t, "Classifier", graph.Name)
	require.Len(t, graph.Inputs, 1)
	assert.Equal(t, []int{1, 3, 9, 9}, graph.Inputs[0].Shape.Dimensions)
	require.Len(t, graph.Outputs, 1)
	assert.Equal(t, []int{1, 5}, graph.Outputs[0].Shape.Dimensions)

	// Missing value_info.json: the read fails, and nothing is returned.
	require.NoError(t, os.Remove(filepath.Join(dir, caffe2.ValueInfoFile)))
	graph, err := Build().MustDone().Read(dir)
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Nil(t, graph)
}

func TestConvertCaffe2(t *testing.T) {
	var reads int
	readFile := func(filePath string) ([]byte, error) {
		reads++
		return fsutil.ReadFile(filePath)
	}
	r := Build().Legacy(true).ReadFile(readFile).MustDone()
	predict, initNet, valueInfo := must.M3(LoadCaffeModelAsCaffe2(classifierModel(t), translator.Default(), readFile))
	predict.Ops[0].Args = append(predict.Ops[0].Args, caffe2.MakeArgument("ws_nbytes_limit", 1024))

	model := must.M1(r.ConvertCaffe2(predict, initNet, valueInfo))
	assert.Equal(t, 2, reads, "the model files are read only once")
	for _, arg := range predict.Ops[0].Args {
		assert.NotEqual(t, "ws_nbytes_limit", arg.Name)
	}
	assert.Equal(t, "Classifier", model.Graph.Name)
	require.Len(t, model.Graph.Outputs, 1)
	output := must.M1(model.Graph.Outputs[0].Shape())
	assert.Equal(t, []int{1, 5}, output.Dimensions)
	assert.NotEmpty(t, model.Graph.ValueInfo)

	_, err := r.ConvertCaffe2(&caffe2.NetDef{Name: "empty", ExternalInputs: []string{"x"}}, nil, caffe2.ValueInfo{})
	require.Error(t, err)
}

func TestReadFileProvider(t *testing.T) {
	var reads []string
	readFile := func(filePath string) ([]byte, error) {
		reads = append(reads, filepath.Base(filePath))
		return fsutil.ReadFile(filePath)
	}
	r := Build().Legacy(true).ReadFile(readFile).MustDone()

	_, err := r.Read(filepath.Join(t.TempDir(), "model.caffemodel"))
	require.ErrorIs(t, err, caffe.ErrNotPrototxt)
	assert.Empty(t, reads)

	_, err = r.Read(convModel(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"conv.prototxt", "conv.caffemodel"}, reads)
}

func TestConfigErrors(t *testing.T) {
	_, err := Build().Translator(nil).Done()
	require.Error(t, err)
	_, err = Build().ReadFile(nil).Done()
	require.Error(t, err)
	require.Panics(t, func() { BuildWithAdapter[int](nil).MustDone() })

	// Custom adapter.
	countNodes := func(model *onnx.Model) (int, error) { return len(model.Graph.Nodes), nil }
	r := BuildWithAdapter[int](countNodes).Legacy(true).MustDone()
	assert.Equal(t, 1, must.M1(r.Read(convModel(t))))
}

func TestCaffeToCaffe2(t *testing.T) {
	prototxt := must.M1(caffe.ParseText([]byte(classifierPrototxt)))
	weights := &caffe.NetParameter{Layers: []*caffe.LayerParameter{
		{Name: "conv1", Blobs: []*caffe.BlobProto{blob(2, 3, 3, 3), blob(2)}},
		{Name: "fc", Blobs: []*caffe.BlobProto{blob(5, 32), blob(5)}},
	}}
	predict, initNet, valueInfo := must.M3(CaffeToCaffe2(prototxt, weights, translator.Default()))
	assert.Equal(t, []string{"data", "conv1_w", "conv1_b", "fc_w", "fc_b"}, predict.ExternalInputs)
	assert.Equal(t, []string{"prob"}, predict.ExternalOutputs)
	require.Len(t, initNet.Ops, 4)
	assert.Equal(t, "GivenTensorFill", initNet.Ops[0].Type)
	assert.Equal(t, caffe2.ValueInfo{"data": {ElemType: onnx.DataTypeFloat, Shape: []int64{1, 3, 9, 9}}}, valueInfo)
}

func TestCaffeToCaffe2Errors(t *testing.T) {
	convWeights := func(names ...string) *caffe.NetParameter {
		weights := &caffe.NetParameter{}
		for _, name := range names {
			weights.Layers = append(weights.Layers, &caffe.LayerParameter{Name: name, Blobs: []*caffe.BlobProto{blob(2, 3, 3, 3), blob(2)}})
		}
		return weights
	}
	for _, tc := range []struct {
		name, prototxt string
	}{
		{"input_dim length", `input: "data" input_dim: 1 input_dim: 3 input_dim: 9
			layer { name: "a" type: "Convolution" bottom: "data" top: "a" convolution_param { num_output: 2 kernel_size: 3 } }`},
		{"two inputs", `input: "data" input: "other" input_dim: 1 input_dim: 3 input_dim: 9 input_dim: 9
			input_dim: 1 input_dim: 3 input_dim: 9 input_dim: 9
			layer { name: "a" type: "Convolution" bottom: "data" top: "a" convolution_param { num_output: 2 kernel_size: 3 } }`},
		{"two outputs", `input: "data" input_dim: 1 input_dim: 3 input_dim: 9 input_dim: 9
			layer { name: "a" type: "Convolution" bottom: "data" top: "a" convolution_param { num_output: 2 kernel_size: 3 } }
			layer { name: "b" type: "Convolution" bottom: "data" top: "b" convolution_param { num_output: 2 kernel_size: 3 } }`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			prototxt := must.M1(caffe.ParseText([]byte(tc.prototxt)))
			_, _, _, err := CaffeToCaffe2(prototxt, convWeights("a", "b"), translator.Default())
			require.ErrorIs(t, err, translator.ErrUnsupported)
		})
	}
}

func TestTerminalBlobs(t *testing.T) {
	net := &caffe2.NetDef{Ops: []*caffe2.OperatorDef{
		{Type: "Conv", Inputs: []string{"data", "w"}, Outputs: []string{"conv"}},
		{Type: "Relu", Inputs: []string{"conv"}, Outputs: []string{"conv"}},
		{Type: "Dropout", Inputs: []string{"conv"}, Outputs: []string{"drop", "_drop_mask"}},
	}}
	assert.Equal(t, []string{"drop"}, terminalBlobs(net))
}
