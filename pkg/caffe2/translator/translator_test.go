// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package translator

import (
	"testing"

	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const classifierPrototxt = `
name: "Classifier"
layer { name: "data" type: "Input" top: "data" input_param { shape { dim: 1 dim: 3 dim: 8 dim: 8 } } }
layer {
  name: "conv1" type: "Convolution" bottom: "data" top: "conv1"
  convolution_param { num_output: 2 kernel_size: 3 pad_h: 1 pad_w: 2 }
}
layer { name: "relu1" type: "ReLU" bottom: "conv1" top: "conv1" }
layer {
  name: "pool1" type: "Pooling" bottom: "conv1" top: "pool1"
  pooling_param { pool: MAX kernel_size: 2 stride: 2 }
}
layer { name: "drop" type: "Dropout" bottom: "pool1" top: "pool1" include { phase: TRAIN } }
layer { name: "fc" type: "InnerProduct" bottom: "pool1" top: "fc" inner_product_param { num_output: 2 } }
layer { name: "prob" type: "Softmax" bottom: "fc" top: "prob" }
`

func blob(values []float32, dims ...int64) *caffe.BlobProto {
	return &caffe.BlobProto{Shape: &caffe.BlobShape{Dim: dims}, Data: values}
}

func classifierWeights() *caffe.NetParameter {
	return &caffe.NetParameter{
		Layers: []*caffe.LayerParameter{
			{Name: "conv1", Blobs: []*caffe.BlobProto{blob(make([]float32, 2*3*3*3), 2, 3, 3, 3), blob([]float32{1, 2}, 2)}},
			// Old style 4D InnerProduct weights.
			{Name: "fc", Blobs: []*caffe.BlobProto{blob(make([]float32, 2*32), 1, 1, 2, 32), blob([]float32{0, 1}, 2)}},
		},
	}
}

func argValue(t *testing.T, op *caffe2.OperatorDef, name string) any {
	arg := op.Arg(name)
	require.NotNilf(t, arg, "operator %s has no argument %q", op.Type, name)
	return arg.Value()
}

func TestTranslateClassifier(t *testing.T) {
	prototxt := must.M1(caffe.ParseText([]byte(classifierPrototxt)))
	predict, params, err := Default().Translate(prototxt, classifierWeights())
	require.NoError(t, err)
	assert.Equal(t, "Classifier", predict.Name)

	var types []string
	for _, op := range predict.Ops {
		types = append(types, op.Type)
	}
	// Input produces no operator, and Dropout is only included for training.
	require.Equal(t, []string{"Conv", "Relu", "MaxPool", "FC", "Softmax"}, types)

	conv := predict.Ops[0]
	assert.Equal(t, []string{"data", "conv1_w", "conv1_b"}, conv.Inputs)
	assert.Equal(t, []string{"conv1"}, conv.Outputs)
	assert.Equal(t, int64(3), argValue(t, conv, "kernel"))
	assert.Equal(t, int64(1), argValue(t, conv, "stride"))
	assert.Equal(t, int64(1), argValue(t, conv, "pad_t"))
	assert.Equal(t, int64(2), argValue(t, conv, "pad_l"))
	assert.Nil(t, conv.Arg("group"))

	pool := predict.Ops[2]
	assert.Equal(t, int64(2), argValue(t, pool, "kernel"))
	assert.Equal(t, int64(caffe2.LegacyPadCaffePooling), argValue(t, pool, "legacy_pad"))
	assert.Equal(t, "NCHW", argValue(t, pool, "order"))

	fc := predict.Ops[3]
	assert.Equal(t, []string{"pool1", "fc_w", "fc_b"}, fc.Inputs)

	require.Len(t, params, 4)
	assert.Equal(t, "conv1_w", params[0].Name)
	assert.Equal(t, []int64{2, 3, 3, 3}, params[0].Dims)
	assert.Equal(t, "fc_w", params[2].Name)
	assert.Equal(t, []int64{2, 32}, params[2].Dims)
	assert.Equal(t, []float32{0, 1}, params[3].FloatData)
}

func TestTranslateErrors(t *testing.T) {
	tr := Default()
	translate := func(prototxt string, weights *caffe.NetParameter) error {
		_, _, err := tr.Translate(must.M1(caffe.ParseText([]byte(prototxt))), weights)
		return err
	}

	err := translate(`layer { name: "x" type: "Frobnicate" bottom: "data" top: "x" }`, nil)
	require.ErrorIs(t, err, ErrUnsupported)

	err = translate(`layers { name: "conv1" type: CONVOLUTION bottom: "data" top: "conv1" }`, nil)
	require.ErrorIs(t, err, ErrUnsupported)

	err = translate(`layer { name: "sum" type: "Eltwise" bottom: "a" bottom: "b" top: "sum" eltwise_param { coeff: 1 coeff: -1 } }`, nil)
	require.ErrorIs(t, err, ErrUnsupported)

	// 2-element arrays must be fixed with caffe.FixWindow first.
	err = translate(`layer { name: "pool" type: "Pooling" bottom: "a" top: "pool" pooling_param { kernel_size: 3 kernel_size: 3 } }`, nil)
	require.ErrorIs(t, err, ErrUnsupported)

	// Missing trained weights.
	err = translate(`layer { name: "conv" type: "Convolution" bottom: "a" top: "conv" convolution_param { kernel_size: 3 } }`,
		&caffe.NetParameter{})
	require.Error(t, err)

	// Duplicated trained layers.
	weights := &caffe.NetParameter{
		Layers:       []*caffe.LayerParameter{{Name: "conv", Blobs: []*caffe.BlobProto{blob([]float32{1}, 1, 1, 1, 1)}}},
		LegacyLayers: []*caffe.V1LayerParameter{{Name: "conv"}},
	}
	err = translate(`layer { name: "conv" type: "Convolution" bottom: "a" top: "conv" convolution_param { kernel_size: 1 } }`, weights)
	require.ErrorIs(t, err, ErrUnsupported)

	err = translate(`layer { name: "bn" type: "BatchNorm" bottom: "a" top: "bn" }`, &caffe.NetParameter{
		Layers: []*caffe.LayerParameter{{Name: "bn", Blobs: []*caffe.BlobProto{
			blob([]float32{1, 2}, 2), blob([]float32{3, 4}, 2), blob([]float32{0}, 1)}}},
	})
	require.Error(t, err)
}

func TestTranslateBatchNormAndScale(t *testing.T) {
	prototxt := must.M1(caffe.ParseText([]byte(`
layer { name: "bn" type: "BatchNorm" bottom: "x" top: "x" batch_norm_param { eps: 0.001 } }
layer { name: "scale" type: "Scale" bottom: "x" top: "x" scale_param { bias_term: true } }
layer { name: "fused" type: "BatchNorm" bottom: "x" top: "y" }
`)))
	weights := &caffe.NetParameter{Layers: []*caffe.LayerParameter{
		{Name: "bn", Blobs: []*caffe.BlobProto{blob([]float32{2, 4}, 2), blob([]float32{6, 8}, 2), blob([]float32{2}, 1)}},
		{Name: "scale", Blobs: []*caffe.BlobProto{blob([]float32{0.5, 0.25}, 2), blob([]float32{1, -1}, 2)}},
		{Name: "fused", Blobs: []*caffe.BlobProto{
			blob([]float32{2, 4}, 2), blob([]float32{6, 8}, 2), blob([]float32{1}, 1),
			blob([]float32{3, 3}, 2), blob([]float32{7, 7}, 2)}},
	}}
	predict, params, err := Default().Translate(prototxt, weights)
	require.NoError(t, err)
	require.Len(t, predict.Ops, 4)

	bn := predict.Ops[0]
	assert.Equal(t, "SpatialBN", bn.Type)
	assert.Equal(t, []string{"x", "x_scale", "x_bias", "x_mean", "x_var"}, bn.Inputs)
	assert.InDelta(t, 0.001, argValue(t, bn, "epsilon"), 1e-9)
	assert.Equal(t, int64(1), argValue(t, bn, "is_test"))
	byName := make(map[string]*caffe2.TensorProto)
	for _, p := range params {
		byName[p.Name] = p
	}
	assert.Equal(t, []float32{1, 2}, byName["x_mean"].FloatData)
	assert.Equal(t, []float32{3, 4}, byName["x_var"].FloatData)
	assert.Equal(t, []float32{1, 1}, byName["x_scale"].FloatData)
	assert.Equal(t, []float32{0, 0}, byName["x_bias"].FloatData)
	assert.Equal(t, []float32{3, 3}, byName["y_scale"].FloatData)
	assert.Equal(t, []float32{7, 7}, byName["y_bias"].FloatData)

	mul, add := predict.Ops[1], predict.Ops[2]
	assert.Equal(t, "Mul", mul.Type)
	assert.Equal(t, []string{"x", "xscale_w"}, mul.Inputs)
	assert.Equal(t, []string{"x_internal"}, mul.Outputs)
	assert.Equal(t, "Add", add.Type)
	assert.Equal(t, []string{"x_internal", "xscale_b"}, add.Inputs)
	assert.Equal(t, []string{"x"}, add.Outputs)
	assert.Equal(t, int64(1), argValue(t, add, "broadcast"))
}

func TestTranslateMisc(t *testing.T) {
	prototxt := must.M1(caffe.ParseText([]byte(`
layer { name: "concat" type: "Concat" bottom: "a" bottom: "b" top: "c" }
layer { name: "lrn" type: "LRN" bottom: "c" top: "n" lrn_param { local_size: 3 } }
layer { name: "drop" type: "Dropout" bottom: "n" top: "d" dropout_param { dropout_ratio: 0.3 } }
layer { name: "flat" type: "Flatten" bottom: "d" top: "f" }
layer { name: "reshape" type: "Reshape" bottom: "f" top: "r" reshape_param { shape { dim: 0 dim: -1 } } }
layer { name: "max" type: "Eltwise" bottom: "r" bottom: "r" top: "m" eltwise_param { operation: MAX } }
layer { name: "tanh" type: "TanH" bottom: "m" top: "t" }
layer { name: "leaky" type: "ReLU" bottom: "t" top: "l" relu_param { negative_slope: 0.1 } }
layer { name: "prelu" type: "PReLU" bottom: "l" top: "p" }
`)))
	weights := &caffe.NetParameter{Layers: []*caffe.LayerParameter{
		{Name: "prelu", Blobs: []*caffe.BlobProto{blob([]float32{0.1, 0.2, 0.3}, 3)}},
	}}
	predict, params, err := Default().Translate(prototxt, weights)
	require.NoError(t, err)
	require.Len(t, predict.Ops, 9)

	concat := predict.Ops[0]
	assert.Equal(t, []string{"c", "_c_dims"}, concat.Outputs)
	assert.Equal(t, "NCHW", argValue(t, concat, "order"))

	lrn := predict.Ops[1]
	assert.Equal(t, []string{"n", "_n_scale"}, lrn.Outputs)
	assert.Equal(t, int64(3), argValue(t, lrn, "size"))
	assert.Equal(t, float32(0.75), argValue(t, lrn, "beta"))

	drop := predict.Ops[2]
	assert.Equal(t, []string{"d", "_d_mask"}, drop.Outputs)
	assert.Equal(t, float32(0.3), argValue(t, drop, "ratio"))

	assert.Equal(t, "Flatten", predict.Ops[3].Type)
	reshape := predict.Ops[4]
	assert.Equal(t, []string{"r", "_f_dims"}, reshape.Outputs)
	assert.Equal(t, []int64{0, -1}, argValue(t, reshape, "shape"))

	assert.Equal(t, "Max", predict.Ops[5].Type)
	assert.Equal(t, "Tanh", predict.Ops[6].Type)
	assert.Equal(t, "LeakyRelu", predict.Ops[7].Type)
	assert.Equal(t, "PRelu", predict.Ops[8].Type)
	require.Len(t, params, 1)
	assert.Equal(t, []int64{3, 1, 1}, params[0].Dims)

	assert.Contains(t, Default().SupportedLayers(), "Convolution")
}
